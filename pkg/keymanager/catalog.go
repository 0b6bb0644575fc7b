// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package keymanager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// CatalogSource loads the key catalog and optionally watches it for
// changes, mirroring the project's config.Provider contract.
type CatalogSource interface {
	Load(ctx context.Context) ([]APIKeyMetadata, error)
	Watch(ctx context.Context) (<-chan struct{}, error)
	Close() error
}

// FileCatalogSource loads the catalog from a YAML file and hot-reloads it
// on change via fsnotify, debouncing rapid writes the way an editor's
// save-in-place produces.
type FileCatalogSource struct {
	path string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	closed  bool
}

// NewFileCatalogSource creates a source reading from path.
func NewFileCatalogSource(path string) (*FileCatalogSource, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("keymanager: resolve catalog path: %w", err)
	}
	return &FileCatalogSource{path: absPath}, nil
}

// Load reads and parses the catalog file.
func (s *FileCatalogSource) Load(ctx context.Context) ([]APIKeyMetadata, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("keymanager: read catalog %s: %w", s.path, err)
	}

	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("keymanager: parse catalog %s: %w", s.path, err)
	}

	for i, k := range cat.Keys {
		if k.KeyID == "" {
			return nil, fmt.Errorf("keymanager: catalog entry %d missing key_id", i)
		}
		if k.ModelName == "" {
			return nil, fmt.Errorf("keymanager: catalog entry %s missing model_name", k.KeyID)
		}
	}

	return cat.Keys, nil
}

// Watch starts watching the catalog file for changes and returns a
// channel that receives a value each time the file is rewritten.
func (s *FileCatalogSource) Watch(ctx context.Context) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("keymanager: catalog source is closed")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("keymanager: create file watcher: %w", err)
	}
	s.watcher = watcher

	dir := filepath.Dir(s.path)
	file := filepath.Base(s.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("keymanager: watch directory %s: %w", dir, err)
	}

	ch := make(chan struct{}, 1)
	go s.watchLoop(ctx, watcher, file, ch)

	slog.Info("watching key catalog", "path", s.path)
	return ch, nil
}

func (s *FileCatalogSource) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, file string, ch chan<- struct{}) {
	defer close(ch)
	defer watcher.Close()

	const debounceDelay = 100 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != file {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					select {
					case ch <- struct{}{}:
					default:
					}
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("key catalog watcher error", "error", err)
		}
	}
}

// Close stops watching and releases resources.
func (s *FileCatalogSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.watcher != nil {
		err := s.watcher.Close()
		s.watcher = nil
		return err
	}
	return nil
}

var _ CatalogSource = (*FileCatalogSource)(nil)
