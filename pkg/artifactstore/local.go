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

package artifactstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/stratforge/stratforge/pkg/agents"
)

// LocalStore is a disk-backed Store: objects live content-addressed
// under baseDir/objects/, manifests live per attempt under
// baseDir/<workflow_id>/<task_id>/<attempt>/manifest.json.
type LocalStore struct {
	baseDir string
}

// NewLocalStore returns a LocalStore rooted at baseDir, creating it if
// necessary.
func NewLocalStore(baseDir string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("artifactstore: create base dir: %w", err)
	}
	return &LocalStore{baseDir: baseDir}, nil
}

func (s *LocalStore) manifestPath(workflowID, taskID string, attempt int) string {
	return filepath.Join(s.baseDir, workflowID, taskID, strconv.Itoa(attempt), "manifest.json")
}

func (s *LocalStore) objectPath(ref string) string {
	return filepath.Join(s.baseDir, "objects", ref)
}

// Put writes content's manifest and object if this attempt has never
// been written, returns the existing ref unchanged if it was written
// before with identical content, and fails with *ErrAttemptExists if
// the attempt already holds different content.
func (s *LocalStore) Put(ctx context.Context, workflowID, taskID string, attempt int, content []byte) (string, error) {
	ref := contentRef(content)
	manifestPath := s.manifestPath(workflowID, taskID, attempt)

	if existing, err := os.ReadFile(manifestPath); err == nil {
		m, err := unmarshalManifest(existing)
		if err != nil {
			return "", err
		}
		if m.Ref != ref {
			return "", &ErrAttemptExists{WorkflowID: workflowID, TaskID: taskID, Attempt: attempt, ExistingRef: m.Ref}
		}
		return ref, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("artifactstore: read manifest: %w", err)
	}

	objectPath := s.objectPath(ref)
	if _, err := os.Stat(objectPath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(objectPath), 0o755); err != nil {
			return "", fmt.Errorf("artifactstore: create object dir: %w", err)
		}
		if err := os.WriteFile(objectPath, content, 0o644); err != nil {
			return "", fmt.Errorf("artifactstore: write object: %w", err)
		}
	}

	m := manifest{Ref: ref, WorkflowID: workflowID, TaskID: taskID, Attempt: attempt, Size: len(content), CreatedAt: time.Now().UTC()}
	data, err := marshalManifest(m)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(manifestPath), 0o755); err != nil {
		return "", fmt.Errorf("artifactstore: create manifest dir: %w", err)
	}
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		return "", fmt.Errorf("artifactstore: write manifest: %w", err)
	}

	return ref, nil
}

// Get reads back the attempt's content for replay.
func (s *LocalStore) Get(ctx context.Context, workflowID, taskID string, attempt int) ([]byte, error) {
	raw, err := os.ReadFile(s.manifestPath(workflowID, taskID, attempt))
	if err != nil {
		return nil, fmt.Errorf("artifactstore: read manifest: %w", err)
	}
	m, err := unmarshalManifest(raw)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(s.objectPath(m.Ref))
	if err != nil {
		return nil, fmt.Errorf("artifactstore: read object: %w", err)
	}
	return content, nil
}

var (
	_ Store                = (*LocalStore)(nil)
	_ agents.ArtifactWriter = (*LocalStore)(nil)
)
