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

package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrNotFound is returned when a key_id has no corresponding secret.
var ErrNotFound = fmt.Errorf("secrets: key not found")

// Store is the abstract, read-only key_id -> secret lookup every other
// component uses. Implementations MUST NOT cache results: a call to Fetch
// always reflects the backend's current value.
type Store interface {
	// Fetch resolves keyID to its secret material. Returns ErrNotFound
	// if keyID is unknown to the backend.
	Fetch(ctx context.Context, keyID string) (string, error)
}

// EnvStore resolves keyID by uppercasing it, replacing '-' with '_', and
// prefixing it, then reading the result from the process environment.
// e.g. key_id "openai-key-1" with prefix "STRATFORGE_SECRET" reads
// STRATFORGE_SECRET_OPENAI_KEY_1.
type EnvStore struct {
	prefix string
	mu     sync.Mutex
}

// NewEnvStore creates an EnvStore. prefix defaults to "STRATFORGE_SECRET"
// if empty.
func NewEnvStore(prefix string) *EnvStore {
	if prefix == "" {
		prefix = "STRATFORGE_SECRET"
	}
	return &EnvStore{prefix: prefix}
}

func (s *EnvStore) envVar(keyID string) string {
	name := strings.ToUpper(keyID)
	name = strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name)
	return s.prefix + "_" + name
}

func (s *EnvStore) Fetch(ctx context.Context, keyID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keyID == "" {
		return "", fmt.Errorf("secrets: key id cannot be empty")
	}

	val, ok := os.LookupEnv(s.envVar(keyID))
	if !ok || val == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, keyID)
	}
	return val, nil
}

var _ Store = (*EnvStore)(nil)
