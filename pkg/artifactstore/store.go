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

// Package artifactstore persists one task attempt's work product
// (generated strategy source, test report, trades, equity curve,
// events log) content-addressed by SHA-256, write-once per
// (workflow_id, task_id, attempt_id). Two backends are provided:
// LocalStore (disk) and S3Store (any S3-compatible endpoint).
package artifactstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Store is the full contract: write a new attempt's content, and read
// back any prior attempt for replay, per the spec's "exposes get(...)
// for replay" requirement.
type Store interface {
	Put(ctx context.Context, workflowID, taskID string, attempt int, content []byte) (ref string, err error)
	Get(ctx context.Context, workflowID, taskID string, attempt int) ([]byte, error)
}

// manifest is the per-attempt record pointing at the content-addressed
// object. Storing it separately from the object itself is what makes
// the write-once check possible without re-hashing the object on every
// read.
type manifest struct {
	Ref        string    `json:"ref"`
	WorkflowID string    `json:"workflow_id"`
	TaskID     string    `json:"task_id"`
	Attempt    int       `json:"attempt"`
	Size       int       `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
}

// ErrAttemptExists is wrapped into the error returned by Put when an
// attempt already has a manifest pointing at different content than
// what's being written — a write-once violation.
type ErrAttemptExists struct {
	WorkflowID, TaskID string
	Attempt            int
	ExistingRef        string
}

func (e *ErrAttemptExists) Error() string {
	return fmt.Sprintf("artifactstore: attempt %s/%s/%d already has content (ref %s)", e.WorkflowID, e.TaskID, e.Attempt, e.ExistingRef)
}

// contentRef hashes content into its canonical "sha256:<hex>" ref.
func contentRef(content []byte) string {
	sum := sha256.Sum256(content)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func marshalManifest(m manifest) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("artifactstore: marshal manifest: %w", err)
	}
	return data, nil
}

func unmarshalManifest(data []byte) (manifest, error) {
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return manifest{}, fmt.Errorf("artifactstore: unmarshal manifest: %w", err)
	}
	return m, nil
}
