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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_Put_WritesAndGetReadsBack(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ref, err := store.Put(context.Background(), "wf_1", "t_plan", 1, []byte("strategy source"))
	require.NoError(t, err)
	assert.Contains(t, ref, "sha256:")

	content, err := store.Get(context.Background(), "wf_1", "t_plan", 1)
	require.NoError(t, err)
	assert.Equal(t, "strategy source", string(content))
}

func TestLocalStore_Put_SameContentTwiceIsIdempotent(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ref1, err := store.Put(context.Background(), "wf_1", "t_plan", 1, []byte("same"))
	require.NoError(t, err)
	ref2, err := store.Put(context.Background(), "wf_1", "t_plan", 1, []byte("same"))
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)
}

func TestLocalStore_Put_DifferentContentSameAttemptIsWriteOnceViolation(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "wf_1", "t_plan", 1, []byte("first"))
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "wf_1", "t_plan", 1, []byte("second"))
	require.Error(t, err)
	var conflict *ErrAttemptExists
	assert.ErrorAs(t, err, &conflict)
}

func TestLocalStore_Put_PriorAttemptsArePreservedAcrossNewAttempts(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "wf_1", "t_plan", 1, []byte("attempt one"))
	require.NoError(t, err)
	_, err = store.Put(context.Background(), "wf_1", "t_plan", 2, []byte("attempt two"))
	require.NoError(t, err)

	first, err := store.Get(context.Background(), "wf_1", "t_plan", 1)
	require.NoError(t, err)
	assert.Equal(t, "attempt one", string(first))

	second, err := store.Get(context.Background(), "wf_1", "t_plan", 2)
	require.NoError(t, err)
	assert.Equal(t, "attempt two", string(second))
}

func TestLocalStore_Get_UnknownAttemptReturnsError(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "wf_1", "missing", 1)
	assert.Error(t, err)
}
