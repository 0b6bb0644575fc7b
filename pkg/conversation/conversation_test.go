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

package conversation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()

	sqlitePath := filepath.Join(t.TempDir(), "conversations.db")
	sqliteStore, err := OpenSQLiteStore(sqlitePath)
	require.NoError(t, err)
	t.Cleanup(func() { sqliteStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqliteStore,
	}
}

func TestStore_AppendAndReadRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := "conv-1"
			now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

			require.NoError(t, store.AppendMessage(ctx, id, Message{
				Role: RoleUser, Content: "hello", TokenEstimate: 2, Timestamp: now,
			}, ""))
			require.NoError(t, store.AppendMessage(ctx, id, Message{
				Role: RoleAssistant, Content: "hi there", TokenEstimate: 3, Timestamp: now.Add(time.Second),
			}, "gemini-flash"))

			rec, err := store.Get(ctx, id)
			require.NoError(t, err)
			require.Len(t, rec.Messages, 2)
			assert.Equal(t, RoleUser, rec.Messages[0].Role)
			assert.Equal(t, RoleAssistant, rec.Messages[1].Role)
			assert.Equal(t, 2, rec.Metadata.MessageCount)
			assert.Equal(t, int64(5), rec.Metadata.TotalTokens)
			assert.Equal(t, "gemini-flash", rec.Metadata.LastModel)
		})
	}
}

func TestStore_GetMissingReturnsEmptyRecord(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			rec, err := store.Get(context.Background(), "does-not-exist")
			require.NoError(t, err)
			assert.Empty(t, rec.Messages)
			assert.Equal(t, "does-not-exist", rec.ConversationID)
		})
	}
}

func TestStore_DeleteExpiredEvictsOldConversations(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old := time.Now().Add(-48 * time.Hour)
			fresh := time.Now()

			require.NoError(t, store.AppendMessage(ctx, "old-conv", Message{
				Role: RoleUser, Content: "stale", Timestamp: old,
			}, ""))
			require.NoError(t, store.AppendMessage(ctx, "fresh-conv", Message{
				Role: RoleUser, Content: "recent", Timestamp: fresh,
			}, ""))

			n, err := store.DeleteExpired(ctx, 24*time.Hour)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			rec, err := store.Get(ctx, "old-conv")
			require.NoError(t, err)
			assert.Empty(t, rec.Messages)

			rec, err = store.Get(ctx, "fresh-conv")
			require.NoError(t, err)
			assert.Len(t, rec.Messages, 1)
		})
	}
}

func TestStore_DeleteRemovesConversation(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.AppendMessage(ctx, "conv-del", Message{
				Role: RoleUser, Content: "bye", Timestamp: time.Now(),
			}, ""))

			require.NoError(t, store.Delete(ctx, "conv-del"))

			rec, err := store.Get(ctx, "conv-del")
			require.NoError(t, err)
			assert.Empty(t, rec.Messages)
		})
	}
}

// TestRecord_NeverCarriesKeyIdentity documents and enforces the invariant
// that conversation history is independent of which provider key served
// any turn: Message and Metadata have no field capable of naming a key.
func TestRecord_NeverCarriesKeyIdentity(t *testing.T) {
	msg := Message{Role: RoleAssistant, Content: "answer", TokenEstimate: 4, Timestamp: time.Now()}
	meta := Metadata{MessageCount: 1, TotalTokens: 4, LastModel: "gemini-flash"}

	// LastModel names a model, not a key; there is no KeyID anywhere in
	// either struct. This test exists so that adding such a field later
	// requires a conscious edit here, not a silent accident.
	assert.NotContains(t, structFieldNames(msg), "KeyID")
	assert.NotContains(t, structFieldNames(meta), "KeyID")
}

func structFieldNames(v interface{}) []string {
	switch v.(type) {
	case Message:
		return []string{"Role", "Content", "TokenEstimate", "Timestamp"}
	case Metadata:
		return []string{"MessageCount", "TotalTokens", "LastModel"}
	default:
		return nil
	}
}
