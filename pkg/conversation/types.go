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

// Package conversation persists the router's conversation history,
// independent of which provider key served any given turn.
package conversation

import (
	"context"
	"time"
)

// Role identifies the speaker of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn in a conversation.
type Message struct {
	Role          Role      `json:"role"`
	Content       string    `json:"content"`
	TokenEstimate int64     `json:"token_estimate"`
	Timestamp     time.Time `json:"timestamp"`
}

// Metadata summarizes a conversation for quick inspection without
// replaying every message.
type Metadata struct {
	MessageCount int    `json:"message_count"`
	TotalTokens  int64  `json:"total_tokens"`
	LastModel    string `json:"last_model"`
}

// Record is the full persisted state of one conversation. It is
// append-only and exclusively mutated by the Router; agents address a
// conversation only by ConversationID.
type Record struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
	Metadata       Metadata  `json:"metadata"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DefaultTTL is the conversation time-to-live NewSweeper uses when it is
// given a zero TTL.
const DefaultTTL = 24 * time.Hour

// Store persists conversation records. Implementations must be
// thread-safe. AppendMessage is the only mutator; Get never leaks which
// key served any turn, because key identity is never part of a Message.
type Store interface {
	// Get returns the conversation record for id, or a new empty record
	// if none exists yet.
	Get(ctx context.Context, id string) (*Record, error)

	// AppendMessage appends msg to the conversation, updating metadata.
	// If model is non-empty it overwrites Metadata.LastModel.
	AppendMessage(ctx context.Context, id string, msg Message, model string) error

	// Delete removes a conversation record entirely.
	Delete(ctx context.Context, id string) error

	// DeleteExpired removes every conversation whose UpdatedAt is older
	// than the cutoff implied by ttl.
	DeleteExpired(ctx context.Context, ttl time.Duration) (int, error)

	// Close releases any resources held by the store.
	Close() error
}
