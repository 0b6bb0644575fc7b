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

// Package llmrouter is the only component that talks to model providers.
// It hides retry, key selection, and conversation bookkeeping behind
// send_chat/send_one_shot/health_check.
package llmrouter

import "time"

// ErrorType classifies a failed send_chat/send_one_shot call.
type ErrorType string

const (
	ErrorRateLimited     ErrorType = "rate_limited"
	ErrorSafetyBlocked   ErrorType = "safety_blocked"
	ErrorAllKeysExhausted ErrorType = "all_keys_exhausted"
	ErrorNonRetryable    ErrorType = "non_retryable"
)

// ChatResult is the normalized outcome of send_chat/send_one_shot.
type ChatResult struct {
	Success   bool
	Content   string
	Model     string
	KeyID     string
	Tokens    int64
	Error     string
	ErrorType ErrorType
}

// ChatRequest carries every input send_chat needs. ConversationID is
// empty for send_one_shot, which skips ConversationStore entirely.
type ChatRequest struct {
	ConversationID           string
	Prompt                   string
	ModelPreference          string
	ExpectedCompletionTokens int64
	MaxOutputTokens          int
	Temperature              float64
	SystemPrompt             string
	TaskType                 string
}

// Config tunes the retry protocol and tier escalation.
type Config struct {
	// MaxRetries is the number of distinct-key attempts per call, not
	// counting the first attempt (default 3).
	MaxRetries int

	// BaseBackoff is the base of the exponential retry backoff applied
	// after a rate-limit or transient failure (default 500ms).
	BaseBackoff time.Duration

	// MaxBackoff caps the computed backoff delay.
	MaxBackoff time.Duration

	// Tiers lists model_preference values in escalation order, lightest
	// first. A safety-block on the current tier retries on the next
	// entry. A ModelPreference not present in Tiers runs with no
	// escalation available.
	Tiers []string

	// AllowFamilyFallback is passed through to KeyManager.Select.
	AllowFamilyFallback bool
}

// DefaultConfig returns conservative defaults matching the retry
// protocol's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		BaseBackoff: 500 * time.Millisecond,
		MaxBackoff:  30 * time.Second,
	}
}
