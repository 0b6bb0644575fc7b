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

// Package stratforgeerr defines the classified error taxonomy shared across
// the orchestrator, router, and sandbox so callers branch on Kind instead of
// on provider-specific status codes or sandbox exit codes.
package stratforgeerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and escalation decisions. Kind values
// are propagated across process boundaries (bus events, HTTP responses) as
// their string form, so they must never be renamed once published.
type Kind string

const (
	// KindInvalidInput marks a malformed TodoList, a cyclic dependency
	// graph, or a missing required field. Fatal for the workflow; never
	// retried.
	KindInvalidInput Kind = "invalid_input"

	// KindRateLimited marks a provider 429 or a reservation failure
	// against every candidate key. Retried across keys; if every key is
	// exhausted it is re-surfaced as KindAllKeysExhausted.
	KindRateLimited Kind = "rate_limited"

	// KindTransient marks a 5xx, network timeout, or connection reset.
	// Retried with backoff; re-surfaced as KindNonRetryable once
	// max_retries is exhausted.
	KindTransient Kind = "transient"

	// KindSafetyBlocked marks a provider refusal on content grounds. The
	// router escalates to a stronger model tier before giving up.
	KindSafetyBlocked Kind = "safety_blocked"

	// KindSandboxError marks sandbox infrastructure failure: missing
	// image, daemon down, or a wall-clock kill outside the strategy's
	// control. The Tester routes this to the Debugger as sandbox_error.
	KindSandboxError Kind = "sandbox_error"

	// KindDeterminismViolation marks two seeded sandbox runs that
	// diverged. Non-retryable at the orchestration level; routed to the
	// Debugger as non_deterministic.
	KindDeterminismViolation Kind = "determinism_violation"

	// KindSecretsLeak marks a secret pattern found in a generated
	// artifact. Fails the task outright; no automatic fix is attempted.
	KindSecretsLeak Kind = "secrets_leak"

	// KindAllKeysExhausted marks that every key available to a send_chat
	// call was excluded by rate limiting or cooldown.
	KindAllKeysExhausted Kind = "all_keys_exhausted"

	// KindNonRetryable marks a 4xx (other than 429) or a malformed
	// response that survived parse retries.
	KindNonRetryable Kind = "non_retryable"
)

// retryable reports whether errors of this Kind are recovered by retrying
// inside the component that produced them, rather than propagated as a
// terminal failure.
func (k Kind) retryable() bool {
	switch k {
	case KindRateLimited, KindTransient, KindSafetyBlocked:
		return true
	default:
		return false
	}
}

// Error is a classified error: every terminal failure that crosses a
// component boundary (Router, Sandbox, Orchestrator) carries one of these
// instead of an unclassified error value.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an existing error under kind, preserving it as the
// unwrap chain so callers can still errors.Is/As against the original
// cause (e.g. a context.DeadlineExceeded).
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err, returning ("", false) if err is not
// (or does not wrap) a *Error.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}

// Is reports whether err is a classified error of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsRetryable reports whether err is a classified error whose Kind is
// recovered by retrying within the producing component (RateLimited,
// Transient, SafetyBlocked) rather than propagated as terminal.
func IsRetryable(err error) bool {
	k, ok := KindOf(err)
	return ok && k.retryable()
}
