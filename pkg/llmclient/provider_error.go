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

package llmclient

import "fmt"

// ProviderErrorKind classifies a failed Chat call for the router's retry
// protocol. It is coarser than an HTTP status code on purpose: the wire
// format is provider-specific, but every provider's failures collapse
// into one of these three buckets from the router's point of view.
type ProviderErrorKind string

const (
	// ProviderErrorRateLimited corresponds to a 429-equivalent response:
	// the key should cool down and the call should retry on another key.
	ProviderErrorRateLimited ProviderErrorKind = "rate_limited"

	// ProviderErrorTransient corresponds to a 502/503/504-equivalent
	// response, a timeout, or a connection failure: retry is worthwhile,
	// but the failure says nothing about the key's remaining quota.
	ProviderErrorTransient ProviderErrorKind = "transient"

	// ProviderErrorNonRetryable corresponds to any other 4xx or a
	// malformed response: retrying will not help.
	ProviderErrorNonRetryable ProviderErrorKind = "non_retryable"
)

// ProviderError wraps a Chat failure with the classification the router
// needs to run its retry protocol.
type ProviderError struct {
	Kind       ProviderErrorKind
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("llmclient: %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// ClassifyStatus maps an HTTP status code to a ProviderErrorKind using
// the same thresholds as the router's retry protocol.
func ClassifyStatus(status int) ProviderErrorKind {
	switch {
	case status == 429:
		return ProviderErrorRateLimited
	case status == 502, status == 503, status == 504:
		return ProviderErrorTransient
	default:
		return ProviderErrorNonRetryable
	}
}
