// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ratelimit provides the rate limiting primitives used throughout
// stratforge, at two distinct layers:
//
//   - Ingress limiting (RateLimiter/Store): windowed, scope-based quotas
//     (per-session or per-user) enforced by the HTTP middleware in front
//     of the engine's API. The engine configures one per-identifier
//     requests-per-minute rule from the --user-rpm flag; no environment
//     variable is read and no global limit is applied.
//   - Key reservation (KeyReserver): atomic per-minute RPM+TPM reservation
//     against a single provider API key, used by the KeyManager before a
//     key is handed to the LLM Router for a call.
//
// Both layers share the same Store abstraction but the key reservation
// layer additionally requires atomicity across two counters (RPM and TPM)
// in a single step, which the in-memory store provides via a mutex and the
// Redis-backed store provides via a single EVAL script.
//
// # Basic Usage
//
//	store := ratelimit.NewMemoryStore()
//	limiter, err := ratelimit.NewRateLimiter(config, store)
//	result, err := limiter.CheckAndRecord(ctx, ratelimit.ScopeUser, "user-123", 1000, 1)
//	if !result.Allowed {
//	    // Handle rate limit exceeded
//	}
//
//	reserver := ratelimit.NewKeyReserver(store)
//	res, err := reserver.Reserve(ctx, "openai-key-1", 60, 90000, 1200)
//	if err != nil {
//	    // all reservation attempts failed for this key in the current window
//	}
//
// # Time Windows
//
//   - minute: 60 seconds (RPM/TPM reservation window)
//   - hour, day, week, month: ingress quota windows
//
// # Limit Types
//
//   - token: Track token usage (LLM API tokens, cost/TPM control)
//   - count: Track request count (RPM / rate throttling)
//
// # Scopes
//
//   - session / user: ingress quotas (middleware)
//   - key: per-API-key RPM/TPM reservation (KeyManager)
package ratelimit
