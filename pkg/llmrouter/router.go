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

package llmrouter

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/stratforge/stratforge/pkg/conversation"
	"github.com/stratforge/stratforge/pkg/keymanager"
	"github.com/stratforge/stratforge/pkg/llmclient"
)

// KeyManager is the subset of *keymanager.Manager the router depends
// on, narrowed to an interface so tests can substitute a fake.
type KeyManager interface {
	Select(ctx context.Context, modelPreference string, expectedCompletionTokens int64, excludedKeys map[string]bool, allowFamilyFallback bool) (*keymanager.Selection, error)
	ReportSuccess(keyID string)
	ReportError(keyID string, reason string)
	GetHealthStatus() []keymanager.HealthStatus
}

// HealthReport aggregates KeyManager and ConversationStore health.
type HealthReport struct {
	Keys                     []keymanager.HealthStatus
	ConversationStoreHealthy bool
}

// Router is the only component that talks to model providers.
type Router struct {
	keyManager    KeyManager
	conversations conversation.Store
	client        llmclient.LLMClient
	cfg           Config
}

// New creates a Router.
func New(keyManager KeyManager, conversations conversation.Store, client llmclient.LLMClient, cfg Config) *Router {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultConfig().BaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	return &Router{keyManager: keyManager, conversations: conversations, client: client, cfg: cfg}
}

// SendChat appends the user turn to the conversation, obtains a key,
// calls the provider, appends the assistant turn, and returns. The
// system prompt is re-applied on every call; the provider is always
// called with nil safety settings, so no safety thresholds are sent.
func (r *Router) SendChat(ctx context.Context, req ChatRequest) ChatResult {
	return r.send(ctx, req, true)
}

// SendOneShot behaves like SendChat but never touches ConversationStore.
func (r *Router) SendOneShot(ctx context.Context, req ChatRequest) ChatResult {
	req.ConversationID = ""
	return r.send(ctx, req, false)
}

func (r *Router) send(ctx context.Context, req ChatRequest, persist bool) ChatResult {
	tiers := r.resolveTiers(req.ModelPreference)
	tierIdx := 0
	excluded := make(map[string]bool)

	history, err := r.loadHistory(ctx, req, persist)
	if err != nil {
		return ChatResult{ErrorType: ErrorNonRetryable, Error: err.Error()}
	}
	messages := buildMessages(req.SystemPrompt, history, req.Prompt)

	var lastErrMsg string

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if tierIdx >= len(tiers) {
			return ChatResult{ErrorType: ErrorSafetyBlocked, Error: "safety-blocked on every available model tier"}
		}
		model := tiers[tierIdx]

		sel, err := r.keyManager.Select(ctx, model, req.ExpectedCompletionTokens, excluded, r.cfg.AllowFamilyFallback)
		if err != nil {
			return ChatResult{ErrorType: ErrorAllKeysExhausted, Error: err.Error()}
		}

		resp, err := r.client.Chat(ctx, messages, sel.ModelName, nil, req.MaxOutputTokens, req.Temperature, sel.Secret)
		if err != nil || (resp != nil && resp.FinishReason == llmclient.FinishError) {
			kind := llmclient.ProviderErrorNonRetryable
			var perr *llmclient.ProviderError
			if errors.As(err, &perr) {
				kind = perr.Kind
			}

			if kind == llmclient.ProviderErrorRateLimited || kind == llmclient.ProviderErrorTransient {
				r.keyManager.ReportError(sel.KeyID, string(kind))
				excluded[sel.KeyID] = true
				lastErrMsg = errString(err)

				if attempt == r.cfg.MaxRetries {
					if kind == llmclient.ProviderErrorTransient {
						return ChatResult{ErrorType: ErrorNonRetryable, Error: lastErrMsg}
					}
					return ChatResult{ErrorType: ErrorAllKeysExhausted, Error: lastErrMsg}
				}
				if !sleepBackoff(ctx, r.cfg, attempt) {
					return ChatResult{ErrorType: ErrorRateLimited, Error: "canceled during retry backoff"}
				}
				continue
			}

			return ChatResult{ErrorType: ErrorNonRetryable, Error: errString(err)}
		}

		if resp.FinishReason == llmclient.FinishSafetyBlock {
			// Content issue, not a key issue: escalate tier, key health
			// untouched.
			slog.Info("safety block, escalating model tier", "key_id", sel.KeyID, "model", sel.ModelName)
			tierIdx++
			continue
		}

		// ok or length_cap: success.
		r.keyManager.ReportSuccess(sel.KeyID)

		tokens := resp.Usage.TotalTokens
		if tokens == 0 {
			tokens = estimateTokens(req.Prompt) + estimateTokens(resp.Content)
		}

		if persist && req.ConversationID != "" {
			now := time.Now()
			_ = r.conversations.AppendMessage(ctx, req.ConversationID, conversation.Message{
				Role: conversation.RoleUser, Content: req.Prompt, TokenEstimate: estimateTokens(req.Prompt), Timestamp: now,
			}, "")
			_ = r.conversations.AppendMessage(ctx, req.ConversationID, conversation.Message{
				Role: conversation.RoleAssistant, Content: resp.Content, TokenEstimate: tokens, Timestamp: now,
			}, sel.ModelName)
		}

		return ChatResult{
			Success: true,
			Content: resp.Content,
			Model:   sel.ModelName,
			KeyID:   sel.KeyID,
			Tokens:  tokens,
		}
	}

	return ChatResult{ErrorType: ErrorAllKeysExhausted, Error: "max retries exceeded"}
}

func (r *Router) loadHistory(ctx context.Context, req ChatRequest, persist bool) ([]llmclient.Message, error) {
	if !persist || req.ConversationID == "" {
		return nil, nil
	}
	rec, err := r.conversations.Get(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	out := make([]llmclient.Message, 0, len(rec.Messages))
	for _, m := range rec.Messages {
		out = append(out, llmclient.Message{Role: string(m.Role), Content: m.Content})
	}
	return out, nil
}

func (r *Router) resolveTiers(modelPreference string) []string {
	for i, t := range r.cfg.Tiers {
		if t == modelPreference {
			return r.cfg.Tiers[i:]
		}
	}
	return []string{modelPreference}
}

// HealthCheck aggregates KeyManager and ConversationStore health.
func (r *Router) HealthCheck(ctx context.Context) HealthReport {
	report := HealthReport{Keys: r.keyManager.GetHealthStatus(), ConversationStoreHealthy: true}
	if _, err := r.conversations.Get(ctx, "__router_health_check__"); err != nil {
		report.ConversationStoreHealthy = false
	}
	return report
}

func buildMessages(systemPrompt string, history []llmclient.Message, prompt string) []llmclient.Message {
	var out []llmclient.Message
	if systemPrompt != "" {
		out = append(out, llmclient.Message{Role: "system", Content: systemPrompt})
	}
	out = append(out, history...)
	out = append(out, llmclient.Message{Role: "user", Content: prompt})
	return out
}

// estimateTokens uses the chars/4 heuristic; actual provider-reported
// usage overwrites this when available.
func estimateTokens(s string) int64 {
	return int64(len(s))/4 + 1
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// sleepBackoff waits base*2^attempt (capped at MaxBackoff) with ±25%
// jitter, honoring ctx cancellation. Returns false if ctx was canceled
// first.
func sleepBackoff(ctx context.Context, cfg Config, attempt int) bool {
	delay := cfg.BaseBackoff
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.MaxBackoff {
			delay = cfg.MaxBackoff
			break
		}
	}
	jitter := 0.75 + rand.Float64()*0.5
	delay = time.Duration(float64(delay) * jitter)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
