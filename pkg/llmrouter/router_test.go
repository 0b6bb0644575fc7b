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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratforge/stratforge/pkg/conversation"
	"github.com/stratforge/stratforge/pkg/keymanager"
	"github.com/stratforge/stratforge/pkg/llmclient"
)

// fakeKeyManager lets tests script key selection and observe
// ReportSuccess/ReportError calls without a real rate-limit backend.
type fakeKeyManager struct {
	selectFn func(model string, excluded map[string]bool) (*keymanager.Selection, error)

	successCalls []string
	errorCalls   []string
}

func (f *fakeKeyManager) Select(ctx context.Context, modelPreference string, expectedCompletionTokens int64, excludedKeys map[string]bool, allowFamilyFallback bool) (*keymanager.Selection, error) {
	return f.selectFn(modelPreference, excludedKeys)
}

func (f *fakeKeyManager) ReportSuccess(keyID string) { f.successCalls = append(f.successCalls, keyID) }

func (f *fakeKeyManager) ReportError(keyID string, reason string) {
	f.errorCalls = append(f.errorCalls, keyID)
}

func (f *fakeKeyManager) GetHealthStatus() []keymanager.HealthStatus { return nil }

// fakeLLMClient replays a scripted sequence of responses, one per call,
// keyed by call order.
type fakeLLMClient struct {
	calls     int
	responses []*llmclient.Response
	errs      []error
}

func (f *fakeLLMClient) Chat(ctx context.Context, messages []llmclient.Message, model string, safety llmclient.SafetySettings, maxOutputTokens int, temperature float64, apiKey string) (*llmclient.Response, error) {
	i := f.calls
	f.calls++
	if i >= len(f.responses) {
		return nil, fmt.Errorf("fakeLLMClient: no scripted response for call %d", i)
	}
	return f.responses[i], f.errs[i]
}

func newFastConfig() Config {
	return Config{MaxRetries: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestRouter_SendChat_Success(t *testing.T) {
	km := &fakeKeyManager{
		selectFn: func(model string, excluded map[string]bool) (*keymanager.Selection, error) {
			return &keymanager.Selection{KeyID: "key-1", Secret: "secret-1", ModelName: model}, nil
		},
	}
	client := &fakeLLMClient{
		responses: []*llmclient.Response{{Content: "hi there", FinishReason: llmclient.FinishOK, Usage: llmclient.Usage{TotalTokens: 10}}},
		errs:      []error{nil},
	}
	store := conversation.NewMemoryStore()
	router := New(km, store, client, newFastConfig())

	result := router.SendChat(context.Background(), ChatRequest{
		ConversationID: "conv-1", Prompt: "hello", ModelPreference: "flash",
	})

	require.True(t, result.Success)
	assert.Equal(t, "hi there", result.Content)
	assert.Equal(t, "key-1", result.KeyID)
	assert.Equal(t, []string{"key-1"}, km.successCalls)

	rec, err := store.Get(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, rec.Messages, 2)
	assert.Equal(t, conversation.RoleUser, rec.Messages[0].Role)
	assert.Equal(t, conversation.RoleAssistant, rec.Messages[1].Role)
	assert.Equal(t, "flash", rec.Metadata.LastModel)
}

func TestRouter_SendChat_SafetyBlockEscalatesTier(t *testing.T) {
	var selectedModels []string
	km := &fakeKeyManager{
		selectFn: func(model string, excluded map[string]bool) (*keymanager.Selection, error) {
			selectedModels = append(selectedModels, model)
			return &keymanager.Selection{KeyID: "flash-1", Secret: "s", ModelName: model}, nil
		},
	}
	client := &fakeLLMClient{
		responses: []*llmclient.Response{
			{FinishReason: llmclient.FinishSafetyBlock},
			{Content: "safe answer", FinishReason: llmclient.FinishOK},
		},
		errs: []error{nil, nil},
	}
	store := conversation.NewMemoryStore()
	cfg := newFastConfig()
	cfg.Tiers = []string{"flash", "pro"}
	router := New(km, store, client, cfg)

	result := router.SendChat(context.Background(), ChatRequest{Prompt: "hi", ModelPreference: "flash"})

	require.True(t, result.Success)
	assert.Equal(t, []string{"flash", "pro"}, selectedModels)
	assert.Empty(t, km.errorCalls, "safety block must not report key error")
	assert.Equal(t, []string{"flash-1"}, km.successCalls)
}

func TestRouter_SendChat_AllTiersSafetyBlockedReturnsSafetyBlocked(t *testing.T) {
	km := &fakeKeyManager{
		selectFn: func(model string, excluded map[string]bool) (*keymanager.Selection, error) {
			return &keymanager.Selection{KeyID: "k", Secret: "s", ModelName: model}, nil
		},
	}
	client := &fakeLLMClient{
		responses: []*llmclient.Response{{FinishReason: llmclient.FinishSafetyBlock}, {FinishReason: llmclient.FinishSafetyBlock}},
		errs:      []error{nil, nil},
	}
	cfg := newFastConfig()
	cfg.Tiers = []string{"flash", "pro"}
	router := New(km, conversation.NewMemoryStore(), client, cfg)

	result := router.SendChat(context.Background(), ChatRequest{Prompt: "hi", ModelPreference: "flash"})
	assert.False(t, result.Success)
	assert.Equal(t, ErrorSafetyBlocked, result.ErrorType)
}

func TestRouter_SendChat_RateLimitedRetriesThenExhausts(t *testing.T) {
	km := &fakeKeyManager{
		selectFn: func(model string, excluded map[string]bool) (*keymanager.Selection, error) {
			keyID := fmt.Sprintf("key-%d", len(excluded)+1)
			return &keymanager.Selection{KeyID: keyID, Secret: "s", ModelName: model}, nil
		},
	}
	rateLimitErr := &llmclient.ProviderError{Kind: llmclient.ProviderErrorRateLimited, StatusCode: 429, Err: fmt.Errorf("429")}
	client := &fakeLLMClient{
		responses: []*llmclient.Response{nil, nil, nil, nil},
		errs:      []error{rateLimitErr, rateLimitErr, rateLimitErr, rateLimitErr},
	}
	cfg := newFastConfig()
	router := New(km, conversation.NewMemoryStore(), client, cfg)

	result := router.SendChat(context.Background(), ChatRequest{Prompt: "hi", ModelPreference: "flash"})
	assert.False(t, result.Success)
	assert.Equal(t, ErrorAllKeysExhausted, result.ErrorType)
	assert.Len(t, km.errorCalls, 4)
}

func TestRouter_SendChat_NonRetryableReturnsImmediately(t *testing.T) {
	km := &fakeKeyManager{
		selectFn: func(model string, excluded map[string]bool) (*keymanager.Selection, error) {
			return &keymanager.Selection{KeyID: "key-1", Secret: "s", ModelName: model}, nil
		},
	}
	nonRetryable := &llmclient.ProviderError{Kind: llmclient.ProviderErrorNonRetryable, StatusCode: 400, Err: fmt.Errorf("bad request")}
	client := &fakeLLMClient{responses: []*llmclient.Response{nil}, errs: []error{nonRetryable}}
	router := New(km, conversation.NewMemoryStore(), client, newFastConfig())

	result := router.SendChat(context.Background(), ChatRequest{Prompt: "hi", ModelPreference: "flash"})
	assert.False(t, result.Success)
	assert.Equal(t, ErrorNonRetryable, result.ErrorType)
	assert.Empty(t, km.errorCalls, "non-retryable failures don't cool down the key")
	assert.Equal(t, 1, client.calls)
}

func TestRouter_SendChat_AllKeysExhaustedOnSelectFailure(t *testing.T) {
	km := &fakeKeyManager{
		selectFn: func(model string, excluded map[string]bool) (*keymanager.Selection, error) {
			return nil, fmt.Errorf("no active key matches model preference")
		},
	}
	router := New(km, conversation.NewMemoryStore(), &fakeLLMClient{}, newFastConfig())

	result := router.SendChat(context.Background(), ChatRequest{Prompt: "hi", ModelPreference: "flash"})
	assert.False(t, result.Success)
	assert.Equal(t, ErrorAllKeysExhausted, result.ErrorType)
}

func TestRouter_SendOneShot_DoesNotTouchConversationStore(t *testing.T) {
	km := &fakeKeyManager{
		selectFn: func(model string, excluded map[string]bool) (*keymanager.Selection, error) {
			return &keymanager.Selection{KeyID: "key-1", Secret: "s", ModelName: model}, nil
		},
	}
	client := &fakeLLMClient{responses: []*llmclient.Response{{Content: "ok", FinishReason: llmclient.FinishOK}}, errs: []error{nil}}
	store := conversation.NewMemoryStore()
	router := New(km, store, client, newFastConfig())

	result := router.SendOneShot(context.Background(), ChatRequest{ConversationID: "should-be-ignored", Prompt: "hi", ModelPreference: "flash"})
	require.True(t, result.Success)

	rec, err := store.Get(context.Background(), "should-be-ignored")
	require.NoError(t, err)
	assert.Empty(t, rec.Messages)
}

func TestRouter_HealthCheck_AggregatesKeyManagerAndStore(t *testing.T) {
	km := &fakeKeyManager{selectFn: func(string, map[string]bool) (*keymanager.Selection, error) { return nil, nil }}
	router := New(km, conversation.NewMemoryStore(), &fakeLLMClient{}, newFastConfig())

	report := router.HealthCheck(context.Background())
	assert.True(t, report.ConversationStoreHealthy)
}
