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

package agents

import (
	"context"
	"fmt"
	"time"

	"github.com/stratforge/stratforge/pkg/conversation"
	"github.com/stratforge/stratforge/pkg/keymanager"
	"github.com/stratforge/stratforge/pkg/llmclient"
	"github.com/stratforge/stratforge/pkg/llmrouter"
)

// fakeKeyManager always hands out the same key; agents tests don't
// exercise key rotation, only what each agent does with a response.
type fakeKeyManager struct{}

func (fakeKeyManager) Select(ctx context.Context, modelPreference string, expectedCompletionTokens int64, excludedKeys map[string]bool, allowFamilyFallback bool) (*keymanager.Selection, error) {
	return &keymanager.Selection{KeyID: "key-1", Secret: "secret-1", ModelName: modelPreference}, nil
}
func (fakeKeyManager) ReportSuccess(keyID string)            {}
func (fakeKeyManager) ReportError(keyID, reason string)      {}
func (fakeKeyManager) GetHealthStatus() []keymanager.HealthStatus { return nil }

// scriptedLLMClient replays one response per call, in order.
type scriptedLLMClient struct {
	calls     int
	responses []*llmclient.Response
}

func (c *scriptedLLMClient) Chat(ctx context.Context, messages []llmclient.Message, model string, safety llmclient.SafetySettings, maxOutputTokens int, temperature float64, apiKey string) (*llmclient.Response, error) {
	i := c.calls
	c.calls++
	if i >= len(c.responses) {
		return nil, fmt.Errorf("scriptedLLMClient: no scripted response for call %d", i)
	}
	return c.responses[i], nil
}

func newTestRouter(responses ...string) *llmrouter.Router {
	parsed := make([]*llmclient.Response, len(responses))
	for i, r := range responses {
		parsed[i] = &llmclient.Response{Content: r, FinishReason: llmclient.FinishOK}
	}
	client := &scriptedLLMClient{responses: parsed}
	cfg := llmrouter.Config{MaxRetries: 1, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
	return llmrouter.New(fakeKeyManager{}, conversation.NewMemoryStore(), client, cfg)
}
