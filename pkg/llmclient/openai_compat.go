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

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/stratforge/stratforge/pkg/httpclient"
)

// OpenAICompatBuildRequest encodes a chat call using the chat-completions
// wire shape shared by OpenAI and its many compatible endpoints
// (Gemini's OpenAI-compatible surface, local inference servers, etc).
// Safety settings are passed through as provider-specific extra fields
// rather than interpreted here, since their meaning varies by backend.
func OpenAICompatBuildRequest(messages []Message, model string, safety SafetySettings, maxOutputTokens int, temperature float64) (string, []byte, error) {
	type wireMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	payload := struct {
		Model          string            `json:"model"`
		Messages       []wireMessage     `json:"messages"`
		MaxTokens      int               `json:"max_tokens,omitempty"`
		Temperature    float64           `json:"temperature"`
		SafetySettings map[string]string `json:"safety_settings,omitempty"`
	}{
		Model:          model,
		MaxTokens:      maxOutputTokens,
		Temperature:    temperature,
		SafetySettings: safety,
	}
	for _, m := range messages {
		payload.Messages = append(payload.Messages, wireMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("marshal chat completion request: %w", err)
	}
	return "/chat/completions", body, nil
}

// OpenAICompatParseResponse decodes a chat-completions response body.
func OpenAICompatParseResponse(status int, body []byte) (*Response, error) {
	if status >= 400 {
		return &Response{FinishReason: FinishError}, fmt.Errorf("provider returned HTTP %d: %s", status, truncateBody(body))
	}

	var wire struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
			TotalTokens      int64 `json:"total_tokens"`
		} `json:"usage"`
		Error *struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decode chat completion response: %w", err)
	}

	if wire.Error != nil {
		return &Response{FinishReason: classifyProviderError(wire.Error.Type)}, fmt.Errorf("provider error: %s", wire.Error.Message)
	}
	if len(wire.Choices) == 0 {
		return &Response{FinishReason: FinishError}, fmt.Errorf("provider response had no choices")
	}

	choice := wire.Choices[0]
	return &Response{
		Content:      choice.Message.Content,
		FinishReason: classifyFinishReason(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
			TotalTokens:      wire.Usage.TotalTokens,
		},
	}, nil
}

func classifyFinishReason(reason string) FinishReason {
	switch reason {
	case "stop", "":
		return FinishOK
	case "length", "max_tokens":
		return FinishLengthCap
	case "content_filter", "safety":
		return FinishSafetyBlock
	default:
		return FinishOK
	}
}

func classifyProviderError(errType string) FinishReason {
	switch errType {
	case "content_filter", "safety_violation":
		return FinishSafetyBlock
	default:
		return FinishError
	}
}

func truncateBody(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

// BearerAuth injects apiKey as a standard Authorization: Bearer header.
func BearerAuth(req *http.Request, apiKey string) {
	req.Header.Set("Authorization", "Bearer "+apiKey)
}

// OpenAICompatParseHeaders extracts httpclient.RateLimitInfo from the
// rate-limit headers OpenAI's chat-completions endpoint (and most of its
// OpenAI-compatible peers) returns on a 429, so HTTPClient's retry layer
// can wait for the provider's own reset instead of guessing with pure
// backoff. The Router never sees this directly: it only ever observes
// the classified ProviderError that follows exhausting httpclient's
// retries, and falls over to the next key via KeyManager at that point.
func OpenAICompatParseHeaders(headers http.Header) httpclient.RateLimitInfo {
	info := httpclient.RateLimitInfo{}

	if retryAfter := headers.Get("retry-after"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			info.RetryAfter = time.Duration(seconds) * time.Second
		}
	}

	if remaining := headers.Get("x-ratelimit-remaining-requests"); remaining != "" {
		if n, err := strconv.Atoi(remaining); err == nil {
			info.RequestsRemaining = n
		}
	}
	if remaining := headers.Get("x-ratelimit-remaining-tokens"); remaining != "" {
		if n, err := strconv.Atoi(remaining); err == nil {
			info.TokensRemaining = n
		}
	}

	// x-ratelimit-reset-requests/-tokens are durations like "1s" or
	// "6m0s", not absolute timestamps; resolve them against now so
	// calculateDelay's ResetTime field gets an absolute unix time.
	for _, header := range []string{"x-ratelimit-reset-tokens", "x-ratelimit-reset-requests"} {
		if resetStr := headers.Get(header); resetStr != "" {
			if d, err := time.ParseDuration(resetStr); err == nil {
				info.ResetTime = time.Now().Add(d).Unix()
				break
			}
		}
	}

	return info
}
