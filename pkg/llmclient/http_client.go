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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/stratforge/stratforge/pkg/httpclient"
)

// RequestBuilder encodes a chat call into a provider's wire format,
// returning the URL path (relative to BaseURL) and the request body.
type RequestBuilder func(messages []Message, model string, safety SafetySettings, maxOutputTokens int, temperature float64) (path string, body []byte, err error)

// ResponseParser decodes a provider's wire response into a normalized
// Response. It receives the HTTP status code so it can classify
// provider-specific safety-block and length-cap signals that do not
// necessarily map to non-2xx statuses.
type ResponseParser func(status int, body []byte) (*Response, error)

// AuthInjector attaches an API key to an outgoing request.
type AuthInjector func(req *http.Request, apiKey string)

// HTTPClient is an LLMClient backed by the project's retrying HTTP
// client. It holds no provider-specific wire knowledge itself — that
// lives in the RequestBuilder/ResponseParser/AuthInjector supplied at
// construction, so adding a new provider never touches this file.
type HTTPClient struct {
	http    *httpclient.Client
	baseURL string

	buildRequest  RequestBuilder
	parseResponse ResponseParser
	injectAuth    AuthInjector
}

// NewHTTPClient creates a provider-backed LLMClient. httpClient is
// typically constructed with httpclient.New(httpclient.WithHeaderParser(...))
// using the header parser matching the target provider.
func NewHTTPClient(httpClient *httpclient.Client, baseURL string, build RequestBuilder, parse ResponseParser, auth AuthInjector) *HTTPClient {
	return &HTTPClient{
		http:          httpClient,
		baseURL:       baseURL,
		buildRequest:  build,
		parseResponse: parse,
		injectAuth:    auth,
	}
}

func (c *HTTPClient) Chat(ctx context.Context, messages []Message, model string, safety SafetySettings, maxOutputTokens int, temperature float64, apiKey string) (*Response, error) {
	path, body, err := c.buildRequest(messages, model, safety, maxOutputTokens, temperature)
	if err != nil {
		return nil, fmt.Errorf("llmclient: build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llmclient: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.injectAuth != nil {
		c.injectAuth(req, apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if resp == nil {
			return &Response{FinishReason: FinishError}, &ProviderError{Kind: ProviderErrorTransient, Err: err}
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		parsed, perr := c.parseResponse(resp.StatusCode, respBody)
		if perr == nil && parsed != nil {
			return parsed, nil
		}
		return &Response{FinishReason: FinishError}, &ProviderError{
			Kind:       ClassifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Err:        err,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("llmclient: read response body: %w", err)
	}

	parsed, err := c.parseResponse(resp.StatusCode, respBody)
	if err != nil {
		return nil, fmt.Errorf("llmclient: parse response: %w", err)
	}
	return parsed, nil
}

var _ LLMClient = (*HTTPClient)(nil)
