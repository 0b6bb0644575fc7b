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

package secrets

import (
	"regexp"
	"strings"
)

// Pattern is a named regex used to flag secret-like substrings in
// artifacts and sandbox logs.
type Pattern struct {
	Name        string
	Description string
	regex       *regexp.Regexp
}

// Match is a single pattern hit within scanned content.
type Match struct {
	PatternName string
	Excerpt     string
}

// builtinPatterns mirrors the shape of generic credential detectors:
// keyed assignments (api_key = "..."), provider-specific token formats,
// and PEM blocks. Tuned for false-negative avoidance over precision,
// since a missed secret is far costlier than a rejected artifact.
var builtinPatterns = []Pattern{
	{
		Name:        "api_key",
		Description: "generic API key assignment",
		regex:       regexp.MustCompile(`(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{20,})["']?`),
	},
	{
		Name:        "secret_key",
		Description: "generic secret key assignment",
		regex:       regexp.MustCompile(`(?i)(?:secret[_-]?key)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-.]{20,})["']?`),
	},
	{
		Name:        "bearer_token",
		Description: "bearer / JWT token",
		regex:       regexp.MustCompile(`(?i)(?:bearer|jwt)["']?\s*[:=]?\s*["']?([A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+)["']?`),
	},
	{
		Name:        "aws_access_key",
		Description: "AWS access key id",
		regex:       regexp.MustCompile(`AKIA[A-Z0-9]{16}`),
	},
	{
		Name:        "private_key_block",
		Description: "PEM private key block",
		regex:       regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`),
	},
	{
		Name:        "github_token",
		Description: "GitHub personal access token",
		regex:       regexp.MustCompile(`gh[pousr]_[A-Za-z0-9_]{36,255}`),
	},
	{
		Name:        "slack_token",
		Description: "Slack bot/user token",
		regex:       regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,72}`),
	},
}

// Scanner detects secret-like patterns in generated artifacts and sandbox
// logs. It is stateless and safe for concurrent use.
type Scanner struct {
	patterns []Pattern
}

// NewScanner creates a Scanner with the builtin credential patterns.
func NewScanner() *Scanner {
	return &Scanner{patterns: builtinPatterns}
}

// Scan returns every builtin-pattern match found in content.
func (s *Scanner) Scan(content string) []Match {
	var matches []Match
	for _, p := range s.patterns {
		for _, loc := range p.regex.FindAllString(content, -1) {
			matches = append(matches, Match{PatternName: p.Name, Excerpt: truncate(loc, 80)})
		}
	}
	return matches
}

// ContainsAny reports whether content contains a match for any builtin
// pattern. Used by the sandbox tester to reject an artifact outright
// without collecting every match.
func (s *Scanner) ContainsAny(content string) bool {
	for _, p := range s.patterns {
		if p.regex.MatchString(content) {
			return true
		}
	}
	return false
}

// ContainsLiteral reports whether content contains any of the given
// literal secret values verbatim. Used to enforce that the Router never
// leaks a fetched secret into a response, log line, or persisted
// conversation record.
func ContainsLiteral(content string, secrets ...string) bool {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		if strings.Contains(content, secret) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
