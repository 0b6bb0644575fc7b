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
	"regexp"
	"strings"

	"github.com/stratforge/stratforge/pkg/secrets"
)

// Classification is one of the five kinds the Tester must route a
// failure under, per the bus failure-classification taxonomy.
type Classification string

const (
	ClassTestFailures     Classification = "test_failures"
	ClassStaticFailures   Classification = "static_failures"
	ClassNonDeterministic Classification = "non_deterministic"
	ClassSandboxError     Classification = "sandbox_error"
	ClassArtifactSchema   Classification = "artifact_schema"
)

var (
	encodingErrorPattern = regexp.MustCompile(`(?i)unicode(?:decode|encode)error|invalid utf-?8|codec can't (?:decode|encode)`)
	syntaxErrorPattern   = regexp.MustCompile(`(?i)syntax ?error|compile error|undefined:|cannot find package`)
	infraErrorPattern    = regexp.MustCompile(`(?i)no such image|cannot connect to the docker daemon|daemon is not running|image not found|context deadline exceeded while pulling`)
)

// Tester runs a generated strategy plus its tests inside a Sandbox,
// scans the output for secrets, and classifies any failure. It does not
// read or validate test_report.json or any other output artifact.
type Tester struct {
	Sandbox Sandbox
	Scanner *secrets.Scanner
}

// NewTester builds a Tester over sandbox, with the default secret scan
// patterns.
func NewTester(sandbox Sandbox) *Tester {
	return &Tester{Sandbox: sandbox, Scanner: secrets.NewScanner()}
}

// Execute runs req's tests once, checks the output for secrets and the
// exit code for failure, then runs a second seeded execution and
// compares its stdout with the first to confirm determinism before
// reporting success. No report schema or artifact presence check is made.
//
// Execute implements Executor, deriving the RunRequest from req's
// metadata (artifact_path, tests, fixtures, timeout_seconds, rng_seed),
// per the Tester's task payload contract.
func (t *Tester) Execute(ctx context.Context, req TaskRequest) TaskResult {
	return t.run(ctx, req, runRequestFromMetadata(req.Metadata))
}

func (t *Tester) run(ctx context.Context, req TaskRequest, run RunRequest) TaskResult {
	first, err := t.Sandbox.Run(ctx, run)
	if err != nil || first.InfrastructureError != nil {
		return t.failure(req, ClassSandboxError, combinedErr(err, first.InfrastructureError))
	}

	combined := CombineOutput(first.Stdout, first.Stderr)

	if matches := t.Scanner.Scan(combined); len(matches) > 0 {
		return TaskResult{
			WorkflowID: req.WorkflowID,
			TaskID:     req.TaskID,
			Completed:  false,
			Error:      "secret pattern detected in sandbox output",
		}
	}

	if first.ExitCode != 0 {
		class := ClassifyFailure(first.ExitCode, combined)
		return t.failure(req, class, combined)
	}

	second, err := t.Sandbox.Run(ctx, run)
	if err != nil || second.InfrastructureError != nil {
		return t.failure(req, ClassSandboxError, combinedErr(err, second.InfrastructureError))
	}
	if second.ExitCode != 0 {
		return t.failure(req, ClassifyFailure(second.ExitCode, CombineOutput(second.Stdout, second.Stderr)), combined)
	}
	if second.Stdout != first.Stdout {
		return t.failure(req, ClassNonDeterministic,
			fmt.Sprintf("two seeded runs diverged:\nrun1: %s\nrun2: %s", first.Stdout, second.Stdout))
	}

	return TaskResult{WorkflowID: req.WorkflowID, TaskID: req.TaskID, Completed: true, ArtifactRefs: []string{first.ArtifactsDir}}
}

func (t *Tester) failure(req TaskRequest, class Classification, detail string) TaskResult {
	return TaskResult{
		WorkflowID:     req.WorkflowID,
		TaskID:         req.TaskID,
		Completed:      false,
		Classification: string(class),
		Error:          detail,
	}
}

// CombineOutput joins stdout and stderr into one traceback the
// classifier reads, per the requirement that stderr-only content (e.g.
// an encoding traceback) never goes unseen just because stdout alone
// looked fine.
func CombineOutput(stdout, stderr string) string {
	var b strings.Builder
	b.WriteString(stdout)
	if stdout != "" && stderr != "" {
		b.WriteString("\n")
	}
	b.WriteString(stderr)
	return b.String()
}

// ClassifyFailure inspects a sandbox's combined stdout+stderr and exit
// code and returns one of the five taxonomy kinds. Order matters:
// infrastructure signatures are checked first since they can appear
// alongside a nonzero exit code that would otherwise look like a test
// failure; an encoding traceback is checked next since it can appear
// anywhere in the combined stream and must not be missed.
func ClassifyFailure(exitCode int, combined string) Classification {
	switch {
	case infraErrorPattern.MatchString(combined):
		return ClassSandboxError
	case encodingErrorPattern.MatchString(combined):
		return ClassTestFailures
	case syntaxErrorPattern.MatchString(combined):
		return ClassStaticFailures
	default:
		return ClassTestFailures
	}
}

// runRequestFromMetadata reads the Tester's task payload contract
// ({artifact_path, tests, fixtures, timeout_seconds, rng_seed}) out of a
// TaskRequest's free-form metadata map, as it arrives decoded from JSON.
func runRequestFromMetadata(meta map[string]any) RunRequest {
	run := RunRequest{TimeoutSeconds: 30}
	if v, ok := meta["artifact_path"].(string); ok {
		run.ArtifactPath = v
	}
	if v, ok := meta["timeout_seconds"].(float64); ok {
		run.TimeoutSeconds = int(v)
	}
	if v, ok := meta["rng_seed"].(float64); ok {
		run.RNGSeed = int64(v)
	}
	if raw, ok := meta["tests"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				run.Tests = append(run.Tests, s)
			}
		}
	}
	if raw, ok := meta["fixtures"].(map[string]any); ok {
		run.Fixtures = make(map[string]string, len(raw))
		for k, v := range raw {
			if s, ok := v.(string); ok {
				run.Fixtures[k] = s
			}
		}
	}
	return run
}

func combinedErr(errs ...error) string {
	var parts []string
	for _, err := range errs {
		if err != nil {
			parts = append(parts, err.Error())
		}
	}
	if len(parts) == 0 {
		return "sandbox infrastructure failure"
	}
	return fmt.Sprintf("sandbox infrastructure failure: %s", strings.Join(parts, "; "))
}
