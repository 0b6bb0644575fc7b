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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedSandbox returns one RunResult per call, in order, looping on
// the last entry once exhausted.
type scriptedSandbox struct {
	results []RunResult
	errs    []error
	calls   int
}

func (s *scriptedSandbox) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return s.results[i], err
}

func TestCombineOutput_StderrOnlyContentIsNeverLost(t *testing.T) {
	combined := CombineOutput("[OK] Strategy initialized", "UnicodeDecodeError: 'utf-8' codec can't decode byte")
	assert.Contains(t, combined, "[OK] Strategy initialized")
	assert.Contains(t, combined, "UnicodeDecodeError")
}

func TestClassifyFailure_EncodingErrorInStderrClassifiesAsTestFailure(t *testing.T) {
	combined := CombineOutput("[OK] Strategy initialized", "UnicodeDecodeError: 'utf-8' codec can't decode byte 0xff")
	assert.Equal(t, ClassTestFailures, ClassifyFailure(1, combined))
}

func TestClassifyFailure_SyntaxErrorClassifiesAsStaticFailure(t *testing.T) {
	combined := "strategy.go:12: syntax error: unexpected }"
	assert.Equal(t, ClassStaticFailures, ClassifyFailure(1, combined))
}

func TestClassifyFailure_InfraSignatureWinsOverSyntaxLookingOutput(t *testing.T) {
	combined := "Cannot connect to the Docker daemon at unix:///var/run/docker.sock"
	assert.Equal(t, ClassSandboxError, ClassifyFailure(1, combined))
}

func TestTester_Execute_SuccessOnTwoMatchingDeterministicRuns(t *testing.T) {
	ok := RunResult{ExitCode: 0, Stdout: "PASS", ArtifactsDir: "/artifacts/t1"}
	sandbox := &scriptedSandbox{results: []RunResult{ok, ok}}
	tester := NewTester(sandbox)

	result := tester.Execute(context.Background(), TaskRequest{
		WorkflowID: "wf1",
		TaskID:     "t_test",
		Metadata:   map[string]any{"artifact_path": "strategy.go"},
	})

	require.True(t, result.Completed)
	assert.Equal(t, []string{"/artifacts/t1"}, result.ArtifactRefs)
	assert.Equal(t, 2, sandbox.calls)
}

func TestTester_Execute_NonDeterministicWhenSecondRunDiverges(t *testing.T) {
	first := RunResult{ExitCode: 0, Stdout: "equity=100.00"}
	second := RunResult{ExitCode: 0, Stdout: "equity=100.01"}
	sandbox := &scriptedSandbox{results: []RunResult{first, second}}
	tester := NewTester(sandbox)

	result := tester.Execute(context.Background(), TaskRequest{WorkflowID: "wf1", TaskID: "t_test"})

	require.False(t, result.Completed)
	assert.Equal(t, string(ClassNonDeterministic), result.Classification)
}

func TestTester_Execute_FirstRunFailureSkipsSecondRun(t *testing.T) {
	failing := RunResult{ExitCode: 1, Stdout: "", Stderr: "AssertionError: expected 1.0 got 2.0"}
	sandbox := &scriptedSandbox{results: []RunResult{failing}}
	tester := NewTester(sandbox)

	result := tester.Execute(context.Background(), TaskRequest{WorkflowID: "wf1", TaskID: "t_test"})

	require.False(t, result.Completed)
	assert.Equal(t, string(ClassTestFailures), result.Classification)
	assert.Equal(t, 1, sandbox.calls)
}

func TestTester_Execute_SecretInOutputRejectsRegardlessOfExitCode(t *testing.T) {
	leaky := RunResult{ExitCode: 0, Stdout: `api_key = "sk-or-v1-abcdefghijklmnopqrstuvwx1234567890"`}
	sandbox := &scriptedSandbox{results: []RunResult{leaky}}
	tester := NewTester(sandbox)

	result := tester.Execute(context.Background(), TaskRequest{WorkflowID: "wf1", TaskID: "t_test"})

	require.False(t, result.Completed)
	assert.Empty(t, result.Classification)
	assert.Contains(t, result.Error, "secret")
	assert.Equal(t, 1, sandbox.calls)
}

func TestRunRequestFromMetadata_ParsesJSONDecodedTypes(t *testing.T) {
	meta := map[string]any{
		"artifact_path":   "strategy.go",
		"timeout_seconds": float64(45),
		"rng_seed":        float64(7),
		"tests":           []any{"test_entry", "test_exit"},
		"fixtures":        map[string]any{"bars.csv": "s3://fixtures/bars.csv"},
	}

	run := runRequestFromMetadata(meta)

	assert.Equal(t, "strategy.go", run.ArtifactPath)
	assert.Equal(t, 45, run.TimeoutSeconds)
	assert.Equal(t, int64(7), run.RNGSeed)
	assert.Equal(t, []string{"test_entry", "test_exit"}, run.Tests)
	assert.Equal(t, map[string]string{"bars.csv": "s3://fixtures/bars.csv"}, run.Fixtures)
}

func TestRunRequestFromMetadata_DefaultsTimeoutWhenAbsent(t *testing.T) {
	run := runRequestFromMetadata(nil)
	assert.Equal(t, 30, run.TimeoutSeconds)
}
