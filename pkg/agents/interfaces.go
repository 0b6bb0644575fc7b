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

import "context"

// ArtifactWriter persists one task attempt's work product. Implemented
// by pkg/artifactstore; narrowed here so agents never depend on the
// storage backend (local disk vs S3) directly.
type ArtifactWriter interface {
	Put(ctx context.Context, workflowID, taskID string, attempt int, content []byte) (ref string, err error)
}

// RunRequest is what the Tester hands to the sandbox: the generated
// strategy plus everything needed to execute and grade it.
type RunRequest struct {
	ArtifactPath   string
	Tests          []string
	Fixtures       map[string]string
	TimeoutSeconds int
	RNGSeed        int64
}

// RunResult is the sandbox's raw report, per spec's sandbox contract:
// both stdout and stderr are always returned, never just one.
type RunResult struct {
	ExitCode        int
	Stdout          string
	Stderr          string
	DurationSeconds float64
	ArtifactsDir    string
	// InfrastructureError is set when the sandbox itself failed to run
	// the task (missing image, daemon down) as opposed to the task
	// running and failing on its own terms.
	InfrastructureError error
}

// Sandbox executes one RunRequest and returns its RunResult. Implemented
// by pkg/sandbox (LocalProcessSandbox, ContainerdSandbox).
type Sandbox interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}
