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

// Package agents implements the stateless workers dispatched by the
// Orchestrator: Planner, Architect, Coder, Tester, Debugger. Each one
// consumes a single bus channel, routes every model call through
// pkg/llmrouter, and produces result events on another channel. None
// hold state across tasks beyond what a single invocation needs.
package agents

import "github.com/stratforge/stratforge/pkg/orchestrator"

// Role names a worker's position in the pipeline. These are the same
// strings carried in TaskItem.AgentRole and Event.AgentRole.
type Role string

const (
	RolePlanner   Role = "planner"
	RoleArchitect Role = "architect"
	RoleCoder     Role = "coder"
	RoleTester    Role = "tester"
	RoleDebugger  Role = "debugger"
)

// TaskRequest is the `data` payload of an event on PLANNER_REQUESTS,
// AGENT_REQUESTS, TESTER_REQUESTS or DEBUGGER_REQUESTS: everything a
// worker needs to execute one task, with workflow_id already forced
// into Metadata by the orchestrator per the propagation invariant.
type TaskRequest struct {
	WorkflowID   string         `json:"workflow_id"`
	TaskID       string         `json:"task_id"`
	AgentRole    Role           `json:"agent_role"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`

	// Upstream artifacts this task consumes, keyed by the producing
	// task's id (e.g. the Coder's generated source for the Tester).
	Inputs map[string]string `json:"inputs,omitempty"`
}

// workflowIDFromMetadata reads metadata["workflow_id"], reporting false
// when it is absent or not a string. Callers compare it with
// req.WorkflowID per the propagation invariant and treat a mismatch or
// absence as a hard error, never a silent fallback to req.WorkflowID.
func (r TaskRequest) workflowIDFromMetadata() (string, bool) {
	v, ok := r.Metadata["workflow_id"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// TaskResult is the `data` payload of a TASK_RESULTS event.
type TaskResult struct {
	WorkflowID     string   `json:"workflow_id"`
	TaskID         string   `json:"task_id"`
	Completed      bool     `json:"completed"`
	Error          string   `json:"error,omitempty"`
	Classification string   `json:"classification,omitempty"`
	ArtifactRefs   []string `json:"artifact_refs,omitempty"`
}

// toOutcome adapts a TaskResult to the orchestrator.Dispatcher return
// shape, so a BusDispatcher can hand one straight back to ExecuteWorkflow.
func (r TaskResult) toOutcome() orchestrator.TaskOutcome {
	outcome := orchestrator.TaskOutcome{
		Completed:      r.Completed,
		Classification: r.Classification,
		ArtifactRefs:   r.ArtifactRefs,
	}
	if r.Error != "" {
		outcome.Err = errString(r.Error)
	}
	return outcome
}

type errString string

func (e errString) Error() string { return string(e) }
