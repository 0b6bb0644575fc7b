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

// Package orchestrator owns workflow state: it validates a TodoList's
// dependency graph, dispatches ready tasks over the bus respecting those
// dependencies, consumes agent results, and advances each task's state
// machine. The IterativeLoop on top of it drives the coder/tester/debugger
// cycle to a terminal workflow outcome.
package orchestrator

import "time"

// TaskState is a task's position in its state machine. The loop never
// retries a Failed task in place, it always issues a fresh task id.
// Skipped is reached only by propagation: a task never runs, it is
// marked Skipped once the ready set drains dry and one of its
// dependencies is Failed or itself Skipped.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskSkipped   TaskState = "skipped"
)

// IsTerminal reports whether no further transition is expected for a task
// in this state without the IterativeLoop issuing a new task id.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskSkipped:
		return true
	default:
		return false
	}
}

// TaskItem is one node in a TodoList's dependency graph.
type TaskItem struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	AgentRole    string         `json:"agent_role"`
	Dependencies []string       `json:"dependencies"`
	Priority     int            `json:"priority"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// TodoList is the full unit of work a workflow executes: an ordered set
// of tasks and the dependency edges between them.
type TodoList struct {
	WorkflowID string     `json:"workflow_id"`
	Items      []TaskItem `json:"items"`
}

// TaskRun is the orchestrator's mutable record of one task's progress
// across attempts, keyed by task id within a WorkflowState.
type TaskRun struct {
	TaskID         string    `json:"task_id"`
	Status         TaskState `json:"status"`
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty"`
	Classification string    `json:"classification,omitempty"`
	ArtifactRefs   []string  `json:"artifact_refs,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// WorkflowState is the orchestrator's full in-memory (or persisted) view
// of one workflow: the TodoList it is executing, the per-task run record,
// and the IterativeLoop's iteration counter.
type WorkflowState struct {
	WorkflowID    string              `json:"workflow_id"`
	TodoListRef   TodoList            `json:"todo_list_ref"`
	Tasks         map[string]*TaskRun `json:"tasks"`
	Iteration     int                 `json:"iteration"`
	MaxIterations int                 `json:"max_iterations"`
}

// Outcome is the terminal, user-visible result of a workflow run.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeFailed           Outcome = "failed"
	OutcomeFailedAfterIters Outcome = "failed_after_iterations"
	OutcomeAborted          Outcome = "aborted"
)

// Result is returned by ExecuteWorkflow and RunIterative.
type Result struct {
	Outcome      Outcome
	ArtifactRefs []string
	Err          error
}

func newTaskRun(id string) *TaskRun {
	return &TaskRun{TaskID: id, Status: TaskPending, UpdatedAt: time.Now()}
}
