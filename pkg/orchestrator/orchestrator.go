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

package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/stratforge/stratforge/pkg/stratforgeerr"
)

// TaskOutcome is what a Dispatcher reports back once a dispatched task
// has run to completion or failure.
type TaskOutcome struct {
	Completed      bool
	Err            error
	Classification string
	ArtifactRefs   []string
}

// Dispatcher hands one ready task to the agent responsible for its role
// and blocks until that agent's result is known. Implementations
// typically publish to the bus and wait for a matching TASK_RESULTS
// event; tests substitute a fake that resolves in-process.
type Dispatcher interface {
	Dispatch(ctx context.Context, workflowID string, task TaskItem) TaskOutcome
}

// Orchestrator owns workflow state and drives ready tasks to completion
// through a Dispatcher, respecting the dependency graph.
type Orchestrator struct {
	dispatcher Dispatcher
}

// New builds an Orchestrator that hands ready tasks to dispatcher.
func New(dispatcher Dispatcher) *Orchestrator {
	return &Orchestrator{dispatcher: dispatcher}
}

// CreateWorkflow validates list's dependency graph and returns a fresh
// WorkflowState with every task Pending. maxIterations bounds the
// IterativeLoop built on top of this state; it is not consulted here.
func (o *Orchestrator) CreateWorkflow(list TodoList, maxIterations int) (*WorkflowState, error) {
	if err := validateDAG(list); err != nil {
		return nil, err
	}

	tasks := make(map[string]*TaskRun, len(list.Items))
	for _, item := range list.Items {
		tasks[item.ID] = newTaskRun(item.ID)
	}

	return &WorkflowState{
		WorkflowID:    list.WorkflowID,
		TodoListRef:   list,
		Tasks:         tasks,
		MaxIterations: maxIterations,
	}, nil
}

// ExecuteWorkflow dispatches every task whose dependencies are satisfied,
// in priority-then-id order, until no further task becomes ready. It
// never retries a task in place: a task that fails stays Failed and is
// only revisited via a freshly issued id through ReloadWorkflowTasks. Once
// the ready set is dry, any task still Pending because a dependency
// Failed (or was itself Skipped) is marked TaskSkipped rather than left
// Pending forever.
func (o *Orchestrator) ExecuteWorkflow(ctx context.Context, state *WorkflowState) Result {
	if state.WorkflowID == "" {
		return Result{Outcome: OutcomeAborted, Err: stratforgeerr.New(stratforgeerr.KindInvalidInput, "workflow state has no workflow id")}
	}

	byID := make(map[string]TaskItem, len(state.TodoListRef.Items))
	for _, item := range state.TodoListRef.Items {
		byID[item.ID] = item
	}

	for {
		ready := readySet(state.TodoListRef, state.Tasks)
		if len(ready) == 0 {
			skipBlockedTasks(state.TodoListRef, state.Tasks)
			break
		}

		for _, id := range ready {
			if err := ctx.Err(); err != nil {
				return Result{Outcome: OutcomeAborted, Err: err}
			}
			o.runOne(ctx, state, byID[id])
		}
	}

	return summarize(state)
}

func (o *Orchestrator) runOne(ctx context.Context, state *WorkflowState, item TaskItem) {
	run := state.Tasks[item.ID]
	run.Status = TaskRunning
	run.Attempts++
	run.UpdatedAt = time.Now()

	item.Metadata = withWorkflowID(item.Metadata, state.WorkflowID)

	outcome := o.dispatcher.Dispatch(ctx, state.WorkflowID, item)

	run.UpdatedAt = time.Now()
	if outcome.Completed {
		run.Status = TaskCompleted
		run.LastError = ""
		run.ArtifactRefs = outcome.ArtifactRefs
		return
	}

	run.Status = TaskFailed
	run.Classification = outcome.Classification
	if outcome.Err != nil {
		run.LastError = outcome.Err.Error()
	} else {
		run.LastError = "task failed with no error detail"
	}
}

// withWorkflowID returns metadata with workflow_id forced to workflowID,
// the invariant every dispatched task's metadata must carry. A missing
// workflowID is a programmer error, not something silently papered over.
func withWorkflowID(metadata map[string]any, workflowID string) map[string]any {
	if workflowID == "" {
		panic("orchestrator: dispatching task with empty workflow id")
	}
	out := make(map[string]any, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out["workflow_id"] = workflowID
	return out
}

// ReloadWorkflowTasks merges newList into state: tasks whose id already
// exists keep their current TaskRun (in particular a prior Completed,
// Failed, or Skipped status is preserved verbatim); tasks with no prior
// record are added as Pending. The TodoList reference is replaced with
// newList.
func (o *Orchestrator) ReloadWorkflowTasks(state *WorkflowState, newList TodoList) error {
	if err := validateDAG(newList); err != nil {
		return err
	}

	merged := make(map[string]*TaskRun, len(newList.Items))
	for _, item := range newList.Items {
		if existing, ok := state.Tasks[item.ID]; ok {
			merged[item.ID] = existing
			continue
		}
		merged[item.ID] = newTaskRun(item.ID)
	}

	state.TodoListRef = newList
	state.Tasks = merged
	return nil
}

func summarize(state *WorkflowState) Result {
	var taskFailures []stratforgeerr.TaskFailure
	var artifacts []string
	anyNonTerminal := false

	ids := make([]string, 0, len(state.Tasks))
	for id := range state.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		run := state.Tasks[id]
		switch run.Status {
		case TaskCompleted:
			artifacts = append(artifacts, run.ArtifactRefs...)
		case TaskFailed:
			taskFailures = append(taskFailures, stratforgeerr.TaskFailure{
				TaskID: id,
				Err:    fmt.Errorf("%s", run.LastError),
			})
		case TaskSkipped:
			// A dependency already contributed its failure above; a
			// skipped task never ran and has nothing more to report.
		default:
			anyNonTerminal = true
		}
	}

	if len(taskFailures) > 0 {
		return Result{Outcome: OutcomeFailed, ArtifactRefs: artifacts, Err: stratforgeerr.Aggregate(taskFailures)}
	}
	if anyNonTerminal {
		return Result{Outcome: OutcomeAborted, ArtifactRefs: artifacts, Err: stratforgeerr.New(stratforgeerr.KindInvalidInput, "workflow stalled: unreachable tasks remain pending")}
	}
	return Result{Outcome: OutcomeSuccess, ArtifactRefs: artifacts}
}
