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
	"sort"

	"github.com/stratforge/stratforge/pkg/stratforgeerr"
)

// Debugger classifies a failed task and proposes the fix tasks that
// should be appended to the TodoList before the next reload. Returning
// no items means the task is judged unrecoverable; the loop still
// continues toward max_iterations in case other tasks can still make
// progress.
type Debugger interface {
	Diagnose(ctx context.Context, workflowID string, failed TaskRun, item TaskItem) ([]TaskItem, error)
}

// IterativeLoop drives an Orchestrator's ExecuteWorkflow through repeated
// reload cycles, handing failed tasks to a Debugger until the workflow
// succeeds or max_iterations is reached.
type IterativeLoop struct {
	orch     *Orchestrator
	debugger Debugger
}

// NewIterativeLoop builds a loop that dispatches through orch and routes
// failures to debugger.
func NewIterativeLoop(orch *Orchestrator, debugger Debugger) *IterativeLoop {
	return &IterativeLoop{orch: orch, debugger: debugger}
}

// RunIterative implements the 4-step protocol: execute_workflow, then for
// every task left Failed invoke the Debugger, append whatever fix tasks
// it proposes, reload, and try again, until the workflow succeeds or
// state.MaxIterations is reached without one.
func (l *IterativeLoop) RunIterative(ctx context.Context, state *WorkflowState) Result {
	for {
		result := l.orch.ExecuteWorkflow(ctx, state)
		if result.Outcome != OutcomeFailed {
			return result
		}

		state.Iteration++
		if state.Iteration >= state.MaxIterations {
			return Result{
				Outcome:      OutcomeFailedAfterIters,
				ArtifactRefs: result.ArtifactRefs,
				Err:          result.Err,
			}
		}

		fixes, err := l.collectFixes(ctx, state)
		if err != nil {
			return Result{Outcome: OutcomeAborted, Err: err}
		}

		next := state.TodoListRef
		next.Items = append(append([]TaskItem{}, next.Items...), fixes...)

		if err := l.orch.ReloadWorkflowTasks(state, next); err != nil {
			return Result{Outcome: OutcomeAborted, Err: err}
		}
	}
}

// collectFixes invokes the Debugger once per task currently Failed,
// in task-id order, and flattens the proposed fix tasks.
func (l *IterativeLoop) collectFixes(ctx context.Context, state *WorkflowState) ([]TaskItem, error) {
	byID := make(map[string]TaskItem, len(state.TodoListRef.Items))
	for _, item := range state.TodoListRef.Items {
		byID[item.ID] = item
	}

	var failedIDs []string
	for id, run := range state.Tasks {
		if run.Status == TaskFailed {
			failedIDs = append(failedIDs, id)
		}
	}
	sort.Strings(failedIDs)

	var fixes []TaskItem
	for _, id := range failedIDs {
		run := state.Tasks[id]
		proposed, err := l.debugger.Diagnose(ctx, state.WorkflowID, *run, byID[id])
		if err != nil {
			return nil, stratforgeerr.Wrap(stratforgeerr.KindInvalidInput, err, "debugger diagnosis failed for task "+id)
		}
		fixes = append(fixes, proposed...)
	}
	return fixes, nil
}
