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

	"github.com/stratforge/stratforge/pkg/llmrouter"
	"github.com/stratforge/stratforge/pkg/orchestrator"
)

// fixTargetRole decides which role should receive a fix-task for a
// given failure classification. A static failure (bad structure) goes
// back to the Architect; anything else is a Coder-level fix.
func fixTargetRole(class string) Role {
	if class == string(ClassStaticFailures) {
		return RoleArchitect
	}
	return RoleCoder
}

// Debugger classifies a failed task's output (already captured in the
// TaskRun by the Tester) and proposes fix-tasks. It implements
// orchestrator.Debugger so an IterativeLoop can invoke it directly.
type Debugger struct {
	Router *llmrouter.Router
	Model  string

	// fixCounter numbers fix-tasks per origin task id so repeated
	// failures of the same task get distinct, non-colliding ids.
	fixCounter map[string]int
}

// NewDebugger builds a Debugger that asks router for a remediation plan.
func NewDebugger(router *llmrouter.Router, model string) *Debugger {
	return &Debugger{Router: router, Model: model, fixCounter: make(map[string]int)}
}

var _ orchestrator.Debugger = (*Debugger)(nil)

// Diagnose asks the model to summarize a fix given the failure's
// classification and last error, then returns one fix-task targeting
// the role fixTargetRole selects for that classification.
func (d *Debugger) Diagnose(ctx context.Context, workflowID string, failed orchestrator.TaskRun, item orchestrator.TaskItem) ([]orchestrator.TaskItem, error) {
	class := failed.Classification
	if class == "" {
		class = string(ClassTestFailures)
	}

	result := d.Router.SendOneShot(ctx, llmrouter.ChatRequest{
		Prompt: fmt.Sprintf(
			"Task %q (%s) failed with classification %s.\nLast error:\n%s\n\nDescribe the minimal fix.",
			item.ID, item.AgentRole, class, failed.LastError,
		),
		ModelPreference:          d.Model,
		SystemPrompt:             "You diagnose a failed strategy-generation task and describe the minimal fix for the next attempt.",
		MaxOutputTokens:          1024,
		Temperature:              0.2,
		ExpectedCompletionTokens: 256,
		TaskType:                 "debug",
	})
	if !result.Success {
		return nil, fmt.Errorf("agents: debugger send_one_shot failed: %s (%s)", result.Error, result.ErrorType)
	}

	d.fixCounter[item.ID]++
	n := d.fixCounter[item.ID]

	fix := orchestrator.TaskItem{
		ID:           fmt.Sprintf("%s_fix%d", item.ID, n),
		Title:        "Fix: " + item.Title,
		Description:  result.Content,
		AgentRole:    string(fixTargetRole(class)),
		Dependencies: nil,
		Priority:     item.Priority,
		Metadata: map[string]any{
			"origin_task_id":   item.ID,
			"failure_category": class,
		},
	}
	return []orchestrator.TaskItem{fix}, nil
}
