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
)

// rolePrompts gives each generative role its system prompt. Architect
// designs, Coder implements; both speak through the same mechanics.
var rolePrompts = map[Role]string{
	RoleArchitect: "You design the structure of a trading strategy module from a task description. Respond with the design only, no commentary.",
	RoleCoder:     "You implement a trading strategy module in Go from a task description and, if present, an architect's design. Respond with the complete source file only, no commentary, no markdown fences.",
}

// GenerativeAgent implements Architect and Coder: both turn a task
// description (plus any upstream artifact, e.g. the Coder consuming the
// Architect's design) into one artifact via a single Router call.
type GenerativeAgent struct {
	Role      Role
	Router    *llmrouter.Router
	Artifacts ArtifactWriter
	Model     string
}

// NewGenerativeAgent builds an agent for role (RoleArchitect or
// RoleCoder), persisting its output through artifacts.
func NewGenerativeAgent(role Role, router *llmrouter.Router, artifacts ArtifactWriter, model string) (*GenerativeAgent, error) {
	if _, ok := rolePrompts[role]; !ok {
		return nil, fmt.Errorf("agents: %q is not a generative role", role)
	}
	return &GenerativeAgent{Role: role, Router: router, Artifacts: artifacts, Model: model}, nil
}

// Execute runs req through the Router and persists the result as one
// artifact. The conversation id scopes history to this one task so a
// later Debugger-issued fix task for the same role starts a fresh
// conversation rather than inheriting the failed attempt's turns.
func (a *GenerativeAgent) Execute(ctx context.Context, req TaskRequest) TaskResult {
	workflowID, ok := req.workflowIDFromMetadata()
	if !ok || workflowID != req.WorkflowID {
		return TaskResult{
			WorkflowID: req.WorkflowID,
			TaskID:     req.TaskID,
			Completed:  false,
			Error:      "task metadata is missing or disagrees with workflow_id",
		}
	}

	prompt := req.Description
	if design, ok := req.Inputs["architect"]; ok && a.Role == RoleCoder {
		prompt = fmt.Sprintf("Design:\n%s\n\nTask:\n%s", design, req.Description)
	}

	result := a.Router.SendChat(ctx, llmrouter.ChatRequest{
		ConversationID:           req.WorkflowID + ":" + req.TaskID,
		Prompt:                   prompt,
		ModelPreference:          a.Model,
		SystemPrompt:             rolePrompts[a.Role],
		MaxOutputTokens:          8192,
		Temperature:              0.2,
		ExpectedCompletionTokens: 2048,
		TaskType:                 string(a.Role),
	})
	if !result.Success {
		return TaskResult{
			WorkflowID: req.WorkflowID,
			TaskID:     req.TaskID,
			Completed:  false,
			Error:      fmt.Sprintf("%s: %s", result.ErrorType, result.Error),
		}
	}

	ref, err := a.Artifacts.Put(ctx, req.WorkflowID, req.TaskID, 1, []byte(result.Content))
	if err != nil {
		return TaskResult{
			WorkflowID: req.WorkflowID,
			TaskID:     req.TaskID,
			Completed:  false,
			Error:      fmt.Sprintf("artifact store: %v", err),
		}
	}

	return TaskResult{
		WorkflowID:   req.WorkflowID,
		TaskID:       req.TaskID,
		Completed:    true,
		ArtifactRefs: []string{ref},
	}
}
