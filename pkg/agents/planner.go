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
	"encoding/json"
	"fmt"

	"github.com/stratforge/stratforge/pkg/llmrouter"
	"github.com/stratforge/stratforge/pkg/orchestrator"
)

// plannerSystemPrompt instructs the model to emit nothing but a
// TodoList JSON object, matching orchestrator.TodoList's field names.
const plannerSystemPrompt = `You decompose a trading-strategy request into a dependency-ordered TodoList.
Respond with a single JSON object and nothing else, shaped exactly as:
{"workflow_id": "...", "items": [{"id": "...", "title": "...", "description": "...", "agent_role": "architect|coder|tester|debugger", "dependencies": ["..."], "priority": 0}]}
Every agent_role must be one of architect, coder, tester, debugger. The graph must be acyclic.`

// Planner turns a natural-language request into a TodoList by routing
// one model call through the Router.
type Planner struct {
	Router *llmrouter.Router

	// Model is the model_preference passed to send_one_shot.
	Model string
}

// NewPlanner builds a Planner that calls router with the given model
// preference (an empty model lets the Router's default tier apply).
func NewPlanner(router *llmrouter.Router, model string) *Planner {
	return &Planner{Router: router, Model: model}
}

// Plan decomposes request into a TodoList for workflowID. The model is
// asked to emit workflow_id itself, but it is always overwritten with
// workflowID here so the caller's id is authoritative regardless of
// what the model echoes back.
func (p *Planner) Plan(ctx context.Context, workflowID, request string) (orchestrator.TodoList, error) {
	result := p.Router.SendOneShot(ctx, llmrouter.ChatRequest{
		Prompt:                   request,
		ModelPreference:          p.Model,
		SystemPrompt:             plannerSystemPrompt,
		MaxOutputTokens:          4096,
		Temperature:              0.2,
		ExpectedCompletionTokens: 1024,
		TaskType:                 "plan",
	})
	if !result.Success {
		return orchestrator.TodoList{}, fmt.Errorf("agents: planner send_one_shot failed: %s (%s)", result.Error, result.ErrorType)
	}

	var list orchestrator.TodoList
	if err := json.Unmarshal([]byte(result.Content), &list); err != nil {
		return orchestrator.TodoList{}, fmt.Errorf("agents: planner response is not a valid TodoList: %w", err)
	}
	list.WorkflowID = workflowID
	return list, nil
}
