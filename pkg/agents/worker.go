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
	"log/slog"
	"time"

	"github.com/stratforge/stratforge/pkg/bus"
)

// Executor runs one TaskRequest to completion and reports its result.
// GenerativeAgent and Tester both implement it; Planner and Debugger do
// not, since their signatures carry a workflow-level request or a
// failed TaskRun rather than a TaskRequest, and are wired separately.
type Executor interface {
	Execute(ctx context.Context, req TaskRequest) TaskResult
}

// RunWorker subscribes executor to role's request channel and runs it
// until ctx is cancelled. Each delivered event is filtered by AgentRole
// (a channel can carry more than one role, e.g. AGENT_REQUESTS carries
// both architect and coder), decoded, executed, and its TaskResult
// published to TASK_RESULTS.
func RunWorker(ctx context.Context, b bus.Bus, role Role, consumerName string, executor Executor) error {
	handler := func(ctx context.Context, event bus.Event) error {
		if Role(event.AgentRole) != role {
			return nil
		}

		var req TaskRequest
		if err := json.Unmarshal(event.Payload, &req); err != nil {
			slog.Error("agents: worker discarding malformed task request", "role", role, "error", err)
			return nil
		}

		result := executor.Execute(ctx, req)

		payload, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("agents: marshal task result: %w", err)
		}

		return b.Publish(ctx, bus.ChannelTaskResults, bus.Event{
			EventID:       event.EventID + ":result",
			CorrelationID: event.CorrelationID,
			WorkflowID:    result.WorkflowID,
			TaskID:        result.TaskID,
			EventType:     "task_result",
			AgentRole:     string(role),
			Payload:       payload,
			Timestamp:     time.Now(),
		})
	}

	return b.Subscribe(ctx, channelForRole(role), consumerName, handler)
}

// PlannerRequest is the payload of a PLANNER_REQUESTS event: a
// natural-language request to decompose into a TodoList, rather than an
// already-dispatched TaskRequest.
type PlannerRequest struct {
	WorkflowID string `json:"workflow_id"`
	Request    string `json:"request"`
}

// RunPlannerWorker subscribes planner to PLANNER_REQUESTS and publishes
// each resulting TodoList as a WORKFLOW_EVENTS event, since planning
// produces a whole workflow rather than a single task's result.
func RunPlannerWorker(ctx context.Context, b bus.Bus, consumerName string, planner *Planner) error {
	handler := func(ctx context.Context, event bus.Event) error {
		var req PlannerRequest
		if err := json.Unmarshal(event.Payload, &req); err != nil {
			slog.Error("agents: planner worker discarding malformed request", "error", err)
			return nil
		}

		list, err := planner.Plan(ctx, req.WorkflowID, req.Request)
		eventType := "todo_list_ready"
		var payload []byte
		if err != nil {
			eventType = "planning_failed"
			payload, _ = json.Marshal(map[string]string{
				"workflow_id": req.WorkflowID,
				"error":       err.Error(),
			})
		} else {
			payload, err = json.Marshal(list)
			if err != nil {
				return fmt.Errorf("agents: marshal todo list: %w", err)
			}
		}

		return b.Publish(ctx, bus.ChannelWorkflowEvents, bus.Event{
			EventID:       event.EventID + ":plan",
			CorrelationID: event.CorrelationID,
			WorkflowID:    req.WorkflowID,
			EventType:     eventType,
			AgentRole:     string(RolePlanner),
			Payload:       payload,
			Timestamp:     time.Now(),
		})
	}

	return b.Subscribe(ctx, bus.ChannelPlannerRequests, consumerName, handler)
}

var (
	_ Executor = (*GenerativeAgent)(nil)
	_ Executor = (*Tester)(nil)
)
