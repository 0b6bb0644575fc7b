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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratforge/stratforge/pkg/bus"
)

// scriptedExecutor returns a fixed TaskResult and records every request
// it was handed.
type scriptedExecutor struct {
	result  TaskResult
	handled []TaskRequest
}

func (e *scriptedExecutor) Execute(ctx context.Context, req TaskRequest) TaskResult {
	e.handled = append(e.handled, req)
	return e.result
}

func drainOne(t *testing.T, b bus.Bus, channel bus.Channel) bus.Event {
	t.Helper()
	received := make(chan bus.Event, 1)
	err := b.Subscribe(context.Background(), channel, "test-reader", func(ctx context.Context, event bus.Event) error {
		select {
		case received <- event:
		default:
		}
		return nil
	})
	require.NoError(t, err)

	select {
	case event := <-received:
		return event
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event on %s", channel)
		return bus.Event{}
	}
}

func TestRunWorker_IgnoresEventsForOtherRoles(t *testing.T) {
	b := bus.NewMemoryBus(16)
	defer b.Close()

	executor := &scriptedExecutor{result: TaskResult{Completed: true}}
	require.NoError(t, RunWorker(context.Background(), b, RoleCoder, "coder-worker", executor))

	payload, err := json.Marshal(TaskRequest{WorkflowID: "wf1", TaskID: "t_arch"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), bus.ChannelAgentRequests, bus.Event{
		EventID: "e1", TaskID: "t_arch", AgentRole: string(RoleArchitect), Payload: payload,
	}))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, executor.handled)
}

func TestRunWorker_ExecutesAndPublishesResult(t *testing.T) {
	b := bus.NewMemoryBus(16)
	defer b.Close()

	executor := &scriptedExecutor{result: TaskResult{WorkflowID: "wf1", TaskID: "t2", Completed: true, ArtifactRefs: []string{"ref-1"}}}
	require.NoError(t, RunWorker(context.Background(), b, RoleCoder, "coder-worker", executor))

	payload, err := json.Marshal(TaskRequest{WorkflowID: "wf1", TaskID: "t2", AgentRole: RoleCoder})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), bus.ChannelAgentRequests, bus.Event{
		EventID: "e1", TaskID: "t2", AgentRole: string(RoleCoder), Payload: payload,
	}))

	event := drainOne(t, b, bus.ChannelTaskResults)

	var result TaskResult
	require.NoError(t, json.Unmarshal(event.Payload, &result))
	assert.True(t, result.Completed)
	assert.Equal(t, []string{"ref-1"}, result.ArtifactRefs)
	require.Len(t, executor.handled, 1)
	assert.Equal(t, "t2", executor.handled[0].TaskID)
}

func TestRunPlannerWorker_PublishesTodoListOnWorkflowEvents(t *testing.T) {
	b := bus.NewMemoryBus(16)
	defer b.Close()

	planner := NewPlanner(newTestRouter(`{"workflow_id":"ignored","items":[{"id":"t1","title":"design","agent_role":"architect"}]}`), "")
	require.NoError(t, RunPlannerWorker(context.Background(), b, "planner-worker", planner))

	payload, err := json.Marshal(PlannerRequest{WorkflowID: "wf9", Request: "build a breakout strategy"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), bus.ChannelPlannerRequests, bus.Event{EventID: "e1", Payload: payload}))

	event := drainOne(t, b, bus.ChannelWorkflowEvents)
	assert.Equal(t, "todo_list_ready", event.EventType)
	assert.Equal(t, "wf9", event.WorkflowID)
}
