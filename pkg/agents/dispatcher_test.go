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
	"github.com/stratforge/stratforge/pkg/orchestrator"
)

// echoWorker answers every AGENT_REQUESTS and TESTER_REQUESTS task
// request with a scripted TaskResult, standing in for a real worker loop
// in these tests.
func echoWorker(t *testing.T, b bus.Bus, result func(TaskRequest) TaskResult) {
	t.Helper()
	handler := func(ctx context.Context, event bus.Event) error {
		var req TaskRequest
		if err := json.Unmarshal(event.Payload, &req); err != nil {
			return err
		}
		payload, err := json.Marshal(result(req))
		if err != nil {
			return err
		}
		return b.Publish(ctx, bus.ChannelTaskResults, bus.Event{
			EventID:   event.EventID + ":result",
			TaskID:    req.TaskID,
			EventType: "task_result",
			Payload:   payload,
			Timestamp: time.Now(),
		})
	}
	for _, ch := range []bus.Channel{bus.ChannelAgentRequests, bus.ChannelTesterRequests} {
		require.NoError(t, b.Subscribe(context.Background(), ch, "echo", handler))
	}
}

func TestBusDispatcher_Dispatch_RoundTripsThroughTaskResults(t *testing.T) {
	b := bus.NewMemoryBus(16)
	defer b.Close()

	echoWorker(t, b, func(req TaskRequest) TaskResult {
		return TaskResult{WorkflowID: req.WorkflowID, TaskID: req.TaskID, Completed: true, ArtifactRefs: []string{"ref-1"}}
	})

	dispatcher, err := NewBusDispatcher(context.Background(), b)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	outcome := dispatcher.Dispatch(ctx, "wf1", orchestrator.TaskItem{ID: "t2", AgentRole: "coder"})

	require.NoError(t, outcome.Err)
	assert.True(t, outcome.Completed)
	assert.Equal(t, []string{"ref-1"}, outcome.ArtifactRefs)
}

func TestBusDispatcher_Dispatch_PropagatesFailureClassification(t *testing.T) {
	b := bus.NewMemoryBus(16)
	defer b.Close()

	echoWorker(t, b, func(req TaskRequest) TaskResult {
		return TaskResult{WorkflowID: req.WorkflowID, TaskID: req.TaskID, Completed: false, Classification: "test_failures", Error: "assertion failed"}
	})

	dispatcher, err := NewBusDispatcher(context.Background(), b)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	outcome := dispatcher.Dispatch(ctx, "wf1", orchestrator.TaskItem{ID: "t_test", AgentRole: "tester"})

	assert.False(t, outcome.Completed)
	assert.Equal(t, "test_failures", outcome.Classification)
	require.Error(t, outcome.Err)
	assert.Contains(t, outcome.Err.Error(), "assertion failed")
}

func TestBusDispatcher_Dispatch_TimesOutWhenNoResultArrives(t *testing.T) {
	b := bus.NewMemoryBus(16)
	defer b.Close()

	dispatcher, err := NewBusDispatcher(context.Background(), b)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	outcome := dispatcher.Dispatch(ctx, "wf1", orchestrator.TaskItem{ID: "t_orphan", AgentRole: "coder"})

	require.Error(t, outcome.Err)
}
