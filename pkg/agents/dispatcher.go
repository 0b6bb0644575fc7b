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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stratforge/stratforge/pkg/bus"
	"github.com/stratforge/stratforge/pkg/orchestrator"
)

// channelForRole returns the request channel a task of this role is
// dispatched on, per the bus's minimum channel set.
func channelForRole(role Role) bus.Channel {
	switch role {
	case RolePlanner:
		return bus.ChannelPlannerRequests
	case RoleTester:
		return bus.ChannelTesterRequests
	case RoleDebugger:
		return bus.ChannelDebuggerRequests
	default:
		return bus.ChannelAgentRequests
	}
}

// BusDispatcher implements orchestrator.Dispatcher by publishing a
// TaskRequest event on the role's channel and blocking until a matching
// TASK_RESULTS event arrives, correlated by task id.
type BusDispatcher struct {
	bus Bus

	mu      sync.Mutex
	waiters map[string]chan TaskResult
}

// Bus is the narrow slice of bus.Bus a Dispatcher needs.
type Bus interface {
	Publish(ctx context.Context, channel bus.Channel, event bus.Event) error
	Subscribe(ctx context.Context, channel bus.Channel, consumerName string, handler bus.Handler) error
}

// NewBusDispatcher subscribes to TASK_RESULTS and returns a Dispatcher
// ready to hand to orchestrator.New. ctx governs the subscription's
// lifetime, not any individual Dispatch call.
func NewBusDispatcher(ctx context.Context, b Bus) (*BusDispatcher, error) {
	d := &BusDispatcher{bus: b, waiters: make(map[string]chan TaskResult)}
	if err := b.Subscribe(ctx, bus.ChannelTaskResults, "orchestrator", d.handleResult); err != nil {
		return nil, fmt.Errorf("agents: subscribe to task results: %w", err)
	}
	return d, nil
}

func (d *BusDispatcher) handleResult(ctx context.Context, event bus.Event) error {
	var result TaskResult
	if err := json.Unmarshal(event.Payload, &result); err != nil {
		// Malformed payload can never be parsed by a redelivery either;
		// ack it (return nil) rather than poison the queue forever.
		return nil
	}

	d.mu.Lock()
	ch, ok := d.waiters[result.TaskID]
	if ok {
		delete(d.waiters, result.TaskID)
	}
	d.mu.Unlock()

	if ok {
		ch <- result
	}
	return nil
}

// Dispatch implements orchestrator.Dispatcher.
func (d *BusDispatcher) Dispatch(ctx context.Context, workflowID string, task orchestrator.TaskItem) orchestrator.TaskOutcome {
	req := TaskRequest{
		WorkflowID:   workflowID,
		TaskID:       task.ID,
		AgentRole:    Role(task.AgentRole),
		Title:        task.Title,
		Description:  task.Description,
		Dependencies: task.Dependencies,
		Metadata:     task.Metadata,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return orchestrator.TaskOutcome{Err: fmt.Errorf("agents: marshal task request: %w", err)}
	}

	waitCh := make(chan TaskResult, 1)
	d.mu.Lock()
	d.waiters[task.ID] = waitCh
	d.mu.Unlock()

	event := bus.Event{
		EventID:       uuid.New().String(),
		CorrelationID: workflowID + "|" + task.ID,
		WorkflowID:    workflowID,
		TaskID:        task.ID,
		EventType:     "task_dispatched",
		AgentRole:     task.AgentRole,
		Payload:       payload,
		Timestamp:     time.Now(),
	}

	if err := d.bus.Publish(ctx, channelForRole(Role(task.AgentRole)), event); err != nil {
		d.mu.Lock()
		delete(d.waiters, task.ID)
		d.mu.Unlock()
		return orchestrator.TaskOutcome{Err: fmt.Errorf("agents: publish task request: %w", err)}
	}

	select {
	case result := <-waitCh:
		return result.toOutcome()
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.waiters, task.ID)
		d.mu.Unlock()
		return orchestrator.TaskOutcome{Err: ctx.Err()}
	}
}

var _ orchestrator.Dispatcher = (*BusDispatcher)(nil)
