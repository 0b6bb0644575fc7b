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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanner_Plan_ParsesTodoListAndOverwritesWorkflowID(t *testing.T) {
	router := newTestRouter(`{"workflow_id":"whatever-the-model-said","items":[
		{"id":"t1","title":"design","description":"design the strategy","agent_role":"architect","dependencies":[],"priority":1},
		{"id":"t2","title":"implement","description":"implement the design","agent_role":"coder","dependencies":["t1"],"priority":1}
	]}`)
	planner := NewPlanner(router, "")

	list, err := planner.Plan(context.Background(), "wf-123", "build a mean reversion strategy")

	require.NoError(t, err)
	assert.Equal(t, "wf-123", list.WorkflowID)
	require.Len(t, list.Items, 2)
	assert.Equal(t, "t1", list.Items[0].ID)
	assert.Equal(t, "coder", list.Items[1].AgentRole)
	assert.Equal(t, []string{"t1"}, list.Items[1].Dependencies)
}

func TestPlanner_Plan_RejectsNonJSONResponse(t *testing.T) {
	router := newTestRouter("sure, here's a plan: first you...")
	planner := NewPlanner(router, "")

	_, err := planner.Plan(context.Background(), "wf-123", "build a breakout strategy")

	assert.Error(t, err)
}
