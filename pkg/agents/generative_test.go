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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratforge/stratforge/pkg/conversation"
	"github.com/stratforge/stratforge/pkg/llmclient"
	"github.com/stratforge/stratforge/pkg/llmrouter"
)

// memoryArtifacts is an ArtifactWriter that keeps everything in a map,
// keyed by a workflowID/taskID/1 ref rather than the sha256:<hex> ref
// the real stores return.
type memoryArtifacts struct {
	puts map[string][]byte
}

func newMemoryArtifacts() *memoryArtifacts { return &memoryArtifacts{puts: map[string][]byte{}} }

func (m *memoryArtifacts) Put(ctx context.Context, workflowID, taskID string, attempt int, content []byte) (string, error) {
	ref := workflowID + "/" + taskID + "/" + "1"
	m.puts[ref] = content
	return ref, nil
}

func TestNewGenerativeAgent_RejectsNonGenerativeRole(t *testing.T) {
	_, err := NewGenerativeAgent(RoleTester, newTestRouter(), newMemoryArtifacts(), "")
	assert.Error(t, err)
}

func TestGenerativeAgent_Execute_RejectsMissingWorkflowMetadata(t *testing.T) {
	agent, err := NewGenerativeAgent(RoleCoder, newTestRouter("package strategy"), newMemoryArtifacts(), "")
	require.NoError(t, err)

	result := agent.Execute(context.Background(), TaskRequest{WorkflowID: "wf1", TaskID: "t2"})

	assert.False(t, result.Completed)
	assert.Contains(t, result.Error, "workflow_id")
}

func TestGenerativeAgent_Execute_RejectsMismatchedWorkflowMetadata(t *testing.T) {
	agent, err := NewGenerativeAgent(RoleCoder, newTestRouter("package strategy"), newMemoryArtifacts(), "")
	require.NoError(t, err)

	result := agent.Execute(context.Background(), TaskRequest{
		WorkflowID: "wf1",
		TaskID:     "t2",
		Metadata:   map[string]any{"workflow_id": "wf-other"},
	})

	assert.False(t, result.Completed)
}

func TestGenerativeAgent_Execute_PersistsArtifactOnSuccess(t *testing.T) {
	artifacts := newMemoryArtifacts()
	agent, err := NewGenerativeAgent(RoleCoder, newTestRouter("package strategy\n\nfunc Run() {}"), artifacts, "")
	require.NoError(t, err)

	result := agent.Execute(context.Background(), TaskRequest{
		WorkflowID:  "wf1",
		TaskID:      "t2",
		Description: "implement the crossover strategy",
		Metadata:    map[string]any{"workflow_id": "wf1"},
	})

	require.True(t, result.Completed)
	require.Len(t, result.ArtifactRefs, 1)
	assert.Equal(t, []byte("package strategy\n\nfunc Run() {}"), artifacts.puts[result.ArtifactRefs[0]])
}

func TestGenerativeAgent_Execute_CoderPrependsArchitectDesign(t *testing.T) {
	store := conversation.NewMemoryStore()
	client := &scriptedLLMClient{responses: []*llmclient.Response{{Content: "package strategy", FinishReason: llmclient.FinishOK}}}
	router := llmrouter.New(fakeKeyManager{}, store, client, llmrouter.Config{MaxRetries: 1, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond})
	agent, err := NewGenerativeAgent(RoleCoder, router, newMemoryArtifacts(), "")
	require.NoError(t, err)

	result := agent.Execute(context.Background(), TaskRequest{
		WorkflowID:  "wf1",
		TaskID:      "t2",
		Description: "implement the design",
		Metadata:    map[string]any{"workflow_id": "wf1"},
		Inputs:      map[string]string{"architect": "use a moving-average crossover"},
	})

	require.True(t, result.Completed)
	rec, err := store.Get(context.Background(), "wf1:t2")
	require.NoError(t, err)
	require.NotEmpty(t, rec.Messages)
	assert.Contains(t, rec.Messages[0].Content, "use a moving-average crossover")
}
