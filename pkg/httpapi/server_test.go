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

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratforge/stratforge/pkg/orchestrator"
)

// fakeRunner implements Runner without touching a real Dispatcher: it
// builds a WorkflowState exactly like orchestrator.Orchestrator would,
// and RunIterative returns a canned Result under test control.
type fakeRunner struct {
	result orchestrator.Result
	err    error
}

func (f *fakeRunner) CreateWorkflow(list orchestrator.TodoList, maxIterations int) (*orchestrator.WorkflowState, error) {
	if f.err != nil {
		return nil, f.err
	}
	tasks := make(map[string]*orchestrator.TaskRun, len(list.Items))
	for _, item := range list.Items {
		tasks[item.ID] = &orchestrator.TaskRun{TaskID: item.ID, Status: orchestrator.TaskPending}
	}
	return &orchestrator.WorkflowState{
		WorkflowID:    list.WorkflowID,
		TodoListRef:   list,
		Tasks:         tasks,
		MaxIterations: maxIterations,
	}, nil
}

func (f *fakeRunner) RunIterative(ctx context.Context, state *orchestrator.WorkflowState) orchestrator.Result {
	for _, run := range state.Tasks {
		run.Status = orchestrator.TaskCompleted
	}
	return f.result
}

func testTodoList(workflowID string) orchestrator.TodoList {
	return orchestrator.TodoList{
		WorkflowID: workflowID,
		Items: []orchestrator.TaskItem{
			{ID: "t1", Title: "plan", AgentRole: "architect"},
		},
	}
}

func TestHandleCreateWorkflow_SuccessReturnsWorkflowState(t *testing.T) {
	runner := &fakeRunner{result: orchestrator.Result{Outcome: orchestrator.OutcomeSuccess, ArtifactRefs: []string{"sha256:abc"}}}
	srv := NewServer(Config{Runner: runner, MaxIterations: 3})

	body, err := json.Marshal(createWorkflowRequest{TodoList: testTodoList("wf_1")})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/workflows", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp workflowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "wf_1", resp.WorkflowID)
	assert.Equal(t, orchestrator.OutcomeSuccess, resp.Outcome)
	assert.Equal(t, orchestrator.TaskCompleted, resp.Tasks["t1"].Status)
}

func TestHandleCreateWorkflow_FailedOutcomeReturns422(t *testing.T) {
	runner := &fakeRunner{result: orchestrator.Result{Outcome: orchestrator.OutcomeFailedAfterIters, Err: assertErr("boom")}}
	srv := NewServer(Config{Runner: runner})

	body, _ := json.Marshal(createWorkflowRequest{TodoList: testTodoList("wf_2")})
	req := httptest.NewRequest(http.MethodPost, "/workflows", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp workflowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, orchestrator.OutcomeFailedAfterIters, resp.Outcome)
	assert.Contains(t, resp.Error, "boom")
}

func TestHandleCreateWorkflow_MalformedBodyReturns400(t *testing.T) {
	srv := NewServer(Config{Runner: &fakeRunner{}})

	req := httptest.NewRequest(http.MethodPost, "/workflows", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetWorkflow_ReturnsPreviouslyCreatedState(t *testing.T) {
	runner := &fakeRunner{result: orchestrator.Result{Outcome: orchestrator.OutcomeSuccess}}
	srv := NewServer(Config{Runner: runner})

	body, _ := json.Marshal(createWorkflowRequest{TodoList: testTodoList("wf_3")})
	createReq := httptest.NewRequest(http.MethodPost, "/workflows", bytes.NewReader(body))
	srv.Router().ServeHTTP(httptest.NewRecorder(), createReq)

	getReq := httptest.NewRequest(http.MethodGet, "/workflows/wf_3", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, getReq)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp workflowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "wf_3", resp.WorkflowID)
}

func TestHandleGetWorkflow_UnknownIDReturns404(t *testing.T) {
	srv := NewServer(Config{Runner: &fakeRunner{}})

	req := httptest.NewRequest(http.MethodGet, "/workflows/does-not-exist", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHealthz_ReturnsOK(t *testing.T) {
	srv := NewServer(Config{Runner: &fakeRunner{}})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleMetrics_ExposesPrometheusFormat(t *testing.T) {
	srv := NewServer(Config{Runner: &fakeRunner{}})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
