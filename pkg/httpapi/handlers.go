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
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stratforge/stratforge/pkg/orchestrator"
	"github.com/stratforge/stratforge/pkg/stratforgeerr"
)

// createWorkflowRequest is the POST /workflows body: a TodoList plus an
// optional override of the server's default max_iterations.
type createWorkflowRequest struct {
	orchestrator.TodoList
	MaxIterations int `json:"max_iterations,omitempty"`
}

// workflowResponse is what both POST /workflows and GET /workflows/{id}
// return: the caller never needs the full WorkflowState, only its
// terminal (or current) shape.
type workflowResponse struct {
	WorkflowID string                       `json:"workflow_id"`
	Iteration  int                          `json:"iteration"`
	Tasks      map[string]*orchestrator.TaskRun `json:"tasks"`
	Outcome    orchestrator.Outcome         `json:"outcome,omitempty"`
	Error      string                       `json:"error,omitempty"`
}

func toResponse(rec *workflowRecord) workflowResponse {
	resp := workflowResponse{
		WorkflowID: rec.state.WorkflowID,
		Iteration:  rec.state.Iteration,
		Tasks:      rec.state.Tasks,
	}
	if rec.result != nil {
		resp.Outcome = rec.result.Outcome
		if rec.result.Err != nil {
			resp.Error = rec.result.Err.Error()
		}
	}
	return resp
}

// handleCreateWorkflow accepts a TodoList, builds a WorkflowState, runs
// it to completion synchronously through RunIterative, and returns the
// terminal state. A long-running workflow is the caller's concern to
// poll for in a future async variant; this mirrors the synchronous
// create_workflow+run_iterative call spec.md §6 describes.
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, stratforgeerr.Wrap(stratforgeerr.KindInvalidInput, err, "malformed request body"))
		return
	}

	maxIter := req.MaxIterations
	if maxIter <= 0 {
		maxIter = s.maxIterations
	}

	state, err := s.runner.CreateWorkflow(req.TodoList, maxIter)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result := s.runner.RunIterative(r.Context(), state)

	rec := &workflowRecord{state: state, result: &result}
	s.mu.Lock()
	s.workflows[state.WorkflowID] = rec
	s.mu.Unlock()

	status := http.StatusOK
	if result.Outcome != orchestrator.OutcomeSuccess {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, toResponse(rec))
}

// handleGetWorkflow returns the last known state of a previously
// submitted workflow.
func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.RLock()
	rec, ok := s.workflows[id]
	s.mu.RUnlock()

	if !ok {
		writeError(w, http.StatusNotFound, stratforgeerr.New(stratforgeerr.KindInvalidInput, "unknown workflow id "+id))
		return
	}
	writeJSON(w, http.StatusOK, toResponse(rec))
}

// handleHealthz is a bare liveness probe: if the process can answer
// HTTP at all, it reports healthy. Readiness (key availability,
// sandbox reachability) is out of scope here, same as spec.md leaves
// it to the CLI wrapper.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string             `json:"error"`
	Kind  stratforgeerr.Kind `json:"kind,omitempty"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	resp := errorResponse{Error: err.Error()}
	var ce *stratforgeerr.Error
	if errors.As(err, &ce) {
		resp.Kind = ce.Kind
	}
	writeJSON(w, status, resp)
}
