package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rendis/browserflow/internal/store"
	"github.com/rendis/browserflow/pkg/schema"
)

const maxBody = 1 << 20

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListEscalations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"escalations": s.deps.Escalations.Pending()})
}

func (s *Server) handleGetEscalation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, ok := s.deps.Escalations.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("escalation %q is not pending", id))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleResolveEscalation answers a pending human escalation.
func (s *Server) handleResolveEscalation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Success      bool   `json:"success"`
		ActionsTaken int    `json:"actions_taken"`
		Result       any    `json:"result"`
		Error        string `json:"error"`
		ResolvedBy   string `json:"resolved_by"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.ResolvedBy == "" {
		if sub := subjectFrom(r.Context()); sub != "" {
			body.ResolvedBy = "human:" + sub
		}
	}

	resp := schema.EscalationResponse{
		Success:      body.Success,
		ActionsTaken: body.ActionsTaken,
		Result:       body.Result,
		Error:        body.Error,
		ResolvedBy:   body.ResolvedBy,
	}
	if err := s.deps.Escalations.Resolve(id, resp); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "escalation_id": id})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Runs.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	lister, ok := s.deps.Tasks.(TaskLister)
	if !ok {
		writeError(w, http.StatusNotImplemented, "task listing is not supported by this task source")
		return
	}
	filter := store.TaskFilter{
		Status: schema.TaskStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	tasks, err := lister.ListTasks(r.Context(), filter)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Tasks.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleEnqueue validates the workflow before queueing it, so a broken
// document is rejected here rather than by a worker.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID       string         `json:"id"`
		Workflow string         `json:"workflow"`
		Params   map[string]any `json:"params"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if body.Workflow == "" {
		writeError(w, http.StatusBadRequest, "workflow is required")
		return
	}
	if s.deps.Validator != nil {
		if _, result := s.deps.Validator.Validate([]byte(body.Workflow)); !result.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "workflow is invalid", "validation": result})
			return
		}
	}

	task := &schema.Task{ID: body.ID, Workflow: body.Workflow, Params: body.Params, CreatedAt: time.Now().UTC()}
	if err := s.deps.Tasks.Enqueue(r.Context(), task); err != nil {
		writeFlowError(w, err)
		return
	}
	s.deps.Logger.InfoContext(r.Context(), "task enqueued over http", "task_id", task.ID)
	writeJSON(w, http.StatusCreated, map[string]string{"id": task.ID})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	wf, result := s.deps.Validator.Validate(data)
	out := map[string]any{"valid": result.Valid(), "result": result}
	if wf != nil {
		out["name"] = wf.Name
	}
	writeJSON(w, http.StatusOK, out)
}
