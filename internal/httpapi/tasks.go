package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/miniond/internal/minion"
	"github.com/antoniostano/miniond/internal/reports"
	"github.com/antoniostano/miniond/internal/scheduler"
	"github.com/antoniostano/miniond/internal/stream"
)

type createRootMinionRequest struct {
	ID            string `json:"id"`
	ModelString   string `json:"model_string"`
	ThinkingLevel string `json:"thinking_level"`
	WorkspacePath string `json:"workspace_path"`
	Branch        string `json:"branch"`
}

type userMessageRequest struct {
	Text          string `json:"text"`
	ModelString   string `json:"model_string"`
	ThinkingLevel string `json:"thinking_level"`
	AgentID       string `json:"agent_id"`
}

type waitRequest struct {
	TimeoutMS          int64  `json:"timeout_ms"`
	RequestingMinionID string `json:"requesting_minion_id"`
}

type waitResponse struct {
	TaskID string `json:"task_id"`
	Report string `json:"report"`
}

func (s *Server) handleCreateRootMinion(w http.ResponseWriter, r *http.Request) {
	var req createRootMinionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	rec := minion.Record{
		ID:            strings.TrimSpace(req.ID),
		ModelString:   strings.TrimSpace(req.ModelString),
		ThinkingLevel: strings.TrimSpace(req.ThinkingLevel),
	}
	if path := strings.TrimSpace(req.WorkspacePath); path != "" {
		rec.Runtime = &minion.RuntimeConfig{WorkspacePath: path, Branch: strings.TrimSpace(req.Branch)}
	}
	created, err := s.sched.RegisterRootMinion(r.Context(), rec)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "create_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetMinion(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	rec, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, minion.ErrNotFound) {
			respondError(w, http.StatusNotFound, "minion_not_found", "no such minion")
			return
		}
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// handleUserMessage delivers a real user message to a minion. Unlike every
// scheduler-authored delivery it resets the auto-resume flood counter.
func (s *Server) handleUserMessage(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	var req userMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	if _, err := s.store.Get(r.Context(), id); err != nil {
		respondError(w, http.StatusNotFound, "minion_not_found", "no such minion")
		return
	}

	s.sched.NoteUserMessage(id)
	err := s.engine.SendMessage(r.Context(), id, req.Text, stream.GenerationOptions{
		ModelString:   strings.TrimSpace(req.ModelString),
		ThinkingLevel: strings.TrimSpace(req.ThinkingLevel),
		AgentID:       strings.TrimSpace(req.AgentID),
	}, stream.DeliveryFlags{})
	if err != nil {
		respondError(w, http.StatusBadGateway, "delivery_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "delivered"})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req scheduler.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	rec, err := s.sched.Create(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrAdmissionDenied):
			respondError(w, http.StatusUnprocessableEntity, "admission_denied", err.Error())
		case errors.Is(err, scheduler.ErrTaskNotFound):
			respondError(w, http.StatusNotFound, "parent_not_found", err.Error())
		case errors.Is(err, scheduler.ErrDeliveryFailed):
			respondError(w, http.StatusBadGateway, "delivery_failed", err.Error())
		default:
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	parent := strings.TrimSpace(r.URL.Query().Get("parent"))
	out := make([]minion.Record, 0, len(list))
	for _, rec := range list {
		if !rec.IsTask() {
			continue
		}
		if parent != "" && rec.ParentMinionID != parent {
			continue
		}
		out = append(out, rec)
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	rec, err := s.store.Get(r.Context(), id)
	if err != nil || !rec.IsTask() {
		respondError(w, http.StatusNotFound, "task_not_found", "no such agent task")
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	rep, err := s.reports.Read(id)
	if err != nil {
		if errors.Is(err, reports.ErrNotFound) {
			respondError(w, http.StatusNotFound, "report_not_found", "no report for this task")
			return
		}
		respondError(w, http.StatusInternalServerError, "report_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

func (s *Server) handleListTaskEvents(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	respondJSON(w, http.StatusOK, map[string]any{"events": s.sched.Events(id, limit)})
}

func (s *Server) handleWaitForReport(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	var req waitRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond

	report, err := s.sched.WaitForAgentReport(r.Context(), id, timeout, strings.TrimSpace(req.RequestingMinionID))
	if err != nil {
		switch {
		case errors.Is(err, scheduler.ErrTaskNotFound):
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
		case errors.Is(err, scheduler.ErrTaskInterrupted):
			respondError(w, http.StatusConflict, "task_interrupted", err.Error())
		case errors.Is(err, scheduler.ErrTaskTerminated):
			respondError(w, http.StatusGone, "task_terminated", err.Error())
		case errors.Is(err, scheduler.ErrWaitTimeout):
			respondError(w, http.StatusGatewayTimeout, "wait_timeout", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "wait_failed", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, waitResponse{TaskID: id, Report: report})
}

func (s *Server) handleInterruptTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := s.sched.InterruptAgentTask(r.Context(), id); err != nil {
		if errors.Is(err, scheduler.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "interrupt_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": string(minion.StatusInterrupted)})
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := s.sched.ResumeAgentTask(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, scheduler.ErrTaskNotFound):
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
		case errors.Is(err, scheduler.ErrDeliveryFailed):
			respondError(w, http.StatusBadGateway, "delivery_failed", err.Error())
		default:
			respondError(w, http.StatusConflict, "resume_failed", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": string(minion.StatusRunning)})
}

func (s *Server) handleTerminateTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := s.sched.TerminateAgentTask(r.Context(), id); err != nil {
		if errors.Is(err, scheduler.ErrTaskNotFound) {
			respondError(w, http.StatusNotFound, "task_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "terminate_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "terminated"})
}

func (s *Server) handleTerminateDescendants(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if _, err := s.store.Get(r.Context(), id); err != nil {
		respondError(w, http.StatusNotFound, "minion_not_found", "no such minion")
		return
	}
	if err := s.sched.TerminateAllDescendantAgentTasks(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "interrupt_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": string(minion.StatusInterrupted)})
}

func (s *Server) handleResetAutoResume(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	s.sched.ResetAutoResume(id)
	respondJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
