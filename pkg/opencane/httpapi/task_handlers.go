package httpapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iflabx/opencane/pkg/opencane/task"
)

type executeTaskRequest struct {
	TaskID            string      `json:"task_id,omitempty"`
	Goal              string      `json:"goal"`
	SessionID         string      `json:"session_id"`
	DeviceID          string      `json:"device_id,omitempty"`
	TimeoutSeconds    int         `json:"timeout_seconds,omitempty"`
	Notify            bool        `json:"notify,omitempty"`
	Speak             bool        `json:"speak,omitempty"`
	InterruptPrevious bool        `json:"interrupt_previous,omitempty"`
	Steps             []task.Step `json:"steps,omitempty"`
}

func (s *Server) handleTaskExecute(c echo.Context) error {
	var req executeTaskRequest
	if err := c.Bind(&req); err != nil || req.Goal == "" {
		return errResp(c, http.StatusBadRequest, "invalid_request", "goal is required")
	}
	if s.cfg.Tasks == nil {
		return errResp(c, http.StatusServiceUnavailable, "tasks_unconfigured", "digital task executor is not configured")
	}
	tk := s.cfg.Tasks.Execute(c.Request().Context(), task.Spec{
		TaskID:            req.TaskID,
		SessionID:         req.SessionID,
		DeviceID:          req.DeviceID,
		Goal:              req.Goal,
		Steps:             req.Steps,
		TimeoutSeconds:    req.TimeoutSeconds,
		Notify:            req.Notify,
		Speak:             req.Speak,
		InterruptPrevious: req.InterruptPrevious,
	})
	return ok(c, http.StatusAccepted, map[string]any{
		"task_id": tk.TaskID,
		"status":  tk.Status(),
	})
}

func (s *Server) handleTaskGet(c echo.Context) error {
	id := c.Param("task_id")
	if s.cfg.Tasks != nil {
		if tk, found := s.cfg.Tasks.Get(id); found {
			return ok(c, http.StatusOK, map[string]any{
				"task_id": tk.TaskID,
				"status":  tk.Status(),
				"message": tk.Message(),
			})
		}
	}
	rec, err := s.cfg.Store.LoadTask(c.Request().Context(), id)
	if err != nil {
		return errResp(c, http.StatusNotFound, "not_found", "task not found")
	}
	return ok(c, http.StatusOK, map[string]any{"task": rec})
}

func (s *Server) handleTaskCancel(c echo.Context) error {
	id := c.Param("task_id")
	if s.cfg.Tasks == nil {
		return errResp(c, http.StatusServiceUnavailable, "tasks_unconfigured", "digital task executor is not configured")
	}
	reason := c.QueryParam("reason")
	if reason == "" {
		reason = "http_cancel"
	}
	if !s.cfg.Tasks.Cancel(c.Request().Context(), id, reason) {
		return errResp(c, http.StatusNotFound, "not_found", "task not found or already terminal")
	}
	return ok(c, http.StatusOK, nil)
}

func (s *Server) handleTaskList(c echo.Context) error {
	recs, err := s.cfg.Store.ListTasks(c.Request().Context())
	if err != nil {
		return errResp(c, http.StatusInternalServerError, "storage_error", err.Error())
	}
	return ok(c, http.StatusOK, map[string]any{"tasks": recs})
}

func (s *Server) handleTaskStats(c echo.Context) error {
	recs, err := s.cfg.Store.ListTasks(c.Request().Context())
	if err != nil {
		return errResp(c, http.StatusInternalServerError, "storage_error", err.Error())
	}
	counts := map[task.Status]int{}
	for _, r := range recs {
		counts[r.Status]++
	}
	return ok(c, http.StatusOK, map[string]any{
		"total":     len(recs),
		"by_status": counts,
	})
}
