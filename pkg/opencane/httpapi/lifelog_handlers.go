package httpapi

import (
	"encoding/base64"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

type enqueueImageRequest struct {
	SessionID string `json:"session_id"`
	DeviceID  string `json:"device_id"`
	ImageB64  string `json:"image_b64"`
	Mime      string `json:"mime,omitempty"`
	Question  string `json:"question,omitempty"`
}

func (s *Server) handleLifelogEnqueueImage(c echo.Context) error {
	var req enqueueImageRequest
	if err := c.Bind(&req); err != nil || req.SessionID == "" || req.ImageB64 == "" {
		return errResp(c, http.StatusBadRequest, "invalid_request", "session_id and image_b64 are required")
	}
	if s.cfg.Images == nil {
		return errResp(c, http.StatusServiceUnavailable, "ingest_unconfigured", "ingest queue is not configured")
	}
	data, err := base64.StdEncoding.DecodeString(req.ImageB64)
	if err != nil {
		return errResp(c, http.StatusBadRequest, "invalid_request", "image_b64 is not valid base64")
	}
	job, err := s.cfg.Images.Enqueue(c.Request().Context(), req.SessionID, req.DeviceID, data, req.Mime, req.Question)
	if err != nil {
		return errResp(c, http.StatusServiceUnavailable, "queue_full", err.Error())
	}
	return ok(c, http.StatusAccepted, map[string]any{"job_id": job.JobID})
}

type lifelogQueryRequest struct {
	Text    string         `json:"text"`
	Filters map[string]any `json:"filters,omitempty"`
	TopK    int            `json:"top_k,omitempty"`
}

func (s *Server) handleLifelogQuery(c echo.Context) error {
	var req lifelogQueryRequest
	if err := c.Bind(&req); err != nil || req.Text == "" {
		return errResp(c, http.StatusBadRequest, "invalid_request", "text is required")
	}
	if s.cfg.VectorIndex == nil {
		return errResp(c, http.StatusServiceUnavailable, "vector_index_unconfigured", "vector index is not configured")
	}
	topK := req.TopK
	if topK <= 0 {
		topK = 10
	}
	results, err := s.cfg.VectorIndex.Query(c.Request().Context(), req.Text, req.Filters, topK)
	if err != nil {
		return errResp(c, http.StatusInternalServerError, "query_failed", err.Error())
	}
	return ok(c, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleLifelogTimeline(c echo.Context) error {
	sessionID := c.QueryParam("session_id")
	if sessionID == "" {
		return errResp(c, http.StatusBadRequest, "invalid_request", "session_id is required")
	}
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	contexts, err := s.cfg.Store.ListContexts(c.Request().Context(), sessionID, limit)
	if err != nil {
		return errResp(c, http.StatusInternalServerError, "storage_error", err.Error())
	}
	return ok(c, http.StatusOK, map[string]any{"contexts": contexts})
}

func (s *Server) handleLifelogSafety(c echo.Context) error {
	events, err := s.cfg.Store.ListSafetyEvents(c.Request().Context(), c.QueryParam("session_id"))
	if err != nil {
		return errResp(c, http.StatusInternalServerError, "storage_error", err.Error())
	}
	return ok(c, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleLifelogSafetyStats(c echo.Context) error {
	events, err := s.cfg.Store.ListSafetyEvents(c.Request().Context(), c.QueryParam("session_id"))
	if err != nil {
		return errResp(c, http.StatusInternalServerError, "storage_error", err.Error())
	}
	downgraded := 0
	ruleCounts := map[string]int{}
	for _, ev := range events {
		if ev.Downgraded {
			downgraded++
		}
		for _, id := range ev.RuleIDs {
			ruleCounts[id]++
		}
	}
	return ok(c, http.StatusOK, map[string]any{
		"total":       len(events),
		"downgraded":  downgraded,
		"rule_counts": ruleCounts,
	})
}
