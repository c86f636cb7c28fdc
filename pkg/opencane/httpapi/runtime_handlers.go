package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

func (s *Server) handleRuntimeStatus(c echo.Context) error {
	fields := map[string]any{
		"adapter_count": 0,
		"session_count": 0,
	}
	if s.cfg.Runtime != nil {
		fields["adapter_count"] = s.cfg.Runtime.AdapterCount()
	}
	if s.cfg.Sessions != nil {
		fields["session_count"] = s.cfg.Sessions.Count()
	}
	if s.cfg.Images != nil {
		stats := s.cfg.Images.Stats()
		fields["ingest_queue"] = map[string]any{
			"depth":       stats.Depth,
			"utilization": stats.Utilization,
			"rejected":    stats.Rejected,
			"dropped":     stats.Dropped,
			"failed":      stats.Failed,
		}
	}
	if s.cfg.VectorIndex != nil {
		fields["vector_backend"] = map[string]any{"entries": s.cfg.VectorIndex.Len()}
	}
	return ok(c, http.StatusOK, fields)
}

func (s *Server) handleObservability(c echo.Context) error {
	if s.cfg.Metrics == nil {
		return errResp(c, http.StatusServiceUnavailable, "metrics_unconfigured", "observability is not configured")
	}
	snap := s.cfg.Metrics.Snapshot()
	if s.cfg.History != nil {
		s.cfg.History.Record(time.Now(), snap)
	}
	alerts := snap.Alerts
	if alerts == nil {
		alerts = []string{}
	}
	return ok(c, http.StatusOK, map[string]any{
		"healthy": snap.Healthy,
		"alerts":  alerts,
		"rates":   snap,
	})
}

func (s *Server) handleObservabilityHistory(c echo.Context) error {
	if s.cfg.History == nil {
		return ok(c, http.StatusOK, map[string]any{"points": []any{}})
	}
	window := 24 * time.Hour
	if raw := c.QueryParam("since_minutes"); raw != "" {
		if mins, err := time.ParseDuration(raw + "m"); err == nil {
			window = mins
		}
	}
	points := s.cfg.History.Since(time.Now().Add(-window))
	return ok(c, http.StatusOK, map[string]any{"points": points})
}
