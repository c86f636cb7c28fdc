package httpapi

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iflabx/opencane/pkg/opencane/envelope"
	"github.com/iflabx/opencane/pkg/opencane/store"
)

type deviceLifecycleRequest struct {
	DeviceID  string `json:"device_id"`
	ProfileID string `json:"profile_id,omitempty"`
	OwnerID   string `json:"owner_id,omitempty"`
}

func (s *Server) loadOrNewDevice(c echo.Context, req deviceLifecycleRequest) *store.Device {
	d, err := s.cfg.Store.LoadDevice(c.Request().Context(), req.DeviceID)
	if err != nil {
		d = &store.Device{DeviceID: req.DeviceID, CreatedAt: time.Now()}
	}
	return d
}

func (s *Server) handleDeviceRegister(c echo.Context) error {
	var req deviceLifecycleRequest
	if err := c.Bind(&req); err != nil || req.DeviceID == "" {
		return errResp(c, http.StatusBadRequest, "invalid_request", "device_id is required")
	}
	d := s.loadOrNewDevice(c, req)
	d.ProfileID = req.ProfileID
	d.State = store.DeviceRegistered
	d.UpdatedAt = time.Now()
	if err := s.cfg.Store.SaveDevice(c.Request().Context(), d); err != nil {
		return errResp(c, http.StatusInternalServerError, "storage_error", err.Error())
	}
	return ok(c, http.StatusOK, map[string]any{"device": d})
}

func (s *Server) handleDeviceBind(c echo.Context) error {
	var req deviceLifecycleRequest
	if err := c.Bind(&req); err != nil || req.DeviceID == "" || req.OwnerID == "" {
		return errResp(c, http.StatusBadRequest, "invalid_request", "device_id and owner_id are required")
	}
	d, err := s.cfg.Store.LoadDevice(c.Request().Context(), req.DeviceID)
	if err != nil {
		return errResp(c, http.StatusNotFound, "not_found", "device is not registered")
	}
	d.OwnerID = req.OwnerID
	d.State = store.DeviceBound
	d.UpdatedAt = time.Now()
	if err := s.cfg.Store.SaveDevice(c.Request().Context(), d); err != nil {
		return errResp(c, http.StatusInternalServerError, "storage_error", err.Error())
	}
	return ok(c, http.StatusOK, map[string]any{"device": d})
}

func (s *Server) handleDeviceActivate(c echo.Context) error {
	var req deviceLifecycleRequest
	if err := c.Bind(&req); err != nil || req.DeviceID == "" {
		return errResp(c, http.StatusBadRequest, "invalid_request", "device_id is required")
	}
	d, err := s.cfg.Store.LoadDevice(c.Request().Context(), req.DeviceID)
	if err != nil {
		return errResp(c, http.StatusNotFound, "not_found", "device is not registered")
	}
	d.State = store.DeviceActive
	d.UpdatedAt = time.Now()
	if err := s.cfg.Store.SaveDevice(c.Request().Context(), d); err != nil {
		return errResp(c, http.StatusInternalServerError, "storage_error", err.Error())
	}
	return ok(c, http.StatusOK, map[string]any{"device": d})
}

func (s *Server) handleDeviceRevoke(c echo.Context) error {
	var req deviceLifecycleRequest
	if err := c.Bind(&req); err != nil || req.DeviceID == "" {
		return errResp(c, http.StatusBadRequest, "invalid_request", "device_id is required")
	}
	d, err := s.cfg.Store.LoadDevice(c.Request().Context(), req.DeviceID)
	if err != nil {
		return errResp(c, http.StatusNotFound, "not_found", "device is not registered")
	}
	d.State = store.DeviceRevoked
	d.UpdatedAt = time.Now()
	if err := s.cfg.Store.SaveDevice(c.Request().Context(), d); err != nil {
		return errResp(c, http.StatusInternalServerError, "storage_error", err.Error())
	}
	return ok(c, http.StatusOK, map[string]any{"device": d})
}

type opsDispatchRequest struct {
	DeviceID  string         `json:"device_id"`
	SessionID string         `json:"session_id,omitempty"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func (s *Server) handleOpsDispatch(c echo.Context) error {
	var req opsDispatchRequest
	if err := c.Bind(&req); err != nil || req.DeviceID == "" || req.Kind == "" {
		return errResp(c, http.StatusBadRequest, "invalid_request", "device_id and kind are required")
	}
	if s.cfg.Runtime == nil {
		return errResp(c, http.StatusServiceUnavailable, "runtime_unconfigured", "runtime is not configured")
	}
	op, err := s.cfg.Runtime.DispatchOperation(c.Request().Context(), req.DeviceID, req.SessionID, envelope.Type(req.Kind), req.Payload)
	if err != nil {
		return errResp(c, http.StatusInternalServerError, "dispatch_failed", err.Error())
	}
	return ok(c, http.StatusOK, map[string]any{"operation": op})
}

func (s *Server) handleOpsAck(c echo.Context) error {
	id := c.Param("operation_id")
	op, err := s.cfg.Store.LoadOperation(c.Request().Context(), id)
	if err != nil {
		return errResp(c, http.StatusNotFound, "not_found", "operation not found")
	}
	op.Status = "acked"
	op.AckedAt = time.Now()
	if err := s.cfg.Store.SaveOperation(c.Request().Context(), op); err != nil {
		return errResp(c, http.StatusInternalServerError, "storage_error", err.Error())
	}
	return ok(c, http.StatusOK, map[string]any{"operation": op})
}

func (s *Server) handleOpsList(c echo.Context) error {
	ops, err := s.cfg.Store.ListOperations(c.Request().Context())
	if err != nil {
		return errResp(c, http.StatusInternalServerError, "storage_error", err.Error())
	}
	if deviceID := c.QueryParam("device_id"); deviceID != "" {
		filtered := make([]*store.Operation, 0, len(ops))
		for _, op := range ops {
			if op.DeviceID == deviceID {
				filtered = append(filtered, op)
			}
		}
		ops = filtered
	}
	return ok(c, http.StatusOK, map[string]any{"operations": ops})
}

func (s *Server) handleDeviceEvent(c echo.Context) error {
	var env envelope.Envelope
	if err := c.Bind(&env); err != nil {
		return errResp(c, http.StatusBadRequest, "invalid_request", "body must be a canonical envelope")
	}
	if s.cfg.Runtime == nil {
		return errResp(c, http.StatusServiceUnavailable, "runtime_unconfigured", "runtime is not configured")
	}
	if err := s.cfg.Runtime.Inject(c.Request().Context(), env); err != nil {
		return errResp(c, http.StatusInternalServerError, "dispatch_failed", err.Error())
	}
	return ok(c, http.StatusOK, nil)
}
