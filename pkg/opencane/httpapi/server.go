// Package httpapi implements the Control HTTP Surface (§6.2): a
// boundary-level REST API in front of the Connection Runtime, the Digital
// Task Executor, the Ingest Queue and the Store, grounded on the teacher's
// own echo-based control server (rustyguts-bken/server/internal/httpapi).
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/iflabx/opencane/pkg/opencane/ingest"
	"github.com/iflabx/opencane/pkg/opencane/logging"
	"github.com/iflabx/opencane/pkg/opencane/observability"
	"github.com/iflabx/opencane/pkg/opencane/runtime"
	"github.com/iflabx/opencane/pkg/opencane/session"
	"github.com/iflabx/opencane/pkg/opencane/store"
	"github.com/iflabx/opencane/pkg/opencane/task"
	"github.com/iflabx/opencane/pkg/opencane/vectorindex"
)

// DefaultListenAddr matches spec §6.2's default bind address.
const DefaultListenAddr = "127.0.0.1:18792"

// DefaultReplayWindow bounds how far a request's X-Request-Timestamp may
// drift from wall clock when nonce replay protection is enabled.
const DefaultReplayWindow = 5 * time.Minute

// Config wires the surface to the RuntimeContext's components.
type Config struct {
	Sessions    *session.Manager
	Runtime     *runtime.Runtime
	Images      *ingest.Queue
	Tasks       *task.Executor
	VectorIndex *vectorindex.Index
	Store       *store.Store
	Metrics     *observability.Metrics
	History     *observability.History
	Logger      logging.Logger

	// AuthToken, when non-empty, is required on every request via
	// "Authorization: Bearer <token>" or "X-Auth-Token: <token>".
	AuthToken string
	// RequireNonce turns on X-Request-Nonce/X-Request-Timestamp replay
	// protection alongside bearer auth.
	RequireNonce bool
	ReplayWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = logging.DefaultLogger()
	}
	if c.ReplayWindow == 0 {
		c.ReplayWindow = DefaultReplayWindow
	}
	return c
}

// Server is the Echo application backing the control surface.
type Server struct {
	cfg   Config
	echo  *echo.Echo
	nonce *nonceCache
}

// New constructs the Echo app and registers every §6.2 route.
func New(cfg Config) *Server {
	cfg = cfg.withDefaults()
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(cfg.Logger))

	s := &Server{cfg: cfg, echo: e, nonce: newNonceCache(cfg.ReplayWindow)}
	if cfg.AuthToken != "" || cfg.RequireNonce {
		e.Use(s.authMiddleware())
	}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying instance, mainly for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Run starts the server and blocks until ctx is canceled or startup fails.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultListenAddr
	}
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

func requestLogger(logger logging.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			logger.Info("http request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote", c.RealIP(),
			)
			return nil
		}
	}
}

func (s *Server) authMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if s.cfg.AuthToken != "" {
				token := bearerToken(c.Request())
				if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) != 1 {
					return errResp(c, http.StatusUnauthorized, "unauthorized", "invalid or missing auth token")
				}
			}
			if s.cfg.RequireNonce {
				nonce := c.Request().Header.Get("X-Request-Nonce")
				ts := c.Request().Header.Get("X-Request-Timestamp")
				if nonce == "" || ts == "" {
					return errResp(c, http.StatusUnauthorized, "replay_protection_required", "missing nonce/timestamp headers")
				}
				if err := s.nonce.check(nonce, ts); err != nil {
					return errResp(c, http.StatusUnauthorized, "replay_rejected", err.Error())
				}
			}
			return next(c)
		}
	}
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.Header.Get("X-Auth-Token")
}

// nonceCache rejects a nonce seen twice within window, and any timestamp
// drifting further than window from wall clock.
type nonceCache struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
}

func newNonceCache(window time.Duration) *nonceCache {
	return &nonceCache{seen: make(map[string]time.Time), window: window}
}

func (n *nonceCache) check(nonce, tsRaw string) error {
	ts, err := time.Parse(time.RFC3339, tsRaw)
	if err != nil {
		unixSeconds, perr := strconv.ParseInt(tsRaw, 10, 64)
		if perr != nil {
			return errors.New("invalid X-Request-Timestamp")
		}
		ts = time.Unix(unixSeconds, 0)
	}
	now := time.Now()
	if now.Sub(ts) > n.window || ts.Sub(now) > n.window {
		return errors.New("timestamp outside replay window")
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for k, at := range n.seen {
		if now.Sub(at) > n.window {
			delete(n.seen, k)
		}
	}
	if _, dup := n.seen[nonce]; dup {
		return errors.New("nonce already used")
	}
	n.seen[nonce] = now
	return nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/v1/runtime/status", s.handleRuntimeStatus)
	s.echo.GET("/v1/runtime/observability", s.handleObservability)
	s.echo.GET("/v1/runtime/observability/history", s.handleObservabilityHistory)

	s.echo.POST("/v1/device/register", s.handleDeviceRegister)
	s.echo.POST("/v1/device/bind", s.handleDeviceBind)
	s.echo.POST("/v1/device/activate", s.handleDeviceActivate)
	s.echo.POST("/v1/device/revoke", s.handleDeviceRevoke)
	s.echo.POST("/v1/device/ops/dispatch", s.handleOpsDispatch)
	s.echo.POST("/v1/device/ops/:operation_id/ack", s.handleOpsAck)
	s.echo.GET("/v1/device/ops", s.handleOpsList)
	s.echo.POST("/v1/device/event", s.handleDeviceEvent)

	s.echo.POST("/v1/lifelog/enqueue_image", s.handleLifelogEnqueueImage)
	s.echo.POST("/v1/lifelog/query", s.handleLifelogQuery)
	s.echo.GET("/v1/lifelog/timeline", s.handleLifelogTimeline)
	s.echo.GET("/v1/lifelog/safety", s.handleLifelogSafety)
	s.echo.GET("/v1/lifelog/safety/stats", s.handleLifelogSafetyStats)

	s.echo.POST("/v1/digital-task/execute", s.handleTaskExecute)
	s.echo.GET("/v1/digital-task/:task_id", s.handleTaskGet)
	s.echo.POST("/v1/digital-task/:task_id/cancel", s.handleTaskCancel)
	s.echo.GET("/v1/digital-task", s.handleTaskList)
	s.echo.GET("/v1/digital-task/stats", s.handleTaskStats)
}

// ok writes {"success": true, ...fields}.
func ok(c echo.Context, status int, fields map[string]any) error {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["success"] = true
	return c.JSON(status, fields)
}

// errResp writes {"success": false, "error_code": code, "message": message}.
func errResp(c echo.Context, status int, code, message string) error {
	return c.JSON(status, map[string]any{
		"success":    false,
		"error_code": code,
		"message":    message,
	})
}
