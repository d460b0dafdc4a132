package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/offlinefirst/screenwatch/pkg/capture"
	"github.com/offlinefirst/screenwatch/pkg/events"
	"github.com/offlinefirst/screenwatch/pkg/logging"
	"github.com/offlinefirst/screenwatch/pkg/settings"
	"github.com/offlinefirst/screenwatch/pkg/video"
)

// Status is the /api/status payload.
type Status struct {
	State           string        `json:"state"`
	Frames          int           `json:"frames"`
	Capacity        int           `json:"capacity"`
	CaptureDir      string        `json:"capture_dir"`
	Asset           string        `json:"asset"`
	AssetPresent    bool          `json:"asset_present"`
	Compiling       bool          `json:"compiling"`
	LastCompile     *video.Result `json:"last_compile,omitempty"`
	Scheduler       capture.Stats `json:"scheduler"`
	RunID           string        `json:"run_id,omitempty"`
	DefaultPassword bool          `json:"default_password"`
}

// Backend is the daemon surface exposed over HTTP.
type Backend interface {
	Status() (Status, error)
	Unlock(secret string) (bool, error)
	Relock() error
	Shutdown(reason string) bool
	RequestCompile() (string, error)
	ChangePassword(old, next, confirm string) error
	Subscribe(buffer int) (<-chan events.Event, func())
}

// Options configure the control server.
type Options struct {
	Addr    string
	Backend Backend
	// Metrics serves /metrics when non-nil.
	Metrics http.Handler
	Logger  *slog.Logger
}

// Server is the local control API.
type Server struct {
	addr     string
	backend  Backend
	engine   *gin.Engine
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

type unlockRequest struct {
	Secret string `json:"secret"`
}

type passwordRequest struct {
	Old     string `json:"old"`
	New     string `json:"new"`
	Confirm string `json:"confirm"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// New builds the gin engine and routes.
func New(opts Options) (*Server, error) {
	if opts.Backend == nil {
		return nil, errors.New("backend must be provided")
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		addr:    opts.Addr,
		backend: opts.Backend,
		engine:  engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Loopback-only API; browsers on other origins must not drive it.
			CheckOrigin: sameHostOrigin,
		},
		logger: logging.Component(opts.Logger, "server"),
	}
	engine.Use(s.requestLogger())

	api := engine.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.POST("/unlock", s.handleUnlock)
		api.POST("/relock", s.handleRelock)
		api.POST("/shutdown", s.handleShutdown)
		api.POST("/compile", s.handleCompile)
		api.POST("/password", s.handlePassword)
		api.GET("/events", s.handleEvents)
	}
	if opts.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(opts.Metrics))
	}
	return s, nil
}

// Handler exposes the engine, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control api listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve control api: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
		return fmt.Errorf("shutdown control api: %w", err)
	}
	s.logger.Info("control api stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request", "method", c.Request.Method, "path", c.Request.URL.Path, "status", c.Writer.Status(), "duration", time.Since(start).String())
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	status, err := s.backend.Status()
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleUnlock(c *gin.Context) {
	var req unlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	ok, err := s.backend.Unlock(req.Secret)
	if err != nil {
		c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"unlocked": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"unlocked": true})
}

func (s *Server) handleRelock(c *gin.Context) {
	if err := s.backend.Relock(); err != nil {
		c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"locked": true})
}

func (s *Server) handleShutdown(c *gin.Context) {
	first := s.backend.Shutdown("api")
	c.JSON(http.StatusAccepted, gin.H{"shutting_down": true, "initiated": first})
}

func (s *Server) handleCompile(c *gin.Context) {
	id, err := s.backend.RequestCompile()
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"accepted": true, "id": id})
	case errors.Is(err, video.ErrCompileInFlight), errors.Is(err, video.ErrNotAllowed):
		c.JSON(http.StatusConflict, gin.H{"accepted": false, "reason": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func (s *Server) handlePassword(c *gin.Context) {
	var req passwordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	err := s.backend.ChangePassword(req.Old, req.New, req.Confirm)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"changed": true})
		return
	}
	switch {
	case errors.Is(err, settings.ErrWrongPassword):
		c.JSON(http.StatusForbidden, errorResponse{Error: err.Error()})
		return
	case errors.Is(err, settings.ErrEmptyPassword), errors.Is(err, settings.ErrConfirmMismatch):
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
}

func (s *Server) handleEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	stream, cancel := s.backend.Subscribe(64)
	defer cancel()

	// Drain client frames so close messages are processed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case ev, ok := <-stream:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func sameHostOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}
