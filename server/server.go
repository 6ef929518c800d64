// Package server exposes the classifier over HTTP and websockets.
package server

import (
	"TrackDetServer/capture"
	"TrackDetServer/engine"
	"TrackDetServer/frame"
	iface "TrackDetServer/interface"
	"TrackDetServer/logger"
	"TrackDetServer/monitor"
	"TrackDetServer/validation"
	"TrackDetServer/worker"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultIdleTimeout = 30 * time.Second
	maxImageBytes      = 32 << 20
	maxEditorEngines   = 2
)

// Live is the part of the capture loop the API reads. *capture.Loop implements it.
type Live interface {
	Snapshot() capture.Snapshot
	Subscribe() (<-chan capture.Snapshot, func())
}

type Options struct {
	// Decode turns an uploaded image into a frame, camera.DecodeImage in production.
	Decode func([]byte) (*frame.Frame, error)
	// NewEngine builds editor engines and the engines of /ws/worker sessions.
	NewEngine worker.EngineFactory
	Model     string
	Precision iface.Precision

	Live     Live
	LiveInfo func() (engine.Info, bool)

	IdleTimeout time.Duration
}

type Server struct {
	opts   Options
	editor *validation.Loop
	ctx    context.Context
	cancel context.CancelFunc

	editorMu    sync.Mutex
	engines     map[engineKey]*engine.Engine
	engineOrder []engineKey

	sessionMu sync.RWMutex
	sessions  map[string]*instance

	upgrader websocket.Upgrader
	router   *gin.Engine
}

type engineKey struct {
	model     string
	precision iface.Precision
}

func New(opts Options) *Server {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:     opts,
		editor:   validation.NewLoop(),
		ctx:      ctx,
		cancel:   cancel,
		engines:  map[engineKey]*engine.Engine{},
		sessions: map[string]*instance{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestMetrics())

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/engine", s.engineInfo)
	r.POST("/api/calibration/dpt", s.calibrateReference)
	r.POST("/api/calibration/layout", s.calibrateLayout)
	r.PUT("/api/editor/images/:id", s.putEditorImage)
	r.POST("/api/editor/images/:id/validate", s.validate)
	r.POST("/api/editor/images/:id/patch", s.patch)
	r.GET("/api/live", s.liveSnapshot)
	r.GET("/ws/live", s.liveStream)
	r.GET("/ws/worker", s.workerStream)
	r.GET("/metrics", gin.WrapH(monitor.Handler()))
	return r
}

func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		monitor.HTTPTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// Run serves on port until ctx ends.
func (s *Server) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Log().Info("http server started", zap.Int("port", port))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close drops websocket sessions, editor engines and the editor image.
func (s *Server) Close() {
	s.cancel()
	s.sessionMu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.sessionMu.RUnlock()
	for _, id := range ids {
		s.releaseInstance(id, "server shutting down")
	}

	s.editor.Close()
	s.editorMu.Lock()
	for k, e := range s.engines {
		e.Close()
		delete(s.engines, k)
	}
	s.engineOrder = nil
	s.editorMu.Unlock()
}

func (s *Server) engineInfo(c *gin.Context) {
	if s.opts.LiveInfo == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "live classifier disabled"})
		return
	}
	info, ok := s.opts.LiveInfo()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": engine.ErrNotReady.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": info})
}

func (s *Server) liveSnapshot(c *gin.Context) {
	if s.opts.Live == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "live capture disabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": s.opts.Live.Snapshot()})
}
