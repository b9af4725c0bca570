// Package statusapi exposes the executor's local HTTP surface: liveness,
// a point-in-time status snapshot, and a websocket stream of the same.
package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zephyrfeng/kandev-executor/internal/common/logger"
)

const broadcastInterval = 2 * time.Second

// StatusFunc returns the current status snapshot to serve and broadcast.
// Callers pass the executor core's Status method value, e.g.
// statusapi.NewServer(addr, func() any { return core.Status() }, log) —
// this package doesn't import the scheduler directly.
type StatusFunc func() any

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server wires the gin router, the websocket hub, and a ticker that
// periodically pushes the executor's status to every connected client.
type Server struct {
	router *gin.Engine
	hub    *Hub
	status StatusFunc
	logger *logger.Logger

	httpServer *http.Server
	stop       chan struct{}
}

// NewServer builds the status API server bound to addr, reporting on src.
func NewServer(addr string, src StatusFunc, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(Recovery(log), RequestLogger(log), ErrorHandler(log), CORS())

	s := &Server{
		router: router,
		hub:    NewHub(log),
		status: src,
		logger: log.WithComponent("status-api"),
		stop:   make(chan struct{}),
	}

	router.GET("/healthz", s.handleHealthz)
	router.GET("/status", s.handleStatus)
	router.GET("/status/stream", s.handleStream)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: router,
	}
	return s
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.status())
}

func (s *Server) handleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket connection", zap.Error(err))
		return
	}
	s.hub.serve(conn)
}

// Start runs the hub, the periodic broadcaster, and the HTTP listener in the
// background. It returns immediately; call Stop for graceful shutdown.
func (s *Server) Start() {
	go s.hub.Run(s.stop)
	go s.broadcastLoop()

	go func() {
		s.logger.Info("status API listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status API server error", zap.Error(err))
		}
	}()
}

func (s *Server) broadcastLoop() {
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			data, err := json.Marshal(s.status())
			if err != nil {
				continue
			}
			s.hub.Broadcast(data)
		}
	}
}

// Stop shuts down the HTTP listener and the hub.
func (s *Server) Stop() error {
	close(s.stop)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
