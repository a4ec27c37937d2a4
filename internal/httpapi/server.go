// Package httpapi exposes the daemon's control surface over HTTP: fleet
// membership, per-client state and pairing, cached chats, media retrieval
// and Prometheus metrics.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/matheus3301/wafleet/internal/cache"
	"github.com/matheus3301/wafleet/internal/client"
	"github.com/matheus3301/wafleet/internal/media"
	"github.com/matheus3301/wafleet/internal/state"
	"github.com/matheus3301/wafleet/internal/watchdog"
)

// Deps are the collaborators the API serves. Monitor and SaveClients are
// optional.
type Deps struct {
	Manager  *client.Manager
	States   *state.Store
	Cache    *cache.Cache
	Pipeline *media.Pipeline
	Monitor  *watchdog.Monitor

	// SaveClients persists the fleet roster after membership changes.
	SaveClients func(numbers []string) error
}

// Server wraps the HTTP listener.
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer builds the router and the listener. Start must be called to
// begin serving.
func NewServer(addr string, deps Deps, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.HandleMethodNotAllowed = true

	r.Use(requestID())
	r.Use(accessLog(logger))
	r.Use(gin.Recovery())
	r.Use(httpMetrics())

	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, errCodeNotFound, "route not found")
	})

	h := &handlers{deps: deps, logger: logger}
	registerRoutes(r, h)

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

func registerRoutes(r *gin.Engine, h *handlers) {
	r.GET("/healthz", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/clients", h.listClients)
	r.POST("/clients", h.addClient)
	r.DELETE("/clients/:number", h.removeClient)

	r.GET("/clients/:number/state", h.clientState)
	r.GET("/clients/:number/qr", h.clientQR)
	r.POST("/clients/:number/reconnect", h.forceReconnect)
	r.POST("/clients/:number/messages", h.sendMessage)
	r.GET("/clients/:number/chats", h.listChats)
	r.GET("/clients/:number/chats/unread", h.listUnreadChats)
	r.GET("/clients/:number/groups", h.listGroups)
	r.GET("/clients/:number/picture", h.clientPicture)

	r.GET("/media/:id", h.mediaStatus)
	r.GET("/media/:id/file", h.mediaFile)
	r.GET("/media-stats", h.mediaStats)

	r.GET("/reconnect-status", h.reconnectStatus)
	r.GET("/watchdog", h.watchdogReports)
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("http api listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}
