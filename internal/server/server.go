// Package server runs the daemon's local HTTP listener: the /ws client
// endpoint, the single-use file download route, health, and whatever the
// MCP layer mounts on top.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/paseo/paseo/internal/common/config"
	"github.com/paseo/paseo/internal/common/httpmw"
	"github.com/paseo/paseo/internal/common/logger"
	"github.com/paseo/paseo/internal/session"
)

// Server is the daemon's HTTP front door.
type Server struct {
	cfg      config.ServerConfig
	sessions session.Deps
	logger   *logger.Logger

	router   *gin.Engine
	http     *http.Server
	listener net.Listener
}

// New builds the router. Call Start to begin listening.
func New(cfg config.ServerConfig, sessions session.Deps, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		logger:   log.WithFields(zap.String("component", "server")),
		router:   gin.New(),
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.logger, "paseo"))
	s.router.Use(httpmw.OtelTracing("paseo"))
	if cfg.UnixSocket == "" {
		s.router.Use(hostAllowlist(cfg.AllowedHosts))
	}
	s.router.Use(corsHeaders(cfg.AllowedOrigins))

	s.router.GET("/health", s.handleHealth)

	authed := s.router.Group("/")
	if cfg.BasicAuthUser != "" {
		authed.Use(basicAuth(cfg.BasicAuthUser, cfg.BasicAuthPass))
	}
	authed.GET("/ws", s.handleWS)
	authed.GET(downloadRoute, s.handleDownload)

	return s
}

// Router exposes the underlying router so other layers (MCP) can mount
// their routes before Start.
func (s *Server) Router() gin.IRouter {
	return s.router
}

// Addr returns the bound listen address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the configured listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return err
	}
	s.listener = ln

	s.http = &http.Server{
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("Listening", zap.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	if s.cfg.UnixSocket != "" {
		// A stale socket from a crashed daemon would fail the bind; the PID
		// guard already ensures no live daemon owns it.
		if err := os.Remove(s.cfg.UnixSocket); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale socket: %w", err)
		}
		ln, err := net.Listen("unix", s.cfg.UnixSocket)
		if err != nil {
			return nil, fmt.Errorf("listening on %s: %w", s.cfg.UnixSocket, err)
		}
		if err := os.Chmod(s.cfg.UnixSocket, 0o600); err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("restricting socket permissions: %w", err)
		}
		return ln, nil
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return ln, nil
}

// Stop drains the HTTP server and removes a unix socket if one was bound.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	if s.cfg.UnixSocket != "" {
		_ = os.Remove(s.cfg.UnixSocket)
	}
	return err
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"serverId":  s.sessions.ServerID,
		"version":   s.sessions.DaemonVersion,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
