// Package mcpserver mirrors the daemon's agent controls as MCP tools so
// agents can orchestrate other agents. Both MCP transports ride the
// daemon's own HTTP listener: SSE (/sse, /message) for Claude Desktop and
// Cursor, streamable HTTP (/mcp) for Codex.
package mcpserver

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/paseo/paseo/internal/agent/manager"
	"github.com/paseo/paseo/internal/common/config"
	"github.com/paseo/paseo/internal/common/logger"
)

// Server wires the MCP tool surface onto the daemon router.
type Server struct {
	cfg     config.MCPConfig
	manager *manager.Manager
	logger  *logger.Logger

	mcpServer  *server.MCPServer
	sseServer  *server.SSEServer
	httpServer *server.StreamableHTTPServer
}

// New builds the MCP server and registers the agent-control tools.
func New(cfg config.MCPConfig, mgr *manager.Manager, log *logger.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		manager: mgr,
		logger:  log.WithFields(zap.String("component", "mcp-server")),
	}

	s.mcpServer = server.NewMCPServer(
		"paseo",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	registerTools(s.mcpServer, mgr, s.logger)

	s.sseServer = server.NewSSEServer(s.mcpServer)
	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer,
		server.WithEndpointPath("/mcp"),
	)
	return s
}

// RegisterRoutes mounts both transports on the daemon router behind the
// configured auth mode.
func (s *Server) RegisterRoutes(router gin.IRouter) {
	group := router.Group("/", s.authMiddleware())
	group.Any("/sse", gin.WrapH(s.sseServer.SSEHandler()))
	group.Any("/message", gin.WrapH(s.sseServer.MessageHandler()))
	group.Any("/mcp", gin.WrapH(s.httpServer))

	s.logger.Info("MCP tools mounted",
		zap.String("sse_endpoint", "/sse"),
		zap.String("streamable_http_endpoint", "/mcp"),
		zap.String("auth_mode", s.authModeName()))
}

// Shutdown drains both transports' session state.
func (s *Server) Shutdown(ctx context.Context) {
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.logger.Warn("SSE shutdown failed", zap.Error(err))
		}
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("Streamable HTTP shutdown failed", zap.Error(err))
		}
	}
}

func (s *Server) authModeName() string {
	if s.cfg.AuthMode == "" {
		return "none"
	}
	return s.cfg.AuthMode
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	switch s.cfg.AuthMode {
	case "", "none":
		return func(c *gin.Context) { c.Next() }
	case "basic":
		user, pass := s.cfg.BasicUser, s.cfg.BasicPass
		return func(c *gin.Context) {
			gotUser, gotPass, ok := c.Request.BasicAuth()
			if !ok ||
				subtle.ConstantTimeCompare([]byte(gotUser), []byte(user)) != 1 ||
				subtle.ConstantTimeCompare([]byte(gotPass), []byte(pass)) != 1 {
				c.Header("WWW-Authenticate", `Basic realm="paseo-mcp"`)
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "authentication required",
				})
				return
			}
			c.Next()
		}
	case "bearer":
		token := s.cfg.BearerToken
		return func(c *gin.Context) {
			got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
			if got == "" ||
				subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "authentication required",
				})
				return
			}
			c.Next()
		}
	default:
		mode := s.cfg.AuthMode
		return func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "unknown MCP auth mode '" + mode + "'",
			})
		}
	}
}
