package mcpserver

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paseo/paseo/internal/agent/manager"
	"github.com/paseo/paseo/internal/common/config"
	"github.com/paseo/paseo/internal/common/logger"
)

// Provide mounts the MCP surface on the daemon router when enabled and
// returns a cleanup function. Disabled config yields a nil server and a
// no-op cleanup.
func Provide(cfg config.MCPConfig, mgr *manager.Manager, router gin.IRouter, log *logger.Logger) (*Server, func()) {
	if !cfg.Enabled {
		return nil, func() {}
	}

	srv := New(cfg, mgr, log)
	srv.RegisterRoutes(router)

	var stopOnce sync.Once
	cleanup := func() {
		stopOnce.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		})
	}
	return srv, cleanup
}
