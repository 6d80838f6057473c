// Package daemon assembles the paseo daemon: storage, the agent manager,
// the local HTTP/WebSocket server, the optional relay tunnel, and the MCP
// tool surface, with one graceful teardown path shared by signals and
// client-initiated lifecycle intents.
package daemon

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/paseo/paseo/internal/activity"
	"github.com/paseo/paseo/internal/agent/catalog"
	"github.com/paseo/paseo/internal/agent/manager"
	"github.com/paseo/paseo/internal/checkout"
	"github.com/paseo/paseo/internal/common/config"
	"github.com/paseo/paseo/internal/common/logger"
	"github.com/paseo/paseo/internal/events"
	"github.com/paseo/paseo/internal/fileexplorer"
	"github.com/paseo/paseo/internal/files"
	"github.com/paseo/paseo/internal/guard"
	"github.com/paseo/paseo/internal/mcpserver"
	"github.com/paseo/paseo/internal/pairing"
	"github.com/paseo/paseo/internal/permission"
	"github.com/paseo/paseo/internal/provider"
	"github.com/paseo/paseo/internal/provider/streamjson"
	"github.com/paseo/paseo/internal/relay"
	"github.com/paseo/paseo/internal/server"
	"github.com/paseo/paseo/internal/session"
	"github.com/paseo/paseo/internal/store"
	"github.com/paseo/paseo/internal/tracing"
	"github.com/paseo/paseo/internal/voice"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// stopTimeout bounds the whole graceful teardown. It sits inside the
// guard's force-exit window so an orderly stop always wins the race.
const stopTimeout = 8 * time.Second

// Daemon is the assembled process.
type Daemon struct {
	cfg *config.Config
	log *logger.Logger

	home     string
	identity *pairing.Identity
	lock     *guard.Lock
	guard    *guard.Guard

	store      *store.Store
	busCleanup func() error
	manager    *manager.Manager
	activity   *activity.Log
	tokens     *files.TokenStore
	registry   *session.Registry

	server     *server.Server
	mcpCleanup func()
	relay      *relay.Controller

	stopOnce sync.Once
	done     chan struct{}
}

// New assembles every component but binds no listeners; Start does that.
// On error anything already opened is torn back down.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	home, err := cfg.Home.ResolveDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(home, 0o700); err != nil {
		return nil, fmt.Errorf("creating daemon home: %w", err)
	}

	d := &Daemon{
		cfg:  cfg,
		log:  log,
		home: home,
		done: make(chan struct{}),
	}

	if cfg.Tracing.Enabled {
		tracing.Init(cfg.Tracing)
	}

	d.identity, err = pairing.LoadIdentity(home)
	if err != nil {
		return nil, fmt.Errorf("loading daemon identity: %w", err)
	}

	listenAddr := cfg.Server.UnixSocket
	if listenAddr == "" {
		listenAddr = cfg.Server.ListenAddr()
	}
	d.lock, err = guard.AcquireLock(home, guard.ListenID(listenAddr), os.Getpid())
	if err != nil {
		return nil, err
	}

	d.store, err = store.Open(home, store.TimelineOptions{
		SegmentMaxBytes: int64(cfg.Agent.SegmentMaxBytes),
		SegmentMaxRows:  cfg.Agent.SegmentMaxRows,
		Logger:          log,
	}, log)
	if err != nil {
		d.rollback()
		return nil, err
	}

	providers := provider.NewRegistry()
	providers.RegisterFactory(provider.BindingStreamJSON, streamjson.Factory{})
	if cfg.Provider.ConfigPath != "" {
		if err := providers.LoadOverrides(cfg.Provider.ConfigPath); err != nil {
			d.rollback()
			return nil, fmt.Errorf("loading provider overrides: %w", err)
		}
	}

	providedBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		d.rollback()
		return nil, err
	}
	d.busCleanup = busCleanup

	d.manager = manager.NewManager(manager.Deps{
		Store:           d.store,
		Providers:       providers,
		Broker:          permission.NewBroker(),
		Bus:             providedBus.Bus,
		Catalog:         catalog.New(providers, cfg.Agent.CatalogTTLDuration(), log),
		Logger:          log,
		DefaultProvider: cfg.Provider.Default,
		SnapshotTimeout: cfg.Agent.SnapshotTimeoutDuration(),
	})

	if cfg.Activity.Enabled {
		d.activity, err = activity.Open(cfg.Activity, home, providedBus.Bus, log)
		if err != nil {
			d.rollback()
			return nil, fmt.Errorf("opening activity log: %w", err)
		}
	}

	voiceEngines, err := voice.FromConfig(cfg.Voice)
	if err != nil {
		d.rollback()
		return nil, err
	}

	d.tokens = files.NewTokenStore(log)
	d.registry = session.NewRegistry(0)
	d.guard = guard.New(log)
	d.guard.SetStopFunc(d.Stop)

	sessionDeps := session.Deps{
		Manager:  d.manager,
		Bus:      providedBus.Bus,
		Activity: d.activity,
		Checkout: checkout.NewInspector(log),
		Explorer: fileexplorer.New(log),
		Tokens:   d.tokens,
		Voice:    voiceEngines,
		Guard:    d.guard,
		Registry: d.registry,
		Logger:   log,

		ServerID:      d.identity.ServerID,
		DaemonVersion: Version,

		OutboxSize:     cfg.Agent.OutboxSize,
		RequestTimeout: cfg.Agent.RequestTimeoutDuration(),
	}

	d.server = server.New(cfg.Server, sessionDeps, log)
	_, d.mcpCleanup = mcpserver.Provide(cfg.MCP, d.manager, d.server.Router(), log)

	if cfg.Relay.Enabled {
		d.relay = relay.New(cfg.Relay, d.identity, sessionDeps, log)
	}

	return d, nil
}

// Guard exposes the lifecycle guard so a supervisor can install its
// forwarding hook before Start.
func (d *Daemon) Guard() *guard.Guard {
	return d.guard
}

// ServerID returns the daemon's durable pairing identity.
func (d *Daemon) ServerID() string {
	return d.identity.ServerID
}

// Addr returns the bound listen address, valid after Start.
func (d *Daemon) Addr() string {
	return d.server.Addr()
}

// Start binds the local listener and, when the relay is enabled, opens the
// control connection and announces the pairing offer.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.server.Start(ctx); err != nil {
		d.rollback()
		return err
	}

	if d.relay != nil {
		if _, err := pairing.AnnounceOffer(d.identity, d.cfg.Relay, d.log); err != nil {
			d.log.Warn("Pairing offer unavailable", zap.Error(err))
		}
		d.relay.Start(ctx)
	}

	d.log.Info("Daemon ready",
		zap.String("server_id", d.identity.ServerID),
		zap.String("addr", d.server.Addr()),
		zap.String("version", Version),
		zap.Bool("relay", d.relay != nil),
		zap.Bool("mcp", d.cfg.MCP.Enabled))
	return nil
}

// Run starts the daemon and blocks until the context is cancelled or a
// client lifecycle intent stops it, then tears everything down.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		d.Stop()
	case <-d.done:
	}
	return nil
}

// Stop tears the daemon down in order: sessions first so clients see a
// clean close, transports next, then agents, storage, and the lock. Safe
// to call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		defer close(d.done)
		d.log.Info("Daemon stopping")

		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()

		d.registry.CloseAll()

		// The transports have no ordering constraints between them.
		var eg errgroup.Group
		if d.relay != nil {
			eg.Go(func() error {
				d.relay.Stop()
				return nil
			})
		}
		eg.Go(func() error {
			return d.server.Stop(ctx)
		})
		eg.Go(func() error {
			d.mcpCleanup()
			return nil
		})
		if err := eg.Wait(); err != nil {
			d.log.Warn("Transport shutdown incomplete", zap.Error(err))
		}

		d.manager.Shutdown()

		if d.activity != nil {
			if err := d.activity.Close(); err != nil {
				d.log.Warn("Activity log close failed", zap.Error(err))
			}
		}
		d.tokens.Close()
		d.rollback()

		if err := tracing.Shutdown(ctx); err != nil {
			d.log.Warn("Tracer shutdown failed", zap.Error(err))
		}
		d.log.Info("Daemon stopped")
	})
}

// rollback releases the resources acquired by New, tolerating partial
// assembly. Stop uses it as its final step; New uses it on error paths.
func (d *Daemon) rollback() {
	if d.busCleanup != nil {
		if err := d.busCleanup(); err != nil {
			d.log.Warn("Event bus close failed", zap.Error(err))
		}
		d.busCleanup = nil
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Warn("Store close failed", zap.Error(err))
		}
		d.store = nil
	}
	if d.lock != nil {
		if err := d.lock.Release(); err != nil {
			d.log.Warn("Lock release failed", zap.Error(err))
		}
		d.lock = nil
	}
}
