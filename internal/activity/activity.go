// Package activity keeps the daemon-wide activity feed: a SQLite-backed
// log of agent lifecycle, turns, permission traffic, and client sessions.
// Entries are broadcast on the event bus as they land so connected clients
// can tail the feed live.
package activity

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paseo/paseo/internal/common/config"
	"github.com/paseo/paseo/internal/common/logger"
	"github.com/paseo/paseo/internal/db"
	"github.com/paseo/paseo/internal/events"
	"github.com/paseo/paseo/internal/events/bus"
	"github.com/paseo/paseo/pkg/protocol"
)

// Entry kinds.
const (
	KindAgentCreated        = "agent_created"
	KindAgentDeleted        = "agent_deleted"
	KindTurnStarted         = "turn_started"
	KindTurnCompleted       = "turn_completed"
	KindTurnFailed          = "turn_failed"
	KindPermissionRequested = "permission_requested"
	KindPermissionResolved  = "permission_resolved"
	KindClientConnected     = "client_connected"
	KindClientDisconnected  = "client_disconnected"
)

const (
	eventSource = "activity"

	defaultFetchTail = 200
	maxFetchTail     = 1000

	sweepInterval = time.Hour
)

// Log records activity entries, serves fetch requests, and prunes old
// rows per the retention policy.
type Log struct {
	store     *Store
	pool      *db.Pool
	bus       bus.EventBus
	logger    *logger.Logger
	retention time.Duration

	subs []bus.Subscription

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open opens the activity database under cfg.DBPath (falling back to
// activity.db in the daemon home), wires the bus recorder, and starts the
// retention sweep. Callers are expected to honor cfg.Enabled themselves.
func Open(cfg config.ActivityConfig, home string, eventBus bus.EventBus, log *logger.Logger) (*Log, error) {
	path := cfg.DBPath
	if path == "" {
		path = filepath.Join(home, "activity.db")
	}
	pool, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open activity database: %w", err)
	}
	store, err := NewStore(pool)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}

	l := &Log{
		store:  store,
		pool:   pool,
		bus:    eventBus,
		logger: log,
		done:   make(chan struct{}),
	}
	if cfg.RetentionDays > 0 {
		l.retention = time.Duration(cfg.RetentionDays) * 24 * time.Hour
	}

	if err := l.watchBus(); err != nil {
		_ = l.Close()
		return nil, err
	}
	l.startSweep()
	return l, nil
}

// Record appends one entry and broadcasts it. The activity log is a side
// channel: failures are logged, never surfaced to the action that caused
// the entry.
func (l *Log) Record(ctx context.Context, kind, agentID, clientID, message string) {
	entry := protocol.ActivityEntry{
		Kind:     kind,
		AgentID:  agentID,
		ClientID: clientID,
		Message:  message,
	}
	if err := l.store.Insert(ctx, &entry); err != nil {
		l.logger.Warn("Failed to record activity entry",
			zap.String("kind", kind),
			zap.Error(err))
		return
	}

	ev := bus.NewEvent(events.ActivityLogged, eventSource, protocol.ActivityLog{Entry: entry})
	if err := l.bus.Publish(ctx, events.SubjectActivity, ev); err != nil {
		l.logger.Warn("Failed to broadcast activity entry", zap.Error(err))
	}
}

// Fetch serves one page of the feed, newest entries, oldest first.
func (l *Log) Fetch(ctx context.Context, req *protocol.FetchActivityRequest) (*protocol.FetchActivityResponse, error) {
	tail := req.Tail
	if tail <= 0 {
		tail = defaultFetchTail
	}
	if tail > maxFetchTail {
		tail = maxFetchTail
	}
	entries, err := l.store.List(ctx, Query{Tail: tail, AgentID: req.AgentID, Filter: req.Filter})
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	if entries == nil {
		entries = []protocol.ActivityEntry{}
	}
	return &protocol.FetchActivityResponse{Entries: entries}, nil
}

// startSweep prunes expired entries hourly. A zero retention disables
// pruning.
func (l *Log) startSweep() {
	if l.retention <= 0 {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			l.sweep()
			select {
			case <-l.done:
				return
			case <-ticker.C:
			}
		}
	}()
}

func (l *Log) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().UTC().Add(-l.retention)
	pruned, err := l.store.Prune(ctx, cutoff)
	if err != nil {
		l.logger.Warn("Activity retention sweep failed", zap.Error(err))
		return
	}
	if pruned > 0 {
		l.logger.Debug("Pruned activity entries",
			zap.Int64("count", pruned),
			zap.Time("cutoff", cutoff))
	}
}

// Close stops the recorder and sweep and closes the database.
func (l *Log) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	for _, sub := range l.subs {
		_ = sub.Unsubscribe()
	}
	l.subs = nil
	l.wg.Wait()
	return l.pool.Close()
}
