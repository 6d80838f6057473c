package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paseo/paseo/internal/activity"
	"github.com/paseo/paseo/internal/agent/manager"
	"github.com/paseo/paseo/internal/checkout"
	"github.com/paseo/paseo/internal/common/logger"
	"github.com/paseo/paseo/internal/events/bus"
	"github.com/paseo/paseo/internal/fileexplorer"
	"github.com/paseo/paseo/internal/files"
	"github.com/paseo/paseo/internal/guard"
	"github.com/paseo/paseo/internal/notify"
	"github.com/paseo/paseo/internal/voice"
	"github.com/paseo/paseo/pkg/protocol"
)

const (
	// pingPeriod is the transport keepalive cadence. It sits inside the
	// registry's staleness window so a healthy but idle client is never
	// marked stale.
	pingPeriod = 54 * time.Second

	// defaultOutboxSize bounds the outbound queue when Deps leaves
	// OutboxSize unset.
	defaultOutboxSize = 256

	// defaultRequestTimeout bounds one request's work when Deps leaves
	// RequestTimeout unset.
	defaultRequestTimeout = 10 * time.Second
)

// Deps carries the daemon services a session routes requests to.
type Deps struct {
	Manager  *manager.Manager
	Bus      bus.EventBus
	Activity *activity.Log
	Checkout *checkout.Inspector
	Explorer *fileexplorer.Explorer
	Tokens   *files.TokenStore
	Voice    voice.Engines
	Guard    *guard.Guard
	Registry *Registry
	Logger   *logger.Logger

	ServerID      string
	DaemonVersion string

	OutboxSize     int
	RequestTimeout time.Duration
}

// Session is one attached client.
type Session struct {
	id   string
	conn Conn
	deps Deps

	logger *logger.Logger
	out    *outbox

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards the client UX state and the subscription tables.
	mu             sync.Mutex
	deviceType     string
	appVisible     bool
	focusedAgentID string
	lastSeenAt     time.Time

	streams      map[string]*manager.StreamSubscription
	directory    []bus.Subscription
	directoryID  string
	requestTimer time.Duration

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// Attach creates a session over an accepted transport, registers it, and
// starts the writer. The caller runs Run to pump inbound frames.
func Attach(conn Conn, deps Deps) *Session {
	if deps.OutboxSize <= 0 {
		deps.OutboxSize = defaultOutboxSize
	}
	timeout := deps.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:           uuid.New().String(),
		conn:         conn,
		deps:         deps,
		out:          newOutbox(deps.OutboxSize),
		ctx:          ctx,
		cancel:       cancel,
		lastSeenAt:   time.Now(),
		streams:      make(map[string]*manager.StreamSubscription),
		requestTimer: timeout,
		closed:       make(chan struct{}),
	}
	s.logger = deps.Logger.WithClientID(s.id)

	deps.Registry.add(s)
	if deps.Activity != nil {
		deps.Activity.Record(ctx, activity.KindClientConnected, "", s.id, "client connected")
	}

	go s.writeLoop()
	s.sendEvent(protocol.TypeSessionState, protocol.SessionState{
		ClientID:      s.id,
		ServerID:      deps.ServerID,
		DaemonVersion: deps.DaemonVersion,
	}, true)

	s.logger.Info("Client attached")
	return s
}

// ID returns the session's client id.
func (s *Session) ID() string {
	return s.id
}

// Run pumps inbound frames until the transport fails or the session is
// shut down. It always leaves the session fully detached.
func (s *Session) Run() {
	defer s.shutdown(CloseNormal, "")

	for {
		data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			s.logger.Warn("Protocol violation, closing", zap.Error(err))
			s.shutdown(CloseProtocolError, "invalid frame")
			return
		}

		s.touch()
		s.dispatch(msg)
	}
}

// touch refreshes the heartbeat clock.
func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeenAt = time.Now()
	s.mu.Unlock()
}

// dispatch runs one inbound message on its own goroutine so a slow
// handler (a diff of a large working tree) never stalls the heartbeat.
// Each handler gets a context that dies with the session.
func (s *Session) dispatch(msg *protocol.Message) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.requestTimer)
		defer cancel()
		s.handleMessage(ctx, msg)
	}()
}

// writeLoop is the session's single writer. Every frame leaves through
// here; the keepalive rides the same goroutine.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			if err := s.conn.Ping(); err != nil {
				s.shutdown(CloseNormal, "")
				return
			}
		case <-s.out.wake():
			for {
				m, ok := s.out.pop()
				if !ok {
					break
				}
				if err := s.conn.WriteMessage(m.data); err != nil {
					s.logger.Debug("Write failed, closing session", zap.Error(err))
					s.shutdown(CloseNormal, "")
					return
				}
			}
		}
	}
}

// enqueue pushes an encoded frame into the outbox. An overflow that would
// lose a critical frame closes the session; the client resynchronizes
// from snapshots on reconnect.
func (s *Session) enqueue(msg *protocol.Message, critical bool) {
	data, err := msg.Encode()
	if err != nil {
		s.logger.Error("Could not encode outbound message",
			zap.String("type", msg.Type),
			zap.Error(err))
		return
	}
	if err := s.out.push(outMsg{data: data, critical: critical}); err != nil {
		s.logger.Warn("Outbox overflow on critical event, closing session",
			zap.Uint64("dropped", s.out.droppedCount()))
		s.shutdown(CloseInternalError, "outbox overflow")
	}
}

func (s *Session) sendEvent(eventType string, payload any, critical bool) {
	msg, err := protocol.NewEvent(eventType, payload)
	if err != nil {
		s.logger.Error("Could not build event", zap.String("type", eventType), zap.Error(err))
		return
	}
	s.enqueue(msg, critical)
}

func (s *Session) sendResponse(responseType, requestID string, payload any) {
	msg, err := protocol.NewResponse(responseType, requestID, payload)
	if err != nil {
		s.logger.Error("Could not build response", zap.String("type", responseType), zap.Error(err))
		return
	}
	s.enqueue(msg, true)
}

// clientState projects this session into the notification policy's view.
func (s *Session) clientState(now time.Time, staleAfter time.Duration) notify.ClientState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return notify.ClientState{
		DeviceType:     s.deviceType,
		AppVisible:     s.appVisible,
		FocusedAgentID: s.focusedAgentID,
		Stale:          now.Sub(s.lastSeenAt) > staleAfter,
	}
}

// shutdown detaches the session exactly once: live subscriptions go away,
// in-flight requests are canceled, and the transport is closed.
func (s *Session) shutdown(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.cancel()

		s.mu.Lock()
		streams := s.streams
		s.streams = make(map[string]*manager.StreamSubscription)
		directory := s.directory
		s.directory = nil
		s.mu.Unlock()

		for _, sub := range streams {
			sub.Close()
		}
		for _, sub := range directory {
			_ = sub.Unsubscribe()
		}

		s.out.close()
		_ = s.conn.Close(code, reason)
		s.deps.Registry.remove(s.id)

		if s.deps.Activity != nil {
			s.deps.Activity.Record(context.Background(), activity.KindClientDisconnected, "", s.id, "client disconnected")
		}

		// Waiting synchronously would deadlock when a handler goroutine is
		// the one shutting the session down.
		go func() {
			s.wg.Wait()
			s.logger.Info("Client detached",
				zap.Uint64("dropped_frames", s.out.droppedCount()))
		}()
	})
}
