// Package cli implements the paseo command line: a foreground serve mode
// and a set of thin protocol clients that talk to the local daemon over
// its WebSocket endpoint.
package cli

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/paseo/paseo/internal/common/logger"
	"github.com/paseo/paseo/pkg/protocol"
)

// dialTimeout bounds the connect plus greeting exchange.
const dialTimeout = 5 * time.Second

// ErrConnectionLost reports that the daemon dropped the connection while a
// request was in flight.
var ErrConnectionLost = errors.New("connection to daemon lost")

// Client is a thin request/response client over the daemon protocol.
// Frames that are not responses to a pending request land on Events.
type Client struct {
	conn   *websocket.Conn
	logger *logger.Logger

	session protocol.SessionState

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Message

	writeMu sync.Mutex

	events chan *protocol.Message

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the daemon at host:port, waits for the session_state
// greeting, and starts the read loop.
func Dial(ctx context.Context, addr string, log *logger.Logger) (*Client, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon at %s: %w", addr, err)
	}

	c := &Client{
		conn:    conn,
		logger:  log.WithFields(zap.String("component", "cli-client")),
		pending: make(map[string]chan *protocol.Message),
		events:  make(chan *protocol.Message, 256),
		done:    make(chan struct{}),
	}

	// The daemon speaks first.
	_ = conn.SetReadDeadline(time.Now().Add(dialTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("reading daemon greeting: %w", err)
	}
	greeting, err := protocol.DecodeMessage(raw)
	if err != nil || greeting.Type != protocol.TypeSessionState {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected first frame from daemon")
	}
	if err := greeting.ParsePayload(&c.session); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("parsing daemon greeting: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	go c.readLoop()
	return c, nil
}

// Session returns the greeting announced by the daemon at attach.
func (c *Client) Session() protocol.SessionState {
	return c.session
}

// Events delivers frames that are not responses: agent_state, streams,
// activity. The channel closes when the connection drops.
func (c *Client) Events() <-chan *protocol.Message {
	return c.events
}

// Request sends one request and waits for its response. Imperative types
// resolve on the ack; rpc_error frames surface as errors. A non-nil result
// receives the unmarshaled response payload.
func (c *Client) Request(ctx context.Context, msgType string, payload, result any) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	msg.RequestID = uuid.New().String()

	respChan := make(chan *protocol.Message, 1)
	c.pendingMu.Lock()
	c.pending[msg.RequestID] = respChan
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msg.RequestID)
		c.pendingMu.Unlock()
	}()

	frame, err := msg.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("sending %s: %w", msgType, err)
	}

	select {
	case resp := <-respChan:
		if resp.Type == protocol.TypeRPCError {
			var rpcErr protocol.RPCError
			if err := resp.ParsePayload(&rpcErr); err != nil {
				return fmt.Errorf("request failed")
			}
			return fmt.Errorf("%s: %s", rpcErr.Code, rpcErr.Message)
		}
		if result != nil && len(resp.Payload) > 0 {
			if err := resp.ParsePayload(result); err != nil {
				return fmt.Errorf("parsing %s: %w", resp.Type, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnectionLost
	}
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
	return nil
}

func (c *Client) readLoop() {
	defer func() {
		c.closeOnce.Do(func() {
			close(c.done)
			_ = c.conn.Close()
		})
		c.failPending()
		close(c.events)
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.DecodeMessage(raw)
		if err != nil {
			c.logger.Debug("Dropping malformed frame", zap.Error(err))
			continue
		}
		if c.resolve(msg) {
			continue
		}
		select {
		case c.events <- msg:
		default:
			// A command that does not consume events must not wedge the
			// read loop.
		}
	}
}

// resolve routes a frame to the pending request it answers, if any.
func (c *Client) resolve(msg *protocol.Message) bool {
	requestID := msg.RequestID
	if requestID == "" && msg.Type == protocol.TypeRPCError {
		var rpcErr protocol.RPCError
		if msg.ParsePayload(&rpcErr) == nil {
			requestID = rpcErr.RequestID
		}
	}
	if requestID == "" {
		return false
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[requestID]
	delete(c.pending, requestID)
	c.pendingMu.Unlock()
	if ok {
		ch <- msg
	}
	return ok
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id := range c.pending {
		delete(c.pending, id)
	}
}
