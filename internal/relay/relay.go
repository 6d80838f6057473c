// Package relay keeps the daemon reachable without inbound ports: an
// outbound control socket to the rendezvous endpoint announces presence,
// and per-client data sockets carry end-to-end encrypted sessions the
// rendezvous cannot read.
package relay

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/paseo/paseo/internal/common/config"
	"github.com/paseo/paseo/internal/common/logger"
	"github.com/paseo/paseo/internal/pairing"
	"github.com/paseo/paseo/internal/session"
)

const (
	// initialBackoff and maxBackoff bound the control reconnect loop.
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second

	dialTimeout = 10 * time.Second
)

// controlMessage is what the rendezvous sends on the control socket.
type controlMessage struct {
	Type     string   `json:"type"` // sync, client_connected, client_disconnected
	ClientID string   `json:"clientId,omitempty"`
	Clients  []string `json:"clients,omitempty"` // present on sync
}

const (
	controlSync               = "sync"
	controlClientConnected    = "client_connected"
	controlClientDisconnected = "client_disconnected"
)

// Controller owns the control socket and the per-client tunnels.
type Controller struct {
	cfg      config.RelayConfig
	identity *pairing.Identity
	sessions session.Deps
	logger   *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	tunnels map[string]*tunnel
}

// tunnel is the bookkeeping handle for one data socket.
type tunnel struct {
	cancel context.CancelFunc
}

// New creates a relay controller. The identity is the durable one from
// disk; it is never re-minted, no matter how many times the relay drops.
func New(cfg config.RelayConfig, id *pairing.Identity, sessions session.Deps, log *logger.Logger) *Controller {
	return &Controller{
		cfg:      cfg,
		identity: id,
		sessions: sessions,
		logger:   log.WithFields(zap.String("component", "relay")),
		tunnels:  make(map[string]*tunnel),
	}
}

// Start launches the control loop in the background.
func (c *Controller) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.controlLoop()
}

// Stop tears the control loop and every tunnel down and waits for them.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *Controller) controlLoop() {
	defer c.wg.Done()

	backoff := initialBackoff
	for {
		if c.ctx.Err() != nil {
			return
		}

		conn, err := c.dialControl()
		if err != nil {
			c.logger.Warn("Relay control dial failed, retrying",
				zap.Error(err),
				zap.Duration("backoff", backoff))
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		c.logger.Info("Relay control connected",
			zap.String("endpoint", c.cfg.Endpoint))
		backoff = initialBackoff
		c.runControl(conn)
		c.closeAllTunnels()
	}
}

func (c *Controller) dialControl() (*gorillaws.Conn, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("role", "server")
	q.Set("serverId", c.identity.ServerID)
	u.RawQuery = q.Encode()

	dialer := *gorillaws.DefaultDialer
	dialer.HandshakeTimeout = dialTimeout
	conn, _, err := dialer.DialContext(c.ctx, u.String(), nil)
	return conn, err
}

// runControl consumes control messages until the socket dies.
func (c *Controller) runControl(conn *gorillaws.Conn) {
	defer conn.Close()

	// Unblock the read when the controller stops.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-c.ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("Relay control socket lost", zap.Error(err))
			}
			return
		}

		var msg controlMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("Invalid relay control message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case controlSync:
			c.reconcile(msg.Clients)
		case controlClientConnected:
			c.ensureTunnel(msg.ClientID)
		case controlClientDisconnected:
			c.closeTunnel(msg.ClientID)
		default:
			c.logger.Debug("Unknown relay control type",
				zap.String("type", msg.Type))
		}
	}
}

// reconcile matches the tunnel set to the rendezvous' view of connected
// clients.
func (c *Controller) reconcile(clients []string) {
	want := make(map[string]bool, len(clients))
	for _, id := range clients {
		want[id] = true
	}

	c.mu.Lock()
	var gone []string
	for id := range c.tunnels {
		if !want[id] {
			gone = append(gone, id)
		}
	}
	c.mu.Unlock()

	for _, id := range gone {
		c.closeTunnel(id)
	}
	for _, id := range clients {
		c.ensureTunnel(id)
	}
}

// ensureTunnel opens a data socket for the client unless one is already
// running.
func (c *Controller) ensureTunnel(clientID string) {
	if clientID == "" {
		return
	}

	c.mu.Lock()
	if _, exists := c.tunnels[clientID]; exists {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(c.ctx)
	tn := &tunnel{cancel: cancel}
	c.tunnels[clientID] = tn
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.dropTunnel(clientID, tn)
		c.runTunnel(ctx, clientID)
	}()
}

func (c *Controller) runTunnel(ctx context.Context, clientID string) {
	log := c.logger.WithFields(zap.String("relay_client_id", clientID))

	conn, err := c.dialData(ctx, clientID)
	if err != nil {
		log.Warn("Relay data dial failed", zap.Error(err))
		return
	}

	raw := newRelayConn(conn)
	secure, err := ServerHandshake(raw, c.identity.KeyPair)
	if err != nil {
		log.Warn("Relay handshake failed", zap.Error(err))
		_ = raw.Close(session.CloseInternalError, "handshake failed")
		return
	}

	log.Info("Relay tunnel established")
	sess := session.Attach(secure, c.sessions)

	// Tear the session down when the tunnel is told to go away.
	go func() {
		<-ctx.Done()
		_ = secure.Close(session.CloseNormal, "relay tunnel closed")
	}()

	sess.Run()
	log.Debug("Relay tunnel closed")
}

func (c *Controller) dialData(ctx context.Context, clientID string) (*gorillaws.Conn, error) {
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("role", "server")
	q.Set("serverId", c.identity.ServerID)
	q.Set("clientId", clientID)
	u.RawQuery = q.Encode()

	dialer := *gorillaws.DefaultDialer
	dialer.HandshakeTimeout = dialTimeout
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	return conn, err
}

func (c *Controller) closeTunnel(clientID string) {
	c.mu.Lock()
	tn, ok := c.tunnels[clientID]
	c.mu.Unlock()
	if ok {
		tn.cancel()
	}
}

// dropTunnel removes the bookkeeping entry once a tunnel goroutine ends,
// but only if it still owns it.
func (c *Controller) dropTunnel(clientID string, tn *tunnel) {
	tn.cancel()
	c.mu.Lock()
	if current, ok := c.tunnels[clientID]; ok && current == tn {
		delete(c.tunnels, clientID)
	}
	c.mu.Unlock()
}

func (c *Controller) closeAllTunnels() {
	c.mu.Lock()
	tunnels := make([]*tunnel, 0, len(c.tunnels))
	for _, tn := range c.tunnels {
		tunnels = append(tunnels, tn)
	}
	c.tunnels = make(map[string]*tunnel)
	c.mu.Unlock()

	for _, tn := range tunnels {
		tn.cancel()
	}
}
