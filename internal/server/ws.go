package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/paseo/paseo/internal/session"
	"github.com/paseo/paseo/pkg/protocol"
)

const (
	// writeWait is the deadline for a single outbound frame.
	writeWait = 10 * time.Second

	// pongWait is how long a silent peer stays considered alive. The
	// session pings well inside this window.
	pongWait = 90 * time.Second
)

// handleWS upgrades the connection and hands it to a session.
func (s *Server) handleWS(c *gin.Context) {
	upgrader := gorillaws.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r.Header.Get("Origin"), s.cfg.AllowedOrigins)
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	sess := session.Attach(newWSConn(conn), s.sessions)
	s.logger.Debug("WebSocket client connected",
		zap.String("client_id", sess.ID()),
		zap.String("remote_addr", c.Request.RemoteAddr))
	sess.Run()
}

// wsConn adapts a gorilla connection to the session transport.
type wsConn struct {
	conn *gorillaws.Conn

	// writeMu covers control frames Close may send off the writer
	// goroutine.
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSConn(conn *gorillaws.Conn) *wsConn {
	conn.SetReadLimit(protocol.MaxFrameSize + 1)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &wsConn{conn: conn}
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType == gorillaws.TextMessage {
			return data, nil
		}
		// Binary frames are not part of the protocol; skip them.
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(gorillaws.TextMessage, data)
}

func (c *wsConn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(gorillaws.PingMessage, nil)
}

func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(gorillaws.CloseMessage,
			gorillaws.FormatCloseMessage(code, reason))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
