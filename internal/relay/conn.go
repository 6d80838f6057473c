package relay

import (
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/paseo/paseo/pkg/protocol"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 90 * time.Second
)

// relayConn carries sealed frames over a data socket. Frames are binary:
// nonce || ciphertext is not text, and the rendezvous never needs to
// parse them.
type relayConn struct {
	conn *gorillaws.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newRelayConn(conn *gorillaws.Conn) *relayConn {
	// Sealing adds a fixed overhead on top of the protocol frame limit.
	conn.SetReadLimit(protocol.MaxFrameSize + 1024)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &relayConn{conn: conn}
}

func (c *relayConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType == gorillaws.BinaryMessage || msgType == gorillaws.TextMessage {
			return data, nil
		}
	}
}

func (c *relayConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(gorillaws.BinaryMessage, data)
}

func (c *relayConn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(gorillaws.PingMessage, nil)
}

func (c *relayConn) Close(code int, reason string) error {
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
