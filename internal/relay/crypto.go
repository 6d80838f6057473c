package relay

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/nacl/box"

	"github.com/paseo/paseo/internal/pairing"
	"github.com/paseo/paseo/internal/session"
)

// handshakeVersion tags the hello frames so the scheme can evolve.
const handshakeVersion = 1

const (
	nonceSize     = 24
	challengeSize = 32
)

// clientHello is the first frame on a data socket. The sealed challenge
// is encrypted to the daemon's static public key: only a client that got
// the key from a pairing offer can produce it, and only the daemon can
// open it.
type clientHello struct {
	V         int    `json:"v"`
	PublicKey string `json:"publicKey"` // client's ephemeral X25519 key
	Sealed    string `json:"sealed"`    // nonce || box(challenge)
}

// serverHello echoes the challenge sealed back to the client, proving
// the daemon holds the secret half of the offered key.
type serverHello struct {
	V      int    `json:"v"`
	Sealed string `json:"sealed"`
}

// seal encrypts a payload with a fresh random nonce, producing
// nonce || ciphertext.
func seal(payload []byte, shared *[32]byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	out := make([]byte, nonceSize, nonceSize+len(payload)+box.Overhead)
	copy(out, nonce[:])
	return box.SealAfterPrecomputation(out, payload, &nonce, shared), nil
}

// open decrypts a nonce || ciphertext frame.
func open(frame []byte, shared *[32]byte) ([]byte, error) {
	if len(frame) < nonceSize+box.Overhead {
		return nil, fmt.Errorf("sealed frame too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], frame[:nonceSize])
	payload, ok := box.OpenAfterPrecomputation(nil, frame[nonceSize:], &nonce, shared)
	if !ok {
		return nil, fmt.Errorf("sealed frame failed to open")
	}
	return payload, nil
}

// ServerHandshake runs the daemon side of the E2EE handshake on a fresh
// data socket and returns the encrypted channel. The caller closes the
// socket with 1011 on error.
func ServerHandshake(conn session.Conn, kp *pairing.KeyPair) (session.Conn, error) {
	data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading client hello: %w", err)
	}
	var hello clientHello
	if err := json.Unmarshal(data, &hello); err != nil {
		return nil, fmt.Errorf("invalid client hello: %w", err)
	}
	if hello.V != handshakeVersion {
		return nil, fmt.Errorf("unsupported handshake version %d", hello.V)
	}

	clientPub, err := decodeKey(hello.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid client key: %w", err)
	}

	var shared [32]byte
	box.Precompute(&shared, clientPub, &kp.SecretKey)

	sealed, err := base64.StdEncoding.DecodeString(hello.Sealed)
	if err != nil {
		return nil, fmt.Errorf("invalid sealed challenge: %w", err)
	}
	challenge, err := open(sealed, &shared)
	if err != nil {
		return nil, fmt.Errorf("challenge did not open: %w", err)
	}
	if len(challenge) != challengeSize {
		return nil, fmt.Errorf("challenge has wrong size")
	}

	echo, err := seal(challenge, &shared)
	if err != nil {
		return nil, err
	}
	reply, err := json.Marshal(serverHello{
		V:      handshakeVersion,
		Sealed: base64.StdEncoding.EncodeToString(echo),
	})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(reply); err != nil {
		return nil, fmt.Errorf("writing server hello: %w", err)
	}

	return &secureConn{inner: conn, shared: shared}, nil
}

// ClientHandshake runs the client side against a daemon whose public key
// came from a pairing offer.
func ClientHandshake(conn session.Conn, daemonPublicKey *[32]byte) (session.Conn, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	var shared [32]byte
	box.Precompute(&shared, daemonPublicKey, priv)

	challenge := make([]byte, challengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, err
	}
	sealed, err := seal(challenge, &shared)
	if err != nil {
		return nil, err
	}

	hello, err := json.Marshal(clientHello{
		V:         handshakeVersion,
		PublicKey: base64.StdEncoding.EncodeToString(pub[:]),
		Sealed:    base64.StdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(hello); err != nil {
		return nil, fmt.Errorf("writing client hello: %w", err)
	}

	data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading server hello: %w", err)
	}
	var reply serverHello
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("invalid server hello: %w", err)
	}
	echoSealed, err := base64.StdEncoding.DecodeString(reply.Sealed)
	if err != nil {
		return nil, fmt.Errorf("invalid sealed echo: %w", err)
	}
	echo, err := open(echoSealed, &shared)
	if err != nil {
		return nil, fmt.Errorf("echo did not open: %w", err)
	}
	if string(echo) != string(challenge) {
		return nil, fmt.Errorf("daemon failed the challenge")
	}

	return &secureConn{inner: conn, shared: shared}, nil
}

func decodeKey(encoded string) (*[32]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}

// secureConn seals every frame with the precomputed shared key. It
// satisfies the session transport so an encrypted relay client attaches
// exactly like a local WebSocket one.
type secureConn struct {
	inner  session.Conn
	shared [32]byte
}

func (c *secureConn) ReadMessage() ([]byte, error) {
	frame, err := c.inner.ReadMessage()
	if err != nil {
		return nil, err
	}
	return open(frame, &c.shared)
}

func (c *secureConn) WriteMessage(data []byte) error {
	frame, err := seal(data, &c.shared)
	if err != nil {
		return err
	}
	return c.inner.WriteMessage(frame)
}

func (c *secureConn) Ping() error {
	return c.inner.Ping()
}

func (c *secureConn) Close(code int, reason string) error {
	return c.inner.Close(code, reason)
}
