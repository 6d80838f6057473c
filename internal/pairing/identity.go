// Package pairing owns the daemon's durable identity: the server id that
// names this installation across restarts and the NaCl keypair the relay
// handshake authenticates with. Both are minted on first run and never
// again; a reconnect or restart always reuses what is on disk.
package pairing

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/box"
)

const (
	serverIDFile = "server-id"
	keyPairFile  = "daemon-keypair.json"

	// keyPairVersion is the on-disk format version. v1 files (a historic
	// format) are rejected as unrecoverable rather than silently re-minted,
	// since re-minting would orphan every paired client.
	keyPairVersion = 2
)

// KeyPair is the daemon's long-lived NaCl box keypair.
type KeyPair struct {
	PublicKey [32]byte
	SecretKey [32]byte
}

// PublicKeyB64 returns the standard-base64 public key as it appears in
// pairing offers.
func (k *KeyPair) PublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(k.PublicKey[:])
}

type keyPairFileV2 struct {
	V            int    `json:"v"`
	PublicKeyB64 string `json:"publicKeyB64"`
	SecretKeyB64 string `json:"secretKeyB64"`
}

// Identity is the daemon's persisted identity.
type Identity struct {
	ServerID string
	KeyPair  *KeyPair
}

// LoadIdentity reads the server id and keypair from the home directory,
// minting whichever is missing. A present but unreadable keypair is a
// fatal condition: the caller must not start with a fresh identity.
func LoadIdentity(home string) (*Identity, error) {
	serverID, err := loadOrMintServerID(filepath.Join(home, serverIDFile))
	if err != nil {
		return nil, err
	}
	kp, err := loadOrMintKeyPair(filepath.Join(home, keyPairFile))
	if err != nil {
		return nil, err
	}
	return &Identity{ServerID: serverID, KeyPair: kp}, nil
}

func loadOrMintServerID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("reading server id: %w", err)
	}

	id := uuid.New().String()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("writing server id: %w", err)
	}
	return id, nil
}

func loadOrMintKeyPair(path string) (*KeyPair, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return parseKeyPair(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading daemon keypair: %w", err)
	}

	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating daemon keypair: %w", err)
	}
	kp := &KeyPair{PublicKey: *pub, SecretKey: *sec}

	out, err := json.MarshalIndent(keyPairFileV2{
		V:            keyPairVersion,
		PublicKeyB64: base64.StdEncoding.EncodeToString(kp.PublicKey[:]),
		SecretKeyB64: base64.StdEncoding.EncodeToString(kp.SecretKey[:]),
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding daemon keypair: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return nil, fmt.Errorf("writing daemon keypair: %w", err)
	}
	return kp, nil
}

func parseKeyPair(data []byte) (*KeyPair, error) {
	var f keyPairFileV2
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("daemon keypair file is corrupt: %w", err)
	}
	if f.V != keyPairVersion {
		return nil, fmt.Errorf("daemon keypair file has unsupported version %d", f.V)
	}
	pub, err := base64.StdEncoding.DecodeString(f.PublicKeyB64)
	if err != nil || len(pub) != 32 {
		return nil, fmt.Errorf("daemon keypair public key is corrupt")
	}
	sec, err := base64.StdEncoding.DecodeString(f.SecretKeyB64)
	if err != nil || len(sec) != 32 {
		return nil, fmt.Errorf("daemon keypair secret key is corrupt")
	}
	kp := &KeyPair{}
	copy(kp.PublicKey[:], pub)
	copy(kp.SecretKey[:], sec)
	return kp, nil
}
