// Package files mints and redeems the single-use tokens behind
// GET /api/files/download. Tokens live in memory only: a daemon restart
// invalidates anything outstanding, which is the point.
package files

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paseo/paseo/internal/common/errors"
	"github.com/paseo/paseo/internal/common/logger"
	"github.com/paseo/paseo/pkg/protocol"
)

const (
	// tokenTTL is how long a minted token stays redeemable.
	tokenTTL = 5 * time.Minute

	sweepInterval = time.Minute

	// DownloadPath is the HTTP route tokens are redeemed on.
	DownloadPath = "/api/files/download"
)

type grant struct {
	path      string
	expiresAt time.Time
}

// TokenStore is the in-memory TTL map of outstanding download grants.
type TokenStore struct {
	logger *logger.Logger
	ttl    time.Duration

	mu     sync.Mutex
	grants map[string]grant

	done      chan struct{}
	closeOnce sync.Once
}

// NewTokenStore creates a TokenStore and starts its expiry sweep.
func NewTokenStore(log *logger.Logger) *TokenStore {
	s := &TokenStore{
		logger: log.WithFields(zap.String("component", "files")),
		ttl:    tokenTTL,
		grants: make(map[string]grant),
		done:   make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Create validates the requested path and mints a token for it. When root
// is set (the requesting agent's working directory), relative paths are
// joined to it and the result must stay inside it; without a root the
// path must be absolute.
func (s *TokenStore) Create(path, root string) (*protocol.CreateDownloadTokenResponse, error) {
	if path == "" {
		return nil, errors.Invalid("path is required")
	}

	if root != "" {
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		path = filepath.Clean(path)
		cleanRoot := filepath.Clean(root)
		if path != cleanRoot && !strings.HasPrefix(path, cleanRoot+string(os.PathSeparator)) {
			return nil, errors.Invalid("path must stay inside the agent working directory")
		}
	} else {
		if !filepath.IsAbs(path) {
			return nil, errors.Invalid("path must be absolute")
		}
		path = filepath.Clean(path)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("file", path)
		}
		return nil, errors.Internal("failed to stat file", err)
	}
	if info.IsDir() {
		return nil, errors.Invalid("cannot download a directory")
	}

	token, err := mintToken()
	if err != nil {
		return nil, errors.Internal("failed to mint download token", err)
	}
	expiresAt := time.Now().UTC().Add(s.ttl)

	s.mu.Lock()
	s.grants[token] = grant{path: path, expiresAt: expiresAt}
	s.mu.Unlock()

	s.logger.Debug("minted download token", zap.String("path", path))
	return &protocol.CreateDownloadTokenResponse{
		Token:     token,
		URL:       DownloadPath + "?token=" + token,
		ExpiresAt: expiresAt,
	}, nil
}

// Redeem consumes a token and returns the granted file path. A token is
// gone after the first attempt whether or not it was still fresh.
func (s *TokenStore) Redeem(token string) (string, error) {
	s.mu.Lock()
	g, ok := s.grants[token]
	if ok {
		delete(s.grants, token)
	}
	s.mu.Unlock()

	if !ok || time.Now().After(g.expiresAt) {
		return "", errors.Unauthorized("invalid or expired download token")
	}
	return g.path, nil
}

// Close stops the expiry sweep.
func (s *TokenStore) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

func (s *TokenStore) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *TokenStore) sweep() {
	now := time.Now()
	s.mu.Lock()
	for token, g := range s.grants {
		if now.After(g.expiresAt) {
			delete(s.grants, token)
		}
	}
	s.mu.Unlock()
}

func mintToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
