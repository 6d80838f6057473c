// Package catalog caches provider model listings. Listing models for a
// subprocess provider spawns its CLI, so repeated catalog requests from
// connected clients are served from a short-lived cache instead. Entries
// are keyed by provider and working directory because some providers
// resolve their model list from project-level configuration.
package catalog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paseo/paseo/internal/common/logger"
	"github.com/paseo/paseo/internal/provider"
	"github.com/paseo/paseo/pkg/protocol"
)

// DefaultTTL is used when the cache is constructed without a TTL.
const DefaultTTL = 15 * time.Second

type entry struct {
	models    []protocol.ModelInfo
	fetchedAt time.Time
}

func (e entry) fresh(ttl time.Duration) bool {
	return time.Since(e.fetchedAt) < ttl
}

// Cache serves model catalog queries through the provider registry,
// remembering successful listings for a short TTL. Failed listings are
// not remembered.
type Cache struct {
	registry *provider.Registry
	ttl      time.Duration
	logger   *logger.Logger

	mu      sync.Mutex
	entries map[string]entry
}

// New returns a cache backed by the registry. A non-positive ttl falls
// back to DefaultTTL.
func New(registry *provider.Registry, ttl time.Duration, log *logger.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		registry: registry,
		ttl:      ttl,
		logger:   log.WithFields(zap.String("component", "model-catalog")),
		entries:  make(map[string]entry),
	}
}

// Models returns the model catalog for a provider. Descriptors with a
// static model list bypass the cache entirely; everything else is served
// from a fresh cache entry or fetched through the provider's factory.
// Concurrent misses may fetch twice, in which case the last result wins.
func (c *Cache) Models(ctx context.Context, providerName, cwd string) ([]protocol.ModelInfo, error) {
	d, f, err := c.registry.Factory(providerName)
	if err != nil {
		return nil, err
	}
	if len(d.Models) > 0 {
		return copyModels(d.Models), nil
	}

	key := cacheKey(providerName, cwd)
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && e.fresh(c.ttl) {
		models := copyModels(e.models)
		c.mu.Unlock()
		return models, nil
	}
	c.mu.Unlock()

	models, err := f.ListModels(ctx, d, cwd)
	if err != nil {
		c.logger.Warn("model catalog fetch failed",
			zap.String("provider", providerName),
			zap.Error(err))
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = entry{models: copyModels(models), fetchedAt: time.Now()}
	c.mu.Unlock()

	c.logger.Debug("model catalog refreshed",
		zap.String("provider", providerName),
		zap.Int("models", len(models)))
	return copyModels(models), nil
}

// Invalidate drops the cached listing for one provider and working
// directory.
func (c *Cache) Invalidate(providerName, cwd string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, cacheKey(providerName, cwd))
}

// Clear drops every cached listing.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// cwd may legitimately be empty for catalog queries made outside any
// project, so the key needs an unambiguous separator.
func cacheKey(providerName, cwd string) string {
	return providerName + "\x00" + cwd
}

func copyModels(models []protocol.ModelInfo) []protocol.ModelInfo {
	out := make([]protocol.ModelInfo, len(models))
	copy(out, models)
	return out
}
