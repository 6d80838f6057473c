package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/paseo/paseo/internal/common/logger"
)

// Store bundles the registry with per-agent timeline logs under
// <home>/agents.
type Store struct {
	root     string
	opts     TimelineOptions
	logger   *logger.Logger
	registry *Registry

	mu        sync.Mutex
	timelines map[string]*TimelineLog
}

// Open initializes the store under home, creating directories as needed.
func Open(home string, opts TimelineOptions, log *logger.Logger) (*Store, error) {
	root := filepath.Join(home, "agents")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create agents dir: %w", err)
	}

	registry, err := OpenRegistry(filepath.Join(root, "registry.json"), log)
	if err != nil {
		return nil, err
	}

	return &Store{
		root:      root,
		opts:      opts,
		logger:    log,
		registry:  registry,
		timelines: make(map[string]*TimelineLog),
	}, nil
}

// Registry returns the agent registry.
func (s *Store) Registry() *Registry {
	return s.registry
}

// Timeline returns the timeline log for an agent, opening it on first use.
func (s *Store) Timeline(agentID string) (*TimelineLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.timelines[agentID]; ok {
		return l, nil
	}

	l, err := OpenTimeline(filepath.Join(s.root, agentID), s.opts)
	if err != nil {
		return nil, fmt.Errorf("open timeline for agent %s: %w", agentID, err)
	}
	s.timelines[agentID] = l
	return l, nil
}

// DropTimeline destroys an agent's timeline data.
func (s *Store) DropTimeline(agentID string) error {
	s.mu.Lock()
	l, ok := s.timelines[agentID]
	delete(s.timelines, agentID)
	s.mu.Unlock()

	if ok {
		return l.Destroy()
	}
	return os.RemoveAll(filepath.Join(s.root, agentID))
}

// Close closes all open timeline logs.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for id, l := range s.timelines {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close timeline %s: %w", id, err)
		}
	}
	s.timelines = make(map[string]*TimelineLog)
	return firstErr
}
