// Package store persists the daemon's durable state: the agent registry
// as a single atomically rewritten JSON document, and one append-only
// segmented timeline log per agent.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paseo/paseo/internal/common/logger"
	"github.com/paseo/paseo/pkg/protocol"
)

// AgentRecord is the durable form of an agent. Volatile state (live
// status, pending permissions) is reconstructed at runtime.
type AgentRecord struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	Cwd       string    `json:"cwd"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	LastActivityAt    time.Time `json:"lastActivityAt,omitempty"`
	LastUserMessageAt time.Time `json:"lastUserMessageAt,omitempty"`

	Title  string            `json:"title,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`

	// LastStatus is the status to expose after a restart, never the
	// volatile status at crash time.
	LastStatus string `json:"lastStatus"`

	LastModeID string `json:"lastModeId,omitempty"`

	Config protocol.AgentRuntimeConfig `json:"config"`
	Usage  protocol.Usage              `json:"usage,omitempty"`

	// Persistence is the provider session handle used to resume the
	// session in a later daemon run. Empty when the provider has none.
	Persistence string `json:"persistence,omitempty"`

	// ArchivedAt marks a soft-deleted agent.
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
}

// Registry is the on-disk agent directory. Every mutation rewrites the
// whole document atomically; the file is small (one record per agent).
type Registry struct {
	path   string
	logger *logger.Logger

	mu      sync.Mutex
	records map[string]AgentRecord
}

// OpenRegistry loads the registry at path, creating an empty one when the
// file does not exist. Corrupt documents are recovered record by record.
func OpenRegistry(path string, log *logger.Logger) (*Registry, error) {
	r := &Registry{
		path:    path,
		logger:  log,
		records: make(map[string]AgentRecord),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}

	raws, ok := parseRecordArray(data)
	if !ok {
		log.Error("agent registry unreadable, starting empty", zap.String("path", path))
		return r, nil
	}

	for _, raw := range raws {
		var rec AgentRecord
		if err := json.Unmarshal(raw, &rec); err != nil || rec.ID == "" {
			log.Warn("skipping invalid registry record",
				zap.Error(err), zap.Int("bytes", len(raw)))
			continue
		}
		r.records[rec.ID] = rec
	}
	return r, nil
}

// parseRecordArray parses the registry document, falling back to the
// outer bracket pair when a torn write left trailing garbage.
func parseRecordArray(data []byte) ([]json.RawMessage, bool) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err == nil {
		return raws, true
	}

	start := bytes.IndexByte(data, '[')
	if start < 0 {
		return nil, false
	}
	sub := data[start:]
	end := bytes.LastIndexByte(sub, ']')
	for end > 0 {
		if err := json.Unmarshal(sub[:end+1], &raws); err == nil {
			return raws, true
		}
		end = bytes.LastIndexByte(sub[:end], ']')
	}
	return nil, false
}

// List returns all records ordered by creation time.
func (r *Registry) List() []AgentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]AgentRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns the record for an agent.
func (r *Registry) Get(id string) (AgentRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Put upserts a record and rewrites the document.
func (r *Registry) Put(rec AgentRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("registry record requires an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.ID] = rec
	return r.flushLocked()
}

// Delete removes a record and rewrites the document. Deleting an unknown
// id is a no-op.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return nil
	}
	delete(r.records, id)
	return r.flushLocked()
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func (r *Registry) flushLocked() error {
	out := make([]AgentRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	data = append(data, '\n')

	if err := WriteFileAtomic(r.path, data, 0o644); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}
