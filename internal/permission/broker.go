// Package permission tracks pending provider permission requests across
// all agents and collapses provider-side duplicates onto one entry.
package permission

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"sort"
	"sync"

	"github.com/paseo/paseo/pkg/protocol"
)

// Pending is one tracked permission request.
type Pending struct {
	AgentID string
	Request protocol.PermissionRequest

	fingerprint string
}

// Broker is the daemon-wide permission table. It is purely in-memory;
// pending requests do not survive a restart.
type Broker struct {
	mu            sync.Mutex
	byID          map[string]*Pending
	byFingerprint map[string]string
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		byID:          make(map[string]*Pending),
		byFingerprint: make(map[string]string),
	}
}

// Add registers a request for an agent. When an equivalent request is
// already pending for that agent the new id becomes an alias and the
// canonical request is returned with isNew false. Requests arriving
// without an id are minted one derived from their fingerprint.
func (b *Broker) Add(agentID string, req protocol.PermissionRequest) (protocol.PermissionRequest, bool) {
	fp := Fingerprint(agentID, req)
	if req.ID == "" {
		req.ID = "perm-" + fp
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if canonicalID, ok := b.byFingerprint[fp]; ok {
		return b.byID[canonicalID].Request, false
	}

	entry := &Pending{AgentID: agentID, Request: req, fingerprint: fp}
	b.byID[req.ID] = entry
	b.byFingerprint[fp] = req.ID
	return req, true
}

// Get returns the pending entry for id without removing it.
func (b *Broker) Get(id string) (Pending, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.byID[id]
	if !ok {
		return Pending{}, false
	}
	return *entry, true
}

// Resolve removes the entry for id and returns it.
func (b *Broker) Resolve(id string) (Pending, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.byID[id]
	if !ok {
		return Pending{}, false
	}
	b.removeLocked(entry)
	return *entry, true
}

// DropAgent removes every entry of an agent, returning the canonical
// requests that were pending.
func (b *Broker) DropAgent(agentID string) []protocol.PermissionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	var dropped []protocol.PermissionRequest
	seen := make(map[*Pending]bool)
	for _, entry := range b.byID {
		if entry.AgentID != agentID || seen[entry] {
			continue
		}
		seen[entry] = true
		dropped = append(dropped, entry.Request)
	}
	for entry := range seen {
		b.removeLocked(entry)
	}

	sort.Slice(dropped, func(i, j int) bool {
		if !dropped[i].CreatedAt.Equal(dropped[j].CreatedAt) {
			return dropped[i].CreatedAt.Before(dropped[j].CreatedAt)
		}
		return dropped[i].ID < dropped[j].ID
	})
	return dropped
}

// PendingFor returns the canonical requests pending for an agent, oldest
// first.
func (b *Broker) PendingFor(agentID string) []protocol.PermissionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []protocol.PermissionRequest
	seen := make(map[*Pending]bool)
	for _, entry := range b.byID {
		if entry.AgentID != agentID || seen[entry] {
			continue
		}
		seen[entry] = true
		out = append(out, entry.Request)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// HasPending reports whether any request is pending for an agent.
func (b *Broker) HasPending(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, entry := range b.byID {
		if entry.AgentID == agentID {
			return true
		}
	}
	return false
}

func (b *Broker) removeLocked(entry *Pending) {
	delete(b.byID, entry.Request.ID)
	delete(b.byFingerprint, entry.fingerprint)
}

// Fingerprint derives the stable identity of a request within an agent.
// The first present of request id, metadata id, name, or title wins;
// otherwise the kind plus a canonicalized hash of input and metadata.
func Fingerprint(agentID string, req protocol.PermissionRequest) string {
	h := fnv.New64a()
	io.WriteString(h, agentID)
	h.Write([]byte{0})

	switch {
	case req.ID != "":
		io.WriteString(h, "id:"+req.ID)
	case metadataID(req.Metadata) != "":
		io.WriteString(h, "mid:"+metadataID(req.Metadata))
	case req.Name != "":
		io.WriteString(h, "name:"+req.Name)
	case req.Title != "":
		io.WriteString(h, "title:"+req.Title)
	default:
		io.WriteString(h, "kind:"+req.Kind)
		h.Write([]byte{0})
		h.Write(canonicalJSON(req.Input))
		h.Write([]byte{0})
		h.Write(canonicalJSON(req.Metadata))
	}

	return fmt.Sprintf("%016x", h.Sum64())
}

func metadataID(metadata json.RawMessage) string {
	if len(metadata) == 0 {
		return ""
	}
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(metadata, &probe); err != nil {
		return ""
	}
	return probe.ID
}

// canonicalJSON normalizes whitespace and object key order so equivalent
// payloads hash identically. Unparseable payloads hash as raw bytes.
func canonicalJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
