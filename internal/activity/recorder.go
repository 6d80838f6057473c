package activity

import (
	"context"
	"fmt"
	"sync"

	"github.com/paseo/paseo/internal/events"
	"github.com/paseo/paseo/internal/events/bus"
	"github.com/paseo/paseo/pkg/protocol"
)

// recorder derives turn, failure, deletion, and permission entries from
// bus traffic alone. Creation and client entries are recorded directly by
// the surfaces that know about them (sessions, the MCP server).
//
// Status transitions drive the turn entries. The first state event seen
// for an agent only primes the tracker: the daemon republishes every
// agent's state on boot, and those upserts must not replay history into
// the log.
type recorder struct {
	log *Log

	mu         sync.Mutex
	lastStatus map[string]string
}

func (l *Log) watchBus() error {
	r := &recorder{log: l, lastStatus: make(map[string]string)}

	subjects := []struct {
		subject string
		handler bus.EventHandler
	}{
		{events.BuildAgentStateWildcardSubject(), r.onState},
		{events.BuildAgentDeletedWildcardSubject(), r.onDeleted},
		{events.BuildPermissionRequestWildcardSubject(), r.onPermissionRequested},
		{events.BuildPermissionResolvedWildcardSubject(), r.onPermissionResolved},
	}
	for _, s := range subjects {
		sub, err := l.bus.Subscribe(s.subject, s.handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", s.subject, err)
		}
		l.subs = append(l.subs, sub)
	}
	return nil
}

func (r *recorder) onState(ctx context.Context, ev *bus.Event) error {
	var state protocol.AgentState
	if err := bus.DecodeData(ev, &state); err != nil {
		return err
	}
	snap := state.Agent
	if snap.ID == "" || snap.Status == protocol.StatusClosed {
		return nil
	}

	r.mu.Lock()
	prev, seen := r.lastStatus[snap.ID]
	r.lastStatus[snap.ID] = snap.Status
	r.mu.Unlock()

	if !seen {
		return nil
	}
	if prev == snap.Status {
		return nil
	}

	switch snap.Status {
	case protocol.StatusRunning:
		r.log.Record(ctx, KindTurnStarted, snap.ID, "", "turn started")
	case protocol.StatusIdle:
		if prev == protocol.StatusRunning {
			r.log.Record(ctx, KindTurnCompleted, snap.ID, "", "turn completed")
		}
	case protocol.StatusError:
		msg := "turn failed"
		if snap.ErrorMessage != "" {
			msg = "turn failed: " + snap.ErrorMessage
		}
		r.log.Record(ctx, KindTurnFailed, snap.ID, "", msg)
	}
	return nil
}

func (r *recorder) onDeleted(ctx context.Context, ev *bus.Event) error {
	var deleted protocol.AgentDeleted
	if err := bus.DecodeData(ev, &deleted); err != nil {
		return err
	}
	if deleted.AgentID == "" {
		return nil
	}

	r.mu.Lock()
	delete(r.lastStatus, deleted.AgentID)
	r.mu.Unlock()

	r.log.Record(ctx, KindAgentDeleted, deleted.AgentID, "", "agent deleted")
	return nil
}

func (r *recorder) onPermissionRequested(ctx context.Context, ev *bus.Event) error {
	var req protocol.AgentPermissionRequest
	if err := bus.DecodeData(ev, &req); err != nil {
		return err
	}
	label := req.Request.Title
	if label == "" {
		label = req.Request.Name
	}
	msg := "permission requested"
	if label != "" {
		msg = "permission requested: " + label
	}
	r.log.Record(ctx, KindPermissionRequested, req.AgentID, "", msg)
	return nil
}

func (r *recorder) onPermissionResolved(ctx context.Context, ev *bus.Event) error {
	var res protocol.AgentPermissionResolved
	if err := bus.DecodeData(ev, &res); err != nil {
		return err
	}
	msg := "permission resolved"
	switch {
	case res.Resolution.Canceled:
		msg = "permission request withdrawn"
	case res.Resolution.OptionID != "":
		msg = "permission resolved: " + res.Resolution.OptionID
	}
	r.log.Record(ctx, KindPermissionResolved, res.AgentID, "", msg)
	return nil
}
