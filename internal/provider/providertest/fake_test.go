package providertest

import (
	"context"
	"testing"
	"time"

	"github.com/paseo/paseo/internal/provider"
	"github.com/paseo/paseo/pkg/protocol"
)

func TestFactory_TracksClientsByAgent(t *testing.T) {
	fa := NewFactory()

	c, err := fa.New(provider.Descriptor{Name: "mock"}, provider.ClientConfig{AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	hs, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if hs.SessionHandle != "sess-agent-1" {
		t.Errorf("SessionHandle = %q, want sess-agent-1", hs.SessionHandle)
	}

	if fa.Client("agent-1") == nil {
		t.Error("Client(agent-1) = nil, want the created fake")
	}
	if fa.Client("agent-2") != nil {
		t.Error("Client(agent-2) != nil for unknown agent")
	}
}

func TestFactory_ResumeHandle(t *testing.T) {
	fa := NewFactory()

	c, err := fa.New(provider.Descriptor{Name: "mock"}, provider.ClientConfig{AgentID: "a", Resume: "sess-old"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	hs, err := c.Start(context.Background())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if hs.SessionHandle != "sess-old" {
		t.Errorf("SessionHandle = %q, want resumed sess-old", hs.SessionHandle)
	}
	if fa.Resume("a") != "sess-old" {
		t.Errorf("Resume(a) = %q, want sess-old", fa.Resume("a"))
	}
}

func TestFake_StreamEndsOnce(t *testing.T) {
	f := NewFake("s", DefaultConfig())

	f.EmitTurnStarted()
	f.Die(nil)
	if err := f.Close(); err != nil {
		t.Fatalf("Close() after Die error = %v", err)
	}

	var events []provider.Event
	timeout := time.After(time.Second)
	for {
		select {
		case ev, ok := <-f.Events():
			if !ok {
				if len(events) != 2 {
					t.Fatalf("got %d events, want turn_started + closed", len(events))
				}
				if events[1].Type != provider.EventClosed {
					t.Errorf("last event = %q, want closed", events[1].Type)
				}
				return
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream never closed")
		}
	}
}

func TestFake_RecordsInteractions(t *testing.T) {
	f := NewFake("s", DefaultConfig())
	ctx := context.Background()

	if err := f.Send(ctx, provider.UserMessage{MessageID: "m1", Text: "hello"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := f.SetModel(ctx, "fake-large"); err != nil {
		t.Fatalf("SetModel() error = %v", err)
	}
	if err := f.ResolvePermission(ctx, protocol.PermissionResolution{RequestID: "p1", OptionID: "allow"}); err != nil {
		t.Fatalf("ResolvePermission() error = %v", err)
	}
	if err := f.Cancel(ctx); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	if got := f.Sent(); len(got) != 1 || got[0].Text != "hello" {
		t.Errorf("Sent() = %+v", got)
	}
	if f.Config().ModelID != "fake-large" {
		t.Errorf("Config().ModelID = %q, want fake-large", f.Config().ModelID)
	}
	if got := f.Resolutions(); len(got) != 1 || got[0].OptionID != "allow" {
		t.Errorf("Resolutions() = %+v", got)
	}
	if f.Cancels() != 1 {
		t.Errorf("Cancels() = %d, want 1", f.Cancels())
	}
}
