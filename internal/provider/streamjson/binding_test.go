package streamjson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/paseo/paseo/internal/common/logger"
	"github.com/paseo/paseo/internal/provider"
	"github.com/paseo/paseo/pkg/protocol"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	return log
}

// runBinding feeds the given stdout lines through a binding and returns it
// together with the buffer capturing stdin writes. The read loop runs to
// EOF in the background.
func runBinding(lines ...string) (*Binding, *bytes.Buffer) {
	var stdin bytes.Buffer
	input := strings.Join(lines, "\n")
	if input != "" {
		input += "\n"
	}
	b := NewBinding(&stdin, strings.NewReader(input), newTestLogger())
	go b.Run(nil)
	return b, &stdin
}

// drain collects events until the stream closes.
func drain(t *testing.T, b *Binding) []provider.Event {
	t.Helper()
	var events []provider.Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-b.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out draining events, got %d so far", len(events))
		}
	}
}

func TestBinding_Handshake(t *testing.T) {
	b, _ := runBinding(
		`{"type":"session","sessionId":"sess-1","config":{"modeId":"default","availableModes":[{"id":"default","name":"Default"}]}}`,
	)

	hs, err := b.WaitHandshake(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("WaitHandshake() error = %v", err)
	}
	if hs.SessionHandle != "sess-1" {
		t.Errorf("SessionHandle = %q, want sess-1", hs.SessionHandle)
	}
	if hs.Config.ModeID != "default" {
		t.Errorf("Config.ModeID = %q, want default", hs.Config.ModeID)
	}
	if got := b.SessionHandle(); got != "sess-1" {
		t.Errorf("binding SessionHandle() = %q, want sess-1", got)
	}
}

func TestBinding_EOFBeforeHandshake(t *testing.T) {
	b, _ := runBinding()

	_, err := b.WaitHandshake(context.Background(), time.Second)
	if err == nil {
		t.Fatal("expected error when stream ends before handshake")
	}
}

func TestBinding_HandshakeTimeout(t *testing.T) {
	// A reader that never produces a line.
	blocked := make(chan struct{})
	t.Cleanup(func() { close(blocked) })
	b := NewBinding(&bytes.Buffer{}, blockingReader{unblock: blocked}, newTestLogger())
	go b.Run(nil)

	_, err := b.WaitHandshake(context.Background(), 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

type blockingReader struct {
	unblock chan struct{}
}

func (r blockingReader) Read(_ []byte) (int, error) {
	<-r.unblock
	return 0, fmt.Errorf("closed")
}

func TestBinding_NormalizesTurn(t *testing.T) {
	b, _ := runBinding(
		`{"type":"session","sessionId":"s"}`,
		`{"type":"turn_started"}`,
		`{"type":"item","item":{"type":"assistant_message","text":"hi","messageId":"m1"}}`,
		`{"type":"turn_completed","usage":{"inputTokens":10,"outputTokens":3,"costUsd":0.01}}`,
	)

	events := drain(t, b)
	want := []provider.EventType{
		provider.EventTurnStarted,
		provider.EventItem,
		provider.EventTurnCompleted,
		provider.EventClosed,
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(events), len(want), events)
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Errorf("event[%d].Type = %q, want %q", i, ev.Type, want[i])
		}
	}

	if events[1].Item == nil || events[1].Item.Text != "hi" {
		t.Errorf("item event = %+v, want assistant text hi", events[1].Item)
	}
	if events[2].Usage == nil || events[2].Usage.InputTokens != 10 {
		t.Errorf("usage = %+v, want inputTokens 10", events[2].Usage)
	}
	if events[3].Err != nil {
		t.Errorf("closed.Err = %v, want nil on clean EOF", events[3].Err)
	}
}

func TestBinding_FailedAndCanceledTurns(t *testing.T) {
	b, _ := runBinding(
		`{"type":"session","sessionId":"s"}`,
		`{"type":"turn_failed","message":"model overloaded"}`,
		`{"type":"turn_canceled"}`,
	)

	events := drain(t, b)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Type != provider.EventTurnFailed || events[0].Message != "model overloaded" {
		t.Errorf("event[0] = %+v, want turn_failed with message", events[0])
	}
	if events[1].Type != provider.EventTurnCanceled {
		t.Errorf("event[1].Type = %q, want turn_canceled", events[1].Type)
	}
}

func TestBinding_PermissionEvents(t *testing.T) {
	b, _ := runBinding(
		`{"type":"permission_request","request":{"id":"perm-1","name":"shell","title":"Run ls","kind":"allow_once","options":[{"optionId":"allow","name":"Allow","kind":"allow_once"}]}}`,
		`{"type":"permission_resolved","resolution":{"requestId":"perm-1","optionId":"allow"}}`,
	)

	events := drain(t, b)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Type != provider.EventPermissionRequested {
		t.Fatalf("event[0].Type = %q, want permission_requested", events[0].Type)
	}
	if events[0].Permission.ID != "perm-1" || len(events[0].Permission.Options) != 1 {
		t.Errorf("permission = %+v, want perm-1 with one option", events[0].Permission)
	}
	if events[1].Type != provider.EventPermissionResolved {
		t.Fatalf("event[1].Type = %q, want permission_resolved", events[1].Type)
	}
	if events[1].Resolution.RequestID != "perm-1" || events[1].Resolution.OptionID != "allow" {
		t.Errorf("resolution = %+v", events[1].Resolution)
	}
}

func TestBinding_UnknownItemTypePreserved(t *testing.T) {
	raw := `{"type":"vendor_extension","payload":{"nested":[1,2,3]}}`
	b, _ := runBinding(`{"type":"item","item":` + raw + `}`)

	events := drain(t, b)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	item := events[0].Item
	if item == nil || item.Type != "vendor_extension" {
		t.Fatalf("item = %+v, want vendor_extension", item)
	}

	out, err := json.Marshal(item)
	if err != nil {
		t.Fatalf("marshal preserved item: %v", err)
	}
	if string(out) != raw {
		t.Errorf("re-emitted item = %s, want %s", out, raw)
	}
}

func TestBinding_SkipsGarbage(t *testing.T) {
	b, _ := runBinding(
		`{not json`,
		``,
		`{"type":"mystery_line","foo":1}`,
		`{"type":"turn_started"}`,
	)

	events := drain(t, b)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(events), events)
	}
	if events[0].Type != provider.EventTurnStarted {
		t.Errorf("event[0].Type = %q, want turn_started", events[0].Type)
	}
}

func TestBinding_RepeatedSessionBecomesConfigUpdate(t *testing.T) {
	b, _ := runBinding(
		`{"type":"session","sessionId":"s1"}`,
		`{"type":"session","sessionId":"s1","config":{"modeId":"plan"}}`,
	)

	if _, err := b.WaitHandshake(context.Background(), time.Second); err != nil {
		t.Fatalf("WaitHandshake() error = %v", err)
	}

	events := drain(t, b)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Type != provider.EventConfigChanged || events[0].Config.ModeID != "plan" {
		t.Errorf("event[0] = %+v, want config_changed modeId plan", events[0])
	}
}

func TestBinding_ClosedCarriesProcessError(t *testing.T) {
	cause := fmt.Errorf("exit status 2")
	var stdin bytes.Buffer
	b := NewBinding(&stdin, strings.NewReader(""), newTestLogger())
	go b.Run(func() error { return cause })

	events := drain(t, b)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Type != provider.EventClosed || events[0].Err == nil {
		t.Fatalf("closed event = %+v, want Err set", events[0])
	}
}

func TestBinding_SendUserMessage(t *testing.T) {
	b, stdin := runBinding()
	drain(t, b)

	err := b.SendUserMessage(provider.UserMessage{
		MessageID: "m1",
		Text:      "run the tests",
		Attachments: []protocol.Attachment{
			{Name: "log.txt", Path: "/tmp/log.txt"},
		},
	})
	if err != nil {
		t.Fatalf("SendUserMessage() error = %v", err)
	}

	var in Input
	if err := json.Unmarshal(bytes.TrimSpace(stdin.Bytes()), &in); err != nil {
		t.Fatalf("parse sent line: %v", err)
	}
	if in.Type != InputUserMessage {
		t.Errorf("type = %q, want %q", in.Type, InputUserMessage)
	}
	if in.MessageID != "m1" || in.Text != "run the tests" {
		t.Errorf("sent = %+v", in)
	}
	if len(in.Attachments) != 1 || in.Attachments[0].Name != "log.txt" {
		t.Errorf("attachments = %+v", in.Attachments)
	}
}

func TestBinding_SendPermissionResponse(t *testing.T) {
	b, stdin := runBinding()
	drain(t, b)

	err := b.SendPermissionResponse(protocol.PermissionResolution{
		RequestID: "perm-1",
		OptionID:  "reject",
	})
	if err != nil {
		t.Fatalf("SendPermissionResponse() error = %v", err)
	}

	var in Input
	if err := json.Unmarshal(bytes.TrimSpace(stdin.Bytes()), &in); err != nil {
		t.Fatalf("parse sent line: %v", err)
	}
	if in.Type != InputPermissionResponse || in.RequestID != "perm-1" || in.OptionID != "reject" {
		t.Errorf("sent = %+v", in)
	}
}

func TestBinding_SendConfigSwitches(t *testing.T) {
	b, stdin := runBinding()
	drain(t, b)

	if err := b.SendSetMode("plan"); err != nil {
		t.Fatalf("SendSetMode() error = %v", err)
	}
	if err := b.SendSetModel("fake-large"); err != nil {
		t.Fatalf("SendSetModel() error = %v", err)
	}
	if err := b.SendCancel(); err != nil {
		t.Fatalf("SendCancel() error = %v", err)
	}

	lines := bytes.Split(bytes.TrimSpace(stdin.Bytes()), []byte("\n"))
	if len(lines) != 3 {
		t.Fatalf("wrote %d lines, want 3", len(lines))
	}

	var first, second, third Input
	if err := json.Unmarshal(lines[0], &first); err != nil {
		t.Fatalf("parse line 0: %v", err)
	}
	if err := json.Unmarshal(lines[1], &second); err != nil {
		t.Fatalf("parse line 1: %v", err)
	}
	if err := json.Unmarshal(lines[2], &third); err != nil {
		t.Fatalf("parse line 2: %v", err)
	}
	if first.Type != InputSetMode || first.ModeID != "plan" {
		t.Errorf("line 0 = %+v", first)
	}
	if second.Type != InputSetModel || second.ModelID != "fake-large" {
		t.Errorf("line 1 = %+v", second)
	}
	if third.Type != InputCancel {
		t.Errorf("line 2 = %+v", third)
	}
}
