package streamjson

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paseo/paseo/internal/common/logger"
	"github.com/paseo/paseo/internal/provider"
	"github.com/paseo/paseo/pkg/protocol"
)

// maxLineSize bounds one wire line. Providers can emit large tool results.
const maxLineSize = 10 * 1024 * 1024

// Binding speaks the stream-json protocol over a stdin/stdout pair. It is
// transport-only: Client layers process management on top, and tests drive
// it directly over pipes.
type Binding struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	writeMu sync.Mutex

	events    chan provider.Event
	handshake chan *provider.Handshake

	mu      sync.Mutex
	session string
	closed  bool
}

// NewBinding wraps a stdin writer and stdout reader. Call Run to start the
// read loop.
func NewBinding(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Binding {
	return &Binding{
		stdin:     stdin,
		stdout:    stdout,
		logger:    log,
		events:    make(chan provider.Event, 64),
		handshake: make(chan *provider.Handshake, 1),
	}
}

// Events returns the normalized event stream. The channel closes after the
// read loop finishes.
func (b *Binding) Events() <-chan provider.Event {
	return b.events
}

// SessionHandle returns the handle announced in the handshake.
func (b *Binding) SessionHandle() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.session
}

// WaitHandshake blocks until the agent announces its session.
func (b *Binding) WaitHandshake(ctx context.Context, timeout time.Duration) (*provider.Handshake, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("no session handshake within %v", timeout)
	case hs, ok := <-b.handshake:
		if !ok || hs == nil {
			return nil, fmt.Errorf("provider stream ended before handshake")
		}
		return hs, nil
	}
}

// Run reads stdout until EOF, normalizing each line into an Event. It
// terminates the event stream with EventClosed; cause carries the process
// exit error when the caller knows one.
func (b *Binding) Run(cause func() error) {
	scanner := bufio.NewScanner(b.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		b.handleLine(line)
	}

	err := scanner.Err()
	if cause != nil {
		if exitErr := cause(); exitErr != nil {
			err = exitErr
		}
	}

	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	close(b.handshake)
	b.events <- provider.Event{Type: provider.EventClosed, Err: err}
	close(b.events)
}

func (b *Binding) handleLine(line []byte) {
	var out Output
	if err := json.Unmarshal(line, &out); err != nil {
		b.logger.Warn("streamjson: dropping unparseable line",
			zap.Error(err), zap.Int("bytes", len(line)))
		return
	}

	switch out.Type {
	case OutputSession:
		b.mu.Lock()
		b.session = out.SessionID
		b.mu.Unlock()
		hs := &provider.Handshake{SessionHandle: out.SessionID}
		if out.Config != nil {
			hs.Config = *out.Config
		}
		select {
		case b.handshake <- hs:
		default:
			// Repeated session lines behave as config updates.
			if out.Config != nil {
				b.emit(provider.Event{Type: provider.EventConfigChanged, Config: out.Config})
			}
		}
	case OutputTurnStarted:
		b.emit(provider.Event{Type: provider.EventTurnStarted})
	case OutputItem:
		if out.Item == nil {
			b.logger.Warn("streamjson: item line without item")
			return
		}
		b.emit(provider.Event{Type: provider.EventItem, Item: out.Item})
	case OutputTurnCompleted:
		b.emit(provider.Event{Type: provider.EventTurnCompleted, Usage: out.Usage})
	case OutputTurnFailed:
		b.emit(provider.Event{Type: provider.EventTurnFailed, Message: out.Message})
	case OutputTurnCanceled:
		b.emit(provider.Event{Type: provider.EventTurnCanceled})
	case OutputPermissionRequest:
		if out.Request == nil {
			b.logger.Warn("streamjson: permission_request line without request")
			return
		}
		b.emit(provider.Event{Type: provider.EventPermissionRequested, Permission: out.Request})
	case OutputPermissionResolved:
		if out.Resolution == nil {
			b.logger.Warn("streamjson: permission_resolved line without resolution")
			return
		}
		b.emit(provider.Event{Type: provider.EventPermissionResolved, Resolution: out.Resolution})
	case OutputConfig:
		if out.Config == nil {
			return
		}
		b.emit(provider.Event{Type: provider.EventConfigChanged, Config: out.Config})
	default:
		b.logger.Debug("streamjson: ignoring unknown line type", zap.String("type", out.Type))
	}
}

func (b *Binding) emit(ev provider.Event) {
	b.events <- ev
}

// send writes one Input line. Writes are serialized so concurrent callers
// cannot interleave lines.
func (b *Binding) send(in Input) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", in.Type, err)
	}
	data = append(data, '\n')

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if _, err := b.stdin.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", in.Type, err)
	}
	return nil
}

// SendUserMessage submits a user turn.
func (b *Binding) SendUserMessage(msg provider.UserMessage) error {
	return b.send(Input{
		Type:        InputUserMessage,
		MessageID:   msg.MessageID,
		Text:        msg.Text,
		Attachments: msg.Attachments,
	})
}

// SendPermissionResponse answers a permission request.
func (b *Binding) SendPermissionResponse(res protocol.PermissionResolution) error {
	return b.send(Input{
		Type:      InputPermissionResponse,
		RequestID: res.RequestID,
		OptionID:  res.OptionID,
		Message:   res.Message,
		Canceled:  res.Canceled,
	})
}

// SendCancel interrupts the in-flight turn.
func (b *Binding) SendCancel() error {
	return b.send(Input{Type: InputCancel})
}

// SendSetMode switches the agent mode.
func (b *Binding) SendSetMode(modeID string) error {
	return b.send(Input{Type: InputSetMode, ModeID: modeID})
}

// SendSetModel switches the model.
func (b *Binding) SendSetModel(modelID string) error {
	return b.send(Input{Type: InputSetModel, ModelID: modelID})
}

// SendSetThinkingOption switches the thinking budget.
func (b *Binding) SendSetThinkingOption(optionID string) error {
	return b.send(Input{Type: InputSetThinkingOption, ThinkingOptionID: optionID})
}

// SendSetVariant switches the model variant.
func (b *Binding) SendSetVariant(variantID string) error {
	return b.send(Input{Type: InputSetVariant, VariantID: variantID})
}

// SendShutdown asks the agent to exit cleanly.
func (b *Binding) SendShutdown() error {
	return b.send(Input{Type: InputShutdown})
}
