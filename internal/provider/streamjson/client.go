package streamjson

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/paseo/paseo/internal/common/errors"
	"github.com/paseo/paseo/internal/common/logger"
	"github.com/paseo/paseo/internal/provider"
	"github.com/paseo/paseo/pkg/protocol"
)

// exitGrace is how long Close waits for the process after asking it to
// shut down before killing it.
const exitGrace = 5 * time.Second

// Factory builds stream-json subprocess clients.
type Factory struct{}

// New verifies the provider command exists and returns an unstarted client.
func (Factory) New(d provider.Descriptor, cfg provider.ClientConfig) (provider.AgentClient, error) {
	path, err := exec.LookPath(d.Command)
	if err != nil {
		return nil, errors.ProviderUnavailable(d.Name, err)
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		descriptor: d,
		cfg:        cfg,
		path:       path,
		logger: log.WithFields(
			zap.String("provider", d.Name),
			zap.String("agent_id", cfg.AgentID)),
		waitDone: make(chan struct{}),
	}, nil
}

// ListModels runs the provider command's models subcommand and parses the
// JSON list it prints. Descriptors with a static model list short-circuit.
func (Factory) ListModels(ctx context.Context, d provider.Descriptor, cwd string) ([]protocol.ModelInfo, error) {
	if len(d.Models) > 0 {
		models := make([]protocol.ModelInfo, len(d.Models))
		copy(models, d.Models)
		return models, nil
	}

	path, err := exec.LookPath(d.Command)
	if err != nil {
		return nil, errors.ProviderUnavailable(d.Name, err)
	}

	cmd := exec.CommandContext(ctx, path, "models", "--json")
	if cwd != "" {
		cmd.Dir = cwd
	}
	cmd.Env = append(os.Environ(), d.Env...)

	out, err := cmd.Output()
	if err != nil {
		return nil, errors.ProviderUnavailable(d.Name, fmt.Errorf("models query: %w", err))
	}

	var models []protocol.ModelInfo
	if err := json.Unmarshal(out, &models); err != nil {
		return nil, errors.Internal(
			fmt.Sprintf("provider '%s' returned an invalid model list", d.Name), err)
	}
	return models, nil
}

// Client runs one provider CLI process and speaks stream-json with it.
type Client struct {
	descriptor provider.Descriptor
	cfg        provider.ClientConfig
	path       string
	logger     *logger.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	binding *Binding

	waitDone chan struct{}
	waitErr  error

	closeOnce sync.Once
	closeErr  error
}

// Start launches the process and waits for its session handshake.
func (c *Client) Start(ctx context.Context) (*provider.Handshake, error) {
	args := append([]string(nil), c.descriptor.Args...)
	if c.cfg.Resume != "" {
		args = append(args, c.descriptor.ResumeFlag, c.cfg.Resume)
	}

	cmd := exec.Command(c.path, args...)
	cmd.Dir = c.cfg.Cwd
	cmd.Env = append(os.Environ(), c.descriptor.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Internal("open provider stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Internal("open provider stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Internal("open provider stderr", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.ProviderUnavailable(c.descriptor.Name, err)
	}
	c.logger.Info("provider process started",
		zap.Int("pid", cmd.Process.Pid), zap.String("cwd", c.cfg.Cwd))

	binding := NewBinding(stdin, stdout, c.logger)

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.binding = binding
	c.mu.Unlock()

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			c.logger.Debug("provider stderr", zap.String("line", scanner.Text()))
		}
	}()

	go func() {
		defer close(c.waitDone)
		c.waitErr = cmd.Wait()
		if c.waitErr != nil {
			c.logger.Warn("provider process exited with error", zap.Error(c.waitErr))
		} else {
			c.logger.Info("provider process exited")
		}
	}()

	go binding.Run(c.exitCause)

	timeout := c.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = provider.DefaultHandshakeTimeout
	}
	hs, err := binding.WaitHandshake(ctx, timeout)
	if err != nil {
		_ = c.Close()
		return nil, errors.ProviderUnavailable(c.descriptor.Name, err)
	}
	return hs, nil
}

// exitCause reports the process exit error once stdout has drained. A
// process that closes stdout but lingers is reported, not waited out.
func (c *Client) exitCause() error {
	select {
	case <-c.waitDone:
		return c.waitErr
	case <-time.After(exitGrace):
		return fmt.Errorf("provider closed its stream but did not exit")
	}
}

func (c *Client) live() (*Binding, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.binding == nil {
		return nil, errors.Internal("provider session not started", nil)
	}
	return c.binding, nil
}

// Events returns the session event stream. Nil before Start.
func (c *Client) Events() <-chan provider.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.binding == nil {
		return nil
	}
	return c.binding.Events()
}

// SessionHandle returns the handle from the provider handshake.
func (c *Client) SessionHandle() string {
	c.mu.Lock()
	b := c.binding
	c.mu.Unlock()
	if b == nil {
		return ""
	}
	return b.SessionHandle()
}

// Send submits a user message.
func (c *Client) Send(_ context.Context, msg provider.UserMessage) error {
	b, err := c.live()
	if err != nil {
		return err
	}
	return b.SendUserMessage(msg)
}

// Cancel interrupts the in-flight turn.
func (c *Client) Cancel(_ context.Context) error {
	b, err := c.live()
	if err != nil {
		return err
	}
	return b.SendCancel()
}

// ResolvePermission answers a pending permission request.
func (c *Client) ResolvePermission(_ context.Context, res protocol.PermissionResolution) error {
	b, err := c.live()
	if err != nil {
		return err
	}
	return b.SendPermissionResponse(res)
}

// SetMode switches the agent mode.
func (c *Client) SetMode(_ context.Context, modeID string) error {
	b, err := c.live()
	if err != nil {
		return err
	}
	return b.SendSetMode(modeID)
}

// SetModel switches the model.
func (c *Client) SetModel(_ context.Context, modelID string) error {
	b, err := c.live()
	if err != nil {
		return err
	}
	return b.SendSetModel(modelID)
}

// SetThinkingOption switches the thinking budget.
func (c *Client) SetThinkingOption(_ context.Context, optionID string) error {
	b, err := c.live()
	if err != nil {
		return err
	}
	return b.SendSetThinkingOption(optionID)
}

// SetVariant switches the model variant.
func (c *Client) SetVariant(_ context.Context, variantID string) error {
	b, err := c.live()
	if err != nil {
		return err
	}
	return b.SendSetVariant(variantID)
}

// Close asks the process to exit, waits out the grace period, then kills
// it. Safe to call more than once and before Start.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		cmd := c.cmd
		stdin := c.stdin
		binding := c.binding
		c.mu.Unlock()

		if cmd == nil {
			return
		}

		if binding != nil {
			_ = binding.SendShutdown()
		}
		if stdin != nil {
			_ = stdin.Close()
		}

		select {
		case <-c.waitDone:
			return
		case <-time.After(exitGrace):
		}

		c.logger.Warn("provider did not exit in time, killing",
			zap.Int("pid", cmd.Process.Pid))
		if err := cmd.Process.Kill(); err != nil {
			c.closeErr = fmt.Errorf("kill provider process: %w", err)
			return
		}
		<-c.waitDone
	})
	return c.closeErr
}
