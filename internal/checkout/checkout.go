// Package checkout inspects the version control state of agent working
// directories. Everything here is read-only: the daemon reports what the
// agent did to the checkout, it never mutates it.
package checkout

import (
	"bytes"
	"context"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/paseo/paseo/internal/common/errors"
	"github.com/paseo/paseo/internal/common/logger"
	"github.com/paseo/paseo/pkg/protocol"
)

// Inspector answers checkout status and diff requests by shelling out to
// git in the agent's working directory. Request contexts cancel the
// subprocess.
type Inspector struct {
	logger *logger.Logger
}

// NewInspector creates an Inspector.
func NewInspector(log *logger.Logger) *Inspector {
	return &Inspector{
		logger: log.WithFields(zap.String("component", "checkout")),
	}
}

// Status reports branch and changed files for the agent's working
// directory. A directory outside version control yields Supported=false
// rather than an error.
func (i *Inspector) Status(ctx context.Context, agentID, cwd string) (*protocol.CheckoutStatusResponse, error) {
	resp := &protocol.CheckoutStatusResponse{AgentID: agentID}

	supported, err := i.insideWorkTree(ctx, cwd)
	if err != nil {
		return nil, err
	}
	if !supported {
		return resp, nil
	}
	resp.Supported = true

	// Best effort: a repository without commits has no HEAD to name.
	if out, _, err := i.runGit(ctx, cwd, "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		resp.Branch = strings.TrimSpace(out)
	} else if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	out, stderr, err := i.runGit(ctx, cwd, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Internal("git status failed: "+stderr, err)
	}
	resp.Files = parsePorcelain(out)
	resp.Clean = len(resp.Files) == 0
	return resp, nil
}

// Diff returns the unified diff of the working tree, optionally limited to
// one path. Staged changes are included by diffing against HEAD.
func (i *Inspector) Diff(ctx context.Context, agentID, cwd, path string) (*protocol.CheckoutDiffResponse, error) {
	if err := validateDiffPath(path); err != nil {
		return nil, err
	}

	supported, err := i.insideWorkTree(ctx, cwd)
	if err != nil {
		return nil, err
	}
	if !supported {
		return nil, errors.Unsupported("agent working directory is not under version control")
	}

	args := []string{"diff"}
	// A repository without commits has no HEAD to diff against; fall back
	// to the index-only diff.
	if _, _, err := i.runGit(ctx, cwd, "rev-parse", "--verify", "HEAD"); err == nil {
		args = append(args, "HEAD")
	} else if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if path != "" {
		args = append(args, "--", path)
	}

	out, stderr, err := i.runGit(ctx, cwd, args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if _, ok := err.(*exec.ExitError); ok {
			return nil, errors.Invalidf("git diff failed: %s", stderr)
		}
		return nil, errors.Internal("git diff failed", err)
	}
	return &protocol.CheckoutDiffResponse{AgentID: agentID, Path: path, Diff: out}, nil
}

// insideWorkTree reports whether cwd sits inside a git work tree. A
// missing git binary counts as unsupported, not as a failure.
func (i *Inspector) insideWorkTree(ctx context.Context, cwd string) (bool, error) {
	out, _, err := i.runGit(ctx, cwd, "rev-parse", "--is-inside-work-tree")
	if err == nil {
		return strings.TrimSpace(out) == "true", nil
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	switch err.(type) {
	case *exec.ExitError:
		return false, nil
	case *exec.Error:
		return false, nil
	}
	return false, err
}

// runGit executes one git command in dir. The error is returned unwrapped
// so callers can classify it; stderr is returned separately for messages.
func (i *Inspector) runGit(ctx context.Context, dir string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	i.logger.Debug("running git", zap.Strings("args", args), zap.String("dir", dir))

	err := cmd.Run()
	return stdout.String(), strings.TrimSpace(stderr.String()), err
}

func validateDiffPath(path string) error {
	if path == "" {
		return nil
	}
	if filepath.IsAbs(path) {
		return errors.Invalid("path must be relative to the working directory")
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return errors.Invalid("path must stay inside the working directory")
	}
	return nil
}

// parsePorcelain turns `git status --porcelain` output into file statuses.
// Format: XY <path>, where X is the index state and Y the work tree state.
func parsePorcelain(out string) []protocol.CheckoutFileStatus {
	var files []protocol.CheckoutFileStatus
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		state := strings.TrimSpace(line[:2])
		path := strings.TrimSpace(line[3:])
		// Renames read "old -> new"; report the new path.
		if idx := strings.Index(path, " -> "); idx != -1 {
			path = path[idx+4:]
		}
		if state == "" || path == "" {
			continue
		}
		files = append(files, protocol.CheckoutFileStatus{Path: path, State: state})
	}
	return files
}
