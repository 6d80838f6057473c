package fileexplorer

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseo/paseo/internal/common/errors"
	"github.com/paseo/paseo/internal/common/logger"
	"github.com/paseo/paseo/pkg/protocol"
)

func newExplorer(t *testing.T) *Explorer {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)
	return New(log)
}

func seedDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("secret"), 0o644))
	return dir
}

func names(entries []protocol.FileEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Name
	}
	return out
}

func TestListDirectoriesFirst(t *testing.T) {
	e := newExplorer(t)
	dir := seedDir(t)

	resp, err := e.List(context.Background(), &protocol.FileExplorerRequest{Path: dir})
	require.NoError(t, err)
	assert.Equal(t, dir, resp.Path)
	assert.Equal(t, []string{"src", "a.txt", "README.md"}, names(resp.Entries))

	src := resp.Entries[0]
	assert.True(t, src.IsDir)
	assert.Equal(t, filepath.Join(dir, "src"), src.Path)
	assert.Zero(t, src.Size)

	readme := resp.Entries[2]
	assert.False(t, readme.IsDir)
	assert.EqualValues(t, 5, readme.Size)
	assert.False(t, readme.ModTime.IsZero())
}

func TestListShowHidden(t *testing.T) {
	e := newExplorer(t)
	dir := seedDir(t)

	resp, err := e.List(context.Background(), &protocol.FileExplorerRequest{Path: dir, ShowHidden: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"src", ".env", "a.txt", "README.md"}, names(resp.Entries))
}

func TestListErrors(t *testing.T) {
	e := newExplorer(t)
	dir := seedDir(t)

	_, err := e.List(context.Background(), &protocol.FileExplorerRequest{Path: filepath.Join(dir, "missing")})
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))

	_, err = e.List(context.Background(), &protocol.FileExplorerRequest{Path: filepath.Join(dir, "a.txt")})
	assert.Equal(t, errors.CodeInvalid, errors.CodeOf(err))

	_, err = e.List(context.Background(), &protocol.FileExplorerRequest{Path: "relative/path"})
	assert.Equal(t, errors.CodeInvalid, errors.CodeOf(err))
}

func TestListDefaultsToHome(t *testing.T) {
	e := newExplorer(t)
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	resp, err := e.List(context.Background(), &protocol.FileExplorerRequest{})
	require.NoError(t, err)
	assert.Equal(t, home, resp.Path)
}

func TestResolvePathTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	path, err := resolvePath("~")
	require.NoError(t, err)
	assert.Equal(t, home, path)

	path, err = resolvePath("~/projects/demo")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "projects", "demo"), path)
}

func TestListSymlinkedDirectory(t *testing.T) {
	e := newExplorer(t)
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	require.NoError(t, os.Mkdir(target, 0o755))
	if err := os.Symlink(target, filepath.Join(dir, "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	resp, err := e.List(context.Background(), &protocol.FileExplorerRequest{Path: dir})
	require.NoError(t, err)
	require.Len(t, resp.Entries, 2)
	for _, entry := range resp.Entries {
		assert.True(t, entry.IsDir, entry.Name)
	}
}
