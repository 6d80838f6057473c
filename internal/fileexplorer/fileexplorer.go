// Package fileexplorer lists host directories for client cwd pickers.
package fileexplorer

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/paseo/paseo/internal/common/errors"
	"github.com/paseo/paseo/internal/common/logger"
	"github.com/paseo/paseo/pkg/protocol"
)

// maxEntries bounds a single listing so responses stay well under the
// frame size limit.
const maxEntries = 2000

// Explorer serves file_explorer_request listings.
type Explorer struct {
	logger *logger.Logger
}

// New creates an Explorer.
func New(log *logger.Logger) *Explorer {
	return &Explorer{
		logger: log.WithFields(zap.String("component", "fileexplorer")),
	}
}

// List returns one directory level, directories first. An empty path and
// "~" resolve to the user's home directory.
func (e *Explorer) List(ctx context.Context, req *protocol.FileExplorerRequest) (*protocol.FileExplorerResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := resolvePath(req.Path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("directory", path)
		}
		return nil, errors.Internal("failed to stat path", err)
	}
	if !info.IsDir() {
		return nil, errors.Invalidf("'%s' is not a directory", path)
	}

	dirEntries, err := os.ReadDir(path)
	if err != nil {
		return nil, errors.Internal("failed to read directory", err)
	}

	entries := make([]protocol.FileEntry, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if !req.ShowHidden && strings.HasPrefix(name, ".") {
			continue
		}
		entry := protocol.FileEntry{
			Name:  name,
			Path:  filepath.Join(path, name),
			IsDir: de.IsDir(),
		}
		if fi, err := de.Info(); err == nil {
			entry.ModTime = fi.ModTime().UTC()
			if !entry.IsDir {
				entry.Size = fi.Size()
			}
			// Classify symlinked directories so pickers can descend.
			if fi.Mode()&fs.ModeSymlink != 0 {
				if target, err := os.Stat(entry.Path); err == nil && target.IsDir() {
					entry.IsDir = true
					entry.Size = 0
				}
			}
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	if len(entries) > maxEntries {
		entries = entries[:maxEntries]
	}

	return &protocol.FileExplorerResponse{Path: path, Entries: entries}, nil
}

// resolvePath expands "", "~", and "~/..." to the user's home directory
// and requires the result to be absolute.
func resolvePath(path string) (string, error) {
	if path == "" || path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Internal("failed to resolve home directory", err)
		}
		if len(path) > 1 {
			return filepath.Join(home, path[2:]), nil
		}
		return home, nil
	}
	if !filepath.IsAbs(path) {
		return "", errors.Invalid("path must be absolute")
	}
	return filepath.Clean(path), nil
}
