// Package guard keeps one daemon per listen address and carries lifecycle
// intents (shutdown, restart) from clients to whoever supervises the
// process. The PID lock is advisory but checked for liveness, so a crash
// never wedges the next start.
package guard

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// LockInfo is the lock file content.
type LockInfo struct {
	PID       int       `json:"pid"`
	CreatedAt time.Time `json:"createdAt"`
}

// Lock is a held PID lock.
type Lock struct {
	path     string
	ownerPID int
}

// ListenID normalizes a listen address into a lock file token.
func ListenID(addr string) string {
	replacer := strings.NewReplacer(":", "-", "/", "_", "[", "", "]", "")
	id := replacer.Replace(addr)
	if id == "" {
		id = "default"
	}
	return id
}

// AcquireLock claims the lock for a listen id under the home directory.
// A live holder makes the acquire fail; a dead holder's lock is replaced.
// ownerPID overrides the recorded pid for external-supervisor setups; zero
// records this process.
func AcquireLock(home, listenID string, ownerPID int) (*Lock, error) {
	if ownerPID == 0 {
		ownerPID = os.Getpid()
	}
	path := filepath.Join(home, fmt.Sprintf("daemon.%s.lock", listenID))

	info := LockInfo{PID: ownerPID, CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encoding lock: %w", err)
	}

	// The claim is an exclusive link of a fully written temp file, so the
	// lock appears atomically with its content and two simultaneous
	// starts race on the link, never on a read-then-write window. Losers
	// probe the recorded pid and either fail or clear a dead holder and
	// retry.
	tmp, err := os.CreateTemp(home, ".daemon.lock-*")
	if err != nil {
		return nil, fmt.Errorf("staging lock %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("staging lock %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("staging lock %s: %w", path, err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		if err := os.Link(tmpName, path); err == nil {
			return &Lock{path: path, ownerPID: ownerPID}, nil
		} else if !os.IsExist(err) {
			return nil, fmt.Errorf("creating lock %s: %w", path, err)
		}
		existing, rerr := readLock(path)
		if rerr == nil && pidAlive(existing.PID) {
			return nil, fmt.Errorf("daemon already running with pid %d (lock %s)", existing.PID, path)
		}
		if os.IsNotExist(rerr) {
			// Holder released between the link and the read; retry.
			continue
		}
		// Dead holder or corrupt file; clear it and retry the claim.
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("replacing stale lock %s: %w", path, rmErr)
		}
	}
	return nil, fmt.Errorf("could not claim lock %s", path)
}

// Release removes the lock file, but only when this process still owns it.
// A lock replaced by a newer daemon is left alone.
func (l *Lock) Release() error {
	info, err := readLock(l.path)
	if err != nil {
		return nil
	}
	if info.PID != l.ownerPID {
		return nil
	}
	return os.Remove(l.path)
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

func readLock(path string) (LockInfo, error) {
	var info LockInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("lock file %s is corrupt: %w", path, err)
	}
	if info.PID <= 0 {
		return info, fmt.Errorf("lock file %s has no pid", path)
	}
	return info, nil
}

// pidAlive probes a pid with signal 0.
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	return err == syscall.EPERM
}
