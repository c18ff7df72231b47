// Package lock implements the multi-process web lock (C11): a cross-process
// election of exactly one owner to run background maintenance (migration,
// cleanup, dedup schedules) when several agent processes share the same
// storage directory. The protocol is the one described in full procedural
// detail by §4.11/§6 of the spec: a JSON file at a well-known path holding
// the set of live owner PIDs plus the (port, host) binding they agree on.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"alfredmem/internal/domain"
)

// Lock guards a single well-known lock-file path. Reads/writes from this
// process are serialized by mu; the cross-process race is handled by the
// read-current-state/decide/atomic-rewrite dance in Acquire, which is
// best-effort (a true mutual exclusion file lock is not attempted — the
// spec's protocol is advisory election, not a flock).
type Lock struct {
	path string
	mu   sync.Mutex

	// Role decided by the most recent Acquire. Tracked per Lock instance:
	// PIDs alone cannot distinguish an owner from a joiner when both live in
	// the same process (every instance shares os.Getpid()).
	acquired bool
	owner    bool
}

// New returns a Lock bound to path (the "webserver.lock" file described in
// §6, typically config.Config.LockPath()).
func New(path string) *Lock {
	return &Lock{path: path}
}

// Result reports the outcome of an Acquire call.
type Result struct {
	Owner bool // true if this process became (or already is) the background-job owner
	PID   int
}

// Acquire runs the §4.11 election protocol for the calling process (PID =
// os.Getpid()) against (port, host):
//
//  1. If the lock file does not exist, create it with pids=[self] and
//     return owner=true.
//  2. Otherwise, filter the stored pids to those still alive (signal-0
//     probe). If any are alive:
//     a. If (port, host) matches what they registered, append self and
//     return owner=false (joiner).
//     b. If (port, host) differs, fail with ErrLockPortConflict.
//  3. If none are alive, overwrite the file with pids=[self] and return
//     owner=true.
func (l *Lock) Acquire(port int, host string) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	self := os.Getpid()

	existing, err := l.read()
	if err != nil {
		if os.IsNotExist(err) {
			if err := l.write(domain.LockFile{PIDs: []int{self}, Port: port, Host: host, StartedAt: nowMillis()}); err != nil {
				return Result{}, err
			}
			l.acquired, l.owner = true, true
			return Result{Owner: true, PID: self}, nil
		}
		return Result{}, domain.NewSubSystemError("lock", "Lock.Acquire", domain.ErrLockStale, err.Error())
	}

	live := alivePIDs(existing.PIDs)

	if len(live) == 0 {
		if err := l.write(domain.LockFile{PIDs: []int{self}, Port: port, Host: host, StartedAt: nowMillis()}); err != nil {
			return Result{}, err
		}
		l.acquired, l.owner = true, true
		return Result{Owner: true, PID: self}, nil
	}

	if existing.Port != port || existing.Host != host {
		return Result{}, domain.NewSubSystemError("lock", "Lock.Acquire", domain.ErrLockPortConflict,
			fmt.Sprintf("held at %s:%d, requested %s:%d", existing.Host, existing.Port, host, port))
	}

	if !containsPID(live, self) {
		live = append(live, self)
	}
	if err := l.write(domain.LockFile{PIDs: live, Port: existing.Port, Host: existing.Host, StartedAt: existing.StartedAt}); err != nil {
		return Result{}, err
	}
	l.acquired, l.owner = true, false
	return Result{Owner: false, PID: self}, nil
}

// Release removes the calling process's PID from the lock file. If the
// file becomes empty it is unlinked; if the caller was never the owner (a
// joiner) the file is left intact for the remaining owner, per §4.11.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	self := os.Getpid()
	l.acquired, l.owner = false, false

	existing, err := l.read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return domain.NewSubSystemError("lock", "Lock.Release", domain.ErrLockStale, err.Error())
	}

	remaining := existing.PIDs[:0:0]
	for _, pid := range existing.PIDs {
		if pid != self {
			remaining = append(remaining, pid)
		}
	}

	if len(remaining) == 0 {
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return domain.NewSubSystemError("lock", "Lock.Release", domain.ErrLockStale, err.Error())
		}
		return nil
	}

	existing.PIDs = remaining
	return l.write(existing)
}

// IsOwner reports whether this Lock acquired the owner role and the lock
// file still lists its PID, without mutating anything. Used by the
// maintenance scheduler to re-check ownership between ticks without
// re-running election: a joiner whose owner died picks up ownership only on
// its next explicit Acquire call, matching the "the joiner's next acquire
// attempt succeeds as owner" contract.
func (l *Lock) IsOwner() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.acquired || !l.owner {
		return false, nil
	}
	existing, err := l.read()
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, domain.NewSubSystemError("lock", "Lock.IsOwner", domain.ErrLockStale, err.Error())
	}
	return containsPID(alivePIDs(existing.PIDs), os.Getpid()), nil
}

func (l *Lock) read() (domain.LockFile, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return domain.LockFile{}, err
	}
	var lf domain.LockFile
	if err := json.Unmarshal(raw, &lf); err != nil {
		// A corrupt lock file is treated as absent: the next Acquire wins
		// cleanly rather than wedging every process behind a bad file.
		return domain.LockFile{}, os.ErrNotExist
	}
	return lf, nil
}

// write serializes lf and atomically replaces the lock file: write to a
// sibling temp file, then os.Rename over the target, so a concurrent
// reader in another process never observes a half-written JSON body.
func (l *Lock) write(lf domain.LockFile) error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return domain.NewSubSystemError("lock", "Lock.write", domain.ErrLockStale, err.Error())
	}
	raw, err := json.Marshal(lf)
	if err != nil {
		return domain.NewSubSystemError("lock", "Lock.write", domain.ErrLockStale, err.Error())
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".webserver.lock.*")
	if err != nil {
		return domain.NewSubSystemError("lock", "Lock.write", domain.ErrLockStale, err.Error())
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return domain.NewSubSystemError("lock", "Lock.write", domain.ErrLockStale, err.Error())
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return domain.NewSubSystemError("lock", "Lock.write", domain.ErrLockStale, err.Error())
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return domain.NewSubSystemError("lock", "Lock.write", domain.ErrLockStale, err.Error())
	}
	return nil
}

// alivePIDs filters pids down to those that answer a signal-0 liveness
// probe (reaping is best-effort, per §5's shared-resource policy: no
// process can truly guarantee another's liveness between the probe and the
// caller's next action, so the file is advisory, not a mutex).
func alivePIDs(pids []int) []int {
	var live []int
	for _, pid := range pids {
		if pid <= 0 {
			continue
		}
		proc, err := os.FindProcess(pid)
		if err != nil {
			continue
		}
		if err := proc.Signal(syscall.Signal(0)); err == nil {
			live = append(live, pid)
		}
	}
	return live
}

func containsPID(pids []int, pid int) bool {
	for _, p := range pids {
		if p == pid {
			return true
		}
	}
	return false
}

func nowMillis() int64 { return time.Now().UTC().UnixMilli() }
