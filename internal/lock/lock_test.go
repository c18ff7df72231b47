package lock

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"alfredmem/internal/domain"
)

func lockPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "webserver.lock")
}

func TestAcquireNoFileBecomesOwner(t *testing.T) {
	l := New(lockPath(t))
	res, err := l.Acquire(8787, "127.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Owner)
	assert.Equal(t, os.Getpid(), res.PID)
}

func TestAcquireSamePortJoinsAsNonOwner(t *testing.T) {
	path := lockPath(t)
	l1 := New(path)
	res1, err := l1.Acquire(8787, "127.0.0.1")
	require.NoError(t, err)
	require.True(t, res1.Owner)

	l2 := New(path)
	res2, err := l2.Acquire(8787, "127.0.0.1")
	require.NoError(t, err)
	assert.False(t, res2.Owner, "second acquirer on a live lock joins, it does not steal ownership")
}

func TestAcquireDifferentPortFailsPortConflict(t *testing.T) {
	path := lockPath(t)
	l1 := New(path)
	_, err := l1.Acquire(8787, "127.0.0.1")
	require.NoError(t, err)

	l2 := New(path)
	_, err = l2.Acquire(9999, "127.0.0.1")
	require.Error(t, err)
	assert.Equal(t, domain.CodeLockPortConflict, domain.ErrorCodeOf(err))
}

func TestReleaseByOwnerUnlinksEmptyFile(t *testing.T) {
	path := lockPath(t)
	l := New(path)
	_, err := l.Acquire(8787, "127.0.0.1")
	require.NoError(t, err)

	require.NoError(t, l.Release())
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestReleaseByNonOwnerKeepsFileIntact(t *testing.T) {
	path := lockPath(t)
	l1 := New(path)
	_, err := l1.Acquire(8787, "127.0.0.1")
	require.NoError(t, err)

	// Simulate a second live joiner process by writing a spare PID (our own
	// PID would already be present) -- use a short-lived child process so
	// its PID is genuinely alive for the probe, then let it exit.
	cmd := exec.Command("sleep", "0.2")
	require.NoError(t, cmd.Start())
	childPID := cmd.Process.Pid

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var lf domain.LockFile
	require.NoError(t, json.Unmarshal(raw, &lf))
	lf.PIDs = append(lf.PIDs, childPID)
	raw, err = json.Marshal(lf)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	l2 := New(path)
	res, err := l2.Acquire(8787, "127.0.0.1")
	require.NoError(t, err)
	assert.False(t, res.Owner)

	require.NoError(t, l2.Release())
	_, statErr := os.Stat(path)
	assert.False(t, os.IsNotExist(statErr), "file must survive a non-owner's release")

	_ = cmd.Wait()
}

func TestAcquireAllDeadPIDsTakesOverOwnership(t *testing.T) {
	path := lockPath(t)

	// A PID that is guaranteed not to be alive: spawn and wait for exit.
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	deadPID := cmd.Process.Pid

	lf := domain.LockFile{PIDs: []int{deadPID}, Port: 1234, Host: "127.0.0.1", StartedAt: 0}
	raw, err := json.Marshal(lf)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	l := New(path)
	res, err := l.Acquire(8787, "0.0.0.0") // different port/host than the dead entry
	require.NoError(t, err)
	assert.True(t, res.Owner, "all-dead pids means the lock is up for grabs regardless of stored port/host")
}

func TestIsOwnerTracksAcquiredRole(t *testing.T) {
	path := lockPath(t)

	owner := New(path)
	_, err := owner.Acquire(8787, "127.0.0.1")
	require.NoError(t, err)

	joiner := New(path)
	res, err := joiner.Acquire(8787, "127.0.0.1")
	require.NoError(t, err)
	require.False(t, res.Owner)

	got, err := owner.IsOwner()
	require.NoError(t, err)
	assert.True(t, got)

	got, err = joiner.IsOwner()
	require.NoError(t, err)
	assert.False(t, got, "a joiner never reports ownership, even from the same process")

	require.NoError(t, owner.Release())
	got, err = owner.IsOwner()
	require.NoError(t, err)
	assert.False(t, got, "ownership ends at Release")
}

func TestCorruptLockFileTreatedAsAbsent(t *testing.T) {
	path := lockPath(t)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	l := New(path)
	res, err := l.Acquire(8787, "127.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Owner)
}
