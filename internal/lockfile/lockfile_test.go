package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLockWritesOwner(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	require.NoError(t, err)
	defer lock.Release()

	content, err := os.ReadFile(filepath.Join(dir, LockFileName))
	require.NoError(t, err)
	owner := parseOwner(string(content))
	assert.Equal(t, strconv.Itoa(os.Getpid()), owner["pid"])
	assert.NotEmpty(t, owner["since"])
}

func TestAcquireLockConflict(t *testing.T) {
	dir := t.TempDir()
	first, err := AcquireLock(dir)
	require.NoError(t, err)
	defer first.Release()

	second, err := AcquireLock(dir)
	if err == nil {
		second.Release()
		t.Fatal("second acquisition should fail")
	}
	var lockErr *LockError
	require.True(t, errors.As(err, &lockErr))
	assert.Contains(t, err.Error(), "another CallPipe instance")
	assert.Contains(t, err.Error(), dir)
	assert.Contains(t, lockErr.Holder, "running")

	// The holder's owner record must survive the failed attempt.
	content, err := os.ReadFile(filepath.Join(dir, LockFileName))
	require.NoError(t, err)
	assert.Contains(t, string(content), "pid=")
}

func TestReleaseRemovesFileAndIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	require.NoError(t, err)

	require.NoError(t, lock.Release())
	_, err = os.Stat(filepath.Join(dir, LockFileName))
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, lock.Release())

	again, err := AcquireLock(dir)
	require.NoError(t, err)
	assert.NoError(t, again.Release())
}

func TestAcquireLockCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := AcquireLock(dir)
	require.NoError(t, err)
	defer lock.Release()

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestParseOwner(t *testing.T) {
	assert.Equal(t, map[string]string{"pid": "12", "host": "box"}, parseOwner("pid=12\nhost=box\n"))
	assert.Empty(t, parseOwner("garbage"))
}

func TestDescribeHolder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LockFileName)

	assert.Equal(t, "unknown", describeHolder(path))

	require.NoError(t, os.WriteFile(path, []byte("pid="+strconv.Itoa(os.Getpid())+"\nhost=box\n"), 0o644))
	assert.Equal(t, "pid "+strconv.Itoa(os.Getpid())+" on box (running)", describeHolder(path))

	require.NoError(t, os.WriteFile(path, []byte("pid=abc\n"), 0o644))
	assert.Equal(t, "unknown", describeHolder(path))
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
}
