package rendezvous

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempSocketPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, uuid.NewString()[:8]+".sock")
}

func TestListenCreatesMode0600(t *testing.T) {
	path := tempSocketPath(t)
	l, err := Listen(path)
	require.NoError(t, err)
	defer l.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestBindOrRecoverReplacesStaleSocket(t *testing.T) {
	path := tempSocketPath(t)
	pidPath := path + ".pid"

	// Occupy the socket path with a stale, non-listening file, and record
	// a pid that cannot possibly be running.
	require.NoError(t, os.WriteFile(path, nil, 0600))
	require.NoError(t, WritePID(pidPath))

	// Overwrite the pid file with a pid that does not exist.
	require.NoError(t, os.WriteFile(pidPath, []byte("999999\n"), 0600))

	l, err := BindOrRecover(path, pidPath)
	require.NoError(t, err)
	defer l.Close()
}

func TestBindOrRecoverFailsWhenOwnerAlive(t *testing.T) {
	path := tempSocketPath(t)
	pidPath := path + ".pid"

	l1, err := Listen(path)
	require.NoError(t, err)
	defer l1.Close()
	require.NoError(t, WritePID(pidPath))

	_, err = BindOrRecover(path, pidPath)
	assert.Error(t, err)
}

func TestIsProcessRunning(t *testing.T) {
	assert.True(t, IsProcessRunning(os.Getpid()))
	assert.False(t, IsProcessRunning(999999))
}
