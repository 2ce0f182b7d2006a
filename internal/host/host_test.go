package host

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func tempPaths(t *testing.T) (sock, pid, log, dribble string) {
	t.Helper()
	dir := t.TempDir()
	base := uuid.NewString()[:8]
	return filepath.Join(dir, base+".sock"),
		filepath.Join(dir, base+".pid"),
		filepath.Join(dir, base+".log"),
		filepath.Join(dir, base+".dribble")
}

func newTestHost(t *testing.T, cmd string, args []string) (*Host, string) {
	t.Helper()
	sock, pid, logPath, dribble := tempPaths(t)
	h, err := New(Config{
		SocketPath:      sock,
		PidFilePath:     pid,
		LogFilePath:     logPath,
		DribbleFilePath: dribble,
		CommandPath:     cmd,
		CommandArgs:     args,
		Termios:         &unix.Termios{},
	})
	require.NoError(t, err)
	return h, sock
}

// TestAcceptReplaysLastChunk drives the host's accept path directly
// (rather than through Run's infinite poll) to check that a newly
// connected client receives the replay slot's contents.
func TestAcceptReplaysLastChunk(t *testing.T) {
	h, sock := newTestHost(t, "/bin/cat", nil)
	defer h.tidyUp(0)
	defer h.ptyMaster.Close()

	_, err := h.ptyMaster.Write([]byte("hello\n"))
	require.NoError(t, err)

	// Give /bin/cat a moment to echo the bytes back onto the master.
	time.Sleep(50 * time.Millisecond)
	n, err := h.pump.FillFrom(int(h.ptyMaster.Fd()), h.dribbleFD, nil)
	require.NoError(t, err)
	require.Greater(t, n, 0)

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()

	h.acceptClient()
	require.GreaterOrEqual(t, h.clientFD, 0)

	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	total := 0
	for total < len("hello\n") {
		nr, err := conn.Read(buf[total:])
		require.NoError(t, err)
		total += nr
	}
	require.Contains(t, string(buf[:total]), "hello")
}

// TestAcceptDisplacesPreviousClient checks the single-client policy: a
// second accept closes the first connection rather than queuing it.
func TestAcceptDisplacesPreviousClient(t *testing.T) {
	h, sock := newTestHost(t, "/bin/cat", nil)
	defer h.tidyUp(0)
	defer h.ptyMaster.Close()

	conn1, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn1.Close()
	h.acceptClient()
	firstFD := h.clientFD

	conn2, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn2.Close()
	h.acceptClient()

	require.NotEqual(t, firstFD, h.clientFD)

	buf := make([]byte, 1)
	conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn1.Read(buf)
	require.Error(t, err) // displaced connection observes EOF/closed
}

func TestBuildPollSetIncludesClientOnlyWhenAttached(t *testing.T) {
	h, sock := newTestHost(t, "/bin/cat", nil)
	defer h.tidyUp(0)
	defer h.ptyMaster.Close()

	require.Len(t, h.buildPollSet(), 2)

	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()
	h.acceptClient()

	require.Len(t, h.buildPollSet(), 3)
}
