package ttysess

import (
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSpawnEchoesThroughPty(t *testing.T) {
	sess, err := Spawn("/bin/cat", nil, &unix.Termios{}, &pty.Winsize{Rows: 24, Cols: 80})
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.Master.Write([]byte("ping\n"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	sess.Master.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := sess.Master.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "ping")

	sess.Close()
}

func TestSpawnReportsPid(t *testing.T) {
	sess, err := Spawn("/bin/sleep", []string{"5"}, nil, nil)
	require.NoError(t, err)
	defer sess.Close()
	require.Greater(t, sess.Pid(), 0)
}
