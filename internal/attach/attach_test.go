package attach

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/huetsch/detachtty/internal/logging"
)

func discardLogger(t *testing.T) *logging.Logger {
	t.Helper()
	l, err := logging.New("attachtty", filepath.Join(t.TempDir(), "attach.log"))
	require.NoError(t, err)
	return l
}

func listenTemp(t *testing.T) (net.Listener, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, uuid.NewString()[:8]+".sock")
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	return l, path
}

func TestNewDialsSocket(t *testing.T) {
	l, path := listenTemp(t)
	defer l.Close()

	done := make(chan struct{})
	go func() {
		conn, err := l.Accept()
		if err == nil {
			conn.Close()
		}
		close(done)
	}()

	a, err := New(path, discardLogger(t))
	require.NoError(t, err)
	defer a.Close()
	require.GreaterOrEqual(t, a.fd, 0)

	<-done
}

func TestRunScriptedSendsTextAndEchoesReply(t *testing.T) {
	l, path := listenTemp(t)
	defer l.Close()

	serverDone := make(chan string, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			serverDone <- ""
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		total := 0
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for total < len("hi\r") {
			n, err := conn.Read(buf[total:])
			if err != nil {
				break
			}
			total += n
		}
		conn.Write([]byte("reply"))
		serverDone <- string(buf[:total])
	}()

	a, err := New(path, discardLogger(t))
	require.NoError(t, err)
	defer a.Close()

	code := a.RunScripted("hi", 2*time.Second)
	require.Equal(t, 0, code)
	require.Equal(t, "hi\r", <-serverDone)
}
