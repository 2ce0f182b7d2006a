package ioloop

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestFillFromOverwritesOnlyOnSuccess(t *testing.T) {
	a, b := socketpair(t)
	p := NewPump()

	_, err := unix.Write(b, []byte("hello"))
	require.NoError(t, err)
	n, err := p.FillFrom(a, -1, nil)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []byte("hello"), p.Snapshot())

	unix.Close(b)
	n, err = p.FillFrom(a, -1, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	// Replay slot preserved across the EOF read.
	assert.Equal(t, []byte("hello"), p.Snapshot())
}

func TestDrainToWritesFullBuffer(t *testing.T) {
	a, b := socketpair(t)
	p := NewPump()

	_, err := unix.Write(a, []byte("prompt> "))
	require.NoError(t, err)
	_, err = p.FillFrom(b, -1, nil)
	require.NoError(t, err)

	n2, err := p.DrainTo(a, -1)
	require.NoError(t, err)
	assert.Equal(t, len("prompt> "), n2)
}

func TestDrainToReportsPeerClosed(t *testing.T) {
	a, b := socketpair(t)
	p := NewPump()
	p.n = copy(p.buf, []byte("x"))

	unix.Close(b)
	unix.Shutdown(a, unix.SHUT_RDWR)

	_, err := p.DrainTo(a, -1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPeerClosed)
}

func TestFdHandoffRoundTrip(t *testing.T) {
	a, b := socketpair(t)

	devnull, err := os.Open(os.DevNull)
	require.NoError(t, err)
	defer devnull.Close()

	send := NewPump()
	send.n = copy(send.buf, []byte("X"))
	_, err = send.DrainTo(a, int(devnull.Fd()))
	require.NoError(t, err)

	recv := NewPump()
	var gotFD = -1
	n, err := recv.FillFrom(b, -1, &gotFD)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []byte("X"), recv.Snapshot())
	require.NotEqual(t, -1, gotFD)
	unix.Close(gotFD)
}
