// Package attach implements the attacher side of the relay: transparent
// terminal mode, SIGINT/SIGTSTP/SIGWINCH forwarding, the suspend/resume
// dance, and the two poll loops (interactive and scripted) described in
// spec.md §4.5-§4.6. It is the Go analogue of original_source/attachtty.c.
package attach

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/huetsch/detachtty/internal/ioloop"
	"github.com/huetsch/detachtty/internal/logging"
)

const progname = "attachtty"

// fatalSignals mirrors init_signal_handlers' fatal_sig list in
// original_source/attachtty.c: caught once (SA_RESETHAND-equivalent),
// logged, and the loop exits.
var fatalSignals = []os.Signal{
	syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGILL, syscall.SIGABRT,
	syscall.SIGBUS, syscall.SIGFPE, syscall.SIGSEGV, syscall.SIGPIPE,
	syscall.SIGTERM, syscall.SIGCHLD, syscall.SIGXCPU, syscall.SIGXFSZ,
}

// Attacher owns the terminal state, the connection to the host, and the
// single replay-slot pump used for both read directions.
type Attacher struct {
	connFile *os.File // keeps the dup'd connection fd alive against GC finalization
	fd       int      // raw fd of connFile, for unix.Poll/unix.Read/unix.Write

	ptyMaster int // -1 until received via SCM_RIGHTS
	recvFD    *int

	saved  unix.Termios
	haveIt bool

	log *logging.Logger

	interrupted int32
	suspended   int32
	resized     int32
	fatal       int32

	sigCh chan os.Signal

	pump *ioloop.Pump
}

// New dials the Unix-domain rendezvous socket and prepares an Attacher. The
// connection is dup'd into a plain blocking fd via (*net.UnixConn).File()
// so the rest of this package can drive it directly with unix.Poll and
// unix.Read/Write instead of through net.Conn's non-blocking runtime
// poller — the same technique internal/host uses for its listener fd.
func New(socketPath string, log *logging.Logger) (*Attacher, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, err
	}
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("attach: not a unix socket connection")
	}
	connFile, err := uc.File()
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.Close()

	master := -1
	a := &Attacher{
		connFile:  connFile,
		fd:        int(connFile.Fd()),
		ptyMaster: -1,
		recvFD:    &master,
		log:       log,
		pump:      ioloop.NewPump(),
	}
	return a, nil
}

// InitTTY puts fd 0 into the raw-ish mode original_source/attachtty.c's
// init_tty() establishes: input translation and flow control disabled,
// canonical/echo/extended processing disabled, VSTART/VSTOP disabled,
// with ONLCR left cleared on the output side (the original sets then
// immediately clears it alongside OCRNL/ONOCR/ONLRET — kept verbatim
// here rather than "fixed", since that is the behavior being replicated).
func (a *Attacher) InitTTY() error {
	saved, err := unix.IoctlGetTermios(0, unix.TCGETS)
	if err != nil {
		return err
	}
	a.saved = *saved
	a.haveIt = true

	tty := *saved
	tty.Iflag &^= unix.INLCR | unix.ICRNL | unix.IGNCR | unix.IXON | unix.IXOFF
	tty.Oflag &^= unix.OCRNL | unix.ONOCR | unix.ONLRET
	tty.Oflag |= unix.ONLCR
	tty.Oflag &^= unix.ONLCR | unix.OCRNL | unix.ONOCR | unix.ONLRET
	tty.Lflag &^= unix.ECHO | unix.ICANON | unix.IEXTEN
	tty.Cc[unix.VSTART] = 0
	tty.Cc[unix.VSTOP] = 0

	return unix.IoctlSetTermios(0, unix.TCSETSW, &tty)
}

// RestoreTTY restores the terminal state InitTTY saved.
func (a *Attacher) RestoreTTY() error {
	if !a.haveIt {
		return nil
	}
	return unix.IoctlSetTermios(0, unix.TCSETSW, &a.saved)
}

// SendWindowSize issues TIOCGWINSZ on fd 0 then TIOCSWINSZ on fd, the Go
// analogue of send_window_size() in original_source/attachtty.c.
func SendWindowSize(fd int) error {
	if fd < 0 {
		return fmt.Errorf("attach: no pty fd to resize")
	}
	ws, err := unix.IoctlGetWinsize(0, unix.TIOCGWINSZ)
	if err != nil {
		return err
	}
	return unix.IoctlSetWinsize(fd, unix.TIOCSWINSZ, ws)
}

// installSignals wires SIGINT, SIGTSTP, SIGWINCH and the fatal set into
// the atomic-flag-plus-drain discipline shared with the host loop.
func (a *Attacher) installSignals() {
	a.sigCh = make(chan os.Signal, 8)
	signal.Notify(a.sigCh, syscall.SIGINT, syscall.SIGWINCH, syscall.SIGTSTP)
	signal.Notify(a.sigCh, fatalSignals...)

	go func() {
		for sig := range a.sigCh {
			switch sig {
			case syscall.SIGINT:
				atomic.StoreInt32(&a.interrupted, 1)
			case syscall.SIGWINCH:
				atomic.StoreInt32(&a.resized, 1)
			case syscall.SIGTSTP:
				atomic.StoreInt32(&a.suspended, 1)
			default:
				if n, ok := sig.(syscall.Signal); ok {
					atomic.StoreInt32(&a.fatal, int32(n))
				}
				signal.Reset(sig)
			}
		}
	}()
}

// SuspendMyself implements suspend_myself(): restore the terminal and
// SIGTSTP's disposition to default, re-raise SIGTSTP against ourselves so
// the shell's job control actually stops us, then on SIGCONT re-arm
// SIGTSTP handling and re-enter raw mode. Idempotent across repeated
// Ctrl-Z/fg cycles, per spec.md §8's idempotent-restore property.
func (a *Attacher) SuspendMyself() {
	a.RestoreTTY()
	signal.Stop(a.sigCh)
	signal.Reset(syscall.SIGTSTP)

	syscall.Kill(os.Getpid(), syscall.SIGTSTP)

	signal.Notify(a.sigCh, syscall.SIGINT, syscall.SIGWINCH, syscall.SIGTSTP)
	signal.Notify(a.sigCh, fatalSignals...)
	a.InitTTY()
}

// processSignals drains the interrupted/suspended/resized/fatal flags in
// the order the original's main loop inspects them. Returns true when a
// fatal signal means the loop should stop.
func (a *Attacher) processSignals(writeInterrupt func()) (fatalSig int, stop bool) {
	if atomic.SwapInt32(&a.interrupted, 0) != 0 {
		writeInterrupt()
	}
	if atomic.SwapInt32(&a.suspended, 0) != 0 {
		a.SuspendMyself()
	}
	if atomic.SwapInt32(&a.resized, 0) != 0 && a.ptyMaster >= 0 {
		SendWindowSize(a.ptyMaster)
	}
	if sig := atomic.SwapInt32(&a.fatal, 0); sig != 0 {
		return int(sig), true
	}
	return 0, false
}

// RunInteractive relays bytes between fd 0/1 and the host connection
// until either side reaches EOF, a hangup on stdin is observed, or a
// fatal signal arrives. It is the no-text branch of connect_direct().
func (a *Attacher) RunInteractive() int {
	a.installSignals()
	defer signal.Stop(a.sigCh)

	for {
		if sig, stop := a.processSignals(a.writeInterruptByte); stop {
			a.log.Printf("got signal %d, exiting", sig)
			return 0
		}

		fds := []unix.PollFd{
			{Fd: int32(a.fd), Events: unix.POLLIN},
			{Fd: 0, Events: unix.POLLIN | unix.POLLHUP},
		}
		_, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			a.log.Printf("poll failed: %s", err)
			return 1
		}

		if sig, stop := a.processSignals(a.writeInterruptByte); stop {
			a.log.Printf("got signal %d, exiting", sig)
			return 0
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			n, err := a.pump.CopyABitLog(a.fd, 1, -1, -1, a.recvFD, a.log, "copying from socket, exiting")
			if err != nil && !errors.Is(err, ioloop.ErrPeerClosed) {
				a.log.Printf("copying from socket: %s", err)
				return 1
			}
			if n == 0 {
				return 0
			}
			if a.recvFD != nil && *a.recvFD >= 0 {
				a.ptyMaster = *a.recvFD
				SendWindowSize(a.ptyMaster)
				a.recvFD = nil
			}
		}

		if fds[1].Revents&unix.POLLIN != 0 {
			n, err := a.pump.CopyABit(0, a.fd, -1, -1, nil)
			if err != nil && !errors.Is(err, ioloop.ErrPeerClosed) {
				a.log.Printf("copying to socket: %s", err)
				return 1
			}
			if n == 0 {
				return 0
			}
		}
		if fds[1].Revents&unix.POLLHUP != 0 {
			a.log.Printf("closed connection due to hangup, exiting")
			return 0
		}
	}
}

// RunScripted sends text over the connection, then echoes whatever comes
// back to fd 1 until timeout elapses or the host closes the connection.
// It is the text-bearing branch of connect_direct().
func (a *Attacher) RunScripted(text string, timeout time.Duration) int {
	a.installSignals()
	defer signal.Stop(a.sigCh)

	remaining := []byte(text)
	deadline := time.Now().Add(timeout)
	wantWrite := len(remaining) > 0

	for {
		if sig, stop := a.processSignals(a.writeInterruptByte); stop {
			a.log.Printf("got signal %d, exiting", sig)
			return 0
		}

		events := int16(unix.POLLIN)
		if wantWrite {
			events |= unix.POLLOUT
		}
		fds := []unix.PollFd{{Fd: int32(a.fd), Events: events}}

		// The deadline is live for the whole scripted run, not just while
		// there's still text to write: the original recomputes msec_left
		// and checks the deadline unconditionally in the scripted branch
		// of connect_direct(), so a client that's done writing still polls
		// with a bounded timeout and exits once time_end passes.
		msec := int(time.Until(deadline) / time.Millisecond)
		if msec < 0 {
			msec = 0
		}

		_, err := unix.Poll(fds, msec)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			a.log.Printf("poll failed: %s", err)
			return 1
		}

		if sig, stop := a.processSignals(a.writeInterruptByte); stop {
			a.log.Printf("got signal %d, exiting", sig)
			return 0
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			n, err := a.pump.CopyABitLog(a.fd, 1, -1, -1, a.recvFD, a.log, "copying from socket, exiting")
			if err != nil && !errors.Is(err, ioloop.ErrPeerClosed) {
				a.log.Printf("copying from socket: %s", err)
				return 1
			}
			if n == 0 {
				return 0
			}
			if a.recvFD != nil && *a.recvFD >= 0 {
				a.ptyMaster = *a.recvFD
				SendWindowSize(a.ptyMaster)
				a.recvFD = nil
			}
		}

		if wantWrite && fds[0].Revents&unix.POLLOUT != 0 {
			n, err := unix.Write(a.fd, remaining)
			if err != nil {
				if err != unix.EINTR {
					a.log.Printf("write failed: %s", err)
					return 1
				}
			} else if n > 0 {
				remaining = remaining[n:]
				if len(remaining) == 0 {
					wantWrite = false
					unix.Write(a.fd, []byte("\r"))
				}
			}
		}

		if time.Now().After(deadline) {
			unix.Close(a.fd)
			return 0
		}
	}
}

func (a *Attacher) writeInterruptByte() {
	unix.Write(a.fd, []byte{0x03})
}

// Close releases the connection and the received pty fd, if any.
func (a *Attacher) Close() error {
	if a.ptyMaster >= 0 {
		unix.Close(a.ptyMaster)
	}
	return a.connFile.Close()
}
