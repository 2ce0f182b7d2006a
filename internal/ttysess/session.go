// Package ttysess manages the host-side pseudo-terminal and child process:
// spawn-on-a-pty, the no-echo canonical line discipline the child expects,
// and window-size propagation. It is the Go analogue of
// original_source/forkpty.c and the forkpty-equivalent call in
// original_source/detachtty.c, built on creack/pty rather than the
// ptmx/grantpt/unlockpt/STREAMS fallback the original carried for
// pre-Linux Unixes (see SPEC_FULL.md §4).
package ttysess

import (
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Session wraps a child process attached to a pty master.
type Session struct {
	Master *os.File
	cmd    *exec.Cmd
}

// Spawn opens a pty pair, applies winsize to the slave if given, and
// unconditionally sets the slave's line discipline to no-echo canonical
// mode (matching set_noecho() in original detachtty.c, which always
// reads and rewrites the child's own slave-side termios rather than an
// optional caller-supplied one), before execing cmdPath with args as a
// new session leader with the slave as controlling terminal.
//
// termios, when non-nil, seeds the starting point for that rewrite (the
// invoking terminal's settings, captured before any daemonization closed
// fd 0); when nil — as is always the case once detachtty has
// daemonized, since its fd 0 is then /dev/null — the slave's own current
// termios is read and used as the starting point instead, so the
// no-echo bits are applied either way.
func Spawn(cmdPath string, args []string, termios *unix.Termios, winsize *pty.Winsize) (*Session, error) {
	cmd := exec.Command(cmdPath, args...)
	cmd.Env = os.Environ()

	ptmx, tty, err := pty.Open()
	if err != nil {
		return nil, err
	}
	defer tty.Close()

	base := termios
	if base == nil {
		got, err := unix.IoctlGetTermios(int(tty.Fd()), unix.TCGETS)
		if err != nil {
			ptmx.Close()
			return nil, err
		}
		base = got
	}
	applied := *base
	setNoEcho(&applied)
	if err := unix.IoctlSetTermios(int(tty.Fd()), unix.TCSETS, &applied); err != nil {
		ptmx.Close()
		return nil, err
	}

	if winsize != nil {
		pty.Setsize(ptmx, winsize)
	}

	cmd.Stdin = tty
	cmd.Stdout = tty
	cmd.Stderr = tty
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0,
	}

	if err := cmd.Start(); err != nil {
		ptmx.Close()
		return nil, err
	}

	return &Session{Master: ptmx, cmd: cmd}, nil
}

// setNoEcho clears ECHO|ECHOE|ECHOK|ECHONL, sets ICANON, and pins VERASE to
// DEL (0177), matching the original's set_noecho() for the child's slave
// side — this is what a canonical line-editor REPL expects on its stdin.
func setNoEcho(t *unix.Termios) {
	t.Lflag &^= unix.ECHO | unix.ECHOE | unix.ECHOK | unix.ECHONL
	t.Lflag |= unix.ICANON
	t.Cc[unix.VERASE] = 0177
}

// Resize issues TIOCSWINSZ on the pty master.
func (s *Session) Resize(ws *pty.Winsize) error {
	return pty.Setsize(s.Master, ws)
}

// Pid returns the child's process id.
func (s *Session) Pid() int {
	if s.cmd.Process == nil {
		return -1
	}
	return s.cmd.Process.Pid
}

// Wait reaps the child. It returns nil on a clean exit and otherwise the
// error from exec.Cmd.Wait (an *exec.ExitError when the child exited
// non-zero or was killed by a signal), from which callers read the exit
// code or signal.
func (s *Session) Wait() error {
	return s.cmd.Wait()
}

// Close closes the pty master. The child is not explicitly signaled here;
// losing the master triggers SIGHUP/EIO on its side as usual pty semantics.
func (s *Session) Close() error {
	return s.Master.Close()
}
