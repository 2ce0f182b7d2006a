// Package host implements the detachtty event loop: the three-way
// multiplex among child pty, listening socket, and at-most-one client
// socket, described in spec.md §4.2-§4.4. It is the Go analogue of
// original_source/detachtty.c's main loop.
package host

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/huetsch/detachtty/internal/ioloop"
	"github.com/huetsch/detachtty/internal/logging"
	"github.com/huetsch/detachtty/internal/rendezvous"
	"github.com/huetsch/detachtty/internal/ttysess"
)

const progname = "detachtty"

// Config bundles everything Host.New needs to bring up a session.
type Config struct {
	SocketPath      string
	DribbleFilePath string
	LogFilePath     string
	PidFilePath     string
	CommandPath     string
	CommandArgs     []string
	Termios         *unix.Termios
	Winsize         *pty.Winsize
}

// Host owns the listening socket, the pty session, and the single
// attached-client slot (spec.md Data Model: "Host state").
type Host struct {
	cfg Config
	log *logging.Logger

	listenFD      int
	listenFile    *os.File // keeps listenFD's descriptor alive against GC finalization
	clientFD      int // -1 when no client is attached
	ptyMaster     *os.File
	session       *ttysess.Session
	dribbleFD     int // -1 when no dribble file is configured
	pendingSendFD int // pty master fd queued to hand off to the next client read

	pump *ioloop.Pump

	sighup int32
	fatal  int32 // holds the signal number, 0 means "none pending"
}

// New binds the rendezvous socket (with stale-socket recovery), opens the
// log and dribble files, writes the pid file, and spawns the child on a
// pty. It does not yet start the event loop.
func New(cfg Config) (*Host, error) {
	log, err := logging.New(progname, cfg.LogFilePath)
	if err != nil {
		return nil, err
	}

	h := &Host{
		cfg:       cfg,
		log:       log,
		clientFD:  -1,
		dribbleFD: -1,
		pump:      ioloop.NewPump(),
	}

	listener, err := rendezvous.BindOrRecover(cfg.SocketPath, cfg.PidFilePath)
	if err != nil {
		return nil, log.Fatal(err, "bind")
	}
	rawListener, err := listener.File()
	if err != nil {
		listener.Close()
		return nil, log.Fatal(err, "listener fd")
	}
	// listener.File() dup()s the fd; we no longer need the *net.UnixListener
	// once we have a raw fd to poll directly alongside the pty master. The
	// dup'd *os.File is kept alive on h so its finalizer never closes the fd
	// out from under the poll loop. Unlink-on-close is turned off so closing
	// the listener leaves the rendezvous path in place.
	listener.SetUnlinkOnClose(false)
	listener.Close()
	h.listenFile = rawListener
	h.listenFD = int(rawListener.Fd())

	if err := rendezvous.WritePID(cfg.PidFilePath); err != nil {
		log.Printf("failed to write pid file %q: %s", cfg.PidFilePath, err)
	}

	if err := h.openDribble(); err != nil {
		log.Printf("cannot open dribble file %s: %s", cfg.DribbleFilePath, err)
	}

	sess, err := ttysess.Spawn(cfg.CommandPath, cfg.CommandArgs, cfg.Termios, cfg.Winsize)
	if err != nil {
		rendezvous.Cleanup(cfg.SocketPath, cfg.PidFilePath)
		return nil, log.Fatal(err, "can't fork")
	}
	h.session = sess
	h.ptyMaster = sess.Master
	h.pendingSendFD = int(sess.Master.Fd())

	return h, nil
}

func (h *Host) openDribble() error {
	if h.cfg.DribbleFilePath == "" {
		return nil
	}
	if h.dribbleFD >= 0 {
		unix.Close(h.dribbleFD)
		h.dribbleFD = -1
	}
	fd, err := unix.Open(h.cfg.DribbleFilePath, unix.O_WRONLY|unix.O_CREAT|unix.O_APPEND, 0600)
	if err != nil {
		return err
	}
	h.dribbleFD = fd
	return nil
}

// fatalSignals is the set the original installs a one-shot (SA_RESETHAND)
// handler for: catch once, restore default disposition, so a repeat
// delivery really kills the process (spec.md §5, §9).
var fatalSignals = []os.Signal{
	syscall.SIGQUIT, syscall.SIGILL, syscall.SIGABRT, syscall.SIGBUS,
	syscall.SIGFPE, syscall.SIGSEGV, syscall.SIGTERM, syscall.SIGXCPU, syscall.SIGXFSZ,
}

// Run installs signal handlers and drives the event loop until the child
// exits or a fatal signal arrives, returning the process exit code called
// for by spec.md §6 ("Host CLI"): 0 clean, a positive signal number on a
// fatal signal.
func (h *Host) Run() int {
	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, fatalSignals...)
	signal.Notify(sigCh, syscall.SIGHUP)
	signal.Ignore(syscall.SIGPIPE)

	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				atomic.StoreInt32(&h.sighup, 1)
				continue
			}
			if n, ok := sig.(syscall.Signal); ok {
				atomic.StoreInt32(&h.fatal, int32(n))
			}
			signal.Reset(sig)
		}
	}()

	h.log.Printf("Successfully started")

	for {
		if code, done := h.processSignals(); done {
			return code
		}

		fds := h.buildPollSet()
		n, err := unix.Poll(fds, -1)
		if err != nil {
			if err != unix.EINTR && err != unix.EAGAIN {
				h.log.Printf("poll failed: %s", err)
			}
			continue
		}
		if n == 0 {
			continue
		}

		if code, done := h.processSignals(); done {
			return code
		}

		if done, code := h.handleRevents(fds); done {
			return code
		}
	}
}

func (h *Host) buildPollSet() []unix.PollFd {
	fds := []unix.PollFd{
		{Fd: int32(h.ptyMaster.Fd()), Events: unix.POLLIN},
		{Fd: int32(h.listenFD), Events: unix.POLLIN},
	}
	if h.clientFD >= 0 {
		fds = append(fds, unix.PollFd{Fd: int32(h.clientFD), Events: unix.POLLIN})
	}
	return fds
}

// processSignals drains the sighup/fatal flags, returning (exitCode, true)
// when the loop should terminate.
func (h *Host) processSignals() (int, bool) {
	if sig := atomic.SwapInt32(&h.fatal, 0); sig != 0 {
		h.tidyUp(int(sig))
		return int(sig), true
	}
	if atomic.SwapInt32(&h.sighup, 0) != 0 {
		h.reopenFiles(syscall.SIGHUP)
	}
	return 0, false
}

func (h *Host) reopenFiles(sig syscall.Signal) {
	if err := h.log.Reopen(); err != nil {
		h.log.Printf("fopen log file: %s", err)
	} else if h.cfg.LogFilePath != "" {
		h.log.Printf("Got signal %d, reopened log file %q", sig, h.cfg.LogFilePath)
	}
	if err := h.openDribble(); err != nil {
		h.log.Printf("Cannot open dribble file %s", h.cfg.DribbleFilePath)
	}
}

// handleRevents processes one iteration's poll results in the exact order
// from spec.md §4.2's table. Returns (true, exitCode) when Run should
// return.
func (h *Host) handleRevents(fds []unix.PollFd) (bool, int) {
	ptyRevents := fds[0].Revents
	listenRevents := fds[1].Revents

	if ptyRevents&unix.POLLIN != 0 {
		n, err := h.pump.CopyABitLog(int(h.ptyMaster.Fd()), h.clientFD, h.dribbleFD, h.pendingSendFD, nil, h.log, "copying from child")
		if err != nil {
			h.log.Printf("copying from child: %s", err)
		} else if n > 0 {
			h.pendingSendFD = -1
		}
	}
	if ptyRevents&unix.POLLHUP != 0 {
		h.log.Printf("child terminated, exiting")
		if h.clientFD >= 0 {
			unix.Close(h.clientFD)
			h.clientFD = -1
		}
		h.tidyUp(0)
		return true, 0
	}

	if listenRevents&unix.POLLIN != 0 {
		h.acceptClient()
		return false, 0
	}

	if h.clientFD >= 0 && len(fds) > 2 {
		clientRevents := fds[2].Revents
		if clientRevents&unix.POLLIN != 0 {
			n, err := h.pump.CopyABitLog(h.clientFD, int(h.ptyMaster.Fd()), h.dribbleFD, -1, nil, h.log, "copying from socket, closing connection")
			if n == 0 && err == nil {
				unix.Close(h.clientFD)
				h.clientFD = -1
			}
		}
		if clientRevents&unix.POLLHUP != 0 {
			h.log.Printf("closed connection due to hangup")
			unix.Close(h.clientFD)
			h.clientFD = -1
		}
	}
	return false, 0
}

// acceptClient accepts unconditionally, displacing any previously attached
// client (spec.md §4.2 "Single-client policy"), then synchronously drains
// the replay slot into the new client before the next poll.
func (h *Host) acceptClient() {
	newFD, _, err := unix.Accept(h.listenFD)
	if err != nil {
		return
	}
	wasConnected := h.clientFD >= 0
	h.log.Printf("accepted connection%s", connMsg(wasConnected))
	if wasConnected {
		unix.Close(h.clientFD)
	}
	h.clientFD = newFD
	h.pendingSendFD = int(h.ptyMaster.Fd())

	if n, err := h.pump.DrainTo(h.clientFD, h.pendingSendFD); err == nil && n > 0 {
		h.pendingSendFD = -1
	}
}

func connMsg(wasConnected bool) string {
	if wasConnected {
		return " (and closing previous one)"
	}
	return ""
}

// tidyUp logs the exit reason and unlinks the rendezvous socket and pid
// file, matching original tidy_up_nicely().
func (h *Host) tidyUp(sig int) {
	if sig != 0 {
		h.log.Printf("got unexpected signal %d, exiting", sig)
	} else {
		h.log.Printf("exiting")
	}
	if err := rendezvous.Cleanup(h.cfg.SocketPath, h.cfg.PidFilePath); err != nil {
		h.log.Printf("error unlinking: %s", err)
	}
}

// Wait reaps the child process once the loop has exited, returning the
// child's own exit status as ttysess.Session.Wait reports it.
func (h *Host) Wait() error {
	return h.session.Wait()
}
