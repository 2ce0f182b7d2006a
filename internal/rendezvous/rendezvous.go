// Package rendezvous manages the filesystem-named Unix stream socket the
// host listens on and the optional pid file used for stale-socket
// recovery (spec.md §4.4, §6 "Rendezvous"). It is adapted from the
// teacher's internal/daemon/pidfile.go, generalized to operate on
// caller-supplied paths instead of a single fixed state directory, since
// this spec's CLI takes an explicit SOCKET-PATH argument.
package rendezvous

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// MaxPathLen is the conservative sun_path safety margin named in spec.md
// §3 and §6 ("path truncated to the platform's sun_path size, 107-byte
// safety").
const MaxPathLen = 107

// TruncatePath truncates path to MaxPathLen bytes, mirroring the original's
// strncpy into sun_path.
func TruncatePath(path string) string {
	if len(path) <= MaxPathLen {
		return path
	}
	return path[:MaxPathLen]
}

// Listen binds a Unix-domain stream listener at path under umask 0077 and
// then sets the socket file's mode to 0600. The listen backlog is the
// system default that net.ListenUnix uses; it is not set to 1.
func Listen(path string) (*net.UnixListener, error) {
	path = TruncatePath(path)
	old := unix.Umask(0077)
	defer unix.Umask(old)

	addr := &net.UnixAddr{Name: path, Net: "unix"}
	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0600); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// BindOrRecover attempts Listen(socketPath); on failure, if pidFilePath is
// non-empty, it reads the recorded pid and — only if that process is not
// running — unlinks the stale socket and retries exactly once. Any other
// failure is fatal, per spec.md §4.4.
func BindOrRecover(socketPath, pidFilePath string) (*net.UnixListener, error) {
	l, err := Listen(socketPath)
	if err == nil {
		return l, nil
	}
	if pidFilePath == "" {
		return nil, fmt.Errorf("cannot create %q: does it already exist from a previous run? %w", socketPath, err)
	}

	oldPid, rerr := ReadPID(pidFilePath)
	if rerr != nil || oldPid <= 0 {
		return nil, fmt.Errorf("cannot create %q: does it already exist from a previous run? %w", socketPath, err)
	}
	if IsProcessRunning(oldPid) {
		return nil, fmt.Errorf("process %d for pid file %q is still running", oldPid, pidFilePath)
	}

	if uerr := os.Remove(TruncatePath(socketPath)); uerr != nil && !os.IsNotExist(uerr) {
		return nil, fmt.Errorf("bind: %w", err)
	}
	return Listen(socketPath)
}

// WritePID writes the current process id, followed by a newline, to path.
func WritePID(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

// ReadPID reads and parses a pid file.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// IsProcessRunning reports whether pid names a live process, by sending
// signal 0 and checking for ESRCH (spec.md §4.4: "sending signal 0 returns
// ESRCH").
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err != unix.ESRCH
}

// Cleanup unlinks the rendezvous socket and, if set, the pid file. Errors
// are returned but the caller is expected to log-and-continue, since this
// runs from the fatal-exit path where nothing more can be done.
func Cleanup(socketPath, pidFilePath string) error {
	var firstErr error
	if socketPath != "" {
		if err := os.Remove(TruncatePath(socketPath)); err != nil && !os.IsNotExist(err) {
			firstErr = err
		}
	}
	if pidFilePath != "" {
		if err := os.Remove(pidFilePath); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
