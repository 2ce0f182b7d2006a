package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/creack/pty"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/huetsch/detachtty/internal/host"
)

const version = "2.0"

// detachDoneEnv marks a re-exec'd, already-daemonized child so it doesn't
// daemonize a second time (there being no raw fork() to double-fork with
// in Go — see SPEC_FULL.md §6).
const detachDoneEnv = "DETACHTTY_DAEMONIZED"

// winsizeEnv carries the invoking terminal's dimensions across the
// daemonize() re-exec, whose fd 0 is /dev/null and so can no longer be
// queried with TIOCGWINSZ once the child starts.
const winsizeEnv = "DETACHTTY_WINSIZE"

var (
	noDetach    bool
	dribbleFile string
	logFile     string
	pidFile     string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "detachtty socket-path /path/to/command [arg]...",
	Short: "Run a command on a pty, detached from any controlling terminal",
	Long: `detachtty starts a command on a pseudo-terminal and listens on a
Unix-domain socket for a single attachtty client to connect to it.

Example:
  detachtty /tmp/mysession.sock /bin/bash`,
	Version:            version,
	Args:               cobra.MinimumNArgs(2),
	DisableFlagsInUseLine: true,
	RunE:               run,
}

func init() {
	rootCmd.Flags().BoolVar(&noDetach, "no-detach", false, "do not daemonize; stay in the foreground")
	rootCmd.Flags().StringVar(&dribbleFile, "dribble-file", "", "append everything read from the child to this file")
	rootCmd.Flags().StringVar(&logFile, "log-file", "", "write log messages to this file instead of stderr")
	rootCmd.Flags().StringVar(&pidFile, "pid-file", "", "write the daemon's pid to this file")
}

func run(cmd *cobra.Command, args []string) error {
	socketPath := args[0]
	cmdPath := args[1]
	cmdArgs := args[2:]

	if !filepath.IsAbs(cmdPath) {
		return fmt.Errorf("detachtty: /path/to/command must be absolute, got %q", cmdPath)
	}

	// Capture the invoking terminal's settings before any daemonization
	// closes fd 0 out from under us (matches the original reading
	// tcgetattr(0,...)/ioctl(0,TIOCGWINSZ,...) before forkpty()).
	var termios *unix.Termios
	var winsize *pty.Winsize
	if t, err := unix.IoctlGetTermios(0, unix.TCGETS); err == nil {
		termios = t
	}
	if w, h, err := term.GetSize(0); err == nil {
		winsize = &pty.Winsize{Rows: uint16(h), Cols: uint16(w)}
	}

	if !noDetach && os.Getenv(detachDoneEnv) == "" {
		return daemonize(winsize)
	}

	// Once re-exec'd, fd 0 is /dev/null and TIOCGWINSZ above always failed;
	// recover the size the daemonize() parent captured instead.
	if winsize == nil {
		winsize = parseWinsizeEnv(os.Getenv(winsizeEnv))
	}

	h, err := host.New(host.Config{
		SocketPath:      socketPath,
		DribbleFilePath: dribbleFile,
		LogFilePath:     logFile,
		PidFilePath:     pidFile,
		CommandPath:     cmdPath,
		CommandArgs:     cmdArgs,
		Termios:         termios,
		Winsize:         winsize,
	})
	if err != nil {
		return err
	}

	code := h.Run()
	os.Exit(code)
	return nil
}

// daemonize re-execs this process with Setsid so it detaches from the
// invoking terminal, then releases the child without waiting for it, so the
// invoking process returns at once. Go provides no raw
// fork(2); this self-re-exec is the documented, spec-sanctioned stand-in
// for the original's daemon(1,1) call (see SPEC_FULL.md §6). winsize, if
// captured, is threaded through via env since the re-exec'd process's
// fd 0 is /dev/null and can no longer be queried with TIOCGWINSZ.
func daemonize(winsize *pty.Winsize) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devNull.Close()

	env := append(os.Environ(), detachDoneEnv+"=1")
	if winsize != nil {
		env = append(env, winsizeEnv+"="+strconv.Itoa(int(winsize.Rows))+","+strconv.Itoa(int(winsize.Cols)))
	}

	child := &os.ProcAttr{
		Env:   env,
		Files: []*os.File{devNull, devNull, os.Stderr},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	}
	p, err := os.StartProcess(self, os.Args, child)
	if err != nil {
		return err
	}
	return p.Release()
}

// parseWinsizeEnv parses the "rows,cols" form written by daemonize into
// winsizeEnv. Returns nil if s is empty or malformed.
func parseWinsizeEnv(s string) *pty.Winsize {
	rows, cols, ok := strings.Cut(s, ",")
	if !ok {
		return nil
	}
	r, err := strconv.Atoi(rows)
	if err != nil {
		return nil
	}
	c, err := strconv.Atoi(cols)
	if err != nil {
		return nil
	}
	return &pty.Winsize{Rows: uint16(r), Cols: uint16(c)}
}
