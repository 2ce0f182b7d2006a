package main

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/huetsch/detachtty/internal/attach"
	"github.com/huetsch/detachtty/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "attachtty socket-path [text] [timeout]",
	Short: "Attach to a detachtty session",
	Long: `attachtty connects to the Unix-domain socket a detachtty host is
listening on and relays terminal I/O between it and the invoking terminal.

  attachtty /tmp/mysession.sock
  attachtty user@remote-host:/tmp/mysession.sock
  attachtty /tmp/mysession.sock "ls\n" 5`,
	Args:          cobra.RangeArgs(1, 3),
	SilenceUsage:  true,
	RunE:          run,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	target := args[0]
	var text string
	var timeoutStr string
	if len(args) >= 2 {
		text = args[1]
	}
	if len(args) == 3 {
		timeoutStr = args[2]
	}

	if host, path, ok := strings.Cut(target, ":"); ok && strings.Contains(host, "@") {
		return execSSH(host, path, text, timeoutStr)
	}

	log, err := logging.New("attachtty", "")
	if err != nil {
		return err
	}
	log.Printf("connecting directly to %s", target)

	a, err := attach.New(target, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.InitTTY(); err != nil {
		return err
	}
	defer a.RestoreTTY()

	var code int
	if text == "" {
		code = a.RunInteractive()
	} else {
		timeout := time.Second
		if timeoutStr != "" {
			if n, err := strconv.Atoi(timeoutStr); err == nil && n > 0 {
				timeout = time.Duration(n) * time.Second
			}
		}
		code = a.RunScripted(text, timeout)
	}
	// os.Exit skips deferred calls, so restore and close explicitly first.
	a.RestoreTTY()
	a.Close()
	os.Exit(code)
	return nil
}

// execSSH replaces the current process with ssh -t host attachtty path
// [text] [timeout], the literal analogue of connect_ssh() in
// original_source/attachtty.c. The -t flag forces remote tty allocation
// so the remote attachtty can set up its own raw mode and forward Ctrl-C.
func execSSH(host, path, text, timeoutStr string) error {
	sshPath, err := exec.LookPath("ssh")
	if err != nil {
		return fmt.Errorf("attachtty: cannot find ssh in PATH: %w", err)
	}
	argv := []string{"ssh", "-t", host, "attachtty", path}
	if text != "" || timeoutStr != "" {
		argv = append(argv, text)
	}
	if timeoutStr != "" {
		argv = append(argv, timeoutStr)
	}
	return syscall.Exec(sshPath, argv, os.Environ())
}
