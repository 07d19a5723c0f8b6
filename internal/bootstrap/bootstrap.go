// Package bootstrap launches the tether server detached from the invoking
// terminal.
//
// Go's multi-threaded runtime cannot safely call a raw fork(2), so this is
// not a literal translation of original_source/abduco.c:create_session's
// double fork. Instead it follows the same approach cmd/catherd/main.go's
// ensureDaemon uses: re-exec the current binary with SysProcAttr{Setsid:
// true} so the child becomes its own session leader, detached from the
// controlling terminal. A status pipe passed through cmd.ExtraFiles
// (rather than inherited across a literal exec) reproduces the original's
// EOF-with-zero-bytes-means-success protocol for reporting startup
// failures back to the foreground process.
package bootstrap

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// statusFDEnv tells the re-exec'd child which env var to check, and which
// fd (always 3: stdin/stdout/stderr occupy 0-2, ExtraFiles starts at 3) its
// status pipe was passed on.
const statusFDEnv = "TETHER_BOOTSTRAP_FD"

// Spawn re-execs the current binary with args, detaches it into its own
// session, and blocks until the child reports it finished startup (bound
// its socket and started the PTY) or failed.
func Spawn(args []string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer r.Close()

	cmd := exec.Command(exe, args...)
	cmd.Env = append(os.Environ(), statusFDEnv+"=3")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.ExtraFiles = []*os.File{w}

	if err := cmd.Start(); err != nil {
		w.Close()
		return fmt.Errorf("bootstrap: starting detached server: %w", err)
	}
	// The parent's copy of the write end must close, or its own ReadAll
	// below would block forever waiting for a EOF only the child can cause.
	w.Close()
	cmd.Process.Release()

	msg, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("bootstrap: reading status pipe: %w", err)
	}
	if len(msg) > 0 {
		return fmt.Errorf("bootstrap: server failed to start: %s", msg)
	}
	return nil
}

// IsDaemonChild reports whether the current process was launched by Spawn
// and, if so, returns its inherited status pipe.
func IsDaemonChild() (*os.File, bool) {
	if os.Getenv(statusFDEnv) != "3" {
		return nil, false
	}
	return os.NewFile(3, "tether-status"), true
}

// ReportReady signals the foreground process that startup succeeded. f may
// be nil when the caller wasn't launched via Spawn (e.g. the hidden server
// flag was invoked directly), in which case it is a no-op.
func ReportReady(f *os.File) {
	if f == nil {
		return
	}
	f.Close()
}

// ReportFailure signals the foreground process that startup failed, with
// err's message as the diagnostic the parent will print.
func ReportFailure(f *os.File, err error) {
	if f == nil {
		return
	}
	io.WriteString(f, err.Error())
	f.Close()
}
