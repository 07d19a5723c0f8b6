// Command tether provides session detachment for interactive terminal
// programs: a long-lived server owns a PTY and a child process; any number
// of clients may attach, drive it, and detach without killing it.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/mattn/go-isatty"

	"github.com/mkellner/tether/internal/attach"
	"github.com/mkellner/tether/internal/bootstrap"
	"github.com/mkellner/tether/internal/config"
	"github.com/mkellner/tether/internal/server"
	"github.com/mkellner/tether/internal/session"
)

const version = "0.1.0"

// internalServerFlag is the hidden re-exec entry point bootstrap.Spawn uses
// to start the detached server. It never appears in user-facing help.
const internalServerFlag = "--tether-server"

func main() {
	args := os.Args[1:]
	if len(args) > 0 && args[0] == internalServerFlag {
		os.Exit(runServer(args[1:]))
	}
	os.Exit(runCLI(args))
}

type cliOptions struct {
	action      byte // 'c', 'n', 'a', 'A', or 0
	readOnly    bool
	lowPriority bool
	passthrough bool
	quiet       bool
	force       bool
	version     bool
	watch       bool
	detachKey   string
	name        string
	command     []string
}

func runCLI(args []string) int {
	opts, err := parseArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tether: %v\n", err)
		return 1
	}

	if opts.version {
		fmt.Println("tether-" + version)
		return 0
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tether: loading config: %v\n", err)
		return 1
	}
	if opts.detachKey != "" {
		cfg.DetachKey = opts.detachKey
	}
	if opts.quiet {
		cfg.Quiet = true
	}

	if opts.name == "" {
		return runList(cfg, opts.watch)
	}

	if opts.action == 0 {
		if opts.passthrough {
			opts.action = 'a'
		} else if !isatty.IsTerminal(os.Stdin.Fd()) {
			opts.action = 'a'
			opts.passthrough = true
		} else {
			fmt.Fprintln(os.Stderr, "tether: no action specified (-c, -n, -a, or -A)")
			return 1
		}
	}
	if opts.passthrough {
		cfg.Quiet = true
	}

	attachOpts := attach.Options{
		DetachKey:   config.ResolveDetachKey(cfg.DetachKey),
		ReadOnly:    opts.readOnly,
		LowPriority: opts.lowPriority,
		Quiet:       cfg.Quiet,
	}

	switch opts.action {
	case 'c':
		return runCreate(opts, cfg, attachOpts, true)
	case 'n':
		return runCreate(opts, cfg, attachOpts, false)
	case 'a':
		return runAttach(opts, cfg, attachOpts)
	case 'A':
		if session.Alive(opts.name, cfg.SocketDir) {
			return runAttach(opts, cfg, attachOpts)
		}
		return runCreate(opts, cfg, attachOpts, true)
	}
	return 1
}

// parseArgs implements tether's bundleable single-dash option syntax (e.g.
// "-rlq"), not a long-flag/subcommand model — hand-rolled getopt-style
// parsing, mirroring original_source/abduco.c:main's switch.
func parseArgs(args []string) (cliOptions, error) {
	var o cliOptions
	i := 0
	if len(args) > 0 && args[0] == "list" {
		i++
		for i < len(args) {
			if args[i] == "--watch" {
				o.watch = true
				i++
				continue
			}
			return o, fmt.Errorf("unknown list argument %q", args[i])
		}
		return o, nil
	}

	for i < len(args) {
		a := args[i]
		if a == "--" {
			i++
			break
		}
		if len(a) < 2 || a[0] != '-' {
			break
		}
		for j := 1; j < len(a); j++ {
			switch a[j] {
			case 'c':
				o.action = 'c'
			case 'n':
				o.action = 'n'
			case 'a':
				o.action = 'a'
			case 'A':
				o.action = 'A'
			case 'p':
				o.passthrough = true
			case 'r':
				o.readOnly = true
			case 'l':
				o.lowPriority = true
			case 'q':
				o.quiet = true
			case 'f':
				o.force = true
			case 'v':
				o.version = true
			case 'e':
				if j != len(a)-1 {
					return o, errors.New("-e must be the last flag in its group and takes a value")
				}
				if i+1 >= len(args) {
					return o, errors.New("-e requires a detach key argument")
				}
				o.detachKey = args[i+1]
				i++
			default:
				return o, fmt.Errorf("unknown option -%c", a[j])
			}
		}
		i++
	}

	if o.version {
		return o, nil
	}
	if i < len(args) {
		o.name = args[i]
		o.command = args[i+1:]
	}
	return o, nil
}

func runList(cfg config.Config, watch bool) int {
	dir, err := session.Dir(cfg.SocketDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tether: %v\n", err)
		return 1
	}
	host := session.Hostname()
	if watch {
		return runListWatch(dir, host)
	}
	return printList(dir, host)
}

func printList(dir, host string) int {
	entries, err := session.List(dir, host)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tether: %v\n", err)
		return 1
	}
	fmt.Printf("active sessions (on host %s)\n", host)
	for _, e := range entries {
		fmt.Printf("%c %s\t%d\t%s\n", e.Status, e.ModTime.Format("Mon Jan 2 15:04:05"), e.PID, e.Name)
	}
	return 0
}

func runCreate(opts cliOptions, cfg config.Config, attachOpts attach.Options, attachAfter bool) int {
	path, sessionName, err := session.SocketPath(opts.name, cfg.SocketDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tether: %v\n", err)
		return 1
	}
	if _, err := os.Stat(path); err == nil {
		if !opts.force {
			fmt.Fprintf(os.Stderr, "tether: session %s already exists\n", sessionName)
			return 1
		}
		if session.Alive(opts.name, cfg.SocketDir) {
			fmt.Fprintf(os.Stderr, "tether: session %s already exists and is running\n", sessionName)
			return 1
		}
		// The session is lingering: its child already died but its server
		// is still listening, waiting for some client to ack the final
		// EXIT. Drain it before reusing its socket path so the old server
		// shuts itself down instead of being orphaned with its PTY and
		// child process group still alive.
		if conn, _, derr := session.Connect(opts.name, cfg.SocketDir); derr == nil {
			attach.Drain(conn)
			conn.Close()
		}
		os.Remove(path)
	}

	serverArgs := []string{
		internalServerFlag,
		"--session", opts.name,
		"--socket-dir", cfg.SocketDir,
		"--scrollback", strconv.Itoa(cfg.Scrollback),
		"--",
	}
	serverArgs = append(serverArgs, opts.command...)
	if err := bootstrap.Spawn(serverArgs); err != nil {
		fmt.Fprintf(os.Stderr, "tether: %v\n", err)
		return 1
	}
	if !cfg.Quiet {
		fmt.Fprintf(os.Stderr, "tether: created session %s\n", sessionName)
	}

	if !attachAfter {
		return 0
	}
	return runAttach(opts, cfg, attachOpts)
}

func runAttach(opts cliOptions, cfg config.Config, attachOpts attach.Options) int {
	conn, _, err := session.Connect(opts.name, cfg.SocketDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tether: cannot connect to session %s: %v\n", opts.name, err)
		return 1
	}
	defer conn.Close()

	// -p suppresses the forwarded CONTENT stream itself, not just the
	// informational banners (which Quiet already covers).
	var stdout io.Writer = os.Stdout
	if opts.passthrough {
		attachOpts.Quiet = true
		stdout = io.Discard
	}

	result, err := attach.Run(conn, os.Stdin, stdout, int(os.Stdin.Fd()), opts.name, attachOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tether: %v\n", err)
		return 1
	}
	if result.Remote {
		return int(result.ExitStatus)
	}
	return 0
}

// runServer is the detached server's entry point, invoked by Spawn via
// internalServerFlag. args is everything after the flag: "--session NAME
// --socket-dir DIR --scrollback N -- command...".
func runServer(args []string) int {
	statusPipe, _ := bootstrap.IsDaemonChild()

	var name, socketDir string
	scrollback := 200
	i := 0
	for i < len(args) {
		switch args[i] {
		case "--session":
			i++
			name = args[i]
		case "--socket-dir":
			i++
			socketDir = args[i]
		case "--scrollback":
			i++
			n, err := strconv.Atoi(args[i])
			if err == nil {
				scrollback = n
			}
		case "--":
			i++
			goto doneParsing
		}
		i++
	}
doneParsing:
	command := args[i:]
	if len(command) == 0 {
		command = defaultCommand()
	}

	socketPath, sessionName, err := session.SocketPath(name, socketDir)
	if err != nil {
		bootstrap.ReportFailure(statusPipe, err)
		return 1
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Env = append(os.Environ(),
		"ABDUCO_SESSION="+sessionName,
		"ABDUCO_SOCKET="+socketPath,
	)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		bootstrap.ReportFailure(statusPipe, fmt.Errorf("starting %s: %w", command[0], err))
		return 1
	}
	pty.Setsize(ptmx, &pty.Winsize{Rows: 24, Cols: 80})

	srv := server.New(name, socketDir, socketPath, ptmx, cmd, scrollback)
	if err := srv.Listen(); err != nil {
		bootstrap.ReportFailure(statusPipe, err)
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		return 1
	}
	bootstrap.ReportReady(statusPipe)

	srv.Serve()
	return 0
}

// defaultCommand mirrors original_source/abduco.c:main's fallback chain:
// $ABDUCO_CMD if set, else /bin/sh.
func defaultCommand() []string {
	if c := os.Getenv("ABDUCO_CMD"); c != "" {
		return []string{"/bin/sh", "-c", c}
	}
	return []string{"/bin/sh"}
}

// runListWatch is a live-refreshing dashboard variant of the session list,
// grounded on cmd/grove/cmd_watch.go (alternate screen, ticker,
// SIGWINCH/SIGINT/SIGTERM handling). Where that polls on a blind ticker,
// this drives redraws off fsnotify events on the session directory —
// MarkAttached/MarkTerminated's chmod calls and session creation/removal
// all fire a directory event — keeping the ticker only as a slow fallback
// for entries a remote host updated on a shared directory.
func runListWatch(dir, host string) int {
	fmt.Print("\x1b[?1049h\x1b[?25l")
	defer fmt.Print("\x1b[?25h\x1b[?1049l")

	watcher, err := newDirWatcher(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tether: %v\n", err)
		return 1
	}
	defer watcher.Close()

	redraw := func() {
		fmt.Print("\x1b[H\x1b[2J")
		printList(dir, host)
		fmt.Print("\r\n(watching for changes, Ctrl-C to quit)\r\n")
	}
	redraw()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)
	defer signal.Stop(winchCh)

	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	events, errs := watcher.channels()
	for {
		select {
		case <-sigCh:
			return 0
		case <-winchCh:
			redraw()
		case <-events:
			redraw()
		case <-errs:
			// A transient watch error shouldn't kill the dashboard; the
			// ticker still picks up state on its next tick.
		case <-ticker.C:
			redraw()
		}
	}
}
