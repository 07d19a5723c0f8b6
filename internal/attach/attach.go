// Package attach implements the client side of a tether session: putting the
// local terminal into raw mode, forwarding stdin to the server and server
// output to stdout, and reacting to window-size changes and the detach
// hotkey.
//
// Grounded on cmd/catherd/main.go:cmdAttach, translated from its ad hoc
// 5-byte attach-frame format to tether's wire.Packet protocol — the
// two-goroutine (stdout-copy / stdin-scan) plus SIGWINCH-goroutine shape
// carries over unchanged.
package attach

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/term"

	"github.com/mkellner/tether/internal/wire"
)

// Options configures one attach session.
type Options struct {
	DetachKey   byte
	ReadOnly    bool
	LowPriority bool
	Quiet       bool
}

func (o Options) flags() int32 {
	var f int32
	if o.ReadOnly {
		f |= 1 << 0
	}
	if o.LowPriority {
		f |= 1 << 1
	}
	return f
}

// Drain attaches read-only to an already-dialed session just long enough to
// receive and acknowledge its final EXIT packet, then returns. It is used to
// let a lingering session (child dead, exit status undelivered) shut itself
// down cleanly before its socket path is reused, mirroring
// original_source/abduco.c:main's "-f" path, which attaches to a stale
// session before creating a replacement rather than discarding it outright.
func Drain(conn io.ReadWriter) error {
	greeting, err := wire.Recv(conn)
	if err != nil {
		return fmt.Errorf("attach: reading server greeting: %w", err)
	}
	if greeting.Type != wire.PID {
		return fmt.Errorf("attach: unexpected greeting packet %s", greeting.Type)
	}

	flags := Options{ReadOnly: true}.flags()
	if err := wire.Send(conn, wire.Packet{Type: wire.Attach, Payload: wire.Int32Payload(flags)}); err != nil {
		return err
	}

	for {
		pkt, err := wire.Recv(conn)
		if err != nil {
			return err
		}
		if pkt.Type == wire.Exit {
			return wire.Send(conn, pkt)
		}
	}
}

// Result reports how an attach session ended.
type Result struct {
	// Remote is true if the session ended because the server sent an EXIT
	// packet (the child process died) rather than a local detach.
	Remote     bool
	ExitStatus int32
}

// Run reads the server's PID greeting, switches the terminal to raw mode
// (when fd is a terminal; other input such as a pipe is used as is),
// sends ATTACH and an initial RESIZE, and blocks until the user detaches or
// the server reports the child has exited. conn must be freshly dialed and
// not yet used for any protocol traffic.
func Run(conn io.ReadWriter, stdin io.Reader, stdout io.Writer, fd int, sessionName string, opts Options) (Result, error) {
	greeting, err := wire.Recv(conn)
	if err != nil {
		return Result{}, fmt.Errorf("attach: reading server greeting: %w", err)
	}
	if greeting.Type != wire.PID {
		return Result{}, fmt.Errorf("attach: unexpected greeting packet %s", greeting.Type)
	}

	restore := func() {}
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return Result{}, fmt.Errorf("attach: cannot set raw mode: %w", err)
		}
		restore = func() { term.Restore(fd, oldState) }
	}
	defer restore()

	if !opts.Quiet {
		fmt.Fprintf(stdout, "\r\ntether: attached to %s (detach: %s)\r\n", sessionName, detachKeyLabel(opts.DetachKey))
	}

	if err := wire.Send(conn, wire.Packet{Type: wire.Attach, Payload: wire.Int32Payload(opts.flags())}); err != nil {
		return Result{}, err
	}
	sendResize(conn, fd)

	var once sync.Once
	done := make(chan Result, 1)
	finish := func(r Result) { once.Do(func() { done <- r }) }

	go copyOutput(conn, stdout, fd, finish)
	go readInput(conn, stdin, opts.DetachKey, finish)

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			sendResize(conn, fd)
		}
	}()

	result := <-done
	restore()
	if !opts.Quiet {
		if result.Remote {
			fmt.Fprintf(stdout, "\ntether: session %s ended (exit %d)\n", sessionName, result.ExitStatus)
		} else {
			fmt.Fprintf(stdout, "\ntether: detached from %s\n", sessionName)
		}
	}
	return result, nil
}

// copyOutput relays CONTENT packets to stdout until the connection closes
// or the server reports the child exited. A received EXIT packet is echoed
// straight back — the server only treats its exit status as delivered once
// this acknowledgement arrives, mirroring original_source/client.c.
func copyOutput(conn io.ReadWriter, stdout io.Writer, fd int, finish func(Result)) {
	for {
		pkt, err := wire.Recv(conn)
		if err != nil {
			finish(Result{})
			return
		}
		switch pkt.Type {
		case wire.Content:
			if len(pkt.Payload) > 0 {
				stdout.Write(pkt.Payload)
			}
		case wire.Exit:
			wire.Send(conn, pkt)
			status, _ := wire.DecodeInt32(pkt.Payload)
			finish(Result{Remote: true, ExitStatus: status})
			return
		case wire.Resize:
			// A zero-payload RESIZE asks the newly-promoted primary client
			// to re-announce its window size; unlike the SIGWINCH goroutine,
			// this fires unconditionally, matching original_source/client.c's
			// MSG_RESIZE handling (sets need_resize rather than waiting for
			// an actual signal).
			sendResize(conn, fd)
		}
	}
}

// readInput forwards raw stdin bytes to the server as CONTENT packets,
// watching for the configured detach hotkey.
func readInput(conn io.ReadWriter, stdin io.Reader, detachKey byte, finish func(Result)) {
	buf := make([]byte, wire.PayloadMax())
	for {
		n, err := stdin.Read(buf)
		if n > 0 {
			if i := scanDetach(buf[:n], detachKey); i >= 0 {
				if i > 0 {
					wire.Send(conn, wire.Packet{Type: wire.Content, Payload: buf[:i]})
				}
				wire.Send(conn, wire.Packet{Type: wire.Detach})
				finish(Result{})
				return
			}
			wire.Send(conn, wire.Packet{Type: wire.Content, Payload: buf[:n]})
		}
		if err != nil {
			finish(Result{})
			return
		}
	}
}

// scanDetach returns the index of detachKey in buf, or -1 if absent. Only
// the first occurrence matters: any input in front of it is still delivered
// as content.
func scanDetach(buf []byte, detachKey byte) int {
	for i, b := range buf {
		if b == detachKey {
			return i
		}
	}
	return -1
}

func sendResize(conn io.ReadWriter, fd int) {
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		return
	}
	wire.Send(conn, wire.Packet{Type: wire.Resize, Payload: wire.ResizePayload(uint16(rows), uint16(cols))})
}

func detachKeyLabel(b byte) string {
	if b < 0x20 {
		return fmt.Sprintf("Ctrl-%c", b+'@')
	}
	return string(b)
}
