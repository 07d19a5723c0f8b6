// Package server implements the tether session server: it owns the PTY, the
// listening Unix socket, and the list of attached clients, and runs the
// single broadcast loop that ties them together.
//
// The client list is a plain slice guarded by one mutex rather than the
// select(2) readiness loop original_source/server.c uses. The backpressure
// invariant that loop enforces (the PTY is never read again until the
// previous chunk reached every attached client) falls out for free here:
// broadcast writes to each client synchronously and in order, so a client
// that stops draining its socket blocks the broadcast, which blocks the
// next PTY read.
package server

import (
	"log"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/creack/pty"

	"github.com/mkellner/tether/internal/session"
	"github.com/mkellner/tether/internal/wire"
)

// Flags mirrors the CLIENT_READONLY / CLIENT_LOWPRIORITY bits sent in an
// ATTACH packet's payload.
type Flags int32

const (
	ReadOnly Flags = 1 << iota
	LowPriority
)

type clientState int

const (
	stateConnected clientState = iota
	stateAttached
)

// client is one attached connection. state and flags are only ever written
// while Server.mu is held; conn is written to independently under writeMu so
// a slow reader doesn't block list bookkeeping for everyone else.
type client struct {
	conn    net.Conn
	state   clientState
	flags   Flags
	writeMu sync.Mutex
}

func (c *client) send(pkt wire.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wire.Send(c.conn, pkt)
}

// Server runs one tether session: one PTY, one child process, one socket,
// any number of clients.
type Server struct {
	name         string
	preferredDir string

	ptmx *os.File
	cmd  *exec.Cmd

	mu         sync.Mutex
	socketPath string
	listener   net.Listener
	clients    []*client

	scrollback *screenBuffer

	running       atomic.Bool
	exitStatus    atomic.Int32
	exitDelivered atomic.Bool

	shutdownOnce sync.Once
	done         chan struct{}
}

// New builds a Server around an already-started PTY/child pair. socketPath
// is the path the listener will bind; name/preferredDir are retained only so
// SIGUSR1 can re-resolve the canonical path on rebind.
func New(name, preferredDir, socketPath string, ptmx *os.File, cmd *exec.Cmd, scrollbackLines int) *Server {
	s := &Server{
		name:         name,
		preferredDir: preferredDir,
		ptmx:         ptmx,
		cmd:          cmd,
		socketPath:   socketPath,
		scrollback:   newScreenBuffer(scrollbackLines),
		done:         make(chan struct{}),
	}
	s.running.Store(true)
	s.exitStatus.Store(-1)
	return s
}

// Listen removes any stale socket file and binds the listener.
func (s *Server) Listen() error {
	os.Remove(s.socketPath)
	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	os.Chmod(s.socketPath, 0600)
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return nil
}

// Serve runs the accept loop, the PTY broadcast loop, and signal handling
// until the session ends (child exited, exit status delivered, and every
// client has disconnected). It returns once the socket has been unlinked.
func (s *Server) Serve() error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	defer s.unlinkSocket()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)
	signal.Ignore(syscall.SIGPIPE, syscall.SIGHUP)
	go s.signalLoop(sigCh)

	go s.acceptLoop()
	s.ptyLoop()

	<-s.done
	return nil
}

func (s *Server) acceptLoop() {
	for {
		s.mu.Lock()
		l := s.listener
		s.mu.Unlock()
		conn, err := l.Accept()
		if err != nil {
			return
		}
		go s.handleClient(conn)
	}
}

// handleClient registers a new connection at the head of the client list
// (new clients become primary), sends the PID greeting, and dispatches
// frames until the connection errors or the client disconnects.
func (s *Server) handleClient(conn net.Conn) {
	c := &client{conn: conn, state: stateConnected}

	s.mu.Lock()
	wasEmpty := len(s.clients) == 0
	s.clients = append([]*client{c}, s.clients...)
	s.mu.Unlock()
	if wasEmpty {
		session.MarkAttached(s.socketPath, true)
	}

	if err := c.send(wire.Packet{Type: wire.PID, Payload: wire.Uint64Payload(uint64(os.Getpid()))}); err != nil {
		s.disconnect(c)
		return
	}

	for {
		pkt, err := wire.Recv(conn)
		if err != nil {
			s.disconnect(c)
			return
		}
		switch pkt.Type {
		case wire.Content:
			s.handleContent(c, pkt)
		case wire.Attach:
			s.handleAttach(c, pkt)
		case wire.Resize:
			s.handleResize(c, pkt)
		case wire.Detach:
			s.disconnect(c)
			return
		case wire.Exit:
			s.exitDelivered.Store(true)
			s.disconnect(c)
			return
		}
	}
}

func (s *Server) handleContent(c *client, pkt wire.Packet) {
	if c.flags&ReadOnly != 0 {
		return
	}
	s.ptmx.Write(pkt.Payload)
}

// handleAttach records the client's flags, sinks it to the tail of the list
// if it asked for low priority, and replies with a scrollback replay
// followed by EXIT if the child has already died, otherwise by an empty
// CONTENT acknowledgement so an attach-only round trip always completes.
func (s *Server) handleAttach(c *client, pkt wire.Packet) {
	flags, _ := wire.DecodeInt32(pkt.Payload)
	s.mu.Lock()
	c.flags = Flags(flags)
	s.mu.Unlock()

	if c.flags&LowPriority != 0 {
		s.sink(c)
	}

	sendChunked(c, s.scrollback.Snapshot())

	if !s.running.Load() {
		c.send(wire.Packet{Type: wire.Exit, Payload: wire.Int32Payload(s.exitStatus.Load())})
		return
	}

	c.send(wire.Packet{Type: wire.Content})
}

// handleResize transitions the client to ATTACHED and, if it is the primary
// (head-of-list) client, applies the new window size to the PTY. Every
// RESIZE triggers a SIGWINCH to the child's process group regardless of
// which client sent it.
func (s *Server) handleResize(c *client, pkt wire.Packet) {
	rows, cols, ok := wire.DecodeResize(pkt.Payload)
	if !ok {
		return
	}

	s.mu.Lock()
	c.state = stateAttached
	isPrimary := len(s.clients) > 0 && s.clients[0] == c
	s.mu.Unlock()

	if isPrimary && c.flags&ReadOnly == 0 && rows > 0 && cols > 0 {
		pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
	}
	if s.cmd != nil && s.cmd.Process != nil {
		syscall.Kill(-s.cmd.Process.Pid, syscall.SIGWINCH)
	}
}

// sink moves a LOWPRIORITY client to the tail of the list so a later
// full-priority attach takes over as primary.
func (s *Server) sink(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := indexOf(s.clients, c)
	if idx < 0 || idx == len(s.clients)-1 {
		return
	}
	s.clients = append(s.clients[:idx], s.clients[idx+1:]...)
	s.clients = append(s.clients, c)
}

// disconnect removes c from the client list, closes its connection, and — if
// it was primary — nudges the new head to re-announce its window size so the
// PTY picks up the surviving client's dimensions.
func (s *Server) disconnect(c *client) {
	s.mu.Lock()
	idx := indexOf(s.clients, c)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	wasPrimary := idx == 0
	s.clients = append(s.clients[:idx], s.clients[idx+1:]...)
	empty := len(s.clients) == 0
	var newPrimary *client
	if wasPrimary && len(s.clients) > 0 {
		newPrimary = s.clients[0]
	}
	s.mu.Unlock()

	c.conn.Close()

	if empty {
		session.MarkAttached(s.socketPath, false)
	}
	if newPrimary != nil {
		newPrimary.send(wire.Packet{Type: wire.Resize})
	}
	s.maybeShutdown()
}

// ptyLoop reads PTY output and broadcasts it until the child exits, then
// reaps it, marks the session terminated, and delivers EXIT to whichever
// clients were attached at the moment of death. A session with no client
// attached when its child dies lingers — exactly like original_source's
// terminated-but-undelivered sessions — until some client attaches and
// echoes the EXIT packet back.
func (s *Server) ptyLoop() {
	buf := make([]byte, wire.PayloadMax())
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.scrollback.Append(chunk)
			s.broadcast(wire.Packet{Type: wire.Content, Payload: chunk})
		}
		if err != nil {
			break
		}
	}

	s.running.Store(false)

	var status int32
	if s.cmd != nil {
		s.cmd.Wait()
		if ps := s.cmd.ProcessState; ps != nil {
			if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
				status = int32(ws.ExitStatus())
			}
		}
	}
	s.exitStatus.Store(status)
	session.MarkTerminated(s.socketPath, true)

	s.broadcast(wire.Packet{Type: wire.Exit, Payload: wire.Int32Payload(status)})
	s.maybeShutdown()
}

// broadcast delivers pkt, in list order, to every ATTACHED client. It holds
// s.mu only long enough to snapshot the target list; the writes themselves
// happen outside the lock but strictly in sequence, which is what gives the
// PTY reader its backpressure against a stalled client.
func (s *Server) broadcast(pkt wire.Packet) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		if c.state == stateAttached {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		if err := c.send(pkt); err != nil {
			s.disconnect(c)
		}
	}
}

func sendChunked(c *client, data []byte) {
	max := wire.PayloadMax()
	for len(data) > 0 {
		n := len(data)
		if n > max {
			n = max
		}
		if err := c.send(wire.Packet{Type: wire.Content, Payload: data[:n]}); err != nil {
			return
		}
		data = data[n:]
	}
}

// maybeShutdown closes the listener and releases Serve once the client list
// is empty and the final EXIT has been acknowledged by some client. While
// the child is still running exitDelivered is always false, so an empty
// client list alone never ends the session — detaching the last client
// leaves the child running, and a child that dies unattended lingers until
// some client attaches and echoes the EXIT back.
func (s *Server) maybeShutdown() {
	s.mu.Lock()
	empty := len(s.clients) == 0
	s.mu.Unlock()

	if empty && s.exitDelivered.Load() {
		s.shutdownOnce.Do(func() {
			s.mu.Lock()
			l := s.listener
			s.mu.Unlock()
			if l != nil {
				l.Close()
			}
			close(s.done)
		})
	}
}

func (s *Server) signalLoop(ch <-chan os.Signal) {
	for sig := range ch {
		switch sig {
		case syscall.SIGTERM, syscall.SIGINT:
			s.unlinkSocket()
			os.Exit(1)
		case syscall.SIGUSR1:
			if err := s.rebind(); err != nil {
				log.Printf("tether: rebind failed: %v", err)
			}
		}
	}
}

// rebind re-resolves the canonical socket path and re-binds the listener
// there, for recovery after the session directory has moved (e.g. a
// restarted XDG_RUNTIME_DIR). Existing client connections are unaffected;
// only new connections use the new listener.
func (s *Server) rebind() error {
	path, _, err := session.SocketPath(s.name, s.preferredDir)
	if err != nil {
		return err
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	os.Chmod(path, 0600)

	s.mu.Lock()
	old := s.listener
	oldPath := s.socketPath
	s.listener = l
	s.socketPath = path
	attached := len(s.clients) > 0
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if oldPath != path {
		os.Remove(oldPath)
	}
	if attached {
		session.MarkAttached(path, true)
	}
	go s.acceptLoop()
	return nil
}

func (s *Server) unlinkSocket() {
	s.mu.Lock()
	path := s.socketPath
	s.mu.Unlock()
	os.Remove(path)
}

func indexOf(clients []*client, c *client) int {
	for i, v := range clients {
		if v == c {
			return i
		}
	}
	return -1
}
