package server

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkellner/tether/internal/wire"
)

func newTestServer(t *testing.T) *Server {
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() {
		master.Close()
		slave.Close()
	})
	return New("test", "", filepath.Join(t.TempDir(), "sock"), master, nil, 10)
}

func TestHandleAttachWhileRunningReplaysScrollbackThenAcks(t *testing.T) {
	s := newTestServer(t)
	s.scrollback.Append([]byte("hello\n"))

	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()
	c := &client{conn: serverSide}

	go s.handleAttach(c, wire.Packet{Type: wire.Attach, Payload: wire.Int32Payload(0)})

	replay, err := wire.Recv(clientSide)
	require.NoError(t, err)
	assert.Equal(t, wire.Content, replay.Type)
	assert.Equal(t, []byte("hello\n"), replay.Payload)

	ack, err := wire.Recv(clientSide)
	require.NoError(t, err)
	assert.Equal(t, wire.Content, ack.Type)
	assert.Empty(t, ack.Payload)
}

func TestHandleAttachAfterChildExitSendsExitImmediately(t *testing.T) {
	s := newTestServer(t)
	s.running.Store(false)
	s.exitStatus.Store(7)

	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()
	c := &client{conn: serverSide}

	go s.handleAttach(c, wire.Packet{Type: wire.Attach, Payload: wire.Int32Payload(0)})

	pkt, err := wire.Recv(clientSide)
	require.NoError(t, err)
	assert.Equal(t, wire.Exit, pkt.Type)
	status, ok := wire.DecodeInt32(pkt.Payload)
	require.True(t, ok)
	assert.EqualValues(t, 7, status)
}

func TestHandleAttachLowPrioritySinksToTail(t *testing.T) {
	s := newTestServer(t)
	s.running.Store(false)
	s.exitStatus.Store(0)

	head := &client{conn: mustPipe(t)}
	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	low := &client{conn: serverSide}

	s.mu.Lock()
	s.clients = []*client{low, head}
	s.mu.Unlock()

	go s.handleAttach(low, wire.Packet{Type: wire.Attach, Payload: wire.Int32Payload(int32(LowPriority))})
	_, err := wire.Recv(clientSide)
	require.NoError(t, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.clients, 2)
	assert.Same(t, head, s.clients[0])
	assert.Same(t, low, s.clients[1])
}

func TestHandleResizeOnlyAppliesForPrimaryClient(t *testing.T) {
	s := newTestServer(t)

	primary := &client{conn: mustPipe(t)}
	secondary := &client{conn: mustPipe(t)}
	s.mu.Lock()
	s.clients = []*client{primary, secondary}
	s.mu.Unlock()

	before, err := pty.GetsizeFull(s.ptmx)
	require.NoError(t, err)

	s.handleResize(secondary, wire.Packet{Type: wire.Resize, Payload: wire.ResizePayload(24, 80)})
	s.mu.Lock()
	assert.Equal(t, stateAttached, secondary.state)
	s.mu.Unlock()
	after, err := pty.GetsizeFull(s.ptmx)
	require.NoError(t, err)
	assert.Equal(t, *before, *after)

	s.handleResize(primary, wire.Packet{Type: wire.Resize, Payload: wire.ResizePayload(30, 100)})
	s.mu.Lock()
	assert.Equal(t, stateAttached, primary.state)
	s.mu.Unlock()
	got, err := pty.GetsizeFull(s.ptmx)
	require.NoError(t, err)
	assert.EqualValues(t, 30, got.Rows)
	assert.EqualValues(t, 100, got.Cols)
}

func TestDisconnectPromotesNewPrimaryAndTriggersResize(t *testing.T) {
	s := newTestServer(t)

	head := &client{conn: mustPipe(t)}

	tailServerSide, tailClientSide := net.Pipe()
	defer tailClientSide.Close()
	tail := &client{conn: tailServerSide}

	s.mu.Lock()
	s.clients = []*client{head, tail}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.disconnect(head)
	}()

	pkt, err := wire.Recv(tailClientSide)
	require.NoError(t, err)
	assert.Equal(t, wire.Resize, pkt.Type)
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.clients, 1)
	assert.Same(t, tail, s.clients[0])
}

func TestDisconnectLastClientMarksSessionUnattached(t *testing.T) {
	s := newTestServer(t)
	// listener is unbound in this test; a plain file with the user-execute
	// bit set stands in for the socket file whose mode MarkAttached edits.
	require.NoError(t, os.WriteFile(s.socketPath, nil, 0700))
	only := &client{conn: mustPipe(t)}
	s.mu.Lock()
	s.clients = []*client{only}
	s.mu.Unlock()

	s.disconnect(only)

	st, err := os.Stat(s.socketPath)
	require.NoError(t, err)
	assert.Zero(t, st.Mode().Perm()&0100)

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.clients)
}

func TestMaybeShutdownWaitsForExitDelivery(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Listen())

	s.maybeShutdown() // empty clients, no exit delivered yet: must not close done
	select {
	case <-s.done:
		t.Fatal("server shut down before exit was delivered")
	default:
	}

	s.exitDelivered.Store(true)
	s.maybeShutdown()
	select {
	case <-s.done:
	default:
		t.Fatal("server did not shut down once exit was delivered with no clients")
	}
}

// mustPipe returns one end of a net.Pipe whose peer is left open and
// unread for the duration of the test, for tests that only need a valid
// net.Conn to populate the client list with.
func mustPipe(t *testing.T) net.Conn {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := b.Read(buf); err != nil {
				return
			}
		}
	}()
	return a
}
