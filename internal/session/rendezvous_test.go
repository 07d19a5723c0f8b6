package session

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkellner/tether/internal/wire"
)

func TestSocketPathAbsolute(t *testing.T) {
	path, name, err := SocketPath("/var/run/mysession", "")
	require.NoError(t, err)
	assert.Equal(t, "/var/run/mysession", path)
	assert.Equal(t, "mysession", name)
}

func TestSocketPathDefaultUsesHostSuffix(t *testing.T) {
	dir := t.TempDir()
	path, name, err := SocketPath("work", dir)
	require.NoError(t, err)
	assert.Equal(t, "work", name)
	assert.Equal(t, filepath.Join(dir, "work@"+Hostname()), path)
}

func TestVerifyDirCreatesPersonalDirectoryAndProbes(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, ".tether")
	got, err := verifyDir(dir, true)
	require.NoError(t, err)
	assert.Equal(t, dir, got)

	st, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, st.IsDir())
}

func TestVerifyDirNonPersonalCreatesPerUIDSubdir(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "tether")
	got, err := verifyDir(dir, false)
	require.NoError(t, err)
	assert.NotEqual(t, dir, got)
	assert.Equal(t, dir, filepath.Dir(got))
}

func TestVerifyDirRejectsSymlinkMasqueradingAsDirectory(t *testing.T) {
	base := t.TempDir()
	real := filepath.Join(base, "real")
	require.NoError(t, os.Mkdir(real, 0700))
	link := filepath.Join(base, "link")
	require.NoError(t, os.Symlink(real, link))

	_, err := verifyDir(link, true)
	assert.Error(t, err)
}

func TestMarkAttachedAndTerminatedToggleDistinctBits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sock")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	require.NoError(t, MarkAttached(path, true))
	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, st.Mode().Perm()&0100)
	assert.Zero(t, st.Mode().Perm()&0010)

	require.NoError(t, MarkTerminated(path, true))
	st, err = os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, st.Mode().Perm()&0100)
	assert.NotZero(t, st.Mode().Perm()&0010)

	require.NoError(t, MarkAttached(path, false))
	st, err = os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, st.Mode().Perm()&0100)
	assert.NotZero(t, st.Mode().Perm()&0010)
}

func TestListSkipsDanglingLocalSocket(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dead@"+Hostname())
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	l.(*net.UnixListener).SetUnlinkOnClose(false)
	l.Close() // closing without a responder leaves the file but nothing answers

	entries, err := List(dir, Hostname())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestListProbesLiveLocalSessionAndStripsHostSuffix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "work@"+Hostname())
	l, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		wire.Send(conn, wire.Packet{Type: wire.PID, Payload: wire.Uint64Payload(4242)})
	}()

	entries, err := List(dir, Hostname())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "work", entries[0].Name)
	assert.True(t, entries[0].Local)
	assert.EqualValues(t, 4242, entries[0].PID)
}

func TestListFiltersOutNonSocketEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "remote@otherhost")
	require.NoError(t, os.WriteFile(path, nil, 0600))
	// Not a real socket file, but List only special-cases local (@host)
	// entries for probing; this path exercises the type filter instead.
	entries, err := List(dir, Hostname())
	require.NoError(t, err)
	assert.Empty(t, entries) // regular file, not a socket: filtered out
}

func TestStripSuffix(t *testing.T) {
	name, ok := stripSuffix("work@box", "@box")
	assert.True(t, ok)
	assert.Equal(t, "work", name)

	_, ok = stripSuffix("work@otherbox", "@box")
	assert.False(t, ok)
}
