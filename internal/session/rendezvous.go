// Package session implements name resolution and rendezvous for tether
// sessions: turning a user-supplied session name into a socket path,
// verifying a candidate session directory is safe to use, probing whether a
// session is alive, and listing the sessions found in that directory.
//
// The session directory's ownership and permission checks here are the
// security boundary, grounded on original_source/abduco.c's
// create_socket_dir: every candidate is probed by actually creating it and
// test-binding a throwaway socket rather than trusted on the strength of a
// stat() call, and symlinks are never followed when checking ownership.
package session

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mkellner/tether/internal/wire"
)

// ProgName is the program name used both for the per-user directory name
// (".tether" / "tether") and for the throwaway probe socket's name.
const ProgName = "tether"

// dirCandidate is one entry in the ordered session-directory search list.
type dirCandidate struct {
	env      string // environment variable naming the base directory
	path     string // fixed fallback path, used when env is empty
	personal bool   // true: dot-prefixed directory, no per-uid subdirectory
}

// candidates is the ordered list of places to look for (or create) the
// session directory, matching original_source/abduco.c:get_sockdir's search
// order.
var candidates = []dirCandidate{
	{env: "ABDUCO_SOCKET_DIR", personal: false},
	{env: "XDG_RUNTIME_DIR", personal: false},
	{env: "XDG_CACHE_HOME", personal: true},
	{env: "HOME", personal: true},
	{env: "TMPDIR", personal: false},
	{path: "/tmp", personal: false},
}

// Hostname returns the local host name ("localhost" if it cannot be
// determined); all socket file names are suffixed with it so multiple hosts
// can share a networked home directory without colliding.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	return h
}

// Dir resolves the session directory to use, trying each candidate in order
// and returning the first that passes the create/verify/probe sequence.
// preferred, if non-empty (from config.yaml's socket_dir), is tried first but
// is still subject to the full verification — config supplies a preference,
// never a trust shortcut.
func Dir(preferred string) (string, error) {
	if preferred != "" {
		if dir, err := verifyDir(preferred, true); err == nil {
			return dir, nil
		}
	}
	var lastErr error
	for _, c := range candidates {
		base := c.path
		if c.env != "" {
			base = os.Getenv(c.env)
		}
		if base == "" {
			continue
		}
		name := ProgName
		if c.personal {
			name = "." + ProgName
		}
		dir := filepath.Join(base, name)
		dir, err := verifyDir(dir, c.personal)
		if err != nil {
			lastErr = err
			continue
		}
		return dir, nil
	}
	if lastErr == nil {
		lastErr = errors.New("session: no usable session directory candidate")
	}
	return "", lastErr
}

// verifyDir creates dir (and, for non-personal candidates, a uid-owned
// subdirectory beneath it), checks ownership/mode without following
// symlinks, and probes it by binding a throwaway socket there.
func verifyDir(dir string, personal bool) (string, error) {
	mode := os.FileMode(0700)
	if !personal {
		// World-traversable + sticky: anyone can find the directory, but the
		// per-uid subdirectory created below (mode 0700) does the real
		// restriction, matching original_source/abduco.c:create_socket_dir.
		mode = 0777 | os.ModeSticky
	}
	if err := os.MkdirAll(dir, mode); err != nil {
		return "", err
	}

	var st unix.Stat_t
	if err := unix.Lstat(dir, &st); err != nil {
		return "", err
	}
	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		return "", fmt.Errorf("session: %s is not a directory", dir)
	}

	finalDir := dir
	if !personal {
		uid := unix.Getuid()
		sub := strconv.Itoa(uid)
		if u, err := currentUsername(); err == nil && u != "" {
			sub = u
		}
		finalDir = filepath.Join(dir, sub)
		if err := os.MkdirAll(finalDir, 0700); err != nil {
			return "", err
		}
		if err := unix.Lstat(finalDir, &st); err != nil {
			return "", err
		}
		if st.Mode&unix.S_IFMT != unix.S_IFDIR {
			return "", fmt.Errorf("session: %s is not a directory", finalDir)
		}
	}

	if int(st.Uid) != unix.Getuid() || st.Mode&(unix.S_IRWXG|unix.S_IRWXO) != 0 {
		return "", fmt.Errorf("session: %s fails ownership/permission check", finalDir)
	}

	if err := probeBind(finalDir); err != nil {
		return "", err
	}

	return finalDir, nil
}

// probeBind is the authoritative directory check: actually create a
// throwaway socket in the candidate directory and bind to it. A directory
// that merely looks right under stat() but rejects a real bind (read-only
// mount, ACL oddities, etc.) is not usable.
func probeBind(dir string) error {
	path := filepath.Join(dir, fmt.Sprintf(".%s-%d", ProgName, os.Getpid()))
	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("session: probe bind in %s: %w", dir, err)
	}
	l.Close()
	os.Remove(path)
	return nil
}

func currentUsername() (string, error) {
	if u := os.Getenv("USER"); u != "" {
		return u, nil
	}
	if u := os.Getenv("LOGNAME"); u != "" {
		return u, nil
	}
	return "", errors.New("no username in environment")
}

// SocketPath resolves a user-supplied session name to (absolute socket path,
// bare session name): an absolute path, a cwd-relative path, or
// "<session dir>/<name>@<hostname>".
func SocketPath(name, preferredDir string) (path, sessionName string, err error) {
	switch {
	case filepath.IsAbs(name):
		return name, filepath.Base(name), nil
	case len(name) >= 2 && name[0] == '.' && (name[1] == '/' || name[1] == '.'):
		cwd, err := os.Getwd()
		if err != nil {
			return "", "", err
		}
		return filepath.Join(cwd, name), filepath.Base(name), nil
	default:
		dir, err := Dir(preferredDir)
		if err != nil {
			return "", "", err
		}
		full := name + "@" + Hostname()
		return filepath.Join(dir, full), name, nil
	}
}

// Connect dials the socket for name and returns the raw connection plus the
// resolved path, without reading the greeting. Callers that only need the
// path (e.g. the server binding a listener) use SocketPath directly.
func Connect(name, preferredDir string) (net.Conn, string, error) {
	path, _, err := SocketPath(name, preferredDir)
	if err != nil {
		return nil, "", err
	}
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		if errors.Is(err, unix.ECONNREFUSED) {
			if st, serr := os.Stat(path); serr == nil && st.Mode()&os.ModeSocket != 0 {
				os.Remove(path)
			}
		}
		return nil, path, err
	}
	return conn, path, nil
}

// Probe connects to name's socket, reads the PID greeting, and closes the
// connection. It returns (pid, true) if the session answered.
func Probe(name, preferredDir string) (pid uint64, ok bool) {
	path, _, err := SocketPath(name, preferredDir)
	if err != nil {
		return 0, false
	}
	return ProbePath(path)
}

// ProbePath is Probe's lower-level form for a caller that already resolved
// the socket path itself, e.g. list scanning a directory it already read.
func ProbePath(path string) (pid uint64, ok bool) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return 0, false
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, err := wire.Recv(conn)
	if err != nil || pkt.Type != wire.PID {
		return 0, false
	}
	v, ok := wire.DecodeUint64(pkt.Payload)
	return v, ok
}

// Alive reports whether a session both answers a PID probe and has its
// group-execute bit clear (i.e. the child has not yet exited and lingered).
func Alive(name, preferredDir string) bool {
	path, _, err := SocketPath(name, preferredDir)
	if err != nil {
		return false
	}
	if _, ok := Probe(name, preferredDir); !ok {
		return false
	}
	st, err := os.Stat(path)
	if err != nil || st.Mode()&os.ModeSocket == 0 {
		return false
	}
	return st.Mode().Perm()&0010 == 0 // group-execute clear
}

// MarkAttached toggles the user-execute bit on a session's socket file: set
// when at least one non-disconnected client is present, clear when the
// client list becomes empty.
func MarkAttached(socketPath string, attached bool) error {
	return markBit(socketPath, 0100, attached) // S_IXUSR
}

// MarkTerminated toggles the group-execute bit: set once the child process
// has exited and the session is lingering with its exit status undelivered.
func MarkTerminated(socketPath string, terminated bool) error {
	return markBit(socketPath, 0010, terminated) // S_IXGRP
}

func markBit(path string, bit os.FileMode, set bool) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}
	mode := st.Mode().Perm()
	if set {
		mode |= bit
	} else {
		mode &^= bit
	}
	return os.Chmod(path, mode)
}

// Entry is one row of a session listing.
type Entry struct {
	Name    string // session name with the local host suffix stripped
	Path    string
	Status  byte // ' ' idle, '*' attached, '+' terminated-and-lingering
	ModTime time.Time
	PID     uint64
	Local   bool // false for another host's entry found in a shared directory
}

// List scans dir for session socket files: entries suffixed "@host" are
// "local" (probed for a live PID and displayed with the suffix stripped);
// anything else is shown as-is with
// PID 0. Local entries that fail to answer a probe are skipped — a
// dangling local socket file with no live owner is not a session worth
// reporting, matching original_source/abduco.c:list_session's session_exists
// continue-on-failure behaviour.
func List(dir, host string) ([]Entry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	suffix := "@" + host

	var out []Entry
	for _, f := range files {
		info, err := f.Info()
		if err != nil || info.Mode()&os.ModeSocket == 0 {
			continue
		}
		name := f.Name()
		path := filepath.Join(dir, name)

		e := Entry{Name: name, Path: path, ModTime: info.ModTime()}
		if local, ok := stripSuffix(name, suffix); ok {
			pid, alive := ProbePath(path)
			if !alive {
				continue
			}
			e.Name = local
			e.PID = pid
			e.Local = true
		}

		switch {
		case info.Mode().Perm()&0100 != 0:
			e.Status = '*'
		case info.Mode().Perm()&0010 != 0:
			e.Status = '+'
		default:
			e.Status = ' '
		}
		out = append(out, e)
	}
	return out, nil
}

func stripSuffix(name, suffix string) (string, bool) {
	if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
		return "", false
	}
	return name[:len(name)-len(suffix)], true
}
