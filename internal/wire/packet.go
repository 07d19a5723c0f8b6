// Package wire implements the framed packet protocol spoken between the
// tether session server and its attached clients.
//
// Every message on the wire is a fixed-size header (type, length) followed
// by up to payloadMax bytes of payload. There is no stream-oriented framing
// beyond this: one packet corresponds to one logical read/write burst, which
// keeps the server's event loop easy to reason about.
package wire

import (
	"encoding/binary"
	"errors"
	"io"
)

// Type identifies the kind of packet on the wire.
type Type uint32

const (
	Content Type = iota
	Attach
	Detach
	Resize
	Exit
	PID
)

func (t Type) String() string {
	switch t {
	case Content:
		return "CONTENT"
	case Attach:
		return "ATTACH"
	case Detach:
		return "DETACH"
	case Resize:
		return "RESIZE"
	case Exit:
		return "EXIT"
	case PID:
		return "PID"
	default:
		return "UNKNOWN"
	}
}

// payloadMax bounds a single packet's payload. 4096 total bytes matches
// typical pipe atomicity; the 8-byte header leaves 4088 for payload.
const (
	headerSize = 8
	payloadMax = 4096 - headerSize
)

// PayloadMax returns the maximum payload size accepted by Recv.
func PayloadMax() int { return payloadMax }

// ErrCorrupt indicates a packet whose declared length exceeds payloadMax,
// or a header/payload read that came back short. The caller must treat the
// peer as disconnected; it must never be treated as a fatal process error.
var ErrCorrupt = errors.New("wire: corrupt packet")

// Packet is the single message type exchanged between server and client.
type Packet struct {
	Type    Type
	Payload []byte
}

// Resize payload helpers: two little-endian uint16 fields, rows then cols.

// ResizePayload encodes a window size as a RESIZE packet payload.
func ResizePayload(rows, cols uint16) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:2], rows)
	binary.LittleEndian.PutUint16(b[2:4], cols)
	return b
}

// DecodeResize extracts rows/cols from a RESIZE packet payload.
func DecodeResize(payload []byte) (rows, cols uint16, ok bool) {
	if len(payload) != 4 {
		return 0, 0, false
	}
	return binary.LittleEndian.Uint16(payload[0:2]), binary.LittleEndian.Uint16(payload[2:4]), true
}

// Int32Payload encodes a 32-bit integer (ATTACH flags or EXIT status).
func Int32Payload(v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b
}

// DecodeInt32 extracts a 32-bit integer payload.
func DecodeInt32(payload []byte) (int32, bool) {
	if len(payload) != 4 {
		return 0, false
	}
	return int32(binary.LittleEndian.Uint32(payload)), true
}

// Uint64Payload encodes a 64-bit integer (the server PID greeting).
func Uint64Payload(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// DecodeUint64 extracts a 64-bit integer payload.
func DecodeUint64(payload []byte) (uint64, bool) {
	if len(payload) != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(payload), true
}

// Send writes a single packet as header + payload. It retries internally on
// short writes (WriteAll semantics) and reports success iff every byte was
// written.
func Send(w io.Writer, pkt Packet) error {
	if len(pkt.Payload) > payloadMax {
		return ErrCorrupt
	}
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(pkt.Type))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(pkt.Payload)))
	if err := writeAll(w, hdr); err != nil {
		return err
	}
	if len(pkt.Payload) == 0 {
		return nil
	}
	return writeAll(w, pkt.Payload)
}

// Recv reads a single packet: the fixed header, then exactly Len payload
// bytes. A declared length over payloadMax is reported as ErrCorrupt; the
// caller is responsible for disconnecting the peer. A short read on the
// header or the payload is also reported as ErrCorrupt — from the recipient's
// point of view there is no way to resynchronize a partially consumed frame.
func Recv(r io.Reader) (Packet, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		if errors.Is(err, io.EOF) {
			return Packet{}, io.EOF
		}
		return Packet{}, ErrCorrupt
	}
	typ := Type(binary.LittleEndian.Uint32(hdr[0:4]))
	length := binary.LittleEndian.Uint32(hdr[4:8])
	if length > payloadMax {
		return Packet{}, ErrCorrupt
	}
	if length == 0 {
		return Packet{Type: typ}, nil
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Packet{}, ErrCorrupt
	}
	return Packet{Type: typ, Payload: payload}, nil
}

// writeAll loops until all of b has been written, treating EAGAIN/EINTR-style
// transient errors as handled by the underlying net.Conn deadline machinery —
// Go's net package never surfaces EINTR/EAGAIN to callers of Write, so a
// plain loop on short writes is the full translation of write_all's retry
// contract here.
func writeAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}
