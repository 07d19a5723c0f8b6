package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScreenBufferAppendWholeLines(t *testing.T) {
	b := newScreenBuffer(10)
	b.Append([]byte("one\ntwo\n"))
	assert.Equal(t, []byte("one\ntwo\n"), b.Snapshot())
}

func TestScreenBufferJoinsSplitLine(t *testing.T) {
	b := newScreenBuffer(10)
	b.Append([]byte("partial-"))
	b.Append([]byte("line\n"))
	assert.Equal(t, []byte("partial-line\n"), b.Snapshot())
}

func TestScreenBufferCapsAtMaxLines(t *testing.T) {
	b := newScreenBuffer(2)
	b.Append([]byte("a\nb\nc\n"))
	assert.Equal(t, []byte("b\nc\n"), b.Snapshot())
}

func TestScreenBufferZeroCapacityDiscardsEverything(t *testing.T) {
	b := newScreenBuffer(0)
	b.Append([]byte("whatever\n"))
	assert.Empty(t, b.Snapshot())
}

func TestScreenBufferRetainsTrailingIncompleteLine(t *testing.T) {
	b := newScreenBuffer(5)
	b.Append([]byte("done\nin progress"))
	assert.Equal(t, []byte("done\nin progress"), b.Snapshot())
}
