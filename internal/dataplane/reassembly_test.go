package dataplane

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReassembler(t *testing.T) *Reassembler {
	t.Helper()
	r := NewReassembler(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(r.Stop)
	return r
}

func TestReassembler_AppendAndFinalize(t *testing.T) {
	r := newTestReassembler(t)

	data, done, err := r.Append("t-1", "agent-1", []byte("hello "), false)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Nil(t, data)
	assert.Equal(t, 1, r.OpenTransfers())

	data, done, err = r.Append("t-1", "agent-1", []byte("world"), true)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []byte("hello world"), data)
	assert.Equal(t, 0, r.OpenTransfers())
}

func TestReassembler_InterleavedTransfers(t *testing.T) {
	r := newTestReassembler(t)

	_, _, err := r.Append("t-1", "agent-1", []byte("aa"), false)
	require.NoError(t, err)
	_, _, err = r.Append("t-2", "agent-2", []byte("bb"), false)
	require.NoError(t, err)

	data, done, err := r.Append("t-2", "agent-2", []byte("BB"), true)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, []byte("bbBB"), data)

	data, done, err = r.Append("t-1", "agent-1", []byte("AA"), true)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, []byte("aaAA"), data)
}

func TestReassembler_RejectsForeignAgent(t *testing.T) {
	r := newTestReassembler(t)

	_, _, err := r.Append("t-1", "agent-1", []byte("aa"), false)
	require.NoError(t, err)

	_, _, err = r.Append("t-1", "agent-2", []byte("bb"), true)
	assert.ErrorIs(t, err, ErrForeignTransfer)
}

func TestReassembler_SizeCap(t *testing.T) {
	r := newTestReassembler(t)

	big := make([]byte, maxTransferSize)
	_, done, err := r.Append("t-1", "agent-1", big, false)
	require.NoError(t, err)
	assert.False(t, done)

	_, _, err = r.Append("t-1", "agent-1", []byte{0x1}, false)
	assert.ErrorIs(t, err, ErrTransferTooLarge)

	// The oversized transfer is discarded entirely.
	assert.Equal(t, 0, r.OpenTransfers())
}

func TestReassembler_EvictsIdleTransfers(t *testing.T) {
	r := newTestReassembler(t)

	base := time.Now()
	r.now = func() time.Time { return base }
	_, _, err := r.Append("t-stale", "agent-1", []byte("aa"), false)
	require.NoError(t, err)

	r.now = func() time.Time { return base.Add(transferIdleTimeout / 2) }
	_, _, err = r.Append("t-fresh", "agent-1", []byte("bb"), false)
	require.NoError(t, err)

	r.now = func() time.Time { return base.Add(transferIdleTimeout + time.Second) }
	r.evictIdle()

	assert.Equal(t, 1, r.OpenTransfers())

	// The fresh transfer still completes.
	data, done, err := r.Append("t-fresh", "agent-1", []byte("BB"), true)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, []byte("bbBB"), data)
}
