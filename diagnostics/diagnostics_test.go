package diagnostics

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderKeepsBoundedHistory(t *testing.T) {
	r := NewRecorder(2)
	r.Transition("messages", "u1", "idle", "subscribing", nil)
	r.Transition("messages", "u1", "subscribing", "error", errors.New("boom"))
	r.Reconnect("messages")
	r.Transition("messages", "u1", "error", "subscribing", nil)
	r.Transition("orders", "u1", "subscribing", "failed", nil)

	snap := r.Snapshot()
	require.Len(t, snap, 2)

	m := snap[0]
	assert.Equal(t, "messages", m.Table)
	assert.Equal(t, "subscribing", m.State)
	assert.Equal(t, 1, m.Reconnects)
	assert.Equal(t, "boom", m.LastError)
	require.Len(t, m.History, 2)
	assert.Equal(t, "error", m.History[0].To)

	assert.Equal(t, 1, snap[1].Failures)
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.Transition("messages", "u1", "idle", "subscribing", nil)
	r.Reconnect("messages")
	assert.Nil(t, r.Snapshot())
}
