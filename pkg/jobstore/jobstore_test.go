package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := NewStore(mr.Addr(), 600*time.Second, 300*time.Second)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestStateLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	// Missing job reads as unknown
	state, err := store.GetState(ctx, "nope")
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, state)

	require.NoError(t, store.Init(ctx, "job-1"))
	state, err = store.GetState(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)

	require.NoError(t, store.SetState(ctx, "job-1", StateRunning))
	state, err = store.GetState(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)
	assert.False(t, state.Terminal())

	require.NoError(t, store.SetState(ctx, "job-1", StateComplete))
	state, err = store.GetState(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, state.Terminal())
}

// TestEventsOrderedAndIncremental covers the follower catch-up contract:
// Since(k) then Since(k+len) concatenate to the full log.
func TestEventsOrderedAndIncremental(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	all := []Event{
		{Status: "info", Message: "Downloading image and creating container..."},
		{Status: "info", Message: "Container created, waiting for engine..."},
		{Status: "complete", Message: "Instance created", InstanceID: "alice"},
	}
	for _, ev := range all {
		require.NoError(t, store.Append(ctx, "job-2", ev))
	}

	first, err := store.Since(ctx, "job-2", 0)
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, all, first)

	// Partial reads concatenate to the full list
	head, err := store.Since(ctx, "job-2", 0)
	require.NoError(t, err)
	tail, err := store.Since(ctx, "job-2", len(head))
	require.NoError(t, err)
	assert.Equal(t, all, append(head, tail...))

	// Reading past the end is empty, not an error
	beyond, err := store.Since(ctx, "job-2", 10)
	require.NoError(t, err)
	assert.Empty(t, beyond)
}

func TestTerminalEventDetection(t *testing.T) {
	assert.False(t, Event{Status: "info"}.Terminal())
	assert.True(t, Event{Status: "complete"}.Terminal())
	assert.True(t, Event{Status: "error"}.Terminal())
}

func TestShortenDropsTTL(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Init(ctx, "job-3"))
	require.NoError(t, store.Append(ctx, "job-3", Event{Status: "info", Message: "working"}))

	require.NoError(t, store.Shorten(ctx, "job-3"))

	assert.LessOrEqual(t, mr.TTL("job:job-3:state"), 300*time.Second)
	assert.LessOrEqual(t, mr.TTL("job:job-3:events"), 300*time.Second)

	// Keys vanish after the cleanup TTL elapses
	mr.FastForward(301 * time.Second)
	state, err := store.GetState(ctx, "job-3")
	require.NoError(t, err)
	assert.Equal(t, StateUnknown, state)
}

func TestEventRoundTripKeepsOptionalFields(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	ev := Event{
		Status:          "complete",
		Message:         "Instance created",
		InstanceID:      "carol",
		URL:             "https://carol.n8n.example.com",
		Location:        "vinhedo",
		ContainerStatus: "running",
	}
	require.NoError(t, store.Append(ctx, "job-4", ev))

	got, err := store.Since(ctx, "job-4", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ev, got[0])
}
