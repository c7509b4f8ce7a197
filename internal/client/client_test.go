package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qkeluna/synckit-go/internal/protocol"
	"github.com/qkeluna/synckit-go/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openKit(t *testing.T, opts Options) *Kit {
	t.Helper()

	if opts.Storage == nil {
		opts.Storage = storage.NewMemory()
	}

	if opts.Logger == nil {
		opts.Logger = testLogger()
	}

	kit, err := Open(context.Background(), opts)
	require.NoError(t, err)

	return kit
}

func TestOpenRequiresStorage(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), Options{})
	require.Error(t, err)
}

func TestLocalWriteAppliesAndQueues(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kit := openKit(t, Options{})

	doc, err := kit.Document(ctx, "d")
	require.NoError(t, err)

	require.NoError(t, doc.Set(ctx, "title", json.RawMessage(`"hello"`)))

	value, ok := doc.Get("title")
	require.True(t, ok)
	assert.JSONEq(t, `"hello"`, string(value))
	assert.Equal(t, 1, kit.QueueLen(), "local-only writes stay queued")
}

func TestOversizeValueRejectedSynchronously(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kit := openKit(t, Options{})

	doc, err := kit.Document(ctx, "d")
	require.NoError(t, err)

	// One byte over the limit fails before anything is enqueued.
	over := json.RawMessage(`"` + strings.Repeat("x", protocol.MaxValueBytes-1) + `"`)
	require.Len(t, over, protocol.MaxValueBytes+1)

	err = doc.Set(ctx, "big", over)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrOversize)
	assert.Zero(t, kit.QueueLen())

	_, ok := doc.Get("big")
	assert.False(t, ok, "rejected write must not apply")

	// Exactly at the limit succeeds.
	atLimit := json.RawMessage(`"` + strings.Repeat("x", protocol.MaxValueBytes-2) + `"`)
	require.Len(t, atLimit, protocol.MaxValueBytes)
	require.NoError(t, doc.Set(ctx, "big", atLimit))
	assert.Equal(t, 1, kit.QueueLen())
}

func TestLocalOnlyPersistsAcrossRestart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := storage.NewMemory()

	kit := openKit(t, Options{Storage: store})

	doc, err := kit.Document(ctx, "d")
	require.NoError(t, err)
	require.NoError(t, doc.Set(ctx, "a", json.RawMessage(`"1"`)))
	require.NoError(t, doc.Delete(ctx, "a"))
	require.NoError(t, doc.Set(ctx, "b", json.RawMessage(`"2"`)))

	restarted := openKit(t, Options{Storage: store})
	assert.Equal(t, kit.ClientID(), restarted.ClientID(), "identity must persist")
	assert.Equal(t, 3, restarted.QueueLen(), "queue must persist")

	doc2, err := restarted.Document(ctx, "d")
	require.NoError(t, err)

	snap := doc2.Snapshot()
	require.Len(t, snap, 1)
	assert.JSONEq(t, `"2"`, string(snap["b"]))

	// Tombstone state persisted too: a stale write cannot resurrect.
	_, ok := doc2.Get("a")
	assert.False(t, ok)
}

func TestConfiguredClientIDWins(t *testing.T) {
	t.Parallel()

	kit := openKit(t, Options{ClientID: "laptop"})
	assert.Equal(t, "laptop", kit.ClientID())
}

func TestQueueTruncatedEvent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	kit := openKit(t, Options{QueueCap: 2})

	var events []Event

	unsubscribe := kit.OnEvent(func(e Event) { events = append(events, e) })
	defer unsubscribe()

	doc, err := kit.Document(ctx, "d")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, doc.Set(ctx, "same", json.RawMessage(`"v"`)))
	}

	require.NotEmpty(t, events)
	assert.Equal(t, EventQueueTruncated, events[0].Kind)
}

// flakyStore injects failures into the durable-enqueue path.
type flakyStore struct {
	storage.Adapter

	failAppend bool
}

var errDiskFull = errors.New("disk full")

func (f *flakyStore) AppendPending(ctx context.Context, p *storage.PendingDelta) error {
	if f.failAppend {
		return errDiskFull
	}

	return f.Adapter.AppendPending(ctx, p)
}

func TestPersistentStorageFailureHaltsWrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	flaky := &flakyStore{Adapter: storage.NewMemory()}
	kit := openKit(t, Options{Storage: flaky})

	var kinds []EventKind

	unsubscribe := kit.OnEvent(func(e Event) { kinds = append(kinds, e.Kind) })
	defer unsubscribe()

	doc, err := kit.Document(ctx, "d")
	require.NoError(t, err)

	flaky.failAppend = true

	// Degraded first, then halted after repeated failures.
	for i := 0; i < storageFailureLimit; i++ {
		err := doc.Set(ctx, "k", json.RawMessage(`"v"`))
		require.Error(t, err)
	}

	assert.Contains(t, kinds, EventStorageDegraded)
	assert.Contains(t, kinds, EventStorageError)

	err = doc.Set(ctx, "k", json.RawMessage(`"v"`))
	assert.ErrorIs(t, err, ErrStorageHalted)

	// Reads still serve the warm in-memory state.
	_, ok := doc.Get("k")
	assert.True(t, ok, "in-memory applies preceded the enqueue failures")
}

func TestEventUnsubscribe(t *testing.T) {
	t.Parallel()

	kit := openKit(t, Options{QueueCap: 1})

	calls := 0
	unsubscribe := kit.OnEvent(func(Event) { calls++ })
	unsubscribe()

	ctx := context.Background()

	doc, err := kit.Document(ctx, "d")
	require.NoError(t, err)
	require.NoError(t, doc.Set(ctx, "a", json.RawMessage(`"1"`)))
	require.NoError(t, doc.Set(ctx, "b", json.RawMessage(`"2"`)))

	assert.Zero(t, calls)
}
