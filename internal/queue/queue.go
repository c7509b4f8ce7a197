// Package queue implements the durable offline queue of outbound
// deltas. Writes succeed once durably enqueued; the transport drains
// the queue after every reconnect and acks prune it.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/qkeluna/synckit-go/internal/protocol"
	"github.com/qkeluna/synckit-go/internal/storage"
)

// DefaultCap is the queue size at which compaction kicks in.
const DefaultCap = 10000

// Queue is the client's durable outbound buffer. Entries are keyed by
// the origin-local sequence number, which also survives restarts via
// the adapter's meta KV so sequences never regress.
type Queue struct {
	store       storage.Adapter
	cap         int
	logger      *slog.Logger
	onTruncated func()

	mu      sync.Mutex
	lastSeq uint64
	length  int
}

// Open loads queue state from the adapter: the persisted sequence
// counter and the count of surviving un-acked entries.
func Open(ctx context.Context, store storage.Adapter, capacity int, logger *slog.Logger) (*Queue, error) {
	if capacity <= 0 {
		capacity = DefaultCap
	}

	q := &Queue{store: store, cap: capacity, logger: logger}

	raw, err := store.GetMeta(ctx, storage.MetaLastSeq)

	switch {
	case errors.Is(err, storage.ErrNotFound):
		// Fresh store.
	case err != nil:
		return nil, fmt.Errorf("queue: loading sequence counter: %w", err)
	default:
		seq, parseErr := storage.ParseSeq(raw)
		if parseErr != nil {
			return nil, fmt.Errorf("queue: parsing sequence counter %q: %w", raw, parseErr)
		}

		q.lastSeq = seq
	}

	pending, err := store.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: loading pending entries: %w", err)
	}

	q.length = len(pending)

	// The counter may trail the queue if a crash hit between the
	// pending append and the counter write; recover from the entries.
	for _, p := range pending {
		if p.Seq > q.lastSeq {
			q.lastSeq = p.Seq
		}
	}

	return q, nil
}

// OnTruncated registers the callback invoked (once per truncation)
// when the queue compacts past its cap.
func (q *Queue) OnTruncated(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.onTruncated = fn
}

// NextSeq reserves and persists the next origin sequence number.
func (q *Queue) NextSeq(ctx context.Context) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	seq := q.lastSeq + 1

	if err := q.store.SetMeta(ctx, storage.MetaLastSeq, storage.FormatSeq(seq)); err != nil {
		return 0, fmt.Errorf("queue: persisting sequence counter: %w", err)
	}

	q.lastSeq = seq

	return seq, nil
}

// Enqueue durably appends a stamped delta. When the queue exceeds its
// cap it compacts to the newest stamp per (document, field) and fires
// the truncation callback; the new write always survives.
func (q *Queue) Enqueue(ctx context.Context, d *protocol.Delta) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	err := q.store.AppendPending(ctx, &storage.PendingDelta{Seq: d.SeqAtOrigin, Delta: *d})
	if err != nil {
		return fmt.Errorf("queue: appending delta %d: %w", d.SeqAtOrigin, err)
	}

	q.length++

	if q.length <= q.cap {
		return nil
	}

	if err := q.compactLocked(ctx); err != nil {
		return err
	}

	if q.onTruncated != nil {
		q.onTruncated()
	}

	return nil
}

// compactLocked rewrites the queue keeping only the entry with the
// greatest stamp per (document, field). Caller holds q.mu.
func (q *Queue) compactLocked(ctx context.Context) error {
	pending, err := q.store.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("queue: listing for compaction: %w", err)
	}

	type fieldKey struct {
		doc   string
		field string
	}

	newest := make(map[fieldKey]*storage.PendingDelta)

	for _, p := range pending {
		key := fieldKey{doc: p.Delta.DocumentID, field: p.Delta.FieldName}

		if cur, ok := newest[key]; !ok || p.Delta.Stamp.After(cur.Delta.Stamp) {
			newest[key] = p
		}
	}

	kept := make([]*storage.PendingDelta, 0, len(newest))
	for _, p := range newest {
		kept = append(kept, p)
	}

	if err := q.store.ReplacePending(ctx, kept); err != nil {
		return fmt.Errorf("queue: compacting: %w", err)
	}

	q.logger.Warn("offline queue truncated",
		slog.Int("before", len(pending)),
		slog.Int("after", len(kept)),
		slog.Int("cap", q.cap),
	)

	q.length = len(kept)

	return nil
}

// Peek returns up to n un-acked deltas in sequence order.
func (q *Queue) Peek(ctx context.Context, n int) ([]*protocol.Delta, error) {
	pending, err := q.replay(ctx)
	if err != nil {
		return nil, err
	}

	if n > 0 && n < len(pending) {
		pending = pending[:n]
	}

	return pending, nil
}

// Replay returns every un-acked delta in sequence order. Called by the
// transport after each subscribe completes.
func (q *Queue) Replay(ctx context.Context) ([]*protocol.Delta, error) {
	return q.replay(ctx)
}

func (q *Queue) replay(ctx context.Context) ([]*protocol.Delta, error) {
	pending, err := q.store.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: listing pending: %w", err)
	}

	deltas := make([]*protocol.Delta, len(pending))
	for i, p := range pending {
		d := p.Delta
		deltas[i] = &d
	}

	return deltas, nil
}

// Ack removes all entries with sequence at or below upToSeq, called on
// server acknowledgement.
func (q *Queue) Ack(ctx context.Context, upToSeq uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	acked, err := q.store.AckPending(ctx, upToSeq)
	if err != nil {
		return fmt.Errorf("queue: acking through %d: %w", upToSeq, err)
	}

	q.length -= acked
	if q.length < 0 {
		q.length = 0
	}

	return nil
}

// Len returns the number of un-acked entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.length
}
