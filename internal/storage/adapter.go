// Package storage defines the pluggable persistence surface the engine
// runs on, and provides three adapters: process-local memory, bbolt
// (client-side durable KV), and SQLite (server-side relational).
package storage

import (
	"context"
	"errors"

	"github.com/qkeluna/synckit-go/internal/clock"
	"github.com/qkeluna/synckit-go/internal/protocol"
	"github.com/qkeluna/synckit-go/internal/replica"
)

// Sentinel errors shared by all adapters.
var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: adapter closed")
)

// State is a document's full field-record map, tombstones included.
type State = map[string]replica.FieldRecord

// DocumentState is a persisted document snapshot. Version is monotone
// per document; timestamps are Unix nanoseconds.
type DocumentState struct {
	ID        string
	State     State
	Version   int64
	CreatedAt int64
	UpdatedAt int64
}

// DeltaRecord is one persisted delta log entry. ID and ReceivedAt are
// assigned by the adapter.
type DeltaRecord struct {
	ID         string
	Delta      protocol.Delta
	ReceivedAt int64
}

// SessionRecord is one live-connection row in the session registry.
type SessionRecord struct {
	ID          string
	ClientID    string
	UserID      string
	ConnectedAt int64
	LastSeen    int64
	Metadata    map[string]string
}

// PendingDelta is one un-acked outbound delta in the client queue,
// keyed by the origin-local sequence number.
type PendingDelta struct {
	Seq        uint64
	Delta      protocol.Delta
	EnqueuedAt int64
}

// CleanupOptions bounds the periodic sweep.
type CleanupOptions struct {
	OldSessionsHours int
	OldDeltasDays    int
}

// CleanupResult reports what a sweep removed.
type CleanupResult struct {
	SessionsDeleted int
	DeltasDeleted   int
}

// Adapter is the persistence interface the engine requires. All
// operations await durable commit before returning; the core
// acknowledges nothing it has not persisted.
type Adapter interface {
	// Documents: whole-snapshot read/write with monotone version.
	GetDocument(ctx context.Context, id string) (*DocumentState, error)
	SaveDocument(ctx context.Context, id string, state State) (*DocumentState, error)
	UpdateDocument(ctx context.Context, id string, state State) (*DocumentState, error)
	DeleteDocument(ctx context.Context, id string) (bool, error)
	ListDocuments(ctx context.Context, limit, offset int) ([]*DocumentState, error)

	// Per-document vector clocks.
	GetVectorClock(ctx context.Context, docID string) (clock.Vector, error)
	UpdateVectorClock(ctx context.Context, docID, clientID string, seq uint64) error
	MergeVectorClock(ctx context.Context, docID string, vec clock.Vector) error

	// Append-only delta log.
	SaveDelta(ctx context.Context, d *protocol.Delta) (*DeltaRecord, error)
	GetDeltas(ctx context.Context, docID string, limit int) ([]*DeltaRecord, error)

	// CommitPublish persists a published delta, the updated document
	// snapshot, and the vector-clock advance as one atomic commit. The
	// hub acks the origin only after this returns.
	CommitPublish(ctx context.Context, state State, d *protocol.Delta) (*DeltaRecord, error)

	// PruneDeltas drops log entries whose stamp physical is below
	// cutoffMillis. Returns the number removed.
	PruneDeltas(ctx context.Context, docID string, cutoffMillis uint64) (int, error)

	// Session registry. GetSessions with an empty userID lists all.
	SaveSession(ctx context.Context, s *SessionRecord) (*SessionRecord, error)
	UpdateSession(ctx context.Context, sessionID string, lastSeen int64, metadata map[string]string) error
	DeleteSession(ctx context.Context, sessionID string) (bool, error)
	GetSessions(ctx context.Context, userID string) ([]*SessionRecord, error)

	// Client-side outbound queue, ordered by Seq.
	AppendPending(ctx context.Context, p *PendingDelta) error
	ListPending(ctx context.Context) ([]*PendingDelta, error)
	AckPending(ctx context.Context, upToSeq uint64) (int, error)
	ReplacePending(ctx context.Context, items []*PendingDelta) error

	// Small durable KV for engine bookkeeping (origin sequence counter,
	// client identity). Get returns ErrNotFound for absent keys.
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error

	// Cleanup removes stale sessions and old delta log entries.
	Cleanup(ctx context.Context, opts CleanupOptions) (CleanupResult, error)

	Close() error
}

// Meta keys used by the client engine.
const (
	MetaClientID = "client_id"
	MetaLastSeq  = "last_seq"
)

// CopyState deep-copies a document state map.
func CopyState(state State) State {
	c := make(State, len(state))

	for name, rec := range state {
		if rec.Value != nil {
			rec.Value = append(rec.Value[:0:0], rec.Value...)
		}

		c[name] = rec
	}

	return c
}
