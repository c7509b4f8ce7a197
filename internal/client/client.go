// Package client implements the SyncKit client engine: document
// replicas over pluggable storage, a durable offline queue, and a
// websocket transport that replays the queue across reconnects.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/qkeluna/synckit-go/internal/clock"
	"github.com/qkeluna/synckit-go/internal/protocol"
	"github.com/qkeluna/synckit-go/internal/queue"
	"github.com/qkeluna/synckit-go/internal/replica"
	"github.com/qkeluna/synckit-go/internal/storage"
)

// ErrStorageHalted is returned from writes after persistent storage
// failure; the engine refuses further mutations it cannot make
// durable.
var ErrStorageHalted = errors.New("client: storage failed persistently, mutations halted")

// storageFailureLimit is the number of consecutive storage write
// failures at which mutations halt; fewer consecutive failures leave
// the engine in degraded mode.
const storageFailureLimit = 3

// Options configures a Kit. Storage is required; everything else has
// a working default.
type Options struct {
	Storage   storage.Adapter
	Name      string // local namespace, informational
	ServerURL string // empty → local-only mode
	AuthToken string
	ClientID  string // generated and persisted when empty

	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	MaxSkew           time.Duration
	SubscribeTimeout  time.Duration
	QueueCap          int

	Logger *slog.Logger
}

// Kit is one client engine instance: it owns the replicas, the clock,
// the offline queue, and (when a server is configured) the transport.
type Kit struct {
	opts   Options
	logger *slog.Logger
	store  storage.Adapter
	clock  *clock.Clock
	queue  *queue.Queue

	transport *transport // nil in local-only mode

	mu              sync.Mutex
	replicas        map[string]*replica.Replica
	events          map[uint64]func(Event)
	nextEvent       uint64
	storageFailures int
	halted          bool
}

// Open initializes a Kit over the given storage: restores the client
// identity and queue, and prepares (but does not start) the transport.
// Call Run to drive the connection.
func Open(ctx context.Context, opts Options) (*Kit, error) {
	if opts.Storage == nil {
		return nil, fmt.Errorf("client: options missing storage adapter")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	clientID, err := resolveClientID(ctx, opts.Storage, opts.ClientID)
	if err != nil {
		return nil, err
	}

	maxSkew := opts.MaxSkew
	if maxSkew <= 0 {
		maxSkew = clock.DefaultMaxSkew
	}

	k := &Kit{
		opts:     opts,
		logger:   logger.With(slog.String("client_id", clientID)),
		store:    opts.Storage,
		clock:    clock.New(clientID, logger, clock.WithMaxSkew(maxSkew)),
		replicas: make(map[string]*replica.Replica),
		events:   make(map[uint64]func(Event)),
	}

	q, err := queue.Open(ctx, opts.Storage, opts.QueueCap, k.logger)
	if err != nil {
		return nil, err
	}

	q.OnTruncated(func() {
		k.emit(Event{Kind: EventQueueTruncated})
	})

	k.queue = q

	if opts.ServerURL != "" {
		k.transport = newTransport(k, opts)
	}

	return k, nil
}

// resolveClientID returns the configured id, or the persisted one, or
// mints and persists a fresh ULID.
func resolveClientID(ctx context.Context, store storage.Adapter, configured string) (string, error) {
	if configured != "" {
		if err := store.SetMeta(ctx, storage.MetaClientID, configured); err != nil {
			return "", fmt.Errorf("client: persisting client id: %w", err)
		}

		return configured, nil
	}

	id, err := store.GetMeta(ctx, storage.MetaClientID)

	switch {
	case errors.Is(err, storage.ErrNotFound):
		id = ulid.Make().String()

		if err := store.SetMeta(ctx, storage.MetaClientID, id); err != nil {
			return "", fmt.Errorf("client: persisting client id: %w", err)
		}

		return id, nil
	case err != nil:
		return "", fmt.Errorf("client: loading client id: %w", err)
	default:
		return id, nil
	}
}

// ClientID returns this replica's stable identity.
func (k *Kit) ClientID() string {
	return k.clock.ClientID()
}

// QueueLen returns the number of un-acked outbound deltas.
func (k *Kit) QueueLen() int {
	return k.queue.Len()
}

// ConnState returns the transport state, StateDisconnected in
// local-only mode.
func (k *Kit) ConnState() ConnState {
	if k.transport == nil {
		return StateDisconnected
	}

	return k.transport.State()
}

// Run drives the transport until ctx is cancelled. In local-only mode
// it blocks on ctx. Returns protocol.ErrAuthFailed when the server
// rejects the token; reconnect with a new token by calling Run again
// on a Kit opened with fresh Options.
func (k *Kit) Run(ctx context.Context) error {
	if k.transport == nil {
		<-ctx.Done()

		return nil
	}

	return k.transport.Run(ctx)
}

// Close releases the storage adapter.
func (k *Kit) Close() error {
	return k.store.Close()
}

// Document returns a handle for the given document, loading (or
// creating) its replica from storage on first use.
func (k *Kit) Document(ctx context.Context, id string) (*Document, error) {
	k.mu.Lock()

	if rep, ok := k.replicas[id]; ok {
		k.mu.Unlock()

		return &Document{kit: k, rep: rep}, nil
	}

	k.mu.Unlock()

	// Load outside the lock: storage may be slow.
	doc, err := k.store.GetDocument(ctx, id)

	var rep *replica.Replica

	switch {
	case errors.Is(err, storage.ErrNotFound):
		rep = replica.New(id)
	case err != nil:
		return nil, fmt.Errorf("client: loading document %s: %w", id, err)
	default:
		vec, vecErr := k.store.GetVectorClock(ctx, id)
		if vecErr != nil {
			return nil, fmt.Errorf("client: loading vector clock %s: %w", id, vecErr)
		}

		rep = replica.Load(id, doc.State, vec)
	}

	k.mu.Lock()

	if existing, ok := k.replicas[id]; ok {
		// Lost the race to another goroutine; use theirs.
		rep = existing
	} else {
		k.replicas[id] = rep
	}

	k.mu.Unlock()

	if k.transport != nil {
		k.transport.Wake()
	}

	return &Document{kit: k, rep: rep}, nil
}

// openReplicas snapshots the currently open replicas.
func (k *Kit) openReplicas() []*replica.Replica {
	k.mu.Lock()
	defer k.mu.Unlock()

	reps := make([]*replica.Replica, 0, len(k.replicas))
	for _, rep := range k.replicas {
		reps = append(reps, rep)
	}

	return reps
}

// replicaFor returns the open replica for a document, nil if the
// document is not open.
func (k *Kit) replicaFor(docID string) *replica.Replica {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.replicas[docID]
}

// Document is the application-facing handle for one document.
type Document struct {
	kit *Kit
	rep *replica.Replica
}

// ID returns the document id.
func (d *Document) ID() string {
	return d.rep.DocumentID()
}

// Get returns the materialised value of a field.
func (d *Document) Get(field string) (json.RawMessage, bool) {
	return d.rep.Get(field)
}

// Snapshot returns the materialised document, tombstones omitted.
func (d *Document) Snapshot() map[string]json.RawMessage {
	return d.rep.Snapshot()
}

// Subscribe registers an observer for apply batches.
func (d *Document) Subscribe(fn replica.Observer) func() {
	return d.rep.Subscribe(fn)
}

// Set writes a field. The call succeeds once the delta is applied
// locally and durably enqueued — not once the server acknowledges.
// Oversize values are rejected synchronously and nothing is enqueued.
func (d *Document) Set(ctx context.Context, field string, value json.RawMessage) error {
	return d.kit.localWrite(ctx, d.rep, field, protocol.OpSet, value)
}

// Delete removes a field by writing a tombstone.
func (d *Document) Delete(ctx context.Context, field string) error {
	return d.kit.localWrite(ctx, d.rep, field, protocol.OpDelete, nil)
}

// localWrite stamps, validates, applies, persists, and enqueues one
// local mutation.
func (k *Kit) localWrite(ctx context.Context, rep *replica.Replica, field string, op protocol.Op, value json.RawMessage) error {
	k.mu.Lock()
	halted := k.halted
	k.mu.Unlock()

	if halted {
		return ErrStorageHalted
	}

	// Validate with a placeholder sequence before consuming one: an
	// oversize write must fail without side effects.
	probe := protocol.Delta{
		DocumentID:   rep.DocumentID(),
		FieldName:    field,
		Op:           op,
		Value:        value,
		Stamp:        clock.Stamp{ClientID: k.ClientID()},
		OriginClient: k.ClientID(),
		SeqAtOrigin:  1,
	}
	if err := probe.Validate(); err != nil {
		return err
	}

	seq, err := k.queue.NextSeq(ctx)
	if err != nil {
		return k.noteStorageFailure(err)
	}

	delta := &protocol.Delta{
		DocumentID:   rep.DocumentID(),
		FieldName:    field,
		Op:           op,
		Value:        value,
		Stamp:        k.clock.Stamp(),
		OriginClient: k.ClientID(),
		SeqAtOrigin:  seq,
	}

	rep.Apply(delta)

	if err := k.persistReplica(ctx, rep); err != nil {
		// Degraded: the in-memory write stands and the delta still
		// goes out; only the local snapshot is stale.
		k.logger.Warn("snapshot persistence failed",
			slog.String("doc", rep.DocumentID()),
			slog.String("error", err.Error()),
		)
		k.emit(Event{Kind: EventStorageDegraded, Err: err})
	}

	if err := k.queue.Enqueue(ctx, delta); err != nil {
		return k.noteStorageFailure(err)
	}

	k.clearStorageFailures()

	if k.transport != nil {
		k.transport.Wake()
	}

	return nil
}

// applyRemote applies a batch of inbound deltas for one document,
// advancing the clock and persisting the updated snapshot.
func (k *Kit) applyRemote(ctx context.Context, docID string, deltas []*protocol.Delta) {
	rep := k.replicaFor(docID)
	if rep == nil {
		k.logger.Debug("delta for unopened document dropped", slog.String("doc", docID))

		return
	}

	for _, d := range deltas {
		k.clock.Observe(d.Stamp)
	}

	_, applied := rep.ApplyBatch(deltas)

	k.logger.Debug("remote deltas applied",
		slog.String("doc", docID),
		slog.Int("received", len(deltas)),
		slog.Int("applied", applied),
	)

	if err := k.persistReplica(ctx, rep); err != nil {
		k.logger.Warn("snapshot persistence failed",
			slog.String("doc", docID),
			slog.String("error", err.Error()),
		)
		k.emit(Event{Kind: EventStorageDegraded, Err: err})
	}
}

// persistReplica writes the replica's full record map and vector
// clock through the adapter.
func (k *Kit) persistReplica(ctx context.Context, rep *replica.Replica) error {
	if _, err := k.store.UpdateDocument(ctx, rep.DocumentID(), rep.Records()); err != nil {
		return err
	}

	return k.store.MergeVectorClock(ctx, rep.DocumentID(), rep.Vector())
}

// noteStorageFailure counts a durable-write failure, halting mutations
// once the limit is hit.
func (k *Kit) noteStorageFailure(err error) error {
	k.mu.Lock()
	k.storageFailures++
	failures := k.storageFailures

	if failures >= storageFailureLimit {
		k.halted = true
	}

	halted := k.halted
	k.mu.Unlock()

	if halted {
		k.emit(Event{Kind: EventStorageError, Err: err})

		return fmt.Errorf("client: durable enqueue failed: %w (%w)", err, ErrStorageHalted)
	}

	k.emit(Event{Kind: EventStorageDegraded, Err: err})

	return fmt.Errorf("client: durable enqueue failed: %w", err)
}

func (k *Kit) clearStorageFailures() {
	k.mu.Lock()
	k.storageFailures = 0
	k.mu.Unlock()
}
