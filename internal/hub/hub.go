// Package hub implements the server side of the replication ring: a
// per-document fan-out registry over a durable delta log. The hub is
// a relay, not an arbiter — it never rejects a delta on causality
// grounds, only on size.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/qkeluna/synckit-go/internal/clock"
	"github.com/qkeluna/synckit-go/internal/protocol"
	"github.com/qkeluna/synckit-go/internal/replica"
	"github.com/qkeluna/synckit-go/internal/storage"
)

// Config tunes the hub. Zero values fall back to the defaults below.
type Config struct {
	RingSize           int
	HeartbeatTimeout   time.Duration
	CompactionInterval time.Duration
	TombstoneRetention time.Duration
	SessionMaxAge      time.Duration
	AuthToken          string // empty → connections are not authenticated
}

// Hub defaults.
const (
	DefaultRingSize           = 1000
	DefaultHeartbeatTimeout   = 30 * time.Second
	DefaultCompactionInterval = 10 * time.Minute
	DefaultTombstoneRetention = 7 * 24 * time.Hour
	DefaultSessionMaxAge      = 24 * time.Hour
)

func (c Config) withDefaults() Config {
	if c.RingSize <= 0 {
		c.RingSize = DefaultRingSize
	}

	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}

	if c.CompactionInterval <= 0 {
		c.CompactionInterval = DefaultCompactionInterval
	}

	if c.TombstoneRetention <= 0 {
		c.TombstoneRetention = DefaultTombstoneRetention
	}

	if c.SessionMaxAge <= 0 {
		c.SessionMaxAge = DefaultSessionMaxAge
	}

	return c
}

// Hub is the per-process registry of documents and live sessions.
type Hub struct {
	store  storage.Adapter
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	docs     map[string]*docState
	sessions map[string]*session
}

// New creates a Hub over the given storage adapter.
func New(store storage.Adapter, cfg Config, logger *slog.Logger) *Hub {
	return &Hub{
		store:    store,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		docs:     make(map[string]*docState),
		sessions: make(map[string]*session),
	}
}

// docState is the in-memory side of one document: materialised
// registers, the recent-delta ring, and the subscriber set. All
// access is serialised through mu, giving the per-document ownership
// the concurrency model requires.
type docState struct {
	id string

	mu          sync.Mutex
	rep         *replica.Replica
	ring        *ring
	subscribers map[string]*session
}

// document returns the in-memory state for a document, loading the
// snapshot and vector clock from storage on first touch.
func (h *Hub) document(ctx context.Context, id string) (*docState, error) {
	h.mu.Lock()

	if doc, ok := h.docs[id]; ok {
		h.mu.Unlock()

		return doc, nil
	}

	h.mu.Unlock()

	stored, err := h.store.GetDocument(ctx, id)

	var rep *replica.Replica

	switch {
	case errors.Is(err, storage.ErrNotFound):
		rep = replica.New(id)
	case err != nil:
		return nil, fmt.Errorf("hub: loading document %s: %w", id, err)
	default:
		vec, vecErr := h.store.GetVectorClock(ctx, id)
		if vecErr != nil {
			return nil, fmt.Errorf("hub: loading vector clock %s: %w", id, vecErr)
		}

		rep = replica.Load(id, stored.State, vec)
	}

	ring := newRing(h.cfg.RingSize)

	// Seed the ring from the persisted log so restarts keep answering
	// catch-up without a full-log scan. The log may hold more entries
	// than the ring; mark it incomplete in that case.
	records, err := h.store.GetDeltas(ctx, id, h.cfg.RingSize)
	if err != nil {
		return nil, fmt.Errorf("hub: loading delta log %s: %w", id, err)
	}

	for _, rec := range records {
		d := rec.Delta
		ring.add(&d)
	}

	if len(records) == h.cfg.RingSize {
		ring.evicted = true
	}

	doc := &docState{
		id:          id,
		rep:         rep,
		ring:        ring,
		subscribers: make(map[string]*session),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.docs[id]; ok {
		return existing, nil
	}

	h.docs[id] = doc

	return doc, nil
}

// publish runs the server side of one inbound delta: persist
// atomically, ack the origin, fan out to every other subscriber.
func (h *Hub) publish(ctx context.Context, from *session, d *protocol.Delta) error {
	if err := d.Validate(); err != nil {
		if errors.Is(err, protocol.ErrOversize) {
			from.send(protocol.NewError(protocol.CodeOversize, "delta exceeds size limits", d.FieldName))

			return nil
		}

		h.logger.Warn("dropping malformed delta",
			slog.String("client", from.clientID),
			slog.String("error", err.Error()),
		)
		from.send(protocol.NewError(protocol.CodeInternal, "malformed delta", d.FieldName))

		return nil
	}

	doc, err := h.document(ctx, d.DocumentID)
	if err != nil {
		return err
	}

	doc.mu.Lock()

	// Idempotent replay: a seq the document has already folded in is
	// re-acked without re-persisting or re-fanning out.
	if d.SeqAtOrigin <= doc.rep.Vector().Get(d.OriginClient) {
		doc.mu.Unlock()
		from.send(&protocol.Ack{OriginClient: d.OriginClient, SeqAtOrigin: d.SeqAtOrigin})

		return nil
	}

	doc.rep.Apply(d)

	if _, err := h.store.CommitPublish(ctx, doc.rep.Records(), d); err != nil {
		doc.mu.Unlock()

		return fmt.Errorf("hub: persisting publish: %w", err)
	}

	doc.ring.add(d)

	subscribers := make([]*session, 0, len(doc.subscribers))
	for _, sess := range doc.subscribers {
		subscribers = append(subscribers, sess)
	}

	doc.mu.Unlock()

	from.send(&protocol.Ack{OriginClient: d.OriginClient, SeqAtOrigin: d.SeqAtOrigin})

	frame := protocol.NewDeltaFrame(d)

	for _, sess := range subscribers {
		if sess.id == from.id {
			continue
		}

		sess.send(frame)
	}

	return nil
}

// subscribe streams the caller's causal gap for a document in stamp
// order, finishes with subscribeComplete, and registers the session
// for future fan-out.
func (h *Hub) subscribe(ctx context.Context, sess *session, docID string, peerClock clock.Vector) error {
	doc, err := h.document(ctx, docID)
	if err != nil {
		return err
	}

	if peerClock == nil {
		peerClock = make(clock.Vector)
	}

	doc.mu.Lock()

	var missing []*protocol.Delta

	if doc.ring.complete() {
		missing = doc.ring.missing(peerClock)
	} else {
		// Ring has evicted history; fall back to the full log.
		records, logErr := h.store.GetDeltas(ctx, docID, 0)
		if logErr != nil {
			doc.mu.Unlock()

			return fmt.Errorf("hub: reading delta log %s: %w", docID, logErr)
		}

		all := make([]*protocol.Delta, len(records))
		for i, rec := range records {
			d := rec.Delta
			all[i] = &d
		}

		missing = protocol.FilterNovel(all, peerClock)

		sort.Slice(missing, func(i, j int) bool {
			return missing[i].Stamp.Compare(missing[j].Stamp) < 0
		})
	}

	doc.subscribers[sess.id] = sess
	doc.mu.Unlock()

	for _, d := range missing {
		sess.send(protocol.NewDeltaFrame(d))
	}

	sess.send(&protocol.SubscribeComplete{DocumentID: docID})

	h.logger.Debug("session subscribed",
		slog.String("session_id", sess.id),
		slog.String("doc", docID),
		slog.Int("catchup", len(missing)),
	)

	return nil
}

// dropSession unregisters a session from every document and the
// session table.
func (h *Hub) dropSession(ctx context.Context, sess *session, clean bool) {
	h.mu.Lock()
	delete(h.sessions, sess.id)

	docs := make([]*docState, 0, len(h.docs))
	for _, doc := range h.docs {
		docs = append(docs, doc)
	}
	h.mu.Unlock()

	for _, doc := range docs {
		doc.mu.Lock()
		delete(doc.subscribers, sess.id)
		doc.mu.Unlock()
	}

	if clean {
		if _, err := h.store.DeleteSession(ctx, sess.id); err != nil {
			h.logger.Warn("session row delete failed",
				slog.String("session_id", sess.id),
				slog.String("error", err.Error()),
			)
		}
	}

	h.logger.Info("session closed",
		slog.String("session_id", sess.id),
		slog.String("client", sess.clientID),
		slog.Bool("clean", clean),
	)
}

// SessionCount returns the number of live sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.sessions)
}
