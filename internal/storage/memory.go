package storage

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/qkeluna/synckit-go/internal/clock"
	"github.com/qkeluna/synckit-go/internal/protocol"
)

// Memory is an in-process Adapter. Each call to NewMemory returns an
// isolated instance — there is no process-wide shared state — so tests
// construct independent stacks. Two components that must share a
// backend (a hub and its compactor, say) share the handle explicitly.
type Memory struct {
	mu        sync.Mutex
	closed    bool
	documents map[string]*DocumentState
	vectors   map[string]clock.Vector
	deltas    map[string][]*DeltaRecord // docID → log order
	seen      map[protocol.DeltaKey]*DeltaRecord
	sessions  map[string]*SessionRecord
	pending   []*PendingDelta
	meta      map[string]string
}

// NewMemory creates an empty in-memory adapter.
func NewMemory() *Memory {
	return &Memory{
		documents: make(map[string]*DocumentState),
		vectors:   make(map[string]clock.Vector),
		deltas:    make(map[string][]*DeltaRecord),
		seen:      make(map[protocol.DeltaKey]*DeltaRecord),
		sessions:  make(map[string]*SessionRecord),
		meta:      make(map[string]string),
	}
}

func (m *Memory) GetDocument(_ context.Context, id string) (*DocumentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	doc, ok := m.documents[id]
	if !ok {
		return nil, ErrNotFound
	}

	return copyDocument(doc), nil
}

func (m *Memory) SaveDocument(_ context.Context, id string, state State) (*DocumentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	return copyDocument(m.upsertDocumentLocked(id, state)), nil
}

func (m *Memory) UpdateDocument(_ context.Context, id string, state State) (*DocumentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	return copyDocument(m.upsertDocumentLocked(id, state)), nil
}

// upsertDocumentLocked writes the snapshot, bumping the monotone
// version. Caller holds m.mu.
func (m *Memory) upsertDocumentLocked(id string, state State) *DocumentState {
	now := time.Now().UnixNano()

	doc, ok := m.documents[id]
	if !ok {
		doc = &DocumentState{ID: id, CreatedAt: now}
		m.documents[id] = doc
	}

	doc.State = CopyState(state)
	doc.Version++
	doc.UpdatedAt = now

	return doc
}

func (m *Memory) DeleteDocument(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrClosed
	}

	_, ok := m.documents[id]

	delete(m.documents, id)
	delete(m.vectors, id)

	for _, rec := range m.deltas[id] {
		delete(m.seen, rec.Delta.Key())
	}

	delete(m.deltas, id)

	return ok, nil
}

func (m *Memory) ListDocuments(_ context.Context, limit, offset int) ([]*DocumentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	ids := make([]string, 0, len(m.documents))
	for id := range m.documents {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	if offset >= len(ids) {
		return nil, nil
	}

	ids = ids[offset:]
	if limit > 0 && limit < len(ids) {
		ids = ids[:limit]
	}

	docs := make([]*DocumentState, 0, len(ids))
	for _, id := range ids {
		docs = append(docs, copyDocument(m.documents[id]))
	}

	return docs, nil
}

func (m *Memory) GetVectorClock(_ context.Context, docID string) (clock.Vector, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	vec, ok := m.vectors[docID]
	if !ok {
		return make(clock.Vector), nil
	}

	return vec.Copy(), nil
}

func (m *Memory) UpdateVectorClock(_ context.Context, docID, clientID string, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.vectorLocked(docID).Advance(clientID, seq)

	return nil
}

func (m *Memory) MergeVectorClock(_ context.Context, docID string, vec clock.Vector) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.vectorLocked(docID).Merge(vec)

	return nil
}

func (m *Memory) vectorLocked(docID string) clock.Vector {
	vec, ok := m.vectors[docID]
	if !ok {
		vec = make(clock.Vector)
		m.vectors[docID] = vec
	}

	return vec
}

func (m *Memory) SaveDelta(_ context.Context, d *protocol.Delta) (*DeltaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	return m.appendDeltaLocked(d), nil
}

// appendDeltaLocked appends to the log unless the (origin, seq) key is
// already present, in which case the existing record is returned so
// replayed publishes stay idempotent. Caller holds m.mu.
func (m *Memory) appendDeltaLocked(d *protocol.Delta) *DeltaRecord {
	if existing, ok := m.seen[d.Key()]; ok {
		return existing
	}

	rec := &DeltaRecord{
		ID:         ulid.Make().String(),
		Delta:      *d,
		ReceivedAt: time.Now().UnixNano(),
	}

	m.deltas[d.DocumentID] = append(m.deltas[d.DocumentID], rec)
	m.seen[d.Key()] = rec

	return rec
}

func (m *Memory) GetDeltas(_ context.Context, docID string, limit int) ([]*DeltaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	log := m.deltas[docID]
	if limit > 0 && limit < len(log) {
		log = log[len(log)-limit:]
	}

	out := make([]*DeltaRecord, len(log))
	copy(out, log)

	return out, nil
}

func (m *Memory) CommitPublish(_ context.Context, state State, d *protocol.Delta) (*DeltaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	rec := m.appendDeltaLocked(d)
	m.upsertDocumentLocked(d.DocumentID, state)
	m.vectorLocked(d.DocumentID).Advance(d.OriginClient, d.SeqAtOrigin)

	return rec, nil
}

func (m *Memory) PruneDeltas(_ context.Context, docID string, cutoffMillis uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	kept := m.deltas[docID][:0]
	pruned := 0

	for _, rec := range m.deltas[docID] {
		if rec.Delta.Stamp.Physical < cutoffMillis {
			delete(m.seen, rec.Delta.Key())

			pruned++

			continue
		}

		kept = append(kept, rec)
	}

	m.deltas[docID] = kept

	return pruned, nil
}

func (m *Memory) SaveSession(_ context.Context, s *SessionRecord) (*SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	stored := *s
	if stored.ID == "" {
		stored.ID = ulid.Make().String()
	}

	m.sessions[stored.ID] = &stored
	out := stored

	return &out, nil
}

func (m *Memory) UpdateSession(_ context.Context, sessionID string, lastSeen int64, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}

	s.LastSeen = lastSeen

	if metadata != nil {
		s.Metadata = metadata
	}

	return nil
}

func (m *Memory) DeleteSession(_ context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrClosed
	}

	_, ok := m.sessions[sessionID]

	delete(m.sessions, sessionID)

	return ok, nil
}

func (m *Memory) GetSessions(_ context.Context, userID string) ([]*SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	var out []*SessionRecord

	for _, s := range m.sessions {
		if userID != "" && s.UserID != userID {
			continue
		}

		copied := *s
		out = append(out, &copied)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out, nil
}

func (m *Memory) AppendPending(_ context.Context, p *PendingDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	stored := *p
	if stored.EnqueuedAt == 0 {
		stored.EnqueuedAt = time.Now().UnixNano()
	}

	m.pending = append(m.pending, &stored)

	return nil
}

func (m *Memory) ListPending(_ context.Context) ([]*PendingDelta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	out := make([]*PendingDelta, len(m.pending))
	for i, p := range m.pending {
		copied := *p
		out[i] = &copied
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })

	return out, nil
}

func (m *Memory) AckPending(_ context.Context, upToSeq uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	kept := m.pending[:0]
	acked := 0

	for _, p := range m.pending {
		if p.Seq <= upToSeq {
			acked++

			continue
		}

		kept = append(kept, p)
	}

	m.pending = kept

	return acked, nil
}

func (m *Memory) ReplacePending(_ context.Context, items []*PendingDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.pending = make([]*PendingDelta, len(items))

	for i, p := range items {
		copied := *p
		m.pending[i] = &copied
	}

	return nil
}

func (m *Memory) GetMeta(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrClosed
	}

	v, ok := m.meta[key]
	if !ok {
		return "", ErrNotFound
	}

	return v, nil
}

func (m *Memory) SetMeta(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.meta[key] = value

	return nil
}

func (m *Memory) Cleanup(_ context.Context, opts CleanupOptions) (CleanupResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return CleanupResult{}, ErrClosed
	}

	var result CleanupResult

	if opts.OldSessionsHours > 0 {
		cutoff := time.Now().Add(-time.Duration(opts.OldSessionsHours) * time.Hour).UnixNano()

		for id, s := range m.sessions {
			if s.LastSeen < cutoff {
				delete(m.sessions, id)

				result.SessionsDeleted++
			}
		}
	}

	if opts.OldDeltasDays > 0 {
		cutoff := time.Now().Add(-time.Duration(opts.OldDeltasDays) * 24 * time.Hour).UnixNano()

		for docID, log := range m.deltas {
			kept := log[:0]

			for _, rec := range log {
				if rec.ReceivedAt < cutoff {
					delete(m.seen, rec.Delta.Key())

					result.DeltasDeleted++

					continue
				}

				kept = append(kept, rec)
			}

			m.deltas[docID] = kept
		}
	}

	return result, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true

	return nil
}

// copyDocument deep-copies a document row for return to callers.
func copyDocument(doc *DocumentState) *DocumentState {
	out := *doc
	out.State = CopyState(doc.State)

	return &out
}

// FormatSeq renders a sequence counter for the meta KV.
func FormatSeq(seq uint64) string {
	return strconv.FormatUint(seq, 10)
}

// ParseSeq parses a sequence counter stored via FormatSeq.
func ParseSeq(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
