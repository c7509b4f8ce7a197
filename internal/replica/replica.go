// Package replica holds the materialised per-document state: one LWW
// register per field, tombstones for deletes, and the per-document
// vector clock. Apply is the single convergence point — every local or
// remote delta lands here.
package replica

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/qkeluna/synckit-go/internal/clock"
	"github.com/qkeluna/synckit-go/internal/protocol"
)

// FieldRecord is the stored state of one field: the value (nil when
// the record is a tombstone), the stamp of the last write that won,
// and the client that issued it.
type FieldRecord struct {
	Value     json.RawMessage `json:"value,omitempty"`
	Stamp     clock.Stamp     `json:"stamp"`
	Origin    string          `json:"origin"`
	Tombstone bool            `json:"tombstone,omitempty"`
}

// Diff describes the observable change produced by one apply batch.
// Tombstoned fields appear in Removed; fields whose materialised value
// did not change appear nowhere.
type Diff struct {
	Added   map[string]json.RawMessage
	Updated map[string]json.RawMessage
	Removed []string
}

// Empty reports whether the diff carries no observable change.
func (d *Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// Observer receives one Diff per apply batch. Notifications are
// delivered in apply order and never interleave with a mutation.
type Observer func(Diff)

// Replica is one materialised view of a document. All mutation goes
// through Apply/ApplyBatch; reads copy out so callers never alias
// internal state.
type Replica struct {
	docID string

	mu        sync.Mutex
	fields    map[string]FieldRecord
	vector    clock.Vector
	observers map[uint64]Observer
	nextObs   uint64
}

// New creates an empty replica for the given document.
func New(docID string) *Replica {
	return &Replica{
		docID:     docID,
		fields:    make(map[string]FieldRecord),
		vector:    make(clock.Vector),
		observers: make(map[uint64]Observer),
	}
}

// Load restores a replica from persisted records and vector clock.
// The maps are copied; callers keep ownership of their arguments.
func Load(docID string, fields map[string]FieldRecord, vector clock.Vector) *Replica {
	r := New(docID)

	for name, rec := range fields {
		r.fields[name] = rec
	}

	if vector != nil {
		r.vector = vector.Copy()
	}

	return r
}

// DocumentID returns the document this replica materialises.
func (r *Replica) DocumentID() string {
	return r.docID
}

// Get returns the materialised value of a field. Tombstoned and absent
// fields both report ok=false.
func (r *Replica) Get(field string) (json.RawMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.fields[field]
	if !ok || rec.Tombstone {
		return nil, false
	}

	return append(json.RawMessage(nil), rec.Value...), true
}

// Snapshot returns a copy of the materialised document, omitting
// tombstones.
func (r *Replica) Snapshot() map[string]json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := make(map[string]json.RawMessage, len(r.fields))

	for name, rec := range r.fields {
		if rec.Tombstone {
			continue
		}

		snap[name] = append(json.RawMessage(nil), rec.Value...)
	}

	return snap
}

// Records returns a copy of all field records including tombstones,
// for persistence.
func (r *Replica) Records() map[string]FieldRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs := make(map[string]FieldRecord, len(r.fields))
	for name, rec := range r.fields {
		recs[name] = rec
	}

	return recs
}

// Vector returns a copy of the per-document vector clock.
func (r *Replica) Vector() clock.Vector {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.vector.Copy()
}

// Subscribe registers an observer and returns its unsubscribe handle.
func (r *Replica) Subscribe(fn Observer) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextObs
	r.nextObs++
	r.observers[id] = fn

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		delete(r.observers, id)
	}
}

// Apply applies a single delta and notifies observers if the
// materialised value changed. Returns true when the delta won.
func (r *Replica) Apply(d *protocol.Delta) bool {
	_, applied := r.ApplyBatch([]*protocol.Delta{d})

	return applied > 0
}

// ApplyBatch applies deltas atomically with respect to observers:
// observers see one merged Diff for the whole batch. Re-applying a
// delta is a no-op, and an older delta never displaces a newer record.
// Returns the merged diff and the count of deltas that won.
func (r *Replica) ApplyBatch(deltas []*protocol.Delta) (Diff, int) {
	r.mu.Lock()

	diff := Diff{
		Added:   make(map[string]json.RawMessage),
		Updated: make(map[string]json.RawMessage),
	}
	applied := 0

	for _, d := range deltas {
		if r.applyLocked(d, &diff) {
			applied++
		}
	}

	observers := make([]Observer, 0, len(r.observers))
	for _, fn := range r.observers {
		observers = append(observers, fn)
	}

	r.mu.Unlock()

	if !diff.Empty() {
		for _, fn := range observers {
			fn(diff)
		}
	}

	return diff, applied
}

// applyLocked runs the LWW apply algorithm for one delta and folds the
// observable change into diff. Caller holds r.mu.
func (r *Replica) applyLocked(d *protocol.Delta, diff *Diff) bool {
	// Every received delta advances the vector clock, winner or not: a
	// delta discarded by LWW is permanently void (stamps per field are
	// monotone), so the replica must not request it again on subscribe.
	r.vector.Advance(d.OriginClient, d.SeqAtOrigin)

	existing, exists := r.fields[d.FieldName]
	if exists && !d.Stamp.After(existing.Stamp) {
		return false
	}

	rec := FieldRecord{
		Stamp:  d.Stamp,
		Origin: d.OriginClient,
	}

	if d.Op == protocol.OpDelete {
		rec.Tombstone = true
	} else {
		rec.Value = append(json.RawMessage(nil), d.Value...)
	}

	r.fields[d.FieldName] = rec
	r.mergeChange(d.FieldName, existing, exists, rec, diff)

	return true
}

// mergeChange folds one winning write into the batch diff, keyed on
// the observable (materialised) value transition.
func (r *Replica) mergeChange(field string, old FieldRecord, existed bool, rec FieldRecord, diff *Diff) {
	hadValue := existed && !old.Tombstone

	switch {
	case rec.Tombstone && hadValue:
		delete(diff.Added, field)
		delete(diff.Updated, field)
		diff.Removed = appendUnique(diff.Removed, field)
	case rec.Tombstone:
		// Delete of an absent field: nothing observable.
	case !hadValue:
		diff.Removed = removeString(diff.Removed, field)

		if _, updated := diff.Updated[field]; updated {
			diff.Updated[field] = rec.Value
		} else {
			diff.Added[field] = rec.Value
		}
	case bytes.Equal(old.Value, rec.Value):
		// Same materialised value; metadata-only change.
	default:
		if _, added := diff.Added[field]; added {
			diff.Added[field] = rec.Value
		} else {
			diff.Updated[field] = rec.Value
		}
	}
}

// PruneTombstones drops tombstone records whose physical stamp falls
// below cutoffMillis. Returns the number pruned.
func (r *Replica) PruneTombstones(cutoffMillis uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0

	for name, rec := range r.fields {
		if rec.Tombstone && rec.Stamp.Physical < cutoffMillis {
			delete(r.fields, name)

			pruned++
		}
	}

	return pruned
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}

	return append(list, s)
}

func removeString(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}

	return list
}
