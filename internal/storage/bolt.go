package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/qkeluna/synckit-go/internal/clock"
	"github.com/qkeluna/synckit-go/internal/protocol"
)

// Bucket names for the bbolt adapter.
var (
	bucketDocuments = []byte("documents")
	bucketVectors   = []byte("vectors")
	bucketDeltas    = []byte("deltas")
	bucketSessions  = []byte("sessions")
	bucketPending   = []byte("pending")
	bucketMeta      = []byte("meta")
)

// boltOpenTimeout bounds the wait for the file lock when another
// process holds the database.
const boltOpenTimeout = 5 * time.Second

// Bolt is a single-file KV Adapter backed by bbolt, used for
// client-side persistence (snapshots, vector clocks, the offline
// queue). One file per namespace.
type Bolt struct {
	db     *bolt.DB
	logger *slog.Logger
}

// NewBolt opens (or creates) the database file at path and ensures all
// buckets exist.
func NewBolt(path string, logger *slog.Logger) (*Bolt, error) {
	logger.Info("opening client database", slog.String("path", path))

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: boltOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("storage: open bolt %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketDocuments, bucketVectors, bucketDeltas, bucketSessions, bucketPending, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}

		return nil
	})
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("storage: initializing bolt buckets: %w", err)
	}

	return &Bolt{db: db, logger: logger}, nil
}

// boltDocument is the stored JSON form of a document row.
type boltDocument struct {
	ID        string `json:"id"`
	State     State  `json:"state"`
	Version   int64  `json:"version"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

func (b *Bolt) GetDocument(_ context.Context, id string) (*DocumentState, error) {
	var doc *DocumentState

	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDocuments).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}

		var stored boltDocument
		if err := json.Unmarshal(data, &stored); err != nil {
			return fmt.Errorf("parsing document %s: %w", id, err)
		}

		doc = &DocumentState{
			ID:        stored.ID,
			State:     stored.State,
			Version:   stored.Version,
			CreatedAt: stored.CreatedAt,
			UpdatedAt: stored.UpdatedAt,
		}

		return nil
	})
	if err != nil {
		return nil, wrapBoltErr(err)
	}

	return doc, nil
}

func (b *Bolt) SaveDocument(ctx context.Context, id string, state State) (*DocumentState, error) {
	return b.upsertDocument(ctx, id, state)
}

func (b *Bolt) UpdateDocument(ctx context.Context, id string, state State) (*DocumentState, error) {
	return b.upsertDocument(ctx, id, state)
}

func (b *Bolt) upsertDocument(_ context.Context, id string, state State) (*DocumentState, error) {
	var doc *DocumentState

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketDocuments)
		now := time.Now().UnixNano()

		stored := boltDocument{ID: id, CreatedAt: now}

		if data := bucket.Get([]byte(id)); data != nil {
			if err := json.Unmarshal(data, &stored); err != nil {
				return fmt.Errorf("parsing document %s: %w", id, err)
			}
		}

		stored.State = CopyState(state)
		stored.Version++
		stored.UpdatedAt = now

		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("encoding document %s: %w", id, err)
		}

		if err := bucket.Put([]byte(id), data); err != nil {
			return fmt.Errorf("writing document %s: %w", id, err)
		}

		doc = &DocumentState{
			ID:        stored.ID,
			State:     stored.State,
			Version:   stored.Version,
			CreatedAt: stored.CreatedAt,
			UpdatedAt: stored.UpdatedAt,
		}

		return nil
	})
	if err != nil {
		return nil, wrapBoltErr(err)
	}

	return doc, nil
}

func (b *Bolt) DeleteDocument(_ context.Context, id string) (bool, error) {
	existed := false

	err := b.db.Update(func(tx *bolt.Tx) error {
		docs := tx.Bucket(bucketDocuments)

		if docs.Get([]byte(id)) != nil {
			existed = true
		}

		if err := docs.Delete([]byte(id)); err != nil {
			return err
		}

		if err := tx.Bucket(bucketVectors).Delete([]byte(id)); err != nil {
			return err
		}

		// Delta log entries are keyed docID\x00ulid; drop the prefix.
		cursor := tx.Bucket(bucketDeltas).Cursor()
		prefix := deltaPrefix(id)

		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			if err := cursor.Delete(); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return false, wrapBoltErr(err)
	}

	return existed, nil
}

func (b *Bolt) ListDocuments(_ context.Context, limit, offset int) ([]*DocumentState, error) {
	var docs []*DocumentState

	err := b.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketDocuments).Cursor()
		skipped := 0

		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if skipped < offset {
				skipped++

				continue
			}

			if limit > 0 && len(docs) == limit {
				break
			}

			var stored boltDocument
			if err := json.Unmarshal(v, &stored); err != nil {
				return fmt.Errorf("parsing document %s: %w", k, err)
			}

			docs = append(docs, &DocumentState{
				ID:        stored.ID,
				State:     stored.State,
				Version:   stored.Version,
				CreatedAt: stored.CreatedAt,
				UpdatedAt: stored.UpdatedAt,
			})
		}

		return nil
	})
	if err != nil {
		return nil, wrapBoltErr(err)
	}

	return docs, nil
}

func (b *Bolt) GetVectorClock(_ context.Context, docID string) (clock.Vector, error) {
	vec := make(clock.Vector)

	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVectors).Get([]byte(docID))
		if data == nil {
			return nil
		}

		return json.Unmarshal(data, &vec)
	})
	if err != nil {
		return nil, wrapBoltErr(err)
	}

	return vec, nil
}

func (b *Bolt) UpdateVectorClock(ctx context.Context, docID, clientID string, seq uint64) error {
	return b.mutateVector(ctx, docID, func(vec clock.Vector) {
		vec.Advance(clientID, seq)
	})
}

func (b *Bolt) MergeVectorClock(ctx context.Context, docID string, other clock.Vector) error {
	return b.mutateVector(ctx, docID, func(vec clock.Vector) {
		vec.Merge(other)
	})
}

func (b *Bolt) mutateVector(_ context.Context, docID string, mutate func(clock.Vector)) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketVectors)
		vec := make(clock.Vector)

		if data := bucket.Get([]byte(docID)); data != nil {
			if err := json.Unmarshal(data, &vec); err != nil {
				return fmt.Errorf("parsing vector clock %s: %w", docID, err)
			}
		}

		mutate(vec)

		data, err := json.Marshal(vec)
		if err != nil {
			return fmt.Errorf("encoding vector clock %s: %w", docID, err)
		}

		return bucket.Put([]byte(docID), data)
	})
	if err != nil {
		return wrapBoltErr(err)
	}

	return nil
}

func deltaPrefix(docID string) []byte {
	return append([]byte(docID), 0)
}

func (b *Bolt) SaveDelta(_ context.Context, d *protocol.Delta) (*DeltaRecord, error) {
	rec := &DeltaRecord{
		ID:         ulid.Make().String(),
		Delta:      *d,
		ReceivedAt: time.Now().UnixNano(),
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding delta record: %w", err)
		}

		key := append(deltaPrefix(d.DocumentID), []byte(rec.ID)...)

		return tx.Bucket(bucketDeltas).Put(key, data)
	})
	if err != nil {
		return nil, wrapBoltErr(err)
	}

	return rec, nil
}

func (b *Bolt) GetDeltas(_ context.Context, docID string, limit int) ([]*DeltaRecord, error) {
	var out []*DeltaRecord

	err := b.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketDeltas).Cursor()
		prefix := deltaPrefix(docID)

		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var rec DeltaRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("parsing delta record: %w", err)
			}

			out = append(out, &rec)
		}

		return nil
	})
	if err != nil {
		return nil, wrapBoltErr(err)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Delta.Stamp.Compare(out[j].Delta.Stamp) < 0
	})

	if limit > 0 && limit < len(out) {
		out = out[len(out)-limit:]
	}

	return out, nil
}

func (b *Bolt) CommitPublish(_ context.Context, state State, d *protocol.Delta) (*DeltaRecord, error) {
	rec := &DeltaRecord{
		ID:         ulid.Make().String(),
		Delta:      *d,
		ReceivedAt: time.Now().UnixNano(),
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		recData, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encoding delta record: %w", err)
		}

		key := append(deltaPrefix(d.DocumentID), []byte(rec.ID)...)
		if err := tx.Bucket(bucketDeltas).Put(key, recData); err != nil {
			return err
		}

		docs := tx.Bucket(bucketDocuments)
		now := time.Now().UnixNano()
		stored := boltDocument{ID: d.DocumentID, CreatedAt: now}

		if data := docs.Get([]byte(d.DocumentID)); data != nil {
			if err := json.Unmarshal(data, &stored); err != nil {
				return fmt.Errorf("parsing document %s: %w", d.DocumentID, err)
			}
		}

		stored.State = CopyState(state)
		stored.Version++
		stored.UpdatedAt = now

		docData, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("encoding document %s: %w", d.DocumentID, err)
		}

		if err := docs.Put([]byte(d.DocumentID), docData); err != nil {
			return err
		}

		vectors := tx.Bucket(bucketVectors)
		vec := make(clock.Vector)

		if data := vectors.Get([]byte(d.DocumentID)); data != nil {
			if err := json.Unmarshal(data, &vec); err != nil {
				return fmt.Errorf("parsing vector clock %s: %w", d.DocumentID, err)
			}
		}

		vec.Advance(d.OriginClient, d.SeqAtOrigin)

		vecData, err := json.Marshal(vec)
		if err != nil {
			return fmt.Errorf("encoding vector clock %s: %w", d.DocumentID, err)
		}

		return vectors.Put([]byte(d.DocumentID), vecData)
	})
	if err != nil {
		return nil, wrapBoltErr(err)
	}

	return rec, nil
}

func (b *Bolt) PruneDeltas(_ context.Context, docID string, cutoffMillis uint64) (int, error) {
	pruned := 0

	err := b.db.Update(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketDeltas).Cursor()
		prefix := deltaPrefix(docID)

		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			var rec DeltaRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("parsing delta record: %w", err)
			}

			if rec.Delta.Stamp.Physical < cutoffMillis {
				if err := cursor.Delete(); err != nil {
					return err
				}

				pruned++
			}
		}

		return nil
	})
	if err != nil {
		return 0, wrapBoltErr(err)
	}

	return pruned, nil
}

func (b *Bolt) SaveSession(_ context.Context, s *SessionRecord) (*SessionRecord, error) {
	stored := *s
	if stored.ID == "" {
		stored.ID = ulid.Make().String()
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("encoding session: %w", err)
		}

		return tx.Bucket(bucketSessions).Put([]byte(stored.ID), data)
	})
	if err != nil {
		return nil, wrapBoltErr(err)
	}

	return &stored, nil
}

func (b *Bolt) UpdateSession(_ context.Context, sessionID string, lastSeen int64, metadata map[string]string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSessions)

		data := bucket.Get([]byte(sessionID))
		if data == nil {
			return ErrNotFound
		}

		var rec SessionRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("parsing session %s: %w", sessionID, err)
		}

		rec.LastSeen = lastSeen

		if metadata != nil {
			rec.Metadata = metadata
		}

		updated, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("encoding session %s: %w", sessionID, err)
		}

		return bucket.Put([]byte(sessionID), updated)
	})

	return wrapBoltErr(err)
}

func (b *Bolt) DeleteSession(_ context.Context, sessionID string) (bool, error) {
	existed := false

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSessions)

		if bucket.Get([]byte(sessionID)) != nil {
			existed = true
		}

		return bucket.Delete([]byte(sessionID))
	})
	if err != nil {
		return false, wrapBoltErr(err)
	}

	return existed, nil
}

func (b *Bolt) GetSessions(_ context.Context, userID string) ([]*SessionRecord, error) {
	var out []*SessionRecord

	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).ForEach(func(_, v []byte) error {
			var rec SessionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("parsing session: %w", err)
			}

			if userID != "" && rec.UserID != userID {
				return nil
			}

			out = append(out, &rec)

			return nil
		})
	})
	if err != nil {
		return nil, wrapBoltErr(err)
	}

	return out, nil
}

// pendingKey encodes the sequence as big-endian so the bucket iterates
// in seq order.
func pendingKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)

	return key
}

func (b *Bolt) AppendPending(_ context.Context, p *PendingDelta) error {
	stored := *p
	if stored.EnqueuedAt == 0 {
		stored.EnqueuedAt = time.Now().UnixNano()
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("encoding pending delta: %w", err)
		}

		return tx.Bucket(bucketPending).Put(pendingKey(stored.Seq), data)
	})

	return wrapBoltErr(err)
}

func (b *Bolt) ListPending(_ context.Context) ([]*PendingDelta, error) {
	var out []*PendingDelta

	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(_, v []byte) error {
			var rec PendingDelta
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("parsing pending delta: %w", err)
			}

			out = append(out, &rec)

			return nil
		})
	})
	if err != nil {
		return nil, wrapBoltErr(err)
	}

	return out, nil
}

func (b *Bolt) AckPending(_ context.Context, upToSeq uint64) (int, error) {
	acked := 0

	err := b.db.Update(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketPending).Cursor()

		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			if binary.BigEndian.Uint64(k) > upToSeq {
				break
			}

			if err := cursor.Delete(); err != nil {
				return err
			}

			acked++
		}

		return nil
	})
	if err != nil {
		return 0, wrapBoltErr(err)
	}

	return acked, nil
}

func (b *Bolt) ReplacePending(_ context.Context, items []*PendingDelta) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketPending); err != nil {
			return err
		}

		bucket, err := tx.CreateBucket(bucketPending)
		if err != nil {
			return err
		}

		for _, p := range items {
			stored := *p
			if stored.EnqueuedAt == 0 {
				stored.EnqueuedAt = time.Now().UnixNano()
			}

			data, err := json.Marshal(&stored)
			if err != nil {
				return fmt.Errorf("encoding pending delta: %w", err)
			}

			if err := bucket.Put(pendingKey(stored.Seq), data); err != nil {
				return err
			}
		}

		return nil
	})

	return wrapBoltErr(err)
}

func (b *Bolt) GetMeta(_ context.Context, key string) (string, error) {
	var value string

	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}

		value = string(data)

		return nil
	})
	if err != nil {
		return "", wrapBoltErr(err)
	}

	return value, nil
}

func (b *Bolt) SetMeta(_ context.Context, key, value string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), []byte(value))
	})

	return wrapBoltErr(err)
}

func (b *Bolt) Cleanup(_ context.Context, opts CleanupOptions) (CleanupResult, error) {
	var result CleanupResult

	err := b.db.Update(func(tx *bolt.Tx) error {
		if opts.OldSessionsHours > 0 {
			cutoff := time.Now().Add(-time.Duration(opts.OldSessionsHours) * time.Hour).UnixNano()
			cursor := tx.Bucket(bucketSessions).Cursor()

			for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
				var rec SessionRecord
				if err := json.Unmarshal(v, &rec); err != nil {
					return fmt.Errorf("parsing session: %w", err)
				}

				if rec.LastSeen < cutoff {
					if err := cursor.Delete(); err != nil {
						return err
					}

					result.SessionsDeleted++
				}
			}
		}

		if opts.OldDeltasDays > 0 {
			cutoff := time.Now().Add(-time.Duration(opts.OldDeltasDays) * 24 * time.Hour).UnixNano()
			cursor := tx.Bucket(bucketDeltas).Cursor()

			for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
				var rec DeltaRecord
				if err := json.Unmarshal(v, &rec); err != nil {
					return fmt.Errorf("parsing delta record: %w", err)
				}

				if rec.ReceivedAt < cutoff {
					if err := cursor.Delete(); err != nil {
						return err
					}

					result.DeltasDeleted++
				}
			}
		}

		return nil
	})
	if err != nil {
		return CleanupResult{}, wrapBoltErr(err)
	}

	return result, nil
}

func (b *Bolt) Close() error {
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("storage: closing bolt: %w", err)
	}

	return nil
}

// wrapBoltErr keeps sentinel errors unwrapped and prefixes the rest.
func wrapBoltErr(err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}

	return fmt.Errorf("storage: bolt: %w", err)
}
