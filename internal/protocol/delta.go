// Package protocol defines the wire protocol: the delta envelope, the
// framed message set exchanged between client and server, and the size
// limits enforced on both sides.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/qkeluna/synckit-go/internal/clock"
)

// Op is the kind of field mutation a delta carries.
type Op string

// Delta operations as encoded on the wire.
const (
	OpSet    Op = "set"
	OpDelete Op = "del"
)

// Size limits enforced on deltas. A frame over MaxDeltaBytes or a
// value over MaxValueBytes is rejected with ErrOversize before it is
// enqueued client-side, and with an OVERSIZE error frame server-side.
const (
	MaxFieldNameBytes = 1024
	MaxValueBytes     = 256 * 1024
	MaxDeltaBytes     = 1024 * 1024
)

// Delta is a single field-level mutation with its causal metadata.
// Value is retained as raw JSON end to end; the engine never
// interprets field values beyond size limits.
type Delta struct {
	DocumentID   string          `json:"documentId"`
	FieldName    string          `json:"fieldName"`
	Op           Op              `json:"op"`
	Value        json.RawMessage `json:"value,omitempty"`
	Stamp        clock.Stamp     `json:"stamp"`
	OriginClient string          `json:"originClient"`
	SeqAtOrigin  uint64          `json:"seqAtOrigin"`
}

// Validate checks structural and size constraints. It is called at the
// write site (synchronous oversize errors, spec'd to reach the caller
// before enqueue) and again by the server on every inbound delta.
func (d *Delta) Validate() error {
	if d.DocumentID == "" {
		return fmt.Errorf("protocol: delta missing document id")
	}

	if d.FieldName == "" {
		return fmt.Errorf("protocol: delta missing field name")
	}

	if len(d.FieldName) > MaxFieldNameBytes {
		return fmt.Errorf("protocol: field name %d bytes exceeds %d: %w",
			len(d.FieldName), MaxFieldNameBytes, ErrOversize)
	}

	switch d.Op {
	case OpSet:
		if len(d.Value) == 0 {
			return fmt.Errorf("protocol: set delta missing value")
		}

		if len(d.Value) > MaxValueBytes {
			return fmt.Errorf("protocol: value %d bytes exceeds %d: %w",
				len(d.Value), MaxValueBytes, ErrOversize)
		}
	case OpDelete:
		if len(d.Value) != 0 {
			return fmt.Errorf("protocol: delete delta carries a value")
		}
	default:
		return fmt.Errorf("protocol: unknown op %q", d.Op)
	}

	if d.OriginClient == "" || d.Stamp.ClientID == "" {
		return fmt.Errorf("protocol: delta missing origin client")
	}

	if d.SeqAtOrigin == 0 {
		return fmt.Errorf("protocol: delta missing origin sequence")
	}

	if encoded, err := json.Marshal(d); err != nil {
		return fmt.Errorf("protocol: encoding delta: %w", err)
	} else if len(encoded) > MaxDeltaBytes {
		return fmt.Errorf("protocol: delta %d bytes exceeds %d: %w",
			len(encoded), MaxDeltaBytes, ErrOversize)
	}

	return nil
}

// Key returns the (originClient, seqAtOrigin) identity used for
// idempotent replay detection.
func (d *Delta) Key() DeltaKey {
	return DeltaKey{Origin: d.OriginClient, Seq: d.SeqAtOrigin}
}

// DeltaKey identifies a delta by origin. The server treats a repeated
// key as already applied.
type DeltaKey struct {
	Origin string
	Seq    uint64
}

// FilterNovel returns the deltas the holder of peerClock has not seen:
// those with SeqAtOrigin greater than the peer's recorded sequence for
// their origin client. Order is preserved.
func FilterNovel(deltas []*Delta, peerClock clock.Vector) []*Delta {
	var novel []*Delta

	for _, d := range deltas {
		if d.SeqAtOrigin > peerClock.Get(d.OriginClient) {
			novel = append(novel, d)
		}
	}

	return novel
}
