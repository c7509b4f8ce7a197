package hub

import (
	"sort"

	"github.com/qkeluna/synckit-go/internal/clock"
	"github.com/qkeluna/synckit-go/internal/protocol"
)

// ring is a fixed-capacity buffer of the most recent deltas for one
// document. Subscribe catch-up is answered from the ring while it has
// never overwritten a delta (it then holds the document's whole
// history); once it has, the hub falls back to the storage delta log.
type ring struct {
	buf     []*protocol.Delta
	next    int
	evicted bool // at least one delta has been overwritten
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]*protocol.Delta, 0, capacity)}
}

// add appends a delta, overwriting the oldest once full.
func (r *ring) add(d *protocol.Delta) {
	if len(r.buf) < cap(r.buf) {
		r.buf = append(r.buf, d)

		return
	}

	r.buf[r.next] = d
	r.next = (r.next + 1) % len(r.buf)
	r.evicted = true
}

// complete reports whether the ring still holds every delta the
// document has ever accepted.
func (r *ring) complete() bool {
	return !r.evicted
}

// missing returns the buffered deltas the holder of peerClock has not
// seen, in stamp order.
func (r *ring) missing(peerClock clock.Vector) []*protocol.Delta {
	out := protocol.FilterNovel(r.buf, peerClock)

	sort.Slice(out, func(i, j int) bool {
		return out[i].Stamp.Compare(out[j].Stamp) < 0
	})

	return out
}
