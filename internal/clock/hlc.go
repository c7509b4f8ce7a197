// Package clock implements the hybrid logical clock and per-document
// vector clock used to order field writes across replicas.
package clock

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Stamp is a hybrid logical timestamp. Ordering is lexicographic on
// (Physical, Logical, ClientID), which gives a total order over all
// writes in the system regardless of delivery order.
type Stamp struct {
	Physical uint64 `json:"phys"`   // milliseconds since Unix epoch
	Logical  uint32 `json:"log"`    // counter within one millisecond
	ClientID string `json:"client"` // origin client, final tiebreak
}

// Compare returns -1, 0 or 1 as s orders before, equal to, or after o.
func (s Stamp) Compare(o Stamp) int {
	switch {
	case s.Physical != o.Physical:
		if s.Physical < o.Physical {
			return -1
		}

		return 1
	case s.Logical != o.Logical:
		if s.Logical < o.Logical {
			return -1
		}

		return 1
	default:
		return strings.Compare(s.ClientID, o.ClientID)
	}
}

// After reports whether s orders strictly after o.
func (s Stamp) After(o Stamp) bool {
	return s.Compare(o) > 0
}

// IsZero reports whether s is the zero stamp.
func (s Stamp) IsZero() bool {
	return s.Physical == 0 && s.Logical == 0 && s.ClientID == ""
}

// String formats the stamp for logs and error messages.
func (s Stamp) String() string {
	return fmt.Sprintf("%d.%d@%s", s.Physical, s.Logical, s.ClientID)
}

// DefaultMaxSkew bounds how far into the future a remote stamp may run
// ahead of the local wall clock before it is clamped on observe.
const DefaultMaxSkew = 5 * time.Minute

// Clock issues monotone hybrid stamps for one client and folds in
// remote stamps so that causally later local writes always stamp
// greater. Safe for use from multiple goroutines.
type Clock struct {
	clientID string
	maxSkew  time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu           sync.Mutex
	lastPhysical uint64
	lastLogical  uint32
}

// Option configures a Clock.
type Option func(*Clock)

// WithNow replaces the wall clock source. Tests use this to simulate
// backward jumps and skew.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) { c.now = now }
}

// WithMaxSkew overrides the future-skew clamp applied on Observe.
func WithMaxSkew(d time.Duration) Option {
	return func(c *Clock) { c.maxSkew = d }
}

// New creates a Clock for the given client id.
func New(clientID string, logger *slog.Logger, opts ...Option) *Clock {
	c := &Clock{
		clientID: clientID,
		maxSkew:  DefaultMaxSkew,
		now:      time.Now,
		logger:   logger,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ClientID returns the client id this clock stamps with.
func (c *Clock) ClientID() string {
	return c.clientID
}

// Stamp returns the next hybrid stamp. Physical is clamped to the
// maximum of wall time and the last issued physical, so stamps stay
// monotone even when the wall clock jumps backward.
func (c *Clock) Stamp() Stamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.wallMillis()

	if wall > c.lastPhysical {
		c.lastPhysical = wall
		c.lastLogical = 0
	} else {
		c.lastLogical++
	}

	return Stamp{Physical: c.lastPhysical, Logical: c.lastLogical, ClientID: c.clientID}
}

// Observe folds a remote stamp into the clock so the next local stamp
// orders after it. A remote physical more than maxSkew ahead of wall
// time is clamped and logged; it must not poison the local clock.
func (c *Clock) Observe(remote Stamp) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := c.wallMillis()

	remotePhysical := remote.Physical
	if limit := wall + uint64(c.maxSkew.Milliseconds()); remotePhysical > limit {
		c.logger.Warn("remote stamp exceeds max skew, clamping",
			slog.String("remote", remote.String()),
			slog.Uint64("wall_ms", wall),
			slog.Duration("max_skew", c.maxSkew),
		)

		remotePhysical = limit
	}

	switch {
	case wall > c.lastPhysical && wall > remotePhysical:
		c.lastPhysical = wall
		c.lastLogical = 0
	case remotePhysical > c.lastPhysical:
		c.lastPhysical = remotePhysical
		c.lastLogical = remote.Logical + 1
	case remotePhysical == c.lastPhysical && remote.Logical >= c.lastLogical:
		c.lastLogical = remote.Logical + 1
	default:
		c.lastLogical++
	}
}

// wallMillis returns wall time in milliseconds, never negative.
func (c *Clock) wallMillis() uint64 {
	ms := c.now().UnixMilli()
	if ms < 0 {
		return 0
	}

	return uint64(ms)
}
