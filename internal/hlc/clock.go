package hlc

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// LogicalBits is the width of the logical counter packed under the physical milliseconds.
const LogicalBits = 16

// MaxLogical is the largest counter value before it carries into the physical component.
const MaxLogical = 1<<LogicalBits - 1

// MaxPhysical is the largest physical component a timestamp may carry so that one more
// carry still fits in the packed int64.
const MaxPhysical = math.MaxInt64>>LogicalBits - 1

// ErrInvalidTimestamp indicates a packed HLC value that is negative or too large to advance.
var ErrInvalidTimestamp = errors.New("hlc: invalid timestamp")

// Timestamp packs physical milliseconds and a logical counter into one int64 so that
// numeric order equals HLC order.
type Timestamp int64

// NewTimestamp packs the physical and logical components.
func NewTimestamp(physicalMillis int64, logical uint16) Timestamp {
	return Timestamp(physicalMillis<<LogicalBits | int64(logical))
}

// ParseTimestamp validates a raw packed value received from a client.
func ParseTimestamp(raw int64) (Timestamp, error) {
	if raw < 0 || raw>>LogicalBits > MaxPhysical {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, raw)
	}
	return Timestamp(raw), nil
}

// Valid reports whether t lies in the range ParseTimestamp accepts.
func (t Timestamp) Valid() bool {
	return t >= 0 && t.Physical() <= MaxPhysical
}

// Physical returns the wall-clock milliseconds component.
func (t Timestamp) Physical() int64 {
	return int64(t) >> LogicalBits
}

// Logical returns the counter component.
func (t Timestamp) Logical() uint16 {
	return uint16(int64(t) & MaxLogical)
}

// Int64 exposes the packed value.
func (t Timestamp) Int64() int64 {
	return int64(t)
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%d.%d", t.Physical(), t.Logical())
}

// ClockConfig configures a Clock.
type ClockConfig struct {
	WallClock func() time.Time
}

// Clock issues strictly increasing timestamps. It is safe for concurrent use.
type Clock struct {
	mu        sync.Mutex
	last      Timestamp
	wallClock func() time.Time
}

// NewClock constructs a Clock. A nil wall clock defaults to time.Now.
func NewClock(cfg ClockConfig) *Clock {
	wallClock := cfg.WallClock
	if wallClock == nil {
		wallClock = time.Now
	}
	return &Clock{wallClock: wallClock}
}

// Now returns a timestamp strictly greater than every value previously returned by
// Now or Merge on this clock.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	physicalNow := c.wallClock().UnixMilli()
	if physicalNow > c.last.Physical() {
		c.last = NewTimestamp(physicalNow, 0)
	} else {
		c.last = advance(c.last.Physical(), c.last.Logical())
	}
	return c.last
}

// Merge folds a timestamp observed from another origin into the clock and returns a
// value strictly greater than both the local state and received. An out of range
// received value is ignored and the call behaves like Now.
func (c *Clock) Merge(received Timestamp) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !received.Valid() {
		received = 0
	}
	physicalNow := c.wallClock().UnixMilli()
	localPhysical := c.last.Physical()
	receivedPhysical := received.Physical()

	if physicalNow > localPhysical && physicalNow > receivedPhysical {
		c.last = NewTimestamp(physicalNow, 0)
		return c.last
	}

	physical := localPhysical
	if receivedPhysical > physical {
		physical = receivedPhysical
	}
	logical := c.last.Logical()
	if received.Logical() > logical {
		logical = received.Logical()
	}
	c.last = advance(physical, logical)
	return c.last
}

// ExceedsSkew reports whether t runs more than maxSkew ahead of the wall clock.
func (c *Clock) ExceedsSkew(t Timestamp, maxSkew time.Duration) bool {
	return t.Physical()-c.wallClock().UnixMilli() > maxSkew.Milliseconds()
}

// Last returns the most recently issued timestamp without advancing the clock.
func (c *Clock) Last() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// advance returns the successor of (physical, logical). A saturated counter carries into
// the physical component, which lets issued time run ahead of the wall clock under
// sustained bursts of more than MaxLogical events per millisecond.
func advance(physical int64, logical uint16) Timestamp {
	if logical >= MaxLogical {
		if physical > MaxPhysical {
			return NewTimestamp(physical, logical)
		}
		return NewTimestamp(physical+1, 0)
	}
	return NewTimestamp(physical, logical+1)
}
