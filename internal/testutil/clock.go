package testutil

import (
	"fmt"
	"sync/atomic"
	"time"

	"cdist-go/internal/cdist"
)

// FixedTime is the instant reported by FixedClock.
var FixedTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

// StubClock always reports the same instant.
type StubClock struct {
	now time.Time
}

// FixedClock returns a StubClock set to FixedTime.
func FixedClock() *StubClock {
	return &StubClock{now: FixedTime}
}

func (c *StubClock) Now() time.Time { return c.now }

// StubIDGenerator returns sequential IDs: "id-1", "id-2", etc. Safe for
// concurrent use.
type StubIDGenerator struct {
	n atomic.Int64
}

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{}
}

func (g *StubIDGenerator) New() string {
	return fmt.Sprintf("id-%d", g.n.Add(1))
}

var (
	_ cdist.Clock       = (*StubClock)(nil)
	_ cdist.IDGenerator = (*StubIDGenerator)(nil)
)
