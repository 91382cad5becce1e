package testutil

import (
	"fmt"
	"sync"
	"time"

	"weightsync/internal/wsync"
)

// StubClock stands still until Advance is called, so token expiry and
// block timestamps can be asserted exactly.
type StubClock struct {
	mu  sync.Mutex
	now time.Time
}

var _ wsync.Clock = (*StubClock)(nil)

func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t}
}

// FixedClock starts at the morning of the fixture weigh-ins, 2018-03-04 07:15 UTC.
func FixedClock() *StubClock {
	return NewStubClock(time.Date(2018, 3, 4, 7, 15, 0, 0, time.UTC))
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance lets d pass.
func (c *StubClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// StubIDGenerator numbers runs from "run-1" in call order.
type StubIDGenerator struct {
	mu      sync.Mutex
	counter int
}

var _ wsync.IDGenerator = (*StubIDGenerator)(nil)

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{}
}

func (g *StubIDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return fmt.Sprintf("run-%d", g.counter)
}
