package stabilize

import (
	"context"
	"sync"
	"time"

	"github.com/HyphaGroup/colloquy/internal/driver"
)

// Replay runs the protocol against a recorded sequence of readings on a
// virtual clock. Each poll consumes the next reading; once the sequence is
// exhausted the last reading repeats. The result equals what Await returns
// against a live session producing the same readings.
func Replay(readings []driver.Reading, baseline driver.Reading, policy Policy) Outcome {
	src := &sequence{readings: readings}
	clock := &VirtualClock{now: time.Unix(0, 0)}
	out, _ := Await(context.Background(), src, baseline, policy, clock)
	return out
}

// Texts builds readings that carry only text.
func Texts(texts ...string) []driver.Reading {
	out := make([]driver.Reading, len(texts))
	for i, t := range texts {
		out[i] = driver.Reading{Text: t}
	}
	return out
}

type sequence struct {
	readings []driver.Reading
	next     int
}

func (s *sequence) Poll(ctx context.Context) (driver.Reading, error) {
	if len(s.readings) == 0 {
		return driver.Reading{}, nil
	}
	if s.next >= len(s.readings) {
		return s.readings[len(s.readings)-1], nil
	}
	r := s.readings[s.next]
	s.next++
	return r, nil
}

// VirtualClock advances only when slept on. Sleeps from concurrent callers
// each advance the shared time.
type VirtualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewVirtualClock starts a virtual clock at start.
func NewVirtualClock(start time.Time) *VirtualClock {
	return &VirtualClock{now: start}
}

func (c *VirtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *VirtualClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	return nil
}

// Advance moves the clock forward by d.
func (c *VirtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
