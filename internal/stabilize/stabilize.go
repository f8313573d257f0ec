// Package stabilize decides when an incrementally rendered reply is final.
//
// Two detection modes are supported. Count mode waits for the session's
// completed-reply counter to advance past the baseline (or for any reply text
// to appear), lets the surface settle, and reads once more. Stability mode
// polls until the same non-empty text has been observed Threshold times in a
// row. Both modes are bounded by Timeout and degrade to the best text seen
// instead of failing.
package stabilize

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/HyphaGroup/colloquy/internal/driver"
)

// Mode selects the completion-detection strategy.
type Mode string

const (
	ModeCount     Mode = "count"
	ModeStability Mode = "stability"
)

// DefaultFallback is returned by stability mode when nothing was ever rendered.
const DefaultFallback = "No response received"

// Policy configures one kind's completion detection.
type Policy struct {
	Mode        Mode
	Timeout     time.Duration
	Interval    time.Duration
	Threshold   int
	SettleDelay time.Duration
	Fallback    string
}

// DefaultCountPolicy waits up to two minutes for the completed counter to move.
func DefaultCountPolicy() Policy {
	return Policy{
		Mode:        ModeCount,
		Timeout:     120 * time.Second,
		Interval:    500 * time.Millisecond,
		SettleDelay: time.Second,
	}
}

// DefaultStabilityPolicy polls once a second for up to twenty seconds and
// accepts a reply after three identical consecutive readings.
func DefaultStabilityPolicy() Policy {
	return Policy{
		Mode:      ModeStability,
		Timeout:   20 * time.Second,
		Interval:  time.Second,
		Threshold: 3,
		Fallback:  DefaultFallback,
	}
}

// Defaults returns the default policy for mode.
func Defaults(mode Mode) (Policy, error) {
	switch mode {
	case ModeCount:
		return DefaultCountPolicy(), nil
	case ModeStability:
		return DefaultStabilityPolicy(), nil
	default:
		return Policy{}, fmt.Errorf("unknown stabilization mode %q", mode)
	}
}

// Validate checks that the policy can terminate.
func (p Policy) Validate() error {
	switch p.Mode {
	case ModeCount:
	case ModeStability:
		if p.Threshold < 1 {
			return fmt.Errorf("stability threshold must be at least 1, got %d", p.Threshold)
		}
	default:
		return fmt.Errorf("unknown stabilization mode %q", p.Mode)
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("stabilization timeout must be positive")
	}
	if p.Interval <= 0 {
		return fmt.Errorf("stabilization interval must be positive")
	}
	if p.SettleDelay < 0 {
		return fmt.Errorf("settle delay must not be negative")
	}
	return nil
}

// Outcome is the result of waiting for a reply.
type Outcome struct {
	Text     string
	TimedOut bool
	Polls    int
	Elapsed  time.Duration
}

// Poller reads the current rendered output.
type Poller interface {
	Poll(ctx context.Context) (driver.Reading, error)
}

// PollerFunc adapts a function to Poller.
type PollerFunc func(ctx context.Context) (driver.Reading, error)

func (f PollerFunc) Poll(ctx context.Context) (driver.Reading, error) { return f(ctx) }

// Clock abstracts time so the protocol can be replayed without sleeping.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil || d <= 0 {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Await polls p until the policy declares the reply final. baseline is the
// reading captured just before the message was submitted. A poll error or a
// cancelled context aborts the wait and is returned as is.
func Await(ctx context.Context, p Poller, baseline driver.Reading, policy Policy, clock Clock) (Outcome, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	w := &waiter{poller: p, policy: policy, clock: clock, start: clock.Now()}

	var out Outcome
	var err error
	switch policy.Mode {
	case ModeStability:
		out, err = w.stability(ctx)
	default:
		out, err = w.count(ctx, baseline)
	}
	out.Polls = w.polls
	out.Elapsed = clock.Now().Sub(w.start)
	return out, err
}

type waiter struct {
	poller Poller
	policy Policy
	clock  Clock
	start  time.Time
	polls  int
}

func (w *waiter) poll(ctx context.Context) (driver.Reading, error) {
	w.polls++
	return w.poller.Poll(ctx)
}

func (w *waiter) expired() bool {
	return w.clock.Now().Sub(w.start) >= w.policy.Timeout
}

func (w *waiter) count(ctx context.Context, baseline driver.Reading) (Outcome, error) {
	var best string
	timedOut := false
	for {
		r, err := w.poll(ctx)
		if err != nil {
			return Outcome{}, err
		}
		if r.Text != "" {
			best = r.Text
		}
		if r.Completed > baseline.Completed || strings.TrimSpace(r.Text) != "" {
			break
		}
		if w.expired() {
			timedOut = true
			break
		}
		if err := w.clock.Sleep(ctx, w.policy.Interval); err != nil {
			return Outcome{}, err
		}
	}

	if !timedOut && w.policy.SettleDelay > 0 {
		if err := w.clock.Sleep(ctx, w.policy.SettleDelay); err != nil {
			return Outcome{}, err
		}
	}

	final, err := w.poll(ctx)
	if err != nil {
		return Outcome{}, err
	}
	if final.Text != "" {
		best = final.Text
	}
	return Outcome{Text: best, TimedOut: timedOut}, nil
}

func (w *waiter) stability(ctx context.Context) (Outcome, error) {
	var previous, best string
	stable := 0
	for !w.expired() {
		r, err := w.poll(ctx)
		if err != nil {
			return Outcome{}, err
		}
		if r.Text != "" {
			best = r.Text
		}
		if r.Text == previous && r.Text != "" {
			stable++
			if stable >= w.policy.Threshold {
				return Outcome{Text: r.Text}, nil
			}
		} else {
			stable = 0
			previous = r.Text
		}
		if err := w.clock.Sleep(ctx, w.policy.Interval); err != nil {
			return Outcome{}, err
		}
	}

	if best == "" {
		best = w.policy.Fallback
		if best == "" {
			best = DefaultFallback
		}
	}
	return Outcome{Text: best, TimedOut: true}, nil
}
