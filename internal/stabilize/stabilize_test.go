package stabilize

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/colloquy/internal/driver"
)

func TestStabilityReturnsAfterThresholdIdenticalReads(t *testing.T) {
	out := Replay(Texts("", "a", "ab", "ab", "ab", "ab", "abc"), driver.Reading{}, DefaultStabilityPolicy())

	assert.Equal(t, "ab", out.Text)
	assert.False(t, out.TimedOut)
	assert.Equal(t, 6, out.Polls)
	assert.Equal(t, 5*time.Second, out.Elapsed)
}

func TestStabilityResetsOnChange(t *testing.T) {
	readings := Texts("", "a", "ab", "ab", "ab", "abc", "abc", "abc", "abc")
	out := Replay(readings, driver.Reading{}, DefaultStabilityPolicy())

	assert.Equal(t, "abc", out.Text)
	assert.Equal(t, 9, out.Polls)
}

func TestStabilityIgnoresRepeatedEmptyText(t *testing.T) {
	readings := Texts("", "", "", "", "hi", "hi", "hi", "hi")
	out := Replay(readings, driver.Reading{}, DefaultStabilityPolicy())

	assert.Equal(t, "hi", out.Text)
	assert.Equal(t, 8, out.Polls)
}

func TestStabilityTimeoutReturnsBestText(t *testing.T) {
	texts := make([]string, 30)
	for i := range texts {
		texts[i] = strings.Repeat("x", i+1)
	}
	out := Replay(Texts(texts...), driver.Reading{}, DefaultStabilityPolicy())

	assert.True(t, out.TimedOut)
	assert.Equal(t, 20, out.Polls)
	assert.Equal(t, strings.Repeat("x", 20), out.Text)
}

func TestStabilityTimeoutWithNothingRendered(t *testing.T) {
	out := Replay(Texts(""), driver.Reading{}, DefaultStabilityPolicy())

	assert.True(t, out.TimedOut)
	assert.Equal(t, DefaultFallback, out.Text)

	policy := DefaultStabilityPolicy()
	policy.Fallback = "(silence)"
	out = Replay(nil, driver.Reading{}, policy)
	assert.Equal(t, "(silence)", out.Text)
}

func TestCountWaitsForCompletedCounter(t *testing.T) {
	readings := []driver.Reading{
		{Text: "", Completed: 2},
		{Text: "", Completed: 2},
		{Text: "", Completed: 2},
		{Text: "done", Completed: 3},
		{Text: "done, really", Completed: 3},
	}
	out := Replay(readings, driver.Reading{Completed: 2}, DefaultCountPolicy())

	assert.Equal(t, "done, really", out.Text)
	assert.False(t, out.TimedOut)
	assert.Equal(t, 5, out.Polls)
	assert.Equal(t, 2500*time.Millisecond, out.Elapsed)
}

func TestCountAcceptsTextBeforeCounterMoves(t *testing.T) {
	readings := []driver.Reading{
		{Text: "", Completed: 0},
		{Text: "Hel", Completed: 0},
		{Text: "Hello there", Completed: 1},
	}
	out := Replay(readings, driver.Reading{}, DefaultCountPolicy())

	assert.Equal(t, "Hello there", out.Text)
	assert.Equal(t, 3, out.Polls)
}

func TestCountTimeout(t *testing.T) {
	out := Replay([]driver.Reading{{Completed: 2}}, driver.Reading{Completed: 2}, DefaultCountPolicy())

	assert.True(t, out.TimedOut)
	assert.Empty(t, out.Text)
	assert.Equal(t, 242, out.Polls)
}

func TestAwaitPropagatesPollError(t *testing.T) {
	boom := errors.New("render lost")
	p := PollerFunc(func(ctx context.Context) (driver.Reading, error) {
		return driver.Reading{}, boom
	})

	for _, policy := range []Policy{DefaultCountPolicy(), DefaultStabilityPolicy()} {
		_, err := Await(context.Background(), p, driver.Reading{}, policy, NewVirtualClock(time.Now()))
		assert.ErrorIs(t, err, boom, "mode %s", policy.Mode)
	}
}

func TestAwaitHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	polls := 0
	p := PollerFunc(func(ctx context.Context) (driver.Reading, error) {
		polls++
		if polls == 2 {
			cancel()
		}
		return driver.Reading{}, nil
	})

	policy := DefaultStabilityPolicy()
	policy.Interval = time.Millisecond
	_, err := Await(ctx, p, driver.Reading{}, policy, SystemClock{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, polls)
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Policy)
		base    Policy
		wantErr bool
	}{
		{"count defaults", func(p *Policy) {}, DefaultCountPolicy(), false},
		{"stability defaults", func(p *Policy) {}, DefaultStabilityPolicy(), false},
		{"zero threshold", func(p *Policy) { p.Threshold = 0 }, DefaultStabilityPolicy(), true},
		{"zero timeout", func(p *Policy) { p.Timeout = 0 }, DefaultCountPolicy(), true},
		{"zero interval", func(p *Policy) { p.Interval = 0 }, DefaultStabilityPolicy(), true},
		{"negative settle", func(p *Policy) { p.SettleDelay = -time.Second }, DefaultCountPolicy(), true},
		{"unknown mode", func(p *Policy) { p.Mode = "guess" }, DefaultCountPolicy(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.base
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	p, err := Defaults(ModeStability)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Threshold)
	assert.Equal(t, 20*time.Second, p.Timeout)

	p, err = Defaults(ModeCount)
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, p.Timeout)
	assert.Equal(t, time.Second, p.SettleDelay)

	_, err = Defaults("other")
	assert.Error(t, err)
}
