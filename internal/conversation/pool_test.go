package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyphaGroup/colloquy/internal/driver"
)

func TestAcquireStopsWaitingOnCancel(t *testing.T) {
	b := newFakeBackend()
	b.buildDelay = 200 * time.Millisecond
	p := newPool(b.factory(driver.KindGrok))

	type built struct {
		drv driver.Driver
		err error
	}
	first := make(chan built, 1)
	go func() {
		drv, err := p.acquire(context.Background(), driver.KindGrok, driver.Settings{})
		first <- built{drv, err}
	}()
	require.Eventually(t, func() bool { return p.live(driver.KindGrok) }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := p.acquire(ctx, driver.KindGrok, driver.Settings{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 150*time.Millisecond)

	got := <-first
	require.NoError(t, got.err)

	// Only the first acquire still holds a reference.
	require.NoError(t, p.release(context.Background(), driver.KindGrok, got.drv))
	assert.False(t, p.live(driver.KindGrok))
	assert.Equal(t, 1, got.drv.(*fakeDriver).teardowns())
}
