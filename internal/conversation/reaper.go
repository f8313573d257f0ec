package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// reaper periodically closes conversations that have been idle too long.
type reaper struct {
	m    *Manager
	cron *cron.Cron
}

func newReaper(m *Manager, interval time.Duration) (*reaper, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("reap interval must be positive")
	}
	r := &reaper{
		m:    m,
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	r.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		r.m.ReapIdle(context.Background())
	}))
	return r, nil
}

func (r *reaper) start() {
	r.cron.Start()
}

func (r *reaper) stop() {
	<-r.cron.Stop().Done()
}

// ReapIdle closes every conversation with no queued or in-flight work whose
// last activity is older than the idle timeout, and returns how many it closed.
func (m *Manager) ReapIdle(ctx context.Context) int {
	if m.opts.IdleTimeout <= 0 {
		return 0
	}
	cutoff := m.clock.Now().Add(-m.opts.IdleTimeout)

	m.mu.RLock()
	var idle []string
	for id, c := range m.conversations {
		if c.idleSince(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	closed := 0
	for _, id := range idle {
		err := m.close(ctx, id, ReasonIdle)
		if errors.Is(err, errBusy) || errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			m.logger.Warn("idle close failed", "conversation_id", id, "error", err)
			continue
		}
		closed++
	}
	if closed > 0 {
		m.logger.Info("closed idle conversations", "count", closed, "idle_timeout", m.opts.IdleTimeout)
	}
	return closed
}
