// Package conversation owns the lifecycle of conversations: it opens sessions
// on shared, reference-counted drivers, serializes the messages of each
// conversation through a FIFO queue with a single in-flight delivery, and
// tears everything down on close, reset or shutdown.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/colloquy/internal/driver"
	"github.com/HyphaGroup/colloquy/internal/ledger"
	"github.com/HyphaGroup/colloquy/internal/logger"
	"github.com/HyphaGroup/colloquy/internal/metrics"
	"github.com/HyphaGroup/colloquy/internal/stabilize"
	"github.com/HyphaGroup/colloquy/internal/validation"
)

// Recorder receives a durable trail of conversation activity. Failures are
// logged and never affect the caller.
type Recorder interface {
	RecordOpen(ctx context.Context, id, kind string, at time.Time) error
	RecordClose(ctx context.Context, id, reason string, at time.Time) error
	RecordTurn(ctx context.Context, t ledger.Turn) error
}

// Options configures a Manager.
type Options struct {
	Factory  *driver.Factory
	Policies map[driver.Kind]stabilize.Policy
	Settings driver.Settings

	// MaxPerKind caps open conversations per kind. Zero means unlimited.
	MaxPerKind int
	// MaxQueueDepth caps messages waiting behind the in-flight one. Zero
	// means unlimited.
	MaxQueueDepth int
	// IdleTimeout closes conversations with no activity for this long. Zero
	// disables the reaper.
	IdleTimeout  time.Duration
	ReapInterval time.Duration

	Recorder Recorder
	Clock    stabilize.Clock
	Logger   *slog.Logger
}

// Manager is the conversation engine.
type Manager struct {
	opts   Options
	pool   *pool
	clock  stabilize.Clock
	logger *slog.Logger

	// gate admits opens and enqueues (read side) and is held exclusively for
	// the duration of a reset so no new work slips in mid-transition.
	gate     sync.RWMutex
	settings driver.Settings
	stopping atomic.Bool

	mu            sync.RWMutex
	conversations map[string]*Conversation
	// opening counts opens of each kind that hold a slot but are not yet
	// registered.
	opening map[driver.Kind]int

	ctx    context.Context
	cancel context.CancelFunc
	reaper *reaper
}

// NewManager creates a conversation engine.
func NewManager(opts Options) *Manager {
	if opts.Factory == nil {
		opts.Factory = driver.NewFactory()
	}
	if opts.Clock == nil {
		opts.Clock = stabilize.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Component("conversation")
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:          opts,
		pool:          newPool(opts.Factory),
		clock:         opts.Clock,
		logger:        opts.Logger,
		settings:      opts.Settings,
		conversations: make(map[string]*Conversation),
		opening:       make(map[driver.Kind]int),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start launches the idle reaper when an idle timeout is configured.
func (m *Manager) Start() error {
	if m.opts.IdleTimeout <= 0 {
		return nil
	}
	r, err := newReaper(m, m.opts.ReapInterval)
	if err != nil {
		return err
	}
	m.reaper = r
	r.start()
	return nil
}

// Stop halts background work. It does not close conversations; use Shutdown
// or ResetAll for that.
func (m *Manager) Stop() {
	if m.reaper != nil {
		m.reaper.stop()
	}
	m.cancel()
}

// Kinds returns the kinds conversations can be opened with.
func (m *Manager) Kinds() []driver.Kind {
	return m.opts.Factory.Kinds()
}

// Settings returns the settings new driver instances are built with.
func (m *Manager) Settings() driver.Settings {
	m.gate.RLock()
	defer m.gate.RUnlock()
	return m.settings
}

func (m *Manager) policy(kind driver.Kind) stabilize.Policy {
	if p, ok := m.opts.Policies[kind]; ok {
		return p
	}
	return stabilize.DefaultCountPolicy()
}

// Open starts a new conversation of kind and returns its ID. The kind's
// driver is constructed on first use and shared afterwards.
func (m *Manager) Open(ctx context.Context, kind driver.Kind) (string, error) {
	m.gate.RLock()
	defer m.gate.RUnlock()

	if m.stopping.Load() {
		return "", &Error{Op: "open", Kind: kind, Err: ErrShuttingDown}
	}
	if !m.opts.Factory.Has(kind) {
		known := make([]string, 0)
		for _, k := range m.opts.Factory.Kinds() {
			known = append(known, string(k))
		}
		return "", &Error{Op: "open", Kind: kind, Err: wrap(ErrValidation, validation.ValidateKind(string(kind), known))}
	}
	if err := m.reserve(kind); err != nil {
		return "", &Error{Op: "open", Kind: kind, Err: err}
	}
	registered := false
	defer func() {
		if !registered {
			m.unreserve(kind)
		}
	}()

	drv, err := m.pool.acquire(ctx, kind, m.settings)
	if err != nil {
		return "", &Error{Op: "open", Kind: kind, Err: wrap(ErrDriverInit, err)}
	}
	session, err := drv.Open(ctx)
	if err != nil {
		if relErr := m.pool.release(ctx, kind, drv); relErr != nil {
			m.logger.Warn("driver teardown after failed open", "kind", kind, "error", relErr)
		}
		return "", &Error{Op: "open", Kind: kind, Err: wrap(ErrDriverInit, err)}
	}

	now := m.clock.Now()
	id := uuid.NewString()
	conv := newConversation(id, kind, drv, session, now)

	m.mu.Lock()
	m.conversations[id] = conv
	m.opening[kind]--
	registered = true
	m.mu.Unlock()

	metrics.RecordConversationOpened(string(kind))
	m.record(func(r Recorder) error { return r.RecordOpen(context.WithoutCancel(ctx), id, string(kind), now) })
	logger.WithContext(logger.WithConversation(ctx, id, string(kind))).Info("conversation opened")
	return id, nil
}

// reserve takes a slot for a conversation of kind, counting opens still in
// progress against MaxPerKind.
func (m *Manager) reserve(kind driver.Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit := m.opts.MaxPerKind; limit > 0 && m.countByKindLocked(kind)+m.opening[kind] >= limit {
		return fmt.Errorf("%w: %d open %s conversations", ErrLimitReached, limit, kind)
	}
	m.opening[kind]++
	return nil
}

func (m *Manager) unreserve(kind driver.Kind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opening[kind]--
}

// Get returns the open conversation with id.
func (m *Manager) Get(id string) (*Conversation, error) {
	m.mu.RLock()
	conv, ok := m.conversations[id]
	m.mu.RUnlock()
	if !ok || conv.Status() != StatusOpen {
		return nil, &Error{Op: "get", ConversationID: id, Err: ErrNotFound}
	}
	return conv, nil
}

// List returns a snapshot of every live conversation ordered by creation.
func (m *Manager) List() []Info {
	m.mu.RLock()
	infos := make([]Info, 0, len(m.conversations))
	for _, c := range m.conversations {
		infos = append(infos, c.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Count returns the number of live conversations.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations)
}

// CountByKind returns the number of live conversations of kind.
func (m *Manager) CountByKind(kind driver.Kind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countByKindLocked(kind)
}

func (m *Manager) countByKindLocked(kind driver.Kind) int {
	n := 0
	for _, c := range m.conversations {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

// DriverLive reports whether a driver instance of kind exists.
func (m *Manager) DriverLive(kind driver.Kind) bool {
	return m.pool.live(kind)
}

// Enqueue appends message to the conversation's queue and returns a channel
// that yields exactly one Result. Messages of one conversation are delivered
// one at a time in enqueue order.
func (m *Manager) Enqueue(id, message string) (<-chan Result, error) {
	if err := validation.ValidateMessage(message); err != nil {
		return nil, &Error{Op: "send", ConversationID: id, Err: wrap(ErrValidation, err)}
	}

	m.gate.RLock()
	defer m.gate.RUnlock()

	if m.stopping.Load() {
		return nil, &Error{Op: "send", ConversationID: id, Err: ErrShuttingDown}
	}

	m.mu.RLock()
	conv, ok := m.conversations[id]
	m.mu.RUnlock()
	if !ok {
		return nil, &Error{Op: "send", ConversationID: id, Err: ErrNotFound}
	}

	now := m.clock.Now()
	conv.mu.Lock()
	if conv.status != StatusOpen {
		conv.mu.Unlock()
		return nil, &Error{Op: "send", ConversationID: id, Err: ErrNotFound}
	}
	if limit := m.opts.MaxQueueDepth; limit > 0 && len(conv.queue) >= limit {
		conv.mu.Unlock()
		return nil, &Error{Op: "send", ConversationID: id, Err: fmt.Errorf("%w: %d messages waiting", ErrQueueFull, limit)}
	}
	e := newEntry(message, now)
	conv.queue = append(conv.queue, e)
	conv.lastActivity = now
	start := !conv.draining
	if start {
		conv.draining = true
		conv.drained = make(chan struct{})
	}
	conv.mu.Unlock()

	metrics.AddQueueDepth(string(conv.Kind), 1)
	if start {
		go m.drain(conv)
	}
	return e.result, nil
}

// Send enqueues message and waits for its result. If ctx ends first the
// message stays queued and is still delivered; only the wait is abandoned.
func (m *Manager) Send(ctx context.Context, id, message string) (Result, error) {
	ch, err := m.Enqueue(id, message)
	if err != nil {
		return Result{}, err
	}
	select {
	case res := <-ch:
		return res, res.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// drain delivers queued messages until the queue is empty.
func (m *Manager) drain(conv *Conversation) {
	for {
		conv.mu.Lock()
		if len(conv.queue) == 0 || conv.status != StatusOpen {
			conv.draining = false
			close(conv.drained)
			conv.mu.Unlock()
			return
		}
		e := conv.queue[0]
		conv.queue[0] = nil
		conv.queue = conv.queue[1:]
		conv.inFlight = e
		conv.turns++
		seq := conv.turns
		conv.mu.Unlock()

		metrics.AddQueueDepth(string(conv.Kind), -1)
		res := m.deliver(conv, e, seq)
		e.resolve(res)

		conv.mu.Lock()
		conv.inFlight = nil
		conv.lastActivity = m.clock.Now()
		conv.mu.Unlock()
	}
}

// deliver sends one message and waits for its reply to stabilize.
func (m *Manager) deliver(conv *Conversation, e *entry, seq int) Result {
	ctx := logger.WithConversation(m.ctx, conv.ID, string(conv.Kind))
	log := logger.WithContext(ctx)
	policy := m.policy(conv.Kind)
	started := m.clock.Now()

	turn := ledger.Turn{ConversationID: conv.ID, Seq: seq, Message: e.message, StartedAt: started}
	fail := func(err error) Result {
		res := Result{Err: &Error{Op: "send", ConversationID: conv.ID, Kind: conv.Kind, Err: wrap(ErrDriverSend, err)}}
		turn.Outcome = ledger.OutcomeFailed
		turn.Error = err.Error()
		turn.Duration = m.clock.Now().Sub(started)
		metrics.RecordTurn(string(conv.Kind), metrics.OutcomeFailed, turn.Duration.Seconds())
		m.record(func(r Recorder) error { return r.RecordTurn(ctx, turn) })
		log.Warn("message delivery failed", "seq", seq, "error", err)
		return res
	}

	baseline, err := conv.session.Send(ctx, e.message)
	if err != nil {
		return fail(err)
	}
	out, err := stabilize.Await(ctx, conv.session, baseline, policy, m.clock)
	if err != nil {
		return fail(err)
	}

	duration := m.clock.Now().Sub(started)
	outcome := metrics.OutcomeSettled
	turn.Outcome = ledger.OutcomeSettled
	if out.TimedOut {
		outcome = metrics.OutcomeTimedOut
		turn.Outcome = ledger.OutcomeTimedOut
		log.Warn("reply did not stabilize before timeout", "seq", seq, "polls", out.Polls, "timeout", policy.Timeout)
	}
	turn.Response = out.Text
	turn.Polls = out.Polls
	turn.Duration = duration
	metrics.RecordTurn(string(conv.Kind), outcome, duration.Seconds())
	metrics.RecordStabilization(string(policy.Mode), out.Polls)
	m.record(func(r Recorder) error { return r.RecordTurn(ctx, turn) })
	log.Debug("reply settled", "seq", seq, "polls", out.Polls, "duration", duration)

	return Result{Response: out.Text, TimedOut: out.TimedOut, Polls: out.Polls, Duration: duration}
}

// Close ends a conversation. Queued messages are rejected with ErrCancelled;
// an in-flight delivery runs to completion before the session is closed.
func (m *Manager) Close(ctx context.Context, id string) error {
	return m.close(ctx, id, ReasonClosed)
}

func (m *Manager) close(ctx context.Context, id, reason string) error {
	m.mu.RLock()
	conv, ok := m.conversations[id]
	m.mu.RUnlock()
	if !ok {
		return &Error{Op: "close", ConversationID: id, Err: ErrNotFound}
	}

	conv.mu.Lock()
	if conv.status != StatusOpen {
		conv.mu.Unlock()
		return &Error{Op: "close", ConversationID: id, Err: ErrNotFound}
	}
	if reason == ReasonIdle && (conv.draining || len(conv.queue) > 0) {
		conv.mu.Unlock()
		return errBusy
	}
	conv.status = StatusClosing
	pending := conv.queue
	conv.queue = nil
	var drained chan struct{}
	if conv.draining {
		drained = conv.drained
	}
	conv.mu.Unlock()

	if len(pending) > 0 {
		metrics.AddQueueDepth(string(conv.Kind), -float64(len(pending)))
	}
	for _, e := range pending {
		metrics.RecordTurn(string(conv.Kind), metrics.OutcomeCancelled, 0)
		e.resolve(Result{Err: &Error{Op: "send", ConversationID: id, Kind: conv.Kind, Err: ErrCancelled}})
	}
	if drained != nil {
		<-drained
	}

	var errs []error
	if err := conv.session.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close session: %w", err))
	}

	m.mu.Lock()
	delete(m.conversations, id)
	m.mu.Unlock()

	if err := m.pool.release(ctx, conv.Kind, conv.drv); err != nil {
		errs = append(errs, fmt.Errorf("teardown %s driver: %w", conv.Kind, err))
	}

	now := m.clock.Now()
	conv.mu.Lock()
	conv.status = StatusClosed
	conv.mu.Unlock()

	metrics.RecordConversationClosed(string(conv.Kind), reason, now.Sub(conv.CreatedAt).Seconds())
	m.record(func(r Recorder) error { return r.RecordClose(context.WithoutCancel(ctx), id, reason, now) })
	logger.WithContext(logger.WithConversation(ctx, id, string(conv.Kind))).Info("conversation closed", "reason", reason, "cancelled", len(pending))

	if err := errors.Join(errs...); err != nil {
		return &Error{Op: "close", ConversationID: id, Kind: conv.Kind, Err: err}
	}
	return nil
}

// ResetAll closes every conversation and tears down every driver. Failures
// are collected and returned; every conversation is removed regardless.
func (m *Manager) ResetAll(ctx context.Context) error {
	m.gate.Lock()
	defer m.gate.Unlock()
	return m.resetAll(ctx, ReasonReset)
}

func (m *Manager) resetAll(ctx context.Context, reason string) error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conversations))
	for id := range m.conversations {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := m.close(ctx, id, reason); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	if err := m.pool.teardownAll(ctx); err != nil {
		errs = append(errs, err)
	}
	metrics.RecordReset(reason)
	m.logger.Info("all conversations reset", "reason", reason, "closed", len(ids))
	return errors.Join(errs...)
}

// Reconfigure atomically resets every conversation and driver and then calls
// apply with the settings future drivers will be built with. No open or
// enqueue is admitted between the reset and the end of apply. Reset failures
// are logged and do not stop apply from running.
func (m *Manager) Reconfigure(ctx context.Context, apply func(*driver.Settings) error) error {
	m.gate.Lock()
	defer m.gate.Unlock()

	if err := m.resetAll(ctx, ReasonReset); err != nil {
		m.logger.Warn("reset before reconfigure was incomplete", "error", err)
	}
	next := m.settings
	if err := apply(&next); err != nil {
		return err
	}
	m.settings = next
	return nil
}

// Shutdown rejects all further opens and enqueues and resets everything.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.gate.Lock()
	defer m.gate.Unlock()

	m.stopping.Store(true)
	return m.resetAll(ctx, ReasonShutdown)
}

// Stopping reports whether Shutdown has been called.
func (m *Manager) Stopping() bool {
	return m.stopping.Load()
}

func (m *Manager) record(fn func(Recorder) error) {
	if m.opts.Recorder == nil {
		return
	}
	if err := fn(m.opts.Recorder); err != nil {
		m.logger.Warn("ledger write failed", "error", err)
	}
}
