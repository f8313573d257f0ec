package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/colloquy/internal/driver"
	"github.com/HyphaGroup/colloquy/internal/ledger"
	"github.com/HyphaGroup/colloquy/internal/stabilize"
)

// fakeBackend builds fake drivers and remembers everything they did.
type fakeBackend struct {
	mu          sync.Mutex
	built       map[driver.Kind]int
	drivers     []*fakeDriver
	buildErr    error
	openErr     error
	sendErr     error
	gated       bool
	sent        []string
	buildDelay  time.Duration
	sessionSeq  int
	lastSession *fakeSession
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{built: make(map[driver.Kind]int)}
}

func (b *fakeBackend) factory(kinds ...driver.Kind) *driver.Factory {
	f := driver.NewFactory()
	for _, k := range kinds {
		kind := k
		f.Register(kind, func(ctx context.Context, s driver.Settings) (driver.Driver, error) {
			if b.buildDelay > 0 {
				time.Sleep(b.buildDelay)
			}
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.buildErr != nil {
				return nil, b.buildErr
			}
			b.built[kind]++
			d := &fakeDriver{backend: b, kind: kind, settings: s}
			b.drivers = append(b.drivers, d)
			return d, nil
		})
	}
	return f
}

func (b *fakeBackend) builds(kind driver.Kind) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.built[kind]
}

func (b *fakeBackend) sentMessages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.sent...)
}

func (b *fakeBackend) driversOf(kind driver.Kind) []*fakeDriver {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*fakeDriver
	for _, d := range b.drivers {
		if d.kind == kind {
			out = append(out, d)
		}
	}
	return out
}

type fakeDriver struct {
	backend  *fakeBackend
	kind     driver.Kind
	settings driver.Settings

	mu       sync.Mutex
	sessions []*fakeSession
	torn     int
}

func (d *fakeDriver) Kind() driver.Kind { return d.kind }

func (d *fakeDriver) Open(ctx context.Context) (driver.Session, error) {
	b := d.backend
	b.mu.Lock()
	if b.openErr != nil {
		b.mu.Unlock()
		return nil, b.openErr
	}
	b.sessionSeq++
	s := &fakeSession{
		backend: b,
		id:      fmt.Sprintf("%s-%d", d.kind, b.sessionSeq),
		sendErr: b.sendErr,
	}
	if b.gated {
		s.gate = make(chan struct{})
	}
	b.lastSession = s
	b.mu.Unlock()

	d.mu.Lock()
	d.sessions = append(d.sessions, s)
	d.mu.Unlock()
	return s, nil
}

func (d *fakeDriver) Teardown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.torn++
	return nil
}

func (d *fakeDriver) teardowns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.torn
}

// fakeSession replies "re: <message>" as soon as Send returns. With a gate,
// Send blocks until the test releases it.
type fakeSession struct {
	backend *fakeBackend
	id      string
	gate    chan struct{}
	sendErr error

	mu        sync.Mutex
	text      string
	completed int
	closed    bool
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Send(ctx context.Context, message string) (driver.Reading, error) {
	s.backend.mu.Lock()
	s.backend.sent = append(s.backend.sent, message)
	s.backend.mu.Unlock()

	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return driver.Reading{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return driver.Reading{}, s.sendErr
	}
	if s.closed {
		return driver.Reading{}, driver.ErrSessionClosed
	}
	baseline := driver.Reading{Text: s.text, Completed: s.completed}
	s.text = "re: " + message
	s.completed++
	return baseline, nil
}

func (s *fakeSession) Poll(ctx context.Context) (driver.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return driver.Reading{Text: s.text, Completed: s.completed}, nil
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("already closed")
	}
	s.closed = true
	return nil
}

func (s *fakeSession) release() { s.gate <- struct{}{} }

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeRecorder collects ledger writes in memory.
type fakeRecorder struct {
	mu     sync.Mutex
	opened []string
	closed map[string]string
	turns  []ledger.Turn
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{closed: make(map[string]string)}
}

func (r *fakeRecorder) RecordOpen(ctx context.Context, id, kind string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, id)
	return nil
}

func (r *fakeRecorder) RecordClose(ctx context.Context, id, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed[id] = reason
	return nil
}

func (r *fakeRecorder) RecordTurn(ctx context.Context, t ledger.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turns = append(r.turns, t)
	return nil
}

func (r *fakeRecorder) snapshot() ([]string, map[string]string, []ledger.Turn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	closed := make(map[string]string, len(r.closed))
	for k, v := range r.closed {
		closed[k] = v
	}
	return append([]string(nil), r.opened...), closed, append([]ledger.Turn(nil), r.turns...)
}

func testPolicy() stabilize.Policy {
	return stabilize.Policy{
		Mode:     stabilize.ModeCount,
		Timeout:  time.Second,
		Interval: time.Millisecond,
	}
}
