// Package driver defines the contract between the conversation engine and the
// assistant backends it talks to.
//
// A Driver is the shared, expensive resource for one assistant kind. Each
// conversation opens its own Session on that Driver. Sessions render their
// reply incrementally; the engine observes a reply by polling Readings until
// the stabilization policy decides the reply is final.
package driver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Kind names an assistant backend ("gemini", "grok", ...).
type Kind string

const (
	KindGemini Kind = "gemini"
	KindGrok   Kind = "grok"
	KindClaude Kind = "claude"
	KindEcho   Kind = "echo"
)

var (
	ErrUnknownKind   = errors.New("unknown driver kind")
	ErrSessionClosed = errors.New("session closed")
	ErrDriverClosed  = errors.New("driver torn down")
)

// Reading is a point-in-time observation of a session's rendered output.
// Text is the reply to the most recent message so far. Completed counts the
// replies the session has finished since it was opened.
type Reading struct {
	Text      string
	Completed int
}

// Settings carries the global display configuration a Driver is built with.
type Settings struct {
	Headless bool
}

// Driver is one live backend instance shared by every conversation of its kind.
type Driver interface {
	Kind() Kind
	Open(ctx context.Context) (Session, error)
	Teardown(ctx context.Context) error
}

// Session is one conversation's private surface on a Driver.
type Session interface {
	ID() string
	// Send submits message and returns the reading captured immediately
	// before submission. It does not wait for the reply.
	Send(ctx context.Context, message string) (Reading, error)
	Poll(ctx context.Context) (Reading, error)
	Close(ctx context.Context) error
}

// Constructor builds a Driver with the given settings.
type Constructor func(ctx context.Context, settings Settings) (Driver, error)

// Factory maps kinds to constructors.
type Factory struct {
	mu           sync.RWMutex
	constructors map[Kind]Constructor
}

// NewFactory returns an empty factory.
func NewFactory() *Factory {
	return &Factory{constructors: make(map[Kind]Constructor)}
}

// Register binds kind to ctor, replacing any previous binding.
func (f *Factory) Register(kind Kind, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = ctor
}

// Has reports whether kind can be constructed.
func (f *Factory) Has(kind Kind) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.constructors[kind]
	return ok
}

// Kinds returns the registered kinds in sorted order.
func (f *Factory) Kinds() []Kind {
	f.mu.RLock()
	defer f.mu.RUnlock()
	kinds := make([]Kind, 0, len(f.constructors))
	for k := range f.constructors {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// New constructs a Driver for kind.
func (f *Factory) New(ctx context.Context, kind Kind, settings Settings) (Driver, error) {
	f.mu.RLock()
	ctor, ok := f.constructors[kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return ctor(ctx, settings)
}
