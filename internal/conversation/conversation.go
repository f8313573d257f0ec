package conversation

import (
	"sync"
	"time"

	"github.com/HyphaGroup/colloquy/internal/driver"
)

// Status represents the lifecycle state of a conversation
type Status string

const (
	StatusOpen    Status = "open"
	StatusClosing Status = "closing"
	StatusClosed  Status = "closed"
)

// Close reasons recorded in the ledger and metrics
const (
	ReasonClosed   = "closed"
	ReasonReset    = "reset"
	ReasonIdle     = "idle"
	ReasonShutdown = "shutdown"
)

// Result is the outcome of one delivered message.
type Result struct {
	Response string
	TimedOut bool
	Polls    int
	Duration time.Duration
	Err      error
}

// Info is a snapshot of a conversation for listings.
type Info struct {
	ID           string      `json:"id"`
	Kind         driver.Kind `json:"kind"`
	Status       Status      `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	LastActivity time.Time   `json:"last_activity"`
	Queued       int         `json:"queued"`
	InFlight     bool        `json:"in_flight"`
	Turns        int         `json:"turns"`
}

// entry is one queued message. Its result is delivered exactly once.
type entry struct {
	message  string
	enqueued time.Time
	result   chan Result
	once     sync.Once
}

func newEntry(message string, now time.Time) *entry {
	return &entry{message: message, enqueued: now, result: make(chan Result, 1)}
}

func (e *entry) resolve(r Result) {
	e.once.Do(func() {
		e.result <- r
		close(e.result)
	})
}

// Conversation is one logical chat bound to a session on a shared driver.
type Conversation struct {
	ID        string
	Kind      driver.Kind
	CreatedAt time.Time

	drv     driver.Driver
	session driver.Session

	mu           sync.Mutex
	status       Status
	queue        []*entry
	inFlight     *entry
	draining     bool
	drained      chan struct{}
	lastActivity time.Time
	turns        int
}

func newConversation(id string, kind driver.Kind, drv driver.Driver, session driver.Session, now time.Time) *Conversation {
	return &Conversation{
		ID:           id,
		Kind:         kind,
		CreatedAt:    now,
		drv:          drv,
		session:      session,
		status:       StatusOpen,
		lastActivity: now,
	}
}

// Info returns a snapshot of the conversation.
func (c *Conversation) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:           c.ID,
		Kind:         c.Kind,
		Status:       c.status,
		CreatedAt:    c.CreatedAt,
		LastActivity: c.lastActivity,
		Queued:       len(c.queue),
		InFlight:     c.inFlight != nil,
		Turns:        c.turns,
	}
}

// Status returns the current lifecycle state.
func (c *Conversation) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// idleSince reports whether the conversation has had no queued or in-flight
// work since cutoff.
func (c *Conversation) idleSince(cutoff time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusOpen && !c.draining && len(c.queue) == 0 && c.lastActivity.Before(cutoff)
}
