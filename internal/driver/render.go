package driver

import (
	"context"
	"strings"
	"sync"
)

// Render is the rendered surface of one session: the reply being produced for
// the latest message and the number of replies finished so far.
//
// Each Begin starts a new turn and cancels the previous one. Updates carrying
// a stale turn number are dropped so a reply abandoned by a timeout can never
// leak into the next reply.
type Render struct {
	mu        sync.Mutex
	text      strings.Builder
	completed int
	turn      int
	err       error
	cancel    context.CancelFunc
}

// Begin starts a new turn and returns its number together with the reading
// as it was before the turn started.
func (r *Render) Begin(cancel context.CancelFunc) (int, Reading) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
	baseline := Reading{Text: r.text.String(), Completed: r.completed}

	r.turn++
	r.text.Reset()
	r.err = nil
	r.cancel = cancel
	return r.turn, baseline
}

// Abandon cancels the current turn if its reply is still arriving and
// returns the text rendered for it so far. Later updates for that turn are
// dropped. The second return is false when no turn is in progress.
func (r *Render) Abandon() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel == nil {
		return "", false
	}
	r.cancel()
	r.cancel = nil
	r.turn++
	return r.text.String(), true
}

// Append adds delta to the current reply.
func (r *Render) Append(turn int, delta string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if turn != r.turn {
		return
	}
	r.text.WriteString(delta)
}

// Replace overwrites the current reply with text.
func (r *Render) Replace(turn int, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if turn != r.turn {
		return
	}
	r.text.Reset()
	r.text.WriteString(text)
}

// Complete marks the reply finished and returns its final text. The second
// return is false when turn is stale.
func (r *Render) Complete(turn int) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if turn != r.turn {
		return "", false
	}
	r.completed++
	r.cancel = nil
	return r.text.String(), true
}

// Fail records err against the current turn. The next Read reports it.
func (r *Render) Fail(turn int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if turn != r.turn {
		return
	}
	r.err = err
	r.cancel = nil
}

// Read returns the current reading, or the error of a failed turn.
func (r *Render) Read() (Reading, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return Reading{}, r.err
	}
	return Reading{Text: r.text.String(), Completed: r.completed}, nil
}

// Stop cancels the in-progress turn, if any.
func (r *Render) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.turn++
}
