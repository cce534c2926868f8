// Package inflight implements the Inflight Table from spec.md §4.3:
// per-fingerprint de-duplication of concurrent compilations. Exactly
// one caller becomes the Leader for a fingerprint; every other caller
// for the same fingerprint joins as a Follower and observes the
// Leader's result.
//
// The dedup idiom is grounded on the corpus's SnellerInc/sneller dcache
// package (an `inflight map[string]struct{}` guarded by a sync.Cond),
// reimplemented with per-fingerprint channels: spec.md §4.3 describes
// "a one-shot completion slot ... and a set of waiters," which channels
// model directly and which compose with context.Context cancellation in
// a way a sync.Cond does not.
package inflight

import (
	"context"
	"errors"
	"sync"

	"github.com/dreamer-dead/dist-clang/internal/fingerprint"
)

// Result is the outcome a Leader publishes to every Follower.
type Result struct {
	OK      bool
	Err     error
	Payload []byte // the committed artifact bytes, when OK
	Stderr  string
}

// Role distinguishes the two outcomes of Claim, and what a Follower's
// Ticket becomes after a promotion.
type Role int

const (
	// Leader means the caller must perform the build and call Complete
	// or Abandon.
	Leader Role = iota
	// Follower means another caller is already building; call Wait.
	Follower
)

// ErrPromoted is returned by Wait when the Leader was abandoned and this
// Follower was the oldest waiter, per spec.md §5: "the Inflight Record
// promotes the oldest Follower, which then owns the build." After
// ErrPromoted, Ticket.Role is Leader and Complete/Abandon become valid.
var ErrPromoted = errors.New("inflight: promoted to leader")

type waitMsg struct {
	result   Result
	promoted bool
}

// Ticket is returned by Claim and tracks one caller's relationship to a
// fingerprint's Inflight Record.
type Ticket struct {
	Role Role

	fp    fingerprint.Digest128
	table *Table
	entry *entry

	waitCh chan waitMsg // only set for Follower-born tickets
}

// Wait blocks until the Leader completes, this ticket is promoted to
// Leader (ErrPromoted), or ctx is done. Only valid while Role ==
// Follower.
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case msg := <-t.waitCh:
		if msg.promoted {
			t.Role = Leader
			return Result{}, ErrPromoted
		}
		return msg.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Detach removes a Follower from the waiter set without affecting the
// Leader's build, per spec.md §5 "Cancellation": "If it is a Follower,
// it simply detaches from the Inflight Record."
func (t *Ticket) Detach() {
	if t.Role != Follower {
		return
	}
	t.table.detach(t.fp, t.waitCh)
}

// Complete publishes r to every current waiter and removes the record,
// per spec.md §4.3. Only valid while Role == Leader. A second call is
// ignored (spec.md §8: "Double complete(F, r) is rejected or ignored").
func (t *Ticket) Complete(r Result) {
	if t.Role != Leader {
		return
	}
	t.table.complete(t.fp, t.entry, r)
}

// Abandon cancels the Leader's build with no result to publish. If
// there is at least one Follower, the oldest by arrival order is
// promoted: its Wait call returns ErrPromoted and its Role becomes
// Leader. If there are none, the record is simply dropped. Per
// spec.md §5/§8. Only valid while Role == Leader.
func (t *Ticket) Abandon() {
	if t.Role != Leader {
		return
	}
	t.table.abandon(t.fp, t.entry)
}

type entry struct {
	mu       sync.Mutex
	waiters  []chan waitMsg // FIFO arrival order
	resolved bool           // true once completed or abandoned-with-no-followers
}

// Table is the Inflight Table: at most one entry exists per fingerprint
// at any instant (spec.md §3 invariant).
type Table struct {
	mu      sync.Mutex
	entries map[fingerprint.Digest128]*entry
}

// New returns an empty Inflight Table.
func New() *Table {
	return &Table{entries: make(map[fingerprint.Digest128]*entry)}
}

// Claim registers interest in fp. The first caller becomes Leader; every
// subsequent caller before Complete/Abandon becomes a Follower.
//
// Between the table lookup and the follower-side append, the found
// entry's Leader can finish and resolve it (complete/abandon always set
// e.resolved before removing the entry from tb.entries, so the order
// here is safe to rely on). Re-checking e.resolved under e.mu catches
// that gap: a resolved entry is stale and Claim retries from the table
// lookup rather than appending to a waiter slice nobody will ever
// signal.
func (tb *Table) Claim(fp fingerprint.Digest128) *Ticket {
	for {
		tb.mu.Lock()
		e, exists := tb.entries[fp]
		if !exists {
			e = &entry{}
			tb.entries[fp] = e
			tb.mu.Unlock()
			return &Ticket{Role: Leader, fp: fp, table: tb, entry: e}
		}
		tb.mu.Unlock()

		e.mu.Lock()
		if e.resolved {
			e.mu.Unlock()
			continue
		}
		ch := make(chan waitMsg, 1)
		e.waiters = append(e.waiters, ch)
		e.mu.Unlock()
		return &Ticket{Role: Follower, fp: fp, table: tb, entry: e, waitCh: ch}
	}
}

// Len reports the number of fingerprints currently in flight. Used by
// tests and metrics, not by the state machine itself.
func (tb *Table) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.entries)
}

func (tb *Table) complete(fp fingerprint.Digest128, e *entry, r Result) {
	e.mu.Lock()
	if e.resolved {
		e.mu.Unlock()
		return
	}
	e.resolved = true
	waiters := e.waiters
	e.waiters = nil
	e.mu.Unlock()

	tb.mu.Lock()
	if tb.entries[fp] == e {
		delete(tb.entries, fp)
	}
	tb.mu.Unlock()

	for _, w := range waiters {
		w <- waitMsg{result: r}
	}
}

func (tb *Table) detach(fp fingerprint.Digest128, ch chan waitMsg) {
	tb.mu.Lock()
	e, ok := tb.entries[fp]
	tb.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, w := range e.waiters {
		if w == ch {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
}

func (tb *Table) abandon(fp fingerprint.Digest128, e *entry) {
	e.mu.Lock()
	if e.resolved {
		e.mu.Unlock()
		return
	}
	if len(e.waiters) == 0 {
		e.resolved = true
		e.mu.Unlock()
		tb.mu.Lock()
		if tb.entries[fp] == e {
			delete(tb.entries, fp)
		}
		tb.mu.Unlock()
		return
	}

	// Promote the oldest Follower (FIFO arrival order) to Leader. The
	// record stays registered under fp, now "owned" by the promoted
	// waiter; it remains e.resolved == false until that new Leader calls
	// Complete or Abandon in turn.
	promotedCh := e.waiters[0]
	e.waiters = e.waiters[1:]
	e.mu.Unlock()

	promotedCh <- waitMsg{promoted: true}
}
