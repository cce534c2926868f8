package inflight

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamer-dead/dist-clang/internal/fingerprint"
)

func TestClaimExactlyOneLeader(t *testing.T) {
	tb := New()
	var fp fingerprint.Digest128
	fp[0] = 1

	leader := tb.Claim(fp)
	require.Equal(t, Leader, leader.Role)

	const followers = 10
	tickets := make([]*Ticket, followers)
	for i := range tickets {
		tickets[i] = tb.Claim(fp)
		require.Equal(t, Follower, tickets[i].Role)
	}

	leader.Complete(Result{OK: true, Payload: []byte("obj")})

	var wg sync.WaitGroup
	results := make([]Result, followers)
	for i := range tickets {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := tickets[i].Wait(context.Background())
			require.NoError(t, err)
			results[i] = r
		}()
	}
	wg.Wait()

	for _, r := range results {
		require.True(t, r.OK)
		require.Equal(t, []byte("obj"), r.Payload)
	}
	require.Equal(t, 0, tb.Len())
}

func TestDoubleCompleteIsIgnored(t *testing.T) {
	tb := New()
	var fp fingerprint.Digest128
	fp[0] = 2

	leader := tb.Claim(fp)
	follower := tb.Claim(fp)

	leader.Complete(Result{OK: true, Payload: []byte("a")})
	leader.Complete(Result{OK: true, Payload: []byte("b")}) // must be a no-op

	r, err := follower.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("a"), r.Payload)
}

func TestAbandonWithNoFollowersDropsRecord(t *testing.T) {
	tb := New()
	var fp fingerprint.Digest128
	fp[0] = 3

	leader := tb.Claim(fp)
	leader.Abandon()
	require.Equal(t, 0, tb.Len())

	// A fresh Claim for the same fingerprint becomes a new Leader.
	next := tb.Claim(fp)
	require.Equal(t, Leader, next.Role)
}

func TestAbandonPromotesOldestFollower(t *testing.T) {
	tb := New()
	var fp fingerprint.Digest128
	fp[0] = 4

	leader := tb.Claim(fp)
	first := tb.Claim(fp)
	second := tb.Claim(fp)

	leader.Abandon()

	_, err := first.Wait(context.Background())
	require.ErrorIs(t, err, ErrPromoted)
	require.Equal(t, Leader, first.Role)

	// second is still a follower, waiting on the promoted leader.
	done := make(chan Result, 1)
	go func() {
		r, werr := second.Wait(context.Background())
		require.NoError(t, werr)
		done <- r
	}()

	first.Complete(Result{OK: true, Payload: []byte("from-promoted-leader")})

	select {
	case r := <-done:
		require.Equal(t, []byte("from-promoted-leader"), r.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("second follower never observed the promoted leader's result")
	}
}

// TestClaimRetriesOnEntryResolvedBetweenLookupAndAppend reproduces the
// gap between Claim's tb.mu-protected lookup and its e.mu-protected
// follower append: complete/abandon always mark e.resolved before
// unlinking the entry from tb.entries, so a caller can observe the
// entry still registered but already resolved. Claim must retry rather
// than hand back a Follower ticket whose waiter nothing will ever
// signal.
func TestClaimRetriesOnEntryResolvedBetweenLookupAndAppend(t *testing.T) {
	tb := New()
	var fp fingerprint.Digest128
	fp[0] = 6

	// Manufacture exactly that gap: an entry resolved but not yet
	// unlinked, as complete/abandon briefly leave it mid-transition.
	e := &entry{resolved: true}
	tb.entries[fp] = e

	done := make(chan *Ticket, 1)
	go func() { done <- tb.Claim(fp) }()

	// Give Claim a chance to see the stale entry and retry at least
	// once before the table catches up, same as a real Leader's
	// complete() finishing its unlink shortly after.
	time.Sleep(20 * time.Millisecond)
	tb.mu.Lock()
	delete(tb.entries, fp)
	tb.mu.Unlock()

	select {
	case ticket := <-done:
		require.Equal(t, Leader, ticket.Role)
		require.Empty(t, e.waiters, "must never append a follower to an already-resolved entry")
	case <-time.After(2 * time.Second):
		t.Fatal("Claim did not return; it must retry past a resolved entry, not hang appending to it")
	}
}

func TestFollowerDetachDoesNotAffectLeader(t *testing.T) {
	tb := New()
	var fp fingerprint.Digest128
	fp[0] = 5

	leader := tb.Claim(fp)
	follower := tb.Claim(fp)
	follower.Detach()

	leader.Complete(Result{OK: true, Payload: []byte("ok")})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := follower.Wait(ctx)
	require.Error(t, err, "a detached follower must never receive the leader's result")
}
