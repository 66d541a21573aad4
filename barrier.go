package ringsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go-ringsync/transport"
)

// barrierCoordinator implements distributed barrier synchronization in
// rounds. A round number is a monotonic counter; every participant of a
// round broadcasts an arrival and blocks until a release for that round.
//
// Coverage rule (the one concrete policy this implementation commits to):
// the required set of a round is the set of members in the local view at the
// moment Synchronize is called, shrunk by members that die mid-round.
// Arrivals from peers not (yet) in the local view are evidence those peers
// exist and are recorded, but they only ever help coverage, never block it.
// Any participant that observes full coverage broadcasts the release;
// releases are idempotent by round number. This cannot deadlock on a
// pre-broadcast membership snapshot: the snapshot is taken at broadcasting
// time and only shrinks afterwards.
type barrierCoordinator struct {
	mu       sync.Mutex
	round    uint64
	waiting  bool
	waitCh   chan struct{}
	required map[transport.Endpoint]bool
	arrived  map[transport.Endpoint]bool

	// Evidence for rounds this process has not entered yet: arrivals and
	// releases observed ahead of the local round counter. A late caller (or a
	// fresh joiner) catches up to the highest round seen here.
	pendingArrivals map[uint64]map[transport.Endpoint]bool
	releasedAhead   map[uint64]bool

	view       *view
	announce   func(round uint64)
	release    func(round uint64)
	shutdownCh chan struct{}
	logger     *slog.Logger
}

func newBarrierCoordinator(v *view, opts options, announce, release func(round uint64), shutdownCh chan struct{}) *barrierCoordinator {
	return &barrierCoordinator{
		pendingArrivals: make(map[uint64]map[transport.Endpoint]bool),
		releasedAhead:   make(map[uint64]bool),
		view:            v,
		announce:        announce,
		release:         release,
		shutdownCh:      shutdownCh,
		logger:          opts.logger,
	}
}

// Synchronize enters the next barrier round and blocks until every required
// peer has arrived and the round is released.
func (b *barrierCoordinator) Synchronize(ctx context.Context) error {
	b.mu.Lock()

	if b.waiting {
		b.mu.Unlock()
		return fmt.Errorf("already at barrier")
	}

	b.round++
	// Catch up: arrivals or releases observed for rounds ahead mean the rest
	// of the group is further along than this process.
	for r := range b.pendingArrivals {
		if r > b.round {
			b.round = r
		}
	}
	for r := range b.releasedAhead {
		if r > b.round {
			b.round = r
		}
	}
	var round = b.round

	if b.releasedAhead[round] {
		// The group already released this round; nothing to wait for.
		delete(b.releasedAhead, round)
		b.dropStaleEvidenceLocked(round)
		b.mu.Unlock()
		b.announce(round)
		return nil
	}

	b.required = make(map[transport.Endpoint]bool)
	for _, m := range b.view.snapshot() {
		b.required[m.Endpoint] = true
	}

	b.arrived = make(map[transport.Endpoint]bool)
	b.arrived[b.view.selfEp] = true
	for ep := range b.pendingArrivals[round] {
		b.arrived[ep] = true
	}
	b.dropStaleEvidenceLocked(round)

	var ch = make(chan struct{})
	b.waitCh = ch
	b.waiting = true
	b.mu.Unlock()

	b.announce(round)

	b.mu.Lock()
	b.evaluateLocked()
	b.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		b.abandonWait(ch)
		return ctx.Err()
	case <-b.shutdownCh:
		b.abandonWait(ch)
		return ErrShutdown
	}
}

// abandonWait clears the waiter state after an interrupted Synchronize. The
// local arrival already went out, so peers may still release the round; the
// round counter stays advanced and a retry is safe.
func (b *barrierCoordinator) abandonWait(ch chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.waitCh == ch {
		b.waiting = false
		b.waitCh = nil
	}
}

// handleArrive records a peer's arrival for a round.
func (b *barrierCoordinator) handleArrive(ep transport.Endpoint, round uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.waiting && round == b.round:
		b.arrived[ep] = true
		b.evaluateLocked()
	case round > b.round:
		var pend = b.pendingArrivals[round]
		if pend == nil {
			pend = make(map[transport.Endpoint]bool)
			b.pendingArrivals[round] = pend
		}
		pend[ep] = true
	default:
		// Arrival for an already-finished round: stale, drop.
		b.logger.Debug("dropping stale barrier arrival",
			"round", round,
			"current_round", b.round)
	}
}

// handleRelease unblocks the local waiter when the round matches.
func (b *barrierCoordinator) handleRelease(round uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.waiting && round == b.round:
		b.finishRoundLocked()
	case round > b.round:
		b.releasedAhead[round] = true
	default:
		// Duplicate release of a finished round: idempotent, drop.
	}
}

// onViewChange re-evaluates coverage: a mid-round death shrinks the required
// set and may complete the round.
func (b *barrierCoordinator) onViewChange() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evaluateLocked()
}

// evaluateLocked checks coverage and, when reached, broadcasts the release
// and unblocks the local waiter.
func (b *barrierCoordinator) evaluateLocked() {
	if !b.waiting {
		return
	}

	for ep := range b.required {
		if b.arrived[ep] {
			continue
		}
		if !b.view.contains(ep) {
			// Died mid-round; no longer required.
			continue
		}
		return
	}

	var round = b.round
	b.finishRoundLocked()
	b.release(round)
}

func (b *barrierCoordinator) finishRoundLocked() {
	var ch = b.waitCh
	b.waiting = false
	b.waitCh = nil
	b.required = nil
	b.arrived = nil
	if ch != nil {
		close(ch)
	}
}

// dropStaleEvidenceLocked discards recorded arrivals and releases for rounds
// at or below the one being entered.
func (b *barrierCoordinator) dropStaleEvidenceLocked(round uint64) {
	for r := range b.pendingArrivals {
		if r <= round {
			delete(b.pendingArrivals, r)
		}
	}
	for r := range b.releasedAhead {
		if r <= round {
			delete(b.releasedAhead, r)
		}
	}
}
