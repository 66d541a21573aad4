package ringsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
)

// tokenState is the mutual exclusion state of one process.
type tokenState int

const (
	stateNoToken tokenState = iota
	stateWanting
	stateHolding
)

func (s tokenState) String() string {
	switch s {
	case stateWanting:
		return "wanting"
	case stateHolding:
		return "holding"
	default:
		return "no_token"
	}
}

// tokenCoordinator implements distributed mutual exclusion with a single
// permission token circulating along the ring order of the membership view.
//
// Token validity is scoped to the membership generation: an arriving token
// with a non-current generation is dropped. A holder that survives a view
// change carries its token into the new generation; when a change is caused
// by a death, the smallest surviving id waits tokenRecoveryDelay for a
// circulating token and then mints a replacement. Recovery is best-effort:
// if the old token was still alive with another survivor, a short window
// with two tokens can exist across the failure (documented limitation).
type tokenCoordinator struct {
	mu       sync.Mutex
	hasToken bool
	tokenGen uint64 // generation the held token is stamped with
	wantCS   bool
	wantCh   chan struct{} // non-nil while a RequestCS waiter is parked

	holdTimer     *time.Timer
	recoveryTimer *time.Timer

	view       *view
	forward    func(dest member, generation uint64)
	shutdownCh chan struct{}

	holdDelay     time.Duration
	recoveryDelay time.Duration
	logger        *slog.Logger
	forwards      metrics.Counter
	staleDrops    metrics.Counter
}

func newTokenCoordinator(v *view, opts options, forward func(dest member, generation uint64), shutdownCh chan struct{}) *tokenCoordinator {
	return &tokenCoordinator{
		view:          v,
		forward:       forward,
		shutdownCh:    shutdownCh,
		holdDelay:     opts.tokenHoldDelay,
		recoveryDelay: opts.tokenRecoveryDelay,
		logger:        opts.logger,
		forwards:      metrics.GetOrRegisterCounter("token.forwards", opts.registry),
		staleDrops:    metrics.GetOrRegisterCounter("messages.dropped_stale", opts.registry),
	}
}

// State reports the current mutual exclusion state.
func (tc *tokenCoordinator) State() tokenState {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	switch {
	case tc.hasToken:
		return stateHolding
	case tc.wantCS || tc.wantCh != nil:
		return stateWanting
	default:
		return stateNoToken
	}
}

// RequestCS blocks until this process holds the token. Returns immediately
// when already holding. At most one request may be outstanding per process.
func (tc *tokenCoordinator) RequestCS(ctx context.Context) error {
	tc.mu.Lock()

	if tc.wantCS || tc.wantCh != nil {
		tc.mu.Unlock()
		return fmt.Errorf("critical section already requested")
	}

	tc.wantCS = true
	if tc.hasToken {
		tc.stopHoldTimerLocked()
		tc.mu.Unlock()
		return nil
	}

	var ch = make(chan struct{})
	tc.wantCh = ch
	tc.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		tc.abandonRequest()
		return ctx.Err()
	case <-tc.shutdownCh:
		tc.abandonRequest()
		return ErrShutdown
	}
}

// abandonRequest restores local flags after an interrupted RequestCS so a
// retry is safe. If the token was granted concurrently it is not swallowed:
// the idle forward takes over.
func (tc *tokenCoordinator) abandonRequest() {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.wantCS = false
	tc.wantCh = nil
	if tc.hasToken {
		tc.scheduleForwardLocked()
	}
}

// ReleaseCS ends the critical section and forwards the token to the ring
// successor. Releasing without holding is a no-op.
func (tc *tokenCoordinator) ReleaseCS() {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if !tc.hasToken {
		tc.logger.Debug("release without holding ignored")
		return
	}

	tc.wantCS = false
	tc.forwardLocked()
}

// handleToken processes an arriving token envelope.
func (tc *tokenCoordinator) handleToken(generation uint64) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	// Only strictly stale tokens are dropped: generations converge through
	// broadcast death notices and claims, but transiently a sender can be one
	// bump ahead of us and its token must still be honored.
	var current = tc.view.Generation()
	if generation < current {
		tc.staleDrops.Inc(1)
		tc.logger.Debug("dropping stale-generation token",
			"token_generation", generation,
			"generation", current)
		return
	}

	tc.stopRecoveryTimerLocked()

	if tc.hasToken {
		// A duplicate can only exist across a mis-detected failure; keeping
		// one copy is the safe resolution.
		tc.logger.Warn("duplicate token dropped", "generation", generation)
		return
	}

	tc.hasToken = true
	tc.tokenGen = generation
	if current > tc.tokenGen {
		tc.tokenGen = current
	}
	if tc.wantCh != nil {
		var ch = tc.wantCh
		tc.wantCh = nil
		close(ch)
		return
	}
	if tc.wantCS {
		// Requested and granted synchronously; the caller already owns it.
		return
	}

	// Nobody here wants it. Hold briefly so a racing RequestCS can win, then
	// keep the ring moving.
	tc.scheduleForwardLocked()
}

// onViewChange reacts to a membership generation bump.
func (tc *tokenCoordinator) onViewChange(generation uint64, cause viewChange) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.hasToken {
		// The held token survives the change under the new generation. With
		// new members present an idle holder must resume circulating.
		if !tc.wantCS && tc.wantCh == nil {
			tc.scheduleForwardLocked()
		}
		return
	}

	if cause == changeDeath && tc.view.ID() == tc.view.smallestID() {
		tc.scheduleRecoveryLocked()
	}
}

// bootstrapToken mints the initial token. Called once by the process that
// bootstraps the ring as its sole member.
func (tc *tokenCoordinator) bootstrapToken() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.mintLocked()
}

func (tc *tokenCoordinator) mintLocked() {
	tc.hasToken = true
	tc.tokenGen = tc.view.Generation()
	tc.logger.Info("token minted",
		"id", tc.view.ID(),
		"generation", tc.view.Generation())

	if tc.wantCh != nil {
		var ch = tc.wantCh
		tc.wantCh = nil
		close(ch)
		return
	}
	if !tc.wantCS {
		tc.scheduleForwardLocked()
	}
}

// scheduleRecoveryLocked arms the lost-token timer: if no token shows up
// within the recovery delay and this process is still the smallest id, it
// mints a replacement.
func (tc *tokenCoordinator) scheduleRecoveryLocked() {
	tc.stopRecoveryTimerLocked()
	tc.recoveryTimer = time.AfterFunc(tc.recoveryDelay, func() {
		tc.mu.Lock()
		defer tc.mu.Unlock()

		if tc.hasToken {
			return
		}
		if tc.view.ID() != tc.view.smallestID() {
			return
		}
		tc.mintLocked()
	})
}

// scheduleForwardLocked arms the idle-circulation timer. Mandatory: WANTING
// can be set asynchronously right after a token arrives, so the holder keeps
// the token for a bounded delay and forwards only if still unwanted.
func (tc *tokenCoordinator) scheduleForwardLocked() {
	tc.stopHoldTimerLocked()
	tc.holdTimer = time.AfterFunc(tc.holdDelay, func() {
		tc.mu.Lock()
		defer tc.mu.Unlock()

		if tc.hasToken && !tc.wantCS && tc.wantCh == nil {
			tc.forwardLocked()
		}
	})
}

// forwardLocked hands the token to the ring successor. With no other member
// the token simply stays here until the view changes.
func (tc *tokenCoordinator) forwardLocked() {
	var succ, ok = tc.view.successor(tc.view.ID())
	if !ok {
		return
	}

	// Stamp with the freshest generation known for this token. Re-stamping
	// with a lagging local view would get the token dropped as stale by an
	// up-to-date successor, losing it with every holder alive.
	var gen = tc.view.Generation()
	if tc.tokenGen > gen {
		gen = tc.tokenGen
	}

	tc.hasToken = false
	tc.stopHoldTimerLocked()
	tc.forwards.Inc(1)
	tc.forward(succ, gen)
}

func (tc *tokenCoordinator) stopHoldTimerLocked() {
	if tc.holdTimer != nil {
		tc.holdTimer.Stop()
		tc.holdTimer = nil
	}
}

func (tc *tokenCoordinator) stopRecoveryTimerLocked() {
	if tc.recoveryTimer != nil {
		tc.recoveryTimer.Stop()
		tc.recoveryTimer = nil
	}
}

// stop cancels outstanding timers during shutdown.
func (tc *tokenCoordinator) stop() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.stopHoldTimerLocked()
	tc.stopRecoveryTimerLocked()
}
