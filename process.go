package ringsync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"

	"go-ringsync/transport"
)

// inboxDepth bounds the dispatch queue between the transport's delivery path
// and this process's dispatch loop.
const inboxDepth = 1024

// Process is the coordination facade: one per peer. It composes the logical
// clock, membership view, failure detector, token, barrier and sync
// coordinators over a Transport, and exposes the public API.
//
// Blocking calls (RequestCS, Synchronize, SendSync, RecvSync, BroadcastSync)
// suspend only their caller; message dispatch runs on a dedicated loop that
// never blocks on a pending caller, and periodic work runs on the
// coordinator's workers.
type Process struct {
	opts  options
	clock *LogicalClock
	neg   *negotiation

	tr        transport.Transport
	view      *view
	detector  *failureDetector
	token     *tokenCoordinator
	barrier   *barrierCoordinator
	messenger *syncMessenger
	coord     *coordinator

	inbox        chan transport.Envelope
	shutdownCh   chan struct{}
	shutdownOnce sync.Once

	deaths metrics.Counter
}

// NewProcess creates an unjoined process.
func NewProcess(opts ...Option) *Process {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &Process{
		opts:       options,
		clock:      &LogicalClock{},
		neg:        newNegotiation(),
		inbox:      make(chan transport.Envelope, inboxDepth),
		shutdownCh: make(chan struct{}),
		deaths:     metrics.GetOrRegisterCounter("deaths.detected", options.registry),
	}
}

// Join attaches the process to the transport and negotiates its id. Blocks
// until the process is a ring member (the first process on an empty fabric
// bootstraps as id 0). Background workers start only after a successful join.
func (p *Process) Join(ctx context.Context, tr transport.Transport) error {
	if p.tr != nil {
		return fmt.Errorf("process already joined")
	}

	p.tr = tr
	p.view = newView(tr.Endpoint())
	p.detector = newFailureDetector(p.opts.failureTimeout)
	p.token = newTokenCoordinator(p.view, p.opts, p.sendToken, p.shutdownCh)
	p.barrier = newBarrierCoordinator(p.view, p.opts, p.announceBarrier, p.releaseBarrier, p.shutdownCh)
	p.messenger = newSyncMessenger(p.view, p.clock, p.opts, p.sendEnvelope, p.broadcastEnvelope, p.shutdownCh)
	p.view.setOnChange(p.onViewChange)
	p.coord = newCoordinator(tr, p.view, p.detector, p.opts, p.declareDead)

	tr.OnDeliver(p.enqueue)
	go p.dispatchLoop()

	if err := p.runJoin(ctx); err != nil {
		return fmt.Errorf("failed to join: %w", err)
	}

	p.coord.start()
	return nil
}

// Shutdown gracefully stops the process: peers are notified immediately (so
// they converge without waiting for the failure timeout), every parked waiter
// is released, and pending synchronous operations are force-completed.
func (p *Process) Shutdown() error {
	p.halt(true)
	return nil
}

// Crash stops the process without notifying peers (failure injection):
// survivors must detect the silence through the failure detector.
func (p *Process) Crash() {
	p.halt(false)
}

// IsShutdown reports whether the process has been shut down or crashed.
func (p *Process) IsShutdown() bool {
	select {
	case <-p.shutdownCh:
		return true
	default:
		return false
	}
}

func (p *Process) halt(graceful bool) {
	p.shutdownOnce.Do(func() {
		if p.coord != nil {
			p.coord.stop()
		}
		if graceful && p.isJoined() {
			_ = p.tr.Broadcast(transport.Envelope{
				Kind:           transport.DeathNotice,
				SenderID:       p.view.ID(),
				SenderEndpoint: p.tr.Endpoint(),
				Generation:     p.view.Generation(),
				DeadID:         p.view.ID(),
				DeadEndpoint:   p.tr.Endpoint(),
			})
		}

		// Releases every parked RequestCS/Synchronize/Send/Recv waiter.
		close(p.shutdownCh)

		if p.token != nil {
			p.token.stop()
		}
		if p.tr != nil {
			_ = p.tr.Close()
		}
	})
}

// ID returns this process's current id (-1 before joining; renumbering can
// change it).
func (p *Process) ID() int {
	if p.view == nil {
		return -1
	}
	return p.view.ID()
}

// Generation returns the current membership generation.
func (p *Process) Generation() uint64 {
	if p.view == nil {
		return 0
	}
	return p.view.Generation()
}

// Tick advances the logical clock for a local event and returns it.
func (p *Process) Tick() uint64 {
	return p.clock.Tick()
}

// Clock returns the logical clock without advancing it.
func (p *Process) Clock() uint64 {
	return p.clock.Now()
}

// Send delivers a user payload to one peer, stamped with the ticked clock.
func (p *Process) Send(payload []byte, destID int) error {
	if !p.isJoined() {
		return ErrNotJoined
	}

	var ep, ok = p.view.endpointOf(destID)
	if !ok {
		return fmt.Errorf("send to %d: %w", destID, ErrUnknownPeer)
	}

	p.sendEnvelope(ep, p.userEnvelope(payload))
	return nil
}

// Broadcast delivers a user payload to every peer, stamped with the ticked
// clock.
func (p *Process) Broadcast(payload []byte) error {
	if !p.isJoined() {
		return ErrNotJoined
	}

	p.broadcastEnvelope(p.userEnvelope(payload))
	return nil
}

// RequestCS blocks until this process may enter the critical section.
func (p *Process) RequestCS(ctx context.Context) error {
	if !p.isJoined() {
		return ErrNotJoined
	}
	return p.token.RequestCS(ctx)
}

// ReleaseCS leaves the critical section. No-op when not holding.
func (p *Process) ReleaseCS() {
	if !p.isJoined() {
		return
	}
	p.token.ReleaseCS()
}

// Synchronize blocks until every live peer has reached the same barrier
// round.
func (p *Process) Synchronize(ctx context.Context) error {
	if !p.isJoined() {
		return ErrNotJoined
	}
	return p.barrier.Synchronize(ctx)
}

// SendSync sends a payload and blocks until the destination has consumed it.
func (p *Process) SendSync(ctx context.Context, payload []byte, destID int) error {
	if !p.isJoined() {
		return ErrNotJoined
	}
	return p.messenger.SendSync(ctx, payload, destID)
}

// RecvSync blocks until a synchronous payload from the given peer arrives.
func (p *Process) RecvSync(ctx context.Context, fromID int) ([]byte, error) {
	if !p.isJoined() {
		return nil, ErrNotJoined
	}
	return p.messenger.RecvSync(ctx, fromID)
}

// BroadcastSync rendezvouses the whole group on one payload from origin.
func (p *Process) BroadcastSync(ctx context.Context, payload []byte, originID int) ([]byte, error) {
	if !p.isJoined() {
		return nil, ErrNotJoined
	}
	return p.messenger.BroadcastSync(ctx, payload, originID)
}

// State reports the mutual exclusion state (for observability and tests).
func (p *Process) State() tokenState {
	if p.token == nil {
		return stateNoToken
	}
	return p.token.State()
}

// String returns a visual representation of this process's ring view.
func (p *Process) String() string {
	if p.view == nil {
		return "[unjoined process]"
	}
	return p.view.String()
}

func (p *Process) isJoined() bool {
	return p.view != nil && p.view.isJoined()
}

// enqueue is the transport delivery callback: it only queues, so the
// transport's delivery path is never blocked by protocol state.
func (p *Process) enqueue(env transport.Envelope) {
	select {
	case p.inbox <- env:
	case <-p.shutdownCh:
	}
}

func (p *Process) dispatchLoop() {
	for {
		select {
		case <-p.shutdownCh:
			return
		case env := <-p.inbox:
			p.dispatch(env)
		}
	}
}

// dispatch routes one envelope. Handlers only flip state and signal waiters;
// none of them blocks.
func (p *Process) dispatch(env transport.Envelope) {
	switch env.Kind {
	case transport.Heartbeat:
		p.detector.observe(env.SenderEndpoint, time.Now())
		p.selfHeal(env)
	case transport.Token:
		p.token.handleToken(env.Generation)
	case transport.BarrierArrive:
		p.barrier.handleArrive(env.SenderEndpoint, env.BarrierRound)
	case transport.BarrierRelease:
		p.barrier.handleRelease(env.BarrierRound)
	case transport.SyncTagged:
		p.messenger.handleTagged(env)
	case transport.SyncAck:
		p.messenger.handleAck(env)
	case transport.DeathNotice:
		p.handleDeathNotice(env)
	case transport.Discovery:
		p.handleDiscovery(env)
	case transport.User:
		// The only place (besides sync consumption) where the clock merges.
		p.clock.Observe(env.LogicalTS)
		p.opts.deliveryHandler(Delivery{
			SenderID:  env.SenderID,
			LogicalTS: env.LogicalTS,
			Payload:   env.Payload,
		})
	default:
		p.opts.logger.Warn("dropping envelope of unknown kind", "kind", int(env.Kind))
	}
}

// selfHeal re-admits a member whose join claim this process missed: the
// heartbeat carries enough to rebuild the binding.
func (p *Process) selfHeal(env transport.Envelope) {
	if !p.isJoined() || env.SenderID < 0 {
		return
	}
	if p.view.contains(env.SenderEndpoint) {
		return
	}

	if p.view.addMember(member{ID: env.SenderID, Endpoint: env.SenderEndpoint}) {
		p.opts.logger.Info("re-admitted member from heartbeat",
			"id", env.SenderID,
			"endpoint", string(env.SenderEndpoint))
	}
}

// handleDeathNotice applies a death another peer detected (or a graceful
// leave). Idempotent: a peer already removed changes nothing.
func (p *Process) handleDeathNotice(env transport.Envelope) {
	if !p.isJoined() {
		return
	}

	var deadID, ok = p.view.removeByEndpoint(env.DeadEndpoint)
	if !ok {
		return
	}

	p.detector.forget(env.DeadEndpoint)
	p.opts.logger.Info("applied death notice",
		"dead_id", deadID,
		"dead_endpoint", string(env.DeadEndpoint),
		"generation", p.view.Generation())
}

// declareDead is the sweep worker's verdict: remove the peer locally and
// broadcast a death notice so survivors converge without relying on the dead
// peer.
func (p *Process) declareDead(ep transport.Endpoint) {
	var deadID, ok = p.view.removeByEndpoint(ep)
	if !ok {
		return
	}

	p.detector.forget(ep)
	p.deaths.Inc(1)
	p.opts.logger.Warn("declared peer dead",
		"dead_id", deadID,
		"dead_endpoint", string(ep),
		"generation", p.view.Generation())

	_ = p.tr.Broadcast(transport.Envelope{
		Kind:           transport.DeathNotice,
		SenderID:       p.view.ID(),
		SenderEndpoint: p.tr.Endpoint(),
		Generation:     p.view.Generation(),
		DeadID:         deadID,
		DeadEndpoint:   ep,
	})
}

// onViewChange fans a generation bump out to every consumer of the view.
func (p *Process) onViewChange(generation uint64, cause viewChange) {
	p.token.onViewChange(generation, cause)
	p.barrier.onViewChange()
	p.messenger.onViewChange()
}

func (p *Process) userEnvelope(payload []byte) transport.Envelope {
	return transport.Envelope{
		Kind:           transport.User,
		SenderID:       p.view.ID(),
		SenderEndpoint: p.tr.Endpoint(),
		Generation:     p.view.Generation(),
		LogicalTS:      p.clock.Tick(),
		Payload:        payload,
	}
}

func (p *Process) sendToken(dest member, generation uint64) {
	p.sendEnvelope(dest.Endpoint, transport.Envelope{
		Kind:           transport.Token,
		SenderID:       p.view.ID(),
		SenderEndpoint: p.tr.Endpoint(),
		Generation:     generation,
	})
}

func (p *Process) announceBarrier(round uint64) {
	p.broadcastEnvelope(transport.Envelope{
		Kind:           transport.BarrierArrive,
		SenderID:       p.view.ID(),
		SenderEndpoint: p.tr.Endpoint(),
		Generation:     p.view.Generation(),
		BarrierRound:   round,
	})
}

func (p *Process) releaseBarrier(round uint64) {
	p.broadcastEnvelope(transport.Envelope{
		Kind:           transport.BarrierRelease,
		SenderID:       p.view.ID(),
		SenderEndpoint: p.tr.Endpoint(),
		Generation:     p.view.Generation(),
		BarrierRound:   round,
	})
}

// sendEnvelope and broadcastEnvelope swallow transport errors: an
// undeliverable envelope is a liveness signal for the failure detector, not a
// caller-visible fault.
func (p *Process) sendEnvelope(dest transport.Endpoint, env transport.Envelope) {
	if err := p.tr.Send(dest, env); err != nil {
		p.opts.logger.Debug("send failed",
			"dest", string(dest),
			"kind", env.Kind.String(),
			"error", err)
	}
}

func (p *Process) broadcastEnvelope(env transport.Envelope) {
	if err := p.tr.Broadcast(env); err != nil {
		p.opts.logger.Debug("broadcast failed",
			"kind", env.Kind.String(),
			"error", err)
	}
}
