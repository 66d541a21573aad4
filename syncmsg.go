package ringsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go-ringsync/transport"
)

// corrKey pairs a synchronous request with its acknowledgments. Keyed by the
// originator's endpoint rather than its id: ids get reassigned mid-flight by
// renumbering, endpoints do not.
type corrKey struct {
	origin transport.Endpoint
	seq    uint64
}

// taggedMsg is a received synchronous message waiting to be consumed.
type taggedMsg struct {
	senderID int
	senderEp transport.Endpoint
	origin   transport.Endpoint
	seq      uint64
	ts       uint64
	payload  []byte
}

// pendingWait tracks one outstanding SendSync or BroadcastSync on the
// sending side: the set of endpoints whose ack is still missing.
type pendingWait struct {
	remaining   map[transport.Endpoint]bool
	done        chan struct{}
	failOnDeath bool // SendSync: dest death is an error; BroadcastSync: satisfied
	err         error
}

// recvWaiter is one parked RecvSync/BroadcastSync receiver.
type recvWaiter struct {
	msgCh chan taggedMsg
	errCh chan error
}

// syncMessenger provides blocking point-to-point and broadcast messaging on
// top of acknowledgment correlation. The ack for a tagged message is sent
// only when the local receive call actually consumes the payload, so a
// sender's return strictly follows the delivery.
type syncMessenger struct {
	mu      sync.Mutex
	seq     uint64
	pending map[corrKey]*pendingWait
	inbox   map[transport.Endpoint][]taggedMsg // tagged messages not yet consumed
	waiters map[transport.Endpoint]*recvWaiter // at most one receiver per sender

	view        *view
	clock       *LogicalClock
	send        func(dest transport.Endpoint, env transport.Envelope)
	broadcastFn func(env transport.Envelope)
	shutdownCh  chan struct{}
	logger      *slog.Logger
}

func newSyncMessenger(v *view, clock *LogicalClock, opts options,
	send func(dest transport.Endpoint, env transport.Envelope),
	broadcast func(env transport.Envelope),
	shutdownCh chan struct{}) *syncMessenger {

	return &syncMessenger{
		pending:     make(map[corrKey]*pendingWait),
		inbox:       make(map[transport.Endpoint][]taggedMsg),
		waiters:     make(map[transport.Endpoint]*recvWaiter),
		view:        v,
		clock:       clock,
		send:        send,
		broadcastFn: broadcast,
		shutdownCh:  shutdownCh,
		logger:      opts.logger,
	}
}

// SendSync sends the payload to dest and blocks until dest's matching
// RecvSync has consumed it.
func (s *syncMessenger) SendSync(ctx context.Context, payload []byte, destID int) error {
	var destEp, ok = s.view.endpointOf(destID)
	if !ok {
		return fmt.Errorf("send sync to %d: %w", destID, ErrUnknownPeer)
	}

	var key, pw = s.register(map[transport.Endpoint]bool{destEp: true}, true)
	var env = s.taggedEnvelope(key, payload)
	s.send(destEp, env)

	return s.await(ctx, key, pw)
}

// BroadcastSync is a group rendezvous on one payload. The origin blocks until
// every live peer has consumed the payload (peers dying mid-wait count as
// satisfied); every other caller blocks until the origin's payload arrives,
// acks it, and gets the payload back.
func (s *syncMessenger) BroadcastSync(ctx context.Context, payload []byte, originID int) ([]byte, error) {
	if s.view.ID() == originID {
		var peers = s.view.liveEndpoints()
		if len(peers) == 0 {
			return payload, nil
		}

		var remaining = make(map[transport.Endpoint]bool, len(peers))
		for _, ep := range peers {
			remaining[ep] = true
		}

		var key, pw = s.register(remaining, false)
		var env = s.taggedEnvelope(key, payload)
		s.broadcastFn(env)

		if err := s.await(ctx, key, pw); err != nil {
			return nil, err
		}
		return payload, nil
	}

	var originEp, ok = s.view.endpointOf(originID)
	if !ok {
		return nil, fmt.Errorf("broadcast sync from %d: %w", originID, ErrUnknownPeer)
	}
	return s.receiveFrom(ctx, originEp)
}

// RecvSync blocks until a tagged message from the given peer arrives, acks
// it, and returns the payload.
func (s *syncMessenger) RecvSync(ctx context.Context, fromID int) ([]byte, error) {
	var fromEp, ok = s.view.endpointOf(fromID)
	if !ok {
		return nil, fmt.Errorf("recv sync from %d: %w", fromID, ErrUnknownPeer)
	}
	return s.receiveFrom(ctx, fromEp)
}

func (s *syncMessenger) register(remaining map[transport.Endpoint]bool, failOnDeath bool) (corrKey, *pendingWait) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	var key = corrKey{origin: s.view.selfEp, seq: s.seq}
	var pw = &pendingWait{
		remaining:   remaining,
		done:        make(chan struct{}),
		failOnDeath: failOnDeath,
	}

	// A death notice can land between the caller's view lookup and this
	// registration; onViewChange has already run then, so an op keyed to the
	// dead endpoint would never complete. Settle it here instead.
	var died = false
	for ep := range remaining {
		if ep != s.view.selfEp && !s.view.contains(ep) {
			delete(remaining, ep)
			died = true
		}
	}
	switch {
	case died && failOnDeath:
		pw.err = ErrPeerDied
		close(pw.done)
	case len(remaining) == 0:
		close(pw.done)
	default:
		s.pending[key] = pw
	}
	return key, pw
}

func (s *syncMessenger) taggedEnvelope(key corrKey, payload []byte) transport.Envelope {
	return transport.Envelope{
		Kind:           transport.SyncTagged,
		SenderID:       s.view.ID(),
		SenderEndpoint: s.view.selfEp,
		Generation:     s.view.Generation(),
		LogicalTS:      s.clock.Tick(),
		CorrOrigin:     key.origin,
		CorrSeq:        key.seq,
		Payload:        payload,
	}
}

func (s *syncMessenger) await(ctx context.Context, key corrKey, pw *pendingWait) error {
	select {
	case <-pw.done:
		s.mu.Lock()
		var err = pw.err
		s.mu.Unlock()
		return err
	case <-ctx.Done():
		s.unregister(key)
		return ctx.Err()
	case <-s.shutdownCh:
		s.unregister(key)
		return ErrShutdown
	}
}

func (s *syncMessenger) unregister(key corrKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key)
}

func (s *syncMessenger) receiveFrom(ctx context.Context, fromEp transport.Endpoint) ([]byte, error) {
	s.mu.Lock()

	if queue := s.inbox[fromEp]; len(queue) > 0 {
		var msg = queue[0]
		if len(queue) == 1 {
			delete(s.inbox, fromEp)
		} else {
			s.inbox[fromEp] = queue[1:]
		}
		s.mu.Unlock()
		return s.consume(msg), nil
	}

	if s.waiters[fromEp] != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("concurrent receive from the same sender")
	}

	var w = &recvWaiter{
		msgCh: make(chan taggedMsg, 1),
		errCh: make(chan error, 1),
	}
	s.waiters[fromEp] = w
	s.mu.Unlock()

	select {
	case msg := <-w.msgCh:
		return s.consume(msg), nil
	case err := <-w.errCh:
		return nil, err
	case <-ctx.Done():
		s.removeWaiter(fromEp, w)
		return nil, ctx.Err()
	case <-s.shutdownCh:
		s.removeWaiter(fromEp, w)
		return nil, ErrShutdown
	}
}

// consume merges the message timestamp into the logical clock, acks the
// sender, and hands the payload to the caller.
func (s *syncMessenger) consume(msg taggedMsg) []byte {
	s.clock.Observe(msg.ts)
	s.send(msg.senderEp, transport.Envelope{
		Kind:           transport.SyncAck,
		SenderID:       s.view.ID(),
		SenderEndpoint: s.view.selfEp,
		Generation:     s.view.Generation(),
		CorrOrigin:     msg.origin,
		CorrSeq:        msg.seq,
	})
	return msg.payload
}

func (s *syncMessenger) removeWaiter(ep transport.Endpoint, w *recvWaiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waiters[ep] == w {
		delete(s.waiters, ep)
	}

	// handleTagged may have handed a message to this waiter in the same
	// instant its context fired. Unconsumed means unacked: put it back at the
	// front of the inbox so a retried receive still sees it.
	select {
	case msg := <-w.msgCh:
		s.inbox[ep] = append([]taggedMsg{msg}, s.inbox[ep]...)
	default:
	}
}

// handleTagged routes an incoming tagged message to a parked receiver, or
// buffers it until one shows up. The ack is deliberately NOT sent here.
func (s *syncMessenger) handleTagged(env transport.Envelope) {
	var msg = taggedMsg{
		senderID: env.SenderID,
		senderEp: env.SenderEndpoint,
		origin:   env.CorrOrigin,
		seq:      env.CorrSeq,
		ts:       env.LogicalTS,
		payload:  env.Payload,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if w := s.waiters[msg.senderEp]; w != nil {
		delete(s.waiters, msg.senderEp)
		w.msgCh <- msg
		return
	}
	s.inbox[msg.senderEp] = append(s.inbox[msg.senderEp], msg)
}

// handleAck completes (part of) a pending operation. Idempotent against the
// duplicate acks an unreliable transport can produce: an ack for an unknown
// correlation id or an already-satisfied peer changes nothing.
func (s *syncMessenger) handleAck(env transport.Envelope) {
	var key = corrKey{origin: env.CorrOrigin, seq: env.CorrSeq}

	s.mu.Lock()
	defer s.mu.Unlock()

	var pw = s.pending[key]
	if pw == nil {
		s.logger.Debug("dropping ack for unknown correlation id",
			"origin", string(key.origin),
			"seq", key.seq)
		return
	}

	delete(pw.remaining, env.SenderEndpoint)
	if len(pw.remaining) == 0 {
		delete(s.pending, key)
		close(pw.done)
	}
}

// onViewChange treats peer death as completion evidence: dead peers stop
// counting toward pending acks, and a receiver parked on a dead peer fails
// with ErrPeerDied.
func (s *syncMessenger) onViewChange() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var live = make(map[transport.Endpoint]bool)
	live[s.view.selfEp] = true
	for _, ep := range s.view.liveEndpoints() {
		live[ep] = true
	}

	for key, pw := range s.pending {
		var died = false
		for ep := range pw.remaining {
			if !live[ep] {
				delete(pw.remaining, ep)
				died = true
			}
		}
		if died && pw.failOnDeath {
			pw.err = ErrPeerDied
			delete(s.pending, key)
			close(pw.done)
			continue
		}
		if len(pw.remaining) == 0 {
			delete(s.pending, key)
			close(pw.done)
		}
	}

	for ep, w := range s.waiters {
		if !live[ep] {
			delete(s.waiters, ep)
			w.errCh <- ErrPeerDied
		}
	}

	for ep := range s.inbox {
		if !live[ep] {
			delete(s.inbox, ep)
		}
	}
}
