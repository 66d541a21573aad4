package ringsync

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-ringsync/transport"
)

// negotiation is the joiner-side state of the id negotiation: offers received
// from established members and announces/claims seen from rival joiners.
type negotiation struct {
	mu         sync.Mutex
	tiebreaker string
	offers     map[transport.Endpoint]offer
	rivals     map[transport.Endpoint]rivalClaim
}

type offer struct {
	generation uint64
	members    []member
}

type rivalClaim struct {
	tiebreaker string
	claimedID  int // -1 until the rival claims
}

func newNegotiation() *negotiation {
	return &negotiation{
		offers: make(map[transport.Endpoint]offer),
		rivals: make(map[transport.Endpoint]rivalClaim),
	}
}

func (n *negotiation) reset(tiebreaker string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tiebreaker = tiebreaker
	n.offers = make(map[transport.Endpoint]offer)
	n.rivals = make(map[transport.Endpoint]rivalClaim)
}

func (n *negotiation) recordOffer(env transport.Envelope) {
	var members = make([]member, 0, len(env.Members))
	for _, mi := range env.Members {
		members = append(members, member{ID: mi.ID, Endpoint: mi.Endpoint})
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.offers[env.SenderEndpoint] = offer{generation: env.Generation, members: members}
}

func (n *negotiation) recordRival(env transport.Envelope) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rivals[env.SenderEndpoint] = rivalClaim{
		tiebreaker: env.Tiebreaker,
		claimedID:  env.ClaimedID,
	}
}

func (n *negotiation) offerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.offers)
}

// proposeID computes the id to claim: the smallest non-negative integer not
// bound in any offer and not claimed by a rival joiner with a smaller
// tiebreaker. Relative order among concurrent joiners is settled by the
// tiebreakers; a lost race is detected at confirmation and redrawn.
func (n *negotiation) proposeID() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	var used = make(map[int]bool)
	for _, o := range n.offers {
		for _, m := range o.members {
			used[m.ID] = true
		}
	}
	for _, r := range n.rivals {
		if r.claimedID >= 0 && r.tiebreaker < n.tiebreaker {
			used[r.claimedID] = true
		}
	}

	var id = 0
	for used[id] {
		id++
	}
	return id
}

// confirmation scans the recorded offers for a verdict on a claim:
// confirmed when some member's view binds our endpoint to the claimed id,
// lost when it binds the claimed id to someone else.
func (n *negotiation) confirmation(selfEp transport.Endpoint, claimed int) (confirmed, lost bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, o := range n.offers {
		for _, m := range o.members {
			if m.ID != claimed {
				continue
			}
			if m.Endpoint == selfEp {
				return true, false
			}
			return false, true
		}
	}
	return false, false
}

// bestView returns the members of the freshest offer (highest generation).
func (n *negotiation) bestView() ([]member, uint64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	var (
		best  offer
		found bool
	)
	for _, o := range n.offers {
		if !found || o.generation > best.generation {
			best = o
			found = true
		}
	}
	return best.members, best.generation, found
}

// rivalEndpoints returns the rival joiners ordered by tiebreaker, used for
// the simultaneous-bootstrap case where no established member exists.
func (n *negotiation) rivalEndpoints() []rivalEndpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out = make([]rivalEndpoint, 0, len(n.rivals))
	for ep, r := range n.rivals {
		out = append(out, rivalEndpoint{endpoint: ep, tiebreaker: r.tiebreaker})
	}
	return out
}

type rivalEndpoint struct {
	endpoint   transport.Endpoint
	tiebreaker string
}

// runJoin performs the id negotiation until this process is part of the
// ring. The first process in the system takes id 0.
func (p *Process) runJoin(ctx context.Context) error {
	if len(p.tr.Peers()) == 0 {
		p.view.bootstrap()
		p.token.bootstrapToken()
		p.opts.logger.Info("bootstrapped ring", "endpoint", string(p.tr.Endpoint()))
		return nil
	}

	const maxRetries = 10

	for attempt := 0; attempt < maxRetries; attempt++ {
		var tiebreaker = uuid.New().String()
		p.neg.reset(tiebreaker)
		p.broadcastDiscovery(tiebreaker, -1)

		var joined, err = p.negotiate(ctx, tiebreaker)
		if err != nil {
			return fmt.Errorf("failed to negotiate id: %w", err)
		}
		if joined {
			p.opts.logger.Info("joined ring",
				"id", p.view.ID(),
				"generation", p.view.Generation(),
				"members", p.view.size())
			return nil
		}

		p.opts.logger.Warn("join attempt lost its id race, redrawing tiebreaker",
			"attempt", attempt+1,
			"max_retries", maxRetries)
	}

	return fmt.Errorf("failed to join ring after %d attempts", maxRetries)
}

// negotiate runs one attempt: collect offers, claim an id, wait for a member
// view confirming the claim. Returns false (no error) when the attempt lost
// a race and should redraw.
func (p *Process) negotiate(ctx context.Context, tiebreaker string) (bool, error) {
	// Phase 1: collect offers until the set is stable (or the window ends
	// with none, which means nobody established is out there).
	var (
		timeout = time.After(p.opts.joinTimeout)
		ticker  = time.NewTicker(50 * time.Millisecond)
		last    = -1
	)
	defer ticker.Stop()

collect:
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-p.shutdownCh:
			return false, ErrShutdown
		case <-timeout:
			break collect
		case <-ticker.C:
			var count = p.neg.offerCount()
			if count > 0 && count == last {
				break collect
			}
			last = count
		}
	}

	if p.neg.offerCount() == 0 {
		return p.bootstrapWithRivals(tiebreaker)
	}

	// Phase 2: claim the smallest unused id and wait for a confirming view.
	var claimed = p.neg.proposeID()
	p.broadcastDiscovery(tiebreaker, claimed)

	var confirmTimeout = time.After(p.opts.joinTimeout)
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-p.shutdownCh:
			return false, ErrShutdown
		case <-confirmTimeout:
			return false, nil
		case <-ticker.C:
			var confirmed, lost = p.neg.confirmation(p.tr.Endpoint(), claimed)
			if lost {
				return false, nil
			}
			if confirmed {
				var members, generation, ok = p.neg.bestView()
				if !ok {
					return false, nil
				}
				p.view.install(members, claimed, generation)
				p.seedDetector()
				return true, nil
			}
		}
	}
}

// bootstrapWithRivals handles several processes starting simultaneously on
// an otherwise empty fabric: no established member answered, so the joiners
// order themselves by tiebreaker and take id = rank. Every rival computes the
// same assignment from the same announces.
func (p *Process) bootstrapWithRivals(tiebreaker string) (bool, error) {
	var rivals = p.neg.rivalEndpoints()
	rivals = append(rivals, rivalEndpoint{endpoint: p.tr.Endpoint(), tiebreaker: tiebreaker})
	sort.Slice(rivals, func(i, j int) bool {
		return rivals[i].tiebreaker < rivals[j].tiebreaker
	})

	var (
		members = make([]member, 0, len(rivals))
		selfID  = -1
	)
	for rank, r := range rivals {
		members = append(members, member{ID: rank, Endpoint: r.endpoint})
		if r.endpoint == p.tr.Endpoint() {
			selfID = rank
		}
	}

	p.view.install(members, selfID, 0)
	p.seedDetector()

	if selfID == 0 {
		p.token.bootstrapToken()
	}

	p.opts.logger.Info("bootstrapped ring with concurrent joiners",
		"id", selfID,
		"members", len(members))
	return true, nil
}

// seedDetector gives every freshly learned member a full failure timeout
// before its first heartbeat is due.
func (p *Process) seedDetector() {
	var now = time.Now()
	for _, m := range p.view.snapshot() {
		if m.Endpoint != p.tr.Endpoint() {
			p.detector.observe(m.Endpoint, now)
		}
	}
}

// broadcastDiscovery sends an announce (claimed == -1) or a claim.
func (p *Process) broadcastDiscovery(tiebreaker string, claimed int) {
	_ = p.tr.Broadcast(transport.Envelope{
		Kind:           transport.Discovery,
		SenderID:       -1,
		SenderEndpoint: p.tr.Endpoint(),
		Tiebreaker:     tiebreaker,
		ClaimedID:      claimed,
	})
}

// handleDiscovery routes discovery traffic: offers feed the local
// negotiation, announces and claims are answered by established members.
func (p *Process) handleDiscovery(env transport.Envelope) {
	if len(env.Members) > 0 {
		// An offer. Only interesting while negotiating.
		if !p.view.isJoined() {
			p.neg.recordOffer(env)
		}
		return
	}

	if !p.view.isJoined() {
		// Another joiner's announce or claim.
		p.neg.recordRival(env)
		return
	}

	p.memberHandleJoiner(env)
}

// memberHandleJoiner is the established-member side of the negotiation:
// answer announces with the current view, apply acceptable claims, and always
// answer with a fresh view so the joiner can confirm (or see it lost).
func (p *Process) memberHandleJoiner(env transport.Envelope) {
	if env.ClaimedID >= 0 {
		var added = p.view.addMember(member{ID: env.ClaimedID, Endpoint: env.SenderEndpoint})
		if added {
			p.detector.observe(env.SenderEndpoint, time.Now())
			p.opts.logger.Info("accepted join claim",
				"joiner_id", env.ClaimedID,
				"joiner_endpoint", string(env.SenderEndpoint),
				"generation", p.view.Generation())
		}
	}

	p.sendOffer(env.SenderEndpoint)
}

// sendOffer answers a joiner with this member's current view.
func (p *Process) sendOffer(dest transport.Endpoint) {
	_ = p.tr.Send(dest, transport.Envelope{
		Kind:           transport.Discovery,
		SenderID:       p.view.ID(),
		SenderEndpoint: p.tr.Endpoint(),
		Generation:     p.view.Generation(),
		Members:        p.view.memberInfos(),
	})
}
