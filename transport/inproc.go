package transport

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnknownEndpoint is returned when sending to an endpoint that is not
	// attached to the network (or has already detached).
	ErrUnknownEndpoint = errors.New("unknown endpoint")

	// ErrLinkClosed is returned when using a link after Close.
	ErrLinkClosed = errors.New("link closed")
)

// inboxDepth bounds how many undelivered envelopes a single peer can queue
// before senders start backpressuring on that peer only.
const inboxDepth = 256

// Network is an in-process message fabric: every attached Link gets a mailbox
// and a dedicated delivery goroutine, so one slow consumer never stalls
// another peer's delivery path.
type Network struct {
	mu    sync.RWMutex
	links map[Endpoint]*Link
}

// NewNetwork creates an empty fabric.
func NewNetwork() *Network {
	return &Network{links: make(map[Endpoint]*Link)}
}

// Attach registers an endpoint and returns its Link.
func (n *Network) Attach(ep Endpoint) (*Link, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.links[ep]; exists {
		return nil, fmt.Errorf("attach %q: endpoint already attached", ep)
	}

	var link = &Link{
		network: n,
		ep:      ep,
		inbox:   make(chan Envelope, inboxDepth),
		closed:  make(chan struct{}),
	}
	n.links[ep] = link

	go link.deliverLoop()
	return link, nil
}

// lookup returns the link for an endpoint, if attached.
func (n *Network) lookup(ep Endpoint) (*Link, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var link, ok = n.links[ep]
	return link, ok
}

// others returns every attached link except the given endpoint.
func (n *Network) others(except Endpoint) []*Link {
	n.mu.RLock()
	defer n.mu.RUnlock()

	var out = make([]*Link, 0, len(n.links))
	for ep, link := range n.links {
		if ep != except {
			out = append(out, link)
		}
	}
	return out
}

// detach removes an endpoint from the fabric.
func (n *Network) detach(ep Endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.links, ep)
}

// Link is one peer's attachment to a Network. It implements Transport.
type Link struct {
	network *Network
	ep      Endpoint
	inbox   chan Envelope
	closed  chan struct{}
	once    sync.Once

	mu      sync.RWMutex
	deliver func(Envelope)
}

var _ Transport = (*Link)(nil)

// Endpoint returns this link's address.
func (l *Link) Endpoint() Endpoint {
	return l.ep
}

// OnDeliver registers the delivery callback.
func (l *Link) OnDeliver(fn func(Envelope)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deliver = fn
}

// Send enqueues the envelope into the destination's mailbox. Blocks only if
// that one mailbox is full.
func (l *Link) Send(dest Endpoint, env Envelope) error {
	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
	}

	var target, ok = l.network.lookup(dest)
	if !ok {
		return fmt.Errorf("send to %q: %w", dest, ErrUnknownEndpoint)
	}
	return target.enqueue(env)
}

// Broadcast enqueues the envelope to every attached peer except self.
func (l *Link) Broadcast(env Envelope) error {
	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
	}

	for _, target := range l.network.others(l.ep) {
		// A peer that detached mid-iteration just drops the envelope; its
		// silence is the failure detector's problem, not the sender's.
		_ = target.enqueue(env)
	}
	return nil
}

// Peers lists every other attached endpoint.
func (l *Link) Peers() []Endpoint {
	var links = l.network.others(l.ep)
	var out = make([]Endpoint, 0, len(links))
	for _, link := range links {
		out = append(out, link.ep)
	}
	return out
}

// Close detaches from the network and stops the delivery goroutine. Envelopes
// still queued in the mailbox are discarded.
func (l *Link) Close() error {
	l.once.Do(func() {
		l.network.detach(l.ep)
		close(l.closed)
	})
	return nil
}

func (l *Link) enqueue(env Envelope) error {
	select {
	case l.inbox <- env:
		return nil
	case <-l.closed:
		return ErrLinkClosed
	}
}

func (l *Link) deliverLoop() {
	for {
		select {
		case env := <-l.inbox:
			l.mu.RLock()
			var fn = l.deliver
			l.mu.RUnlock()
			if fn != nil {
				fn(env)
			}
		case <-l.closed:
			return
		}
	}
}
