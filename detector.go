package ringsync

import (
	"sync"
	"time"

	"go-ringsync/transport"
)

// failureDetector keeps the per-peer heartbeat freshness table. A peer is
// declared dead once its silence exceeds the failure timeout, which must stay
// well above twice the heartbeat interval.
//
// The table is keyed by endpoint: ids get reassigned on renumbering, and a
// liveness record must survive that.
type failureDetector struct {
	mu       sync.Mutex
	lastSeen map[transport.Endpoint]time.Time
	timeout  time.Duration
}

func newFailureDetector(timeout time.Duration) *failureDetector {
	return &failureDetector{
		lastSeen: make(map[transport.Endpoint]time.Time),
		timeout:  timeout,
	}
}

// observe refreshes a peer's record. Called for every received heartbeat, and
// once when a peer enters the view so a fresh member gets a full timeout
// before its first heartbeat is due.
func (d *failureDetector) observe(ep transport.Endpoint, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSeen[ep] = now
}

// forget drops a peer's record once it has left the view.
func (d *failureDetector) forget(ep transport.Endpoint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastSeen, ep)
}

// sweep returns every member of the given view (excluding self) whose record
// is overdue. A member with no record yet is seeded instead of declared dead.
func (d *failureDetector) sweep(members []member, selfEp transport.Endpoint, now time.Time) []transport.Endpoint {
	d.mu.Lock()
	defer d.mu.Unlock()

	var overdue []transport.Endpoint
	for _, m := range members {
		if m.Endpoint == selfEp {
			continue
		}

		var seen, known = d.lastSeen[m.Endpoint]
		if !known {
			d.lastSeen[m.Endpoint] = now
			continue
		}

		if now.Sub(seen) > d.timeout {
			overdue = append(overdue, m.Endpoint)
		}
	}
	return overdue
}
