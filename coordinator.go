package ringsync

import (
	"context"
	"time"

	"github.com/rcrowley/go-metrics"

	"go-ringsync/transport"
)

// coordinator runs the periodic background work: heartbeat emission and the
// liveness sweep. Idle token circulation runs on the token coordinator's own
// timers. Workers run on their own context so a caller's context never stops
// them; stop() cancels them.
type coordinator struct {
	tr          transport.Transport
	view        *view
	detector    *failureDetector
	opts        options
	declareDead func(ep transport.Endpoint)
	cancel      context.CancelFunc
	heartbeats  metrics.Counter
}

func newCoordinator(tr transport.Transport, v *view, d *failureDetector, opts options, declareDead func(ep transport.Endpoint)) *coordinator {
	return &coordinator{
		tr:          tr,
		view:        v,
		detector:    d,
		opts:        opts,
		declareDead: declareDead,
		heartbeats:  metrics.GetOrRegisterCounter("heartbeats.sent", opts.registry),
	}
}

// start launches the background workers.
func (c *coordinator) start() {
	var ctx context.Context
	ctx, c.cancel = context.WithCancel(context.Background())

	go c.heartbeatWorker(ctx)
	go c.sweepWorker(ctx)
}

// stop cancels the background workers.
func (c *coordinator) stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// heartbeatWorker periodically broadcasts this process's liveness, with the
// current generation piggybacked so peers that missed a membership event can
// self-heal.
func (c *coordinator) heartbeatWorker(ctx context.Context) {
	var ticker = time.NewTicker(c.opts.heartbeatInterval)
	defer ticker.Stop()

	// Emit immediately on start, then periodically.
	c.emitHeartbeat()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.emitHeartbeat()
		}
	}
}

func (c *coordinator) emitHeartbeat() {
	c.heartbeats.Inc(1)
	_ = c.tr.Broadcast(transport.Envelope{
		Kind:           transport.Heartbeat,
		SenderID:       c.view.ID(),
		SenderEndpoint: c.tr.Endpoint(),
		Generation:     c.view.Generation(),
	})
}

// sweepWorker periodically scans the heartbeat table and declares overdue
// peers dead.
func (c *coordinator) sweepWorker(ctx context.Context) {
	var ticker = time.NewTicker(c.opts.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var overdue = c.detector.sweep(c.view.snapshot(), c.tr.Endpoint(), time.Now())
			for _, ep := range overdue {
				c.declareDead(ep)
			}
		}
	}
}
