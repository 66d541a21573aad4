package ringsync

import (
	"io"
	"log/slog"
	"time"

	"github.com/rcrowley/go-metrics"
)

// options configures Process behavior (internal only).
type options struct {
	heartbeatInterval  time.Duration
	failureTimeout     time.Duration
	sweepInterval      time.Duration
	tokenHoldDelay     time.Duration
	tokenRecoveryDelay time.Duration
	joinTimeout        time.Duration
	logger             *slog.Logger
	registry           metrics.Registry
	deliveryHandler    func(Delivery)
}

// defaultOptions returns sensible defaults. The failure timeout must stay
// well above twice the heartbeat interval to tolerate scheduling jitter.
func defaultOptions() options {
	var heartbeat = 2 * time.Second
	return options{
		heartbeatInterval:  heartbeat,
		failureTimeout:     3 * heartbeat,
		sweepInterval:      heartbeat / 2,
		tokenHoldDelay:     10 * time.Millisecond,
		tokenRecoveryDelay: time.Second,
		joinTimeout:        3 * time.Second,
		logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		registry:           metrics.NewRegistry(),
		deliveryHandler:    func(Delivery) {},
	}
}

// Option is a functional option for configuring a Process.
type Option func(*options)

// WithHeartbeatInterval sets the heartbeat emission interval and derives the
// failure timeout (3x) and liveness sweep interval (0.5x) from it.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(o *options) {
		o.heartbeatInterval = interval
		o.failureTimeout = 3 * interval
		o.sweepInterval = interval / 2
	}
}

// WithFailureTimeout overrides the derived failure timeout. Values at or
// below twice the heartbeat interval invite false positives.
func WithFailureTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.failureTimeout = timeout
	}
}

// WithTokenHoldDelay sets how long an uninterested holder keeps the mutual
// exclusion token before forwarding it to its successor.
func WithTokenHoldDelay(delay time.Duration) Option {
	return func(o *options) {
		o.tokenHoldDelay = delay
	}
}

// WithTokenRecoveryDelay sets how long the smallest surviving id waits for a
// circulating token to show up after a membership change before minting a
// replacement.
func WithTokenRecoveryDelay(delay time.Duration) Option {
	return func(o *options) {
		o.tokenRecoveryDelay = delay
	}
}

// WithJoinTimeout sets how long one join attempt waits for offers and
// confirmation before redrawing its tiebreaker.
func WithJoinTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.joinTimeout = timeout
	}
}

// WithLogger sets the logger for the process.
// If the logger is nil, the process will use a no-op logger.
// DEFAULT: A no-op logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger == nil {
			o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
			return
		}

		o.logger = logger
	}
}

// WithMetrics sets the metrics registry counters are registered on.
// DEFAULT: a private registry.
func WithMetrics(registry metrics.Registry) Option {
	return func(o *options) {
		if registry == nil {
			o.registry = metrics.NewRegistry()
			return
		}

		o.registry = registry
	}
}

// WithDeliveryHandler sets the callback invoked for every incoming user
// payload. The callback runs on the dispatch path and must not block.
// DEFAULT: payloads are dropped.
func WithDeliveryHandler(fn func(Delivery)) Option {
	return func(o *options) {
		if fn == nil {
			o.deliveryHandler = func(Delivery) {}
			return
		}

		o.deliveryHandler = fn
	}
}
