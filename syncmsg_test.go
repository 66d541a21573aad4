package ringsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-ringsync/transport"
)

func TestSyncMessenger(t *testing.T) {
	type sent struct {
		dest transport.Endpoint
		env  transport.Envelope
	}

	type fixture struct {
		s          *syncMessenger
		view       *view
		clock      *LogicalClock
		sends      chan sent
		broadcasts chan transport.Envelope
	}

	var (
		newFixture = func(t *testing.T, selfIdx int, eps []transport.Endpoint) *fixture {
			var v = newView(eps[selfIdx])
			var members = make([]member, 0, len(eps))
			for i, ep := range eps {
				members = append(members, member{ID: i, Endpoint: ep})
			}
			v.install(members, selfIdx, 1)

			var (
				clock      = &LogicalClock{}
				sends      = make(chan sent, 16)
				broadcasts = make(chan transport.Envelope, 16)
				shutdownCh = make(chan struct{})
			)
			var s = newSyncMessenger(v, clock, defaultOptions(),
				func(dest transport.Endpoint, env transport.Envelope) {
					sends <- sent{dest: dest, env: env}
				},
				func(env transport.Envelope) { broadcasts <- env },
				shutdownCh)
			v.setOnChange(func(uint64, viewChange) { s.onViewChange() })

			t.Cleanup(func() { close(shutdownCh) })
			return &fixture{s: s, view: v, clock: clock, sends: sends, broadcasts: broadcasts}
		}
		expectSent = func(t *testing.T, sends chan sent) sent {
			select {
			case out := <-sends:
				return out
			case <-time.After(time.Second):
				t.Fatal("nothing was sent")
				return sent{}
			}
		}
		expectNothingSent = func(t *testing.T, sends chan sent) {
			select {
			case out := <-sends:
				t.Fatalf("unexpected %v to %s", out.env.Kind, out.dest)
			case <-time.After(50 * time.Millisecond):
			}
		}
		ackFor = func(from transport.Endpoint, tagged transport.Envelope) transport.Envelope {
			return transport.Envelope{
				Kind:           transport.SyncAck,
				SenderEndpoint: from,
				CorrOrigin:     tagged.CorrOrigin,
				CorrSeq:        tagged.CorrSeq,
			}
		}
		taggedFrom = func(from transport.Endpoint, fromID int, payload []byte, ts uint64) transport.Envelope {
			return transport.Envelope{
				Kind:           transport.SyncTagged,
				SenderID:       fromID,
				SenderEndpoint: from,
				CorrOrigin:     from,
				CorrSeq:        1,
				LogicalTS:      ts,
				Payload:        payload,
			}
		}
	)

	t.Run("should fail sending to an unknown peer", func(t *testing.T) {
		// Arrange
		var f = newFixture(t, 0, []transport.Endpoint{"a", "b"})

		// Act
		var err = f.s.SendSync(context.Background(), []byte("x"), 9)

		// Assert
		assert.ErrorIs(t, err, ErrUnknownPeer)
	})

	t.Run("should block a send until the receiver acks", func(t *testing.T) {
		// Arrange
		var f = newFixture(t, 0, []transport.Endpoint{"a", "b"})
		var done = make(chan error, 1)
		go func() { done <- f.s.SendSync(context.Background(), []byte("ping"), 1) }()

		var out = expectSent(t, f.sends)
		assert.Equal(t, transport.Endpoint("b"), out.dest)
		assert.Equal(t, transport.SyncTagged, out.env.Kind)
		assert.Equal(t, []byte("ping"), out.env.Payload)

		select {
		case err := <-done:
			t.Fatalf("send returned before the ack: %v", err)
		case <-time.After(50 * time.Millisecond):
		}

		// Act
		f.s.handleAck(ackFor("b", out.env))

		// Assert
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("send never unblocked")
		}
	})

	t.Run("should not ack a tagged message before it is consumed", func(t *testing.T) {
		// Arrange
		var f = newFixture(t, 0, []transport.Endpoint{"a", "b"})

		// Act
		f.s.handleTagged(taggedFrom("b", 1, []byte("hi"), 5))

		// Assert: delivery to the transport is not consumption.
		expectNothingSent(t, f.sends)
	})

	t.Run("should hand a buffered message to the receiver and ack it", func(t *testing.T) {
		// Arrange
		var f = newFixture(t, 0, []transport.Endpoint{"a", "b"})
		f.s.handleTagged(taggedFrom("b", 1, []byte("hi"), 5))

		// Act
		var payload, err = f.s.RecvSync(context.Background(), 1)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []byte("hi"), payload)

		var out = expectSent(t, f.sends)
		assert.Equal(t, transport.Endpoint("b"), out.dest)
		assert.Equal(t, transport.SyncAck, out.env.Kind)
	})

	t.Run("should park a receiver until the message arrives", func(t *testing.T) {
		// Arrange
		var (
			f       = newFixture(t, 0, []transport.Endpoint{"a", "b"})
			payload []byte
			done    = make(chan error, 1)
		)
		go func() {
			var p, err = f.s.RecvSync(context.Background(), 1)
			payload = p
			done <- err
		}()
		expectNothingSent(t, f.sends)

		// Act
		f.s.handleTagged(taggedFrom("b", 1, []byte("late"), 3))

		// Assert
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("receive never unblocked")
		}
		assert.Equal(t, []byte("late"), payload)
	})

	t.Run("should merge the message timestamp into the clock on consumption", func(t *testing.T) {
		// Arrange
		var f = newFixture(t, 0, []transport.Endpoint{"a", "b"})
		f.s.handleTagged(taggedFrom("b", 1, []byte("hi"), 41))

		// Act
		var _, err = f.s.RecvSync(context.Background(), 1)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, uint64(42), f.clock.Now())
	})

	t.Run("should reject two receivers on the same sender", func(t *testing.T) {
		// Arrange
		var f = newFixture(t, 0, []transport.Endpoint{"a", "b"})
		var ctx, cancel = context.WithCancel(context.Background())
		defer cancel()
		go func() { _, _ = f.s.RecvSync(ctx, 1) }()

		assert.Eventually(t, func() bool {
			f.s.mu.Lock()
			defer f.s.mu.Unlock()
			return f.s.waiters["b"] != nil
		}, time.Second, time.Millisecond)

		// Act
		var _, err = f.s.RecvSync(context.Background(), 1)

		// Assert
		assert.Error(t, err)
	})

	t.Run("should fail a pending send when the destination dies", func(t *testing.T) {
		// Arrange
		var f = newFixture(t, 0, []transport.Endpoint{"a", "b"})
		var done = make(chan error, 1)
		go func() { done <- f.s.SendSync(context.Background(), []byte("ping"), 1) }()
		expectSent(t, f.sends)

		// Act
		var _, ok = f.view.removeByEndpoint("b")
		require.True(t, ok)

		// Assert
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrPeerDied)
		case <-time.After(time.Second):
			t.Fatal("send never unblocked")
		}
	})

	t.Run("should fail a parked receiver when the sender dies", func(t *testing.T) {
		// Arrange
		var f = newFixture(t, 0, []transport.Endpoint{"a", "b"})
		var done = make(chan error, 1)
		go func() {
			var _, err = f.s.RecvSync(context.Background(), 1)
			done <- err
		}()

		assert.Eventually(t, func() bool {
			f.s.mu.Lock()
			defer f.s.mu.Unlock()
			return f.s.waiters["b"] != nil
		}, time.Second, time.Millisecond)

		// Act
		f.view.removeByEndpoint("b")

		// Assert
		select {
		case err := <-done:
			assert.ErrorIs(t, err, ErrPeerDied)
		case <-time.After(time.Second):
			t.Fatal("receive never unblocked")
		}
	})

	t.Run("should complete a broadcast once every peer acked or died", func(t *testing.T) {
		// Arrange
		var (
			f      = newFixture(t, 0, []transport.Endpoint{"a", "b", "c"})
			result []byte
			done   = make(chan error, 1)
		)
		go func() {
			var p, err = f.s.BroadcastSync(context.Background(), []byte("all"), 0)
			result = p
			done <- err
		}()

		var env transport.Envelope
		select {
		case env = <-f.broadcasts:
		case <-time.After(time.Second):
			t.Fatal("broadcast never went out")
		}

		// Act: "b" acks, "c" dies mid wait.
		f.s.handleAck(ackFor("b", env))
		select {
		case err := <-done:
			t.Fatalf("broadcast returned before full coverage: %v", err)
		case <-time.After(50 * time.Millisecond):
		}
		f.view.removeByEndpoint("c")

		// Assert
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("broadcast never unblocked")
		}
		assert.Equal(t, []byte("all"), result)
	})

	t.Run("should return the origin payload to non origin callers", func(t *testing.T) {
		// Arrange: self is "b", the origin is id 0 at "a".
		var f = newFixture(t, 1, []transport.Endpoint{"a", "b"})
		var (
			result []byte
			done   = make(chan error, 1)
		)
		go func() {
			var p, err = f.s.BroadcastSync(context.Background(), nil, 0)
			result = p
			done <- err
		}()

		assert.Eventually(t, func() bool {
			f.s.mu.Lock()
			defer f.s.mu.Unlock()
			return f.s.waiters["a"] != nil
		}, time.Second, time.Millisecond)

		// Act
		f.s.handleTagged(taggedFrom("a", 0, []byte("from-origin"), 7))

		// Assert
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("broadcast receive never unblocked")
		}
		assert.Equal(t, []byte("from-origin"), result)

		var out = expectSent(t, f.sends)
		assert.Equal(t, transport.Endpoint("a"), out.dest)
		assert.Equal(t, transport.SyncAck, out.env.Kind)
	})

	t.Run("should complete a broadcast with no peers immediately", func(t *testing.T) {
		// Arrange
		var f = newFixture(t, 0, []transport.Endpoint{"a"})

		// Act
		var payload, err = f.s.BroadcastSync(context.Background(), []byte("solo"), 0)

		// Assert
		require.NoError(t, err)
		assert.Equal(t, []byte("solo"), payload)
	})

	t.Run("should settle a registration against an endpoint that already died", func(t *testing.T) {
		// Arrange: the death notice was applied after the caller resolved the
		// endpoint but before the pending op was registered.
		var f = newFixture(t, 0, []transport.Endpoint{"a", "b"})
		f.view.removeByEndpoint("b")

		// Act
		var _, pw = f.s.register(map[transport.Endpoint]bool{"b": true}, true)

		// Assert: settled on the spot, not parked until the caller's ctx fires.
		select {
		case <-pw.done:
			assert.ErrorIs(t, pw.err, ErrPeerDied)
		default:
			t.Fatal("registration against a dead endpoint was left pending")
		}
	})

	t.Run("should satisfy a broadcast registration whose peers all died", func(t *testing.T) {
		// Arrange
		var f = newFixture(t, 0, []transport.Endpoint{"a", "b"})
		f.view.removeByEndpoint("b")

		// Act
		var _, pw = f.s.register(map[transport.Endpoint]bool{"b": true}, false)

		// Assert
		select {
		case <-pw.done:
			assert.NoError(t, pw.err)
		default:
			t.Fatal("broadcast registration with no live peers was left pending")
		}
	})

	t.Run("should requeue a message that raced a cancelled receive", func(t *testing.T) {
		// Arrange: a parked waiter whose message arrived in the same instant
		// its context fired, leaving the payload in the waiter's channel.
		var f = newFixture(t, 0, []transport.Endpoint{"a", "b"})
		var w = &recvWaiter{
			msgCh: make(chan taggedMsg, 1),
			errCh: make(chan error, 1),
		}
		f.s.mu.Lock()
		f.s.waiters["b"] = w
		f.s.mu.Unlock()
		f.s.handleTagged(taggedFrom("b", 1, []byte("raced"), 2))

		// Act: the cancelled caller's cleanup path.
		f.s.removeWaiter("b", w)

		// Assert: a retried receive consumes and acks the message; the sender
		// is not left blocked on an ack that will never come.
		var payload, err = f.s.RecvSync(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, []byte("raced"), payload)

		var out = expectSent(t, f.sends)
		assert.Equal(t, transport.Endpoint("b"), out.dest)
		assert.Equal(t, transport.SyncAck, out.env.Kind)
	})

	t.Run("should ignore an ack for an unknown correlation id", func(t *testing.T) {
		// Arrange
		var f = newFixture(t, 0, []transport.Endpoint{"a", "b"})

		// Act & Assert: no panic, no state.
		f.s.handleAck(transport.Envelope{
			Kind:           transport.SyncAck,
			SenderEndpoint: "b",
			CorrOrigin:     "ghost",
			CorrSeq:        99,
		})
		expectNothingSent(t, f.sends)
	})
}
