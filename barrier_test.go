package ringsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-ringsync/transport"
)

func TestBarrierCoordinator(t *testing.T) {
	type fixture struct {
		b        *barrierCoordinator
		view     *view
		announce chan uint64
		releases chan uint64
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
				announce   = make(chan uint64, 16)
				releases   = make(chan uint64, 16)
				shutdownCh = make(chan struct{})
			)
			var b = newBarrierCoordinator(v, defaultOptions(),
				func(round uint64) { announce <- round },
				func(round uint64) { releases <- round },
				shutdownCh)
			v.setOnChange(func(uint64, viewChange) { b.onViewChange() })

			t.Cleanup(func() { close(shutdownCh) })
			return &fixture{b: b, view: v, announce: announce, releases: releases}
		}
		synchronize = func(f *fixture) chan error {
			var done = make(chan error, 1)
			go func() { done <- f.b.Synchronize(context.Background()) }()
			return done
		}
		expectBlocked = func(t *testing.T, done chan error) {
			select {
			case err := <-done:
				t.Fatalf("barrier completed early: %v", err)
			case <-time.After(50 * time.Millisecond):
			}
		}
		expectDone = func(t *testing.T, done chan error) {
			select {
			case err := <-done:
				require.NoError(t, err)
			case <-time.After(time.Second):
				t.Fatal("barrier never completed")
			}
		}
		expectRound = func(t *testing.T, ch chan uint64, want uint64) {
			select {
			case round := <-ch:
				assert.Equal(t, want, round)
			case <-time.After(time.Second):
				t.Fatal("expected a round broadcast")
			}
		}
	)

	t.Run("should complete immediately as sole member", func(t *testing.T) {
		// Arrange
		var f = newFixture(t, 0, []transport.Endpoint{"a"})

		// Act
		var err = f.b.Synchronize(context.Background())

		// Assert
		require.NoError(t, err)
		expectRound(t, f.announce, 1)
		expectRound(t, f.releases, 1)
	})

	t.Run("should block until every group member has arrived", func(t *testing.T) {
		// Arrange
		var f = newFixture(t, 0, []transport.Endpoint{"a", "b", "c"})
		var done = synchronize(f)
		expectRound(t, f.announce, 1)

		// Act & Assert
		expectBlocked(t, done)

		f.b.handleArrive("b", 1)
		expectBlocked(t, done)

		f.b.handleArrive("c", 1)
		expectDone(t, done)
		expectRound(t, f.releases, 1)
	})

	t.Run("should unblock on a release without broadcasting its own", func(t *testing.T) {
		// Arrange
		var f = newFixture(t, 0, []transport.Endpoint{"a", "b"})
		var done = synchronize(f)
		expectRound(t, f.announce, 1)
		expectBlocked(t, done)

		// Act: a peer with full coverage released the round for everyone.
		f.b.handleRelease(1)

		// Assert
		expectDone(t, done)
		select {
		case round := <-f.releases:
			t.Fatalf("redundant release broadcast for round %d", round)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("should stop waiting for a peer that dies mid round", func(t *testing.T) {
		// Arrange
		var f = newFixture(t, 0, []transport.Endpoint{"a", "b", "c"})
		var done = synchronize(f)
		expectRound(t, f.announce, 1)

		f.b.handleArrive("b", 1)
		expectBlocked(t, done)

		// Act: "c" never arrives and is declared dead.
		var _, ok = f.view.removeByEndpoint("c")
		require.True(t, ok)

		// Assert
		expectDone(t, done)
		expectRound(t, f.releases, 1)
	})

	t.Run("should keep an early arrival for a round not yet entered", func(t *testing.T) {
		// Arrange
		var f = newFixture(t, 0, []transport.Endpoint{"a", "b"})

		// Act: "b" reaches the barrier before we do.
		f.b.handleArrive("b", 1)
		var done = synchronize(f)

		// Assert
		expectDone(t, done)
		expectRound(t, f.releases, 1)
	})

	t.Run("should catch up to a round the group already released", func(t *testing.T) {
		// Arrange: a joiner observes the release of round 3 before its first call.
		var f = newFixture(t, 0, []transport.Endpoint{"a", "b"})
		f.b.handleRelease(3)

		// Act
		var err = f.b.Synchronize(context.Background())

		// Assert
		require.NoError(t, err)
		expectRound(t, f.announce, 3)
	})

	t.Run("should not count a stale arrival toward the next round", func(t *testing.T) {
		// Arrange: finish round 1 first.
		var f = newFixture(t, 0, []transport.Endpoint{"a", "b"})
		var done = synchronize(f)
		f.b.handleArrive("b", 1)
		expectDone(t, done)

		// Act: a duplicate arrival for the finished round, then round 2.
		f.b.handleArrive("b", 1)
		done = synchronize(f)

		// Assert
		expectBlocked(t, done)
		f.b.handleArrive("b", 2)
		expectDone(t, done)
	})

	t.Run("should reject overlapping synchronize calls", func(t *testing.T) {
		// Arrange
		var f = newFixture(t, 0, []transport.Endpoint{"a", "b"})
		var done = synchronize(f)
		expectRound(t, f.announce, 1)
		expectBlocked(t, done)

		// Act
		var err = f.b.Synchronize(context.Background())

		// Assert
		assert.Error(t, err)
	})

	t.Run("should abandon the wait on context cancellation", func(t *testing.T) {
		// Arrange
		var f = newFixture(t, 0, []transport.Endpoint{"a", "b"})
		var ctx, cancel = context.WithCancel(context.Background())
		var done = make(chan error, 1)
		go func() { done <- f.b.Synchronize(ctx) }()
		expectRound(t, f.announce, 1)

		// Act
		cancel()

		// Assert
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("Synchronize never unblocked")
		}

		// A retry enters the next round cleanly.
		var retry = synchronize(f)
		expectRound(t, f.announce, 2)
		expectBlocked(t, retry)
		f.b.handleArrive("b", 2)
		expectDone(t, retry)
	})
}
