package ringsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"go-ringsync/transport"
)

func TestFailureDetector(t *testing.T) {
	var (
		base    = time.Now()
		members = []member{
			{ID: 0, Endpoint: "self"},
			{ID: 1, Endpoint: "b"},
			{ID: 2, Endpoint: "c"},
		}
	)

	t.Run("should report nobody while everyone is fresh", func(t *testing.T) {
		// Arrange
		var sut = newFailureDetector(time.Second)
		sut.observe("b", base)
		sut.observe("c", base)

		// Act
		var overdue = sut.sweep(members, "self", base.Add(500*time.Millisecond))

		// Assert
		assert.Empty(t, overdue)
	})

	t.Run("should report a peer silent past the timeout", func(t *testing.T) {
		// Arrange
		var sut = newFailureDetector(time.Second)
		sut.observe("b", base)
		sut.observe("c", base.Add(2*time.Second))

		// Act
		var overdue = sut.sweep(members, "self", base.Add(2*time.Second))

		// Assert
		assert.Equal(t, []transport.Endpoint{"b"}, overdue)
	})

	t.Run("should never report self", func(t *testing.T) {
		// Arrange
		var sut = newFailureDetector(time.Second)
		sut.observe("self", base)
		sut.observe("b", base.Add(time.Hour))
		sut.observe("c", base.Add(time.Hour))

		// Act
		var overdue = sut.sweep(members, "self", base.Add(time.Hour))

		// Assert
		assert.Empty(t, overdue)
	})

	t.Run("should seed an unknown member instead of declaring it", func(t *testing.T) {
		// Arrange: "c" entered the view but never produced a heartbeat.
		var sut = newFailureDetector(time.Second)
		sut.observe("b", base)

		// Act
		var first = sut.sweep(members, "self", base.Add(10*time.Second))
		var second = sut.sweep(members, "self", base.Add(12*time.Second))

		// Assert: the first sweep starts c's clock, the second expires it.
		assert.Equal(t, []transport.Endpoint{"b"}, first)
		assert.ElementsMatch(t, []transport.Endpoint{"b", "c"}, second)
	})

	t.Run("should restart the clock of a forgotten peer", func(t *testing.T) {
		// Arrange: b was removed and later re-admitted to the view.
		var sut = newFailureDetector(time.Second)
		sut.observe("b", base)
		sut.forget("b")

		// Act
		var overdue = sut.sweep(members[:2], "self", base.Add(10*time.Second))

		// Assert: the stale record is gone, so b is seeded, not declared.
		assert.Empty(t, overdue)
	})
}
