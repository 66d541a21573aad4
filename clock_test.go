package ringsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogicalClock(t *testing.T) {
	t.Run("should start at zero", func(t *testing.T) {
		// Arrange
		var sut = &LogicalClock{}

		// Act & Assert
		assert.Equal(t, uint64(0), sut.Now())
	})

	t.Run("should strictly increase on every tick", func(t *testing.T) {
		// Arrange
		var sut = &LogicalClock{}

		// Act & Assert
		var prev = sut.Now()
		for n := 0; n < 100; n++ {
			var next = sut.Tick()
			assert.Greater(t, next, prev)
			prev = next
		}
	})

	t.Run("should merge a larger remote timestamp", func(t *testing.T) {
		// Arrange
		var sut = &LogicalClock{}
		sut.Tick()

		// Act
		var got = sut.Observe(41)

		// Assert
		assert.Equal(t, uint64(42), got)
		assert.Equal(t, uint64(42), sut.Now())
	})

	t.Run("should still advance past a smaller remote timestamp", func(t *testing.T) {
		// Arrange
		var sut = &LogicalClock{}
		for n := 0; n < 10; n++ {
			sut.Tick()
		}

		// Act
		var got = sut.Observe(3)

		// Assert
		assert.Equal(t, uint64(11), got)
	})

	t.Run("should never decrease across mixed ticks and observes", func(t *testing.T) {
		// Arrange
		var sut = &LogicalClock{}

		// Act & Assert
		var prev uint64
		var remotes = []uint64{5, 2, 17, 17, 3, 99, 0}
		for _, remote := range remotes {
			var afterObserve = sut.Observe(remote)
			assert.Greater(t, afterObserve, prev)
			var afterTick = sut.Tick()
			assert.Greater(t, afterTick, afterObserve)
			prev = afterTick
		}
	})
}
