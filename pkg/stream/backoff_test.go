package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelays(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second, 2)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.Next(), "attempt %d", i)
	}
	assert.Equal(t, len(want), b.Attempts())

	b.Reset()
	assert.Equal(t, 0, b.Attempts())
	assert.Equal(t, time.Second, b.Next())
}

func TestBackoffMultiplierBelowOne(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second, 0.5)
	assert.Equal(t, time.Second, b.Next())
	assert.Equal(t, time.Second, b.Next())
}

func TestBackoffLargeAttemptStaysCapped(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second, 2)
	for i := 0; i < 2000; i++ {
		b.Next()
	}
	assert.Equal(t, 30*time.Second, b.Next())
}
