package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyedLimiter_Allow(t *testing.T) {
	l := NewKeyedLimiter(time.Hour)
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	// Keys are independent.
	assert.True(t, l.Allow("b"))
	assert.Equal(t, 2, l.Len())
}

func TestKeyedLimiter_Disabled(t *testing.T) {
	l := NewKeyedLimiter(0)
	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("a"))
	}
}

func TestKeyedLimiter_Forget(t *testing.T) {
	l := NewKeyedLimiter(time.Hour)
	assert.True(t, l.Allow("a"))
	l.Forget("a")
	assert.True(t, l.Allow("a"))
}

func TestKeyedLimiter_NextAllowed(t *testing.T) {
	l := NewKeyedLimiter(time.Minute)
	before := time.Now()
	assert.True(t, l.Allow("a"))
	next := l.NextAllowed("a")
	assert.True(t, next.After(before.Add(59*time.Second)))
	// Unknown key may proceed immediately.
	assert.False(t, l.NextAllowed("unknown").After(time.Now().Add(time.Second)))
}
