package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func TestFixedWindow_LimitsPerKey(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	l := NewFixedWindow(2, time.Minute, clock.Now)

	assert.True(t, l.Allow("u1").Allowed)
	assert.True(t, l.Allow("u1").Allowed)

	d := l.Allow("u1")
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.RetryAfter)

	// Other identities have their own window.
	assert.True(t, l.Allow("u2").Allowed)
}

func TestFixedWindow_ResetsAfterWindow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	l := NewFixedWindow(1, time.Minute, clock.Now)

	assert.True(t, l.Allow("u1").Allowed)
	clock.Advance(30 * time.Second)
	d := l.Allow("u1")
	assert.False(t, d.Allowed)
	assert.Equal(t, 30*time.Second, d.RetryAfter)

	clock.Advance(30 * time.Second)
	assert.True(t, l.Allow("u1").Allowed)
}

func TestFixedWindow_Prune(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	l := NewFixedWindow(5, time.Minute, clock.Now)
	l.Allow("a")
	l.Allow("b")

	assert.Equal(t, 0, l.Prune())
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, l.Prune())
}
