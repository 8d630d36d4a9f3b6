package cache

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestEntriesExpireUnlessRefreshed(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := NewTTL[string](nil, fc, time.Minute, time.Second)

	c.Put("a", "relay-1")
	c.Put("b", "relay-2")
	fc.Advance(40 * time.Second)
	c.Put("b", "relay-2")
	fc.Advance(40 * time.Second)

	_, ok := c.Get("a")
	assert.False(t, ok)
	v, ok := c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, "relay-2", v)

	assert.Equal(t, 1, c.EvictExpired())
	assert.Equal(t, 1, c.Len())
}

func TestRemoveIf(t *testing.T) {
	c := NewTTL[string](nil, clockwork.NewFakeClock(), 0, 0)
	c.Put("a", "x")
	c.Put("b", "y")
	c.Put("c", "x")

	assert.Equal(t, 2, c.RemoveIf(func(_ string, v string) bool { return v == "x" }))

	var keys []string
	c.Range(func(k, _ string) bool {
		keys = append(keys, k)
		return true
	})
	assert.Equal(t, []string{"b"}, keys)
}
