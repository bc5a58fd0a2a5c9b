package hierarchy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheSetGet(t *testing.T) {
	c := NewContextCache(CacheConfig{})

	c.Set("repo:layout", "cmd/ internal/ docs/", SetOptions{ContextType: "filesystem", OwnerAgent: "agent-1"})

	got, ok := c.Get("repo:layout")
	require.True(t, ok)
	assert.Equal(t, "cmd/ internal/ docs/", got)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	s := c.Stats()
	assert.EqualValues(t, 1, s.Hits)
	assert.EqualValues(t, 1, s.Misses)
	assert.InDelta(t, 50.0, s.HitRate, 0.01)
}

func TestCacheTTLExpiry(t *testing.T) {
	c := NewContextCache(CacheConfig{})

	c.Set("ephemeral", "gone soon", SetOptions{TTL: 20 * time.Millisecond})
	_, ok := c.Get("ephemeral")
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)
	_, ok = c.Get("ephemeral")
	assert.False(t, ok, "expired entries read as misses")
	assert.False(t, c.Has("ephemeral"))
	assert.Zero(t, c.Stats().Entries)
}

func TestCacheEntryCountEviction(t *testing.T) {
	c := NewContextCache(CacheConfig{MaxEntries: 2})

	c.Set("low", "x", SetOptions{Priority: 0})
	c.Set("high", "y", SetOptions{Priority: 9})
	c.Set("mid", "z", SetOptions{Priority: 5})

	assert.False(t, c.Has("low"), "lowest retention weight evicted first")
	assert.True(t, c.Has("high"))
	assert.True(t, c.Has("mid"))
	assert.EqualValues(t, 1, c.Stats().Evictions)
}

func TestCacheAccessCountProtectsHotEntries(t *testing.T) {
	c := NewContextCache(CacheConfig{MaxEntries: 2})

	c.Set("hot", "a", SetOptions{Priority: 0})
	c.Set("cold", "b", SetOptions{Priority: 0})
	for i := 0; i < 20; i++ {
		c.Get("hot")
	}

	c.Set("new", "c", SetOptions{Priority: 0})
	assert.True(t, c.Has("hot"))
	assert.False(t, c.Has("cold"))
}

func TestCacheMemoryBoundEviction(t *testing.T) {
	c := NewContextCache(CacheConfig{MaxMemoryBytes: 100, MaxEntries: 100})

	big := make([]byte, 60)
	for i := range big {
		big[i] = 'a'
	}
	c.Set("one", string(big), SetOptions{})
	c.Set("two", string(big), SetOptions{})

	s := c.Stats()
	assert.LessOrEqual(t, s.MemoryBytes, int64(100))
	assert.EqualValues(t, 1, s.Evictions)
	assert.True(t, c.Has("two"))
}

func TestCacheShareable(t *testing.T) {
	c := NewContextCache(CacheConfig{})

	c.Set("notes", "private", SetOptions{OwnerAgent: "agent-1"})
	_, ok := c.GetShareable("notes", "agent-2")
	assert.False(t, ok, "not shareable yet")

	require.True(t, c.MarkShareable("notes"))
	got, ok := c.GetShareable("notes", "agent-2")
	require.True(t, ok)
	assert.Equal(t, "private", got)

	_, ok = c.GetShareable("notes", "agent-1")
	assert.False(t, ok, "owners read through Get, not GetShareable")

	c.Set("shared-at-birth", "v", SetOptions{OwnerAgent: "agent-1", Shareable: true})
	_, ok = c.GetShareable("shared-at-birth", "agent-3")
	assert.True(t, ok)
}

func TestCacheInvalidate(t *testing.T) {
	c := NewContextCache(CacheConfig{})

	c.Set("a", "1", SetOptions{ContextType: "filesystem", OwnerAgent: "agent-1"})
	c.Set("b", "2", SetOptions{ContextType: "filesystem", OwnerAgent: "agent-2"})
	c.Set("c", "3", SetOptions{ContextType: "git", OwnerAgent: "agent-1"})

	assert.Equal(t, 1, c.Invalidate(InvalidateFilter{ContextType: "filesystem", AgentID: "agent-2"}))
	assert.Equal(t, 1, c.Invalidate(InvalidateFilter{ContextType: "filesystem"}))
	assert.Equal(t, 1, c.Invalidate(InvalidateFilter{AgentID: "agent-1"}))
	assert.Zero(t, c.Stats().Entries)
}

func TestGetOrSetContext(t *testing.T) {
	c := NewContextCache(CacheConfig{})

	fetches := 0
	fetch := func() (string, error) {
		fetches++
		return "fetched", nil
	}

	got, err := c.GetOrSetContext("key", SetOptions{}, fetch)
	require.NoError(t, err)
	assert.Equal(t, "fetched", got)

	got, err = c.GetOrSetContext("key", SetOptions{}, fetch)
	require.NoError(t, err)
	assert.Equal(t, "fetched", got)
	assert.Equal(t, 1, fetches, "second call is a cache hit")

	_, err = c.GetOrSetContext("bad", SetOptions{}, func() (string, error) {
		return "", errors.New("upstream down")
	})
	assert.Error(t, err)
	assert.False(t, c.Has("bad"), "failed fetches are not cached")
}

func TestCacheDelete(t *testing.T) {
	c := NewContextCache(CacheConfig{})
	c.Set("k", "v", SetOptions{})
	assert.True(t, c.Delete("k"))
	assert.False(t, c.Delete("k"))
	assert.Zero(t, c.Stats().MemoryBytes)
}
