package retriever

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestResultCache_HitWithinTTL(t *testing.T) {
	now := fixedNow()
	c := NewResultCache(10*time.Second, 4, func() time.Time { return now })

	req := Request{Namespace: "ns", SessionID: "s1", MaxMemories: 5, UserInput: "  hello  "}
	res := Result{Context: "cached"}
	c.Put(req, res)

	// Trimmed input normalizes to the same key.
	got, ok := c.Get(Request{Namespace: "ns", SessionID: "s1", MaxMemories: 5, UserInput: "hello"})
	assert.True(t, ok)
	assert.Equal(t, "cached", got.Context)
}

func TestResultCache_ExpiresAfterTTL(t *testing.T) {
	now := fixedNow()
	c := NewResultCache(10*time.Second, 4, func() time.Time { return now })

	req := Request{Namespace: "ns", SessionID: "s1", MaxMemories: 5, UserInput: "hello"}
	c.Put(req, Result{Context: "cached"})

	now = now.Add(11 * time.Second)
	_, ok := c.Get(req)
	assert.False(t, ok)
}

func TestResultCache_EvictsOldestWhenFull(t *testing.T) {
	now := fixedNow()
	c := NewResultCache(time.Minute, 2, func() time.Time { return now })

	first := Request{Namespace: "ns", SessionID: "s1", MaxMemories: 5, UserInput: "a"}
	c.Put(first, Result{Context: "a"})
	now = now.Add(time.Second)
	c.Put(Request{Namespace: "ns", SessionID: "s1", MaxMemories: 5, UserInput: "b"}, Result{Context: "b"})
	now = now.Add(time.Second)
	c.Put(Request{Namespace: "ns", SessionID: "s1", MaxMemories: 5, UserInput: "c"}, Result{Context: "c"})

	_, ok := c.Get(first)
	assert.False(t, ok)
}

func TestResultCache_NilAndDisabledAreNoops(t *testing.T) {
	var c *ResultCache
	req := Request{Namespace: "ns", UserInput: "x"}
	c.Put(req, Result{})
	_, ok := c.Get(req)
	assert.False(t, ok)

	disabled := NewResultCache(0, 4, nil)
	disabled.Put(req, Result{})
	_, ok = disabled.Get(req)
	assert.False(t, ok)
}
