package guardrails

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBodyLimiter(t *testing.T) {
	b := BodyLimiter{MaxBytes: 1024}
	assert.True(t, b.Allows(0))
	assert.True(t, b.Allows(1024))
	assert.False(t, b.Allows(1025))
}

func TestRateLimiter_WindowReset(t *testing.T) {
	rl := NewRateLimiter(time.Minute, 2)
	now := time.Unix(1700000000, 0)

	ok, _ := rl.Allow("k", now)
	assert.True(t, ok)
	ok, _ = rl.Allow("k", now)
	assert.True(t, ok)
	ok, retry := rl.Allow("k", now)
	assert.False(t, ok)
	assert.Greater(t, retry, 0)

	later := now.Add(time.Minute + time.Second)
	ok, _ = rl.Allow("k", later)
	assert.True(t, ok)
}

func TestBacklogPolicy_PrecedenceOrder(t *testing.T) {
	p := BacklogPolicy{
		ReadOnlyPendingThreshold: 100,
		RejectPendingThreshold:   50,
		DelayPendingThreshold:    10,
		DelaySeconds:             30,
	}

	mode, _ := p.Evaluate(5)
	assert.Equal(t, BacklogOK, mode)

	mode, delay := p.Evaluate(10)
	assert.Equal(t, BacklogDelayed, mode)
	assert.Equal(t, 30, delay)

	mode, _ = p.Evaluate(50)
	assert.Equal(t, BacklogReject, mode)

	mode, _ = p.Evaluate(100)
	assert.Equal(t, BacklogReadOnly, mode)
}

func TestDisabledNamespaces(t *testing.T) {
	d := NewDisabledNamespaces([]string{"ns1", "", "ns2"})
	assert.True(t, d.Disabled("ns1"))
	assert.True(t, d.Disabled("ns2"))
	assert.False(t, d.Disabled("ns3"))
}

func TestSampleBucket_Deterministic(t *testing.T) {
	b1 := SampleBucket("ns", "sess", 3)
	b2 := SampleBucket("ns", "sess", 3)
	assert.Equal(t, b1, b2)
	assert.GreaterOrEqual(t, b1, 0.0)
	assert.Less(t, b1, 1.0)

	b3 := SampleBucket("ns", "sess", 4)
	assert.NotEqual(t, b1, b3)
}

func TestSampled(t *testing.T) {
	assert.True(t, Sampled(0.1, 1.0))
	assert.False(t, Sampled(0.99, 0.5))
	assert.True(t, Sampled(0.0, 0.0001))
}

func TestSessionThrottle(t *testing.T) {
	th := NewSessionThrottle(time.Second)
	now := time.Unix(1700000000, 0)

	ok, _ := th.Allow("k", now)
	assert.True(t, ok)

	ok, retry := th.Allow("k", now.Add(500*time.Millisecond))
	assert.False(t, ok)
	assert.Greater(t, retry, 0)

	ok, _ = th.Allow("k", now.Add(2*time.Second))
	assert.True(t, ok)
}

func TestSessionThrottle_Disabled(t *testing.T) {
	th := NewSessionThrottle(0)
	ok, _ := th.Allow("k", time.Now())
	assert.True(t, ok)
	ok, _ = th.Allow("k", time.Now())
	assert.True(t, ok)
}

func TestNamespaceConcurrency(t *testing.T) {
	nc := NewNamespaceConcurrency(1)

	release1, ok := nc.Acquire("ns")
	assert.True(t, ok)

	_, ok = nc.Acquire("ns")
	assert.False(t, ok)

	release1()

	release2, ok := nc.Acquire("ns")
	assert.True(t, ok)
	release2()
}

func TestNamespaceConcurrency_Unlimited(t *testing.T) {
	nc := NewNamespaceConcurrency(0)
	_, ok := nc.Acquire("ns")
	assert.True(t, ok)
	_, ok = nc.Acquire("ns")
	assert.True(t, ok)
}
