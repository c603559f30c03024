// Package guardrails implements the request-scoped middleware chain that
// protects the ingress surface: body-size limits, rate limiting, backlog
// shedding, disabled-namespace skipping, deterministic sampling, per-session
// throttling and per-namespace concurrency limiting. Each check is a small
// standalone type rather than a monolithic echo.MiddlewareFunc, since several
// of them (backlog shedding, sampling) need to be invoked mid-handler with
// values only known after JSON decode, not purely as path-based middleware.
package guardrails

import (
	"encoding/binary"
	"encoding/hex"
	"sync"
	"time"

	"github.com/deep-memory/server/internal/hashutil"
)

// BodyLimiter rejects oversized request bodies before they are read.
type BodyLimiter struct {
	MaxBytes int64
}

// Allows reports whether contentLength is within the configured limit.
// A negative or zero contentLength (unknown) is always allowed; the actual
// io.LimitReader guard during JSON decode is the authoritative backstop.
func (b BodyLimiter) Allows(contentLength int64) bool {
	return contentLength <= 0 || contentLength <= b.MaxBytes
}

// RateLimiter is a fixed-window counter keyed by an arbitrary string
// (typically "{keyId}:{route}").
type RateLimiter struct {
	window time.Duration
	limit  int

	mu      sync.Mutex
	buckets map[string]*windowBucket
}

type windowBucket struct {
	windowStart time.Time
	count       int
}

// NewRateLimiter builds a RateLimiter allowing up to limit requests per
// window for each distinct key.
func NewRateLimiter(window time.Duration, limit int) *RateLimiter {
	return &RateLimiter{
		window:  window,
		limit:   limit,
		buckets: make(map[string]*windowBucket),
	}
}

// Allow reports whether a request for key is permitted at time now, and if
// not, how many seconds the caller should wait before retrying.
func (r *RateLimiter) Allow(key string, now time.Time) (ok bool, retryAfterSeconds int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, exists := r.buckets[key]
	if !exists || now.Sub(b.windowStart) >= r.window {
		r.buckets[key] = &windowBucket{windowStart: now, count: 1}
		return true, 0
	}

	if b.count < r.limit {
		b.count++
		return true, 0
	}

	windowEnd := b.windowStart.Add(r.window)
	remaining := windowEnd.Sub(now)
	seconds := int(remaining / time.Second)
	if remaining%time.Second > 0 {
		seconds++
	}
	if seconds < 0 {
		seconds = 0
	}
	return false, seconds
}

// BacklogMode is the outcome of evaluating BacklogPolicy against the
// current queue depth.
type BacklogMode string

const (
	BacklogOK        BacklogMode = "ok"
	BacklogReadOnly  BacklogMode = "read_only"
	BacklogReject    BacklogMode = "reject"
	BacklogDelayed   BacklogMode = "delayed"
)

// BacklogPolicy implements the three layered update-backlog thresholds,
// evaluated in read-only, reject, delay order so the strictest applicable
// shedding mode wins.
type BacklogPolicy struct {
	ReadOnlyPendingThreshold int
	RejectPendingThreshold   int
	DelayPendingThreshold    int
	DelaySeconds             int
}

// Evaluate returns the shedding mode for the given pendingApprox queue
// depth, and the delaySeconds to apply when the mode is BacklogDelayed.
func (p BacklogPolicy) Evaluate(pendingApprox int) (mode BacklogMode, delaySeconds int) {
	if p.ReadOnlyPendingThreshold > 0 && pendingApprox >= p.ReadOnlyPendingThreshold {
		return BacklogReadOnly, p.DelaySeconds
	}
	if p.RejectPendingThreshold > 0 && pendingApprox >= p.RejectPendingThreshold {
		return BacklogReject, 0
	}
	if p.DelayPendingThreshold > 0 && pendingApprox >= p.DelayPendingThreshold {
		return BacklogDelayed, p.DelaySeconds
	}
	return BacklogOK, 0
}

// DisabledNamespaces is a simple set membership check for
// UPDATE_DISABLED_NAMESPACES.
type DisabledNamespaces struct {
	set map[string]struct{}
}

// NewDisabledNamespaces builds the set from a configured namespace list.
func NewDisabledNamespaces(namespaces []string) DisabledNamespaces {
	set := make(map[string]struct{}, len(namespaces))
	for _, ns := range namespaces {
		if ns == "" {
			continue
		}
		set[ns] = struct{}{}
	}
	return DisabledNamespaces{set: set}
}

// Disabled reports whether writes to ns are disabled.
func (d DisabledNamespaces) Disabled(ns string) bool {
	_, ok := d.set[ns]
	return ok
}

// SampleBucket computes the deterministic [0,1) sampling bucket for a
// session update: hexToInt(stableHash(key)[0:8]) mod 10000 / 10000.
func SampleBucket(namespace, sessionID string, messageCount int) float64 {
	key := namespace + "::" + sessionID + "::" + itoa(messageCount)
	h := hashutil.StableHashHex(key)[:8]
	raw, err := hex.DecodeString(h)
	if err != nil || len(raw) < 4 {
		return 0
	}
	n := binary.BigEndian.Uint32(raw)
	return float64(n%10000) / 10000.0
}

// Sampled reports whether a sample at bucket passes the configured rate:
// bucket >= rate is excluded ("sampled_out").
func Sampled(bucket, rate float64) bool {
	return bucket < rate
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// SessionThrottle enforces a minimum interval between updates for the same
// (namespace, sessionId) key.
type SessionThrottle struct {
	minInterval time.Duration

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewSessionThrottle builds a throttle enforcing minInterval between
// consecutive updates per key.
func NewSessionThrottle(minInterval time.Duration) *SessionThrottle {
	return &SessionThrottle{
		minInterval: minInterval,
		lastSeen:    make(map[string]time.Time),
	}
}

// Allow reports whether an update for key is permitted at time now. When
// permitted, it records now as the new last-seen time for key.
func (t *SessionThrottle) Allow(key string, now time.Time) (ok bool, retryAfterSeconds int) {
	if t.minInterval <= 0 {
		return true, 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	last, seen := t.lastSeen[key]
	if !seen || now.Sub(last) >= t.minInterval {
		t.lastSeen[key] = now
		return true, 0
	}

	remaining := t.minInterval - now.Sub(last)
	seconds := int(remaining / time.Second)
	if remaining%time.Second > 0 {
		seconds++
	}
	return false, seconds
}

// NamespaceConcurrency caps the number of simultaneously active retrievals
// per namespace. A zero limit means unlimited.
type NamespaceConcurrency struct {
	limit int

	mu     sync.Mutex
	active map[string]int
}

// NewNamespaceConcurrency builds a limiter admitting up to limit concurrent
// retrievals per namespace (0 disables the limit).
func NewNamespaceConcurrency(limit int) *NamespaceConcurrency {
	return &NamespaceConcurrency{limit: limit, active: make(map[string]int)}
}

// Acquire attempts to reserve a retrieval slot for ns. release must be
// called exactly once when acquisition succeeds, typically via defer.
func (n *NamespaceConcurrency) Acquire(ns string) (release func(), ok bool) {
	if n.limit <= 0 {
		return func() {}, true
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.active[ns] >= n.limit {
		return nil, false
	}
	n.active[ns]++
	return func() {
		n.mu.Lock()
		n.active[ns]--
		if n.active[ns] <= 0 {
			delete(n.active, ns)
		}
		n.mu.Unlock()
	}, true
}
