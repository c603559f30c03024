package queue

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deep-memory/server/internal/domain"
)

func newTestQueue(t *testing.T, worker WorkerFunc[*domain.UpdateTask]) *Queue[*domain.UpdateTask] {
	t.Helper()
	dir := t.TempDir()
	q, err := New(Config[*domain.UpdateTask]{
		BaseDir:      dir,
		Concurrency:  2,
		MaxAttempts:  3,
		RetryBaseMS:  10,
		RetryMaxMS:   100,
		MaxTaskBytes: 1 << 20,
		NewTask:      func() *domain.UpdateTask { return &domain.UpdateTask{} },
		Worker:       worker,
	})
	require.NoError(t, err)
	require.NoError(t, q.Init())
	return q
}

func sampleTask(ns, sid, hash string) *domain.UpdateTask {
	return &domain.UpdateTask{
		Kind:           domain.TaskKindUpdate,
		ID:             sid + "-id",
		Key:            domain.UpdateTaskKey(ns, sid),
		Namespace:      ns,
		SessionID:      sid,
		TranscriptHash: hash,
		CreatedAt:      nowMillis(),
	}
}

func TestEnqueue_Coalesces(t *testing.T) {
	q := newTestQueue(t, func(ctx context.Context, t *domain.UpdateTask) error { return nil })

	require.NoError(t, q.Enqueue(sampleTask("ns", "s1", "hash-a")))
	require.NoError(t, q.Enqueue(sampleTask("ns", "s1", "hash-a")))

	stats := q.Stats()
	assert.Equal(t, 1, stats.PendingApprox)
}

func TestEnqueue_DifferentFingerprintReplaces(t *testing.T) {
	q := newTestQueue(t, func(ctx context.Context, t *domain.UpdateTask) error { return nil })

	require.NoError(t, q.Enqueue(sampleTask("ns", "s1", "hash-a")))
	require.NoError(t, q.Enqueue(sampleTask("ns", "s1", "hash-b")))

	assert.Equal(t, 1, q.Stats().PendingApprox)
}

func TestCancelBySession(t *testing.T) {
	q := newTestQueue(t, func(ctx context.Context, t *domain.UpdateTask) error { return nil })
	require.NoError(t, q.Enqueue(sampleTask("ns", "s1", "hash-a")))

	removed := q.CancelBySession(domain.UpdateTaskKey("ns", "s1"))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, q.Stats().PendingApprox)

	removed = q.CancelBySession(domain.UpdateTaskKey("ns", "s1"))
	assert.Equal(t, 0, removed)
}

func TestPump_ProcessesTaskSuccessfully(t *testing.T) {
	var processed int32
	q := newTestQueue(t, func(ctx context.Context, task *domain.UpdateTask) error {
		atomic.AddInt32(&processed, 1)
		return nil
	})

	require.NoError(t, q.Enqueue(sampleTask("ns", "s1", "hash-a")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&processed) == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&processed))
	assert.True(t, q.OnIdle(time.Second))
}

func TestPump_RetriesThenFails(t *testing.T) {
	var attempts int32
	q := newTestQueue(t, func(ctx context.Context, task *domain.UpdateTask) error {
		atomic.AddInt32(&attempts, 1)
		return assert.AnError
	})

	require.NoError(t, q.Enqueue(sampleTask("ns", "s1", "hash-a")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&attempts) >= 3 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&attempts)), 3)

	failed, err := q.ListFailed(10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.NotEmpty(t, failed[0].LastError)
}

func TestRunNow_ExcludesConcurrentSameKey(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	q := newTestQueue(t, func(ctx context.Context, task *domain.UpdateTask) error {
		started <- struct{}{}
		<-release
		return nil
	})

	task1 := sampleTask("ns", "s1", "hash-a")
	task2 := sampleTask("ns", "s1", "hash-b")

	done := make(chan error, 2)
	go func() { done <- q.RunNow(context.Background(), task1) }()

	<-started
	go func() { done <- q.RunNow(context.Background(), task2) }()

	select {
	case <-started:
		t.Fatal("second RunNow should not start while first holds the key")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)

	<-started
	require.NoError(t, <-done)
}

func TestInit_MovesInflightBackToPending(t *testing.T) {
	dir := t.TempDir()
	q, err := New(Config[*domain.UpdateTask]{
		BaseDir:      dir,
		Concurrency:  1,
		MaxAttempts:  3,
		RetryBaseMS:  10,
		RetryMaxMS:   100,
		MaxTaskBytes: 1 << 20,
		NewTask:      func() *domain.UpdateTask { return &domain.UpdateTask{} },
		Worker:       func(ctx context.Context, t *domain.UpdateTask) error { return nil },
	})
	require.NoError(t, err)

	// Simulate a crash: a task file left behind in inflight/ by a previous
	// process.
	task := sampleTask("default", "s2", "hash-a")
	task.Attempt = 1
	require.NoError(t, q.writeTask(q.filePath(q.inflightDir, task), task))

	require.NoError(t, q.Init())

	inflight, err := os.ReadDir(q.inflightDir)
	require.NoError(t, err)
	assert.Empty(t, inflight)

	pending, err := os.ReadDir(q.pendingDir)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	recovered, err := q.readTask(q.pendingDir + "/" + pending[0].Name())
	require.NoError(t, err)
	assert.Equal(t, 2, recovered.Attempt)
	assert.Greater(t, recovered.NextRunAt, nowMillis()-1)
	assert.Equal(t, 1, q.Stats().PendingApprox)
}

func TestEnqueue_RejectsOversizedTask(t *testing.T) {
	q := newTestQueue(t, func(ctx context.Context, t *domain.UpdateTask) error { return nil })
	q.cfg.MaxTaskBytes = 10

	err := q.Enqueue(sampleTask("ns", "s1", "hash-a"))
	assert.Error(t, err)
}

func TestBackoffMS_Monotonic(t *testing.T) {
	prev := int64(0)
	for attempt := 1; attempt <= 10; attempt++ {
		v := backoffMS(attempt, 100, 60000)
		assert.GreaterOrEqual(t, v, prev)
		prev = v - 250 // allow for jitter overlap between consecutive attempts
		if prev < 0 {
			prev = 0
		}
	}
}

func TestRetryFailed(t *testing.T) {
	q := newTestQueue(t, func(ctx context.Context, task *domain.UpdateTask) error { return assert.AnError })
	q.cfg.MaxAttempts = 1
	require.NoError(t, q.Enqueue(sampleTask("ns", "s1", "hash-a")))

	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	var entries []os.DirEntry
	for time.Now().Before(deadline) {
		var err error
		entries, err = os.ReadDir(q.failedDir)
		require.NoError(t, err)
		if len(entries) == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Len(t, entries, 1)
	cancel()
	q.Stop()

	require.NoError(t, q.RetryFailed(entries[0].Name()))

	failed, err := q.ListFailed(10)
	require.NoError(t, err)
	assert.Len(t, failed, 0)
	assert.Equal(t, 1, q.Stats().PendingApprox)
}
