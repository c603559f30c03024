// Package queue implements the durable, per-key, on-disk job queue shared
// by the update-ingestion pipeline and the forget pipeline. Nothing in the
// example pack demonstrates a filesystem-backed queue with atomic
// rename-based state transitions — the teacher's own queue/redis/queue.go
// is Redis-backed — so this package is built directly on os/path/filepath
// primitives rather than adapting a library queue; see DESIGN.md for why.
//
// Tasks move through four directories under BaseDir: pending/, inflight/,
// done/, failed/. A task is always one JSON file. pending/ to inflight/,
// inflight/ to done/ and crash recovery (inflight/ back to pending/, same
// file name) are os.Rename calls, atomic on a POSIX filesystem as long as
// source and destination share a device; recovery then rewrites the file
// in place. Retry scheduling, archiving to failed/ and RetryFailed instead
// write the updated task as a new file in the destination directory and
// then remove the source file, so a crash between those two steps leaves
// the task in both directories.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/deep-memory/server/internal/hashutil"
)

// Task is the shape every queued payload must implement so the queue can
// drive state transitions without knowing whether it holds an UpdateTask
// or a ForgetTask.
type Task interface {
	GetKey() string
	GetID() string
	GetNamespace() string
	GetAttempt() int
	GetNextRunAt() int64
	SetAttempt(int)
	SetNextRunAt(int64)
	SetLastError(string)
	Fingerprint() string
}

// WorkerFunc processes one dequeued task. A non-nil error triggers a retry
// with backoff, or a move to failed/ once MaxAttempts is reached.
type WorkerFunc[T Task] func(ctx context.Context, task T) error

// Config configures a Queue[T]. NewTask must return a fresh zero-value T
// (e.g. `func() *domain.UpdateTask { return &domain.UpdateTask{} }`) since
// JSON decoding needs an addressable target.
type Config[T Task] struct {
	BaseDir              string
	Concurrency          int
	MaxAttempts          int
	RetryBaseMS          int64
	RetryMaxMS           int64
	KeepDone             bool
	RetentionDays        int
	MaxTaskBytes         int64
	NamespaceConcurrency int // 0 = unlimited

	NewTask func() T
	Worker  WorkerFunc[T]
	Logger  *logrus.Entry
}

// Stats is a point-in-time snapshot of queue depth.
type Stats struct {
	PendingApprox  int `json:"pendingApprox"`
	InflightApprox int `json:"inflightApprox"`
}

// Queue is a durable, per-key FIFO backed by the four-directory layout
// described in the package doc.
type Queue[T Task] struct {
	cfg Config[T]

	pendingDir  string
	inflightDir string
	doneDir     string
	failedDir   string

	mu               sync.Mutex
	pendingFilesByKey map[string]string
	inflightKeys      map[string]struct{}
	inflightByNS      map[string]int
	active            int

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Queue and ensures its directories exist.
func New[T Task](cfg Config[T]) (*Queue[T], error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	q := &Queue[T]{
		cfg:               cfg,
		pendingDir:        filepath.Join(cfg.BaseDir, "pending"),
		inflightDir:       filepath.Join(cfg.BaseDir, "inflight"),
		doneDir:           filepath.Join(cfg.BaseDir, "done"),
		failedDir:         filepath.Join(cfg.BaseDir, "failed"),
		pendingFilesByKey: make(map[string]string),
		inflightKeys:      make(map[string]struct{}),
		inflightByNS:      make(map[string]int),
		stopCh:            make(chan struct{}),
	}

	for _, dir := range []string{q.pendingDir, q.inflightDir, q.doneDir, q.failedDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("queue: create %s: %w", dir, err)
		}
	}
	return q, nil
}

// Init performs crash recovery: every file left in inflight/ from a
// previous process is moved back to pending/ with attempt incremented and
// nextRunAt pushed out by backoff, then pendingFilesByKey is rebuilt by
// scanning pending/ and keeping the newest nextRunAt per key.
func (q *Queue[T]) Init() error {
	entries, err := os.ReadDir(q.inflightDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(q.inflightDir, e.Name())
		task, err := q.readTask(path)
		if err != nil {
			q.cfg.Logger.WithError(err).WithField("file", path).Warn("queue: dropping unreadable inflight file on recovery")
			_ = os.Remove(path)
			continue
		}

		attempt := task.GetAttempt() + 1
		task.SetAttempt(attempt)
		task.SetNextRunAt(nowMillis() + backoffMS(attempt, q.cfg.RetryBaseMS, q.cfg.RetryMaxMS))

		newPath := filepath.Join(q.pendingDir, e.Name())
		if err := os.Rename(path, newPath); err != nil {
			return err
		}
		if err := q.writeTask(newPath, task); err != nil {
			return err
		}
	}

	return q.rebuildPendingIndex()
}

// rebuildPendingIndex scans pending/ and keeps, for each key, the file with
// the largest nextRunAt (the best-effort "newest" entry per spec).
func (q *Queue[T]) rebuildPendingIndex() error {
	entries, err := os.ReadDir(q.pendingDir)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.pendingFilesByKey = make(map[string]string)

	best := make(map[string]int64)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(q.pendingDir, e.Name())
		task, err := q.readTask(path)
		if err != nil {
			continue
		}
		key := task.GetKey()
		if nextRunAt := task.GetNextRunAt(); nextRunAt >= best[key] || q.pendingFilesByKey[key] == "" {
			best[key] = nextRunAt
			q.pendingFilesByKey[key] = path
		}
	}
	return nil
}

// Enqueue writes task to pending/, coalescing with any existing pending
// task for the same key that carries an identical Fingerprint.
func (q *Queue[T]) Enqueue(task T) error {
	buf, err := json.Marshal(task)
	if err != nil {
		return err
	}
	if q.cfg.MaxTaskBytes > 0 && int64(len(buf)) > q.cfg.MaxTaskBytes {
		return fmt.Errorf("queue: task %d bytes exceeds max %d", len(buf), q.cfg.MaxTaskBytes)
	}

	key := task.GetKey()

	q.mu.Lock()
	if existingPath, ok := q.pendingFilesByKey[key]; ok {
		if existing, err := q.readTask(existingPath); err == nil {
			if existing.Fingerprint() == task.Fingerprint() {
				q.mu.Unlock()
				return nil
			}
		}
	}
	q.mu.Unlock()

	newPath := q.filePath(q.pendingDir, task)
	if err := q.writeTaskBytes(newPath, buf); err != nil {
		return err
	}

	q.mu.Lock()
	if oldPath, ok := q.pendingFilesByKey[key]; ok && oldPath != newPath {
		_ = os.Remove(oldPath)
	}
	q.pendingFilesByKey[key] = newPath
	q.mu.Unlock()

	return nil
}

// CancelBySession drops the pending entry for key and removes its file,
// returning 1 if something was removed. Inflight tasks are not cancelled.
func (q *Queue[T]) CancelBySession(key string) int {
	q.mu.Lock()
	path, ok := q.pendingFilesByKey[key]
	if ok {
		delete(q.pendingFilesByKey, key)
	}
	q.mu.Unlock()

	if !ok {
		return 0
	}
	_ = os.Remove(path)
	return 1
}

// Stats returns an approximate point-in-time view of queue depth.
func (q *Queue[T]) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		PendingApprox:  len(q.pendingFilesByKey),
		InflightApprox: len(q.inflightKeys),
	}
}

// OnIdle blocks until no task is pending or inflight, or timeout elapses.
// It returns true if the queue went idle before the timeout.
func (q *Queue[T]) OnIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		idle := q.active == 0 && len(q.pendingFilesByKey) == 0
		q.mu.Unlock()
		if idle {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (q *Queue[T]) filePath(dir string, task Task) string {
	keyHash := hashutil.StableHashHex(task.GetKey())[:16]
	name := fmt.Sprintf("%s-%d-%s.json", keyHash, nowMillis(), uuid.New().String())
	return filepath.Join(dir, name)
}

func (q *Queue[T]) readTask(path string) (T, error) {
	var zero T
	raw, err := os.ReadFile(path)
	if err != nil {
		return zero, err
	}
	task := q.cfg.NewTask()
	if err := json.Unmarshal(raw, task); err != nil {
		return zero, err
	}
	return task, nil
}

func (q *Queue[T]) writeTask(path string, task T) error {
	buf, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.writeTaskBytes(path, buf)
}

// writeTaskBytes implements the atomic-write contract: write to a sibling
// temp file, fsync, then rename over the target so a reader never observes
// a partially written file.
func (q *Queue[T]) writeTaskBytes(path string, buf []byte) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, fmt.Sprintf(".tmp-%s", uuid.New().String()))

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// backoffMS computes min(maxMs, baseMs·2^min(20,attempt-1)) plus jitter in
// [10, min(250, raw/10)).
func backoffMS(attempt int, baseMS, maxMS int64) int64 {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}
	raw := baseMS << uint(shift)
	if raw > maxMS || raw <= 0 {
		raw = maxMS
	}

	jitterCeil := raw / 10
	if jitterCeil > 250 {
		jitterCeil = 250
	}
	if jitterCeil <= 10 {
		return raw + 10
	}
	jitter := int64(rand.Intn(int(jitterCeil-10))) + 10
	return raw + jitter
}
