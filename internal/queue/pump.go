package queue

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Start launches the scheduler ("pump") loop and the done/ cleanup loop as
// background goroutines. Stop must be called to release them.
func (q *Queue[T]) Start(ctx context.Context) {
	q.wg.Add(2)
	go q.pumpLoop(ctx)
	go q.cleanupLoop(ctx)
}

// Stop signals both background loops to exit and waits for them.
func (q *Queue[T]) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}

func (q *Queue[T]) pumpLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.pumpOnce(ctx)
		}
	}
}

// pumpOnce picks up to the configured concurrency's worth of eligible
// pending tasks and dispatches each to a worker goroutine.
func (q *Queue[T]) pumpOnce(ctx context.Context) {
	entries, err := os.ReadDir(q.pendingDir)
	if err != nil {
		q.cfg.Logger.WithError(err).Warn("queue: pump readdir failed")
		return
	}

	now := nowMillis()
	var candidates []string
	for _, e := range entries {
		if !e.IsDir() {
			candidates = append(candidates, e.Name())
		}
	}
	sortFilesByKeyAndTime(candidates)

	for _, name := range candidates {
		q.mu.Lock()
		if q.active >= q.cfg.Concurrency {
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		path := filepath.Join(q.pendingDir, name)
		task, err := q.readTask(path)
		if err != nil {
			q.cfg.Logger.WithError(err).WithField("file", path).Warn("queue: dropping unreadable pending file")
			_ = os.Remove(path)
			continue
		}

		if task.GetNextRunAt() > now {
			continue
		}

		key := task.GetKey()
		ns := task.GetNamespace()

		q.mu.Lock()
		if _, busy := q.inflightKeys[key]; busy {
			q.mu.Unlock()
			continue
		}
		if q.cfg.NamespaceConcurrency > 0 && q.inflightByNS[ns] >= q.cfg.NamespaceConcurrency {
			q.mu.Unlock()
			continue
		}

		inflightPath := filepath.Join(q.inflightDir, name)
		if err := os.Rename(path, inflightPath); err != nil {
			q.mu.Unlock()
			continue
		}

		q.inflightKeys[key] = struct{}{}
		q.inflightByNS[ns]++
		q.active++
		delete(q.pendingFilesByKey, key)
		q.mu.Unlock()

		q.wg.Add(1)
		go q.runInflight(ctx, inflightPath, task)
	}
}

// runInflight executes the worker for an already-moved inflight file and
// applies the success/retry/failed transition.
func (q *Queue[T]) runInflight(ctx context.Context, inflightPath string, task T) {
	defer q.wg.Done()
	key := task.GetKey()
	ns := task.GetNamespace()

	err := q.cfg.Worker(ctx, task)

	q.mu.Lock()
	delete(q.inflightKeys, key)
	q.inflightByNS[ns]--
	if q.inflightByNS[ns] <= 0 {
		delete(q.inflightByNS, ns)
	}
	q.active--
	q.mu.Unlock()

	if err == nil {
		if q.cfg.KeepDone {
			donePath := filepath.Join(q.doneDir, filepath.Base(inflightPath))
			if renameErr := os.Rename(inflightPath, donePath); renameErr != nil {
				q.cfg.Logger.WithError(renameErr).Warn("queue: failed to archive done task")
			}
		} else {
			_ = os.Remove(inflightPath)
		}
		return
	}

	attempt := task.GetAttempt() + 1
	task.SetAttempt(attempt)
	task.SetLastError(err.Error())

	if attempt >= q.cfg.MaxAttempts {
		failedPath := filepath.Join(q.failedDir, filepath.Base(inflightPath))
		if writeErr := q.writeTask(failedPath, task); writeErr != nil {
			q.cfg.Logger.WithError(writeErr).Error("queue: failed to archive failed task")
		}
		_ = os.Remove(inflightPath)
		return
	}

	task.SetNextRunAt(nowMillis() + backoffMS(attempt, q.cfg.RetryBaseMS, q.cfg.RetryMaxMS))
	newPath := q.filePath(q.pendingDir, task)
	if writeErr := q.writeTask(newPath, task); writeErr != nil {
		q.cfg.Logger.WithError(writeErr).Error("queue: failed to reschedule retried task")
		return
	}
	_ = os.Remove(inflightPath)

	q.mu.Lock()
	q.pendingFilesByKey[key] = newPath
	q.mu.Unlock()
}

// RunNow executes task synchronously, bypassing the on-disk pending/
// stage entirely. It waits for any concurrently inflight task sharing the
// same key to finish first, so the per-key serialization guarantee holds
// for synchronous callers too.
func (q *Queue[T]) RunNow(ctx context.Context, task T) error {
	return q.WithKeyExclusion(ctx, task.GetKey(), task.GetNamespace(), func(ctx context.Context) error {
		return q.cfg.Worker(ctx, task)
	})
}

// WithKeyExclusion acquires the per-key inflight lock for key and runs fn
// under it, letting synchronous callers serialize arbitrary work against
// the queue's workers without persisting a task.
func (q *Queue[T]) WithKeyExclusion(ctx context.Context, key, ns string, fn func(ctx context.Context) error) error {
	for {
		q.mu.Lock()
		if _, busy := q.inflightKeys[key]; !busy {
			q.inflightKeys[key] = struct{}{}
			q.inflightByNS[ns]++
			q.active++
			q.mu.Unlock()
			break
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}

	defer func() {
		q.mu.Lock()
		delete(q.inflightKeys, key)
		q.inflightByNS[ns]--
		if q.inflightByNS[ns] <= 0 {
			delete(q.inflightByNS, ns)
		}
		q.active--
		q.mu.Unlock()
	}()

	return fn(ctx)
}

func (q *Queue[T]) cleanupLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(45 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopCh:
			return
		case <-ticker.C:
			q.cleanupOnce()
		}
	}
}

// cleanupOnce deletes done/ files older than RetentionDays by mtime.
func (q *Queue[T]) cleanupOnce() {
	if q.cfg.RetentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -q.cfg.RetentionDays)

	entries, err := os.ReadDir(q.doneDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(q.doneDir, e.Name()))
		}
	}
}

// sortFilesByKeyAndTime relies on the "{keyHash16}-{epochMs}-{uuid}.json"
// filename encoding already being key-grouped and time-ordered under a
// plain lexicographic sort.
func sortFilesByKeyAndTime(names []string) {
	sort.Strings(names)
}
