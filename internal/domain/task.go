package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// TaskKind discriminates the two durable queues that share the same
// on-disk layout: the update-ingestion queue and the forget-deletion queue.
type TaskKind string

const (
	TaskKindUpdate TaskKind = "update"
	TaskKindForget TaskKind = "forget"
)

// UpdateTask is the persisted shape of one pending ingestion job.
type UpdateTask struct {
	Kind            TaskKind `json:"kind"`
	ID              string   `json:"id"`
	Key             string   `json:"key"`
	Namespace       string   `json:"namespace"`
	SessionID       string   `json:"sessionId"`
	TranscriptHash  string   `json:"transcriptHash"`
	MessageCount    int      `json:"messageCount"`
	MessagesGzipB64 string   `json:"messages_gzip_base64"`
	CreatedAt       int64    `json:"createdAt"`
	Attempt         int      `json:"attempt"`
	NextRunAt       int64    `json:"nextRunAt"`
	LastError       string   `json:"lastError,omitempty"`
}

// ForgetTask is the persisted shape of one pending deletion job.
type ForgetTask struct {
	Kind       TaskKind        `json:"kind"`
	ID         string          `json:"id"`
	Key        string          `json:"key"`
	Namespace  string          `json:"namespace"`
	SessionID  string          `json:"sessionId,omitempty"`
	MemoryIDs  []string        `json:"memoryIds,omitempty"`
	CreatedAt  int64           `json:"createdAt"`
	Attempt    int             `json:"attempt"`
	NextRunAt  int64           `json:"nextRunAt"`
	LastError  string          `json:"lastError,omitempty"`
	Result     *ForgetResult   `json:"result,omitempty"`
}

// ForgetResult records the per-backend outcome of a forget task, surfaced
// back to admins via the failed/export endpoints.
type ForgetResult struct {
	Qdrant BackendOutcome `json:"qdrant"`
	Neo4j  BackendOutcome `json:"neo4j"`
}

// BackendOutcome captures one store's result of a dual-delete attempt.
type BackendOutcome struct {
	OK        bool   `json:"ok"`
	BySession int    `json:"bySession,omitempty"`
	ByIDs     int    `json:"byIds,omitempty"`
	Error     string `json:"error,omitempty"`
}

// UpdateTaskKey returns the per-key coalescing key for a session update.
func UpdateTaskKey(namespace, sessionID string) string {
	return namespace + "::" + sessionID
}

// ForgetTaskKey returns the per-key coalescing key for a forget task: by
// session when sessionID is set, else by a stable hash of the target ids
// so repeated forget-by-ids calls for the same set still coalesce.
func ForgetTaskKey(namespace, sessionID string, memoryIDs []string) string {
	if sessionID != "" {
		return namespace + "::" + sessionID
	}
	sorted := make([]string, len(memoryIDs))
	copy(sorted, memoryIDs)
	sort.Strings(sorted)
	return namespace + "::ids::" + stableHashJoined(sorted)
}

func stableHashJoined(ids []string) string {
	sum := sha256.Sum256([]byte(strings.Join(ids, ",")))
	return hex.EncodeToString(sum[:])[:16]
}

// The queue package drives every task through rename-based state
// transitions and needs a handful of generic accessors to do so without
// caring whether it is moving an UpdateTask or a ForgetTask. Both types
// implement queue.Task by exposing the fields below.

// GetKey, GetID, GetNamespace, GetAttempt, GetNextRunAt, SetAttempt,
// SetNextRunAt and SetLastError implement queue.Task for UpdateTask.
func (t *UpdateTask) GetKey() string        { return t.Key }
func (t *UpdateTask) GetID() string         { return t.ID }
func (t *UpdateTask) GetNamespace() string  { return t.Namespace }
func (t *UpdateTask) GetAttempt() int       { return t.Attempt }
func (t *UpdateTask) GetNextRunAt() int64   { return t.NextRunAt }
func (t *UpdateTask) SetAttempt(a int)      { t.Attempt = a }
func (t *UpdateTask) SetNextRunAt(ts int64) { t.NextRunAt = ts }
func (t *UpdateTask) SetLastError(e string) { t.LastError = e }

// Fingerprint identifies content-equivalent update tasks for per-key
// coalescing: two pending tasks for the same session with the same
// transcript hash are the same work.
func (t *UpdateTask) Fingerprint() string { return t.TranscriptHash }

// GetKey, GetID, GetNamespace, GetAttempt, GetNextRunAt, SetAttempt,
// SetNextRunAt and SetLastError implement queue.Task for ForgetTask.
func (t *ForgetTask) GetKey() string        { return t.Key }
func (t *ForgetTask) GetID() string         { return t.ID }
func (t *ForgetTask) GetNamespace() string  { return t.Namespace }
func (t *ForgetTask) GetAttempt() int       { return t.Attempt }
func (t *ForgetTask) GetNextRunAt() int64   { return t.NextRunAt }
func (t *ForgetTask) SetAttempt(a int)      { t.Attempt = a }
func (t *ForgetTask) SetNextRunAt(ts int64) { t.NextRunAt = ts }
func (t *ForgetTask) SetLastError(e string) { t.LastError = e }

// Fingerprint identifies content-equivalent forget tasks for per-key
// coalescing.
func (t *ForgetTask) Fingerprint() string {
	return t.SessionID + "|" + strings.Join(t.MemoryIDs, ",")
}
