// Package domain holds the core record types of the memory service: the
// durable Memory itself, its owning Session, analyzer output Drafts, and
// the persisted queue task shapes. None of these types talk to storage —
// they are the shared vocabulary that the retriever, updater, queue and
// ingress packages pass between each other.
package domain

import (
	"fmt"
	"strings"
)

// Kind enumerates the durability classes a Memory can belong to.
type Kind string

const (
	KindFact       Kind = "fact"
	KindPreference Kind = "preference"
	KindRule       Kind = "rule"
	KindTask       Kind = "task"
	KindEphemeral  Kind = "ephemeral"
)

// MaxEntities and MaxTopics bound the entity/topic lists carried on a Memory.
const (
	MaxEntities = 10
	MaxTopics   = 10
)

// Memory is the central durable record produced by the updater and served
// by the retriever. Its Id always has the shape "{namespace}::{localId}".
type Memory struct {
	ID         string   `json:"id"`
	Namespace  string   `json:"namespace"`
	Content    string   `json:"content"`
	Kind       Kind     `json:"kind,omitempty"`
	MemoryKey  string   `json:"memory_key,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	ExpiresAt  string   `json:"expires_at,omitempty"`

	Importance float64 `json:"importance"`
	Frequency  int64   `json:"frequency,omitempty"`

	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at,omitempty"`
	LastSeenAt  string `json:"last_seen_at,omitempty"`

	Entities []string `json:"entities,omitempty"`
	Topics   []string `json:"topics,omitempty"`

	SourceTranscriptHash  string `json:"source_transcript_hash,omitempty"`
	SourceMessageCount    int    `json:"source_message_count,omitempty"`

	SessionID string `json:"session_id,omitempty"`
}

// NewMemoryID builds the canonical "{namespace}::{localId}" memory id.
// If localId already carries a namespace separator it is returned unchanged,
// matching the forgiving id-normalization the ingress and updater both need.
func NewMemoryID(namespace, localID string) string {
	if strings.Contains(localID, "::") {
		return localID
	}
	return namespace + "::" + localID
}

// SplitMemoryID returns the namespace prefix and local id of a memory id.
// The id is split at its first "::"; ok is false if there is no separator
// or either side is empty. A local id may itself contain "::".
func SplitMemoryID(id string) (namespace, local string, ok bool) {
	parts := strings.SplitN(id, "::", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	if strings.Contains(parts[1], "::") {
		// more than one separator — still valid as long as namespace itself
		// has none; local id is everything after the first separator.
	}
	return parts[0], parts[1], true
}

// ExtractNamespaceFromKey returns the namespace prefix of a "{ns}::..." key,
// or "" if the key carries no separator.
func ExtractNamespaceFromKey(key string) string {
	ns, _, ok := SplitMemoryID(key)
	if !ok {
		return ""
	}
	return ns
}

// SessionNodeID returns the graph node key for a session.
func SessionNodeID(namespace, sessionID string) string {
	return fmt.Sprintf("%s::session::%s", namespace, sessionID)
}

// TopicNodeID returns the graph node key for a topic.
func TopicNodeID(namespace, name string) string {
	return fmt.Sprintf("%s::topic::%s", namespace, name)
}

// EntityNodeID returns the graph node key for a typed entity.
func EntityNodeID(namespace, entityType, name string) string {
	return fmt.Sprintf("%s::entity::%s::%s", namespace, entityType, name)
}

// EventNodeID returns the graph node key for an event, truncated to 240
// characters total.
func EventNodeID(namespace, eventType, ts, summary string) string {
	id := fmt.Sprintf("%s::event::%s::%s::%s", namespace, eventType, ts, summary)
	if len(id) > 240 {
		id = id[:240]
	}
	return id
}

// capList trims a string slice to the first n entries, preserving order.
func capList(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[:n]
}

// UnionEntities merges two entity (or topic) lists, de-duplicating and
// capping at n entries — used by the updater's dedupe-merge step.
func UnionEntities(existing, incoming []string, n int) []string {
	seen := make(map[string]struct{}, len(existing)+len(incoming))
	out := make([]string, 0, n)
	for _, list := range [][]string{existing, incoming} {
		for _, v := range list {
			if v == "" {
				continue
			}
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			out = append(out, v)
			if len(out) == n {
				return out
			}
		}
	}
	return capList(out, n)
}
