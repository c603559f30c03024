// Package adapters defines the pluggable store/model contracts the
// retriever and updater depend on — vector store, graph store, and text
// embedder — plus concrete implementations against Neo4j and Redis
// (grounded on the teacher's db/repository package) and in-memory fakes
// for tests. None of these interfaces dictate an on-wire schema beyond the
// payload fields the core itself reads and writes.
package adapters

import (
	"context"

	"github.com/deep-memory/server/internal/domain"
)

// VectorHit is one ANN search result, pairing a stored Memory payload with
// its similarity score against the query vector.
type VectorHit struct {
	ID      string
	Score   float64
	Payload domain.Memory
}

// VectorStore is the embedding-indexed store behind semantic search. A
// production adapter is expected to degrade gracefully: callers treat
// VectorStore errors as best-effort and continue with an empty result set.
type VectorStore interface {
	Upsert(ctx context.Context, mem domain.Memory, vector []float64) error
	Search(ctx context.Context, namespace string, vector []float64, limit int, minScore float64) ([]VectorHit, error)
	DeleteBySession(ctx context.Context, namespace, sessionID string) (int, error)
	DeleteByIDs(ctx context.Context, namespace string, ids []string) (int, error)
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// GraphHit is one graph relation-expansion result.
type GraphHit struct {
	ID            string
	Content       string
	Importance    float64
	Frequency     int64
	LastSeenAt    string
	RelationScore float64
	Kind          domain.Kind
	MemoryKey     string
	Subject       string
	ExpiresAt     string
	Confidence    *float64
}

// GraphStore is the knowledge-graph store behind relation expansion and
// the session/topic/entity/event node bookkeeping the updater maintains.
type GraphStore interface {
	UpsertSession(ctx context.Context, namespace, sessionID string) (domain.Session, error)
	MarkSessionIngested(ctx context.Context, session domain.Session) error

	UpsertTopic(ctx context.Context, namespace string, topic domain.Topic) error
	UpsertEntity(ctx context.Context, namespace string, entity domain.Entity) error
	UpsertEvent(ctx context.Context, namespace string, event domain.Event) error

	UpsertMemory(ctx context.Context, namespace string, mem domain.Memory) error
	LinkMemoryToSession(ctx context.Context, namespace, sessionID, memoryID string) error
	LinkMemoryToTopic(ctx context.Context, namespace, memoryID, topic string) error
	LinkMemoryToEntity(ctx context.Context, namespace, memoryID, entityType, entityName string) error
	LinkRelated(ctx context.Context, namespace, fromMemoryID, toMemoryID string, weight float64) error

	QueryRelated(ctx context.Context, namespace string, entities, topics []string, limit int) ([]GraphHit, error)

	DeleteBySession(ctx context.Context, namespace, sessionID string) (int, error)
	DeleteByIDs(ctx context.Context, namespace string, ids []string) (int, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Embedder turns text into a dense vector. The model itself is an opaque
// external collaborator; this is the only contract the core depends on.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}
