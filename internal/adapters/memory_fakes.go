package adapters

import (
	"context"
	"sync"

	"github.com/deep-memory/server/internal/domain"
)

// InMemoryVectorStore is a VectorStore fake backed by a plain map, used by
// retriever/updater tests so they don't need a live Redis instance.
type InMemoryVectorStore struct {
	mu   sync.Mutex
	rows map[string]storedVector
}

// NewInMemoryVectorStore returns an empty fake vector store.
func NewInMemoryVectorStore() *InMemoryVectorStore {
	return &InMemoryVectorStore{rows: make(map[string]storedVector)}
}

func (s *InMemoryVectorStore) Upsert(ctx context.Context, mem domain.Memory, vector []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[memoryKey(mem.Namespace, mem.ID)] = storedVector{Memory: mem, Vector: vector}
	return nil
}

func (s *InMemoryVectorStore) Search(ctx context.Context, namespace string, vector []float64, limit int, minScore float64) ([]VectorHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hits []VectorHit
	for _, rec := range s.rows {
		if rec.Memory.Namespace != namespace {
			continue
		}
		score := cosineSimilarity(vector, rec.Vector)
		if score < minScore {
			continue
		}
		hits = append(hits, VectorHit{ID: rec.Memory.ID, Score: score, Payload: rec.Memory})
	}
	sortHitsDescending(hits)
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (s *InMemoryVectorStore) DeleteBySession(ctx context.Context, namespace, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, rec := range s.rows {
		if rec.Memory.Namespace == namespace && rec.Memory.SessionID == sessionID {
			delete(s.rows, k)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryVectorStore) DeleteByIDs(ctx context.Context, namespace string, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		k := memoryKey(namespace, id)
		if _, ok := s.rows[k]; ok {
			delete(s.rows, k)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryVectorStore) Ping(ctx context.Context) error  { return nil }
func (s *InMemoryVectorStore) Close(ctx context.Context) error { return nil }

// InMemoryGraphStore is a GraphStore fake sufficient for exercising
// updater/retriever relation expansion in tests without a Neo4j instance.
type InMemoryGraphStore struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
	memories map[string]domain.Memory
	topics   map[string]map[string]bool // memoryID -> topic set
	entities map[string]map[string]bool // memoryID -> entity set
	related  map[string]map[string]float64
}

// NewInMemoryGraphStore returns an empty fake graph store.
func NewInMemoryGraphStore() *InMemoryGraphStore {
	return &InMemoryGraphStore{
		sessions: make(map[string]domain.Session),
		memories: make(map[string]domain.Memory),
		topics:   make(map[string]map[string]bool),
		entities: make(map[string]map[string]bool),
		related:  make(map[string]map[string]float64),
	}
}

func (g *InMemoryGraphStore) UpsertSession(ctx context.Context, namespace, sessionID string) (domain.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := domain.SessionNodeID(namespace, sessionID)
	if s, ok := g.sessions[key]; ok {
		return s, nil
	}
	s := domain.Session{Namespace: namespace, SessionID: sessionID}
	g.sessions[key] = s
	return s, nil
}

func (g *InMemoryGraphStore) MarkSessionIngested(ctx context.Context, s domain.Session) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[domain.SessionNodeID(s.Namespace, s.SessionID)] = s
	return nil
}

func (g *InMemoryGraphStore) UpsertTopic(ctx context.Context, namespace string, topic domain.Topic) error {
	return nil
}

func (g *InMemoryGraphStore) UpsertEntity(ctx context.Context, namespace string, entity domain.Entity) error {
	return nil
}

func (g *InMemoryGraphStore) UpsertEvent(ctx context.Context, namespace string, event domain.Event) error {
	return nil
}

func (g *InMemoryGraphStore) UpsertMemory(ctx context.Context, namespace string, mem domain.Memory) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.memories[mem.ID] = mem
	return nil
}

func (g *InMemoryGraphStore) LinkMemoryToSession(ctx context.Context, namespace, sessionID, memoryID string) error {
	return nil
}

func (g *InMemoryGraphStore) LinkMemoryToTopic(ctx context.Context, namespace, memoryID, topic string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.topics[memoryID] == nil {
		g.topics[memoryID] = make(map[string]bool)
	}
	g.topics[memoryID][topic] = true
	return nil
}

func (g *InMemoryGraphStore) LinkMemoryToEntity(ctx context.Context, namespace, memoryID, entityType, entityName string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.entities[memoryID] == nil {
		g.entities[memoryID] = make(map[string]bool)
	}
	g.entities[memoryID][entityName] = true
	return nil
}

func (g *InMemoryGraphStore) LinkRelated(ctx context.Context, namespace, fromID, toID string, weight float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.related[fromID] == nil {
		g.related[fromID] = make(map[string]float64)
	}
	g.related[fromID][toID] = weight
	return nil
}

func (g *InMemoryGraphStore) QueryRelated(ctx context.Context, namespace string, entities, topics []string, limit int) ([]GraphHit, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	wantEntities := toSet(entities)
	wantTopics := toSet(topics)

	var hits []GraphHit
	for id, mem := range g.memories {
		if mem.Namespace != namespace {
			continue
		}
		matched := 0
		for e := range g.entities[id] {
			if wantEntities[e] {
				matched++
			}
		}
		for tpc := range g.topics[id] {
			if wantTopics[tpc] {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		lastSeen := mem.UpdatedAt
		if lastSeen == "" {
			lastSeen = mem.CreatedAt
		}
		hits = append(hits, GraphHit{
			ID:            mem.ID,
			Content:       mem.Content,
			Importance:    mem.Importance,
			Frequency:     mem.Frequency,
			LastSeenAt:    lastSeen,
			RelationScore: float64(matched),
			Kind:          mem.Kind,
			MemoryKey:     mem.MemoryKey,
			Subject:       mem.Subject,
			ExpiresAt:     mem.ExpiresAt,
			Confidence:    mem.Confidence,
		})
	}

	maxScore := 1.0
	for _, h := range hits {
		if h.RelationScore > maxScore {
			maxScore = h.RelationScore
		}
	}
	for i := range hits {
		hits[i].RelationScore /= maxScore
	}

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, v := range items {
		set[v] = true
	}
	return set
}

func (g *InMemoryGraphStore) DeleteBySession(ctx context.Context, namespace, sessionID string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, mem := range g.memories {
		if mem.Namespace == namespace && mem.SessionID == sessionID {
			delete(g.memories, id)
			n++
		}
	}
	return n, nil
}

func (g *InMemoryGraphStore) DeleteByIDs(ctx context.Context, namespace string, ids []string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, id := range ids {
		if mem, ok := g.memories[id]; ok && mem.Namespace == namespace {
			delete(g.memories, id)
			n++
		}
	}
	return n, nil
}

func (g *InMemoryGraphStore) Ping(ctx context.Context) error  { return nil }
func (g *InMemoryGraphStore) Close(ctx context.Context) error { return nil }

// InMemoryEmbedder is a deterministic Embedder fake: it hashes the input
// text into a small fixed-dimension vector so cosine similarity behaves
// predictably in tests without calling a real embedding model.
type InMemoryEmbedder struct {
	Dim int
}

func (e InMemoryEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	dim := e.Dim
	if dim <= 0 {
		dim = 8
	}
	vec := make([]float64, dim)
	for i, r := range text {
		vec[i%dim] += float64(r%97) + 1
	}
	return vec, nil
}
