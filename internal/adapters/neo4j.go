package adapters

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/deep-memory/server/internal/domain"
)

// Neo4jGraphStore implements GraphStore against a Neo4j (or
// Bolt-compatible) cluster, generalizing the teacher's Neo4jRepository
// (db/repository/neo4j.go) from action/workflow dependency graphs to
// memory/session/topic/entity/event nodes linked by RELATED_TO,
// MENTIONS and ABOUT edges.
type Neo4jGraphStore struct {
	driver neo4j.DriverWithContext
}

// NewNeo4jGraphStore dials uri and verifies connectivity before returning,
// matching the teacher's fail-fast constructor.
func NewNeo4jGraphStore(ctx context.Context, uri, username, password string) (*Neo4jGraphStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j: create driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("neo4j: connect: %w", err)
	}
	return &Neo4jGraphStore{driver: driver}, nil
}

func (g *Neo4jGraphStore) write(ctx context.Context, fn func(tx neo4j.ManagedTransaction) (any, error)) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, fn)
	return err
}

func (g *Neo4jGraphStore) read(ctx context.Context, fn func(tx neo4j.ManagedTransaction) (any, error)) (any, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)
	return session.ExecuteRead(ctx, fn)
}

// UpsertSession ensures a Session node exists and returns its currently
// recorded ingest bookkeeping (zero-value fields on first sight).
func (g *Neo4jGraphStore) UpsertSession(ctx context.Context, namespace, sessionID string) (domain.Session, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)
	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MERGE (s:Session {id: $id})
			ON CREATE SET s.namespace = $namespace, s.sessionId = $sessionId
			RETURN s.lastTranscriptHash AS hash, s.lastMessageCount AS count, s.lastIngestedAt AS ingestedAt
		`
		res, err := tx.Run(ctx, query, map[string]any{
			"id":        domain.SessionNodeID(namespace, sessionID),
			"namespace": namespace,
			"sessionId": sessionID,
		})
		if err != nil {
			return nil, err
		}
		if res.Next(ctx) {
			rec := res.Record()
			out := domain.Session{Namespace: namespace, SessionID: sessionID}
			if v, ok := rec.Get("hash"); ok && v != nil {
				out.LastTranscriptHash, _ = v.(string)
			}
			if v, ok := rec.Get("count"); ok && v != nil {
				if n, ok := v.(int64); ok {
					out.LastMessageCount = int(n)
				}
			}
			if v, ok := rec.Get("ingestedAt"); ok && v != nil {
				out.LastIngestedAt, _ = v.(string)
			}
			return out, nil
		}
		return domain.Session{Namespace: namespace, SessionID: sessionID}, nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	return result.(domain.Session), nil
}

// MarkSessionIngested persists the session's updated transcript-hash
// bookkeeping after a successful ingestion pass.
func (g *Neo4jGraphStore) MarkSessionIngested(ctx context.Context, s domain.Session) error {
	return g.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MERGE (s:Session {id: $id})
			SET s.namespace = $namespace,
			    s.sessionId = $sessionId,
			    s.lastTranscriptHash = $hash,
			    s.lastMessageCount = $count,
			    s.lastIngestedAt = $ingestedAt
		`
		return tx.Run(ctx, query, map[string]any{
			"id":         domain.SessionNodeID(s.Namespace, s.SessionID),
			"namespace":  s.Namespace,
			"sessionId":  s.SessionID,
			"hash":       s.LastTranscriptHash,
			"count":      s.LastMessageCount,
			"ingestedAt": s.LastIngestedAt,
		})
	})
}

func (g *Neo4jGraphStore) UpsertTopic(ctx context.Context, namespace string, topic domain.Topic) error {
	return g.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `MERGE (t:Topic {id: $id}) SET t.namespace = $namespace, t.name = $name`
		return tx.Run(ctx, query, map[string]any{
			"id":        domain.TopicNodeID(namespace, topic.Name),
			"namespace": namespace,
			"name":      topic.Name,
		})
	})
}

func (g *Neo4jGraphStore) UpsertEntity(ctx context.Context, namespace string, entity domain.Entity) error {
	return g.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `MERGE (e:Entity {id: $id}) SET e.namespace = $namespace, e.type = $type, e.name = $name`
		return tx.Run(ctx, query, map[string]any{
			"id":        domain.EntityNodeID(namespace, entity.Type, entity.Name),
			"namespace": namespace,
			"type":      entity.Type,
			"name":      entity.Name,
		})
	})
}

func (g *Neo4jGraphStore) UpsertEvent(ctx context.Context, namespace string, event domain.Event) error {
	return g.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MERGE (ev:Event {id: $id})
			SET ev.namespace = $namespace, ev.type = $type, ev.timestamp = $timestamp, ev.summary = $summary
		`
		return tx.Run(ctx, query, map[string]any{
			"id":        domain.EventNodeID(namespace, event.Type, event.Timestamp, event.Summary),
			"namespace": namespace,
			"type":      event.Type,
			"timestamp": event.Timestamp,
			"summary":   event.Summary,
		})
	})
}

// UpsertMemory writes or refreshes the Memory node's scalar properties.
// The vector embedding itself lives in the VectorStore, not here.
func (g *Neo4jGraphStore) UpsertMemory(ctx context.Context, namespace string, mem domain.Memory) error {
	return g.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MERGE (m:Memory {id: $id})
			SET m.namespace = $namespace,
			    m.content = $content,
			    m.kind = $kind,
			    m.memoryKey = $memoryKey,
			    m.subject = $subject,
			    m.expiresAt = $expiresAt,
			    m.importance = $importance,
			    m.frequency = $frequency,
			    m.lastSeenAt = $lastSeenAt,
			    m.sessionId = $sessionId
		`
		lastSeen := mem.UpdatedAt
		if lastSeen == "" {
			lastSeen = mem.CreatedAt
		}
		return tx.Run(ctx, query, map[string]any{
			"id":         mem.ID,
			"namespace":  namespace,
			"content":    mem.Content,
			"kind":       string(mem.Kind),
			"memoryKey":  mem.MemoryKey,
			"subject":    mem.Subject,
			"expiresAt":  mem.ExpiresAt,
			"importance": mem.Importance,
			"frequency":  mem.Frequency,
			"lastSeenAt": lastSeen,
			"sessionId":  mem.SessionID,
		})
	})
}

func (g *Neo4jGraphStore) LinkMemoryToSession(ctx context.Context, namespace, sessionID, memoryID string) error {
	return g.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (m:Memory {id: $memoryId})
			MERGE (s:Session {id: $sessionId})
			MERGE (s)-[:PRODUCED]->(m)
		`
		return tx.Run(ctx, query, map[string]any{
			"memoryId":  memoryID,
			"sessionId": domain.SessionNodeID(namespace, sessionID),
		})
	})
}

func (g *Neo4jGraphStore) LinkMemoryToTopic(ctx context.Context, namespace, memoryID, topic string) error {
	return g.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (m:Memory {id: $memoryId})
			MERGE (t:Topic {id: $topicId})
			MERGE (m)-[:ABOUT]->(t)
		`
		return tx.Run(ctx, query, map[string]any{
			"memoryId": memoryID,
			"topicId":  domain.TopicNodeID(namespace, topic),
		})
	})
}

func (g *Neo4jGraphStore) LinkMemoryToEntity(ctx context.Context, namespace, memoryID, entityType, entityName string) error {
	return g.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (m:Memory {id: $memoryId})
			MERGE (e:Entity {id: $entityId})
			MERGE (m)-[:MENTIONS]->(e)
		`
		return tx.Run(ctx, query, map[string]any{
			"memoryId": memoryID,
			"entityId": domain.EntityNodeID(namespace, entityType, entityName),
		})
	})
}

// LinkRelated creates a directed RELATED_TO synapse edge between two
// memories, idempotent under repeated ingestion.
func (g *Neo4jGraphStore) LinkRelated(ctx context.Context, namespace, fromID, toID string, weight float64) error {
	return g.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (a:Memory {id: $fromId})
			MATCH (b:Memory {id: $toId})
			MERGE (a)-[r:RELATED_TO]->(b)
			SET r.weight = $weight
		`
		return tx.Run(ctx, query, map[string]any{
			"fromId": fromID,
			"toId":   toID,
			"weight": weight,
		})
	})
}

// QueryRelated finds memories reachable from the given entities/topics via
// MENTIONS/ABOUT edges, scoring relationScore by normalized incidence.
func (g *Neo4jGraphStore) QueryRelated(ctx context.Context, namespace string, entities, topics []string, limit int) ([]GraphHit, error) {
	if len(entities) == 0 && len(topics) == 0 {
		return nil, nil
	}

	result, err := g.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		// Entity node ids embed the analyzer-assigned type, which retrieval
		// callers don't know, so entities are matched by name within the
		// namespace rather than by id.
		query := `
			MATCH (m:Memory {namespace: $namespace})
			OPTIONAL MATCH (m)-[:MENTIONS]->(e:Entity {namespace: $namespace}) WHERE e.name IN $entityNames
			OPTIONAL MATCH (m)-[:ABOUT]->(t:Topic {namespace: $namespace}) WHERE t.name IN $topicNames
			WITH m, count(DISTINCT e) + count(DISTINCT t) AS hits
			WHERE hits > 0
			RETURN m, hits
			ORDER BY hits DESC
			LIMIT $limit
		`
		res, err := tx.Run(ctx, query, map[string]any{
			"namespace":   namespace,
			"entityNames": entities,
			"topicNames":  topics,
			"limit":       limit,
		})
		if err != nil {
			return nil, err
		}

		var hits []GraphHit
		maxHits := 1.0
		var rows []neo4j.Record
		for res.Next(ctx) {
			rows = append(rows, *res.Record())
		}
		for _, rec := range rows {
			if v, ok := rec.Get("hits"); ok {
				if n, ok := v.(int64); ok && float64(n) > maxHits {
					maxHits = float64(n)
				}
			}
		}
		for _, rec := range rows {
			node, ok := rec.Get("m")
			if !ok {
				continue
			}
			n, ok := node.(neo4j.Node)
			if !ok {
				continue
			}
			hitCount := 0.0
			if v, ok := rec.Get("hits"); ok {
				if c, ok := v.(int64); ok {
					hitCount = float64(c)
				}
			}
			hits = append(hits, neo4jNodeToGraphHit(n, hitCount/maxHits))
		}
		return hits, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]GraphHit), nil
}

func neo4jNodeToGraphHit(n neo4j.Node, relationScore float64) GraphHit {
	props := n.Props
	get := func(k string) string {
		if v, ok := props[k]; ok && v != nil {
			s, _ := v.(string)
			return s
		}
		return ""
	}
	hit := GraphHit{
		ID:            get("id"),
		Content:       get("content"),
		LastSeenAt:    get("lastSeenAt"),
		Kind:          domain.Kind(get("kind")),
		MemoryKey:     get("memoryKey"),
		Subject:       get("subject"),
		ExpiresAt:     get("expiresAt"),
		RelationScore: relationScore,
	}
	if v, ok := props["importance"]; ok && v != nil {
		if f, ok := v.(float64); ok {
			hit.Importance = f
		}
	}
	if v, ok := props["frequency"]; ok && v != nil {
		if i, ok := v.(int64); ok {
			hit.Frequency = i
		}
	}
	return hit
}

func (g *Neo4jGraphStore) DeleteBySession(ctx context.Context, namespace, sessionID string) (int, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)
	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (m:Memory {namespace: $namespace, sessionId: $sessionId})
			DETACH DELETE m
			RETURN count(m) AS deleted
		`
		res, err := tx.Run(ctx, query, map[string]any{"namespace": namespace, "sessionId": sessionID})
		if err != nil {
			return 0, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return 0, nil
		}
		v, _ := rec.Get("deleted")
		n, _ := v.(int64)
		return int(n), nil
	})
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}

func (g *Neo4jGraphStore) DeleteByIDs(ctx context.Context, namespace string, ids []string) (int, error) {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)
	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		query := `
			MATCH (m:Memory {namespace: $namespace})
			WHERE m.id IN $ids
			DETACH DELETE m
			RETURN count(m) AS deleted
		`
		res, err := tx.Run(ctx, query, map[string]any{"namespace": namespace, "ids": ids})
		if err != nil {
			return 0, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return 0, nil
		}
		v, _ := rec.Get("deleted")
		n, _ := v.(int64)
		return int(n), nil
	})
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}

// schemaConstraints are the per-label id uniqueness constraints the
// node-key scheme relies on.
var schemaConstraints = []struct{ name, label string }{
	{"memory_id", "Memory"},
	{"session_id", "Session"},
	{"topic_id", "Topic"},
	{"entity_id", "Entity"},
	{"event_id", "Event"},
}

// ApplySchema creates every expected constraint, idempotent via
// IF NOT EXISTS.
func (g *Neo4jGraphStore) ApplySchema(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)
	for _, c := range schemaConstraints {
		query := fmt.Sprintf(
			"CREATE CONSTRAINT %s_unique IF NOT EXISTS FOR (n:%s) REQUIRE n.id IS UNIQUE",
			c.name, c.label,
		)
		if _, err := session.Run(ctx, query, nil); err != nil {
			return fmt.Errorf("neo4j: apply constraint %s: %w", c.name, err)
		}
	}
	return nil
}

// ValidateSchema returns an error naming the first expected constraint
// that is missing from the database.
func (g *Neo4jGraphStore) ValidateSchema(ctx context.Context) error {
	session := g.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	res, err := session.Run(ctx, "SHOW CONSTRAINTS YIELD name RETURN name", nil)
	if err != nil {
		return fmt.Errorf("neo4j: list constraints: %w", err)
	}
	have := make(map[string]struct{})
	for res.Next(ctx) {
		if v, ok := res.Record().Get("name"); ok {
			if name, ok := v.(string); ok {
				have[name] = struct{}{}
			}
		}
	}
	for _, c := range schemaConstraints {
		if _, ok := have[c.name+"_unique"]; !ok {
			return fmt.Errorf("neo4j: missing constraint %s_unique", c.name)
		}
	}
	return nil
}

func (g *Neo4jGraphStore) Ping(ctx context.Context) error {
	return g.driver.VerifyConnectivity(ctx)
}

func (g *Neo4jGraphStore) Close(ctx context.Context) error {
	return g.driver.Close(ctx)
}
