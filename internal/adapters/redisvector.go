package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/deep-memory/server/internal/domain"
)

// RedisVectorStore implements VectorStore on top of Redis, generalizing
// the teacher's RedisRepository (db/repository/redis.go) cache-key
// pattern. go-redis alone has no ANN index, so search is a linear scan
// over the namespace's key set with cosine similarity computed in
// application code — acceptable at the corpus sizes a single namespace's
// long-term memory realistically reaches; see DESIGN.md for the tradeoff.
type RedisVectorStore struct {
	client *redis.Client
}

type storedVector struct {
	Memory domain.Memory `json:"memory"`
	Vector []float64     `json:"vector"`
}

// NewRedisVectorStore parses url (a redis:// connection string, matching
// the teacher's NewRedisRepository) and pings before returning.
func NewRedisVectorStore(url string) (*RedisVectorStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis vector store: parse url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis vector store: ping: %w", err)
	}

	return &RedisVectorStore{client: client}, nil
}

func memoryKey(namespace, id string) string {
	return "vec:" + namespace + ":" + id
}

func namespaceIndexKey(namespace string) string {
	return "vec-index:" + namespace
}

// Upsert stores mem's payload and vector, and indexes its id under the
// namespace's set for Search to scan.
func (r *RedisVectorStore) Upsert(ctx context.Context, mem domain.Memory, vector []float64) error {
	rec := storedVector{Memory: mem, Vector: vector}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, memoryKey(mem.Namespace, mem.ID), data, 0)
	pipe.SAdd(ctx, namespaceIndexKey(mem.Namespace), mem.ID)
	_, err = pipe.Exec(ctx)
	return err
}

// Search scans every vector indexed under namespace and returns the
// top-scoring hits at or above minScore, most similar first.
func (r *RedisVectorStore) Search(ctx context.Context, namespace string, vector []float64, limit int, minScore float64) ([]VectorHit, error) {
	ids, err := r.client.SMembers(ctx, namespaceIndexKey(namespace)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = memoryKey(namespace, id)
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var hits []VectorHit
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec storedVector
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
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

func sortHitsDescending(hits []VectorHit) {
	for i := 1; i < len(hits); i++ {
		for j := i; j > 0 && hits[j].Score > hits[j-1].Score; j-- {
			hits[j], hits[j-1] = hits[j-1], hits[j]
		}
	}
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func (r *RedisVectorStore) DeleteBySession(ctx context.Context, namespace, sessionID string) (int, error) {
	ids, err := r.client.SMembers(ctx, namespaceIndexKey(namespace)).Result()
	if err != nil {
		return 0, err
	}

	var toDelete []string
	for _, id := range ids {
		data, err := r.client.Get(ctx, memoryKey(namespace, id)).Result()
		if err != nil {
			continue
		}
		var rec storedVector
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			continue
		}
		if rec.Memory.SessionID == sessionID {
			toDelete = append(toDelete, id)
		}
	}
	if len(toDelete) == 0 {
		return 0, nil
	}
	return r.deleteIDs(ctx, namespace, toDelete)
}

func (r *RedisVectorStore) DeleteByIDs(ctx context.Context, namespace string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	return r.deleteIDs(ctx, namespace, ids)
}

func (r *RedisVectorStore) deleteIDs(ctx context.Context, namespace string, ids []string) (int, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = memoryKey(namespace, id)
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, keys...)
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	pipe.SRem(ctx, namespaceIndexKey(namespace), members...)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (r *RedisVectorStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisVectorStore) Close(ctx context.Context) error {
	return r.client.Close()
}
