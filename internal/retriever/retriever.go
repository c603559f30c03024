// Package retriever implements the hybrid context-retrieval algorithm:
// merge dense-vector ANN hits with knowledge-graph relation expansion,
// apply temporal decay and importance/frequency boosts, resolve
// memory-key slots, drop expired entries, and render the final context
// string handed back to the caller.
package retriever

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/deep-memory/server/internal/adapters"
	"github.com/deep-memory/server/internal/domain"
)

// Config bundles the scoring tunables a Retriever needs.
type Config struct {
	MinSemanticScore  float64
	SemanticWeight    float64
	RelationWeight    float64
	ImportanceBoost   float64
	FrequencyBoost    float64
	DecayHalfLifeDays float64
}

// Retriever merges VectorStore and GraphStore results into ranked memories.
type Retriever struct {
	cfg     Config
	vectors adapters.VectorStore
	graph   adapters.GraphStore
	embed   adapters.Embedder
	now     func() time.Time
}

// New constructs a Retriever. now defaults to time.Now when nil, letting
// tests pin the clock.
func New(cfg Config, vectors adapters.VectorStore, graph adapters.GraphStore, embed adapters.Embedder, now func() time.Time) *Retriever {
	if now == nil {
		now = time.Now
	}
	return &Retriever{cfg: cfg, vectors: vectors, graph: graph, embed: embed, now: now}
}

// Request is the input to Retrieve.
type Request struct {
	Namespace    string
	UserInput    string
	SessionID    string
	MaxMemories  int
	Entities     []string
	Topics       []string
	SkipRelation bool // degrade mode: skip the graph relation query entirely
}

// RankedMemory is one entry of a Result's Memories list.
type RankedMemory struct {
	ID             string   `json:"id"`
	Content        string   `json:"content"`
	Importance     float64  `json:"importance"`
	Relevance      float64  `json:"relevance"`
	SemanticScore  float64  `json:"semantic_score"`
	RelationScore  float64  `json:"relation_score"`
	Kind           domain.Kind `json:"kind,omitempty"`
	MemoryKey      string   `json:"memory_key,omitempty"`
	Subject        string   `json:"subject,omitempty"`
	Sources        []string `json:"sources"`
	Final          float64  `json:"-"`
}

// Result is the output of Retrieve.
type Result struct {
	Entities []string       `json:"entities"`
	Topics   []string       `json:"topics"`
	Memories []RankedMemory `json:"memories"`
	Context  string         `json:"context"`
}

type mergedRecord struct {
	id         string
	content    string
	importance float64
	frequency  int64
	lastSeenAt string
	kind       domain.Kind
	memoryKey  string
	subject    string
	expiresAt  string
	confidence *float64
	semantic   float64
	relation   float64
	sources    map[string]struct{}
}

// Retrieve runs the full hybrid-ranking pipeline for req.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (Result, error) {
	maxMemories := req.MaxMemories
	if maxMemories <= 0 {
		maxMemories = 10
	}
	candidateBudget := clampInt(maxMemories*5, 10, 50)

	merged := make(map[string]*mergedRecord)

	if vec, err := r.embed.Embed(ctx, req.UserInput); err == nil {
		if hits, err := r.vectors.Search(ctx, req.Namespace, vec, candidateBudget, r.cfg.MinSemanticScore); err == nil {
			for _, hit := range hits {
				rec := getOrCreate(merged, hit.ID)
				lastSeen := hit.Payload.UpdatedAt
				if lastSeen == "" {
					lastSeen = hit.Payload.CreatedAt
				}
				rec.content = hit.Payload.Content
				rec.importance = hit.Payload.Importance
				rec.frequency = hit.Payload.Frequency
				rec.lastSeenAt = lastSeen
				rec.kind = hit.Payload.Kind
				rec.memoryKey = hit.Payload.MemoryKey
				rec.subject = hit.Payload.Subject
				rec.expiresAt = hit.Payload.ExpiresAt
				rec.confidence = hit.Payload.Confidence
				if hit.Score > rec.semantic {
					rec.semantic = hit.Score
				}
				rec.sources["qdrant"] = struct{}{}
			}
		}
	}

	if !req.SkipRelation {
		if hits, err := r.graph.QueryRelated(ctx, req.Namespace, req.Entities, req.Topics, candidateBudget); err == nil {
			for _, hit := range hits {
				rec := getOrCreate(merged, hit.ID)
				if rec.content == "" {
					rec.content = hit.Content
				}
				if rec.importance == 0 {
					rec.importance = hit.Importance
				}
				if rec.frequency == 0 {
					rec.frequency = hit.Frequency
				}
				if rec.lastSeenAt == "" {
					rec.lastSeenAt = hit.LastSeenAt
				}
				if rec.kind == "" {
					rec.kind = hit.Kind
				}
				if rec.memoryKey == "" {
					rec.memoryKey = hit.MemoryKey
				}
				if rec.subject == "" {
					rec.subject = hit.Subject
				}
				if rec.expiresAt == "" {
					rec.expiresAt = hit.ExpiresAt
				}
				if rec.confidence == nil {
					rec.confidence = hit.Confidence
				}
				if hit.RelationScore > rec.relation {
					rec.relation = hit.RelationScore
				}
				rec.sources["neo4j"] = struct{}{}
			}
		}
	}

	now := r.now()
	sw, rw := normalizeWeights(r.cfg.SemanticWeight, r.cfg.RelationWeight)

	var ranked []RankedMemory
	for _, rec := range merged {
		if isExpired(rec.expiresAt, now) {
			continue
		}

		relevance := sw*rec.semantic + rw*rec.relation
		freqNorm := clampFloat(math.Log1p(float64(rec.frequency))/math.Log(10), 0, 1)
		boost := (1 + r.cfg.ImportanceBoost*clampFloat(rec.importance, 0, 1)) * (1 + r.cfg.FrequencyBoost*freqNorm)
		decay := decayFactor(rec.lastSeenAt, now, r.cfg.DecayHalfLifeDays)
		final := relevance * boost * decay

		sources := make([]string, 0, len(rec.sources))
		for _, s := range []string{"qdrant", "neo4j"} {
			if _, ok := rec.sources[s]; ok {
				sources = append(sources, s)
			}
		}

		ranked = append(ranked, RankedMemory{
			ID:            rec.id,
			Content:       rec.content,
			Importance:    rec.importance,
			Relevance:     relevance,
			SemanticScore: rec.semantic,
			RelationScore: rec.relation,
			Kind:          rec.kind,
			MemoryKey:     rec.memoryKey,
			Subject:       rec.subject,
			Sources:       sources,
			Final:         final,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Final > ranked[j].Final })

	ranked = resolveSlots(ranked)

	if len(ranked) > maxMemories {
		ranked = ranked[:maxMemories]
	}

	return Result{
		Entities: req.Entities,
		Topics:   req.Topics,
		Memories: ranked,
		Context:  renderContext(ranked),
	}, nil
}

func getOrCreate(m map[string]*mergedRecord, id string) *mergedRecord {
	rec, ok := m[id]
	if !ok {
		rec = &mergedRecord{id: id, sources: make(map[string]struct{})}
		m[id] = rec
	}
	return rec
}

// normalizeWeights scales semantic/relation weights so they sum to 1,
// falling back to 0.6/0.4 when both are zero.
func normalizeWeights(sw, rw float64) (float64, float64) {
	sum := sw + rw
	if sum <= 0 {
		return 0.6, 0.4
	}
	return sw / sum, rw / sum
}

func isExpired(expiresAt string, now time.Time) bool {
	if expiresAt == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return false
	}
	return t.Before(now)
}

// decayFactor computes max(0.1, 0.5^(ageDays/halfLifeDays)), returning 1
// when lastSeenAt is missing or unparsable.
func decayFactor(lastSeenAt string, now time.Time, halfLifeDays float64) float64 {
	if lastSeenAt == "" {
		return 1
	}
	t, err := time.Parse(time.RFC3339, lastSeenAt)
	if err != nil {
		return 1
	}
	ageDays := now.Sub(t).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	if halfLifeDays <= 0 {
		halfLifeDays = 90
	}
	decay := math.Pow(0.5, ageDays/halfLifeDays)
	if decay < 0.1 {
		decay = 0.1
	}
	return decay
}

// resolveSlots groups survivors by memoryKey (falling back to id) and
// keeps the record with the largest Final per group, tie-breaking on
// Importance. Input must already be sorted by Final descending.
func resolveSlots(ranked []RankedMemory) []RankedMemory {
	best := make(map[string]RankedMemory)
	order := make([]string, 0, len(ranked))

	for _, rec := range ranked {
		slot := rec.MemoryKey
		if slot == "" {
			slot = rec.ID
		}
		current, ok := best[slot]
		if !ok {
			best[slot] = rec
			order = append(order, slot)
			continue
		}
		if rec.Final > current.Final || (rec.Final == current.Final && rec.Importance > current.Importance) {
			best[slot] = rec
		}
	}

	out := make([]RankedMemory, 0, len(order))
	for _, slot := range order {
		out = append(out, best[slot])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Final > out[j].Final })
	return out
}

func renderContext(ranked []RankedMemory) string {
	if len(ranked) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Relevant long-term memory:\n")
	for i, rec := range ranked {
		fmt.Fprintf(&b, "%d. (%s, imp=%s) %s\n", i+1, formatScore(rec.Final), formatScore(rec.Importance), rec.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', 2, 64)
}

func clampInt(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func clampFloat(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
