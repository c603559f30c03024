// Package updater implements the ingestion pipeline: it takes a session's
// transcript, runs it through the analyzer, and turns the resulting
// drafts into durable memories via sensitive filtering, embedding,
// novelty probing, importance gating, dedupe-or-create, and a best-effort
// dual write to the graph and vector stores.
package updater

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deep-memory/server/internal/adapters"
	"github.com/deep-memory/server/internal/domain"
	"github.com/deep-memory/server/internal/hashutil"
	"github.com/deep-memory/server/internal/importance"
)

// Config bundles the updater's tunables.
type Config struct {
	ImportanceThreshold  float64
	MaxMemoriesPerUpdate int
	DedupeScore          float64
	RelatedTopK          int
	MinSemanticScore     float64
	SensitiveFilterEnabled bool
	SensitivePatterns      []string // regex patterns; a match marks a draft sensitive
}

// Status is the outcome of one Update call.
type Status string

const (
	StatusProcessed Status = "processed"
	StatusSkipped   Status = "skipped"
	StatusError     Status = "error"
)

// Result is the output of Update.
type Result struct {
	Status          Status `json:"status"`
	MemoriesAdded   int    `json:"memories_added"`
	MemoriesFiltered int   `json:"memories_filtered"`
	Error           string `json:"error,omitempty"`
}

// Updater drives the ingestion pipeline against a GraphStore, VectorStore,
// Embedder and Analyzer.
type Updater struct {
	cfg      Config
	graph    adapters.GraphStore
	vectors  adapters.VectorStore
	embed    adapters.Embedder
	analyzer domain.Analyzer
	sensitive []*regexp.Regexp
	now      func() time.Time
	log      *logrus.Entry
}

// New builds an Updater, compiling the sensitive-content regex ruleset
// once up front.
func New(cfg Config, graph adapters.GraphStore, vectors adapters.VectorStore, embed adapters.Embedder, analyzer domain.Analyzer, now func() time.Time, log *logrus.Entry) (*Updater, error) {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	var compiled []*regexp.Regexp
	for _, pattern := range cfg.SensitivePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("updater: compile sensitive pattern %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}

	return &Updater{
		cfg: cfg, graph: graph, vectors: vectors, embed: embed, analyzer: analyzer,
		sensitive: compiled, now: now, log: log,
	}, nil
}

func (u *Updater) isSensitive(content string) bool {
	if !u.cfg.SensitiveFilterEnabled {
		return false
	}
	for _, re := range u.sensitive {
		if re.MatchString(content) {
			return true
		}
	}
	return false
}

// Update runs the full ingestion pipeline for one session transcript.
func (u *Updater) Update(ctx context.Context, namespace, sessionID string, messages []domain.Message) (Result, error) {
	transcriptHash, err := hashutil.TranscriptHash(messages)
	if err != nil {
		return Result{Status: StatusError, Error: err.Error()}, err
	}

	session, err := u.graph.UpsertSession(ctx, namespace, sessionID)
	if err != nil {
		u.log.WithError(err).Warn("updater: session upsert failed, continuing best-effort")
	}
	if session.LastTranscriptHash != "" && session.LastTranscriptHash == transcriptHash {
		return Result{Status: StatusSkipped}, nil
	}

	analysis, err := u.analyzer.Analyze(domain.AnalyzeParams{
		SessionID:             sessionID,
		Messages:               messages,
		MaxMemoriesPerSession:  u.cfg.MaxMemoriesPerUpdate,
		ImportanceThreshold:    u.cfg.ImportanceThreshold,
	})
	if err != nil {
		return Result{Status: StatusError, Error: err.Error()}, err
	}

	for _, topic := range analysis.Topics {
		if err := u.graph.UpsertTopic(ctx, namespace, topic); err != nil {
			u.log.WithError(err).Warn("updater: topic upsert failed")
		}
	}
	for _, entity := range analysis.Entities {
		if err := u.graph.UpsertEntity(ctx, namespace, entity); err != nil {
			u.log.WithError(err).Warn("updater: entity upsert failed")
		}
	}
	for _, event := range analysis.Events {
		if err := u.graph.UpsertEvent(ctx, namespace, event); err != nil {
			u.log.WithError(err).Warn("updater: event upsert failed")
		}
	}

	entityTypes := make(map[string]string, len(analysis.Entities))
	for _, entity := range analysis.Entities {
		entityTypes[entity.Name] = entity.Type
	}

	added := 0
	filtered := analysis.Filtered

	for _, draft := range analysis.Drafts {
		if added >= u.cfg.MaxMemoriesPerUpdate {
			break
		}

		if u.isSensitive(draft.Content) {
			filtered++
			continue
		}

		vec, err := u.embed.Embed(ctx, draft.Content)
		if err != nil {
			u.log.WithError(err).Warn("updater: embed failed, skipping draft")
			filtered++
			continue
		}

		bestID, bestScore := u.novelty(ctx, namespace, vec)
		novelty := clamp(1-bestScore, 0, 1)

		score := importance.Score(importance.Signals{
			Frequency:  draft.Signals.Frequency,
			Novelty:    novelty,
			UserIntent: draft.Signals.UserIntent,
			Length:     draft.Signals.Length,
		})
		if score < u.cfg.ImportanceThreshold {
			filtered++
			continue
		}

		isDup := bestID != "" && bestScore >= u.cfg.DedupeScore

		var rawID string
		if isDup {
			rawID = bestID
		} else {
			rawID = "mem_" + hashutil.StableHashHex(sessionID+":"+draft.Content)
		}
		id := domain.NewMemoryID(namespace, rawID)

		mem := domain.Memory{
			ID:         id,
			Namespace:  namespace,
			Content:    draft.Content,
			Kind:       draft.Kind,
			MemoryKey:  draft.MemoryKey,
			Subject:    draft.Subject,
			ExpiresAt:  draft.ExpiresAt,
			Confidence: draft.Confidence,
			Importance: score,
			Frequency:  1,
			Entities:   draft.Entities,
			Topics:     draft.Topics,

			SourceTranscriptHash: transcriptHash,
			SourceMessageCount:   len(messages),
			SessionID:            sessionID,
		}

		now := u.now().UTC().Format(time.RFC3339)
		mem.CreatedAt = draft.CreatedAt
		if mem.CreatedAt == "" {
			mem.CreatedAt = now
		}
		mem.UpdatedAt = now
		mem.LastSeenAt = now

		if isDup {
			if existing, err := u.fetchExisting(ctx, namespace, id, vec); err == nil {
				mem.Entities = domain.UnionEntities(existing.Entities, mem.Entities, domain.MaxEntities)
				mem.Topics = domain.UnionEntities(existing.Topics, mem.Topics, domain.MaxTopics)
				if mem.Importance < existing.Importance {
					mem.Importance = existing.Importance
				}
				mem.Frequency = existing.Frequency + 1
				if mem.Kind == "" {
					mem.Kind = existing.Kind
				}
				if mem.MemoryKey == "" {
					mem.MemoryKey = existing.MemoryKey
				}
				if mem.Subject == "" {
					mem.Subject = existing.Subject
				}
				if mem.ExpiresAt == "" {
					mem.ExpiresAt = existing.ExpiresAt
				}
				if mem.Confidence == nil {
					mem.Confidence = existing.Confidence
				}
				mem.CreatedAt = existing.CreatedAt
			}
		}

		if err := u.graph.UpsertMemory(ctx, namespace, mem); err != nil {
			u.log.WithError(err).Warn("updater: graph memory upsert failed")
		}
		if err := u.graph.LinkMemoryToSession(ctx, namespace, sessionID, id); err != nil {
			u.log.WithError(err).Warn("updater: link memory-session failed")
		}
		for _, topic := range mem.Topics {
			if err := u.graph.LinkMemoryToTopic(ctx, namespace, id, topic); err != nil {
				u.log.WithError(err).Warn("updater: link memory-topic failed")
			}
		}
		for _, entity := range mem.Entities {
			entityType := entityTypes[entity]
			if entityType == "" {
				entityType = "other"
			}
			if err := u.graph.LinkMemoryToEntity(ctx, namespace, id, entityType, entity); err != nil {
				u.log.WithError(err).Warn("updater: link memory-entity failed")
			}
		}

		if err := u.vectors.Upsert(ctx, mem, vec); err != nil {
			u.log.WithError(err).Warn("updater: vector upsert failed")
		}

		if u.cfg.RelatedTopK > 0 {
			u.linkSynapses(ctx, namespace, id, vec)
		}

		added++
	}

	session.LastTranscriptHash = transcriptHash
	session.LastMessageCount = len(messages)
	session.LastIngestedAt = u.now().UTC().Format(time.RFC3339)
	if err := u.graph.MarkSessionIngested(ctx, session); err != nil {
		u.log.WithError(err).Warn("updater: session ingest bookkeeping failed")
	}

	return Result{Status: StatusProcessed, MemoriesAdded: added, MemoriesFiltered: filtered}, nil
}

// novelty runs the single-hit probe used for both dedupe detection and the
// Importance novelty signal.
func (u *Updater) novelty(ctx context.Context, namespace string, vec []float64) (bestID string, bestScore float64) {
	hits, err := u.vectors.Search(ctx, namespace, vec, 1, 0)
	if err != nil || len(hits) == 0 {
		return "", 0
	}
	return hits[0].ID, hits[0].Score
}

func (u *Updater) fetchExisting(ctx context.Context, namespace, id string, vec []float64) (domain.Memory, error) {
	hits, err := u.vectors.Search(ctx, namespace, vec, 5, 0)
	if err != nil {
		return domain.Memory{}, err
	}
	for _, h := range hits {
		if h.ID == id {
			return h.Payload, nil
		}
	}
	return domain.Memory{}, fmt.Errorf("updater: existing memory %s not found for merge", id)
}

// linkSynapses upserts RELATED_TO edges between mem and its near-duplicate
// neighbors, skipping itself.
func (u *Updater) linkSynapses(ctx context.Context, namespace, memoryID string, vec []float64) {
	minScore := u.cfg.MinSemanticScore
	if minScore < 0.8 {
		minScore = 0.8
	}
	hits, err := u.vectors.Search(ctx, namespace, vec, u.cfg.RelatedTopK+1, minScore)
	if err != nil {
		return
	}
	for _, hit := range hits {
		if hit.ID == memoryID {
			continue
		}
		if err := u.graph.LinkRelated(ctx, namespace, memoryID, hit.ID, hit.Score); err != nil {
			u.log.WithError(err).Warn("updater: synapse link failed")
		}
	}
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
