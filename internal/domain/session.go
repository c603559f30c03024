package domain

// Session tracks per-session ingest bookkeeping used for idempotent replay
// detection.
type Session struct {
	Namespace          string `json:"namespace"`
	SessionID          string `json:"session_id"`
	LastTranscriptHash string `json:"last_transcript_hash,omitempty"`
	LastMessageCount   int    `json:"last_message_count,omitempty"`
	LastIngestedAt     string `json:"last_ingested_at,omitempty"`
}

// Key returns the "{namespace}::{sessionID}" string used as the durable
// queue's per-key coalescing key.
func (s Session) Key() string {
	return s.Namespace + "::" + s.SessionID
}

// Message is a single transcript turn fed to the analyzer and hashed for
// idempotency.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Draft is the analyzer's transient candidate-memory output, consumed by
// the updater before importance/sensitivity filtering.
type Draft struct {
	Content    string   `json:"content"`
	Kind       Kind     `json:"kind,omitempty"`
	MemoryKey  string   `json:"memory_key,omitempty"`
	Subject    string   `json:"subject,omitempty"`
	ExpiresAt  string   `json:"expires_at,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Entities   []string `json:"entities,omitempty"`
	Topics     []string `json:"topics,omitempty"`
	CreatedAt  string   `json:"created_at,omitempty"`
	Signals    Signals  `json:"signals"`
}

// Signals are the raw inputs the importance scorer consumes.
type Signals struct {
	Frequency  float64 `json:"frequency"`
	UserIntent float64 `json:"user_intent"`
	Length     int     `json:"length"`
}

// Topic, Entity and Event are graph-only analyzer outputs that get upserted
// as nodes alongside the drafts they were extracted from.
type Topic struct {
	Name string `json:"name"`
}

type Entity struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type Event struct {
	Type      string   `json:"type"`
	Timestamp string   `json:"timestamp"`
	Summary   string   `json:"summary"`
	Topics    []string `json:"topics,omitempty"`
	Entities  []string `json:"entities,omitempty"`
}

// Analysis is the full analyzer output for a transcript. The analyzer
// itself is an opaque external collaborator; this type is the contract the
// updater consumes.
type Analysis struct {
	Topics   []Topic
	Entities []Entity
	Events   []Event
	Drafts   []Draft
	Filtered int
}

// AnalyzeParams bundles the tunables passed into the analyzer.
type AnalyzeParams struct {
	SessionID             string
	Messages              []Message
	MaxMemoriesPerSession int
	ImportanceThreshold   float64
}

// Analyzer is the opaque external collaborator that turns a transcript into
// drafts, topics, entities and events. Tokenizing, entity typing and event
// detection are its concern, not this package's.
type Analyzer interface {
	Analyze(params AnalyzeParams) (Analysis, error)
}
