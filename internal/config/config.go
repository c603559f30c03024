// Package config loads Deep-Memory Server's configuration from environment
// variables using Viper's AutomaticEnv + default layer. No config-file or
// flag surface is needed here — the service runs as a long-lived process,
// not a CLI.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved, typed configuration for one server
// instance.
type Config struct {
	// Authz
	APIKey      string
	APIKeys     string // legacy CSV
	APIKeysJSON string
	RequireAPIKey bool

	// Guardrails — body size
	MaxBodyBytes       int64
	MaxUpdateBodyBytes int64

	// Guardrails — rate limit
	RateLimitEnabled     bool
	RateLimitWindowMS    int64
	RetrievePerWindow    int
	UpdatePerWindow      int
	ForgetPerWindow      int

	// Guardrails — backlog shedding
	UpdateBacklogRejectPending   int
	UpdateBacklogDelayPending    int
	UpdateBacklogReadOnlyPending int
	UpdateBacklogDelaySeconds    int

	UpdateDisabledNamespaces []string
	UpdateMinIntervalMS      int64
	UpdateSampleRate         float64

	NamespaceRetrieveConcurrency int
	UpdateConcurrency            int
	RetrieveDegradeRelatedPending int

	RetrieveCacheTTLMS int64
	RetrieveCacheSize  int

	// Durable queue
	QueueDir      string
	MaxAttempts   int
	RetryBaseMS   int64
	RetryMaxMS    int64
	KeepDone      bool
	RetentionDays int
	MaxTaskBytes  int64

	// Retrieval scoring
	MinSemanticScore  float64
	SemanticWeight    float64
	RelationWeight    float64
	DecayHalfLifeDays float64
	ImportanceBoost   float64
	FrequencyBoost    float64

	// Updater
	ImportanceThreshold  float64
	MaxMemoriesPerUpdate int
	DedupeScore          float64
	RelatedTopK          int

	// Sensitive filter
	SensitiveFilterEnabled bool
	RulesetVersion         string
	SensitivePatterns      []string

	// Audit
	AuditLogPath string

	// Startup
	MigrationsMode   string // off|validate|apply
	MigrationsStrict bool

	// Store connection strings
	Neo4jURI      string
	Neo4jUser     string
	Neo4jPassword string
	RedisURL      string

	// HTTP server
	Port string

	// Embedding model
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	OpenAIEmbedModel string
	OpenAIEmbedDim   int

	// Queue worker concurrency
	ForgetConcurrency int

	// Logging
	LogJSON  bool
	LogLevel string

	MetricsOpen bool
}

// Load binds every recognized environment variable with its default and
// returns the resolved Config.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("API_KEY", "")
	v.SetDefault("API_KEYS", "")
	v.SetDefault("API_KEYS_JSON", "")
	v.SetDefault("REQUIRE_API_KEY", false)

	v.SetDefault("MAX_BODY_BYTES", 1<<20)
	v.SetDefault("MAX_UPDATE_BODY_BYTES", 4<<20)

	v.SetDefault("RATE_LIMIT_ENABLED", true)
	v.SetDefault("RATE_LIMIT_WINDOW_MS", int64(60_000))
	v.SetDefault("RETRIEVE_PER_WINDOW", 60)
	v.SetDefault("UPDATE_PER_WINDOW", 60)
	v.SetDefault("FORGET_PER_WINDOW", 30)

	v.SetDefault("UPDATE_BACKLOG_REJECT_PENDING", 0)
	v.SetDefault("UPDATE_BACKLOG_DELAY_PENDING", 0)
	v.SetDefault("UPDATE_BACKLOG_READ_ONLY_PENDING", 0)
	v.SetDefault("UPDATE_BACKLOG_DELAY_SECONDS", 30)

	v.SetDefault("UPDATE_DISABLED_NAMESPACES", "")
	v.SetDefault("UPDATE_MIN_INTERVAL_MS", int64(0))
	v.SetDefault("UPDATE_SAMPLE_RATE", 1.0)

	v.SetDefault("NAMESPACE_RETRIEVE_CONCURRENCY", 0)
	v.SetDefault("UPDATE_CONCURRENCY", 4)
	v.SetDefault("RETRIEVE_DEGRADE_RELATED_PENDING", 0)
	v.SetDefault("RETRIEVE_CACHE_TTL_MS", int64(10_000))
	v.SetDefault("RETRIEVE_CACHE_SIZE", 512)

	v.SetDefault("QUEUE_DIR", "./data/queue")
	v.SetDefault("MAX_ATTEMPTS", 8)
	v.SetDefault("RETRY_BASE_MS", int64(500))
	v.SetDefault("RETRY_MAX_MS", int64(300_000))
	v.SetDefault("KEEP_DONE", false)
	v.SetDefault("RETENTION_DAYS", 7)
	v.SetDefault("MAX_TASK_BYTES", int64(2<<20))

	v.SetDefault("MIN_SEMANTIC_SCORE", 0.2)
	v.SetDefault("SEMANTIC_WEIGHT", 0.6)
	v.SetDefault("RELATION_WEIGHT", 0.4)
	v.SetDefault("DECAY_HALF_LIFE_DAYS", 90.0)
	v.SetDefault("IMPORTANCE_BOOST", 0.3)
	v.SetDefault("FREQUENCY_BOOST", 0.2)

	v.SetDefault("IMPORTANCE_THRESHOLD", 0.35)
	v.SetDefault("MAX_MEMORIES_PER_UPDATE", 20)
	v.SetDefault("DEDUPE_SCORE", 0.92)
	v.SetDefault("RELATED_TOPK", 3)

	v.SetDefault("SENSITIVE_FILTER_ENABLED", true)
	v.SetDefault("RULESET_VERSION", "v1")
	v.SetDefault("SENSITIVE_PATTERNS_JSON", "")

	v.SetDefault("AUDIT_LOG_PATH", "./data/audit.log")

	v.SetDefault("MIGRATIONS_MODE", "off")
	v.SetDefault("MIGRATIONS_STRICT", false)

	v.SetDefault("NEO4J_URI", "bolt://localhost:7687")
	v.SetDefault("NEO4J_USER", "neo4j")
	v.SetDefault("NEO4J_PASSWORD", "")
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")

	v.SetDefault("PORT", "8080")

	v.SetDefault("OPENAI_API_KEY", "")
	v.SetDefault("OPENAI_BASE_URL", "")
	v.SetDefault("OPENAI_EMBED_MODEL", "text-embedding-3-small")
	v.SetDefault("OPENAI_EMBED_DIM", 1536)

	v.SetDefault("FORGET_CONCURRENCY", 2)

	v.SetDefault("LOG_JSON", true)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("METRICS_OPEN", false)

	disabled := v.GetString("UPDATE_DISABLED_NAMESPACES")
	var disabledList []string
	if disabled != "" {
		disabledList = strings.Split(disabled, ",")
	}

	patterns, err := sensitivePatterns(v.GetString("SENSITIVE_PATTERNS_JSON"), v.GetString("RULESET_VERSION"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		APIKey:        v.GetString("API_KEY"),
		APIKeys:       v.GetString("API_KEYS"),
		APIKeysJSON:   v.GetString("API_KEYS_JSON"),
		RequireAPIKey: v.GetBool("REQUIRE_API_KEY"),

		MaxBodyBytes:       v.GetInt64("MAX_BODY_BYTES"),
		MaxUpdateBodyBytes: v.GetInt64("MAX_UPDATE_BODY_BYTES"),

		RateLimitEnabled:  v.GetBool("RATE_LIMIT_ENABLED"),
		RateLimitWindowMS: v.GetInt64("RATE_LIMIT_WINDOW_MS"),
		RetrievePerWindow: v.GetInt("RETRIEVE_PER_WINDOW"),
		UpdatePerWindow:   v.GetInt("UPDATE_PER_WINDOW"),
		ForgetPerWindow:   v.GetInt("FORGET_PER_WINDOW"),

		UpdateBacklogRejectPending:   v.GetInt("UPDATE_BACKLOG_REJECT_PENDING"),
		UpdateBacklogDelayPending:    v.GetInt("UPDATE_BACKLOG_DELAY_PENDING"),
		UpdateBacklogReadOnlyPending: v.GetInt("UPDATE_BACKLOG_READ_ONLY_PENDING"),
		UpdateBacklogDelaySeconds:    v.GetInt("UPDATE_BACKLOG_DELAY_SECONDS"),

		UpdateDisabledNamespaces: disabledList,
		UpdateMinIntervalMS:      v.GetInt64("UPDATE_MIN_INTERVAL_MS"),
		UpdateSampleRate:         v.GetFloat64("UPDATE_SAMPLE_RATE"),

		NamespaceRetrieveConcurrency:  v.GetInt("NAMESPACE_RETRIEVE_CONCURRENCY"),
		UpdateConcurrency:             v.GetInt("UPDATE_CONCURRENCY"),
		RetrieveDegradeRelatedPending: v.GetInt("RETRIEVE_DEGRADE_RELATED_PENDING"),
		RetrieveCacheTTLMS:            v.GetInt64("RETRIEVE_CACHE_TTL_MS"),
		RetrieveCacheSize:             v.GetInt("RETRIEVE_CACHE_SIZE"),

		QueueDir:      v.GetString("QUEUE_DIR"),
		MaxAttempts:   v.GetInt("MAX_ATTEMPTS"),
		RetryBaseMS:   v.GetInt64("RETRY_BASE_MS"),
		RetryMaxMS:    v.GetInt64("RETRY_MAX_MS"),
		KeepDone:      v.GetBool("KEEP_DONE"),
		RetentionDays: v.GetInt("RETENTION_DAYS"),
		MaxTaskBytes:  v.GetInt64("MAX_TASK_BYTES"),

		MinSemanticScore:  v.GetFloat64("MIN_SEMANTIC_SCORE"),
		SemanticWeight:    v.GetFloat64("SEMANTIC_WEIGHT"),
		RelationWeight:    v.GetFloat64("RELATION_WEIGHT"),
		DecayHalfLifeDays: v.GetFloat64("DECAY_HALF_LIFE_DAYS"),
		ImportanceBoost:   v.GetFloat64("IMPORTANCE_BOOST"),
		FrequencyBoost:    v.GetFloat64("FREQUENCY_BOOST"),

		ImportanceThreshold:  v.GetFloat64("IMPORTANCE_THRESHOLD"),
		MaxMemoriesPerUpdate: v.GetInt("MAX_MEMORIES_PER_UPDATE"),
		DedupeScore:          v.GetFloat64("DEDUPE_SCORE"),
		RelatedTopK:          v.GetInt("RELATED_TOPK"),

		SensitiveFilterEnabled: v.GetBool("SENSITIVE_FILTER_ENABLED"),
		RulesetVersion:         v.GetString("RULESET_VERSION"),
		SensitivePatterns:      patterns,

		AuditLogPath: v.GetString("AUDIT_LOG_PATH"),

		MigrationsMode:   v.GetString("MIGRATIONS_MODE"),
		MigrationsStrict: v.GetBool("MIGRATIONS_STRICT"),

		Neo4jURI:      v.GetString("NEO4J_URI"),
		Neo4jUser:     v.GetString("NEO4J_USER"),
		Neo4jPassword: v.GetString("NEO4J_PASSWORD"),
		RedisURL:      v.GetString("REDIS_URL"),

		Port: v.GetString("PORT"),

		OpenAIAPIKey:     v.GetString("OPENAI_API_KEY"),
		OpenAIBaseURL:    v.GetString("OPENAI_BASE_URL"),
		OpenAIEmbedModel: v.GetString("OPENAI_EMBED_MODEL"),
		OpenAIEmbedDim:   v.GetInt("OPENAI_EMBED_DIM"),

		ForgetConcurrency: v.GetInt("FORGET_CONCURRENCY"),

		LogJSON:  v.GetBool("LOG_JSON"),
		LogLevel: v.GetString("LOG_LEVEL"),

		MetricsOpen: v.GetBool("METRICS_OPEN"),
	}

	return cfg, nil
}

// RateLimitWindow returns the configured rate-limit window as a
// time.Duration, used by main when it builds the guardrails rate limiters.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMS) * time.Millisecond
}

// rulesetV1 is the built-in sensitive-content ruleset: common credential
// and personal-identifier shapes that should never become durable memories.
var rulesetV1 = []string{
	`\b\d{3}-\d{2}-\d{4}\b`,                      // US SSN
	`\b(?:\d[ -]*?){13,19}\b`,                    // card-number-ish digit runs
	`(?i)\b(password|passwd|secret|api[_-]?key|token)\b\s*[:=]\s*\S+`,
	`(?i)-----BEGIN [A-Z ]*PRIVATE KEY-----`,
}

// sensitivePatterns resolves the active regex ruleset: a custom JSON list
// when provided, else the built-in ruleset for the configured version.
func sensitivePatterns(customJSON, version string) ([]string, error) {
	if strings.TrimSpace(customJSON) != "" {
		var patterns []string
		if err := json.Unmarshal([]byte(customJSON), &patterns); err != nil {
			return nil, fmt.Errorf("config: parse SENSITIVE_PATTERNS_JSON: %w", err)
		}
		return patterns, nil
	}
	switch version {
	case "", "v1":
		return rulesetV1, nil
	default:
		return rulesetV1, nil
	}
}
