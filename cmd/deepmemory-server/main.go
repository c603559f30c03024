// Command deepmemory-server wires every subsystem — retriever, updater,
// the two durable queues, and the ingress HTTP surface — into one
// long-running process, matching cli/root.go's runServer startup and
// shutdown sequence: load configuration, dial stores, start the queue
// pumps, serve HTTP, then drain on SIGINT/SIGTERM.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/deep-memory/server/internal/adapters"
	"github.com/deep-memory/server/internal/analyzer"
	"github.com/deep-memory/server/internal/authz"
	"github.com/deep-memory/server/internal/config"
	"github.com/deep-memory/server/internal/domain"
	"github.com/deep-memory/server/internal/guardrails"
	"github.com/deep-memory/server/internal/hashutil"
	"github.com/deep-memory/server/internal/ingress"
	"github.com/deep-memory/server/internal/obslog"
	"github.com/deep-memory/server/internal/queue"
	"github.com/deep-memory/server/internal/retriever"
	"github.com/deep-memory/server/internal/updater"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger := obslog.New(obslog.Options{JSON: cfg.LogJSON, Level: level})
	entry := logrus.NewEntry(logger)

	ctx, cancelDial := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelDial()

	var graph adapters.GraphStore
	neo4jStore, neo4jErr := adapters.NewNeo4jGraphStore(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword)
	if neo4jErr != nil {
		if cfg.MigrationsStrict {
			log.Fatalf("graph store not ready: %v", neo4jErr)
		}
		entry.WithError(neo4jErr).Warn("graph store unavailable at startup, starting degraded")
		graph = adapters.DegradedGraphStore{Err: neo4jErr}
	} else {
		graph = neo4jStore
		defer neo4jStore.Close(context.Background())

		switch cfg.MigrationsMode {
		case "apply":
			if err := neo4jStore.ApplySchema(ctx); err != nil {
				if cfg.MigrationsStrict {
					log.Fatalf("graph schema apply failed: %v", err)
				}
				entry.WithError(err).Warn("graph schema apply failed, starting degraded")
			}
		case "validate":
			if err := neo4jStore.ValidateSchema(ctx); err != nil {
				if cfg.MigrationsStrict {
					log.Fatalf("graph schema not ready: %v", err)
				}
				entry.WithError(err).Warn("graph schema not ready, starting degraded")
			}
		}
	}

	var vectors adapters.VectorStore
	redisStore, redisErr := adapters.NewRedisVectorStore(cfg.RedisURL)
	if redisErr != nil {
		if cfg.MigrationsStrict {
			log.Fatalf("vector store not ready: %v", redisErr)
		}
		entry.WithError(redisErr).Warn("vector store unavailable at startup, starting degraded")
		vectors = adapters.DegradedVectorStore{Err: redisErr}
	} else {
		vectors = redisStore
		defer redisStore.Close(context.Background())
	}

	embedder := adapters.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIEmbedModel, cfg.OpenAIEmbedDim)

	retr := retriever.New(retriever.Config{
		MinSemanticScore:  cfg.MinSemanticScore,
		SemanticWeight:    cfg.SemanticWeight,
		RelationWeight:    cfg.RelationWeight,
		ImportanceBoost:   cfg.ImportanceBoost,
		FrequencyBoost:    cfg.FrequencyBoost,
		DecayHalfLifeDays: cfg.DecayHalfLifeDays,
	}, vectors, graph, embedder, time.Now)

	upd, err := updater.New(updater.Config{
		ImportanceThreshold:    cfg.ImportanceThreshold,
		MaxMemoriesPerUpdate:   cfg.MaxMemoriesPerUpdate,
		DedupeScore:            cfg.DedupeScore,
		RelatedTopK:            cfg.RelatedTopK,
		MinSemanticScore:       cfg.MinSemanticScore,
		SensitiveFilterEnabled: cfg.SensitiveFilterEnabled,
		SensitivePatterns:      cfg.SensitivePatterns,
	}, graph, vectors, embedder, analyzer.New(), time.Now, entry)
	if err != nil {
		log.Fatalf("build updater: %v", err)
	}

	updateQueue, err := queue.New(queue.Config[*domain.UpdateTask]{
		BaseDir:      cfg.QueueDir + "/update",
		Concurrency:  cfg.UpdateConcurrency,
		MaxAttempts:  cfg.MaxAttempts,
		RetryBaseMS:  cfg.RetryBaseMS,
		RetryMaxMS:   cfg.RetryMaxMS,
		KeepDone:     cfg.KeepDone,
		RetentionDays: cfg.RetentionDays,
		MaxTaskBytes: cfg.MaxTaskBytes,
		NewTask:      func() *domain.UpdateTask { return &domain.UpdateTask{} },
		Worker:       updateWorker(upd),
		Logger:       entry.WithField("queue", "update"),
	})
	if err != nil {
		log.Fatalf("build update queue: %v", err)
	}

	forgetQueue, err := queue.New(queue.Config[*domain.ForgetTask]{
		BaseDir:      cfg.QueueDir + "/forget",
		Concurrency:  cfg.ForgetConcurrency,
		MaxAttempts:  cfg.MaxAttempts,
		RetryBaseMS:  cfg.RetryBaseMS,
		RetryMaxMS:   cfg.RetryMaxMS,
		KeepDone:     cfg.KeepDone,
		RetentionDays: cfg.RetentionDays,
		MaxTaskBytes: cfg.MaxTaskBytes,
		NewTask:      func() *domain.ForgetTask { return &domain.ForgetTask{} },
		Worker:       forgetWorker(vectors, graph),
		Logger:       entry.WithField("queue", "forget"),
	})
	if err != nil {
		log.Fatalf("build forget queue: %v", err)
	}

	if err := updateQueue.Init(); err != nil {
		log.Fatalf("update queue recovery: %v", err)
	}
	if err := forgetQueue.Init(); err != nil {
		log.Fatalf("forget queue recovery: %v", err)
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	updateQueue.Start(runCtx)
	defer updateQueue.Stop()
	forgetQueue.Start(runCtx)
	defer forgetQueue.Stop()

	legacyKeys := cfg.APIKeys
	if cfg.APIKey != "" {
		if legacyKeys != "" {
			legacyKeys += "," + cfg.APIKey
		} else {
			legacyKeys = cfg.APIKey
		}
	}
	az, err := authz.New(cfg.APIKeysJSON, legacyKeys, cfg.RequireAPIKey)
	if err != nil {
		log.Fatalf("build authorizer: %v", err)
	}

	rateLimiters := map[string]*guardrails.RateLimiter{}
	if cfg.RateLimitEnabled {
		window := cfg.RateLimitWindow()
		rateLimiters["retrieve_context"] = guardrails.NewRateLimiter(window, cfg.RetrievePerWindow)
		rateLimiters["update_memory_index"] = guardrails.NewRateLimiter(window, cfg.UpdatePerWindow)
		rateLimiters["forget"] = guardrails.NewRateLimiter(window, cfg.ForgetPerWindow)
	}

	srv, err := ingress.New(ingress.Dependencies{
		Retriever:   retr,
		Updater:     upd,
		Vectors:     vectors,
		Graph:       graph,
		UpdateQueue: updateQueue,
		ForgetQueue: forgetQueue,
		Authz:       az,
		Log:         logger,

		BodyLimiterRetrieve: guardrails.BodyLimiter{MaxBytes: cfg.MaxBodyBytes},
		BodyLimiterUpdate:   guardrails.BodyLimiter{MaxBytes: cfg.MaxUpdateBodyBytes},
		RateLimiter:         rateLimiters,
		Backlog: guardrails.BacklogPolicy{
			ReadOnlyPendingThreshold: cfg.UpdateBacklogReadOnlyPending,
			RejectPendingThreshold:   cfg.UpdateBacklogRejectPending,
			DelayPendingThreshold:    cfg.UpdateBacklogDelayPending,
			DelaySeconds:             cfg.UpdateBacklogDelaySeconds,
		},
		DisabledNamespaces:            guardrails.NewDisabledNamespaces(cfg.UpdateDisabledNamespaces),
		SampleRate:                    cfg.UpdateSampleRate,
		SessionThrottle:               guardrails.NewSessionThrottle(time.Duration(cfg.UpdateMinIntervalMS) * time.Millisecond),
		NamespaceConcurrency:          guardrails.NewNamespaceConcurrency(cfg.NamespaceRetrieveConcurrency),
		RetrieveDegradeRelatedPending: cfg.RetrieveDegradeRelatedPending,
		RetrieveCache:                 retriever.NewResultCache(time.Duration(cfg.RetrieveCacheTTLMS)*time.Millisecond, cfg.RetrieveCacheSize, nil),

		AuditLogPath: cfg.AuditLogPath,
		MetricsOpen:  cfg.MetricsOpen,
		Now:          time.Now,
	})
	if err != nil {
		log.Fatalf("build ingress server: %v", err)
	}
	defer srv.Close()

	go func() {
		entry.Infof("listening on :%s", cfg.Port)
		if err := srv.Echo.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	entry.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Echo.Shutdown(shutdownCtx); err != nil {
		entry.WithError(err).Error("graceful shutdown failed")
	}
}

// updateWorker adapts Updater.Update to the queue's WorkerFunc shape,
// decoding the task's gzip-compressed transcript back into messages.
func updateWorker(upd *updater.Updater) queue.WorkerFunc[*domain.UpdateTask] {
	return func(ctx context.Context, task *domain.UpdateTask) error {
		messages, err := decodeTranscript(task.MessagesGzipB64)
		if err != nil {
			return fmt.Errorf("decode transcript: %w", err)
		}
		_, err = upd.Update(ctx, task.Namespace, task.SessionID, messages)
		return err
	}
}

func decodeTranscript(gzipB64 string) ([]domain.Message, error) {
	raw, err := base64.StdEncoding.DecodeString(gzipB64)
	if err != nil {
		return nil, err
	}
	return hashutil.GunzipMessages(raw)
}

// forgetWorker performs the same dual-store delete the synchronous forget
// path runs inline, recording per-backend outcomes on the task for the
// failed/export admin views.
func forgetWorker(vectors adapters.VectorStore, graph adapters.GraphStore) queue.WorkerFunc[*domain.ForgetTask] {
	return func(ctx context.Context, task *domain.ForgetTask) error {
		result := &domain.ForgetResult{}

		if task.SessionID != "" {
			n, err := vectors.DeleteBySession(ctx, task.Namespace, task.SessionID)
			result.Qdrant.BySession = n
			if err != nil {
				result.Qdrant.Error = err.Error()
			}
		}
		if len(task.MemoryIDs) > 0 {
			n, err := vectors.DeleteByIDs(ctx, task.Namespace, task.MemoryIDs)
			result.Qdrant.ByIDs = n
			if err != nil {
				result.Qdrant.Error = err.Error()
			}
		}
		result.Qdrant.OK = result.Qdrant.Error == ""

		if task.SessionID != "" {
			n, err := graph.DeleteBySession(ctx, task.Namespace, task.SessionID)
			result.Neo4j.BySession = n
			if err != nil {
				result.Neo4j.Error = err.Error()
			}
		}
		if len(task.MemoryIDs) > 0 {
			n, err := graph.DeleteByIDs(ctx, task.Namespace, task.MemoryIDs)
			result.Neo4j.ByIDs = n
			if err != nil {
				result.Neo4j.Error = err.Error()
			}
		}
		result.Neo4j.OK = result.Neo4j.Error == ""

		task.Result = result

		if !result.Qdrant.OK {
			return fmt.Errorf("forget: vector store: %s", result.Qdrant.Error)
		}
		if !result.Neo4j.OK {
			return fmt.Errorf("forget: graph store: %s", result.Neo4j.Error)
		}
		return nil
	}
}
