package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deep-memory/server/internal/adapters"
	"github.com/deep-memory/server/internal/analyzer"
	"github.com/deep-memory/server/internal/authz"
	"github.com/deep-memory/server/internal/domain"
	"github.com/deep-memory/server/internal/guardrails"
	"github.com/deep-memory/server/internal/queue"
	"github.com/deep-memory/server/internal/retriever"
	"github.com/deep-memory/server/internal/updater"
)

const adminKey = "test-admin-key"

type testServer struct {
	srv      *Server
	vectors  *adapters.InMemoryVectorStore
	graph    *adapters.InMemoryGraphStore
	auditLog string
}

type serverOption func(*Dependencies)

func withRateLimit(route string, perWindow int) serverOption {
	return func(d *Dependencies) {
		d.RateLimiter = map[string]*guardrails.RateLimiter{
			route: guardrails.NewRateLimiter(time.Minute, perWindow),
		}
	}
}

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()

	vectors := adapters.NewInMemoryVectorStore()
	graph := adapters.NewInMemoryGraphStore()
	embedder := adapters.InMemoryEmbedder{Dim: 8}

	retr := retriever.New(retriever.Config{
		MinSemanticScore:  0.1,
		SemanticWeight:    0.6,
		RelationWeight:    0.4,
		ImportanceBoost:   0.3,
		FrequencyBoost:    0.2,
		DecayHalfLifeDays: 90,
	}, vectors, graph, embedder, nil)

	upd, err := updater.New(updater.Config{
		ImportanceThreshold:  0.1,
		MaxMemoriesPerUpdate: 10,
		DedupeScore:          0.95,
	}, graph, vectors, embedder, analyzer.New(), nil, nil)
	require.NoError(t, err)

	updateQueue, err := queue.New(queue.Config[*domain.UpdateTask]{
		BaseDir:      filepath.Join(t.TempDir(), "update"),
		Concurrency:  1,
		MaxAttempts:  3,
		RetryBaseMS:  10,
		RetryMaxMS:   100,
		MaxTaskBytes: 1 << 20,
		NewTask:      func() *domain.UpdateTask { return &domain.UpdateTask{} },
		Worker:       func(ctx context.Context, task *domain.UpdateTask) error { return nil },
	})
	require.NoError(t, err)
	require.NoError(t, updateQueue.Init())

	forgetQueue, err := queue.New(queue.Config[*domain.ForgetTask]{
		BaseDir:      filepath.Join(t.TempDir(), "forget"),
		Concurrency:  1,
		MaxAttempts:  3,
		RetryBaseMS:  10,
		RetryMaxMS:   100,
		MaxTaskBytes: 1 << 20,
		NewTask:      func() *domain.ForgetTask { return &domain.ForgetTask{} },
		Worker:       func(ctx context.Context, task *domain.ForgetTask) error { return nil },
	})
	require.NoError(t, err)
	require.NoError(t, forgetQueue.Init())

	az, err := authz.New("", adminKey, false)
	require.NoError(t, err)

	auditLog := filepath.Join(t.TempDir(), "audit.log")

	deps := Dependencies{
		Retriever:   retr,
		Updater:     upd,
		Vectors:     vectors,
		Graph:       graph,
		UpdateQueue: updateQueue,
		ForgetQueue: forgetQueue,
		Authz:       az,

		BodyLimiterRetrieve:  guardrails.BodyLimiter{MaxBytes: 1 << 20},
		BodyLimiterUpdate:    guardrails.BodyLimiter{MaxBytes: 1 << 20},
		DisabledNamespaces:   guardrails.NewDisabledNamespaces(nil),
		SampleRate:           1.0,
		SessionThrottle:      guardrails.NewSessionThrottle(0),
		NamespaceConcurrency: guardrails.NewNamespaceConcurrency(0),

		AuditLogPath: auditLog,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	srv, err := New(deps)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })

	return &testServer{srv: srv, vectors: vectors, graph: graph, auditLog: auditLog}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", adminKey)
	rec := httptest.NewRecorder()
	ts.srv.Echo.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRetrieve_EmptyStores(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/retrieve_context",
		`{"namespace":"ns1","user_input":"what do I like","session_id":"s1","max_memories":5}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "", body["context"])
	assert.Empty(t, body["memories"])
}

func TestRetrieve_RequiresUserInput(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/retrieve_context", `{"namespace":"ns1","session_id":"s1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decodeBody(t, rec)["error"])
}

func TestRetrieve_UnauthorizedWithoutKey(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/retrieve_context",
		strings.NewReader(`{"user_input":"hi","session_id":"s1"}`))
	rec := httptest.NewRecorder()
	ts.srv.Echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRetrieve_RateLimited(t *testing.T) {
	ts := newTestServer(t, withRateLimit("retrieve_context", 1))
	body := `{"namespace":"ns1","user_input":"hello","session_id":"s1"}`

	rec := ts.do(t, http.MethodPost, "/retrieve_context", body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/retrieve_context", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decodeBody(t, rec)["error"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestUpdate_SyncIdempotentReplay(t *testing.T) {
	ts := newTestServer(t)
	body := `{"namespace":"ns1","session_id":"s1","messages":[{"role":"user","content":"I prefer dark mode in my editor"}],"async":false}`

	rec := ts.do(t, http.MethodPost, "/update_memory_index", body)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decodeBody(t, rec)
	assert.Equal(t, "processed", first["status"])

	rec = ts.do(t, http.MethodPost, "/update_memory_index", body)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decodeBody(t, rec)
	assert.Equal(t, "skipped", second["status"])
	assert.Equal(t, float64(0), second["memories_added"])
	assert.Equal(t, float64(0), second["memories_filtered"])
}

func TestUpdate_AsyncEnqueues(t *testing.T) {
	ts := newTestServer(t)
	body := `{"namespace":"ns1","session_id":"s1","messages":[{"role":"user","content":"I prefer tea"}]}`

	rec := ts.do(t, http.MethodPost, "/update_memory_index", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "queued", decodeBody(t, rec)["status"])
	assert.Equal(t, 1, ts.srv.deps.UpdateQueue.Stats().PendingApprox)
}

func TestUpdate_RejectsMissingFields(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/update_memory_index", `{"namespace":"ns1","session_id":"s1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdate_PayloadTooLarge(t *testing.T) {
	ts := newTestServer(t, func(d *Dependencies) {
		d.BodyLimiterUpdate = guardrails.BodyLimiter{MaxBytes: 16}
	})
	body := `{"namespace":"ns1","session_id":"s1","messages":[{"role":"user","content":"way past the limit"}]}`
	rec := ts.do(t, http.MethodPost, "/update_memory_index", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "payload_too_large", decodeBody(t, rec)["error"])
}

func TestForget_DryRunAuditsAndCounts(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/forget",
		`{"namespace":"ns1","memory_ids":["mem_1"],"dry_run":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "dry_run", body["status"])
	assert.Equal(t, float64(1), body["delete_ids"])
	assert.Equal(t, "ns1", body["namespace"])
	assert.NotEmpty(t, body["request_id"])

	raw, err := os.ReadFile(ts.auditLog)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"action":"forget"`)
	assert.Contains(t, string(raw), `"dryRun":true`)
	assert.NotContains(t, string(raw), adminKey)
}

func TestForget_SyncDeletesAndCancelsQueue(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	mem := domain.Memory{ID: "ns1::mem_1", Namespace: "ns1", Content: "stale", SessionID: "s1"}
	require.NoError(t, ts.vectors.Upsert(ctx, mem, []float64{1, 0, 0, 0, 0, 0, 0, 0}))
	require.NoError(t, ts.graph.UpsertMemory(ctx, "ns1", mem))

	// A pending update for the same session should be cancelled by forget.
	require.NoError(t, ts.srv.deps.UpdateQueue.Enqueue(&domain.UpdateTask{
		Kind: domain.TaskKindUpdate, ID: "u1", Key: domain.UpdateTaskKey("ns1", "s1"),
		Namespace: "ns1", SessionID: "s1", TranscriptHash: "h1",
	}))

	rec := ts.do(t, http.MethodPost, "/forget", `{"namespace":"ns1","session_id":"s1","memory_ids":["mem_1"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "deleted", body["status"])

	results, ok := body["results"].(map[string]any)
	require.True(t, ok)
	queueRes, ok := results["queue"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), queueRes["cancelled"])
	assert.Equal(t, 0, ts.srv.deps.UpdateQueue.Stats().PendingApprox)

	hits, err := ts.vectors.Search(ctx, "ns1", []float64{1, 0, 0, 0, 0, 0, 0, 0}, 10, -1)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestForget_AsyncEnqueues(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/forget", `{"namespace":"ns1","memory_ids":["mem_1"],"async":true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "queued", decodeBody(t, rec)["status"])
	assert.Equal(t, 1, ts.srv.deps.ForgetQueue.Stats().PendingApprox)
}

func TestRequestID_EchoedWhenProvided(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("x-request-id", "req-42")
	rec := httptest.NewRecorder()
	ts.srv.Echo.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("x-request-id"))
}

func TestRequestID_GeneratedWhenAbsent(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	ts.srv.Echo.ServeHTTP(rec, req)
	assert.NotEmpty(t, rec.Header().Get("x-request-id"))
}

func TestQueueStats_AdminOnly(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/queue/stats", nil)
	rec := httptest.NewRecorder()
	ts.srv.Echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, http.MethodGet, "/queue/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body, "pendingApprox")
}

func TestForbiddenNamespace(t *testing.T) {
	ts := newTestServer(t, func(d *Dependencies) {
		az, err := authz.New(`[{"key":"scoped","role":"admin","namespaces":["ns1"]}]`, "", false)
		require.NoError(t, err)
		d.Authz = az
	})

	req := httptest.NewRequest(http.MethodPost, "/retrieve_context",
		strings.NewReader(`{"namespace":"ns2","user_input":"hi","session_id":"s1"}`))
	req.Header.Set("X-Api-Key", "scoped")
	rec := httptest.NewRecorder()
	ts.srv.Echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden_namespace", decodeBody(t, rec)["error"])
}
