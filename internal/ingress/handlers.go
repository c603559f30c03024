package ingress

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/deep-memory/server/internal/apierr"
	"github.com/deep-memory/server/internal/authz"
	"github.com/deep-memory/server/internal/domain"
	"github.com/deep-memory/server/internal/guardrails"
	"github.com/deep-memory/server/internal/hashutil"
	"github.com/deep-memory/server/internal/queue"
	"github.com/deep-memory/server/internal/retriever"
	"github.com/deep-memory/server/internal/updater"
)

func defaultNamespace(ns string) string {
	if ns == "" {
		return "default"
	}
	return ns
}

// decodeJSONLimited reads the body through limit bytes and unmarshals it
// into dst, returning the apierr taxonomy sentinels the guardrails spec
// calls for instead of a raw decode error.
func decodeJSONLimited(c echo.Context, limit guardrails.BodyLimiter, dst any) *apierr.Error {
	if !limit.Allows(c.Request().ContentLength) {
		return apierr.New(apierr.PayloadTooLarge, "request body too large")
	}

	reader := c.Request().Body
	if limit.MaxBytes > 0 {
		reader = http.MaxBytesReader(c.Response(), reader, limit.MaxBytes)
	}

	raw, err := io.ReadAll(reader)
	if err != nil {
		return apierr.New(apierr.PayloadTooLarge, "request body too large")
	}
	if len(raw) == 0 {
		return apierr.New(apierr.InvalidJSON, "empty request body")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apierr.New(apierr.InvalidJSON, "malformed json body")
	}
	return nil
}

// --- retrieve_context --------------------------------------------------

type retrieveRequest struct {
	Namespace   string   `json:"namespace"`
	UserInput   string   `json:"user_input"`
	SessionID   string   `json:"session_id"`
	MaxMemories int      `json:"max_memories"`
	Entities    []string `json:"entities"`
	Topics      []string `json:"topics"`
}

func (s *Server) handleRetrieve(c echo.Context) error {
	var req retrieveRequest
	if apiErr := decodeJSONLimited(c, s.deps.BodyLimiterRetrieve, &req); apiErr != nil {
		return writeAPIErr(c, apiErr)
	}
	if req.UserInput == "" {
		return writeAPIErr(c, apierr.New(apierr.InvalidRequest, "user_input is required"))
	}
	ns := defaultNamespace(req.Namespace)

	if apiErr := authz.AssertNamespace(c, ns); apiErr != nil {
		return writeAPIErr(c, apiErr)
	}
	if apiErr := checkRateLimit(c, s.deps, "retrieve_context"); apiErr != nil {
		return writeAPIErr(c, apiErr)
	}

	release, ok := s.deps.NamespaceConcurrency.Acquire(ns)
	if !ok {
		return writeAPIErr(c, apierr.New(apierr.NamespaceOverloaded, "namespace retrieve concurrency exceeded"))
	}
	defer release()

	skipRelation := false
	if s.deps.UpdateQueue != nil && s.deps.RetrieveDegradeRelatedPending > 0 {
		if s.deps.UpdateQueue.Stats().PendingApprox > s.deps.RetrieveDegradeRelatedPending {
			skipRelation = true
		}
	}

	rreq := retriever.Request{
		Namespace:    ns,
		UserInput:    req.UserInput,
		SessionID:    req.SessionID,
		MaxMemories:  req.MaxMemories,
		Entities:     req.Entities,
		Topics:       req.Topics,
		SkipRelation: skipRelation,
	}

	if cached, ok := s.deps.RetrieveCache.Get(rreq); ok {
		return c.JSON(http.StatusOK, cached)
	}

	res, err := s.deps.Retriever.Retrieve(c.Request().Context(), rreq)
	if err != nil {
		return writeAPIErr(c, apierr.New(apierr.Internal, err.Error()))
	}
	s.deps.RetrieveCache.Put(rreq, res)
	return c.JSON(http.StatusOK, res)
}

// --- update_memory_index -------------------------------------------------

type updateRequest struct {
	Namespace string           `json:"namespace"`
	SessionID string           `json:"session_id"`
	Messages  []domain.Message `json:"messages"`
	Async     *bool            `json:"async"`
}

func (r updateRequest) async() bool {
	if r.Async == nil {
		return true
	}
	return *r.Async
}

func (s *Server) handleUpdate(c echo.Context) error {
	var req updateRequest
	if apiErr := decodeJSONLimited(c, s.deps.BodyLimiterUpdate, &req); apiErr != nil {
		return writeAPIErr(c, apiErr)
	}
	if req.SessionID == "" || len(req.Messages) == 0 {
		return writeAPIErr(c, apierr.New(apierr.InvalidRequest, "session_id and messages are required"))
	}
	ns := defaultNamespace(req.Namespace)

	if apiErr := authz.AssertNamespace(c, ns); apiErr != nil {
		return writeAPIErr(c, apiErr)
	}
	if apiErr := checkRateLimit(c, s.deps, "update_memory_index"); apiErr != nil {
		return writeAPIErr(c, apiErr)
	}

	if s.deps.DisabledNamespaces.Disabled(ns) {
		s.audit(c, "update_memory_index", ns, map[string]any{"error": "namespace_write_disabled"})
		return writeSkipped(c, apierr.NamespaceWriteDisabled, 0, nil)
	}

	bucket := guardrails.SampleBucket(ns, req.SessionID, len(req.Messages))
	if !guardrails.Sampled(bucket, s.deps.SampleRate) {
		return writeSkipped(c, apierr.SampledOut, 0, nil)
	}

	throttleKey := ns + "::" + req.SessionID
	if ok, retryAfter := s.deps.SessionThrottle.Allow(throttleKey, s.deps.Now()); !ok {
		return writeSkipped(c, apierr.Throttled, retryAfter, nil)
	}

	transcriptHash, err := hashutil.TranscriptHash(req.Messages)
	if err != nil {
		return writeAPIErr(c, apierr.New(apierr.Internal, err.Error()))
	}
	gz, err := hashutil.GzipMessages(req.Messages)
	if err != nil {
		return writeAPIErr(c, apierr.New(apierr.Internal, err.Error()))
	}

	task := &domain.UpdateTask{
		Kind:            domain.TaskKindUpdate,
		ID:              requestID(c),
		Key:             domain.UpdateTaskKey(ns, req.SessionID),
		Namespace:       ns,
		SessionID:       req.SessionID,
		TranscriptHash:  transcriptHash,
		MessageCount:    len(req.Messages),
		MessagesGzipB64: base64.StdEncoding.EncodeToString(gz),
		CreatedAt:       s.deps.Now().UnixMilli(),
		NextRunAt:       s.deps.Now().UnixMilli(),
	}

	if !req.async() {
		// Synchronous updates still honor the per-key exclusion invariant:
		// they wait behind any inflight queue worker for the same session.
		var res updater.Result
		run := func(ctx context.Context) error {
			var runErr error
			res, runErr = s.deps.Updater.Update(ctx, ns, req.SessionID, req.Messages)
			return runErr
		}
		var err error
		if s.deps.UpdateQueue != nil {
			err = s.deps.UpdateQueue.WithKeyExclusion(c.Request().Context(), task.Key, ns, run)
		} else {
			err = run(c.Request().Context())
		}
		if err != nil {
			return c.JSON(http.StatusOK, map[string]any{"status": "error", "error": err.Error()})
		}
		return c.JSON(http.StatusOK, res)
	}

	if s.deps.UpdateQueue != nil {
		mode, delaySeconds := s.deps.Backlog.Evaluate(s.deps.UpdateQueue.Stats().PendingApprox)
		switch mode {
		case guardrails.BacklogReadOnly:
			s.audit(c, "update_memory_index", ns, map[string]any{"error": "degraded_read_only"})
			return writeSkipped(c, apierr.DegradedReadOnly, delaySeconds, nil)
		case guardrails.BacklogReject:
			return writeAPIErr(c, apierr.New(apierr.QueueOverloaded, "update queue backlog above reject threshold"))
		case guardrails.BacklogDelayed:
			task.NextRunAt = s.deps.Now().UnixMilli() + int64(delaySeconds)*1000
			if err := s.deps.UpdateQueue.Enqueue(task); err != nil {
				return writeAPIErr(c, apierr.New(apierr.Internal, err.Error()))
			}
			return c.JSON(http.StatusOK, map[string]any{
				"status": "queued", "memories_added": 0, "memories_filtered": 0,
				"degraded": map[string]any{"mode": "delayed", "notBeforeMs": task.NextRunAt, "delaySeconds": delaySeconds},
			})
		}
	}

	if err := s.deps.UpdateQueue.Enqueue(task); err != nil {
		return writeAPIErr(c, apierr.New(apierr.Internal, err.Error()))
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "queued", "memories_added": 0, "memories_filtered": 0})
}

// --- forget --------------------------------------------------------------

type forgetRequest struct {
	Namespace string   `json:"namespace"`
	MemoryIDs []string `json:"memory_ids"`
	SessionID string   `json:"session_id"`
	DryRun    bool     `json:"dry_run"`
	Async     bool     `json:"async"`
}

// normalizeMemoryID prefixes a bare local id with its namespace, matching
// the "id includes :: ? id : ns::id" normalization rule.
func normalizeMemoryID(ns, id string) string {
	if strings.Contains(id, "::") {
		return id
	}
	return ns + "::" + id
}

func (s *Server) handleForget(c echo.Context) error {
	var req forgetRequest
	if apiErr := decodeJSONLimited(c, s.deps.BodyLimiterUpdate, &req); apiErr != nil {
		return writeAPIErr(c, apiErr)
	}
	ns := defaultNamespace(req.Namespace)
	if apiErr := authz.AssertNamespace(c, ns); apiErr != nil {
		return writeAPIErr(c, apiErr)
	}
	if apiErr := checkRateLimit(c, s.deps, "forget"); apiErr != nil {
		return writeAPIErr(c, apiErr)
	}

	ids := make([]string, len(req.MemoryIDs))
	for i, id := range req.MemoryIDs {
		ids[i] = normalizeMemoryID(ns, id)
	}

	if req.DryRun {
		s.audit(c, "forget", ns, map[string]any{
			"dryRun": true, "session_id": req.SessionID, "memory_ids": ids,
		})
		return c.JSON(http.StatusOK, map[string]any{
			"status": "dry_run", "namespace": ns, "request_id": requestID(c),
			"delete_ids": len(ids), "delete_session": req.SessionID != "",
		})
	}

	if req.Async {
		task := &domain.ForgetTask{
			Kind:      domain.TaskKindForget,
			ID:        requestID(c),
			Key:       domain.ForgetTaskKey(ns, req.SessionID, ids),
			Namespace: ns,
			SessionID: req.SessionID,
			MemoryIDs: ids,
			CreatedAt: s.deps.Now().UnixMilli(),
			NextRunAt: s.deps.Now().UnixMilli(),
		}
		if err := s.deps.ForgetQueue.Enqueue(task); err != nil {
			return writeAPIErr(c, apierr.New(apierr.Internal, err.Error()))
		}
		s.audit(c, "forget", ns, map[string]any{"async": true, "session_id": req.SessionID, "memory_ids": ids})
		return c.JSON(http.StatusOK, map[string]any{"status": "queued", "namespace": ns, "request_id": requestID(c)})
	}

	result := runForgetNow(c, s, ns, req.SessionID, ids)

	queueRes := map[string]any{"ok": true}
	if req.SessionID != "" && s.deps.UpdateQueue != nil {
		queueRes["cancelled"] = s.deps.UpdateQueue.CancelBySession(domain.UpdateTaskKey(ns, req.SessionID))
	}
	result["queue"] = queueRes

	s.audit(c, "forget", ns, map[string]any{"session_id": req.SessionID, "memory_ids": ids, "results": result})
	return c.JSON(http.StatusOK, map[string]any{
		"status": "deleted", "namespace": ns, "request_id": requestID(c), "results": result,
	})
}

// runForgetNow performs the dual delete the forget queue worker would also
// perform, for the synchronous forget path.
func runForgetNow(c echo.Context, s *Server, ns, sessionID string, ids []string) map[string]any {
	out := map[string]any{}
	ctx := c.Request().Context()

	qdrant := map[string]any{}
	if sessionID != "" {
		n, err := s.deps.Vectors.DeleteBySession(ctx, ns, sessionID)
		if err != nil {
			qdrant["error"] = err.Error()
		} else {
			qdrant["bySession"] = n
		}
	}
	if len(ids) > 0 {
		n, err := s.deps.Vectors.DeleteByIDs(ctx, ns, ids)
		if err != nil {
			qdrant["error"] = err.Error()
		} else {
			qdrant["byIds"] = n
		}
	}
	out["qdrant"] = qdrant

	neo4j := map[string]any{}
	if sessionID != "" {
		n, err := s.deps.Graph.DeleteBySession(ctx, ns, sessionID)
		if err != nil {
			neo4j["error"] = err.Error()
		} else {
			neo4j["bySession"] = n
		}
	}
	if len(ids) > 0 {
		n, err := s.deps.Graph.DeleteByIDs(ctx, ns, ids)
		if err != nil {
			neo4j["error"] = err.Error()
		} else {
			neo4j["byIds"] = n
		}
	}
	out["neo4j"] = neo4j

	return out
}

// --- health / readyz -------------------------------------------------------

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthDetails(c echo.Context) error {
	details := map[string]any{}
	details["vector_store"] = probeStatus(probeWithTimeout(c.Request().Context(), s.deps.Vectors.Ping))
	details["graph_store"] = probeStatus(probeWithTimeout(c.Request().Context(), s.deps.Graph.Ping))
	if s.deps.UpdateQueue != nil {
		details["update_queue"] = s.deps.UpdateQueue.Stats()
	}
	if s.deps.ForgetQueue != nil {
		details["forget_queue"] = s.deps.ForgetQueue.Stats()
	}
	return c.JSON(http.StatusOK, details)
}

func (s *Server) handleReadyz(c echo.Context) error {
	vecErr := probeWithTimeout(c.Request().Context(), s.deps.Vectors.Ping)
	graphErr := probeWithTimeout(c.Request().Context(), s.deps.Graph.Ping)
	if vecErr != nil || graphErr != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"vector_store_error": errString(vecErr),
			"graph_store_error":  errString(graphErr),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

func probeStatus(err error) string {
	if err == nil {
		return "ok"
	}
	return "error: " + err.Error()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// --- queue admin -----------------------------------------------------------

// queueStatsHandler and its siblings below are generic over the concrete
// task type so the same admin-route logic serves both the update queue and
// the forget queue without duplicating each handler body.

func queueStatsHandler[T queue.Task](q *queue.Queue[T]) echo.HandlerFunc {
	return func(c echo.Context) error {
		if q == nil {
			return c.JSON(http.StatusOK, queue.Stats{})
		}
		return c.JSON(http.StatusOK, q.Stats())
	}
}

func queueFailedHandler[T queue.Task](q *queue.Queue[T]) echo.HandlerFunc {
	return func(c echo.Context) error {
		if q == nil {
			return c.JSON(http.StatusOK, []any{})
		}
		limit := 50
		if raw := c.QueryParam("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		tasks, err := q.ListFailed(limit)
		if err != nil {
			return writeAPIErr(c, apierr.New(apierr.Internal, err.Error()))
		}
		return c.JSON(http.StatusOK, map[string]any{"tasks": tasks})
	}
}

// redactMessagesGzip is an exported-field hook only UpdateTask carries;
// ForgetTask export never needs redaction since it has no transcript field.
func redactMessagesGzip(v any) {
	if tasks, ok := v.([]*domain.UpdateTask); ok {
		for _, t := range tasks {
			t.MessagesGzipB64 = ""
		}
	}
}

func queueExportHandler[T queue.Task](q *queue.Queue[T], redact bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		if q == nil {
			return c.JSON(http.StatusOK, queue.ExportResult[T]{Mode: queue.ExportModeEmpty})
		}
		file := c.QueryParam("file")
		key := c.QueryParam("key")
		limit := 0
		if raw := c.QueryParam("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		res, err := q.ExportFailed(file, key, limit)
		if err != nil {
			return writeAPIErr(c, apierr.New(apierr.Internal, err.Error()))
		}
		if redact {
			redactMessagesGzip(res.Tasks)
		}
		return c.JSON(http.StatusOK, res)
	}
}

type retryRequest struct {
	File    string `json:"file"`
	Key     string `json:"key"`
	Limit   int    `json:"limit"`
	DryRun  bool   `json:"dry_run"`
}

func queueRetryHandler[T queue.Task](q *queue.Queue[T]) echo.HandlerFunc {
	return func(c echo.Context) error {
		if q == nil {
			return writeAPIErr(c, apierr.New(apierr.Internal, "queue not configured"))
		}
		var req retryRequest
		_ = json.NewDecoder(c.Request().Body).Decode(&req)

		if req.File != "" {
			if err := q.RetryFailed(req.File); err != nil {
				return writeAPIErr(c, apierr.New(apierr.Internal, err.Error()))
			}
			return c.JSON(http.StatusOK, map[string]any{"retried": 1})
		}

		n, err := q.RetryFailedByKey(req.Key, req.Limit, req.DryRun)
		if err != nil {
			return writeAPIErr(c, apierr.New(apierr.Internal, err.Error()))
		}
		return c.JSON(http.StatusOK, map[string]any{"retried": n, "dry_run": req.DryRun})
	}
}

func (s *Server) handleMetrics(c echo.Context) error {
	var b strings.Builder
	if s.deps.UpdateQueue != nil {
		st := s.deps.UpdateQueue.Stats()
		b.WriteString("deep_memory_update_queue_pending ")
		b.WriteString(itoa(st.PendingApprox))
		b.WriteString("\n")
		b.WriteString("deep_memory_update_queue_inflight ")
		b.WriteString(itoa(st.InflightApprox))
		b.WriteString("\n")
	}
	if s.deps.ForgetQueue != nil {
		st := s.deps.ForgetQueue.Stats()
		b.WriteString("deep_memory_forget_queue_pending ")
		b.WriteString(itoa(st.PendingApprox))
		b.WriteString("\n")
		b.WriteString("deep_memory_forget_queue_inflight ")
		b.WriteString(itoa(st.InflightApprox))
		b.WriteString("\n")
	}
	return c.String(http.StatusOK, b.String())
}
