// Package ingress wires the retriever, updater, and the two durable
// queues behind an Echo HTTP surface: the retrieve/update/forget
// endpoints, health/readiness probes, queue admin routes, and the
// audit log. It owns request-id stamping, guardrail sequencing, and
// authorization, but delegates all actual domain logic to the
// retriever/updater/queue packages.
package ingress

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/deep-memory/server/internal/adapters"
	"github.com/deep-memory/server/internal/apierr"
	"github.com/deep-memory/server/internal/authz"
	"github.com/deep-memory/server/internal/domain"
	"github.com/deep-memory/server/internal/guardrails"
	"github.com/deep-memory/server/internal/queue"
	"github.com/deep-memory/server/internal/retriever"
	"github.com/deep-memory/server/internal/updater"
)

const requestIDHeader = "x-request-id"

// Dependencies bundles every collaborator the ingress server routes to.
// Nothing here constructs its own adapters; main wires them.
type Dependencies struct {
	Retriever    *retriever.Retriever
	Updater      *updater.Updater
	Vectors      adapters.VectorStore
	Graph        adapters.GraphStore
	UpdateQueue  *queue.Queue[*domain.UpdateTask]
	ForgetQueue  *queue.Queue[*domain.ForgetTask]
	Authz        *authz.Authorizer
	Log          *logrus.Logger

	BodyLimiterRetrieve guardrails.BodyLimiter
	BodyLimiterUpdate   guardrails.BodyLimiter
	RateLimiter         map[string]*guardrails.RateLimiter // route -> limiter
	Backlog             guardrails.BacklogPolicy
	DisabledNamespaces  guardrails.DisabledNamespaces
	SampleRate          float64
	SessionThrottle     *guardrails.SessionThrottle
	NamespaceConcurrency *guardrails.NamespaceConcurrency
	RetrieveDegradeRelatedPending int
	RetrieveCache       *retriever.ResultCache

	AuditLogPath string
	MetricsOpen  bool

	Now func() time.Time
}

// Server is the wired Echo app plus the audit log writer.
type Server struct {
	Echo *echo.Echo
	deps Dependencies

	auditMu   sync.Mutex
	auditFile *os.File
}

// New builds the Echo app and registers every route.
func New(deps Dependencies) (*Server, error) {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	s := &Server{Echo: e, deps: deps}

	if deps.AuditLogPath != "" {
		f, err := os.OpenFile(deps.AuditLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		s.auditFile = f
	}

	e.Use(s.requestIDMiddleware)

	e.POST("/retrieve_context", s.handleRetrieve, deps.Authz.RequireRole(domain.RoleRead))
	e.POST("/update_memory_index", s.handleUpdate, deps.Authz.RequireRole(domain.RoleWrite))
	e.POST("/forget", s.handleForget, deps.Authz.RequireRole(domain.RoleAdmin))

	e.GET("/health", s.handleHealth)
	e.GET("/health/details", s.handleHealthDetails, deps.Authz.RequireRole(domain.RoleAdmin))
	e.GET("/readyz", s.handleReadyz)

	e.GET("/queue/stats", queueStatsHandler(deps.UpdateQueue), deps.Authz.RequireRole(domain.RoleAdmin))
	e.GET("/queue/failed", queueFailedHandler(deps.UpdateQueue), deps.Authz.RequireRole(domain.RoleAdmin))
	e.GET("/queue/failed/export", queueExportHandler(deps.UpdateQueue, true), deps.Authz.RequireRole(domain.RoleAdmin))
	e.POST("/queue/failed/retry", queueRetryHandler(deps.UpdateQueue), deps.Authz.RequireRole(domain.RoleAdmin))

	e.GET("/queue/forget/stats", queueStatsHandler(deps.ForgetQueue), deps.Authz.RequireRole(domain.RoleAdmin))
	e.GET("/queue/forget/failed", queueFailedHandler(deps.ForgetQueue), deps.Authz.RequireRole(domain.RoleAdmin))
	e.GET("/queue/forget/failed/export", queueExportHandler(deps.ForgetQueue, false), deps.Authz.RequireRole(domain.RoleAdmin))
	e.POST("/queue/forget/failed/retry", queueRetryHandler(deps.ForgetQueue), deps.Authz.RequireRole(domain.RoleAdmin))

	if deps.MetricsOpen {
		e.GET("/metrics", s.handleMetrics)
	} else {
		e.GET("/metrics", s.handleMetrics, deps.Authz.RequireRole(domain.RoleAdmin))
	}

	return s, nil
}

// Close flushes and closes the audit log file, if one is open.
func (s *Server) Close() error {
	if s.auditFile != nil {
		return s.auditFile.Close()
	}
	return nil
}

func (s *Server) requestIDMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Response().Header().Set(requestIDHeader, id)
		return next(c)
	}
}

func requestID(c echo.Context) string {
	v, _ := c.Get("request_id").(string)
	return v
}

// auditEntry is one JSON Line written to AUDIT_LOG_PATH.
type auditEntry struct {
	Time      string         `json:"time"`
	RequestID string         `json:"request_id"`
	Action    string         `json:"action"`
	Namespace string         `json:"namespace,omitempty"`
	Requester requesterAudit `json:"requester"`
	Detail    map[string]any `json:"detail,omitempty"`
}

type requesterAudit struct {
	KeyID string `json:"keyId,omitempty"`
}

func (s *Server) audit(c echo.Context, action, namespace string, detail map[string]any) {
	if s.auditFile == nil {
		return
	}
	entry := auditEntry{
		Time:      s.deps.Now().UTC().Format(time.RFC3339),
		RequestID: requestID(c),
		Action:    action,
		Namespace: namespace,
		Requester: requesterAudit{KeyID: authz.RequesterKeyID(c)},
		Detail:    detail,
	}
	buf, err := json.Marshal(entry)
	if err != nil {
		return
	}
	buf = append(buf, '\n')

	s.auditMu.Lock()
	defer s.auditMu.Unlock()
	_, _ = s.auditFile.Write(buf)
}

func writeAPIErr(c echo.Context, e *apierr.Error) error {
	if e.RetryAfter > 0 {
		c.Response().Header().Set("Retry-After", itoa(e.RetryAfter))
	}
	return c.JSON(e.Status(), map[string]string{"error": string(e.Kind), "message": e.Message})
}

func writeSkipped(c echo.Context, errKind apierr.Kind, retryAfter int, extra map[string]any) error {
	if retryAfter > 0 {
		c.Response().Header().Set("Retry-After", itoa(retryAfter))
	}
	body := map[string]any{"status": "skipped", "error": string(errKind)}
	for k, v := range extra {
		body[k] = v
	}
	return c.JSON(http.StatusOK, body)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func rateLimiterFor(deps Dependencies, route string) *guardrails.RateLimiter {
	if deps.RateLimiter == nil {
		return nil
	}
	return deps.RateLimiter[route]
}

func checkRateLimit(c echo.Context, deps Dependencies, route string) *apierr.Error {
	rl := rateLimiterFor(deps, route)
	if rl == nil {
		return nil
	}
	keyID := authz.RequesterKeyID(c)
	ok, retryAfter := rl.Allow(keyID+":"+route, deps.Now())
	if ok {
		return nil
	}
	return apierr.New(apierr.RateLimited, "rate limit exceeded").WithRetryAfter(retryAfter)
}

// probeWithTimeout runs probe with a 1500ms deadline, used by readyz and
// health/details for every external dependency.
func probeWithTimeout(parent context.Context, probe func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, 1500*time.Millisecond)
	defer cancel()
	return probe(ctx)
}
