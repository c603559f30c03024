// Package authz implements Deep-Memory's API-key rule table: role ranks,
// namespace gates, and the echo middleware that enforces both. It
// generalizes the teacher's APIKeyAuth middleware (api/rest.go), which
// checked a single static key, into a multi-rule table with per-key roles
// and per-key namespace scoping.
package authz

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/deep-memory/server/internal/apierr"
	"github.com/deep-memory/server/internal/domain"
)

const apiKeyHeader = "X-Api-Key"

// ruleContextKey is the echo context key the matched rule is stored under
// once a request authenticates.
const ruleContextKey = "authz_rule"

// Authorizer holds the parsed rule table and whether authentication is
// mandatory on every route.
type Authorizer struct {
	rules    []domain.ApiKeyRule
	required bool
}

// New parses the rule table from jsonRules (a `[{key,role,namespaces}]`
// JSON array) if non-empty, else from legacy CSV (a comma-separated list of
// keys, each implicitly role admin with namespaces ["*"]). required is true
// iff any keys were configured or requireAPIKey was explicitly set.
func New(jsonRules, legacyCSV string, requireAPIKey bool) (*Authorizer, error) {
	var rules []domain.ApiKeyRule

	switch {
	case strings.TrimSpace(jsonRules) != "":
		if err := json.Unmarshal([]byte(jsonRules), &rules); err != nil {
			return nil, err
		}
	case strings.TrimSpace(legacyCSV) != "":
		for _, key := range strings.Split(legacyCSV, ",") {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			rules = append(rules, domain.ApiKeyRule{
				Key:        key,
				Role:       domain.RoleAdmin,
				Namespaces: []string{"*"},
			})
		}
	}

	return &Authorizer{
		rules:    rules,
		required: requireAPIKey || len(rules) > 0,
	}, nil
}

// Required reports whether authentication is mandatory in this deployment.
func (a *Authorizer) Required() bool {
	return a.required
}

// constantTimeEqual compares a and b without leaking timing information
// about where the first mismatching byte occurs, padding to equal length
// first so differing lengths don't short-circuit.
func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		// Still run a constant-time compare against a same-length buffer so
		// the length mismatch path costs roughly the same as a match.
		padded := make([]byte, len(a))
		subtle.ConstantTimeCompare(padded, []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// match finds the rule whose key constant-time-equals candidate.
func (a *Authorizer) match(candidate string) (domain.ApiKeyRule, bool) {
	for _, r := range a.rules {
		if constantTimeEqual(r.Key, candidate) {
			return r, true
		}
	}
	return domain.ApiKeyRule{}, false
}

// RequireRole builds echo middleware gating requests to rules whose role
// rank is at least min. Unauthenticated requests fail closed with
// 401 unauthorized; authenticated-but-underranked requests fail with
// 403 forbidden. When authentication is not required, every request is
// admitted as an implicit admin rule scoped to all namespaces.
func (a *Authorizer) RequireRole(min domain.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !a.required {
				c.Set(ruleContextKey, domain.ApiKeyRule{
					Key:        "",
					Role:       domain.RoleAdmin,
					Namespaces: []string{"*"},
				})
				return next(c)
			}

			candidate := c.Request().Header.Get(apiKeyHeader)
			if candidate == "" {
				return echoError(apierr.New(apierr.Unauthorized, "missing api key"))
			}

			rule, ok := a.match(candidate)
			if !ok {
				return echoError(apierr.New(apierr.Unauthorized, "unknown api key"))
			}
			if rule.Role.Rank() < min.Rank() {
				return echoError(apierr.New(apierr.Forbidden, "role rank too low"))
			}

			c.Set(ruleContextKey, rule)
			return next(c)
		}
	}
}

// RequirePrefix applies RequireRole only to requests whose path begins
// with prefix, passing every other request through unchecked.
func (a *Authorizer) RequirePrefix(prefix string, min domain.Role) echo.MiddlewareFunc {
	gated := a.RequireRole(min)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		gatedNext := gated(next)
		return func(c echo.Context) error {
			if strings.HasPrefix(c.Request().URL.Path, prefix) {
				return gatedNext(c)
			}
			return next(c)
		}
	}
}

// RuleFromContext returns the ApiKeyRule stored by RequireRole, if any.
func RuleFromContext(c echo.Context) (domain.ApiKeyRule, bool) {
	v := c.Get(ruleContextKey)
	rule, ok := v.(domain.ApiKeyRule)
	return rule, ok
}

// AssertNamespace reports whether the context's authenticated rule may
// touch ns, returning the forbidden_namespace apierr.Error to write back
// when it cannot.
func AssertNamespace(c echo.Context, ns string) *apierr.Error {
	rule, ok := RuleFromContext(c)
	if !ok {
		return apierr.New(apierr.Unauthorized, "missing authenticated rule")
	}
	if rule.AllowsNamespace(ns) {
		return nil
	}
	return apierr.New(apierr.ForbiddenNamespace, "namespace not permitted for this key")
}

// KeyID returns a 12-hex sha256 prefix of an API key, suitable for audit
// logging without ever recording the raw key.
func KeyID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:12]
}

// RequesterKeyID returns the audit key id for the context's authenticated
// rule, or "" when the deployment runs without authentication.
func RequesterKeyID(c echo.Context) string {
	rule, ok := RuleFromContext(c)
	if !ok || rule.Key == "" {
		return ""
	}
	return KeyID(rule.Key)
}

func echoError(e *apierr.Error) error {
	return echo.NewHTTPError(e.Status(), map[string]string{"error": string(e.Kind), "message": e.Message})
}
