// Package security resolves the bearer-token tenant identity spec.md §6
// describes: a version-4 UUID token looked up against a tenant table, with
// validation latency hidden from request logic by per-connection caching.
// Trimmed from the teacher's internal/security/auth.go, which resolved OIDC
// JWTs and API-key clients into role-based identities; this service has a
// single tenant concept, not roles, so the OIDC/API-key/role machinery is
// dropped (see DESIGN.md).
package security

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/4xguy/federated-memory-sub004/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ContextKeyTenantID is the gin context key for the authenticated tenant ID.
const ContextKeyTenantID = "tenantID"

// tenantContextKey is the context key WithTenant stores the tenant ID under.
type tenantContextKey struct{}

// WithTenant returns a context carrying the resolved tenant ID, for code
// paths (MCP tool calls, background jobs) that do not go through gin.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantContextKey{}, tenantID)
}

// TenantFromContext retrieves the tenant ID stored by WithTenant.
func TenantFromContext(ctx context.Context) string {
	id, _ := ctx.Value(tenantContextKey{}).(string)
	return id
}

var (
	// ErrUnknownToken means the token does not resolve to any tenant.
	// Deliberately indistinguishable from NotFound on public surfaces
	// (spec.md §7) — callers must not leak which tokens are registered.
	ErrUnknownToken = errors.New("unknown or expired token")
	errMalformed    = errors.New("token is not a valid v4 UUID")
)

// TokenResolver resolves bearer tokens (version-4 UUIDs) to tenant IDs. It is
// built once at startup from the configured token table and shared by every
// request; resolution itself is an in-memory map lookup, so there is no
// per-request I/O to cache (spec.md §6 "validation latency is hidden from
// request logic by per-connection caching" — here the whole table is
// memory-resident, which is the strongest form of that cache).
type TokenResolver struct {
	mu     sync.RWMutex
	tenant map[string]string // token -> tenantID
}

// NewTokenResolver builds a resolver from the configured token->tenant map.
func NewTokenResolver(cfg *config.Config) *TokenResolver {
	tenant := make(map[string]string, len(cfg.TenantTokens))
	for token, tenantID := range cfg.TenantTokens {
		tenant[strings.ToLower(strings.TrimSpace(token))] = tenantID
	}
	return &TokenResolver{tenant: tenant}
}

// Register adds or replaces a token->tenant mapping at runtime (used by the
// migrate/admin tooling that provisions new tenants without a restart).
func (r *TokenResolver) Register(token, tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenant[strings.ToLower(strings.TrimSpace(token))] = tenantID
}

// Resolve maps a bearer token to a tenant ID.
func (r *TokenResolver) Resolve(_ context.Context, bearerToken string) (string, error) {
	token := strings.ToLower(strings.TrimSpace(bearerToken))
	if _, err := uuid.Parse(token); err != nil {
		return "", errMalformed
	}
	r.mu.RLock()
	tenantID, ok := r.tenant[token]
	r.mu.RUnlock()
	if !ok {
		return "", ErrUnknownToken
	}
	return tenantID, nil
}

// GetTenantID returns the authenticated tenant ID from the gin context.
func GetTenantID(c *gin.Context) string {
	return c.GetString(ContextKeyTenantID)
}

// AuthMiddleware extracts the bearer token from the Authorization header and
// resolves it to a tenant ID. An unresolvable token returns 404, not 401 —
// spec.md §7 requires Unauthorized be indistinguishable from NotFound on
// public surfaces to avoid token enumeration.
func AuthMiddleware(resolver *TokenResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if token == "" {
			log.Info("Auth rejected: missing Authorization header", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "not found"})
			return
		}

		tenantID, err := resolver.Resolve(c.Request.Context(), token)
		if err != nil {
			log.Info("Auth rejected", "method", c.Request.Method, "path", c.Request.URL.Path, "err", err)
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"code": "not_found", "error": "not found"})
			return
		}

		c.Set(ContextKeyTenantID, tenantID)
		c.Next()
	}
}
