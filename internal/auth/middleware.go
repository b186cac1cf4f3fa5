package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payment-core/internal/common"
)

var errNoToken = errors.New("auth: token missing")

// AdminKeyHeader carries the operator API key for admin routes.
const AdminKeyHeader = "X-Admin-Key"

type claimsKey struct{}

// WithClaims stores the caller's claims on ctx and tags the request logger
// with the subject.
func WithClaims(ctx context.Context, c Claims) context.Context {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		l.UpdateContext(func(zc zerolog.Context) zerolog.Context { return zc.Str("user_id", c.Subject) })
	}
	ctx = common.WithCaller(ctx, common.Caller{UserID: c.Subject, Admin: c.HasRole(RoleAdmin)})
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFrom returns the claims attached by RequireAuth.
func ClaimsFrom(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(Claims)
	return c, ok
}

// Middleware wires authentication context into HTTP handlers.
type Middleware struct {
	Verifier *Verifier
	// AdminKeyHash is an argon2id hash; when set, a matching X-Admin-Key grants admin access.
	AdminKeyHash string
}

// RequireAuth enforces that a valid bearer token is present before executing the next handler.
func (m Middleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := m.authenticate(r)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

// RequireAdmin accepts a bearer token with the admin role or a valid operator key.
func (m Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := strings.TrimSpace(r.Header.Get(AdminKeyHeader)); key != "" {
			if m.adminKeyValid(key) {
				next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), Claims{Subject: "admin-key", Roles: []string{RoleAdmin}})))
				return
			}
			common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin key", nil)
			return
		}
		claims, err := m.authenticate(r)
		if err != nil {
			writeAuthError(w, err)
			return
		}
		if !claims.HasRole(RoleAdmin) {
			common.JSONError(w, http.StatusForbidden, "FORBIDDEN", "admin role required", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func (m Middleware) adminKeyValid(key string) bool {
	if m.AdminKeyHash == "" {
		return false
	}
	ok, err := argon2id.ComparePasswordAndHash(key, m.AdminKeyHash)
	return err == nil && ok
}

func (m Middleware) authenticate(r *http.Request) (Claims, error) {
	if m.Verifier == nil {
		return Claims{}, errors.New("auth: verifier not configured")
	}
	token := bearerToken(r)
	if token == "" {
		return Claims{}, errNoToken
	}
	return m.Verifier.Parse(token)
}

func writeAuthError(w http.ResponseWriter, err error) {
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		status := appErr.Status
		if status == 0 {
			status = http.StatusUnauthorized
		}
		common.JSONError(w, status, appErr.Code, appErr.Message, appErr.Details)
		return
	}
	common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
