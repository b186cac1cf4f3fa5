package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/noah-isme/payment-core/internal/common"
)

// RoleAdmin grants access to operator endpoints.
const RoleAdmin = "admin"

// Claims is the caller identity carried by a bearer token.
type Claims struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the caller holds role.
func (c Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// Verifier checks HMAC-signed access tokens issued by the storefront.
type Verifier struct {
	Secret    []byte
	Issuer    string
	Audience  string
	ClockSkew time.Duration
	// Algorithm pins the accepted algorithm; defaults to HS256.
	Algorithm jwa.SignatureAlgorithm
	Now       func() time.Time
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v *Verifier) algorithm() jwa.SignatureAlgorithm {
	if v.Algorithm == "" {
		return jwa.HS256
	}
	return v.Algorithm
}

func unauthorized(err error) *common.AppError {
	return common.NewAppError("UNAUTHORIZED", "invalid token", http.StatusUnauthorized, err)
}

// Parse verifies the signature, then issuer, audience and expiry, and returns the caller's claims.
func (v *Verifier) Parse(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, common.NewAppError("UNAUTHORIZED", "missing token", http.StatusUnauthorized, nil)
	}
	if len(v.Secret) == 0 {
		return Claims{}, errors.New("auth: verifier secret not configured")
	}
	alg, err := tokenAlgorithm(token)
	if err != nil {
		return Claims{}, unauthorized(err)
	}
	if alg != v.algorithm() {
		return Claims{}, unauthorized(fmt.Errorf("unexpected token algorithm %s", alg))
	}
	opts := []jwt.ParseOption{
		jwt.WithKey(alg, v.Secret),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(v.now)),
	}
	if v.ClockSkew > 0 {
		opts = append(opts, jwt.WithAcceptableSkew(v.ClockSkew))
	}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}
	parsed, err := jwt.ParseString(token, opts...)
	if err != nil {
		return Claims{}, unauthorized(err)
	}
	if parsed.Subject() == "" {
		return Claims{}, unauthorized(errors.New("token has no subject"))
	}
	return Claims{Subject: parsed.Subject(), Roles: rolesOf(parsed)}, nil
}

func tokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	msg, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return "", errors.New("auth: token must carry exactly one signature")
	}
	headers := sigs[0].ProtectedHeaders()
	if headers == nil || headers.Algorithm() == "" {
		return "", errors.New("auth: token missing algorithm")
	}
	return headers.Algorithm(), nil
}

// rolesOf accepts either a "roles" array or a single "role" string.
func rolesOf(tok jwt.Token) []string {
	var roles []string
	if v, ok := tok.Get("roles"); ok {
		switch t := v.(type) {
		case []any:
			for _, r := range t {
				if s, ok := r.(string); ok {
					roles = append(roles, s)
				}
			}
		case []string:
			roles = append(roles, t...)
		case string:
			roles = append(roles, strings.Split(t, ",")...)
		}
	}
	if v, ok := tok.Get("role"); ok {
		if s, ok := v.(string); ok && s != "" {
			roles = append(roles, s)
		}
	}
	return roles
}

// Sign issues a token for tests and operator tooling.
func (v *Verifier) Sign(subject string, roles []string, ttl time.Duration) (string, error) {
	now := v.now()
	b := jwt.NewBuilder().Subject(subject).IssuedAt(now).NotBefore(now).Expiration(now.Add(ttl))
	if v.Issuer != "" {
		b = b.Issuer(v.Issuer)
	}
	if v.Audience != "" {
		b = b.Audience([]string{v.Audience})
	}
	if len(roles) > 0 {
		b = b.Claim("roles", roles)
	}
	tok, err := b.Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(v.algorithm(), v.Secret))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}
