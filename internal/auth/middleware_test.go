package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/payment-core/internal/common"
)

func testVerifier() *Verifier {
	return &Verifier{Secret: []byte("jwt-secret"), Issuer: "storefront", Audience: "payments"}
}

func TestVerifierRoundTrip(t *testing.T) {
	v := testVerifier()
	tok, err := v.Sign("user-1", []string{"customer", "admin"}, time.Minute)
	require.NoError(t, err)

	claims, err := v.Parse(tok)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.True(t, claims.HasRole(RoleAdmin))
}

func TestVerifierRejects(t *testing.T) {
	v := testVerifier()
	now := time.Now()

	expired := &Verifier{Secret: v.Secret, Issuer: v.Issuer, Audience: v.Audience, Now: func() time.Time { return now.Add(-time.Hour) }}
	tok, err := expired.Sign("user-1", nil, time.Minute)
	require.NoError(t, err)
	_, err = v.Parse(tok)
	require.Error(t, err)

	other := &Verifier{Secret: []byte("other"), Issuer: v.Issuer, Audience: v.Audience}
	tok, err = other.Sign("user-1", nil, time.Minute)
	require.NoError(t, err)
	_, err = v.Parse(tok)
	require.Error(t, err)

	wrongIss := &Verifier{Secret: v.Secret, Issuer: "elsewhere", Audience: v.Audience}
	tok, err = wrongIss.Sign("user-1", nil, time.Minute)
	require.NoError(t, err)
	_, err = v.Parse(tok)
	require.Error(t, err)

	hs512 := &Verifier{Secret: v.Secret, Issuer: v.Issuer, Audience: v.Audience, Algorithm: jwa.HS512}
	tok, err = hs512.Sign("user-1", nil, time.Minute)
	require.NoError(t, err)
	_, err = v.Parse(tok)
	require.Error(t, err)

	_, err = v.Parse("garbage")
	var appErr *common.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, http.StatusUnauthorized, appErr.Status)
}

func okHandler(t *testing.T, wantSubject string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := common.UserID(r.Context())
		require.True(t, ok)
		require.Equal(t, wantSubject, id)
		claims, ok := ClaimsFrom(r.Context())
		require.True(t, ok)
		require.Equal(t, wantSubject, claims.Subject)
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestRequireAuth(t *testing.T) {
	v := testVerifier()
	m := Middleware{Verifier: v}
	h := m.RequireAuth(okHandler(t, "user-1"))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	tok, err := v.Sign("user-1", nil, time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)
}

func TestRequireAdmin(t *testing.T) {
	v := testVerifier()
	hash, err := argon2id.CreateHash("operator-key-123", argon2id.DefaultParams)
	require.NoError(t, err)
	m := Middleware{Verifier: v, AdminKeyHash: hash}

	customer, err := v.Sign("user-1", []string{"customer"}, time.Minute)
	require.NoError(t, err)
	admin, err := v.Sign("ops-1", []string{RoleAdmin}, time.Minute)
	require.NoError(t, err)

	cases := []struct {
		name    string
		header  string
		value   string
		subject string
		want    int
	}{
		{"no credentials", "", "", "", http.StatusUnauthorized},
		{"customer token", "Authorization", "Bearer " + customer, "", http.StatusForbidden},
		{"admin token", "Authorization", "Bearer " + admin, "ops-1", http.StatusNoContent},
		{"admin key", AdminKeyHeader, "operator-key-123", "admin-key", http.StatusNoContent},
		{"wrong key", AdminKeyHeader, "guess", "", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rr := httptest.NewRecorder()
			m.RequireAdmin(okHandler(t, tc.subject)).ServeHTTP(rr, req)
			require.Equal(t, tc.want, rr.Code)
		})
	}
}
