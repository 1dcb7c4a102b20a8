package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "gateway-test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func TestAuthenticatorBindsAccount(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "nhb"}, nil)
	var account string
	handler := auth.Middleware("lending:write")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		account, _ = AccountFromContext(r.Context())
		require.NoError(t, AuthorizeAccount(r.Context(), "NHB1ALICE"))
		require.ErrorIs(t, AuthorizeAccount(r.Context(), "nhb1bob"), ErrAccountMismatch)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/lending/borrow", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{
		"iss":   "nhb",
		"sub":   "nhb1alice",
		"scope": "lending:read lending:write",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "nhb1alice", account)
}

func TestAuthenticatorRejects(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret}, nil)
	handler := auth.Middleware("lending:write")(okHandler())

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer not-a-token", want: http.StatusUnauthorized},
		{
			name:   "scope",
			header: "Bearer " + signToken(t, jwt.MapClaims{"sub": "nhb1alice", "scope": "lending:read"}),
			want:   http.StatusForbidden,
		},
		{
			name:   "no account",
			header: "Bearer " + signToken(t, jwt.MapClaims{"scope": "lending:write"}),
			want:   http.StatusUnauthorized,
		},
		{
			name:   "expired",
			header: "Bearer " + signToken(t, jwt.MapClaims{"sub": "nhb1alice", "scope": "lending:write", "exp": time.Now().Add(-time.Hour).Unix()}),
			want:   http.StatusUnauthorized,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/lending/borrow", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, req)
			require.Equal(t, tc.want, res.Code)
		})
	}
}

func TestAuthenticatorOptionalPaths(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{
		Enabled:        true,
		HMACSecret:     testSecret,
		OptionalPaths:  []string{"/v1/lending/pool"},
		AllowAnonymous: true,
	}, nil)
	handler := auth.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := AccountFromContext(r.Context())
		require.False(t, ok)
		require.NoError(t, AuthorizeAccount(r.Context(), "anyone"))
		w.WriteHeader(http.StatusOK)
	}))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/lending/pool", nil))
	require.Equal(t, http.StatusOK, res.Code)
}

func TestAuthenticatorEnforcesIssuerAndAudience(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret, Issuer: "nhb", Audience: "lending"}, nil)
	handler := auth.Middleware()(okHandler())

	cases := map[string]jwt.MapClaims{
		"wrong issuer":   {"iss": "other", "aud": "lending", "sub": "nhb1alice"},
		"wrong audience": {"iss": "nhb", "aud": []string{"payments"}, "sub": "nhb1alice"},
	}
	for name, claims := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/lending/pool", nil)
			req.Header.Set("Authorization", "Bearer "+signToken(t, claims))
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, req)
			require.Equal(t, http.StatusUnauthorized, res.Code)
			require.Contains(t, res.Body.String(), "invalid token")
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/lending/pool", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{"iss": "nhb", "aud": []string{"lending"}, "sub": "nhb1alice"}))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)
}

func TestAuthenticatorRejectsUnexpectedAlgorithm(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: testSecret}, nil)
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "nhb1alice"})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/lending/pool", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	res := httptest.NewRecorder()
	auth.Middleware()(okHandler()).ServeHTTP(res, req)
	require.Equal(t, http.StatusUnauthorized, res.Code)
}
