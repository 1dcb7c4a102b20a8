package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// AuthConfig configures HMAC-signed bearer tokens. Every authenticated
// request must carry the AccountClaim; it names the only account the caller
// may act for.
type AuthConfig struct {
	Enabled        bool
	HMACSecret     string
	Issuer         string
	Audience       string
	ScopeClaim     string
	AccountClaim   string
	OptionalPaths  []string
	AllowAnonymous bool
	ClockSkew      time.Duration
}

type contextKey string

const contextKeyPrincipal contextKey = "gateway.principal"

// ErrAccountMismatch is returned when a request acts for an account other than
// the one its token was issued to.
var ErrAccountMismatch = errors.New("token does not authorize this account")

// Principal is the verified identity attached to a request.
type Principal struct {
	Account string
	Scopes  []string
}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, p)
}

// PrincipalFromContext returns the principal installed by the authenticator.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKeyPrincipal).(Principal)
	return p, ok && p.Account != ""
}

// AccountFromContext returns the account bound to the request's token.
func AccountFromContext(ctx context.Context) (string, bool) {
	p, ok := PrincipalFromContext(ctx)
	return p.Account, ok
}

// AuthorizeAccount checks that the authenticated token may act for account.
// Requests that passed through without authentication (auth disabled or an
// optional path) carry no account and are not restricted here.
func AuthorizeAccount(ctx context.Context, account string) error {
	bound, ok := AccountFromContext(ctx)
	if !ok {
		return nil
	}
	if !strings.EqualFold(bound, strings.TrimSpace(account)) {
		return ErrAccountMismatch
	}
	return nil
}

type Authenticator struct {
	cfg    AuthConfig
	logger *log.Logger
	secret []byte
	parser *jwt.Parser
}

func NewAuthenticator(cfg AuthConfig, logger *log.Logger) *Authenticator {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.AccountClaim == "" {
		cfg.AccountClaim = "sub"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(cfg.ClockSkew),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &Authenticator{
		cfg:    cfg,
		logger: logger,
		secret: []byte(strings.TrimSpace(cfg.HMACSecret)),
		parser: jwt.NewParser(opts...),
	}
}

// Middleware authenticates the request and requires every scope listed.
func (a *Authenticator) Middleware(requiredScopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !a.cfg.Enabled || (a.cfg.AllowAnonymous && a.isOptional(r.URL.Path)) {
				next.ServeHTTP(w, r)
				return
			}
			raw := extractBearer(r.Header.Get("Authorization"))
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			principal, err := a.authenticate(raw)
			if err != nil {
				a.logger.Printf("auth: rejected token: %v", err)
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			if missing := missingScope(principal.Scopes, requiredScopes); missing != "" {
				writeError(w, http.StatusForbidden, "insufficient scope: "+missing)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

func (a *Authenticator) authenticate(raw string) (Principal, error) {
	if len(a.secret) == 0 {
		return Principal{}, errors.New("auth secret not configured")
	}
	claims := jwt.MapClaims{}
	if _, err := a.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}); err != nil {
		return Principal{}, err
	}
	account, _ := claims[a.cfg.AccountClaim].(string)
	account = strings.TrimSpace(account)
	if account == "" {
		return Principal{}, fmt.Errorf("claim %q missing", a.cfg.AccountClaim)
	}
	return Principal{Account: account, Scopes: scopesFromClaim(claims[a.cfg.ScopeClaim])}, nil
}

func (a *Authenticator) isOptional(path string) bool {
	for _, prefix := range a.cfg.OptionalPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// scopesFromClaim accepts either a space-delimited string or a JSON array.
func scopesFromClaim(raw interface{}) []string {
	switch v := raw.(type) {
	case string:
		return strings.Fields(v)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func missingScope(granted, required []string) string {
	set := make(map[string]struct{}, len(granted))
	for _, scope := range granted {
		set[scope] = struct{}{}
	}
	for _, scope := range required {
		if _, ok := set[scope]; !ok {
			return scope
		}
	}
	return ""
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
