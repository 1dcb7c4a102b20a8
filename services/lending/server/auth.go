package server

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	lendingv1 "nhblend/proto/lending/v1"
)

// mutatingMethods are the RPCs that move collateral or liquidity. Only these
// require credentials; queries are open.
var mutatingMethods = map[string]struct{}{
	lendingv1.LendingService_DepositCollateral_FullMethodName:      {},
	lendingv1.LendingService_Borrow_FullMethodName:                 {},
	lendingv1.LendingService_RepayLoan_FullMethodName:              {},
	lendingv1.LendingService_WithdrawCollateral_FullMethodName:     {},
	lendingv1.LendingService_WithdrawFreeCollateral_FullMethodName: {},
	lendingv1.LendingService_FundPool_FullMethodName:               {},
}

// IsMutating reports whether fullMethod changes engine state.
func IsMutating(fullMethod string) bool {
	_, ok := mutatingMethods[fullMethod]
	return ok
}

// AuthConfig lists the credentials accepted on mutating RPCs.
type AuthConfig struct {
	APITokens        []string
	AllowedClientCNs []string
}

type callerKey struct{}

// withCaller records how the request authenticated, e.g. "token" or
// "cn:gateway".
func withCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext returns the credential that authenticated the request.
func CallerFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	caller, ok := ctx.Value(callerKey{}).(string)
	return caller, ok && caller != ""
}

// NewAuthInterceptor returns a unary interceptor requiring either a
// configured API token (authorization bearer or x-api-token metadata) or a
// verified mTLS client certificate with an allowed common name on mutating
// RPCs.
func NewAuthInterceptor(cfg AuthConfig) grpc.UnaryServerInterceptor {
	a := newAuthenticator(cfg)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !IsMutating(info.FullMethod) {
			return handler(ctx, req)
		}
		ctx, err := a.authenticate(ctx)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

type authenticator struct {
	tokens      [][sha256.Size]byte
	commonNames map[string]struct{}
}

func newAuthenticator(cfg AuthConfig) *authenticator {
	a := &authenticator{commonNames: cnSet(cfg.AllowedClientCNs)}
	for _, token := range cfg.APITokens {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			a.tokens = append(a.tokens, sha256.Sum256([]byte(trimmed)))
		}
	}
	return a
}

func (a *authenticator) authenticate(ctx context.Context) (context.Context, error) {
	if len(a.tokens) == 0 && len(a.commonNames) == 0 {
		return ctx, status.Error(codes.PermissionDenied, "authentication is not configured")
	}
	if a.tokenPresented(ctx) {
		return withCaller(ctx, "token"), nil
	}
	if name, ok := a.peerCommonName(ctx); ok {
		return withCaller(ctx, "cn:"+name), nil
	}
	return ctx, status.Error(codes.Unauthenticated, "authentication required")
}

func (a *authenticator) tokenPresented(ctx context.Context) bool {
	if len(a.tokens) == 0 {
		return false
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return false
	}
	candidates := md.Get("x-api-token")
	for _, header := range md.Get("authorization") {
		candidates = append(candidates, parseBearerToken(header))
	}
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		digest := sha256.Sum256([]byte(candidate))
		for _, want := range a.tokens {
			if subtle.ConstantTimeCompare(digest[:], want[:]) == 1 {
				return true
			}
		}
	}
	return false
}

func (a *authenticator) peerCommonName(ctx context.Context) (string, bool) {
	if len(a.commonNames) == 0 {
		return "", false
	}
	pr, ok := peer.FromContext(ctx)
	if !ok {
		return "", false
	}
	info, ok := pr.AuthInfo.(credentials.TLSInfo)
	if !ok {
		return "", false
	}
	return matchCommonName(info.State, a.commonNames)
}

// matchCommonName returns the first leaf common name in state that is listed
// in allowed.
func matchCommonName(state tls.ConnectionState, allowed map[string]struct{}) (string, bool) {
	for _, chain := range state.VerifiedChains {
		if len(chain) == 0 {
			continue
		}
		name := strings.TrimSpace(chain[0].Subject.CommonName)
		if _, ok := allowed[name]; ok {
			return name, true
		}
	}
	for _, cert := range state.PeerCertificates {
		name := strings.TrimSpace(cert.Subject.CommonName)
		if _, ok := allowed[name]; ok {
			return name, true
		}
	}
	return "", false
}

func cnSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	return set
}

func parseBearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
