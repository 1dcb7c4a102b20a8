package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"nhblend/observability"
)

const metricsModule = "lending"

// Config captures the settings required to construct gRPC server options.
type Config struct {
	TLSCertFile      string
	TLSKeyFile       string
	TLSClientCAFile  string
	AllowInsecure    bool
	MTLSRequired     bool
	AllowedClientCNs []string
	// RateLimitPerMin caps requests per peer address. Zero disables it.
	RateLimitPerMin int
	APITokens       []string
	Tracing         bool
	Logger          *slog.Logger
}

func (cfg Config) requireClientCert() bool {
	return cfg.MTLSRequired || len(cfg.AllowedClientCNs) > 0
}

// GrpcServerCreds builds the TLS credentials option. It returns nil only when
// no certificate is configured and AllowInsecure is set.
func GrpcServerCreds(cfg Config) (grpc.ServerOption, error) {
	certPath := strings.TrimSpace(cfg.TLSCertFile)
	keyPath := strings.TrimSpace(cfg.TLSKeyFile)
	if certPath == "" || keyPath == "" {
		switch {
		case cfg.requireClientCert():
			return nil, errors.New("mtls requires server certificate, key, and client ca configuration")
		case cfg.AllowInsecure:
			return nil, nil
		default:
			return nil, errors.New("tls certificate and key are required")
		}
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load tls keypair: %w", err)
	}
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}
	if path := strings.TrimSpace(cfg.TLSClientCAFile); path != "" {
		pemData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read client ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("parse client ca: invalid pem data")
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
	}
	if cfg.requireClientCert() {
		if tlsCfg.ClientCAs == nil {
			return nil, errors.New("client ca bundle required for mtls")
		}
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	if allowed := cnSet(cfg.AllowedClientCNs); len(allowed) > 0 {
		tlsCfg.VerifyConnection = func(cs tls.ConnectionState) error {
			if _, ok := matchCommonName(cs, allowed); ok {
				return nil
			}
			return errors.New("client certificate common name not allowed")
		}
	}
	return grpc.Creds(credentials.NewTLS(tlsCfg)), nil
}

// Interceptors returns the unary chain (logging, recovery, per-peer rate
// limiting, authentication) plus the otelgrpc stats handler when tracing is
// enabled.
func Interceptors(cfg Config) ([]grpc.ServerOption, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	chain := []grpc.UnaryServerInterceptor{
		loggingInterceptor(logger),
		recoveryInterceptor(logger),
	}
	if limiter := newPeerLimiter(cfg.RateLimitPerMin); limiter != nil {
		chain = append(chain, limiter.interceptor())
	}
	chain = append(chain, NewAuthInterceptor(AuthConfig{
		APITokens:        cfg.APITokens,
		AllowedClientCNs: cfg.AllowedClientCNs,
	}))
	options := []grpc.ServerOption{grpc.ChainUnaryInterceptor(chain...)}
	if cfg.Tracing {
		options = append(options, grpc.StatsHandler(otelgrpc.NewServerHandler()))
	}
	return options, nil
}

// loggingInterceptor runs outermost so the recorded code includes auth and
// throttling rejections.
func loggingInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		start := time.Now()
		resp, err = handler(ctx, req)
		code := status.Code(err)
		elapsed := time.Since(start)
		method := methodName(info.FullMethod)
		observability.RPC().Observe(metricsModule, method, httpStatus(code), elapsed)
		attrs := []any{"method", method, "code", code.String(), "duration", elapsed, "peer", peerHost(ctx)}
		if code == codes.Internal || code == codes.Unknown {
			logger.Error("lending rpc failed", attrs...)
		} else {
			logger.Info("lending rpc", attrs...)
		}
		return resp, err
	}
}

func recoveryInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (_ interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic in lending handler", "method", info.FullMethod, "panic", r)
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

// peerLimiter keeps one token bucket per remote host so a single noisy client
// cannot starve the rest.
type peerLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*rate.Limiter
}

// maxPeerBuckets bounds the bucket map; it is reset when exceeded.
const maxPeerBuckets = 4096

func newPeerLimiter(perMinute int) *peerLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &peerLimiter{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
		buckets: make(map[string]*rate.Limiter),
	}
}

func (p *peerLimiter) allow(host string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	limiter, ok := p.buckets[host]
	if !ok {
		if len(p.buckets) >= maxPeerBuckets {
			p.buckets = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(p.limit, p.burst)
		p.buckets[host] = limiter
	}
	return limiter.Allow()
}

func (p *peerLimiter) interceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if !p.allow(peerHost(ctx)) {
			observability.RPC().RecordThrottle(metricsModule, "rate_limit")
			return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
		}
		return handler(ctx, req)
	}
}

func peerHost(ctx context.Context) string {
	pr, ok := peer.FromContext(ctx)
	if !ok || pr.Addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(pr.Addr.String())
	if err != nil {
		return pr.Addr.String()
	}
	return host
}

func methodName(fullMethod string) string {
	if idx := strings.LastIndex(fullMethod, "/"); idx >= 0 && idx < len(fullMethod)-1 {
		return fullMethod[idx+1:]
	}
	return fullMethod
}

// httpStatus folds a gRPC code into the HTTP status space shared with the
// gateway module metrics.
func httpStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return 200
	case codes.InvalidArgument:
		return 400
	case codes.Unauthenticated:
		return 401
	case codes.PermissionDenied:
		return 403
	case codes.NotFound:
		return 404
	case codes.FailedPrecondition, codes.Aborted:
		return 409
	case codes.ResourceExhausted:
		return 429
	case codes.Unavailable:
		return 503
	case codes.DeadlineExceeded:
		return 504
	case codes.Canceled:
		return 499
	default:
		return 500
	}
}
