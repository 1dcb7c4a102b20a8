package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"nhblend/gateway/config"
	"nhblend/gateway/middleware"
	"nhblend/gateway/routes"
	"nhblend/observability/logging"
	telemetry "nhblend/observability/otel"
	lendingclient "nhblend/services/lending/client"
)

const autoHTTPSEnv = "NHB_GATEWAY_AUTO_HTTPS"

func main() {
	var cfgPath string
	var allowInsecureFlag bool
	flag.StringVar(&cfgPath, "config", "", "path to gateway configuration")
	flag.BoolVar(&allowInsecureFlag, "allow-insecure", false, "DEV ONLY: permit plaintext listeners on loopback interfaces")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("NHB_ENV"))
	slogger := logging.Setup("lending-gateway", env)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("lending-gateway", env))
	if err != nil {
		slogger.Error("failed to initialise telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, env, cfgPath, allowInsecureFlag); err != nil {
		slogger.Error("lending gateway stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, env, cfgPath string, allowInsecureFlag bool) error {
	logger := log.New(os.Stdout, "gateway ", log.LstdFlags|log.Lmsgprefix)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	configDir := ""
	if strings.TrimSpace(cfgPath) != "" {
		configDir = filepath.Dir(cfgPath)
	}

	autoUpgrade := cfg.Security.AutoUpgradeHTTP
	if override := strings.TrimSpace(os.Getenv(autoHTTPSEnv)); override != "" {
		if autoUpgrade, err = strconv.ParseBool(override); err != nil {
			return fmt.Errorf("parse %s: %w", autoHTTPSEnv, err)
		}
	}
	endpoint, err := cfg.Lending.URL()
	if err != nil {
		return err
	}
	secured, upgraded, err := config.EnforceSecureScheme(env, endpoint, autoUpgrade)
	if err != nil {
		return fmt.Errorf("enforce TLS for lending endpoint: %w", err)
	}
	if upgraded {
		logger.Printf("auto-upgraded lending endpoint to %s", secured.Scheme)
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, cfg.Lending.Timeout)
	lending, err := dialLending(dialCtx, secured, config.ResolvePath(configDir, cfg.Lending.CAFile), cfg.Lending.APIToken)
	cancelDial()
	if err != nil {
		return fmt.Errorf("dial lending service: %w", err)
	}
	defer lending.Close()
	slog.Info("lending client configured",
		slog.String("endpoint", secured.Redacted()),
		logging.MaskField("api_token", cfg.Lending.APIToken))

	router, err := routes.New(routes.Config{
		Engine:  lending,
		Timeout: cfg.Lending.Timeout,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:        cfg.Auth.Enabled,
			HMACSecret:     cfg.Auth.HMACSecret,
			Issuer:         cfg.Auth.Issuer,
			Audience:       cfg.Auth.Audience,
			ScopeClaim:     cfg.Auth.ScopeClaim,
			AccountClaim:   cfg.Auth.AccountClaim,
			OptionalPaths:  cfg.Auth.OptionalPaths,
			AllowAnonymous: cfg.Auth.AllowAnonymous,
			ClockSkew:      cfg.Auth.ClockSkew,
		}, logger),
		RateLimiter: middleware.NewRateLimiter(rateLimits(cfg.RateLimits), logger),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName:   cfg.Observability.ServiceName,
			MetricsPrefix: cfg.Observability.MetricsPrefix,
			LogRequests:   cfg.Observability.LogRequests,
			Enabled:       cfg.Observability.Metrics || cfg.Observability.Tracing,
		}, logger),
		Logger: logger,
		CORS: middleware.CORSConfig{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization", middleware.RequestIDHeader},
		},
	})
	if err != nil {
		return fmt.Errorf("configure routes: %w", err)
	}
	handler := http.Handler(router)
	if cfg.Observability.Tracing {
		handler = otelhttp.NewHandler(router, "lending-gateway")
	}

	tlsConfig, err := cfg.Security.ServerTLS(configDir)
	if err != nil {
		return fmt.Errorf("configure TLS: %w", err)
	}
	if tlsConfig == nil {
		if !cfg.Security.AllowInsecure && !allowInsecureFlag {
			return errors.New("gateway TLS certificate and key are required; provide security.tlsCertFile/tlsKeyFile or start with --allow-insecure in dev")
		}
		if !config.IsDevEnv(env) && !config.IsLoopbackAddress(cfg.ListenAddress) {
			return errors.New("plaintext gateway mode is restricted to loopback listeners or dev environment")
		}
	}

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		TLSConfig:    tlsConfig,
	}
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if tlsConfig != nil {
		listener = tls.NewListener(listener, tlsConfig)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("listening on %s (tls=%t, lending %s)", listener.Addr(), tlsConfig != nil, secured.Redacted())
		serveErr <- server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	return nil
}

// rateLimits converts configured limits into middleware limits, falling back
// to the built-in read and write buckets when none are configured.
func rateLimits(entries []config.RateLimitConfig) map[string]middleware.RateLimit {
	limits := make(map[string]middleware.RateLimit, len(entries))
	for _, entry := range entries {
		limits[strings.TrimSpace(entry.ID)] = middleware.RateLimit{
			RatePerSecond: entry.PerSecond(),
			Burst:         entry.Burst,
		}
	}
	if len(limits) == 0 {
		limits[routes.RateLimitRead] = middleware.RateLimit{RatePerSecond: 5, Burst: 50}
		limits[routes.RateLimitWrite] = middleware.RateLimit{RatePerSecond: 2, Burst: 20}
	}
	return limits
}

// dialLending connects to lendingd. grpcs:// and https:// endpoints use TLS,
// verified against caFile when given and the system roots otherwise.
func dialLending(ctx context.Context, endpoint *url.URL, caFile, token string) (*lendingclient.Client, error) {
	opts := []grpc.DialOption{grpc.WithStatsHandler(otelgrpc.NewClientHandler())}
	switch strings.ToLower(endpoint.Scheme) {
	case "grpcs", "https":
		tlsCfg := &tls.Config{ServerName: endpoint.Hostname(), MinVersion: tls.VersionTLS12}
		if caFile != "" {
			pool, err := config.LoadCertPool(caFile)
			if err != nil {
				return nil, fmt.Errorf("lending CA: %w", err)
			}
			tlsCfg.RootCAs = pool
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)))
	case "grpc", "http":
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	default:
		return nil, fmt.Errorf("unsupported lending endpoint scheme %q", endpoint.Scheme)
	}
	if token != "" {
		opts = append(opts, lendingclient.WithAPIToken(token))
	}
	return lendingclient.Dial(ctx, endpoint.Host, opts...)
}
