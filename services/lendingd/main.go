package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"

	rootconfig "nhblend/config"
	"nhblend/observability/logging"
	telemetry "nhblend/observability/otel"
	lendingserver "nhblend/services/lending/server"
	"nhblend/services/lendingd/config"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("NHB_ENV"))
	logging.Setup("lendingd", env)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.SetupWithOptions("lendingd", env, logging.Options{
		Level:      logging.ParseLevel(cfg.Logging.Level),
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("lendingd", env))
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	engineCfg, err := rootconfig.Load(cfg.EngineConfigPath)
	if err != nil {
		log.Fatalf("load engine config: %v", err)
	}

	n, err := buildNode(cfg, engineCfg, logger)
	if err != nil {
		log.Fatalf("build lending node: %v", err)
	}
	defer n.Close()

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.Fatalf("listen on %s: %v", cfg.ListenAddress, err)
	}
	if cfg.TLS.AllowInsecure {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(env, "dev") && !loopback {
			log.Fatalf("plaintext lendingd mode is restricted to loopback listeners or dev environment")
		}
	}

	serverCfg := lendingserver.Config{
		TLSCertFile:      cfg.TLS.CertPath,
		TLSKeyFile:       cfg.TLS.KeyPath,
		TLSClientCAFile:  cfg.TLS.ClientCAPath,
		AllowInsecure:    cfg.TLS.AllowInsecure,
		MTLSRequired:     cfg.TLS.MTLSEnabled(),
		AllowedClientCNs: cfg.Auth.MTLS.AllowedCommonNames,
		RateLimitPerMin:  cfg.RateLimitPerMinute,
		APITokens:        cfg.Auth.APITokens,
		Tracing:          true,
		Logger:           logger,
	}
	creds, err := lendingserver.GrpcServerCreds(serverCfg)
	if err != nil {
		log.Fatalf("configure tls: %v", err)
	}
	options, err := lendingserver.Interceptors(serverCfg)
	if err != nil {
		log.Fatalf("configure interceptors: %v", err)
	}
	if creds != nil {
		options = append(options, creds)
	}
	grpcServer := grpc.NewServer(options...)
	lendingserver.RegisterService(grpcServer, lendingserver.New(n.local, logger, lendingserver.NewInterceptorAuthorizer()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go n.retryFlush(ctx, time.Duration(cfg.FlushRetrySeconds)*time.Second)

	serverErr := make(chan error, 2)
	var admin *http.Server
	if cfg.AdminAddress != "" {
		admin = &http.Server{
			Addr:              cfg.AdminAddress,
			Handler:           n.adminHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("lendingd admin listening", slog.String("addr", cfg.AdminAddress))
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}()
	}
	go func() {
		logger.Info("lendingd listening", slog.String("addr", cfg.ListenAddress), slog.String("store", cfg.Store.Kind))
		serverErr <- grpcServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			logger.Error("server failed", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if admin != nil {
		_ = admin.Shutdown(shutdownCtx)
	}
	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("forcing server stop")
		grpcServer.Stop()
	}
}
