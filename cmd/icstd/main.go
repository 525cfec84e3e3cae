// Command icstd serves the icst tumour classification API.
//
// The server loads a versioned artifact bundle (accepted feature list,
// imputer, classifier and bootstrap ensemble) and exposes it over HTTP:
//   - Synchronous classification, probabilities and small confidence batches
//   - Asynchronous analyse and confidence jobs, polled under /results
//   - Admin endpoints to replace the feature list and reload artifacts
//
// A gRPC health endpoint on a separate port reports SERVING while artifacts
// are loaded and the server is not draining.
//
// Usage:
//
//	icstd -artifacts=/srv/icst/manifest.yaml -storage=redis -redis-addr=redis:6379
//
// Environment variables:
//
//	LISTEN                - HTTP listen address (default: :8080)
//	GRPC_LISTEN           - gRPC health listen address, empty disables (default: :9090)
//	PUBLIC_URL            - Prefix for result links (default: relative links)
//	ARTIFACT_MANIFEST     - Path to the artifact manifest (default: artifacts/manifest.yaml)
//	WATCH_ARTIFACTS       - Reload when artifact files change (default: false)
//	QC_THRESHOLD          - Default QC threshold (default: 0.915)
//	MISSING_BUDGET        - Missing features tolerated per sample (default: 10)
//	MAX_SYNC_SAMPLES      - Largest synchronous batch (default: 1000)
//	WORKERS               - Job workers (default: 4)
//	QUEUE_SIZE            - Job queue capacity (default: 64)
//	STORAGE               - Result store: memory, redis, badger (default: memory)
//	RESULT_TTL            - Result retention (default: 1h)
//	REDIS_ADDR            - Redis address when STORAGE=redis
//	BADGER_PATH           - Badger directory when STORAGE=badger (default: data/jobs)
//	UPLOAD_DIR            - Directory for uploaded files awaiting a job
//	MAX_UPLOAD_MB         - Largest accepted request body (default: 50)
//	RATE_LIMIT            - Requests per second per client, 0 disables (default: 0)
//	ADMIN_TOKEN           - Bearer token for admin endpoints (empty disables them)
//	TLS_ENABLED           - Serve HTTPS and gRPC over TLS
//	REMOTE_TLS_CA_FILE    - CA for remote classifiers (with REMOTE_TLS_ENABLED)
//	LOG_LEVEL             - Logging level: debug, info, warn, error (default: info)
//	LOG_FORMAT            - Logging format: text, json (default: text)
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/icstlab/icst/cmd/icstd/config"
	"github.com/icstlab/icst/cmd/icstd/logger"
	"github.com/icstlab/icst/cmd/icstd/metrics"
	"github.com/icstlab/icst/cmd/icstd/router"
	"github.com/icstlab/icst/cmd/icstd/store"
	"github.com/icstlab/icst/pkg/artifacts"
	"github.com/icstlab/icst/pkg/httpx"
	"github.com/icstlab/icst/pkg/jobs"
	"github.com/icstlab/icst/pkg/pipeline"
	icsttls "github.com/icstlab/icst/pkg/tls"
)

// version is set via ldflags at build time
var version = "dev"

// rateSweepInterval is how often idle rate limiter entries are dropped.
const rateSweepInterval = time.Minute

func main() {
	cfg := config.ParseFlags()

	log := logger.New(cfg)
	slog.SetDefault(log)

	log.Info("starting icst server",
		"version", version,
		"listen", cfg.Listen,
		"grpc_listen", cfg.GRPCListen,
		"storage", cfg.Storage,
		"tls_enabled", cfg.TLS.Enabled,
	)

	m := metrics.New(nil)

	remoteClient, err := httpx.NewClient(cfg.RemoteTLS, 30*time.Second)
	if err != nil {
		log.Error("failed to create artifact http client", "error", err)
		os.Exit(1)
	}

	handle, err := artifacts.Open(cfg.ArtifactManifest, artifacts.Options{
		HTTPClient: remoteClient,
		Logger:     log,
		OnReload: func(b *artifacts.Bundle, err error) {
			if err != nil {
				m.RecordReload("", err)
				return
			}
			m.RecordReload(b.Version, nil)
		},
	})
	if err != nil {
		log.Error("failed to load artifacts", "manifest", cfg.ArtifactManifest, "error", err)
		os.Exit(1)
	}
	m.RecordReload(handle.Current().Version, nil)

	results, err := store.New(cfg, log)
	if err != nil {
		log.Error("failed to open result store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := results.Close(); err != nil {
			log.Error("failed to close result store", "error", err)
		}
	}()

	svc, err := pipeline.New(handle, pipeline.Config{
		QCThreshold:          cfg.QCThreshold,
		MissingBudget:        cfg.MissingBudget,
		BootstrapParallelism: cfg.BootstrapParallelism,
		MaxSyncSamples:       cfg.MaxSyncSamples,
	}, m, log)
	if err != nil {
		log.Error("failed to create pipeline", "error", err)
		os.Exit(1)
	}

	orch := jobs.New(results, jobs.Options{
		Workers:        cfg.Workers,
		QueueSize:      cfg.QueueSize,
		EnqueueTimeout: cfg.EnqueueTimeout,
		Logger:         log,
		Recorder:       m,
	})
	svc.Register(orch)
	orch.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.WatchArtifacts {
		go func() {
			if err := handle.Watch(ctx, cfg.WatchDebounce); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("artifact watcher stopped", "error", err)
			}
		}()
	}

	var limiter *httpx.RateLimiter
	if cfg.RateLimit > 0 {
		limiter = httpx.NewRateLimiter(cfg.RateLimit, cfg.RateBurst, 10*time.Minute)
		go sweep(ctx, limiter)
	}

	if cfg.AdminToken == "" {
		log.Warn("ADMIN_TOKEN is empty, admin endpoints will reject every request")
	}

	tlsCfg, err := icsttls.ServerConfig(cfg.TLS)
	if err != nil {
		log.Error("invalid TLS configuration", "error", err)
		os.Exit(1)
	}

	handler := router.SetupRoutes(router.Deps{
		Pipeline:     svc,
		Jobs:         orch,
		Artifacts:    handle,
		UploadDir:    cfg.UploadDir,
		PublicURL:    cfg.PublicURL,
		AdminToken:   cfg.AdminToken,
		MaxBodyBytes: cfg.MaxBodyBytes(),
		RateLimiter:  limiter,
		Logger:       log,
	})
	httpServer := httpx.NewServer(cfg.Listen, handler, log)
	if tlsCfg != nil {
		httpServer.SetTLSConfig(tlsCfg)
	}

	serverErr := make(chan error, 2)

	var grpcOpts []grpc.ServerOption
	if tlsCfg != nil {
		grpcOpts = append(grpcOpts, grpc.Creds(credentials.NewTLS(tlsCfg)))
	}
	grpcServer := grpc.NewServer(grpcOpts...)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	reflection.Register(grpcServer)

	if cfg.GRPCListen != "" {
		lis, err := net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			log.Error("failed to listen", "address", cfg.GRPCListen, "error", err)
			os.Exit(1)
		}
		go func() {
			log.Info("grpc health server listening", "address", cfg.GRPCListen)
			if err := grpcServer.Serve(lis); err != nil {
				serverErr <- err
			}
		}()
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
	case err := <-serverErr:
		log.Error("server failed", "error", err)
		exitCode = 1
	}

	log.Info("shutting down")
	healthServer.Shutdown()
	cancel()

	if err := httpServer.Stop(cfg.ShutdownTimeout); err != nil {
		log.Error("http server shutdown failed", "error", err)
		exitCode = 1
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := orch.Stop(drainCtx); err != nil {
		log.Error("job workers did not drain", "error", err)
		exitCode = 1
	}
	drainCancel()

	grpcServer.GracefulStop()

	log.Info("shutdown complete")
	if exitCode != 0 {
		if err := results.Close(); err != nil {
			log.Error("failed to close result store", "error", err)
		}
		os.Exit(exitCode)
	}
}

func sweep(ctx context.Context, limiter *httpx.RateLimiter) {
	ticker := time.NewTicker(rateSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Sweep()
		}
	}
}
