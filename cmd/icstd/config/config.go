// Package config provides configuration parsing for the icst server.
//
// Every setting is available as a command-line flag and an environment
// variable. Flags take precedence over environment variables, which take
// precedence over defaults.
//
// Example usage:
//
//	cfg := config.ParseFlags()
//	// cfg is parsed and validated
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/icstlab/icst/pkg/qc"
	"github.com/icstlab/icst/pkg/tls"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
	StorageBadger = "badger"
)

// Config holds all server configuration.
type Config struct {
	Listen     string
	GRPCListen string
	PublicURL  string
	LogFormat  string
	LogLevel   string
	TLS        tls.Config

	ArtifactManifest string
	WatchArtifacts   bool
	WatchDebounce    time.Duration
	// RemoteTLS applies to the client used by remote classifier artifacts.
	RemoteTLS tls.Config

	QCThreshold          float64
	MissingBudget        int
	BootstrapParallelism int
	MaxSyncSamples       int

	Workers        int
	QueueSize      int
	EnqueueTimeout time.Duration

	Storage         string
	ResultTTL       time.Duration
	CleanupInterval time.Duration
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	BadgerPath      string

	UploadDir   string
	MaxUploadMB int64
	RateLimit   float64
	RateBurst   int
	AdminToken  string

	ShutdownTimeout time.Duration
}

// ParseFlags parses os.Args and the environment into a validated Config.
// It exits the process on invalid configuration.
func ParseFlags() *Config {
	cfg, err := Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// Parse registers the server flags on fs, parses args and validates the
// result.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{}

	fs.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8080"), "HTTP listen address")
	fs.StringVar(&cfg.GRPCListen, "grpc-listen", getEnv("GRPC_LISTEN", ":9090"), "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.PublicURL, "public-url", getEnv("PUBLIC_URL", ""), "Base URL used in result links (empty for relative links)")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	fs.BoolVar(&cfg.TLS.Enabled, "tls-enabled", getEnvBool("TLS_ENABLED", false), "Enable TLS for the HTTP server")
	fs.StringVar(&cfg.TLS.CertFile, "tls-cert-file", getEnv("TLS_CERT_FILE", ""), "TLS certificate file")
	fs.StringVar(&cfg.TLS.KeyFile, "tls-key-file", getEnv("TLS_KEY_FILE", ""), "TLS private key file")
	fs.StringVar(&cfg.TLS.CAFile, "tls-ca-file", getEnv("TLS_CA_FILE", ""), "TLS CA file; enables client certificate verification")

	fs.BoolVar(&cfg.RemoteTLS.Enabled, "remote-tls-enabled", getEnvBool("REMOTE_TLS_ENABLED", false), "Use TLS settings for remote classifier requests")
	fs.StringVar(&cfg.RemoteTLS.CertFile, "remote-tls-cert-file", getEnv("REMOTE_TLS_CERT_FILE", ""), "Client certificate presented to remote classifiers")
	fs.StringVar(&cfg.RemoteTLS.KeyFile, "remote-tls-key-file", getEnv("REMOTE_TLS_KEY_FILE", ""), "Client private key for remote classifiers")
	fs.StringVar(&cfg.RemoteTLS.CAFile, "remote-tls-ca-file", getEnv("REMOTE_TLS_CA_FILE", ""), "CA file used to verify remote classifiers")

	fs.StringVar(&cfg.ArtifactManifest, "artifacts", getEnv("ARTIFACT_MANIFEST", "artifacts/manifest.yaml"), "Artifact manifest path")
	fs.BoolVar(&cfg.WatchArtifacts, "watch-artifacts", getEnvBool("WATCH_ARTIFACTS", false), "Reload artifacts when their files change")
	fs.DurationVar(&cfg.WatchDebounce, "watch-debounce", getEnvDuration("WATCH_DEBOUNCE", 500*time.Millisecond), "Debounce for artifact file events")

	fs.Float64Var(&cfg.QCThreshold, "qc-threshold", getEnvFloat("QC_THRESHOLD", qc.DefaultThreshold), "QC probability threshold")
	fs.IntVar(&cfg.MissingBudget, "missing-budget", getEnvInt("MISSING_BUDGET", 10), "Maximum missing features imputed per sample")
	fs.IntVar(&cfg.BootstrapParallelism, "bootstrap-parallelism", getEnvInt("BOOTSTRAP_PARALLELISM", 0), "Concurrent ensemble members (0 = GOMAXPROCS)")
	fs.IntVar(&cfg.MaxSyncSamples, "max-sync-samples", getEnvInt("MAX_SYNC_SAMPLES", 1000), "Maximum samples per synchronous request")

	fs.IntVar(&cfg.Workers, "workers", getEnvInt("WORKERS", 4), "Job worker pool size")
	fs.IntVar(&cfg.QueueSize, "queue-size", getEnvInt("QUEUE_SIZE", 64), "Job queue capacity")
	fs.DurationVar(&cfg.EnqueueTimeout, "enqueue-timeout", getEnvDuration("ENQUEUE_TIMEOUT", 2*time.Second), "Maximum wait for a queue slot")

	fs.StringVar(&cfg.Storage, "storage", getEnv("STORAGE", StorageMemory), "Result store: memory, redis or badger")
	fs.DurationVar(&cfg.ResultTTL, "result-ttl", getEnvDuration("RESULT_TTL", time.Hour), "Job result retention")
	fs.DurationVar(&cfg.CleanupInterval, "cleanup-interval", getEnvDuration("CLEANUP_INTERVAL", time.Minute), "Expired result sweep interval (memory store)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	fs.StringVar(&cfg.BadgerPath, "badger-path", getEnv("BADGER_PATH", "data/jobs"), "Badger data directory")

	fs.StringVar(&cfg.UploadDir, "upload-dir", getEnv("UPLOAD_DIR", os.TempDir()), "Directory for uploaded files awaiting analysis")
	fs.Int64Var(&cfg.MaxUploadMB, "max-upload-mb", getEnvInt64("MAX_UPLOAD_MB", 50), "Maximum request body size in MiB")
	fs.Float64Var(&cfg.RateLimit, "rate-limit", getEnvFloat("RATE_LIMIT", 0), "Requests per second per client (0 disables)")
	fs.IntVar(&cfg.RateBurst, "rate-burst", getEnvInt("RATE_BURST", 20), "Rate limiter burst")
	fs.StringVar(&cfg.AdminToken, "admin-token", getEnv("ADMIN_TOKEN", ""), "Bearer token for admin routes (empty disables them)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second), "Grace period for in-flight requests and jobs")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and cross-field requirements.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.ArtifactManifest == "" {
		errs = append(errs, errors.New("artifact manifest path is required"))
	}
	if err := qc.ValidateThreshold(c.QCThreshold); err != nil {
		errs = append(errs, fmt.Errorf("qc threshold: %w", err))
	}
	if c.MissingBudget < 0 {
		errs = append(errs, fmt.Errorf("missing budget must be >= 0, got %d", c.MissingBudget))
	}
	if c.BootstrapParallelism < 0 {
		errs = append(errs, fmt.Errorf("bootstrap parallelism must be >= 0, got %d", c.BootstrapParallelism))
	}
	if c.MaxSyncSamples < 0 {
		errs = append(errs, fmt.Errorf("max sync samples must be >= 0, got %d", c.MaxSyncSamples))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be > 0, got %d", c.Workers))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue size must be > 0, got %d", c.QueueSize))
	}
	if c.EnqueueTimeout <= 0 {
		errs = append(errs, errors.New("enqueue timeout must be > 0"))
	}
	if c.ResultTTL <= 0 {
		errs = append(errs, errors.New("result TTL must be > 0"))
	}
	if c.MaxUploadMB <= 0 {
		errs = append(errs, fmt.Errorf("max upload must be > 0 MiB, got %d", c.MaxUploadMB))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("rate limit must be >= 0"))
	}

	switch c.Storage {
	case StorageMemory:
		if c.CleanupInterval <= 0 {
			errs = append(errs, errors.New("cleanup interval must be > 0"))
		}
	case StorageRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis address is required when storage=redis"))
		}
	case StorageBadger:
		if c.BadgerPath == "" {
			errs = append(errs, errors.New("badger path is required when storage=badger"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid storage %q (must be memory, redis or badger)", c.Storage))
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q (must be text or json)", c.LogFormat))
	}

	if err := c.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.RemoteTLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("remote classifier: %w", err))
	}

	return errors.Join(errs...)
}

// MaxBodyBytes returns the request body limit in bytes.
func (c *Config) MaxBodyBytes() int64 {
	return c.MaxUploadMB << 20
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
