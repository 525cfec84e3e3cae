package config

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("icstd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "environment variable set",
			key:          "ICST_TEST_VAR",
			defaultValue: "default",
			envValue:     "from-env",
			want:         "from-env",
		},
		{
			name:         "environment variable not set",
			key:          "ICST_NONEXISTENT_VAR",
			defaultValue: "default",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}

			if got := getEnv(tt.key, tt.defaultValue); got != tt.want {
				t.Errorf("getEnv() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetEnvNumeric(t *testing.T) {
	t.Setenv("ICST_INT", "42")
	t.Setenv("ICST_BAD_INT", "forty-two")
	t.Setenv("ICST_FLOAT", "0.9")
	t.Setenv("ICST_DURATION", "90s")
	t.Setenv("ICST_BAD_DURATION", "soon")
	t.Setenv("ICST_BOOL", "1")

	if got := getEnvInt("ICST_INT", 1); got != 42 {
		t.Errorf("getEnvInt = %d, want 42", got)
	}
	if got := getEnvInt("ICST_BAD_INT", 7); got != 7 {
		t.Errorf("getEnvInt invalid = %d, want default 7", got)
	}
	if got := getEnvInt64("ICST_INT", 1); got != 42 {
		t.Errorf("getEnvInt64 = %d, want 42", got)
	}
	if got := getEnvFloat("ICST_FLOAT", 0.5); got != 0.9 {
		t.Errorf("getEnvFloat = %v, want 0.9", got)
	}
	if got := getEnvDuration("ICST_DURATION", time.Second); got != 90*time.Second {
		t.Errorf("getEnvDuration = %v, want 90s", got)
	}
	if got := getEnvDuration("ICST_BAD_DURATION", time.Second); got != time.Second {
		t.Errorf("getEnvDuration invalid = %v, want default", got)
	}
	if !getEnvBool("ICST_BOOL", false) {
		t.Error("getEnvBool(\"1\") = false, want true")
	}
	if getEnvBool("ICST_UNSET_BOOL", false) {
		t.Error("getEnvBool unset = true, want default false")
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Listen != ":8080" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.QCThreshold != 0.915 {
		t.Errorf("QCThreshold = %v, want 0.915", cfg.QCThreshold)
	}
	if cfg.MissingBudget != 10 {
		t.Errorf("MissingBudget = %d, want 10", cfg.MissingBudget)
	}
	if cfg.Workers != 4 || cfg.QueueSize != 64 {
		t.Errorf("Workers/QueueSize = %d/%d", cfg.Workers, cfg.QueueSize)
	}
	if cfg.ResultTTL != time.Hour {
		t.Errorf("ResultTTL = %v", cfg.ResultTTL)
	}
	if cfg.Storage != StorageMemory {
		t.Errorf("Storage = %q", cfg.Storage)
	}
	if cfg.MaxBodyBytes() != 50<<20 {
		t.Errorf("MaxBodyBytes = %d", cfg.MaxBodyBytes())
	}
}

func TestParse_EnvAndFlagPrecedence(t *testing.T) {
	t.Setenv("WORKERS", "8")
	t.Setenv("QC_THRESHOLD", "0.8")
	t.Setenv("STORAGE", "redis")

	cfg, err := Parse(newFlagSet(), []string{"-workers=2"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Workers != 2 {
		t.Errorf("Workers = %d, flag should win over env", cfg.Workers)
	}
	if cfg.QCThreshold != 0.8 {
		t.Errorf("QCThreshold = %v, want env value 0.8", cfg.QCThreshold)
	}
	if cfg.Storage != StorageRedis {
		t.Errorf("Storage = %q, want redis", cfg.Storage)
	}
}

func TestParse_RemoteTLS(t *testing.T) {
	ca := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(ca, []byte("placeholder"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("REMOTE_TLS_ENABLED", "true")
	t.Setenv("REMOTE_TLS_CA_FILE", ca)

	cfg, err := Parse(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.RemoteTLS.Enabled || cfg.RemoteTLS.CAFile != ca {
		t.Errorf("RemoteTLS = %+v", cfg.RemoteTLS)
	}
	if cfg.TLS.Enabled {
		t.Error("server TLS should stay disabled")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"threshold above one", []string{"-qc-threshold=1.5"}, "qc threshold"},
		{"zero threshold", []string{"-qc-threshold=0"}, "qc threshold"},
		{"negative budget", []string{"-missing-budget=-1"}, "missing budget"},
		{"no workers", []string{"-workers=0"}, "workers"},
		{"unknown storage", []string{"-storage=postgres"}, "invalid storage"},
		{"badger without path", []string{"-storage=badger", "-badger-path="}, "badger path"},
		{"bad log format", []string{"-log-format=xml"}, "log format"},
		{"tls without files", []string{"-tls-enabled", "-tls-cert-file=/nonexistent.pem", "-tls-key-file=/nonexistent.key"}, "tls file"},
		{"remote tls without ca", []string{"-remote-tls-enabled", "-remote-tls-ca-file=/nonexistent-ca.pem"}, "remote classifier"},
		{"unknown flag", []string{"-frobnicate"}, "frobnicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(newFlagSet(), tt.args)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := &Config{
		Listen:           ":8080",
		ArtifactManifest: "m.yaml",
		QCThreshold:      2,
		Workers:          0,
		QueueSize:        1,
		EnqueueTimeout:   time.Second,
		ResultTTL:        time.Hour,
		CleanupInterval:  time.Minute,
		MaxUploadMB:      1,
		Storage:          StorageMemory,
		LogFormat:        "text",
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"qc threshold", "workers"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}
