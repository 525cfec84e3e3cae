package store

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/icstlab/icst/cmd/icstd/config"
	"github.com/icstlab/icst/pkg/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_Memory(t *testing.T) {
	s, err := New(&config.Config{
		Storage:         config.StorageMemory,
		ResultTTL:       time.Hour,
		CleanupInterval: time.Minute,
	}, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if _, ok := s.(*storage.MemoryStore); !ok {
		t.Errorf("got %T, want *storage.MemoryStore", s)
	}
}

func TestNew_Badger(t *testing.T) {
	s, err := New(&config.Config{
		Storage:    config.StorageBadger,
		BadgerPath: filepath.Join(t.TempDir(), "jobs"),
		ResultTTL:  time.Hour,
	}, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if _, ok := s.(*storage.BadgerStore); !ok {
		t.Errorf("got %T, want *storage.BadgerStore", s)
	}
}

func TestNew_RedisUnreachable(t *testing.T) {
	_, err := New(&config.Config{
		Storage:   config.StorageRedis,
		RedisAddr: "127.0.0.1:1",
		ResultTTL: time.Hour,
	}, quietLogger())
	if err == nil {
		t.Fatal("expected error for unreachable redis")
	}
}

func TestNew_Unknown(t *testing.T) {
	if _, err := New(&config.Config{Storage: "etcd"}, quietLogger()); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
