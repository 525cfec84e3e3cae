package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/icstlab/icst/pkg/apperr"
)

// runStoreContract exercises the lifecycle rules every Store must follow.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("create then get", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		created, err := s.Create(ctx, Job{ID: "job-1", Kind: "analyse", PayloadRef: "/tmp/upload-1"})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if created.State != Pending {
			t.Errorf("expected PENDING, got %s", created.State)
		}
		if created.CreatedAt.IsZero() || created.ExpiresAt.IsZero() {
			t.Error("expected timestamps to be stamped")
		}

		got, err := s.Get(ctx, "job-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.State != Pending || got.Kind != "analyse" || got.PayloadRef != "/tmp/upload-1" {
			t.Errorf("unexpected record: %+v", got)
		}
	})

	t.Run("duplicate create", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		if _, err := s.Create(ctx, Job{ID: "dup", Kind: "analyse"}); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if _, err := s.Create(ctx, Job{ID: "dup", Kind: "analyse"}); !errors.Is(err, ErrExists) {
			t.Errorf("expected ErrExists, got %v", err)
		}
	})

	t.Run("invalid create", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Create(context.Background(), Job{Kind: "analyse"}); err == nil {
			t.Error("expected error for empty id")
		}
		if _, err := s.Create(context.Background(), Job{ID: "x"}); err == nil {
			t.Error("expected error for empty kind")
		}
	})

	t.Run("get unknown", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("complete success", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		created, _ := s.Create(ctx, Job{ID: "ok", Kind: "confidence"})

		done, err := s.Complete(ctx, "ok", json.RawMessage(`{"intervals":[]}`), nil)
		if err != nil {
			t.Fatalf("Complete: %v", err)
		}
		if done.State != Succeeded {
			t.Errorf("expected SUCCEEDED, got %s", done.State)
		}
		if done.CompletedAt.IsZero() {
			t.Error("expected CompletedAt to be set")
		}
		if done.ExpiresAt.Before(created.ExpiresAt) {
			t.Error("completion should renew expiry")
		}

		got, err := s.Get(ctx, "ok")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if string(got.Result) != `{"intervals":[]}` {
			t.Errorf("unexpected result %s", got.Result)
		}
	})

	t.Run("complete failure keeps description", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		s.Create(ctx, Job{ID: "bad", Kind: "analyse"})

		failure := apperr.ToDetail(apperr.New(apperr.MalformedInput, "sample \"S9\": non-numeric value"))
		if _, err := s.Complete(ctx, "bad", nil, failure); err != nil {
			t.Fatalf("Complete: %v", err)
		}

		got, err := s.Get(ctx, "bad")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.State != Failed {
			t.Fatalf("expected FAILED, got %s", got.State)
		}
		if got.Error == nil || got.Error.Description != "sample \"S9\": non-numeric value" {
			t.Errorf("unexpected error detail: %+v", got.Error)
		}
		if got.Error.Kind != apperr.MalformedInput {
			t.Errorf("expected kind MalformedInput, got %s", got.Error.Kind)
		}
	})

	t.Run("second terminal write refused", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		s.Create(ctx, Job{ID: "once", Kind: "analyse"})

		if _, err := s.Complete(ctx, "once", json.RawMessage(`1`), nil); err != nil {
			t.Fatalf("first Complete: %v", err)
		}
		_, err := s.Complete(ctx, "once", nil, &apperr.Detail{Description: "late"})
		if !errors.Is(err, ErrCompleted) {
			t.Errorf("expected ErrCompleted, got %v", err)
		}

		got, _ := s.Get(ctx, "once")
		if got.State != Succeeded {
			t.Errorf("state changed after refused write: %s", got.State)
		}
	})

	t.Run("complete unknown", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Complete(context.Background(), "ghost", nil, nil); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		s.Create(ctx, Job{ID: "gone", Kind: "analyse"})

		if err := s.Delete(ctx, "gone"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := s.Get(ctx, "gone"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := s.Delete(ctx, "gone"); err != nil {
			t.Errorf("deleting twice should not fail: %v", err)
		}
	})

	t.Run("concurrent completion has one winner", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		s.Create(ctx, Job{ID: "race", Kind: "analyse"})

		const writers = 8
		var wg sync.WaitGroup
		results := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Complete(ctx, "race", json.RawMessage(fmt.Sprintf("%d", i)), nil)
				results <- err
			}(i)
		}
		wg.Wait()
		close(results)

		wins := 0
		for err := range results {
			if err == nil {
				wins++
			} else if !errors.Is(err, ErrCompleted) {
				t.Errorf("unexpected error: %v", err)
			}
		}
		if wins != 1 {
			t.Errorf("expected exactly one successful completion, got %d", wins)
		}
	})
}
