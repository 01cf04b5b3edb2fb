package generation

import (
	"context"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/messsiii/behindmemo-sub001/internal/models"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) (*gorm.DB, *Store) {
	t.Helper()
	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := conn.AutoMigrate(&models.Generation{}); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn, NewStore(conn)
}

func TestCreateIsIdempotentPerRequestID(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	first, errCreate := store.Create(ctx, 1, "req-1", "dear someone", nil)
	if errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}
	if first.Status != models.GenerationPending {
		t.Fatalf("status = %s, want pending", first.Status)
	}

	second, errCreate := store.Create(ctx, 1, "req-1", "dear someone", nil)
	if errCreate != nil {
		t.Fatalf("create retry: %v", errCreate)
	}
	if second.ID != first.ID {
		t.Fatalf("retry created a second record: %s vs %s", second.ID, first.ID)
	}
}

func TestCreateScopesRequestIDPerUser(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	first, errCreate := store.Create(ctx, 1, "req-1", "letter for my wife", nil)
	if errCreate != nil {
		t.Fatalf("create: %v", errCreate)
	}

	// A second user reusing the same request ID must get an independent
	// record, never the first user's.
	second, errCreate := store.Create(ctx, 2, "req-1", "letter for my mother", nil)
	if errCreate != nil {
		t.Fatalf("create for second user: %v", errCreate)
	}
	if second.ID == first.ID {
		t.Fatal("request id collided across users")
	}
	if second.UserID != 2 || second.Prompt != "letter for my mother" {
		t.Fatalf("record = user %d / %q, want second user's own record", second.UserID, second.Prompt)
	}

	// Each user's retry still returns their own record.
	retry, errCreate := store.Create(ctx, 1, "req-1", "letter for my wife", nil)
	if errCreate != nil {
		t.Fatalf("retry: %v", errCreate)
	}
	if retry.ID != first.ID {
		t.Fatalf("retry returned %s, want %s", retry.ID, first.ID)
	}
}

func TestClaimSucceedsExactlyOnce(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	record, _ := store.Create(ctx, 1, "req-1", "prompt", nil)

	claimed, errClaim := store.Claim(ctx, record.ID)
	if errClaim != nil {
		t.Fatalf("claim: %v", errClaim)
	}
	if !claimed {
		t.Fatal("first claim should succeed")
	}

	claimed, errClaim = store.Claim(ctx, record.ID)
	if errClaim != nil {
		t.Fatalf("second claim: %v", errClaim)
	}
	if claimed {
		t.Fatal("second claim should be rejected")
	}
}

func TestCompleteRequiresGeneratingState(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	record, _ := store.Create(ctx, 1, "req-1", "prompt", nil)

	// pending -> completed is not a valid transition.
	if errComplete := store.Complete(ctx, record.ID, "content"); !errors.Is(errComplete, ErrInvalidTransition) {
		t.Fatalf("complete pending = %v, want ErrInvalidTransition", errComplete)
	}

	store.Claim(ctx, record.ID)
	if errComplete := store.Complete(ctx, record.ID, ""); !errors.Is(errComplete, ErrEmptyContent) {
		t.Fatalf("complete empty = %v, want ErrEmptyContent", errComplete)
	}
	if errComplete := store.Complete(ctx, record.ID, "dear someone, ..."); errComplete != nil {
		t.Fatalf("complete: %v", errComplete)
	}

	got, _ := store.Get(ctx, record.ID)
	if got.Status != models.GenerationCompleted || got.Content == "" {
		t.Fatalf("record = %s/%q, want completed with content", got.Status, got.Content)
	}
}

func TestTerminalRecordsAreImmutable(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	record, _ := store.Create(ctx, 1, "req-1", "prompt", nil)
	store.Claim(ctx, record.ID)
	store.Complete(ctx, record.ID, "final content")

	if errFail := store.Fail(ctx, record.ID, "late failure"); !errors.Is(errFail, ErrInvalidTransition) {
		t.Fatalf("fail on completed = %v, want ErrInvalidTransition", errFail)
	}
	if errComplete := store.Complete(ctx, record.ID, "other content"); !errors.Is(errComplete, ErrInvalidTransition) {
		t.Fatalf("complete on completed = %v, want ErrInvalidTransition", errComplete)
	}

	got, _ := store.Get(ctx, record.ID)
	if got.Content != "final content" {
		t.Fatalf("content = %q, want original preserved", got.Content)
	}
}

func TestFailFromPendingAndGenerating(t *testing.T) {
	_, store := newTestStore(t)
	ctx := context.Background()

	pending, _ := store.Create(ctx, 1, "req-1", "prompt", nil)
	if errFail := store.Fail(ctx, pending.ID, "never started"); errFail != nil {
		t.Fatalf("fail pending: %v", errFail)
	}

	claimed, _ := store.Create(ctx, 1, "req-2", "prompt", nil)
	store.Claim(ctx, claimed.ID)
	if errFail := store.Fail(ctx, claimed.ID, "provider error"); errFail != nil {
		t.Fatalf("fail generating: %v", errFail)
	}

	got, _ := store.Get(ctx, claimed.ID)
	if got.Status != models.GenerationFailed || got.ErrorReason != "provider error" {
		t.Fatalf("record = %s/%q, want failed with reason", got.Status, got.ErrorReason)
	}
}

func TestGetMissingRecord(t *testing.T) {
	_, store := newTestStore(t)
	if _, errGet := store.Get(context.Background(), "nope"); !errors.Is(errGet, ErrNotFound) {
		t.Fatalf("get = %v, want ErrNotFound", errGet)
	}
}
