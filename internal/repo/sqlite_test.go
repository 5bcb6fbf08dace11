package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"vk-ads-bot/internal/token"
	"vk-ads-bot/migrations"
)

func newTestStore(t *testing.T) *SQLiteRepository {
	t.Helper()

	codec, err := token.NewCodec("test-secret")
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	store, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"), codec, slog.Default())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(store.Close)

	if err := store.RunMigrations(context.Background(), migrations.Files); err != nil {
		t.Fatalf("run migrations: %v", err)
	}
	return store
}

func TestGetByUserIDNotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetByUserID(context.Background(), 42); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestGetOrCreateIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.GetOrCreate(ctx, 42)
	if err != nil {
		t.Fatalf("first get or create: %v", err)
	}
	if first.Linked() {
		t.Fatal("fresh account must be unlinked")
	}
	if !first.Active {
		t.Fatal("fresh account must be active")
	}

	second, err := store.GetOrCreate(ctx, 42)
	if err != nil {
		t.Fatalf("second get or create: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected the same row, got ids %s and %s", first.ID, second.ID)
	}
}

func TestGetOrCreateConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const workers = 8
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			account, err := store.GetOrCreate(ctx, 42)
			if err != nil {
				errs[i] = err
				return
			}
			ids[i] = account.ID
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("worker %d got a different row: %s vs %s", i, ids[i], ids[0])
		}
	}
}

func TestUpdateLinkedAccountRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetOrCreate(ctx, 42); err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if err := store.UpdateLinkedAccount(ctx, 42, 99, "T"); err != nil {
		t.Fatalf("update linked account: %v", err)
	}

	account, err := store.GetByUserID(ctx, 42)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if !account.Linked() {
		t.Fatal("expected linked account")
	}
	if *account.VKUserID != 99 {
		t.Fatalf("expected vk user id 99, got %d", *account.VKUserID)
	}
	if *account.VKAccessToken == "T" {
		t.Fatal("stored token must not be plaintext")
	}

	decoded, ok, err := store.GetDecodedToken(ctx, 42)
	if err != nil {
		t.Fatalf("get decoded token: %v", err)
	}
	if !ok || decoded != "T" {
		t.Fatalf("expected decoded token T, got %q (ok=%v)", decoded, ok)
	}
	if account.LastSeen.Before(account.CreatedAt) {
		t.Fatal("linking must refresh last_seen")
	}
}

func TestUpdateLinkedAccountMissingRow(t *testing.T) {
	store := newTestStore(t)

	err := store.UpdateLinkedAccount(context.Background(), 42, 99, "T")
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

type failingCodec struct{}

func (failingCodec) Encode(string) (string, error) { return "", fmt.Errorf("encode broken") }
func (failingCodec) Decode(string) (string, bool)  { return "", false }

func TestUpdateLinkedAccountEncodeFailureLeavesRowUntouched(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.GetOrCreate(ctx, 42); err != nil {
		t.Fatalf("get or create: %v", err)
	}

	store.codec = failingCodec{}
	if err := store.UpdateLinkedAccount(ctx, 42, 99, "T"); err == nil {
		t.Fatal("expected error from failing codec")
	}

	account, err := store.GetByUserID(ctx, 42)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.Linked() || account.VKUserID != nil || account.VKAccessToken != nil {
		t.Fatal("failed update must leave the row fully unlinked")
	}
}

func TestGetDecodedTokenAbsentCases(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// No row at all.
	if _, ok, err := store.GetDecodedToken(ctx, 42); err != nil || ok {
		t.Fatalf("expected absent token for missing account, got ok=%v err=%v", ok, err)
	}

	// Row without a token.
	if _, err := store.GetOrCreate(ctx, 42); err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if _, ok, err := store.GetDecodedToken(ctx, 42); err != nil || ok {
		t.Fatalf("expected absent token for unlinked account, got ok=%v err=%v", ok, err)
	}

	// Corrupted stored token decodes as absent, not as an error.
	if _, err := store.db.ExecContext(ctx, `UPDATE accounts SET vk_user_id = 99, vk_access_token = 'garbage' WHERE user_id = 42`); err != nil {
		t.Fatalf("corrupt token: %v", err)
	}
	if _, ok, err := store.GetDecodedToken(ctx, 42); err != nil || ok {
		t.Fatalf("expected absent token for corrupted blob, got ok=%v err=%v", ok, err)
	}
}

// Store invariant: vk_user_id and vk_access_token are set and cleared
// together; linking is the only mutation, and it writes both.
func TestLinkedFieldsInvariant(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for userID := int64(1); userID <= 5; userID++ {
		if _, err := store.GetOrCreate(ctx, userID); err != nil {
			t.Fatalf("get or create %d: %v", userID, err)
		}
		if userID%2 == 0 {
			if err := store.UpdateLinkedAccount(ctx, userID, userID*100, "tok"); err != nil {
				t.Fatalf("link %d: %v", userID, err)
			}
		}
	}

	for userID := int64(1); userID <= 5; userID++ {
		account, err := store.GetByUserID(ctx, userID)
		if err != nil {
			t.Fatalf("get %d: %v", userID, err)
		}
		if (account.VKUserID == nil) != (account.VKAccessToken == nil) {
			t.Fatalf("user %d violates the linked-fields invariant", userID)
		}
	}
}
