package db

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T, maxEntries int) (*LocalStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "terminal.db")
	store, err := NewLocalStore(path, maxEntries, testLogger())
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestEnsureTerminalID_GeneratesAndPersists(t *testing.T) {
	ctx := context.Background()
	store, path := openTestStore(t, 100)

	id, err := store.EnsureTerminalID(ctx)
	if err != nil {
		t.Fatalf("EnsureTerminalID failed: %v", err)
	}
	if !strings.HasPrefix(id, "POS-") {
		t.Errorf("Expected POS- prefix, got %s", id)
	}

	again, err := store.EnsureTerminalID(ctx)
	if err != nil {
		t.Fatalf("Second EnsureTerminalID failed: %v", err)
	}
	if again != id {
		t.Errorf("Expected stable identity, got %s then %s", id, again)
	}

	// Identity must survive a process restart
	store.Close()
	reopened, err := NewLocalStore(path, 100, testLogger())
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer reopened.Close()

	persisted, err := reopened.EnsureTerminalID(ctx)
	if err != nil {
		t.Fatalf("EnsureTerminalID after reopen failed: %v", err)
	}
	if persisted != id {
		t.Errorf("Expected identity %s after reopen, got %s", id, persisted)
	}
}

func TestOutbox_FIFOOrder(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, 100)

	for i := 0; i < 5; i++ {
		frame := []byte(fmt.Sprintf(`{"seq":%d}`, i))
		if err := store.Enqueue(ctx, frame, int64(1000+i)); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}

	pending, err := store.FetchPending(ctx, 10)
	if err != nil {
		t.Fatalf("FetchPending failed: %v", err)
	}
	if len(pending) != 5 {
		t.Fatalf("Expected 5 pending messages, got %d", len(pending))
	}
	for i, p := range pending {
		want := fmt.Sprintf(`{"seq":%d}`, i)
		if string(p.Frame) != want {
			t.Errorf("Position %d: expected %s, got %s", i, want, p.Frame)
		}
	}
}

func TestOutbox_FetchBumpsAttempts(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, 100)

	if err := store.Enqueue(ctx, []byte(`{}`), 1); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	first, err := store.FetchPending(ctx, 1)
	if err != nil {
		t.Fatalf("First fetch failed: %v", err)
	}
	if first[0].Attempts != 0 {
		t.Errorf("Expected 0 prior attempts on first fetch, got %d", first[0].Attempts)
	}

	second, err := store.FetchPending(ctx, 1)
	if err != nil {
		t.Fatalf("Second fetch failed: %v", err)
	}
	if second[0].Attempts != 1 {
		t.Errorf("Expected 1 prior attempt on second fetch, got %d", second[0].Attempts)
	}
}

func TestOutbox_DeleteRemoves(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, 100)

	if err := store.Enqueue(ctx, []byte(`{"a":1}`), 1); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	pending, err := store.FetchPending(ctx, 1)
	if err != nil || len(pending) != 1 {
		t.Fatalf("FetchPending failed: %v (%d rows)", err, len(pending))
	}

	if err := store.Delete(ctx, pending[0].ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	count, err := store.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected empty outbox after delete, got %d", count)
	}
}

func TestOutbox_EvictsOldestAtCap(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, 2)

	for i := 0; i < 4; i++ {
		frame := []byte(fmt.Sprintf(`{"seq":%d}`, i))
		if err := store.Enqueue(ctx, frame, int64(i)); err != nil {
			t.Fatalf("Enqueue %d failed: %v", i, err)
		}
	}

	count, err := store.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if count != 2 {
		t.Fatalf("Expected outbox capped at 2, got %d", count)
	}

	pending, err := store.FetchPending(ctx, 10)
	if err != nil {
		t.Fatalf("FetchPending failed: %v", err)
	}
	if string(pending[0].Frame) != `{"seq":2}` || string(pending[1].Frame) != `{"seq":3}` {
		t.Errorf("Expected the newest entries to survive eviction, got %s and %s",
			pending[0].Frame, pending[1].Frame)
	}
}

func TestOutbox_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	store, path := openTestStore(t, 100)

	if err := store.Enqueue(ctx, []byte(`{"kept":true}`), 1); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	store.Close()

	reopened, err := NewLocalStore(path, 100, testLogger())
	if err != nil {
		t.Fatalf("Failed to reopen store: %v", err)
	}
	defer reopened.Close()

	pending, err := reopened.FetchPending(ctx, 10)
	if err != nil {
		t.Fatalf("FetchPending after reopen failed: %v", err)
	}
	if len(pending) != 1 || string(pending[0].Frame) != `{"kept":true}` {
		t.Errorf("Expected queued message to survive restart, got %d rows", len(pending))
	}
}
