package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLiteStoreConformance(t *testing.T) {
	t.Parallel()

	store, err := OpenSQLiteStore(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()

	exerciseStore(t, store)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "geofencing.db")
	ctx := context.Background()

	store, err := OpenSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	at := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	if err := store.SetInt(ctx, "k", 3); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if err := store.SetTimestamp(ctx, "k", at); err != nil {
		t.Fatalf("set timestamp: %v", err)
	}
	if err := store.SaveStatus(ctx, []string{"c1"}, []string{"c2"}); err != nil {
		t.Fatalf("save status: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer reopened.Close()

	if got, _ := reopened.GetInt(ctx, "k"); got != 3 {
		t.Fatalf("expected counter 3 after reopen, got %d", got)
	}
	if last, ok, _ := reopened.GetTimestamp(ctx, "k"); !ok || !last.Equal(at) {
		t.Fatalf("unexpected timestamp after reopen %v ok=%v", last, ok)
	}
	finished, suspended, err := reopened.LoadStatus(ctx)
	if err != nil || len(finished) != 1 || len(suspended) != 1 {
		t.Fatalf("unexpected status after reopen finished=%v suspended=%v err=%v", finished, suspended, err)
	}
}
