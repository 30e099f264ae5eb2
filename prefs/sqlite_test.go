package prefs

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "prefs.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_DefaultNotShown(t *testing.T) {
	store := newTestStore(t)

	shown, err := store.NotificationsShown(context.Background())
	if err != nil {
		t.Fatalf("NotificationsShown() error = %v", err)
	}
	if shown {
		t.Error("NotificationsShown() = true on a fresh store, want false")
	}
}

func TestSQLiteStore_MarkThenRead(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.MarkNotificationsShown(ctx); err != nil {
		t.Fatalf("MarkNotificationsShown() error = %v", err)
	}

	shown, err := store.NotificationsShown(ctx)
	if err != nil {
		t.Fatalf("NotificationsShown() error = %v", err)
	}
	if !shown {
		t.Error("NotificationsShown() = false after mark, want true")
	}

	// Refresh must agree with the persisted value.
	shown, err = store.RefreshNotificationsShown(ctx)
	if err != nil {
		t.Fatalf("RefreshNotificationsShown() error = %v", err)
	}
	if !shown {
		t.Error("RefreshNotificationsShown() = false after mark, want true")
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	if err := store.MarkNotificationsShown(ctx); err != nil {
		t.Fatalf("MarkNotificationsShown() error = %v", err)
	}
	store.Close()

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() reopen error = %v", err)
	}
	defer reopened.Close()

	shown, err := reopened.NotificationsShown(ctx)
	if err != nil {
		t.Fatalf("NotificationsShown() error = %v", err)
	}
	if !shown {
		t.Error("shown marker did not survive reopen")
	}
}

func TestSQLiteStore_MarkIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.MarkNotificationsShown(ctx); err != nil {
		t.Fatalf("first MarkNotificationsShown() error = %v", err)
	}
	if err := store.MarkNotificationsShown(ctx); err != nil {
		t.Fatalf("second MarkNotificationsShown() error = %v", err)
	}
}
