package schedule

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "agenda.db"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_StarUnstar(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	starred, err := store.IsStarred(ctx, "keynote")
	if err != nil {
		t.Fatalf("IsStarred() error = %v", err)
	}
	if starred {
		t.Error("IsStarred() = true for a fresh store")
	}

	if err := store.Star(ctx, "keynote"); err != nil {
		t.Fatalf("Star() error = %v", err)
	}
	// Idempotent.
	if err := store.Star(ctx, "keynote"); err != nil {
		t.Fatalf("Star() second call error = %v", err)
	}

	starred, err = store.IsStarred(ctx, "keynote")
	if err != nil {
		t.Fatalf("IsStarred() error = %v", err)
	}
	if !starred {
		t.Error("IsStarred() = false after Star()")
	}

	if err := store.Unstar(ctx, "keynote"); err != nil {
		t.Fatalf("Unstar() error = %v", err)
	}
	starred, _ = store.IsStarred(ctx, "keynote")
	if starred {
		t.Error("IsStarred() = true after Unstar()")
	}
}

func TestStore_Reservations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	r, err := store.CreateReservation(ctx, "go-talk")
	if err != nil {
		t.Fatalf("CreateReservation() error = %v", err)
	}
	if r.ID == "" {
		t.Error("CreateReservation() returned reservation without id")
	}
	if r.Status != StatusReserved {
		t.Errorf("CreateReservation() status = %q, want %q", r.Status, StatusReserved)
	}

	// Reserving the same session again returns the existing claim.
	again, err := store.CreateReservation(ctx, "go-talk")
	if err != nil {
		t.Fatalf("CreateReservation() second call error = %v", err)
	}
	if again.ID != r.ID {
		t.Errorf("CreateReservation() second call id = %q, want %q", again.ID, r.ID)
	}

	got, err := store.GetReservation(ctx, "go-talk")
	if err != nil {
		t.Fatalf("GetReservation() error = %v", err)
	}
	if got.ID != r.ID {
		t.Errorf("GetReservation() id = %q, want %q", got.ID, r.ID)
	}

	if err := store.CancelReservation(ctx, "go-talk"); err != nil {
		t.Fatalf("CancelReservation() error = %v", err)
	}
	if _, err := store.GetReservation(ctx, "go-talk"); !errors.Is(err, ErrReservationNotFound) {
		t.Errorf("GetReservation() after cancel error = %v, want ErrReservationNotFound", err)
	}
	if err := store.CancelReservation(ctx, "go-talk"); !errors.Is(err, ErrReservationNotFound) {
		t.Errorf("CancelReservation() twice error = %v, want ErrReservationNotFound", err)
	}
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agenda.db")
	ctx := context.Background()

	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if err := store.Star(ctx, "keynote"); err != nil {
		t.Fatalf("Star() error = %v", err)
	}
	if _, err := store.CreateReservation(ctx, "go-talk"); err != nil {
		t.Fatalf("CreateReservation() error = %v", err)
	}
	store.Close()

	store, err = NewStore(path)
	if err != nil {
		t.Fatalf("NewStore() reopen error = %v", err)
	}
	defer store.Close()

	starred, err := store.IsStarred(ctx, "keynote")
	if err != nil {
		t.Fatalf("IsStarred() error = %v", err)
	}
	if !starred {
		t.Error("star did not survive reopen")
	}
	if _, err := store.GetReservation(ctx, "go-talk"); err != nil {
		t.Errorf("reservation did not survive reopen: %v", err)
	}
}
