package schedule

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeSessionsFile(t *testing.T, sessions string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.json")
	if err := os.WriteFile(path, []byte(sessions), 0600); err != nil {
		t.Fatalf("writing sessions file: %v", err)
	}
	return path
}

const testSessions = `[
	{"id": "keynote", "title": "Opening Keynote", "room": "Amphitheatre",
	 "startsAt": "2026-05-19T10:00:00Z", "endsAt": "2026-05-19T11:00:00Z"},
	{"id": "go-talk", "title": "Production Go", "room": "Stage 2",
	 "startsAt": "2026-05-19T12:00:00Z", "endsAt": "2026-05-19T12:40:00Z"},
	{"id": "early-workshop", "title": "Morning Workshop", "room": "Stage 3",
	 "startsAt": "2026-05-19T09:00:00Z", "endsAt": "2026-05-19T10:00:00Z"}
]`

func TestFileCatalog_GetSession(t *testing.T) {
	catalog, err := NewFileCatalog(FileCatalogConfig{Path: writeSessionsFile(t, testSessions)})
	if err != nil {
		t.Fatalf("NewFileCatalog() error = %v", err)
	}

	s, err := catalog.GetSession(context.Background(), "keynote")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if s.Title != "Opening Keynote" {
		t.Errorf("GetSession() title = %q, want %q", s.Title, "Opening Keynote")
	}

	_, err = catalog.GetSession(context.Background(), "nope")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("GetSession(unknown) error = %v, want ErrSessionNotFound", err)
	}
}

func TestFileCatalog_ListSessionsInStartOrder(t *testing.T) {
	catalog, err := NewFileCatalog(FileCatalogConfig{Path: writeSessionsFile(t, testSessions)})
	if err != nil {
		t.Fatalf("NewFileCatalog() error = %v", err)
	}

	sessions, err := catalog.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}

	want := []string{"early-workshop", "keynote", "go-talk"}
	if len(sessions) != len(want) {
		t.Fatalf("ListSessions() returned %d sessions, want %d", len(sessions), len(want))
	}
	for i, id := range want {
		if sessions[i].ID != id {
			t.Errorf("ListSessions()[%d] = %q, want %q", i, sessions[i].ID, id)
		}
	}
}

func TestFileCatalog_RejectsInvalidSession(t *testing.T) {
	path := writeSessionsFile(t, `[{"id": "bad", "title": "",
		"startsAt": "2026-05-19T10:00:00Z", "endsAt": "2026-05-19T11:00:00Z"}]`)

	if _, err := NewFileCatalog(FileCatalogConfig{Path: path}); err == nil {
		t.Error("NewFileCatalog() expected error for session without title")
	}
}

func TestFileCatalog_RejectsNullEntry(t *testing.T) {
	path := writeSessionsFile(t, `[null]`)

	if _, err := NewFileCatalog(FileCatalogConfig{Path: path}); err == nil {
		t.Error("NewFileCatalog() expected error for a null sessions entry")
	}
}

func TestFileCatalog_MissingFile(t *testing.T) {
	if _, err := NewFileCatalog(FileCatalogConfig{Path: "/nonexistent/sessions.json"}); err == nil {
		t.Error("NewFileCatalog() expected error for missing file")
	}
}
