package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/penpan85/iosched/stream"
)

// fakeSessionEntry is a minimal KV entry for catalog tests.
type fakeSessionEntry struct {
	key   string
	value []byte
}

func (e *fakeSessionEntry) Bucket() string                  { return "catalog" }
func (e *fakeSessionEntry) Key() string                     { return e.key }
func (e *fakeSessionEntry) Value() []byte                   { return e.value }
func (e *fakeSessionEntry) Revision() uint64                { return 1 }
func (e *fakeSessionEntry) Created() time.Time              { return time.Time{} }
func (e *fakeSessionEntry) Delta() uint64                   { return 0 }
func (e *fakeSessionEntry) Operation() jetstream.KeyValueOp { return jetstream.KeyValuePut }

type fakeSessionWatcher struct {
	ch chan jetstream.KeyValueEntry
}

func (w *fakeSessionWatcher) Updates() <-chan jetstream.KeyValueEntry { return w.ch }
func (w *fakeSessionWatcher) Stop() error                             { return nil }

type fakeKeyLister struct {
	keys []string
}

func (l *fakeKeyLister) Keys() <-chan string {
	ch := make(chan string, len(l.keys))
	for _, k := range l.keys {
		ch <- k
	}
	close(ch)
	return ch
}

func (l *fakeKeyLister) Stop() error { return nil }

// fakeSessionStore is an in-memory sessionStore counting reads and
// recording the watchers handed out.
type fakeSessionStore struct {
	mu       sync.Mutex
	values   map[string][]byte
	gets     int
	watchers []*fakeSessionWatcher
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{values: make(map[string][]byte)}
}

func (s *fakeSessionStore) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	v, ok := s.values[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return &fakeSessionEntry{key: key, value: v}, nil
}

func (s *fakeSessionStore) WatchAll(context.Context, ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	w := &fakeSessionWatcher{ch: make(chan jetstream.KeyValueEntry, 8)}
	s.mu.Lock()
	s.watchers = append(s.watchers, w)
	s.mu.Unlock()
	return w, nil
}

func (s *fakeSessionStore) ListKeysFiltered(context.Context, ...string) (jetstream.KeyLister, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	return &fakeKeyLister{keys: keys}, nil
}

// put stores a session and pushes the update through the latest
// watcher, the way a live bucket would.
func (s *fakeSessionStore) put(t *testing.T, sess *Session) {
	t.Helper()
	data, err := json.Marshal(sess)
	if err != nil {
		t.Fatalf("marshaling session: %v", err)
	}
	key := sessionKey(sess.ID)

	s.mu.Lock()
	s.values[key] = data
	w := s.watchers[len(s.watchers)-1]
	s.mu.Unlock()
	w.ch <- &fakeSessionEntry{key: key, value: data}
}

func (s *fakeSessionStore) getCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

func (s *fakeSessionStore) watcherCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

func testSession(id, title string, start time.Time) *Session {
	return &Session{
		ID:       id,
		Title:    title,
		StartsAt: start,
		EndsAt:   start.Add(time.Hour),
	}
}

func newTestNatsCatalog(t *testing.T, store *fakeSessionStore) *NatsCatalog {
	t.Helper()
	c := &NatsCatalog{
		kv:      store,
		cache:   stream.NewCache[*Session](time.Minute),
		done:    make(chan struct{}),
		backoff: 2 * time.Millisecond,
	}
	if err := c.startWatcher(); err != nil {
		t.Fatalf("startWatcher() error = %v", err)
	}
	return c
}

func TestNatsCatalog_GetSessionCaches(t *testing.T) {
	start := time.Date(2026, 5, 12, 10, 0, 0, 0, time.UTC)
	store := newFakeSessionStore()
	c := newTestNatsCatalog(t, store)
	defer c.Stop()

	store.put(t, testSession("keynote", "Opening Keynote", start))

	s, err := c.GetSession(context.Background(), "keynote")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if s.Title != "Opening Keynote" {
		t.Errorf("Title = %q, want %q", s.Title, "Opening Keynote")
	}
	reads := store.getCount()

	if _, err := c.GetSession(context.Background(), "keynote"); err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got := store.getCount(); got != reads {
		t.Errorf("bucket reads = %d after cached get, want %d", got, reads)
	}
}

func TestNatsCatalog_GetSessionNotFound(t *testing.T) {
	c := newTestNatsCatalog(t, newFakeSessionStore())
	defer c.Stop()

	if _, err := c.GetSession(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("GetSession() error = %v, want ErrSessionNotFound", err)
	}
}

func TestNatsCatalog_WatcherInvalidatesCache(t *testing.T) {
	start := time.Date(2026, 5, 12, 10, 0, 0, 0, time.UTC)
	store := newFakeSessionStore()
	c := newTestNatsCatalog(t, store)
	defer c.Stop()

	store.put(t, testSession("keynote", "Opening Keynote", start))
	if _, err := c.GetSession(context.Background(), "keynote"); err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}

	store.put(t, testSession("keynote", "Opening Keynote (Rescheduled)", start))

	// The watcher invalidates the cached entry asynchronously.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		s, err := c.GetSession(context.Background(), "keynote")
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		if s.Title == "Opening Keynote (Rescheduled)" {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Error("GetSession() still returns the stale title after a KV update")
}

func TestNatsCatalog_ListSessionsInStartOrder(t *testing.T) {
	base := time.Date(2026, 5, 12, 9, 0, 0, 0, time.UTC)
	store := newFakeSessionStore()
	c := newTestNatsCatalog(t, store)
	defer c.Stop()

	store.put(t, testSession("go-talk", "Concurrency Patterns", base.Add(2*time.Hour)))
	store.put(t, testSession("keynote", "Opening Keynote", base))
	store.put(t, testSession("workshop", "Hands-On Workshop", base.Add(time.Hour)))

	sessions, err := c.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	want := []string{"keynote", "workshop", "go-talk"}
	if len(sessions) != len(want) {
		t.Fatalf("ListSessions() returned %d sessions, want %d", len(sessions), len(want))
	}
	for i, id := range want {
		if sessions[i].ID != id {
			t.Errorf("sessions[%d].ID = %q, want %q", i, sessions[i].ID, id)
		}
	}
}

func TestNatsCatalog_ReconnectsAfterWatcherClose(t *testing.T) {
	store := newFakeSessionStore()
	c := newTestNatsCatalog(t, store)
	defer c.Stop()

	store.mu.Lock()
	close(store.watchers[0].ch)
	store.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for store.watcherCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if got := store.watcherCount(); got < 2 {
		t.Fatalf("watcher count = %d after channel closure, want 2", got)
	}
}

func TestNatsCatalog_StopDuringReconnect(t *testing.T) {
	store := newFakeSessionStore()
	c := newTestNatsCatalog(t, store)

	// Force the watch loop into its reconnect path, then stop while it
	// may be swapping the watcher.
	store.mu.Lock()
	close(store.watchers[0].ch)
	store.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = c.Stop()
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop() did not return while the watcher was reconnecting")
	}
}
