package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// localUser represents a user stored in the JSON directory file.
type localUser struct {
	PasswordHash string `json:"passwordHash"`
	DisplayName  string `json:"displayName,omitempty"`
	PhotoURL     string `json:"photoUrl,omitempty"`
	Registered   bool   `json:"registered"`
}

// usersFile represents the JSON directory file structure.
type usersFile struct {
	Users map[string]*localUser `json:"users"`
}

// LocalSourceConfig holds configuration for LocalSource.
type LocalSourceConfig struct {
	// UsersPath is the path to the users JSON file.
	UsersPath string `json:"usersPath"`
}

// LocalSource is a credential-verifying identity source backed by a
// JSON user directory with bcrypt password hashes. It exists for
// development and testing, where no external identity provider feed is
// available: SignIn and SignOut drive the auth-state stream directly.
type LocalSource struct {
	mu      sync.Mutex
	users   map[string]*localUser
	current Result
	subs    map[int]func(Result)
	nextID  int
}

// NewLocalSource creates a LocalSource from the given configuration.
func NewLocalSource(cfg LocalSourceConfig) (*LocalSource, error) {
	s := &LocalSource{
		users: make(map[string]*localUser),
		subs:  make(map[int]func(Result)),
	}

	if cfg.UsersPath != "" {
		if err := s.loadUsers(cfg.UsersPath); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// loadUsers loads users from a JSON file.
func (s *LocalSource) loadUsers(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var file usersFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing users file %s: %w", path, err)
	}

	for name, u := range file.Users {
		if u == nil || u.PasswordHash == "" {
			return fmt.Errorf("user %q: passwordHash is required", name)
		}
		s.users[name] = u
	}

	return nil
}

// AddUser registers a user with a bcrypt-hashed password. Intended for
// tests and tooling.
func (s *LocalSource) AddUser(username, password string, registered bool) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = &localUser{
		PasswordHash: string(hash),
		Registered:   registered,
	}
	return nil
}

// Subscribe registers fn and immediately delivers the current auth
// state to it.
func (s *LocalSource) Subscribe(ctx context.Context, fn func(Result)) (Unsubscribe, error) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	current := s.current
	s.mu.Unlock()

	fn(current)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}

	stop := context.AfterFunc(ctx, unsubscribe)

	return func() {
		stop()
		unsubscribe()
	}, nil
}

// SignIn verifies the credentials against the directory and, on
// success, emits a signed-in result. Failed sign-ins emit nothing.
func (s *LocalSource) SignIn(_ context.Context, username, password string) error {
	s.mu.Lock()
	u, ok := s.users[username]
	s.mu.Unlock()

	if !ok {
		return ErrUserNotFound
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}

	s.broadcast(Result{User: &UserInfo{
		ID:          username,
		DisplayName: u.DisplayName,
		PhotoURL:    u.PhotoURL,
		SignedIn:    true,
		Registered:  u.Registered,
	}})
	return nil
}

// SignOut emits the signed-out result.
func (s *LocalSource) SignOut() {
	s.broadcast(Result{})
}

// Emit delivers an arbitrary result to all subscribers. Intended for
// tests that need to simulate provider errors.
func (s *LocalSource) Emit(res Result) {
	s.broadcast(res)
}

func (s *LocalSource) broadcast(res Result) {
	s.mu.Lock()
	s.current = res
	fns := make([]func(Result), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(res)
	}
}
