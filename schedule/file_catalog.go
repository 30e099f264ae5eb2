package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// FileCatalogConfig holds configuration for FileCatalog.
type FileCatalogConfig struct {
	// Path is the path to the sessions JSON file.
	Path string `json:"path"`
}

// FileCatalog implements Catalog using a JSON file. The catalog is
// loaded once during initialization and served from memory.
type FileCatalog struct {
	sessions map[string]*Session
}

// NewFileCatalog creates a FileCatalog from the given configuration.
func NewFileCatalog(cfg FileCatalogConfig) (*FileCatalog, error) {
	c := &FileCatalog{
		sessions: make(map[string]*Session),
	}

	if cfg.Path != "" {
		if err := c.loadSessions(cfg.Path); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// loadSessions loads the catalog from a JSON file.
func (c *FileCatalog) loadSessions(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var sessions []*Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return fmt.Errorf("parsing sessions file %s: %w", path, err)
	}

	for i, s := range sessions {
		if s == nil {
			return fmt.Errorf("sessions file %s: entry %d is null", path, i)
		}
		if err := s.Validate(); err != nil {
			return err
		}
		c.sessions[s.ID] = s
	}

	return nil
}

// GetSession retrieves a session by id.
func (c *FileCatalog) GetSession(_ context.Context, id string) (*Session, error) {
	s, ok := c.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// ListSessions returns all sessions in start order.
func (c *FileCatalog) ListSessions(context.Context) ([]*Session, error) {
	result := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		result = append(result, s)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartsAt.Equal(result[j].StartsAt) {
			return result[i].StartsAt.Before(result[j].StartsAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}
