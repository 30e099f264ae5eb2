package flags

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
)

// FileProviderConfig holds configuration for FileProvider.
type FileProviderConfig struct {
	// Path is the path to the flags JSON file.
	Path string `json:"path"`
}

// FileProvider implements Provider using a JSON file. Values are loaded
// once during initialization; fields missing from the file keep their
// defaults.
type FileProvider struct {
	flags Flags
}

// NewFileProvider creates a FileProvider from the given configuration.
func NewFileProvider(cfg FileProviderConfig) (*FileProvider, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("flags file provider: path is required")
	}

	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("flags file provider: %w", err)
	}

	f := Defaults()
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("flags file provider: parsing %s: %w", cfg.Path, err)
	}

	return &FileProvider{flags: f}, nil
}

func (p *FileProvider) Flags(context.Context) (Flags, error) {
	return p.flags, nil
}
