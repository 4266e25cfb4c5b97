// Package local archives report artifacts under a directory on disk.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Config points the store at its root directory.
type Config struct {
	BaseDir string `mapstructure:"base_dir"`
}

// BlobStore writes artifacts beneath BaseDir.
type BlobStore struct {
	baseDir string
}

// New creates BaseDir if missing and checks that it is writable.
func New(cfg Config) (*BlobStore, error) {
	dir := strings.TrimSpace(cfg.BaseDir)
	if dir == "" {
		return nil, errors.New("base directory is required")
	}

	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory %s is not a directory", dir)
	}

	probe := filepath.Join(dir, ".writable_probe")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("remove probe file: %w", err)
	}

	return &BlobStore{baseDir: filepath.Clean(dir)}, nil
}

// PutObject writes r to baseDir/path and returns a file:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, _ string, r io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("path is required")
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("put %s: %w", path, err)
	}

	full := filepath.Clean(filepath.Join(s.baseDir, path))
	if !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes base directory", path)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	if err := os.WriteFile(full, data, 0o600); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return "file://" + full, nil
}
