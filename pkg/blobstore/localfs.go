package blobstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalFSStore persists blobs under a base directory on the local filesystem
// and serves them from a configured base URL (e.g. via the API process's own
// static file handler, or a sidecar reverse proxy).
type LocalFSStore struct {
	baseDir string
	baseURL string
}

// NewLocalFSStore creates a LocalFSStore rooted at baseDir, serving blobs
// from baseURL/<key>.
func NewLocalFSStore(baseDir, baseURL string) *LocalFSStore {
	return &LocalFSStore{
		baseDir: baseDir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// Put writes body to <baseDir>/<key>, creating parent directories as needed.
func (s *LocalFSStore) Put(_ context.Context, key string, _ string, body io.Reader) (Object, error) {
	path := filepath.Join(s.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Object{}, fmt.Errorf("creating blob directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return Object{}, fmt.Errorf("creating blob file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		return Object{}, fmt.Errorf("writing blob: %w", err)
	}

	return Object{
		Key: key,
		URL: s.baseURL + "/" + strings.TrimPrefix(filepath.ToSlash(key), "/"),
	}, nil
}
