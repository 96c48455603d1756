package uploader

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Storage is a blob store that accepts artifacts under a key and returns
// a URL pointing at the stored object.
type Storage interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
}

// DirStorage stores artifacts in a local directory. It is used when no
// remote blob storage is configured but artifacts should still be kept,
// for example on a CI runner that archives a workspace directory.
type DirStorage struct {
	dir     string
	baseURL string
}

// NewDirStorage creates a directory storage rooted at dir. When baseURL
// is set, returned URLs are baseURL joined with the key; otherwise they
// are file:// URLs.
func NewDirStorage(dir, baseURL string) (*DirStorage, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifacts directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts directory: %w", err)
	}
	return &DirStorage{
		dir:     abs,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

func (s *DirStorage) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	clean := path.Clean("/" + key)[1:]
	if clean == "" {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	dst := filepath.Join(s.dir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("failed to create artifact file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write artifact file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close artifact file: %w", err)
	}

	if s.baseURL != "" {
		return s.baseURL + "/" + clean, nil
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(dst)}
	return u.String(), nil
}
