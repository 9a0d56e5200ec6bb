package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Store keeps uploaded document bytes. URIs returned by Put are opaque to callers.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) (string, error)
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Materialize makes the blob available as a local file, keeping the extension of name so
// that extension-based parsers pick the right format. cleanup removes any temporary copy.
func Materialize(ctx context.Context, store Store, uri, name string) (path string, cleanup func(), err error) {
	if local, ok := store.(*Local); ok && local.owns(uri) {
		return uri, func() {}, nil
	}
	rc, err := store.Open(ctx, uri)
	if err != nil {
		return "", nil, err
	}
	defer rc.Close()

	tmp, err := os.CreateTemp("", "taxflow-*"+strings.ToLower(filepath.Ext(name)))
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	cleanup = func() { os.Remove(tmp.Name()) }
	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		cleanup()
		return "", nil, fmt.Errorf("copy blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close temp file: %w", err)
	}
	return tmp.Name(), cleanup, nil
}
