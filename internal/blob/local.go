package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Local stores blobs under a base directory. URIs are absolute file paths.
type Local struct {
	base string
}

func NewLocal(base string) (*Local, error) {
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &Local{base: abs}, nil
}

func (l *Local) Put(_ context.Context, key string, r io.Reader) (string, error) {
	dir, name := filepath.Split(filepath.Clean("/" + key))
	destDir := filepath.Join(l.base, dir)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	destPath := uniquePath(destDir, name)
	f, err := os.OpenFile(destPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create blob: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(destPath)
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(destPath)
		return "", fmt.Errorf("close blob: %w", err)
	}
	return destPath, nil
}

func (l *Local) Open(_ context.Context, uri string) (io.ReadCloser, error) {
	if !l.owns(uri) {
		return nil, fmt.Errorf("blob %s is outside %s", uri, l.base)
	}
	return os.Open(uri)
}

func (l *Local) owns(uri string) bool {
	rel, err := filepath.Rel(l.base, uri)
	return err == nil && !strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)
}

// uniquePath appends " (n)" before the extension until the name is free.
func uniquePath(dir, filename string) string {
	destPath := filepath.Join(dir, filename)
	if _, err := os.Stat(destPath); os.IsNotExist(err) {
		return destPath
	}
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	for idx := 1; idx <= 1000; idx++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", base, idx, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%d%s", base, time.Now().UnixNano(), ext))
}
