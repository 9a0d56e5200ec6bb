package blob

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalPutKeepsNamesUnique(t *testing.T) {
	ctx := context.Background()
	store, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	first, err := store.Put(ctx, "alice/s1/w2.pdf", strings.NewReader("one"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	second, err := store.Put(ctx, "alice/s1/w2.pdf", strings.NewReader("two"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct paths, got %s twice", first)
	}
	if filepath.Base(second) != "w2 (1).pdf" {
		t.Fatalf("unexpected second name %s", filepath.Base(second))
	}

	rc, err := store.Open(ctx, second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "two" {
		t.Fatalf("unexpected content %q", data)
	}
}

func TestLocalRejectsEscapingKeysAndForeignURIs(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	store, _ := NewLocal(base)

	uri, err := store.Put(ctx, "../../etc/passwd", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !strings.HasPrefix(uri, base) {
		t.Fatalf("blob escaped base dir: %s", uri)
	}
	if _, err := store.Open(ctx, "/etc/hostname"); err == nil {
		t.Fatalf("expected foreign uri to be rejected")
	}
}

type memoryStore map[string]string

func (m memoryStore) Put(_ context.Context, key string, r io.Reader) (string, error) {
	data, _ := io.ReadAll(r)
	m[key] = string(data)
	return key, nil
}

func (m memoryStore) Open(_ context.Context, uri string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(m[uri])), nil
}

func TestMaterialize(t *testing.T) {
	ctx := context.Background()
	local, _ := NewLocal(t.TempDir())
	uri, _ := local.Put(ctx, "doc.txt", strings.NewReader("income"))
	path, cleanup, err := Materialize(ctx, local, uri, "doc.txt")
	if err != nil {
		t.Fatalf("Materialize local: %v", err)
	}
	cleanup()
	if path != uri {
		t.Fatalf("local blobs should be used in place")
	}
	if _, err := os.Stat(uri); err != nil {
		t.Fatalf("cleanup must not remove local blob: %v", err)
	}

	mem := memoryStore{"k": "remote bytes"}
	path, cleanup, err = Materialize(ctx, mem, "k", "Form.PDF")
	if err != nil {
		t.Fatalf("Materialize remote: %v", err)
	}
	if filepath.Ext(path) != ".pdf" {
		t.Fatalf("expected .pdf temp file, got %s", path)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "remote bytes" {
		t.Fatalf("unexpected temp content %q", data)
	}
	cleanup()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("temp file should be removed")
	}
}

func TestParseGCSURI(t *testing.T) {
	bucket, object, err := ParseGCSURI("gs://docs/uploads/a/b.pdf")
	if err != nil || bucket != "docs" || object != "uploads/a/b.pdf" {
		t.Fatalf("unexpected parse: %s %s %v", bucket, object, err)
	}
	for _, bad := range []string{"s3://x/y", "gs://bucket", "gs:///obj"} {
		if _, _, err := ParseGCSURI(bad); err == nil {
			t.Fatalf("expected error for %s", bad)
		}
	}
}
