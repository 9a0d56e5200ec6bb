package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// GCS stores blobs in a Cloud Storage bucket. URIs have the form gs://bucket/object.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS uses application default credentials.
func NewGCS(ctx context.Context, bucket, prefix string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// Put writes the object only if it does not exist yet; an existing object is kept as is.
func (g *GCS) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	objectName := path.Join(g.prefix, strings.TrimLeft(key, "/"))
	uri := fmt.Sprintf("gs://%s/%s", g.bucket, objectName)

	writer := g.client.Bucket(g.bucket).Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if _, err := io.Copy(writer, r); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			log.Printf("blob: object %s already exists, keeping it", objectName)
			return uri, nil
		}
		return "", fmt.Errorf("write to gcs: %w", err)
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			log.Printf("blob: object %s already exists, keeping it", objectName)
			return uri, nil
		}
		return "", fmt.Errorf("finalize gcs write: %w", err)
	}
	return uri, nil
}

func (g *GCS) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, object, err := ParseGCSURI(uri)
	if err != nil {
		return nil, err
	}
	rc, err := g.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", uri, err)
	}
	return rc, nil
}

func (g *GCS) Close() error {
	return g.client.Close()
}

// ParseGCSURI splits gs://bucket/object.
func ParseGCSURI(uri string) (string, string, error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("not a gcs uri: %s", uri)
	}
	bucket, object, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("malformed gcs uri: %s", uri)
	}
	return bucket, object, nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 412
}
