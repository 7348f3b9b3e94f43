package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const (
	uploadTimeout = 2 * time.Minute
	deleteTimeout = 30 * time.Second
)

var errMissingBucket = errors.New("mirror: bucket name is required")

// GCSConfig selects the bucket and how to reach it. EmulatorHost points the
// client at a local fake-gcs-server and disables authentication.
type GCSConfig struct {
	Bucket          string
	EmulatorHost    string
	CredentialsFile string
}

// GCSStore writes mirror objects to a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errMissingBucket
	}
	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}
	if host := strings.TrimSpace(cfg.EmulatorHost); host != "" {
		// the storage client reads the emulator address from the environment
		if err := os.Setenv("STORAGE_EMULATOR_HOST", host); err != nil {
			return nil, fmt.Errorf("mirror: set emulator host: %w", err)
		}
		opts = append(opts, option.WithoutAuthentication())
	} else if creds := strings.TrimSpace(cfg.CredentialsFile); creds != "" {
		opts = append(opts, option.WithCredentialsFile(creds))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("mirror: create storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

func (g *GCSStore) Upload(ctx context.Context, key string, r io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	if ct := contentTypeForKey(key); ct != "" {
		w.ContentType = ct
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("mirror: write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("mirror: close %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every object under prefix. Missing objects are ignored.
func (g *GCSStore) DeletePrefix(ctx context.Context, prefix string) error {
	ctx, cancel := context.WithTimeout(ctx, deleteTimeout)
	defer cancel()

	bucket := g.client.Bucket(g.bucket)
	it := bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("mirror: list %s: %w", prefix, err)
		}
		if err := bucket.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("mirror: delete %s: %w", attrs.Name, err)
		}
	}
}

func (g *GCSStore) Close() error {
	return g.client.Close()
}

func contentTypeForKey(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".pdf":
		return "application/pdf"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".svg":
		return "image/svg+xml"
	}
	switch path.Base(key) {
	case "txt":
		return "text/plain; charset=utf-8"
	case "hocr":
		return "text/html; charset=utf-8"
	case "jpg":
		return "image/jpeg"
	case "svg":
		return "image/svg+xml"
	}
	return ""
}
