// Package gcs provides an ArtifactStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/JakeFAU/corpgraph-crawler/internal/graph"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// Prefix is prepended to every object name.
	Prefix string
}

// ArtifactStore writes artifacts to a configured GCS bucket.
type ArtifactStore struct {
	client *storage.Client
	bucket string
	prefix string
}

var _ graph.ArtifactStore = (*ArtifactStore)(nil)

// New creates a GCS-backed artifact store.
func New(client *storage.Client, cfg Config) (*ArtifactStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &ArtifactStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// PutOnce uploads with a does-not-exist precondition; a 412 answer maps to
// graph.ErrArtifactExists.
func (s *ArtifactStore) PutOnce(ctx context.Context, key, contentType string, data []byte) (string, error) {
	uri, err := s.write(ctx, key, contentType, data, true)
	if isPreconditionFailed(err) {
		return uri, graph.ErrArtifactExists
	}
	return uri, err
}

// Replace uploads unconditionally.
func (s *ArtifactStore) Replace(ctx context.Context, key, contentType string, data []byte) (string, error) {
	return s.write(ctx, key, contentType, data, false)
}

func (s *ArtifactStore) write(ctx context.Context, key, contentType string, data []byte, once bool) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	name := key
	if s.prefix != "" {
		name = path.Join(s.prefix, key)
	}
	uri := fmt.Sprintf("gs://%s/%s", s.bucket, name)

	obj := s.client.Bucket(s.bucket).Object(name)
	if once {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}
	writer := obj.NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := writer.Write(data); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return uri, fmt.Errorf("write object: %w (close writer: %w)", err, closeErr)
		}
		return uri, fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return uri, fmt.Errorf("close writer: %w", err)
	}
	return uri, nil
}

func isPreconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
