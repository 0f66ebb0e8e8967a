// Package gcs archives harvested documents in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// ChunkSize is the resumable upload chunk size in bytes. Zero keeps the
	// client default.
	ChunkSize int
}

// BlobStore writes raw documents to a bucket. Archive objects are immutable:
// each (source, generation) pair is written once and never replaced.
type BlobStore struct {
	client    *storage.Client
	bucket    string
	chunkSize int
}

var _ harvest.BlobStore = (*BlobStore)(nil)

const defaultContentType = "application/octet-stream"

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("gcs archive: storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("gcs archive: bucket name is required")
	}
	return &BlobStore{
		client:    client,
		bucket:    cfg.Bucket,
		chunkSize: cfg.ChunkSize,
	}, nil
}

// PutObject uploads r to path and returns its gs:// URI. The upload is
// conditional on the object not existing yet.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	name, err := objectName(path)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	obj := s.client.Bucket(s.bucket).Object(name).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	if w.ContentType == "" {
		w.ContentType = defaultContentType
	}
	if s.chunkSize > 0 {
		w.ChunkSize = s.chunkSize
	}
	if _, err := io.Copy(w, r); err != nil {
		// Canceling before Close aborts the upload; no partial object is left.
		cancel()
		_ = w.Close()
		return "", fmt.Errorf("upload gs://%s/%s: %w", s.bucket, name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize gs://%s/%s: %w", s.bucket, name, err)
	}
	return "gs://" + s.bucket + "/" + name, nil
}

func objectName(path string) (string, error) {
	name := strings.Trim(path, "/")
	if name == "" {
		return "", errors.New("gcs archive: object path is required")
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("gcs archive: invalid object path %q", path)
		}
	}
	return name, nil
}
