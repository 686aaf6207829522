package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// BlobWriter uploads objects to blob storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, reader io.Reader, contentType string) error
}

// BlobReader downloads and lists objects in blob storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// DecisionArchiver buffers decisions and writes them out in batches.
type DecisionArchiver interface {
	Add(ctx context.Context, d Decision) error
	// Flush writes whatever is buffered and returns the number of records
	// written.
	Flush(ctx context.Context) (int, error)
}
