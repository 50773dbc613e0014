package store

import (
	"context"

	"github.com/jobcacher/azstash/worker"
)

// Blob interface defines the operations for blob storage. Keys are used
// verbatim as blob names.
type Blob interface {
	// Exists reports whether the blob exists; a missing blob is not an error
	Exists(ctx context.Context, key string) (bool, error)

	// Upload uploads a file, which may live on a remote worker, to blob storage
	Upload(ctx context.Context, src worker.FilePath, key string) (*TransferInfo, error)

	// Download downloads a blob into a file, which may live on a remote worker
	Download(ctx context.Context, key string, dest worker.FilePath) (*TransferInfo, error)

	// Delete removes a single blob
	Delete(ctx context.Context, key string) error
}
