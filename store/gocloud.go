package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jobcacher/azstash/internal/trace"
	"github.com/jobcacher/azstash/transfer"
	"github.com/jobcacher/azstash/worker"
	"go.opentelemetry.io/otel/attribute"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/azureblob" // Azure driver, account key from AZURE_STORAGE_* env
	_ "gocloud.dev/blob/fileblob"  // Local file driver for testing
	_ "gocloud.dev/blob/memblob"   // In-memory driver for testing
	_ "gocloud.dev/blob/s3blob"    // AWS S3 driver
	"gocloud.dev/gcerrors"
)

// GocloudBlob implements the Blob interface using gocloud.dev. The bytes
// pass through this process, so only controller-local files are supported.
type GocloudBlob struct {
	bucket *blob.Bucket
	prefix string
}

// Ensure GocloudBlob implements the Blob interface
var _ Blob = (*GocloudBlob)(nil)

// NewGocloudBlob creates a new GocloudBlob instance using a blob URL and prefix
// For S3: "s3://bucket-name?region=us-east-1"
// For local development: "file:///path/to/directory"
// For tests: "mem://"
// For Azure: "azblob://container-name"
func NewGocloudBlob(ctx context.Context, blobURL, prefix string) (*GocloudBlob, error) {
	bucket, err := blob.OpenBucket(ctx, blobURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob bucket: %w", err)
	}

	return &GocloudBlob{
		bucket: bucket,
		prefix: normalizePrefix(prefix),
	}, nil
}

// Close closes the underlying bucket connection
func (b *GocloudBlob) Close() error {
	return b.bucket.Close()
}

func (b *GocloudBlob) Exists(ctx context.Context, key string) (bool, error) {
	ctx, span := trace.Start(ctx, "GocloudBlob.Exists", attribute.String("blob_key", key))
	defer span.End()

	ok, err := b.bucket.Exists(ctx, b.getFullKey(key))
	if err != nil {
		return false, trace.NewError(span, "failed to check %s: %w", key, err)
	}

	return ok, nil
}

func (b *GocloudBlob) Delete(ctx context.Context, key string) error {
	ctx, span := trace.Start(ctx, "GocloudBlob.Delete", attribute.String("blob_key", key))
	defer span.End()

	if err := b.bucket.Delete(ctx, b.getFullKey(key)); err != nil {
		return trace.NewError(span, "failed to delete %s: %w", key, err)
	}

	return nil
}

// Upload uploads a file to blob storage
func (b *GocloudBlob) Upload(ctx context.Context, src worker.FilePath, key string) (*TransferInfo, error) {
	ctx, span := trace.Start(ctx, "GocloudBlob.Upload", attribute.String("path", src.String()))
	defer span.End()

	if !src.IsLocal() {
		return nil, trace.NewError(span, "gocloud store cannot read %s: only controller-local paths are supported", src)
	}

	start := time.Now()
	fullKey := b.getFullKey(key)

	file, err := os.Open(src.Path)
	if err != nil {
		return nil, trace.NewError(span, "failed to open file %s: %w", src.Path, err)
	}
	defer func() {
		_ = file.Close()
	}()

	// without an explicit content type gocloud sniffs one from the first bytes
	opts := &blob.WriterOptions{}
	contentType, ok := transfer.ContentType(src.Path)
	if ok {
		opts.ContentType = contentType
	}

	writer, err := b.bucket.NewWriter(ctx, fullKey, opts)
	if err != nil {
		return nil, trace.NewError(span, "failed to create blob writer: %w", err)
	}

	bytesWritten, err := io.Copy(writer, file)
	if err != nil {
		_ = writer.Close()
		return nil, trace.NewError(span, "failed to copy file to blob: %w", err)
	}

	// Close the writer to commit the upload
	if err := writer.Close(); err != nil {
		return nil, trace.NewError(span, "failed to close blob writer: %w", err)
	}

	info := transfer.NewInfo(bytesWritten, time.Since(start), "")
	info.ContentType = contentType

	span.SetAttributes(
		attribute.Int64("bytes_transferred", bytesWritten),
		attribute.String("transfer_speed", fmt.Sprintf("%.2fMB/s", info.TransferSpeed)),
		attribute.String("blob_key", fullKey),
	)

	return info, nil
}

// Download downloads a file from blob storage
func (b *GocloudBlob) Download(ctx context.Context, key string, dest worker.FilePath) (*TransferInfo, error) {
	ctx, span := trace.Start(ctx, "GocloudBlob.Download", attribute.String("path", dest.String()))
	defer span.End()

	if !dest.IsLocal() {
		return nil, trace.NewError(span, "gocloud store cannot write %s: only controller-local paths are supported", dest)
	}

	start := time.Now()
	fullKey := b.getFullKey(key)

	reader, err := b.bucket.NewReader(ctx, fullKey, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, trace.NewError(span, "blob %s not found: %w", fullKey, err)
		}
		return nil, trace.NewError(span, "failed to create blob reader: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()

	destFile, err := os.Create(dest.Path)
	if err != nil {
		return nil, trace.NewError(span, "failed to create destination file %s: %w", dest.Path, err)
	}
	defer func() {
		_ = destFile.Close()
	}()

	bytesWritten, err := io.Copy(destFile, reader)
	if err != nil {
		return nil, trace.NewError(span, "failed to copy blob to file: %w", err)
	}

	if err := destFile.Close(); err != nil {
		return nil, trace.NewError(span, "failed to close destination file %s: %w", dest.Path, err)
	}

	info := transfer.NewInfo(bytesWritten, time.Since(start), "")
	info.ContentType = reader.ContentType()

	span.SetAttributes(
		attribute.Int64("bytes_transferred", bytesWritten),
		attribute.String("transfer_speed", fmt.Sprintf("%.2fMB/s", info.TransferSpeed)),
		attribute.String("blob_key", fullKey),
	)

	return info, nil
}

// getFullKey prepends the prefix. The key is not cleaned, ".." and "//"
// are part of the blob name.
func (b *GocloudBlob) getFullKey(key string) string {
	return b.prefix + strings.TrimPrefix(key, "/")
}
