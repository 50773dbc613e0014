package azstash

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jobcacher/azstash/archive"
	"github.com/jobcacher/azstash/cache"
	"github.com/jobcacher/azstash/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Restore downloads and extracts the best matching archive of a cache entry.
//
// The key and then each fallback key are looked up below the root, then the
// same keys below the fallback root, if one is configured. The first archive
// found is downloaded to a temp directory and extracted over the cache paths.
//
// A miss is not an error: CacheRestored is false and nothing is touched.
//
// Example:
//
//	result, err := caches.Restore(ctx, "node_modules")
//	if err != nil {
//	    log.Fatalf("Cache restore failed: %v", err)
//	}
//	if result.CacheHit {
//	    log.Printf("Exact match for key: %s", result.Key)
//	} else if result.FallbackUsed {
//	    log.Printf("Restored from fallback key: %s", result.Key)
//	}
func (c *Cache) Restore(ctx context.Context, cacheID string) (RestoreResult, error) {
	tracer := otel.Tracer("github.com/jobcacher/azstash")
	ctx, span := tracer.Start(ctx, "Cache.Restore")
	defer span.End()

	span.SetAttributes(attribute.String("cache.id", cacheID))

	startTime := time.Now()
	result := RestoreResult{}

	entry, err := c.GetCache(cacheID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to find cache configuration")
		return result, err
	}

	result.Key = entry.Key

	span.SetAttributes(
		attribute.String("cache.key", entry.Key),
		attribute.StringSlice("cache.fallback_keys", entry.FallbackKeys),
		attribute.Int("cache.paths_count", len(entry.Paths)),
	)

	c.callProgress("checking_exists", "Checking if cache exists", 0, 0)

	object, key, exact, err := c.lookup(ctx, entry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to look up cache")
		return result, fmt.Errorf("failed to look up cache: %w", err)
	}

	if object == nil {
		result.TotalDuration = time.Since(startTime)
		span.SetAttributes(attribute.Bool("cache.hit", false), attribute.Bool("cache.restored", false))
		span.SetStatus(codes.Ok, "cache miss")
		c.callProgress("complete", "Cache miss", 0, 0)
		return result, nil
	}

	result.Key = key
	result.ObjectName = object.Name()
	result.CacheHit = exact
	result.FallbackUsed = !exact

	span.SetAttributes(
		attribute.Bool("cache.fallback_used", result.FallbackUsed),
		attribute.String("cache.object_name", result.ObjectName),
	)

	tmpDir, err := os.MkdirTemp("", "azstash-restore")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create temp directory")
		return result, fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(tmpDir)
	}()

	c.callProgress("downloading", "Downloading cache archive", 0, 0)

	archivePath := filepath.Join(tmpDir, "cache.zip")

	transferInfo, err := object.CopyTo(ctx, worker.LocalPath(archivePath))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to download cache")
		return result, fmt.Errorf("failed to download cache: %w", err)
	}

	result.Transfer = TransferMetrics{
		BytesTransferred: transferInfo.BytesTransferred,
		TransferSpeed:    transferInfo.TransferSpeed,
		Duration:         transferInfo.Duration,
		RequestID:        transferInfo.RequestID,
	}

	c.callProgress("extracting", "Extracting files from cache", 0, int(transferInfo.BytesTransferred))

	archiveInfo, err := extractCache(ctx, archivePath, entry.Paths)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to extract cache")
		return result, fmt.Errorf("failed to extract cache: %w", err)
	}

	result.Archive = ArchiveMetrics{
		Size:             archiveInfo.Size,
		WrittenBytes:     archiveInfo.WrittenBytes,
		WrittenEntries:   archiveInfo.WrittenEntries,
		CompressionRatio: archiveInfo.CompressionRatio(),
		Duration:         archiveInfo.Duration,
		Paths:            entry.Paths,
	}

	result.CacheRestored = true
	result.TotalDuration = time.Since(startTime)

	span.SetAttributes(
		attribute.Bool("cache.hit", result.CacheHit),
		attribute.Bool("cache.restored", true),
		attribute.Int64("cache.written_entries", result.Archive.WrittenEntries),
		attribute.Int64("cache.duration_ms", result.TotalDuration.Milliseconds()),
	)
	span.SetStatus(codes.Ok, "cache restored successfully")

	c.callProgress("complete", "Cache restored successfully", 0, 0)

	return result, nil
}

// lookup returns the first existing archive, its key and whether it is the
// exact key under the root. A nil object is a miss.
func (c *Cache) lookup(ctx context.Context, entry cache.Cache) (ObjectStorage, string, bool, error) {
	roots := []ObjectStorage{c.root}
	if c.fallback != nil {
		roots = append(roots, c.fallback)
	}

	for r, root := range roots {
		for k, key := range entry.Keys() {
			object := root.Child(ArchiveName(key))

			ok, err := object.Exists(ctx)
			if err != nil {
				return nil, "", false, err
			}
			if ok {
				return object, key, r == 0 && k == 0, nil
			}
		}
	}

	return nil, "", false, nil
}

func extractCache(ctx context.Context, archivePath string, paths []string) (*archive.ArchiveInfo, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive file: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive file: %w", err)
	}

	return archive.ExtractFiles(ctx, f, stat.Size(), paths)
}
