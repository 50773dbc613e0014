package azstash

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/jobcacher/azstash/archive"
	"github.com/jobcacher/azstash/worker"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Save archives the paths of a cache entry and uploads the archive.
//
// The function performs the following workflow:
//  1. Checks at least one of the cache paths exists
//  2. Checks whether an archive already exists for the key (early return if yes)
//  3. Builds a zip archive of the cache paths in a temp file
//  4. Uploads it to <root>/<key>.zip
//
// Archives are immutable per key: if one exists, nothing is uploaded and
// CacheCreated is false.
//
// Example:
//
//	result, err := caches.Save(ctx, "node_modules")
//	if err != nil {
//	    log.Fatalf("Cache save failed: %v", err)
//	}
//	if !result.CacheCreated {
//	    log.Printf("Cache already exists for key: %s", result.Key)
//	}
func (c *Cache) Save(ctx context.Context, cacheID string) (SaveResult, error) {
	tracer := otel.Tracer("github.com/jobcacher/azstash")
	ctx, span := tracer.Start(ctx, "Cache.Save")
	defer span.End()

	span.SetAttributes(attribute.String("cache.id", cacheID))

	startTime := time.Now()
	result := SaveResult{}

	entry, err := c.GetCache(cacheID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to find cache configuration")
		return result, err
	}

	object := c.root.Child(ArchiveName(entry.Key))

	result.Key = entry.Key
	result.ObjectName = object.Name()

	span.SetAttributes(
		attribute.String("cache.key", entry.Key),
		attribute.String("cache.object_name", result.ObjectName),
		attribute.Int("cache.paths_count", len(entry.Paths)),
	)

	c.callProgress("validating", "Validating cache paths", 0, 0)

	if err := checkPathsExist(entry.Paths); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid cache paths")
		return result, fmt.Errorf("invalid cache paths: %w", err)
	}

	c.callProgress("checking_exists", "Checking if cache already exists", 0, 0)

	exists, err := object.Exists(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to check cache existence")
		return result, fmt.Errorf("failed to check cache existence: %w", err)
	}

	if exists {
		result.TotalDuration = time.Since(startTime)
		span.SetAttributes(attribute.Bool("cache.already_exists", true))
		span.SetStatus(codes.Ok, "cache already exists")
		c.callProgress("complete", "Cache already exists", 0, 0)
		return result, nil
	}

	c.callProgress("building_archive", "Building archive", 0, len(entry.Paths))

	archiveInfo, err := archive.BuildArchive(ctx, entry.Paths, entry.Key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build archive")
		return result, fmt.Errorf("failed to build archive: %w", err)
	}
	defer func() {
		_ = os.Remove(archiveInfo.ArchivePath)
	}()

	result.Archive = ArchiveMetrics{
		Size:             archiveInfo.Size,
		WrittenBytes:     archiveInfo.WrittenBytes,
		WrittenEntries:   archiveInfo.WrittenEntries,
		CompressionRatio: archiveInfo.CompressionRatio(),
		Sha256Sum:        archiveInfo.Sha256sum,
		Duration:         archiveInfo.Duration,
		Paths:            entry.Paths,
	}

	log.Info().
		Str("key", entry.Key).
		Int64("size", archiveInfo.Size).
		Str("sha256sum", archiveInfo.Sha256sum).
		Int64("entries", archiveInfo.WrittenEntries).
		Float64("compression_ratio", result.Archive.CompressionRatio).
		Msg("archive built")

	c.callProgress("uploading", "Uploading cache archive", 0, int(archiveInfo.Size))

	transferInfo, err := object.CopyFrom(ctx, worker.LocalPath(archiveInfo.ArchivePath))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload cache")
		return result, fmt.Errorf("failed to upload cache: %w", err)
	}

	result.Transfer = &TransferMetrics{
		BytesTransferred: transferInfo.BytesTransferred,
		TransferSpeed:    transferInfo.TransferSpeed,
		Duration:         transferInfo.Duration,
		RequestID:        transferInfo.RequestID,
	}

	result.CacheCreated = true
	result.TotalDuration = time.Since(startTime)

	span.SetAttributes(
		attribute.Bool("cache.created", true),
		attribute.Int64("cache.archive_size_bytes", archiveInfo.Size),
		attribute.Int64("cache.transfer_bytes", transferInfo.BytesTransferred),
		attribute.Int64("cache.duration_ms", result.TotalDuration.Milliseconds()),
	)
	span.SetStatus(codes.Ok, "cache saved successfully")

	c.callProgress("complete", "Cache saved successfully", 0, 0)

	return result, nil
}

// checkPathsExist fails unless at least one of the paths exists, missing
// ones are skipped when archiving.
func checkPathsExist(paths []string) error {
	if len(paths) == 0 {
		return errors.New("no paths provided")
	}

	for _, path := range paths {
		resolved, err := archive.ResolveHomeDir(path)
		if err != nil {
			return err
		}

		if _, err := os.Lstat(resolved); err == nil {
			return nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to stat %s: %w", path, err)
		}
	}

	return fmt.Errorf("none of the paths exist: %v", paths)
}
