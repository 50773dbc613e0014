// Package azstash stores CI job caches and artifacts in Azure Blob Storage.
//
// The controller holds the storage account key and never ships it anywhere.
// Every upload or download is turned into a transfer unit carrying a short
// lived SAS URL scoped to one blob and one direction, and that unit is
// executed on the worker that owns the local file.
//
// The main entry points are NewItemStorage, which resolves object paths for a
// job, and NewCache, which saves and restores cache archives under such a
// path.
//
// Basic usage:
//
//	items, err := azstash.NewItemStorage(azstash.Config{
//	    Storage:     configuration.Storage{CredentialsID: "ci-azure", ContainerName: "job-caches"},
//	    Credentials: credentials.EnvStore{},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	root, err := items.ObjectPath(ctx, "team/app/main", "caches")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// copy a single file
//	_, err = root.Child("deps.tar").CopyFrom(ctx, worker.LocalPath("deps.tar"))
//
//	// or manage cache archives
//	caches, err := azstash.NewCache(azstash.CacheConfig{
//	    Root: root,
//	    Caches: []cache.Cache{
//	        {ID: "node_modules", Key: "v1-{{ checksum \"package-lock.json\" }}", Paths: []string{"node_modules"}},
//	    },
//	})
//	result, err := caches.Save(ctx, "node_modules")
package azstash

import (
	"errors"
	"time"
)

// Sentinel errors for common scenarios
var (
	// ErrInvalidConfiguration is returned when configuration validation fails,
	// either of the item storage or of the cache entries.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrCredentialsNotFound is returned when the configured credentials id
	// cannot be resolved to a storage account.
	ErrCredentialsNotFound = errors.New("credentials not found")

	// ErrCacheNotFound is returned when a requested cache ID doesn't exist
	// in the cache client's configuration.
	ErrCacheNotFound = errors.New("cache not found")
)

// ProgressCallback is called during Save and Restore to report progress.
//
// Save stages: "validating", "checking_exists", "building_archive",
// "uploading", "complete".
//
// Restore stages: "checking_exists", "downloading", "extracting", "complete".
//
// current and total are zero when not meaningful for the stage.
type ProgressCallback func(stage string, message string, current int, total int)

// SaveResult contains detailed information about a cache save operation.
type SaveResult struct {
	// CacheCreated indicates whether a new archive was uploaded.
	// false means an archive already existed under Key and Transfer is nil.
	CacheCreated bool

	// Key is the cache key after template expansion.
	Key string

	// ObjectName is the fully qualified blob name of the archive.
	ObjectName string

	// Archive describes the archive that was built.
	Archive ArchiveMetrics

	// Transfer describes the upload, nil when nothing was uploaded.
	Transfer *TransferMetrics

	// TotalDuration is the end-to-end duration of the save operation.
	TotalDuration time.Duration
}

// RestoreResult contains detailed information about a cache restore operation.
//
// CacheRestored tells whether anything was restored at all; CacheHit is only
// set when the exact key was found under the job's own root.
type RestoreResult struct {
	// CacheHit indicates whether the exact cache key was found.
	CacheHit bool

	// CacheRestored indicates whether any archive was restored.
	CacheRestored bool

	// Key is the key that was restored, which differs from the configured
	// key when FallbackUsed is set.
	Key string

	// ObjectName is the fully qualified blob name that was restored.
	ObjectName string

	// FallbackUsed indicates a fallback key, or the fallback root, was used.
	FallbackUsed bool

	// Archive describes the extracted archive.
	Archive ArchiveMetrics

	// Transfer describes the download.
	Transfer TransferMetrics

	// TotalDuration is the end-to-end duration of the restore operation.
	TotalDuration time.Duration
}

// ArchiveMetrics contains metrics about archive build and extraction operations.
type ArchiveMetrics struct {
	// Size is the size of the archive file in bytes (compressed).
	Size int64

	// WrittenBytes is the uncompressed size of all entries in bytes.
	WrittenBytes int64

	// WrittenEntries is the number of files, directories and links.
	WrittenEntries int64

	// CompressionRatio is WrittenBytes / Size.
	CompressionRatio float64

	// Sha256Sum is the SHA-256 hash of the archive file, only set on save.
	Sha256Sum string

	// Duration is how long the archive build or extraction took.
	Duration time.Duration

	// Paths are the filesystem paths that were archived or extracted.
	Paths []string
}

// TransferMetrics contains metrics about upload and download operations.
type TransferMetrics struct {
	// BytesTransferred is the number of bytes uploaded or downloaded.
	BytesTransferred int64

	// TransferSpeed is the transfer rate in MB/s.
	TransferSpeed float64

	// Duration is how long the transfer took.
	Duration time.Duration

	// RequestID is the x-ms-request-id of the storage service, for support cases.
	RequestID string
}
