package azstash

import (
	"fmt"

	"github.com/jobcacher/azstash/cache"
	"github.com/jobcacher/azstash/configuration"
)

// Cache saves and restores cache archives below a root object path.
//
// Archives are stored as <root>/<key>.zip. The client is safe for concurrent
// use by multiple goroutines, though two saves of the same key race on the
// blob and the last upload wins.
type Cache struct {
	root       ObjectStorage
	fallback   ObjectStorage
	caches     []cache.Cache
	onProgress ProgressCallback
}

// CacheConfig holds all configuration for creating a Cache client.
type CacheConfig struct {
	// Root is where this job's archives live (required), typically
	// ItemStorage.ObjectPath(ctx, job, "caches").
	Root ObjectStorage

	// Fallback is searched by Restore when Root has no archive for any key,
	// typically the default branch: ItemStorage.ObjectPathForBranch(ctx, job, "caches", "main").
	Fallback ObjectStorage

	// Env is an optional environment used for template expansion instead
	// of the process environment.
	Env map[string]string

	// Caches is the list of cache entries to manage. Keys and paths are
	// expanded once, here.
	Caches []cache.Cache

	// OnProgress is an optional progress callback.
	OnProgress ProgressCallback
}

// NewCache expands and validates the cache entries.
//
// Returns ErrInvalidConfiguration (wrapped) when Root is missing or an entry
// fails expansion or validation.
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.Root == nil {
		return nil, fmt.Errorf("%w: a root object path is required", ErrInvalidConfiguration)
	}

	var (
		expanded []cache.Cache
		err      error
	)

	if cfg.Env != nil {
		expanded, err = configuration.ExpandCacheConfigurationWithEnv(cfg.Caches, cfg.Env)
	} else {
		expanded, err = configuration.ExpandCacheConfiguration(cfg.Caches)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to expand cache configuration: %w", ErrInvalidConfiguration, err)
	}

	return &Cache{
		root:       cfg.Root,
		fallback:   cfg.Fallback,
		caches:     expanded,
		onProgress: cfg.OnProgress,
	}, nil
}

// ListCaches returns the expanded cache entries.
func (c *Cache) ListCaches() []cache.Cache {
	return c.caches
}

// GetCache returns a specific cache entry by ID, or ErrCacheNotFound.
func (c *Cache) GetCache(id string) (cache.Cache, error) {
	for _, entry := range c.caches {
		if entry.ID == id {
			return entry, nil
		}
	}
	return cache.Cache{}, fmt.Errorf("%w: %s", ErrCacheNotFound, id)
}

// ArchiveName is the object name of the archive for key below a root.
func ArchiveName(key string) string {
	return key + ".zip"
}

// callProgress safely calls the progress callback if it exists
func (c *Cache) callProgress(stage string, message string, current int, total int) {
	if c.onProgress == nil {
		return
	}

	// a panicking callback must not fail the cache operation
	defer func() {
		_ = recover()
	}()

	c.onProgress(stage, message, current, total)
}
