package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jobcacher/azstash"
	"github.com/jobcacher/azstash/cache"
	"github.com/jobcacher/azstash/internal/console"
	"github.com/jobcacher/azstash/store"
	"github.com/jobcacher/azstash/transfer"
	"github.com/jobcacher/azstash/worker"
	"github.com/rs/zerolog/log"
)

type CommonFlags struct {
	Job           string `flag:"job" help:"Full name of the job owning the stored files, folders separated by /." env:"JOB_NAME"`
	Branch        string `flag:"branch" help:"The branch being built." env:"BRANCH_NAME"`
	DefaultBranch string `flag:"default-branch" help:"Branch whose caches are restored when the job has none." default:"main" env:"AZSTASH_DEFAULT_BRANCH"`
	Prefix        string `flag:"prefix" help:"Path below the job namespace." default:"caches" env:"AZSTASH_PREFIX"`
	Worker        string `flag:"worker" help:"Registered worker owning the local files, empty for this host." env:"AZSTASH_WORKER"`
}

// StoreFlags select the backend holding the job files.
type StoreFlags struct {
	Store     string `flag:"store" help:"Storage backend, azure_blob or gocloud." default:"azure_blob" enum:"azure_blob,gocloud" env:"AZSTASH_STORE"`
	BucketURL string `flag:"bucket-url" help:"gocloud.dev bucket URL used by the gocloud store, e.g. s3://bucket?region=us-east-1." env:"AZSTASH_BUCKET_URL"`
}

func (f StoreFlags) validate() error {
	if f.Store != "" && !store.IsValidStore(f.Store) {
		return fmt.Errorf("%w: unknown store %q", azstash.ErrInvalidConfiguration, f.Store)
	}
	if f.Store == store.GocloudStore && f.BucketURL == "" {
		return fmt.Errorf("%w: the gocloud store requires --bucket-url", azstash.ErrInvalidConfiguration)
	}
	return nil
}

// TransferFlags bound the transfers run by this process, locally or as an agent.
type TransferFlags struct {
	UploadTimeout   time.Duration `flag:"upload-timeout" help:"Bound on a single upload." default:"30s" env:"AZSTASH_UPLOAD_TIMEOUT"`
	DownloadTimeout time.Duration `flag:"download-timeout" help:"Bound on a single download." default:"10m" env:"AZSTASH_DOWNLOAD_TIMEOUT"`
	MaxRetries      int32         `flag:"max-retries" help:"Azure SDK retries per request, negative disables." default:"3" env:"AZSTASH_MAX_RETRIES"`
}

// Executor returns an executor applying the flags.
func (f TransferFlags) Executor() *transfer.Executor {
	return transfer.NewExecutor(
		transfer.WithUploadTimeout(f.UploadTimeout),
		transfer.WithDownloadTimeout(f.DownloadTimeout),
		transfer.WithMaxRetries(f.MaxRetries),
	)
}

type Globals struct {
	Debug    bool
	Version  string
	Printer  *console.Printer
	Config   azstash.Config
	Caches   []cache.Cache
	Common   CommonFlags
	Store    StoreFlags
	Transfer TransferFlags

	bucket *store.GocloudBlob
}

// ItemStorage builds the storage from the persisted configuration.
func (g *Globals) ItemStorage() (*azstash.ItemStorage, error) {
	return azstash.NewItemStorage(g.Config)
}

// Root returns the job's object path below the configured prefix.
func (g *Globals) Root(ctx context.Context) (*azstash.ObjectPath, error) {
	if g.Common.Job == "" {
		return nil, errors.New("a job name is required, set --job or JOB_NAME")
	}

	return g.objectPath(ctx, g.Common.Job, "")
}

// objectPath returns the prefix below the job's namespace, or below the
// namespace of its sibling branch when branch is set.
func (g *Globals) objectPath(ctx context.Context, job, branch string) (*azstash.ObjectPath, error) {
	if err := g.Store.validate(); err != nil {
		return nil, err
	}

	if g.Store.Store == store.GocloudStore {
		bucket, err := g.gocloudBucket(ctx)
		if err != nil {
			return nil, err
		}

		namespace := job
		if branch != "" {
			namespace = azstash.BranchNamespace(job, branch)
		}
		return azstash.NewObjectPath(bucket, namespace, g.Common.Prefix), nil
	}

	storage, err := g.ItemStorage()
	if err != nil {
		return nil, err
	}

	if branch != "" {
		return storage.ObjectPathForBranch(ctx, job, g.Common.Prefix, branch)
	}
	return storage.ObjectPath(ctx, job, g.Common.Prefix)
}

// gocloudBucket opens the bucket on first use, Close releases it.
func (g *Globals) gocloudBucket(ctx context.Context) (*store.GocloudBlob, error) {
	if g.bucket != nil {
		return g.bucket, nil
	}

	bucket, err := store.NewGocloudBlob(ctx, g.Store.BucketURL, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", azstash.ErrInvalidConfiguration, err)
	}

	log.Debug().Str("bucket_url", g.Store.BucketURL).Msg("opened gocloud bucket")

	g.bucket = bucket
	return bucket, nil
}

// Close releases the gocloud bucket, if one was opened.
func (g *Globals) Close() error {
	if g.bucket == nil {
		return nil
	}

	err := g.bucket.Close()
	g.bucket = nil
	return err
}

// Target returns path on the selected worker.
func (g *Globals) Target(path string) worker.FilePath {
	if g.Common.Worker == "" {
		return worker.LocalPath(path)
	}
	return worker.OnWorker(g.Common.Worker, path)
}

// Stat reports the size of a file on its worker when the dispatcher can.
func (g *Globals) Stat(ctx context.Context, target worker.FilePath) (worker.FileStat, bool, error) {
	stater, ok := g.Config.Dispatcher.(worker.Stater)
	if !ok {
		return worker.FileStat{}, false, nil
	}

	st, err := stater.Stat(ctx, target)
	if err != nil {
		return worker.FileStat{}, false, fmt.Errorf("failed to stat %s: %w", target, err)
	}

	return st, true, nil
}

// cacheClient builds the cache client for the job, with the default branch
// as fallback when building another branch.
func (g *Globals) cacheClient(ctx context.Context) (*azstash.Cache, error) {
	root, err := g.Root(ctx)
	if err != nil {
		return nil, err
	}

	cfg := azstash.CacheConfig{
		Root:   root,
		Caches: g.Caches,
		OnProgress: func(stage, message string, _, _ int) {
			log.Debug().Str("stage", stage).Msg(message)
		},
	}

	if g.Common.DefaultBranch != "" && g.Common.Branch != g.Common.DefaultBranch && strings.Contains(g.Common.Job, "/") {
		fallback, err := g.objectPath(ctx, g.Common.Job, g.Common.DefaultBranch)
		if err != nil {
			return nil, err
		}
		cfg.Fallback = fallback
	}

	return azstash.NewCache(cfg)
}
