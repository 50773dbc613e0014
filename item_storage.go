package azstash

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/jobcacher/azstash/configuration"
	"github.com/jobcacher/azstash/credentials"
	"github.com/jobcacher/azstash/internal/trace"
	"github.com/jobcacher/azstash/store"
	"github.com/jobcacher/azstash/transfer"
	"github.com/jobcacher/azstash/worker"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Config holds everything needed to create an ItemStorage.
type Config struct {
	// Storage is the persisted configuration (required).
	Storage configuration.Storage

	// Credentials resolves Storage.CredentialsID (required).
	Credentials credentials.Store

	// Dispatcher executes transfer units on the worker owning a file.
	// Defaults to in-process execution on the controller.
	Dispatcher worker.Dispatcher

	// Proxy is looked up once per transfer and shipped with the unit.
	Proxy func() *transfer.ProxyConfig

	// SASExpiry is the validity window of each SAS token, defaults to one hour.
	SASExpiry time.Duration

	// MaxRetries applies to the controller's metadata requests, negative disables retries.
	MaxRetries int32
}

// ItemStorage hands out object paths for jobs. Each call resolves the
// credentials again, so rotated keys take effect without a restart.
type ItemStorage struct {
	cfg Config
}

// NewItemStorage validates the configuration. Credentials are resolved
// lazily by ObjectPath.
func NewItemStorage(cfg Config) (*ItemStorage, error) {
	if err := cfg.Storage.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	if cfg.Credentials == nil {
		return nil, fmt.Errorf("%w: a credentials store is required", ErrInvalidConfiguration)
	}

	return &ItemStorage{cfg: cfg}, nil
}

// ContainerName returns the configured container.
func (s *ItemStorage) ContainerName() string {
	return s.cfg.Storage.ContainerName
}

// ObjectPath returns path below the job's own namespace, its full name.
func (s *ItemStorage) ObjectPath(ctx context.Context, item, path string) (*ObjectPath, error) {
	if item == "" {
		return nil, errors.New("item name is required")
	}

	blob, err := s.Client(ctx)
	if err != nil {
		return nil, err
	}

	return NewObjectPath(blob, item, path), nil
}

// ObjectPathForBranch returns path below the namespace of a sibling branch
// job: the item's parent folder joined with branch. A top level item has no
// folder, its branch namespace is the branch alone.
func (s *ItemStorage) ObjectPathForBranch(ctx context.Context, item, path, branch string) (*ObjectPath, error) {
	if item == "" {
		return nil, errors.New("item name is required")
	}
	if branch == "" {
		return nil, errors.New("branch name is required")
	}

	blob, err := s.Client(ctx)
	if err != nil {
		return nil, err
	}

	return NewObjectPath(blob, BranchNamespace(item, branch), path), nil
}

// BranchNamespace returns the namespace ObjectPathForBranch uses.
func BranchNamespace(item, branch string) string {
	parent := path.Dir(strings.TrimSuffix(item, "/"))
	if parent == "." || parent == "/" {
		return branch
	}
	return parent + "/" + branch
}

// Client builds the credentialed storage client.
func (s *ItemStorage) Client(ctx context.Context) (*store.AzureBlob, error) {
	ctx, span := trace.Start(ctx, "ItemStorage.Client",
		attribute.String("credentials_id", s.cfg.Storage.CredentialsID),
		attribute.String("container", s.cfg.Storage.ContainerName),
	)
	defer span.End()

	account, err := s.cfg.Credentials.Lookup(ctx, s.cfg.Storage.CredentialsID)
	if err != nil {
		if errors.Is(err, credentials.ErrNotFound) {
			return nil, trace.NewError(span, "%w: %w", ErrCredentialsNotFound, err)
		}
		return nil, trace.NewError(span, "failed to look up credentials %s: %w", s.cfg.Storage.CredentialsID, err)
	}

	if err := account.Validate(); err != nil {
		return nil, trace.NewError(span, "%w: credentials %s: %w", ErrInvalidConfiguration, s.cfg.Storage.CredentialsID, err)
	}

	blob, err := store.NewAzureBlob(store.AzureConfig{
		AccountName: account.Name,
		AccountKey:  account.Key,
		Endpoint:    account.Endpoint,
		Container:   s.cfg.Storage.ContainerName,
		Dispatcher:  s.cfg.Dispatcher,
		Proxy:       s.cfg.Proxy,
		SASExpiry:   s.cfg.SASExpiry,
		MaxRetries:  s.cfg.MaxRetries,
	})
	if err != nil {
		return nil, trace.NewError(span, "%w: %w", ErrInvalidConfiguration, err)
	}

	log.Debug().
		Str("account", account.Name).
		Str("endpoint", blob.Endpoint()).
		Str("container", blob.Container()).
		Msg("created storage client")

	return blob, nil
}
