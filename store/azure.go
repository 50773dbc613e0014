package store

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/jobcacher/azstash/internal/signer"
	"github.com/jobcacher/azstash/internal/trace"
	"github.com/jobcacher/azstash/transfer"
	"github.com/jobcacher/azstash/worker"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// AzureConfig configures an AzureBlob.
type AzureConfig struct {
	AccountName string
	AccountKey  string
	// Endpoint is the blob service URL, defaults to https://<account>.blob.core.windows.net
	Endpoint  string
	Container string

	// Dispatcher delivers units to the worker owning each file, defaults to in-process execution.
	Dispatcher worker.Dispatcher
	// Proxy is consulted once per transfer, nil means no proxy.
	Proxy func() *transfer.ProxyConfig
	// SASExpiry overrides signer.DefaultExpiry.
	SASExpiry time.Duration
	// MaxRetries is passed to the Azure pipeline of the credentialed client, negative disables retries.
	MaxRetries int32
	// Clock is used when signing, defaults to time.Now.
	Clock func() time.Time
}

// AzureBlob implements the Blob interface on an Azure storage container.
//
// It is the only holder of the account key. Uploads and downloads never pass
// through it: each is turned into a transfer.Unit carrying a single-blob,
// single-permission SAS URL and executed on the worker that owns the file.
type AzureBlob struct {
	container     *container.Client
	containerName string
	endpoint      string
	signer        *signer.Generator
	dispatcher    worker.Dispatcher
	proxy         func() *transfer.ProxyConfig
}

// Ensure AzureBlob implements the Blob interface
var _ Blob = (*AzureBlob)(nil)

// DefaultEndpoint returns the public cloud blob endpoint of an account.
func DefaultEndpoint(accountName string) string {
	return fmt.Sprintf("https://%s.blob.core.windows.net", accountName)
}

func NewAzureBlob(cfg AzureConfig) (*AzureBlob, error) {
	if cfg.AccountName == "" {
		return nil, errors.New("account name is required")
	}
	if cfg.Container == "" {
		return nil, errors.New("container name is required")
	}

	endpoint := strings.TrimSuffix(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint(cfg.AccountName)
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint %s: %w", endpoint, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}

	cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared key credential: %w", err)
	}

	opts := []signer.Option{signer.WithExpiry(cfg.SASExpiry), signer.WithClock(cfg.Clock)}
	if u.Scheme == "http" {
		opts = append(opts, signer.WithInsecureHTTP())
	}

	gen, err := signer.New(cred, opts...)
	if err != nil {
		return nil, err
	}

	client, err := container.NewClientWithSharedKeyCredential(endpoint+"/"+cfg.Container, cred, &container.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{MaxRetries: cfg.MaxRetries},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create container client: %w", err)
	}

	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = worker.NewLocalDispatcher(nil)
	}

	proxy := cfg.Proxy
	if proxy == nil {
		proxy = func() *transfer.ProxyConfig { return nil }
	}

	return &AzureBlob{
		container:     client,
		containerName: cfg.Container,
		endpoint:      endpoint,
		signer:        gen,
		dispatcher:    dispatcher,
		proxy:         proxy,
	}, nil
}

// Container returns the container name.
func (b *AzureBlob) Container() string {
	return b.containerName
}

// Endpoint returns the blob service URL.
func (b *AzureBlob) Endpoint() string {
	return b.endpoint
}

// Exists reports whether the blob exists.
func (b *AzureBlob) Exists(ctx context.Context, key string) (bool, error) {
	ctx, span := trace.Start(ctx, "AzureBlob.Exists", attribute.String("blob_key", key))
	defer span.End()

	_, err := b.container.NewBlobClient(key).GetProperties(ctx, nil)
	if err == nil {
		return true, nil
	}

	if isNotFound(err) {
		return false, nil
	}

	return false, trace.NewError(span, "failed to get properties of %s: %w", key, err)
}

// Delete removes the blob. A missing blob is reported as the service's error.
func (b *AzureBlob) Delete(ctx context.Context, key string) error {
	ctx, span := trace.Start(ctx, "AzureBlob.Delete", attribute.String("blob_key", key))
	defer span.End()

	if _, err := b.container.NewBlobClient(key).Delete(ctx, nil); err != nil {
		return trace.NewError(span, "failed to delete %s: %w", key, err)
	}

	log.Debug().Str("container", b.containerName).Str("key", key).Msg("deleted blob")

	return nil
}

// Upload sends the file at src to the blob, executing on src's worker.
func (b *AzureBlob) Upload(ctx context.Context, src worker.FilePath, key string) (*TransferInfo, error) {
	ctx, span := trace.Start(ctx, "AzureBlob.Upload", attribute.String("blob_key", key), attribute.String("path", src.String()))
	defer span.End()

	unit, err := b.unit(transfer.OpUpload, key, signer.Write)
	if err != nil {
		return nil, trace.NewError(span, "%w", err)
	}

	info, err := b.dispatcher.Dispatch(ctx, src, unit)
	if err != nil {
		return nil, trace.NewError(span, "failed to upload %s to %s: %w", src, key, err)
	}

	return info, nil
}

// Download fetches the blob into dest, executing on dest's worker.
func (b *AzureBlob) Download(ctx context.Context, key string, dest worker.FilePath) (*TransferInfo, error) {
	ctx, span := trace.Start(ctx, "AzureBlob.Download", attribute.String("blob_key", key), attribute.String("path", dest.String()))
	defer span.End()

	unit, err := b.unit(transfer.OpDownload, key, signer.Read)
	if err != nil {
		return nil, trace.NewError(span, "%w", err)
	}

	info, err := b.dispatcher.Dispatch(ctx, dest, unit)
	if err != nil {
		return nil, trace.NewError(span, "failed to download %s to %s: %w", key, dest, err)
	}

	return info, nil
}

// SignedURL returns the blob URL with a freshly minted SAS.
func (b *AzureBlob) SignedURL(key string, perm signer.Permission) (string, signer.Token, error) {
	token, err := b.signer.Generate(b.containerName, key, perm)
	if err != nil {
		return "", signer.Token{}, err
	}

	return b.container.NewBlobClient(key).URL() + "?" + token.Query, token, nil
}

func (b *AzureBlob) unit(op transfer.Op, key string, perm signer.Permission) (transfer.Unit, error) {
	signedURL, token, err := b.SignedURL(key, perm)
	if err != nil {
		return transfer.Unit{}, err
	}

	unit := transfer.Unit{
		Op:        op,
		Proxy:     b.proxy(),
		Endpoint:  b.endpoint,
		SignedURL: signedURL,
	}

	log.Debug().
		Str("unit", unit.String()).
		Time("expires_on", token.ExpiresOn).
		Msg("signed transfer unit")

	return unit, nil
}

func isNotFound(err error) bool {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound) {
		return true
	}

	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
