package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/jobcacher/azstash/internal/trace"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultUploadTimeout bounds a single upload.
	DefaultUploadTimeout = 30 * time.Second

	// DefaultDownloadTimeout bounds a single download.
	DefaultDownloadTimeout = 10 * time.Minute

	// files above this size are staged as blocks rather than sent as one Put Blob
	singleShotLimit = 256 * 1024 * 1024
)

// Executor runs transfer units against the local filesystem. It holds no
// credentials; every client it builds is authorized only by the unit's SAS.
type Executor struct {
	uploadTimeout   time.Duration
	downloadTimeout time.Duration
	maxRetries      int32
}

type Option func(*Executor)

// WithUploadTimeout overrides DefaultUploadTimeout.
func WithUploadTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.uploadTimeout = d
		}
	}
}

// WithDownloadTimeout overrides DefaultDownloadTimeout.
func WithDownloadTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.downloadTimeout = d
		}
	}
}

// WithMaxRetries sets the per-request retry count of the Azure pipeline.
// Zero keeps the SDK default, a negative value disables retries.
func WithMaxRetries(n int32) Option {
	return func(e *Executor) {
		e.maxRetries = n
	}
}

func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		uploadTimeout:   DefaultUploadTimeout,
		downloadTimeout: DefaultDownloadTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute dispatches on the unit's op.
func (e *Executor) Execute(ctx context.Context, u Unit, localPath string) (*Info, error) {
	switch u.Op {
	case OpUpload:
		return e.Upload(ctx, u, localPath)
	case OpDownload:
		return e.Download(ctx, u, localPath)
	default:
		return nil, fmt.Errorf("%w: unknown op %q", ErrInvalidUnit, u.Op)
	}
}

// Upload sends localPath to the blob named by the unit's signed URL.
func (e *Executor) Upload(ctx context.Context, u Unit, localPath string) (*Info, error) {
	ctx, span := trace.Start(ctx, "Executor.Upload", attribute.String("path", localPath))
	defer span.End()

	start := time.Now()

	if u.Op != OpUpload {
		return nil, trace.NewError(span, "%w: expected %s unit, got %q", ErrInvalidUnit, OpUpload, u.Op)
	}

	client, err := e.newBlobClient(u)
	if err != nil {
		return nil, trace.NewError(span, "failed to create blob client: %w", err)
	}

	file, err := os.Open(localPath)
	if err != nil {
		return nil, trace.NewError(span, "failed to open file %s: %w", localPath, err)
	}
	defer func() {
		_ = file.Close()
	}()

	fileInfo, err := file.Stat()
	if err != nil {
		return nil, trace.NewError(span, "failed to stat file %s: %w", localPath, err)
	}

	var headers *blob.HTTPHeaders
	contentType, ok := ContentType(localPath)
	if ok {
		headers = &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)}
	}

	log.Debug().
		Str("unit", u.String()).
		Str("path", localPath).
		Int64("size", fileInfo.Size()).
		Str("content_type", contentType).
		Dur("timeout", e.uploadTimeout).
		Msg("uploading blob")

	tctx, cancel := context.WithTimeout(ctx, e.uploadTimeout)
	defer cancel()

	var requestID string
	if fileInfo.Size() <= singleShotLimit {
		resp, err := client.Upload(tctx, file, &blockblob.UploadOptions{HTTPHeaders: headers})
		if err != nil {
			return nil, trace.NewError(span, "%w", classify(tctx, OpUpload, err))
		}
		requestID = deref(resp.RequestID)
	} else {
		resp, err := client.UploadFile(tctx, file, &blockblob.UploadFileOptions{HTTPHeaders: headers})
		if err != nil {
			return nil, trace.NewError(span, "%w", classify(tctx, OpUpload, err))
		}
		requestID = deref(resp.RequestID)
	}

	info := NewInfo(fileInfo.Size(), time.Since(start), requestID)
	info.ContentType = contentType

	span.SetAttributes(
		attribute.Int64("bytes_transferred", info.BytesTransferred),
		attribute.String("transfer_speed", fmt.Sprintf("%.2fMB/s", info.TransferSpeed)),
		attribute.String("request_id", requestID),
	)

	return info, nil
}

// Download streams the blob named by the unit's signed URL into localPath,
// truncating any existing file.
func (e *Executor) Download(ctx context.Context, u Unit, localPath string) (*Info, error) {
	ctx, span := trace.Start(ctx, "Executor.Download", attribute.String("path", localPath))
	defer span.End()

	start := time.Now()

	if u.Op != OpDownload {
		return nil, trace.NewError(span, "%w: expected %s unit, got %q", ErrInvalidUnit, OpDownload, u.Op)
	}

	client, err := e.newBlobClient(u)
	if err != nil {
		return nil, trace.NewError(span, "failed to create blob client: %w", err)
	}

	log.Debug().
		Str("unit", u.String()).
		Str("path", localPath).
		Dur("timeout", e.downloadTimeout).
		Msg("downloading blob")

	tctx, cancel := context.WithTimeout(ctx, e.downloadTimeout)
	defer cancel()

	resp, err := client.DownloadStream(tctx, nil)
	if err != nil {
		return nil, trace.NewError(span, "%w", classify(tctx, OpDownload, err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	destFile, err := os.Create(localPath)
	if err != nil {
		return nil, trace.NewError(span, "failed to create destination file %s: %w", localPath, err)
	}
	defer func() {
		_ = destFile.Close()
	}()

	bytesWritten, err := io.Copy(destFile, resp.Body)
	if err != nil {
		return nil, trace.NewError(span, "%w", classify(tctx, OpDownload, err))
	}

	if err := destFile.Close(); err != nil {
		return nil, trace.NewError(span, "failed to close destination file %s: %w", localPath, err)
	}

	requestID := deref(resp.RequestID)
	info := NewInfo(bytesWritten, time.Since(start), requestID)
	info.ContentType = deref(resp.ContentType)

	span.SetAttributes(
		attribute.Int64("bytes_transferred", bytesWritten),
		attribute.String("transfer_speed", fmt.Sprintf("%.2fMB/s", info.TransferSpeed)),
		attribute.String("request_id", requestID),
	)

	return info, nil
}

// newBlobClient builds a throwaway client authorized solely by the SAS in the unit's URL.
func (e *Executor) newBlobClient(u Unit) (*blockblob.Client, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}

	opts := &blockblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: newTransport(u.Proxy),
			Retry:     policy.RetryOptions{MaxRetries: e.maxRetries},
		},
	}

	client, err := blockblob.NewClientWithNoCredential(u.SignedURL, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidUnit, err)
	}

	return client, nil
}

// classify maps an SDK or I/O error onto the package's sentinel errors.
func classify(ctx context.Context, op Op, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, op, err)
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return fmt.Errorf("%w: %s failed with status %d (%s): %w", ErrRejected, op, respErr.StatusCode, respErr.ErrorCode, err)
	}

	return fmt.Errorf("%s failed: %w", op, err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
