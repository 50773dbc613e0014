package azstash

import (
	"context"

	"github.com/jobcacher/azstash/internal/trace"
	"github.com/jobcacher/azstash/store"
	"github.com/jobcacher/azstash/transfer"
	"github.com/jobcacher/azstash/worker"
	"go.opentelemetry.io/otel/attribute"
)

// ObjectStorage is a location in a storage backend that files can be copied
// to and from. Azure is one implementation, any store.Blob is another.
type ObjectStorage interface {
	// Child returns the location path + "/" + segment.
	Child(segment string) ObjectStorage
	// Name returns the fully qualified object name.
	Name() string
	// Exists reports whether the object exists.
	Exists(ctx context.Context) (bool, error)
	// CopyFrom uploads src, executing on the worker owning src.
	CopyFrom(ctx context.Context, src worker.FilePath) (*transfer.Info, error)
	// CopyTo downloads into dest, executing on the worker owning dest.
	CopyTo(ctx context.Context, dest worker.FilePath) (*transfer.Info, error)
	// DeleteRecursive deletes the object.
	DeleteRecursive(ctx context.Context) error
}

// ObjectPath addresses the blob namespace + "/" + path. It is an immutable
// value: Child returns a new path and nothing is materialized until an
// operation runs. No normalization is applied, paths are trusted.
type ObjectPath struct {
	blob      store.Blob
	namespace string
	path      string
}

var _ ObjectStorage = (*ObjectPath)(nil)

// NewObjectPath returns the path within namespace on blob.
func NewObjectPath(blob store.Blob, namespace, path string) *ObjectPath {
	return &ObjectPath{blob: blob, namespace: namespace, path: path}
}

// Namespace returns the root of the path, usually a job's full name.
func (p *ObjectPath) Namespace() string {
	return p.namespace
}

// Path returns the path relative to the namespace.
func (p *ObjectPath) Path() string {
	return p.path
}

func (p *ObjectPath) Name() string {
	return p.namespace + "/" + p.path
}

func (p *ObjectPath) Child(segment string) ObjectStorage {
	return &ObjectPath{blob: p.blob, namespace: p.namespace, path: p.path + "/" + segment}
}

// Exists runs on the controller, it is metadata only.
func (p *ObjectPath) Exists(ctx context.Context) (bool, error) {
	ctx, span := trace.Start(ctx, "ObjectPath.Exists", attribute.String("blob_name", p.Name()))
	defer span.End()

	ok, err := p.blob.Exists(ctx, p.Name())
	if err != nil {
		return false, trace.NewError(span, "failed to check %s: %w", p.Name(), err)
	}

	return ok, nil
}

func (p *ObjectPath) CopyFrom(ctx context.Context, src worker.FilePath) (*transfer.Info, error) {
	ctx, span := trace.Start(ctx, "ObjectPath.CopyFrom", attribute.String("blob_name", p.Name()))
	defer span.End()

	info, err := p.blob.Upload(ctx, src, p.Name())
	if err != nil {
		return nil, trace.NewError(span, "%w", err)
	}

	return info, nil
}

func (p *ObjectPath) CopyTo(ctx context.Context, dest worker.FilePath) (*transfer.Info, error) {
	ctx, span := trace.Start(ctx, "ObjectPath.CopyTo", attribute.String("blob_name", p.Name()))
	defer span.End()

	info, err := p.blob.Download(ctx, p.Name(), dest)
	if err != nil {
		return nil, trace.NewError(span, "%w", err)
	}

	return info, nil
}

// DeleteRecursive deletes the single blob at this path. Blobs below it, such
// as those of Child paths, are left alone.
func (p *ObjectPath) DeleteRecursive(ctx context.Context) error {
	ctx, span := trace.Start(ctx, "ObjectPath.DeleteRecursive", attribute.String("blob_name", p.Name()))
	defer span.End()

	if err := p.blob.Delete(ctx, p.Name()); err != nil {
		return trace.NewError(span, "%w", err)
	}

	return nil
}
