// Package worker delivers transfer units to the machine that owns a file.
//
// The controller never moves file bytes itself: a Dispatcher hands the unit to
// the worker named by a FilePath, which runs it with a transfer.Executor and
// reports the outcome. Dispatchers preserve the unit exactly and propagate
// the executor's errors, including their sentinel identity.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/jobcacher/azstash/transfer"
)

// ErrUnknownWorker is returned when no dispatcher is registered for a worker name.
var ErrUnknownWorker = errors.New("unknown worker")

// FilePath is a path on a specific worker's filesystem.
type FilePath struct {
	// Worker names the owning worker, empty for the controller itself.
	Worker string `json:"worker,omitempty"`
	Path   string `json:"path"`
}

// LocalPath returns a FilePath on the controller's own filesystem.
func LocalPath(path string) FilePath {
	return FilePath{Path: path}
}

// OnWorker returns a FilePath on the named worker.
func OnWorker(worker, path string) FilePath {
	return FilePath{Worker: worker, Path: path}
}

func (p FilePath) IsLocal() bool {
	return p.Worker == ""
}

func (p FilePath) String() string {
	if p.IsLocal() {
		return p.Path
	}
	return p.Worker + ":" + p.Path
}

// FileStat is what a worker reports about a local file.
type FileStat struct {
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
	Size   int64  `json:"size"`
}

// Dispatcher executes a unit on the worker owning target.
type Dispatcher interface {
	Dispatch(ctx context.Context, target FilePath, unit transfer.Unit) (*transfer.Info, error)
}

// HealthChecker is implemented by dispatchers for remote agents.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Stater is implemented by dispatchers that can report on files they own.
type Stater interface {
	Stat(ctx context.Context, target FilePath) (FileStat, error)
}

// LocalDispatcher runs units in-process against the controller's filesystem.
type LocalDispatcher struct {
	Executor *transfer.Executor
}

func NewLocalDispatcher(executor *transfer.Executor) *LocalDispatcher {
	if executor == nil {
		executor = transfer.NewExecutor()
	}
	return &LocalDispatcher{Executor: executor}
}

func (d *LocalDispatcher) Dispatch(ctx context.Context, target FilePath, unit transfer.Unit) (*transfer.Info, error) {
	return d.Executor.Execute(ctx, unit, target.Path)
}

func (d *LocalDispatcher) Stat(_ context.Context, target FilePath) (FileStat, error) {
	return statFile(target.Path)
}

func statFile(path string) (FileStat, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return FileStat{Path: path}, nil
	}
	if err != nil {
		return FileStat{}, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if fi.IsDir() {
		return FileStat{}, fmt.Errorf("%s is a directory", path)
	}
	return FileStat{Path: path, Exists: true, Size: fi.Size()}, nil
}

// Router sends each unit to the dispatcher registered for the target's worker.
// Local targets go to the local dispatcher.
type Router struct {
	local Dispatcher

	mu      sync.RWMutex
	workers map[string]Dispatcher
}

func NewRouter(local Dispatcher) *Router {
	return &Router{
		local:   local,
		workers: make(map[string]Dispatcher),
	}
}

// Register adds or replaces the dispatcher for a worker name.
func (r *Router) Register(name string, d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[name] = d
}

// Workers returns the registered worker names, sorted.
func (r *Router) Workers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.workers))
	for name := range r.workers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Unhealthy runs the health check of every registered worker that has one
// and returns the failures by worker name.
func (r *Router) Unhealthy(ctx context.Context) map[string]error {
	failed := make(map[string]error)

	for _, name := range r.Workers() {
		r.mu.RLock()
		d := r.workers[name]
		r.mu.RUnlock()

		hc, ok := d.(HealthChecker)
		if !ok {
			continue
		}
		if err := hc.Healthy(ctx); err != nil {
			failed[name] = err
		}
	}

	return failed
}

func (r *Router) lookup(target FilePath) (Dispatcher, error) {
	if target.IsLocal() {
		if r.local == nil {
			return nil, fmt.Errorf("%w: no local dispatcher configured", ErrUnknownWorker)
		}
		return r.local, nil
	}

	r.mu.RLock()
	d, ok := r.workers[target.Worker]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorker, target.Worker)
	}

	return d, nil
}

func (r *Router) Dispatch(ctx context.Context, target FilePath, unit transfer.Unit) (*transfer.Info, error) {
	d, err := r.lookup(target)
	if err != nil {
		return nil, err
	}
	return d.Dispatch(ctx, target, unit)
}

func (r *Router) Stat(ctx context.Context, target FilePath) (FileStat, error) {
	d, err := r.lookup(target)
	if err != nil {
		return FileStat{}, err
	}

	s, ok := d.(Stater)
	if !ok {
		return FileStat{}, fmt.Errorf("worker %q cannot stat files", target.Worker)
	}
	return s.Stat(ctx, target)
}
