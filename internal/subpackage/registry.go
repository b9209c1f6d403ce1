// Package subpackage makes reads from lazily downloaded asset bundles block
// until the bundle is present, fetching each bundle at most once at a time
// no matter how many readers ask for it.
package subpackage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tinygame/tinyfs/internal/logging"
	"github.com/tinygame/tinyfs/internal/metrics"
)

// Priority says when a bundle is expected to be present.
type Priority string

const (
	// Bootstrap bundles ship with the main package and are never fetched.
	Bootstrap Priority = "bootstrap"
	Required  Priority = "required"
	Optional  Priority = "optional"
)

// Descriptor describes one bundle. Root is the path prefix, relative to
// the file system root, whose reads need the bundle.
type Descriptor struct {
	Name     string   `yaml:"name"`
	Root     string   `yaml:"root"`
	Priority Priority `yaml:"priority,omitempty"`
}

// ProgressFunc receives byte progress of a fetch. total may be 0 when unknown.
type ProgressFunc func(current, total int64)

// Loader fetches a bundle by name. It blocks until the bundle is usable and
// reports progress through progress, which is never nil.
type Loader interface {
	LoadSubpackage(ctx context.Context, name string, progress ProgressFunc) error
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, name string, progress ProgressFunc) error

func (f LoaderFunc) LoadSubpackage(ctx context.Context, name string, progress ProgressFunc) error {
	return f(ctx, name, progress)
}

// ErrNoLoader is returned by Ensure when a bundle is missing and the
// registry has nothing to fetch it with.
var ErrNoLoader = errors.New("no subpackage loader configured")

// LoadError is delivered to every waiter of a failed fetch.
type LoadError struct {
	Name string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load subpackage %s: %v", e.Name, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Registry tracks which bundles are loaded and which are being fetched.
// Construct one per process and share it with every FS, so that file
// systems over different roots still fetch a bundle only once.
type Registry struct {
	loader Loader
	log    *zap.Logger

	mu      sync.Mutex
	loaded  map[string]struct{}
	loading map[string]*task
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry's logger.
func WithLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

// WithPackages marks the Bootstrap bundles among packages as loaded.
func WithPackages(packages []Descriptor) RegistryOption {
	return func(r *Registry) {
		for _, d := range packages {
			if d.Priority == Bootstrap {
				r.loaded[d.Name] = struct{}{}
			}
		}
	}
}

// NewRegistry creates a registry that fetches with loader. A nil loader
// makes every fetch fail with ErrNoLoader.
func NewRegistry(loader Loader, opts ...RegistryOption) *Registry {
	r := &Registry{
		loader:  loader,
		loaded:  make(map[string]struct{}),
		loading: make(map[string]*task),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = logging.Named("subpackage")
	}
	return r
}

// Loaded reports whether the bundle has been fetched.
func (r *Registry) Loaded(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loaded[name]
	return ok
}

// Loading reports whether a fetch of the bundle is in flight.
func (r *Registry) Loading(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loading[name]
	return ok
}

// MarkLoaded records a bundle as present without fetching it.
func (r *Registry) MarkLoaded(name string) {
	r.mu.Lock()
	r.loaded[name] = struct{}{}
	r.mu.Unlock()
}

// Ensure returns once the bundle is loaded, starting a fetch if none is in
// flight and otherwise waiting for the running one. A failed fetch is
// reported to every waiter and forgotten, so the next call retries.
//
// The fetch does not belong to any one caller: cancelling ctx abandons this
// caller's wait but leaves the fetch running for the others.
func (r *Registry) Ensure(ctx context.Context, d Descriptor, progress ProgressFunc) error {
	r.mu.Lock()
	if _, ok := r.loaded[d.Name]; ok {
		r.mu.Unlock()
		return nil
	}
	t, running := r.loading[d.Name]
	if !running {
		if r.loader == nil {
			r.mu.Unlock()
			return &LoadError{Name: d.Name, Err: ErrNoLoader}
		}
		t = newTask()
		r.loading[d.Name] = t
		go r.fetch(context.WithoutCancel(ctx), d, t)
	} else {
		metrics.RecordSubpackageWait()
	}
	id, cur, total := t.watch(progress)
	r.mu.Unlock()
	defer t.unwatch(id)

	if progress != nil && (cur > 0 || total > 0) {
		progress(cur, total)
	}

	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) fetch(ctx context.Context, d Descriptor, t *task) {
	start := time.Now()
	r.log.Info("loading subpackage", zap.String("name", d.Name), zap.String("root", d.Root))

	err := r.call(ctx, d.Name, t.report)

	r.mu.Lock()
	delete(r.loading, d.Name)
	if err == nil {
		r.loaded[d.Name] = struct{}{}
	}
	r.mu.Unlock()

	elapsed := time.Since(start)
	metrics.RecordSubpackageLoad(elapsed, err == nil)
	if err != nil {
		t.err = &LoadError{Name: d.Name, Err: err}
		r.log.Warn("subpackage load failed", zap.String("name", d.Name), zap.Error(err))
	} else {
		r.log.Info("subpackage loaded", zap.String("name", d.Name), zap.Duration("took", elapsed))
	}
	close(t.done)
}

// call runs the loader, turning a panic into an error so waiters are
// always released.
func (r *Registry) call(ctx context.Context, name string, progress ProgressFunc) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("loader panic: %v", v)
		}
	}()
	return r.loader.LoadSubpackage(ctx, name, progress)
}

// task is one in-flight fetch. err is written before done is closed.
type task struct {
	done chan struct{}
	err  error

	mu       sync.Mutex
	watchers map[int]ProgressFunc
	waiters  int
	nextID   int
	current  int64
	total    int64
}

func newTask() *task {
	return &task{
		done:     make(chan struct{}),
		watchers: make(map[int]ProgressFunc),
	}
}

// watch attaches fn and returns the progress seen so far.
func (t *task) watch(fn ProgressFunc) (id int, current, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	t.waiters++
	if fn != nil {
		t.watchers[t.nextID] = fn
	}
	return t.nextID, t.current, t.total
}

func (t *task) unwatch(id int) {
	t.mu.Lock()
	delete(t.watchers, id)
	t.waiters--
	t.mu.Unlock()
}

// report fans progress out to every attached waiter.
func (t *task) report(current, total int64) {
	t.mu.Lock()
	t.current, t.total = current, total
	fns := make([]ProgressFunc, 0, len(t.watchers))
	for _, fn := range t.watchers {
		fns = append(fns, fn)
	}
	t.mu.Unlock()

	for _, fn := range fns {
		fn(current, total)
	}
}
