package subpackage

import (
	"context"
	"strings"

	"github.com/tinygame/tinyfs/internal/vfs"
	"github.com/tinygame/tinyfs/internal/vpath"
)

// Options configures an FS.
type Options struct {
	// Root is prepended to relative paths.
	Root string

	// Packages routes reads to bundles. The first descriptor whose Root
	// contains the path wins.
	Packages []Descriptor

	// Assets lists files known to ship with the game. Exists answers true
	// for them without touching the underlying file system.
	Assets []string

	// OnProgress, if set, observes the fetch progress of bundles that
	// reads are waiting for.
	OnProgress func(name string, current, total int64)
}

// FS is a read-only file system whose reads under a bundle root wait for
// the bundle to be fetched first.
type FS struct {
	raw      vfs.ReadonlyFileSystem
	registry *Registry
	opts     Options
	assets   map[string]struct{}
}

var _ vfs.ReadonlyFileSystem = (*FS)(nil)

// NewFS wraps raw. registry is shared by every FS in the process.
func NewFS(raw vfs.ReadonlyFileSystem, registry *Registry, opts Options) *FS {
	f := &FS{
		raw:      raw,
		registry: registry,
		opts:     opts,
		assets:   make(map[string]struct{}, len(opts.Assets)),
	}
	for _, p := range opts.Assets {
		f.assets[f.resolve(p)] = struct{}{}
	}
	return f
}

// resolve anchors relative paths at Root.
func (f *FS) resolve(p string) string {
	if strings.HasPrefix(p, "/") || vpath.Scheme(p) != "" {
		return vpath.Normalize(p)
	}
	return vpath.Normalize(vpath.Join(f.opts.Root, p))
}

// Match returns the bundle whose root contains p.
func (f *FS) Match(p string) (Descriptor, bool) {
	p = f.resolve(p)
	rel := p
	if root := strings.TrimSuffix(f.opts.Root, "/"); root != "" {
		// Bundle roots are relative to Root; nothing outside it is routed.
		if !vpath.Within(p, root) {
			return Descriptor{}, false
		}
		rel = p[len(root):]
	}
	rel = strings.TrimLeft(rel, "/")
	for _, d := range f.opts.Packages {
		if vpath.Within(rel, strings.Trim(d.Root, "/")) {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Ensure loads the bundle that p belongs to, if any.
func (f *FS) Ensure(ctx context.Context, p string) error {
	d, ok := f.Match(p)
	if !ok {
		return nil
	}
	var progress ProgressFunc
	if f.opts.OnProgress != nil {
		progress = func(current, total int64) { f.opts.OnProgress(d.Name, current, total) }
	}
	return f.registry.Ensure(ctx, d, progress)
}

func (f *FS) Exists(ctx context.Context, p string) (bool, error) {
	p = f.resolve(p)
	if _, ok := f.assets[p]; ok {
		return true, nil
	}
	return f.raw.Exists(ctx, p)
}

func (f *FS) Stat(ctx context.Context, p string) (vfs.Stat, error) {
	return f.raw.Stat(ctx, f.resolve(p))
}

func (f *FS) Readdir(ctx context.Context, dir string) ([]string, error) {
	return f.raw.Readdir(ctx, f.resolve(dir))
}

// ReadFile waits for p's bundle, then reads p.
func (f *FS) ReadFile(ctx context.Context, p string, enc vfs.Encoding) ([]byte, error) {
	p = f.resolve(p)
	if err := f.Ensure(ctx, p); err != nil {
		return nil, err
	}
	return f.raw.ReadFile(ctx, p, enc)
}
