// Package cache provides a size-limited file system: a vfs.FileSystem
// decorator that tracks the size and last access of every file under a
// root, evicts the least recently used files when a write needs room, and
// persists its manifest next to the data.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/tinygame/tinyfs/internal/clock"
	"github.com/tinygame/tinyfs/internal/deferred"
	"github.com/tinygame/tinyfs/internal/logging"
	"github.com/tinygame/tinyfs/internal/metrics"
	"github.com/tinygame/tinyfs/internal/vfs"
	"github.com/tinygame/tinyfs/internal/vpath"
)

// FS is a size-limited file system. It is safe for concurrent use.
type FS struct {
	raw    vfs.FileSystem
	opts   Options
	log    *zap.Logger
	clock  clock.Clock
	retain map[string]struct{}

	flusher *deferred.Debouncer
	group   singleflight.Group
	ready   atomic.Bool

	// writeMu serializes tracked writes and wipes, so no writer sees
	// another's reservation before its content lands.
	writeMu sync.Mutex
	// persistMu keeps manifest snapshots landing on disk in order.
	persistMu sync.Mutex

	mu       sync.Mutex
	manifest Manifest
}

var _ vfs.FileSystem = (*FS)(nil)

// New wraps raw. Nothing is read until the first operation (or Init).
func New(raw vfs.FileSystem, opts Options) (*FS, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.Root = vpath.Normalize(opts.Root)
	opts.MetaFile = vpath.Normalize(opts.MetaFile)
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Named("fs.sizelimited")
	}

	retain := map[string]struct{}{
		ReservedID:    {},
		opts.MetaFile: {},
	}
	for _, p := range opts.RetainFiles {
		retain[vpath.Normalize(p)] = struct{}{}
	}

	c := &FS{
		raw:      raw,
		opts:     opts,
		log:      opts.Logger,
		clock:    opts.Clock,
		retain:   retain,
		flusher:  deferred.New(opts.Clock, opts.FlushDelay, opts.FlushCeiling),
		manifest: make(Manifest),
	}
	c.debug("file system budget",
		zap.String("root", opts.Root),
		zap.String("max", humanize.Bytes(uint64(opts.MaxSize))),
		zap.String("reserved", humanize.Bytes(uint64(opts.headroom()))))
	return c, nil
}

func (c *FS) debug(msg string, fields ...zap.Field) {
	if c.opts.Verbose {
		c.log.Info(msg, fields...)
		return
	}
	c.log.Debug(msg, fields...)
}

// tracked reports whether p is charged against the budget. The manifest
// file is accounted by its synthetic entry instead.
func (c *FS) tracked(p string) bool {
	return p != c.opts.Root && p != c.opts.MetaFile && vpath.Within(p, c.opts.Root)
}

func (c *FS) retained(p string) bool {
	_, ok := c.retain[p]
	return ok
}

func (c *FS) now() int64 {
	return c.clock.Now().UnixMilli()
}

// mutate applies fn to the manifest and schedules a persist.
func (c *FS) mutate(fn func(m Manifest)) {
	c.mu.Lock()
	fn(c.manifest)
	if meta, ok := c.manifest[c.opts.MetaFile]; ok {
		meta.AccessTime = c.now()
		c.manifest[c.opts.MetaFile] = meta
	}
	used := c.manifest.used()
	c.mu.Unlock()

	metrics.SetCacheUsage(c.opts.Root, used, c.opts.MaxSize)
	c.flusher.Schedule(c.persistLater)
}

func (c *FS) persistLater() {
	if err := c.persist(context.Background()); err != nil {
		c.log.Warn("persist manifest failed", zap.String("file", c.opts.MetaFile), zap.Error(err))
	}
}

// persist writes the current manifest to MetaFile.
func (c *FS) persist(ctx context.Context) error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	data, err := c.manifest.encode()
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}

	err = c.raw.WriteFile(ctx, c.opts.MetaFile, data, vfs.UTF8)
	metrics.RecordManifestFlush(err == nil)
	return err
}

// Flush writes the manifest now, cancelling any pending deferred write.
func (c *FS) Flush(ctx context.Context) error {
	if !c.ready.Load() {
		return nil
	}
	c.flusher.Stop()
	return c.persist(ctx)
}

// Close flushes the manifest. The FS must not be used afterwards.
func (c *FS) Close() error {
	return c.Flush(context.Background())
}

// UsedSize returns the bytes accounted in the manifest, synthetic entries
// included.
func (c *FS) UsedSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manifest.used()
}

// AvailableSize returns MaxSize minus UsedSize.
func (c *FS) AvailableSize() int64 {
	return c.opts.MaxSize - c.UsedSize()
}

// Manifest returns a copy of the manifest.
func (c *FS) Manifest() Manifest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manifest.clone()
}

// Options returns the effective options.
func (c *FS) Options() Options {
	return c.opts
}

// Exists reports whether p exists on the raw file system.
func (c *FS) Exists(ctx context.Context, p string) (bool, error) {
	return c.raw.Exists(ctx, p)
}

// Stat describes p.
func (c *FS) Stat(ctx context.Context, p string) (vfs.Stat, error) {
	return c.raw.Stat(ctx, p)
}

// Readdir lists the entries of dir.
func (c *FS) Readdir(ctx context.Context, dir string) ([]string, error) {
	return c.raw.Readdir(ctx, dir)
}

// Mkdir creates dir. Directories cost nothing against the budget.
func (c *FS) Mkdir(ctx context.Context, dir string, recursive bool) error {
	return c.raw.Mkdir(ctx, dir, recursive)
}

// ReadFile reads p and refreshes its access time, so reads protect content
// from eviction the same way writes do.
func (c *FS) ReadFile(ctx context.Context, p string, enc vfs.Encoding) ([]byte, error) {
	if err := c.Init(ctx); err != nil {
		return nil, err
	}
	p = vpath.Normalize(p)
	data, err := c.raw.ReadFile(ctx, p, enc)
	if err != nil {
		return nil, err
	}
	if c.tracked(p) {
		size := int64(len(data))
		c.mutate(func(m Manifest) {
			m[p] = FileMeta{AccessTime: c.now(), Size: size}
		})
	}
	return data, nil
}

// WriteFile stores data at p, evicting least recently used files under
// Root when the budget requires it. A write that cannot fit even after
// evicting everything evictable fails with a *SpaceError before anything
// is removed.
func (c *FS) WriteFile(ctx context.Context, p string, data []byte, enc vfs.Encoding) error {
	if err := c.Init(ctx); err != nil {
		return err
	}
	p = vpath.Normalize(p)
	if !c.tracked(p) {
		return c.raw.WriteFile(ctx, p, data, enc)
	}

	size := int64(len(data))
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	prev, hadPrev, err := c.reserve(ctx, p, size)
	if err != nil {
		return err
	}

	if err := c.raw.WriteFile(ctx, p, data, enc); err != nil {
		c.mutate(func(m Manifest) {
			if hadPrev {
				m[p] = prev
			} else {
				delete(m, p)
			}
		})
		return err
	}
	return nil
}

// reserve makes room for size bytes at p and records the new entry.
// Must be called with writeMu held.
func (c *FS) reserve(ctx context.Context, p string, size int64) (FileMeta, bool, error) {
	c.mu.Lock()
	prev, hadPrev := c.manifest[p]
	if size > c.opts.usable() {
		c.mu.Unlock()
		metrics.RecordRejectedWrite(c.opts.Root)
		return prev, hadPrev, &SpaceError{Path: p, Requested: size, Available: c.opts.usable()}
	}

	delta := max(size-prev.Size, 0)
	headroom := c.opts.MaxSize - c.manifest.used()
	var victims []candidate
	if headroom < delta {
		var freed int64
		order := c.manifest.evictionOrder(func(q string) bool {
			return q == p || c.retained(q)
		})
		for _, f := range order {
			if headroom+freed >= delta {
				break
			}
			victims = append(victims, f)
			freed += f.Size
		}
		if headroom+freed < delta {
			c.mu.Unlock()
			metrics.RecordRejectedWrite(c.opts.Root)
			return prev, hadPrev, &SpaceError{Path: p, Requested: size, Available: headroom + freed + prev.Size}
		}
	}
	c.mu.Unlock()

	if len(victims) > 0 {
		var freed int64
		names := make([]string, len(victims))
		for i, v := range victims {
			names[i] = v.path
			freed += v.Size
		}
		c.debug("evicting to make room",
			zap.String("path", p),
			zap.String("need", humanize.Bytes(uint64(delta))),
			zap.String("freed", humanize.Bytes(uint64(freed))),
			zap.Strings("victims", names))
	}
	for _, v := range victims {
		if err := c.unlinkTracked(ctx, v.path); err != nil {
			return prev, hadPrev, err
		}
		metrics.RecordEviction(c.opts.Root, v.Size)
	}

	c.mutate(func(m Manifest) {
		m[p] = FileMeta{AccessTime: c.now(), Size: size}
	})
	return prev, hadPrev, nil
}

// Unlink removes p and its manifest entry. A file that is already gone is
// not an error, so stale manifest entries can always be dropped.
func (c *FS) Unlink(ctx context.Context, p string) error {
	if err := c.Init(ctx); err != nil {
		return err
	}
	return c.unlinkTracked(ctx, vpath.Normalize(p))
}

func (c *FS) unlinkTracked(ctx context.Context, p string) error {
	if c.tracked(p) {
		c.mutate(func(m Manifest) { delete(m, p) })
	}
	ok, err := c.raw.Exists(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	c.debug("remove file", zap.String("path", p))
	return c.raw.Unlink(ctx, p)
}

// Rename moves oldPath to newPath and carries manifest entries along. A
// directory carries every entry below it. Files that enter Root from
// outside are charged like a write, so the move may evict or fail with a
// *SpaceError.
func (c *FS) Rename(ctx context.Context, oldPath, newPath string) error {
	if err := c.Init(ctx); err != nil {
		return err
	}
	oldPath, newPath = vpath.Normalize(oldPath), vpath.Normalize(newPath)
	oldTracked, newTracked := c.tracked(oldPath), c.tracked(newPath)
	if !oldTracked && !newTracked {
		return c.raw.Rename(ctx, oldPath, newPath)
	}

	st, err := c.raw.Stat(ctx, oldPath)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	switch {
	case st.IsDirectory() && newTracked && !oldTracked:
		return c.moveDirIn(ctx, oldPath, newPath)
	case st.IsDirectory():
		if err := c.raw.Rename(ctx, oldPath, newPath); err != nil {
			return err
		}
		c.rekey(oldPath, newPath, newTracked)
		return nil
	}

	c.mu.Lock()
	meta, known := c.manifest[oldPath]
	c.mu.Unlock()
	if newTracked && !known {
		return c.moveIn(ctx, oldPath, newPath, st.Size)
	}

	if err := c.raw.Rename(ctx, oldPath, newPath); err != nil {
		return err
	}
	c.mutate(func(m Manifest) {
		delete(m, oldPath)
		if newTracked {
			meta.AccessTime = c.now()
			m[newPath] = meta
		}
	})
	return nil
}

// moveIn renames an untracked file into Root, reserving its size first.
// Must be called with writeMu held.
func (c *FS) moveIn(ctx context.Context, oldPath, newPath string, size int64) error {
	prev, hadPrev, err := c.reserve(ctx, newPath, size)
	if err != nil {
		return err
	}
	if err := c.raw.Rename(ctx, oldPath, newPath); err != nil {
		c.mutate(func(m Manifest) {
			if hadPrev {
				m[newPath] = prev
			} else {
				delete(m, newPath)
			}
		})
		return err
	}
	c.mutate(func(m Manifest) { delete(m, oldPath) })
	return nil
}

// moveDirIn moves an untracked directory into Root one file at a time, so
// each file is budgeted like a write. A file that does not fit stops the
// move; files already moved stay tracked at their new paths.
func (c *FS) moveDirIn(ctx context.Context, oldDir, newDir string) error {
	oldDir, newDir = strings.TrimSuffix(oldDir, "/"), strings.TrimSuffix(newDir, "/")
	files, err := vfs.ListFiles(ctx, c.raw, oldDir, true)
	if err != nil {
		return err
	}
	if err := c.raw.Mkdir(ctx, newDir, true); err != nil {
		return err
	}
	for _, from := range files {
		to := newDir + from[len(oldDir):]
		if err := c.raw.Mkdir(ctx, vpath.Dirname(to), true); err != nil {
			return err
		}
		st, err := c.raw.Stat(ctx, from)
		if err != nil {
			return err
		}
		if err := c.moveIn(ctx, from, to, st.Size); err != nil {
			return err
		}
	}
	return c.raw.Rmdir(ctx, oldDir, true)
}

// rekey moves the entries below oldDir to the same relative paths below
// newDir, or drops them when newDir is outside Root.
func (c *FS) rekey(oldDir, newDir string, keep bool) {
	oldDir, newDir = strings.TrimSuffix(oldDir, "/"), strings.TrimSuffix(newDir, "/")
	now := c.now()
	c.mutate(func(m Manifest) {
		moved := make(Manifest)
		for p, meta := range m {
			if p == ReservedID || p == c.opts.MetaFile || !vpath.Within(p, oldDir) {
				continue
			}
			delete(m, p)
			meta.AccessTime = now
			moved[newDir+p[len(oldDir):]] = meta
		}
		if keep {
			for p, meta := range moved {
				m[p] = meta
			}
		}
	})
}

// CopyFile copies src to dst through the budgeted write path.
func (c *FS) CopyFile(ctx context.Context, src, dst string) error {
	if err := c.Init(ctx); err != nil {
		return err
	}
	data, err := c.raw.ReadFile(ctx, src, vfs.Binary)
	if err != nil {
		return err
	}
	return c.WriteFile(ctx, dst, data, vfs.Binary)
}

// Rmdir removes dir and drops the manifest entries of every file under it.
func (c *FS) Rmdir(ctx context.Context, dir string, recursive bool) error {
	if err := c.Init(ctx); err != nil {
		return err
	}
	dir = vpath.Normalize(dir)
	if err := c.raw.Rmdir(ctx, dir, recursive); err != nil {
		return err
	}
	c.mutate(func(m Manifest) {
		for p := range m {
			if p != ReservedID && p != c.opts.MetaFile && vpath.Within(p, dir) {
				delete(m, p)
			}
		}
	})
	return nil
}

// Clear wipes Root, keeping retained files, and resets the manifest.
// Concurrent calls share one wipe.
func (c *FS) Clear(ctx context.Context) error {
	if err := c.Init(ctx); err != nil {
		return err
	}
	_, err, _ := c.group.Do("clear", func() (any, error) {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		metrics.RecordWipe(c.opts.Root, "clear")
		return nil, c.wipe(context.WithoutCancel(ctx))
	})
	return err
}

// Init loads the manifest and checks the version tag. Other methods call
// it implicitly. Concurrent callers share one run; a failed run is retried
// by the next call.
func (c *FS) Init(ctx context.Context) error {
	if c.ready.Load() {
		return nil
	}
	_, err, _ := c.group.Do("init", func() (any, error) {
		if c.ready.Load() {
			return nil, nil
		}
		return nil, c.initialize(context.WithoutCancel(ctx))
	})
	return err
}

func (c *FS) initialize(ctx context.Context) error {
	if dir := vpath.Dirname(c.opts.MetaFile); dir != "" && dir != vpath.Scheme(dir) {
		if err := c.raw.Mkdir(ctx, dir, true); err != nil {
			return fmt.Errorf("create manifest dir: %w", err)
		}
	}

	manifest, err := c.load(ctx)
	if err != nil {
		return err
	}

	stored, ok, err := c.opts.Storage.GetItem(ctx, VersionKey)
	if err != nil {
		return fmt.Errorf("read version tag: %w", err)
	}

	c.mu.Lock()
	c.manifest = manifest
	c.mu.Unlock()

	if !ok || stored != c.opts.Version {
		c.debug("cache version changed, wiping root",
			zap.String("root", c.opts.Root),
			zap.String("from", stored),
			zap.String("to", c.opts.Version))
		metrics.RecordWipe(c.opts.Root, "version")
		c.writeMu.Lock()
		err := c.wipe(ctx)
		c.writeMu.Unlock()
		if err != nil {
			c.log.Warn("cache wipe incomplete", zap.String("root", c.opts.Root), zap.Error(err))
		}
	} else {
		c.reconcile(ctx)
	}

	c.mu.Lock()
	c.initReservedLocked()
	used := c.manifest.used()
	files := len(c.manifest) - 2
	c.mu.Unlock()
	metrics.SetCacheUsage(c.opts.Root, used, c.opts.MaxSize)

	if err := c.opts.Storage.SetItem(ctx, VersionKey, c.opts.Version); err != nil {
		return fmt.Errorf("write version tag: %w", err)
	}
	c.ready.Store(true)
	c.debug("file system ready",
		zap.Int("files", files),
		zap.String("available", humanize.Bytes(uint64(max(c.opts.MaxSize-used, 0)))))
	return nil
}

// load reads the persisted manifest. A missing file yields an empty
// manifest; so does an unparsable one, which is logged.
func (c *FS) load(ctx context.Context) (Manifest, error) {
	st, err := c.raw.Stat(ctx, c.opts.MetaFile)
	if err != nil {
		if errors.Is(err, vfs.ErrNotExist) {
			return make(Manifest), nil
		}
		return nil, err
	}
	if !st.IsFile() {
		return make(Manifest), nil
	}

	data, err := c.raw.ReadFile(ctx, c.opts.MetaFile, vfs.UTF8)
	if err != nil {
		return nil, err
	}
	m, err := decodeManifest(data)
	if err != nil {
		c.log.Warn("manifest unreadable, starting empty", zap.String("file", c.opts.MetaFile), zap.Error(err))
		return make(Manifest), nil
	}
	return m, nil
}

// reconcile drops entries whose file no longer exists, which repairs the
// manifest after an eviction that failed halfway.
func (c *FS) reconcile(ctx context.Context) {
	var stale []string
	for _, p := range c.Manifest().paths() {
		if p == ReservedID || p == c.opts.MetaFile {
			continue
		}
		ok, err := c.raw.Exists(ctx, p)
		if err == nil && !ok {
			stale = append(stale, p)
		}
	}
	if len(stale) == 0 {
		return
	}
	c.debug("dropping stale manifest entries", zap.Strings("paths", stale))
	c.mu.Lock()
	for _, p := range stale {
		delete(c.manifest, p)
	}
	c.mu.Unlock()
}

// initReservedLocked writes the two synthetic entries. Must be called with
// c.mu held.
func (c *FS) initReservedLocked() {
	now := c.now()
	c.manifest[c.opts.MetaFile] = FileMeta{AccessTime: now, Size: c.opts.MetaFileReserve}
	c.manifest[ReservedID] = FileMeta{AccessTime: now, Size: c.opts.headroom()}
}
