// Package aferofs provides a vfs.FileSystem backed by an afero.Fs, which
// covers the local disk (afero.NewOsFs, afero.NewBasePathFs) and memory
// (afero.NewMemMapFs).
package aferofs

import (
	"context"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/tinygame/tinyfs/internal/vfs"
	"github.com/tinygame/tinyfs/internal/vpath"
)

// FS implements vfs.FileSystem on top of an afero.Fs.
type FS struct {
	fs     afero.Fs
	scheme string
}

// Option configures an FS.
type Option func(*FS)

// WithScheme makes the FS accept paths in the given namespace, mapping
// "scheme://a/b" to "/a/b" on the underlying afero.Fs. Paths with any
// other scheme are rejected.
func WithScheme(scheme string) Option {
	return func(f *FS) {
		f.scheme = strings.TrimSuffix(scheme, "://") + "://"
	}
}

// New wraps an afero.Fs.
func New(fs afero.Fs, opts ...Option) *FS {
	f := &FS{fs: fs}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Afero returns the underlying afero.Fs.
func (f *FS) Afero() afero.Fs { return f.fs }

func (f *FS) resolve(p string) (string, error) {
	p = vpath.Normalize(p)
	if s := vpath.Scheme(p); s != "" {
		if s != f.scheme {
			return "", fmt.Errorf("path %s: scheme %q: %w", p, s, vfs.ErrNotSupported)
		}
		p = p[len(s):]
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p), nil
}

// Exists reports whether p names a file or directory.
func (f *FS) Exists(_ context.Context, p string) (bool, error) {
	full, err := f.resolve(p)
	if err != nil {
		return false, err
	}
	return afero.Exists(f.fs, full)
}

// Stat describes p.
func (f *FS) Stat(_ context.Context, p string) (vfs.Stat, error) {
	full, err := f.resolve(p)
	if err != nil {
		return vfs.Stat{}, err
	}
	info, err := f.fs.Stat(full)
	if err != nil {
		return vfs.Stat{}, fmt.Errorf("stat %s: %w", p, err)
	}
	return vfs.Stat{Size: info.Size(), ModTime: info.ModTime(), Dir: info.IsDir()}, nil
}

// Readdir lists entry names under dir in lexical order.
func (f *FS) Readdir(_ context.Context, dir string) ([]string, error) {
	full, err := f.resolve(dir)
	if err != nil {
		return nil, err
	}
	if err := f.requireDir(full, dir); err != nil {
		return nil, err
	}
	infos, err := afero.ReadDir(f.fs, full)
	if err != nil {
		return nil, fmt.Errorf("readdir %s: %w", dir, err)
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ReadFile returns the content of p.
func (f *FS) ReadFile(_ context.Context, p string, enc vfs.Encoding) ([]byte, error) {
	full, err := f.resolve(p)
	if err != nil {
		return nil, err
	}
	if err := f.requireFile(full, p); err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(f.fs, full)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	if err := enc.Check(data); err != nil {
		return nil, fmt.Errorf("read %s: %w", p, err)
	}
	return data, nil
}

// WriteFile writes data to p atomically (temp file, then rename).
func (f *FS) WriteFile(_ context.Context, p string, data []byte, enc vfs.Encoding) error {
	if err := enc.Check(data); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	full, err := f.resolve(p)
	if err != nil {
		return err
	}
	return f.writeAtomic(full, p, data)
}

func (f *FS) writeAtomic(full, p string, data []byte) error {
	dir := path.Dir(full)
	if err := f.requireDir(dir, dir); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	if info, err := f.fs.Stat(full); err == nil && info.IsDir() {
		return fmt.Errorf("write %s: %w", p, vfs.ErrIsDir)
	}

	tmp, err := afero.TempFile(f.fs, dir, ".tinyfs-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", p, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		f.fs.Remove(tmpName)
		return fmt.Errorf("write %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		f.fs.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", p, err)
	}
	if err := f.fs.Rename(tmpName, full); err != nil {
		f.fs.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", p, err)
	}
	return nil
}

// Mkdir creates dir. An existing directory is not an error.
func (f *FS) Mkdir(_ context.Context, dir string, recursive bool) error {
	full, err := f.resolve(dir)
	if err != nil {
		return err
	}
	if info, err := f.fs.Stat(full); err == nil {
		if !info.IsDir() {
			return fmt.Errorf("mkdir %s: %w", dir, vfs.ErrNotDir)
		}
		return nil
	}
	if recursive {
		if err := f.fs.MkdirAll(full, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
		return nil
	}
	if err := f.requireDir(path.Dir(full), vpath.Dirname(dir)); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	if err := f.fs.Mkdir(full, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}

// Rmdir removes dir, and with recursive everything under it.
func (f *FS) Rmdir(_ context.Context, dir string, recursive bool) error {
	full, err := f.resolve(dir)
	if err != nil {
		return err
	}
	if err := f.requireDir(full, dir); err != nil {
		return err
	}
	if recursive {
		if err := f.fs.RemoveAll(full); err != nil {
			return fmt.Errorf("rmdir %s: %w", dir, err)
		}
		return nil
	}
	infos, err := afero.ReadDir(f.fs, full)
	if err != nil {
		return fmt.Errorf("rmdir %s: %w", dir, err)
	}
	if len(infos) > 0 {
		return fmt.Errorf("rmdir %s: %w", dir, vfs.ErrNotEmpty)
	}
	if err := f.fs.Remove(full); err != nil {
		return fmt.Errorf("rmdir %s: %w", dir, err)
	}
	return nil
}

// Unlink removes the file p.
func (f *FS) Unlink(_ context.Context, p string) error {
	full, err := f.resolve(p)
	if err != nil {
		return err
	}
	if err := f.requireFile(full, p); err != nil {
		return err
	}
	if err := f.fs.Remove(full); err != nil {
		return fmt.Errorf("unlink %s: %w", p, err)
	}
	return nil
}

// Rename moves oldPath to newPath.
func (f *FS) Rename(_ context.Context, oldPath, newPath string) error {
	from, err := f.resolve(oldPath)
	if err != nil {
		return err
	}
	to, err := f.resolve(newPath)
	if err != nil {
		return err
	}
	if _, err := f.fs.Stat(from); err != nil {
		return fmt.Errorf("rename %s: %w", oldPath, err)
	}
	if err := f.fs.Rename(from, to); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", oldPath, newPath, err)
	}
	return nil
}

// CopyFile copies src to dst.
func (f *FS) CopyFile(ctx context.Context, src, dst string) error {
	data, err := f.ReadFile(ctx, src, vfs.Binary)
	if err != nil {
		return err
	}
	to, err := f.resolve(dst)
	if err != nil {
		return err
	}
	return f.writeAtomic(to, dst, data)
}

func (f *FS) requireDir(full, display string) error {
	info, err := f.fs.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", display, vfs.ErrNotExist)
		}
		return fmt.Errorf("stat %s: %w", display, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %w", display, vfs.ErrNotDir)
	}
	return nil
}

func (f *FS) requireFile(full, display string) error {
	info, err := f.fs.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", display, vfs.ErrNotExist)
		}
		return fmt.Errorf("stat %s: %w", display, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s: %w", display, vfs.ErrIsDir)
	}
	return nil
}
