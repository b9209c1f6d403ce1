// Package vfs defines the file-system contracts that host platforms
// implement and that the caching layers decorate.
//
// Paths are forward-slash strings, optionally prefixed with a
// "scheme://" namespace (see package vpath). Implementations handle raw
// I/O only; budgets and access tracking live in package cache.
package vfs

import (
	"context"
	"errors"
	"io/fs"
	"time"
	"unicode/utf8"
)

var (
	// ErrNotExist is returned when a path does not exist. It is the io/fs
	// sentinel, so errors from the os package match it too.
	ErrNotExist = fs.ErrNotExist

	// ErrNotDir is returned when a directory operation targets a file.
	ErrNotDir = errors.New("not a directory")

	// ErrIsDir is returned when a file operation targets a directory.
	ErrIsDir = errors.New("is a directory")

	// ErrNotEmpty is returned by a non-recursive Rmdir on a populated directory.
	ErrNotEmpty = errors.New("directory not empty")

	// ErrNotSupported is returned by backends that cannot perform an operation.
	ErrNotSupported = errors.New("operation not supported")

	// ErrInvalidEncoding is returned when text content is not valid UTF-8.
	ErrInvalidEncoding = errors.New("content is not valid utf-8")
)

// Encoding selects how file content is interpreted.
type Encoding int

const (
	// Binary treats content as opaque bytes.
	Binary Encoding = iota
	// UTF8 treats content as UTF-8 text.
	UTF8
)

func (e Encoding) String() string {
	switch e {
	case Binary:
		return "binary"
	case UTF8:
		return "utf8"
	default:
		return "unknown"
	}
}

// Check validates data against the encoding.
func (e Encoding) Check(data []byte) error {
	if e == UTF8 && !utf8.Valid(data) {
		return ErrInvalidEncoding
	}
	return nil
}

// Stat describes a file or directory.
type Stat struct {
	Size    int64
	ModTime time.Time
	Dir     bool
}

// IsFile reports whether the entry is a regular file.
func (s Stat) IsFile() bool { return !s.Dir }

// IsDirectory reports whether the entry is a directory.
func (s Stat) IsDirectory() bool { return s.Dir }

// ReadonlyFileSystem is the read side of a host file system.
type ReadonlyFileSystem interface {
	// Exists reports whether path names a file or directory.
	Exists(ctx context.Context, path string) (bool, error)

	// Stat describes path. Returns an error wrapping ErrNotExist if missing.
	Stat(ctx context.Context, path string) (Stat, error)

	// Readdir lists the entry names (not paths) directly under dir.
	Readdir(ctx context.Context, dir string) ([]string, error)

	// ReadFile returns the whole content of path.
	ReadFile(ctx context.Context, path string, enc Encoding) ([]byte, error)
}

// FileSystem is a writable host file system.
type FileSystem interface {
	ReadonlyFileSystem

	// WriteFile replaces the content of path, creating the file if needed.
	// The parent directory must exist.
	WriteFile(ctx context.Context, path string, data []byte, enc Encoding) error

	// Mkdir creates dir. With recursive, missing parents are created and
	// an existing directory is not an error.
	Mkdir(ctx context.Context, dir string, recursive bool) error

	// Rmdir removes dir. Without recursive, dir must be empty.
	Rmdir(ctx context.Context, dir string, recursive bool) error

	// Unlink removes a file. Directories are rejected with ErrIsDir.
	Unlink(ctx context.Context, path string) error

	// Rename moves oldPath to newPath, replacing newPath if it is a file.
	Rename(ctx context.Context, oldPath, newPath string) error

	// CopyFile copies src to dst, replacing dst.
	CopyFile(ctx context.Context, src, dst string) error
}
