package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// File is a Storage persisted as one JSON object on an afero.Fs. Every
// mutation rewrites the document atomically (temp file then rename).
type File struct {
	fs   afero.Fs
	path string

	mu     sync.Mutex
	items  map[string]string
	loaded bool
}

// NewFile creates a store backed by the JSON document at path. The
// document is read lazily on first access; a missing file is an empty store.
func NewFile(fs afero.Fs, path string) *File {
	return &File{fs: fs, path: path}
}

func (f *File) GetItem(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(); err != nil {
		return "", false, err
	}
	v, ok := f.items[key]
	return v, ok, nil
}

func (f *File) SetItem(_ context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(); err != nil {
		return err
	}
	if old, ok := f.items[key]; ok && old == value {
		return nil
	}
	f.items[key] = value
	return f.save()
}

func (f *File) RemoveItem(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.load(); err != nil {
		return err
	}
	if _, ok := f.items[key]; !ok {
		return nil
	}
	delete(f.items, key)
	return f.save()
}

func (f *File) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = make(map[string]string)
	f.loaded = true
	return f.save()
}

// load reads the document once. Must be called with lock held.
func (f *File) load() error {
	if f.loaded {
		return nil
	}
	data, err := afero.ReadFile(f.fs, f.path)
	if err != nil {
		if os.IsNotExist(err) {
			f.items = make(map[string]string)
			f.loaded = true
			return nil
		}
		return fmt.Errorf("read kv file: %w", err)
	}

	items := make(map[string]string)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("parse kv file %s: %w", f.path, err)
		}
	}
	f.items = items
	f.loaded = true
	return nil
}

// save writes the document atomically. Must be called with lock held.
func (f *File) save() error {
	data, err := json.MarshalIndent(f.items, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := f.fs.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create kv dir: %w", err)
	}
	tmp, err := afero.TempFile(f.fs, dir, ".kv-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		f.fs.Remove(tmpName)
		return fmt.Errorf("write kv file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		f.fs.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := f.fs.Rename(tmpName, f.path); err != nil {
		f.fs.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
