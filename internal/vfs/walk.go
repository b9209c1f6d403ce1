package vfs

import (
	"context"
	"fmt"

	"github.com/tinygame/tinyfs/internal/vpath"
)

// ListFiles returns the paths of the files directly under dir, and with
// recursive, of every file in the subtree. Directories themselves are not
// listed.
func ListFiles(ctx context.Context, fs ReadonlyFileSystem, dir string, recursive bool) ([]string, error) {
	st, err := fs.Stat(ctx, dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDirectory() {
		return nil, fmt.Errorf("list %s: %w", dir, ErrNotDir)
	}

	entries, err := fs.Readdir(ctx, dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, name := range entries {
		p := vpath.Child(dir, name)
		st, err := fs.Stat(ctx, p)
		if err != nil {
			return nil, err
		}
		switch {
		case st.IsFile():
			files = append(files, p)
		case recursive:
			sub, err := ListFiles(ctx, fs, p, true)
			if err != nil {
				return nil, err
			}
			files = append(files, sub...)
		}
	}
	return files, nil
}
