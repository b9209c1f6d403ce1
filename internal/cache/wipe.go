package cache

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tinygame/tinyfs/internal/vfs"
	"github.com/tinygame/tinyfs/internal/vpath"
)

const wipeConcurrency = 4

// wipe removes the children of Root, keeping retained files, then resets
// the manifest to its synthetic entries and persists it. Failures on
// individual children do not stop the others; they are joined into the
// returned error. Must be called with writeMu held.
func (c *FS) wipe(ctx context.Context) error {
	children, err := c.raw.Readdir(ctx, c.opts.Root)
	if err != nil && !errors.Is(err, vfs.ErrNotExist) {
		return fmt.Errorf("list %s: %w", c.opts.Root, err)
	}

	errs := make([]error, len(children))
	var g errgroup.Group
	g.SetLimit(wipeConcurrency)
	for i, name := range children {
		i := i
		p := vpath.Child(c.opts.Root, name)
		g.Go(func() error {
			errs[i] = c.removeChild(ctx, p)
			if errs[i] != nil {
				c.debug("remove failed", zap.String("path", p), zap.Error(errs[i]))
			}
			return nil
		})
	}
	g.Wait()

	c.flusher.Stop()
	c.mu.Lock()
	c.manifest = make(Manifest)
	c.initReservedLocked()
	c.mu.Unlock()

	if err := c.persist(ctx); err != nil {
		errs = append(errs, fmt.Errorf("write manifest: %w", err))
	}
	return errors.Join(errs...)
}

func (c *FS) removeChild(ctx context.Context, p string) error {
	st, err := c.raw.Stat(ctx, p)
	if err != nil {
		return err
	}
	if st.IsDirectory() {
		return c.raw.Rmdir(ctx, p, true)
	}
	if c.retained(p) {
		c.debug("keep retained file", zap.String("path", p))
		return nil
	}
	return c.raw.Unlink(ctx, p)
}
