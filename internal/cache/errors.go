package cache

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// ErrNoSpace is wrapped by every SpaceError.
var ErrNoSpace = errors.New("no space left in cache")

// SpaceError reports a write that cannot fit even after evicting every
// evictable file. Available is the most the path could occupy.
type SpaceError struct {
	Path      string
	Requested int64
	Available int64
}

func (e *SpaceError) Error() string {
	return fmt.Sprintf("write %s: need %s, at most %s available: %v",
		e.Path, humanize.Bytes(uint64(e.Requested)), humanize.Bytes(uint64(max(e.Available, 0))), ErrNoSpace)
}

func (e *SpaceError) Unwrap() error { return ErrNoSpace }
