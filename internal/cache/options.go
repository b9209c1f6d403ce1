package cache

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/tinygame/tinyfs/internal/clock"
	"github.com/tinygame/tinyfs/internal/kv"
)

const (
	// ReservedID is the manifest key of the synthetic headroom entry.
	ReservedID = "protected.fs.reserved"

	// VersionKey is the kv key holding the cache layout version.
	VersionKey = "fs.sizelimited.version"

	// DefaultVersion is the layout version written by this release. Changing
	// it wipes every existing cache on next start.
	DefaultVersion = "20240922"
)

// Options configures a size-limited FS.
type Options struct {
	// MaxSize is the total byte budget, including the synthetic entries.
	MaxSize int64

	// Root is the path prefix under which files are tracked and evicted.
	// Paths outside Root pass straight through.
	Root string

	// MetaFile is where the manifest is persisted.
	MetaFile string

	// RetainFiles are never evicted or wiped. Wipes only inspect the direct
	// children of Root, so retained files must live at that level.
	RetainFiles []string

	// ReservedSize is extra headroom kept out of the usable budget.
	ReservedSize int64

	// SafetyMargin is added to ReservedSize.
	SafetyMargin int64

	// MetaFileReserve is the size charged for the manifest file itself.
	MetaFileReserve int64

	// Version is compared with the stored tag on init; a mismatch wipes Root.
	Version string

	// Storage persists the version tag. Required.
	Storage kv.Storage

	// Verbose logs diagnostics at Info instead of Debug.
	Verbose bool

	Logger *zap.Logger
	Clock  clock.Clock

	// FlushDelay and FlushCeiling bound how long manifest changes stay
	// unpersisted.
	FlushDelay   time.Duration
	FlushCeiling time.Duration
}

// DefaultOptions returns Options with the standard margins and flush timing.
// Callers fill in MaxSize, Root, MetaFile and Storage.
func DefaultOptions() Options {
	return Options{
		SafetyMargin:    1_000_000,
		MetaFileReserve: 1_000_000,
		Version:         DefaultVersion,
		FlushDelay:      500 * time.Millisecond,
		FlushCeiling:    2500 * time.Millisecond,
	}
}

func (o Options) validate() error {
	switch {
	case o.MaxSize <= 0:
		return errors.New("cache: MaxSize must be positive")
	case o.Root == "":
		return errors.New("cache: Root is required")
	case o.MetaFile == "":
		return errors.New("cache: MetaFile is required")
	case o.Storage == nil:
		return errors.New("cache: Storage is required")
	case o.ReservedSize < 0 || o.SafetyMargin < 0 || o.MetaFileReserve < 0:
		return errors.New("cache: reserves must not be negative")
	}
	return nil
}

// headroom is the size of the reserved synthetic entry.
func (o Options) headroom() int64 {
	return o.ReservedSize + o.SafetyMargin
}

// usable is the largest single file the budget can ever hold.
func (o Options) usable() int64 {
	return o.MaxSize - o.headroom()
}
