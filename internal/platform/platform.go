// Package platform assembles the file systems and storage a game runs on
// and describes what the host supports.
package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tinygame/tinyfs/internal/cache"
	"github.com/tinygame/tinyfs/internal/config"
	"github.com/tinygame/tinyfs/internal/kv"
	"github.com/tinygame/tinyfs/internal/kv/postgres"
	"github.com/tinygame/tinyfs/internal/logging"
	"github.com/tinygame/tinyfs/internal/subpackage"
	"github.com/tinygame/tinyfs/internal/subpackage/s3loader"
	"github.com/tinygame/tinyfs/internal/vfs"
	"github.com/tinygame/tinyfs/internal/vfs/aferofs"
	"github.com/tinygame/tinyfs/internal/vfs/httpfs"
)

// Type identifies a host platform.
type Type int

const (
	Unknown Type = iota
	Web
	Wechat
	Bytedance
	Kuaishou
	Dev
)

var typeNames = map[Type]string{
	Unknown:   "unknown",
	Web:       "web",
	Wechat:    "wechat",
	Bytedance: "bytedance",
	Kuaishou:  "kuaishou",
	Dev:       "dev",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return "unknown"
}

// ParseType maps a name such as "web" or "dev" to its Type.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range typeNames {
		if name == s && t != Unknown {
			return t, nil
		}
	}
	return Unknown, fmt.Errorf("unknown platform %q", s)
}

// Feature is a capability a host may offer.
type Feature uint32

const (
	// FileSystem means a writable, persistent file system.
	FileSystem Feature = 1 << iota
	LocalStorage
	// Subpackages means bundles can be fetched on demand.
	Subpackages
	// RemoteAssets means game content is read over the network.
	RemoteAssets
)

// Features is a set of Feature flags.
type Features uint32

// Has reports whether every flag in f is set.
func (s Features) Has(f Feature) bool {
	return uint32(s)&uint32(f) == uint32(f)
}

func (s Features) with(f Feature) Features {
	return Features(uint32(s) | uint32(f))
}

// FS groups the two file systems a game sees.
type FS struct {
	// Readonly serves game content.
	Readonly vfs.ReadonlyFileSystem
	// Writable is the size-limited user data area.
	Writable vfs.FileSystem
}

// Platform is the capability descriptor handed to the game.
type Platform struct {
	Type     Type
	Features Features
	FS       FS
	Storage  kv.Storage

	Cache    *cache.FS
	Registry *subpackage.Registry

	closers []io.Closer
	log     *zap.Logger
}

// New builds the platform named by cfg.Platform.
func New(ctx context.Context, cfg *config.Config) (*Platform, error) {
	t, err := ParseType(cfg.Platform)
	if err != nil {
		return nil, err
	}
	switch t {
	case Dev:
		return NewLocal(ctx, cfg)
	case Web:
		return NewWeb(ctx, cfg)
	default:
		return nil, fmt.Errorf("platform %s: %w", t, vfs.ErrNotSupported)
	}
}

// NewLocal builds a dev platform on the local disk under cfg.DataDir.
func NewLocal(ctx context.Context, cfg *config.Config) (*Platform, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	base := afero.NewBasePathFs(afero.NewOsFs(), cfg.DataDir)
	raw := aferofs.New(base)

	p := &Platform{
		Type:     Dev,
		Features: Features(0).with(FileSystem).with(LocalStorage),
		log:      logging.Named("platform"),
	}

	storage, err := p.openStorage(ctx, cfg, kv.NewFile(base, "/storage.json"))
	if err != nil {
		return nil, err
	}
	p.Storage = storage

	if err := p.openCache(ctx, cfg, raw); err != nil {
		p.Close(ctx)
		return nil, err
	}

	if err := raw.Mkdir(ctx, cfg.GameRoot, true); err != nil {
		p.Close(ctx)
		return nil, err
	}

	var loader subpackage.Loader
	if cfg.S3Bucket != "" {
		l, err := s3loader.New(ctx, s3loader.Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			Root:      cfg.GameRoot,
		}, raw)
		if err != nil {
			p.Close(ctx)
			return nil, err
		}
		loader = l
		p.Features = p.Features.with(Subpackages)
	}

	p.Registry = subpackage.NewRegistry(loader, subpackage.WithPackages(cfg.Packages.Subpackages))
	p.FS.Readonly = subpackage.NewFS(p.Cache, p.Registry, subpackage.Options{
		Root:       cfg.GameRoot,
		Packages:   cfg.Packages.Subpackages,
		Assets:     cfg.Packages.Assets,
		OnProgress: p.logProgress,
	})

	p.log.Info("platform ready",
		zap.Stringer("type", p.Type),
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("subpackages", loader != nil))
	return p, nil
}

// NewWeb builds a platform whose game content is served from
// cfg.AssetsURL. User data lives in memory for the life of the process.
func NewWeb(ctx context.Context, cfg *config.Config) (*Platform, error) {
	p := &Platform{
		Type:     Web,
		Features: Features(0).with(FileSystem).with(LocalStorage).with(RemoteAssets),
		log:      logging.Named("platform"),
	}

	storage, err := p.openStorage(ctx, cfg, kv.NewMemory())
	if err != nil {
		return nil, err
	}
	p.Storage = storage

	if err := p.openCache(ctx, cfg, aferofs.New(afero.NewMemMapFs())); err != nil {
		p.Close(ctx)
		return nil, err
	}

	p.Registry = subpackage.NewRegistry(nil, subpackage.WithPackages(cfg.Packages.Subpackages))
	p.FS.Readonly = subpackage.NewFS(httpfs.New(httpfs.Config{BaseURL: cfg.AssetsURL}), p.Registry, subpackage.Options{
		Assets: cfg.Packages.Assets,
	})

	p.log.Info("platform ready",
		zap.Stringer("type", p.Type),
		zap.String("assets", cfg.AssetsURL))
	return p, nil
}

// openStorage returns postgres storage when a database is configured and
// fallback otherwise.
func (p *Platform) openStorage(ctx context.Context, cfg *config.Config, fallback kv.Storage) (kv.Storage, error) {
	if cfg.DatabaseURL == "" {
		return fallback, nil
	}
	store, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	p.closers = append(p.closers, store)
	return store, nil
}

func (p *Platform) openCache(ctx context.Context, cfg *config.Config, raw vfs.FileSystem) error {
	opts := cache.DefaultOptions()
	opts.MaxSize = cfg.MaxSize
	opts.ReservedSize = cfg.ReservedSize
	opts.Root = cfg.CacheRoot
	opts.MetaFile = cfg.MetaFile
	opts.RetainFiles = cfg.RetainFiles
	opts.Storage = p.Storage
	opts.Verbose = cfg.Verbose
	if cfg.CacheVersion != "" {
		opts.Version = cfg.CacheVersion
	}

	c, err := cache.New(raw, opts)
	if err != nil {
		return err
	}
	if err := c.Init(ctx); err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	if err := c.Mkdir(ctx, opts.Root, true); err != nil {
		return err
	}
	p.Cache = c
	p.FS.Writable = c
	return nil
}

func (p *Platform) logProgress(name string, current, total int64) {
	p.log.Debug("subpackage progress",
		zap.String("name", name),
		zap.Int64("current", current),
		zap.Int64("total", total))
}

// Close flushes the cache manifest and releases storage connections.
func (p *Platform) Close(ctx context.Context) error {
	var errs []error
	if p.Cache != nil {
		if err := p.Cache.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush cache: %w", err))
		}
	}
	for _, c := range p.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}
