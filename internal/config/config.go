// Package config loads configuration from environment variables and the
// optional subpackage file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/tinygame/tinyfs/internal/subpackage"
)

// Config holds everything needed to assemble a platform.
type Config struct {
	// Platform ("dev" or "web")
	Platform string
	DataDir  string

	// Size-limited cache
	MaxSize      int64
	ReservedSize int64
	CacheRoot    string
	MetaFile     string
	RetainFiles  []string
	CacheVersion string // empty means the built-in version
	Verbose      bool

	// Game content
	GameRoot  string
	AssetsURL string // web platform only

	// Logging
	LogLevel  string
	LogFormat string

	// Metrics ("" disables the listener)
	MetricsAddr string

	// Key-value storage ("" means a JSON file under DataDir)
	DatabaseURL string

	// S3 subpackage source (empty bucket disables fetching)
	S3Endpoint  string
	S3Bucket    string
	S3Prefix    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string

	SubpackagesFile string
	Packages        PackageFile
}

// PackageFile is the YAML document listing the game's bundles.
type PackageFile struct {
	Subpackages []subpackage.Descriptor `yaml:"subpackages"`
	// Assets are files shipped with the main package.
	Assets []string `yaml:"assets"`
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	maxSize, err := envBytes("TINYFS_MAX_SIZE", 200*humanize.MByte)
	if err != nil {
		return nil, err
	}
	reserved, err := envBytes("TINYFS_RESERVED_SIZE", 0)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Platform:        envOr("TINYFS_PLATFORM", "dev"),
		DataDir:         envOr("TINYFS_DATA_DIR", "./tinyfs-data"),
		MaxSize:         maxSize,
		ReservedSize:    reserved,
		CacheRoot:       envOr("TINYFS_ROOT", "/cache"),
		MetaFile:        envOr("TINYFS_META_FILE", "/meta/fs.sizelimited.json"),
		RetainFiles:     envList("TINYFS_RETAIN"),
		CacheVersion:    envOr("TINYFS_CACHE_VERSION", ""),
		Verbose:         envBool("TINYFS_VERBOSE", false),
		GameRoot:        envOr("TINYFS_GAME_ROOT", "/game"),
		AssetsURL:       envOr("TINYFS_ASSETS_URL", ""),
		LogLevel:        envOr("LOG_LEVEL", "info"),
		LogFormat:       envOr("LOG_FORMAT", "json"),
		MetricsAddr:     envOr("METRICS_ADDR", ""),
		DatabaseURL:     envOr("DATABASE_URL", ""),
		S3Endpoint:      envOr("S3_ENDPOINT", ""),
		S3Bucket:        envOr("S3_BUCKET", ""),
		S3Prefix:        envOr("S3_PREFIX", "bundles"),
		S3AccessKey:     envOr("S3_ACCESS_KEY", ""),
		S3SecretKey:     envOr("S3_SECRET_KEY", ""),
		S3Region:        envOr("S3_REGION", "us-east-1"),
		SubpackagesFile: envOr("TINYFS_SUBPACKAGES_FILE", ""),
	}

	if cfg.SubpackagesFile != "" {
		pf, err := LoadPackageFile(cfg.SubpackagesFile)
		if err != nil {
			return nil, err
		}
		cfg.Packages = *pf
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail deep inside startup.
func (c *Config) Validate() error {
	if c.MaxSize <= 0 {
		return fmt.Errorf("TINYFS_MAX_SIZE must be positive")
	}
	if c.ReservedSize < 0 || c.ReservedSize >= c.MaxSize {
		return fmt.Errorf("TINYFS_RESERVED_SIZE must be between 0 and TINYFS_MAX_SIZE")
	}
	if c.CacheRoot == "" || c.MetaFile == "" {
		return fmt.Errorf("TINYFS_ROOT and TINYFS_META_FILE are required")
	}
	if c.Platform == "web" && c.AssetsURL == "" {
		return fmt.Errorf("TINYFS_ASSETS_URL is required for the web platform")
	}
	return nil
}

// LoadPackageFile reads and validates a subpackage YAML file.
func LoadPackageFile(path string) (*PackageFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read subpackages file: %w", err)
	}

	var pf PackageFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse subpackages file %s: %w", path, err)
	}

	seen := make(map[string]bool)
	for i, d := range pf.Subpackages {
		if d.Name == "" || d.Root == "" {
			return nil, fmt.Errorf("subpackage %d: name and root are required", i)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("subpackage %s listed twice", d.Name)
		}
		seen[d.Name] = true
		switch d.Priority {
		case "":
			pf.Subpackages[i].Priority = subpackage.Required
		case subpackage.Bootstrap, subpackage.Required, subpackage.Optional:
		default:
			return nil, fmt.Errorf("subpackage %s: unknown priority %q", d.Name, d.Priority)
		}
	}
	return &pf, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// envBytes accepts plain byte counts or sizes like "50MB" and "1GiB".
func envBytes(key string, fallback uint64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return int64(fallback), nil
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return int64(n), nil
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
