// Package s3loader fetches subpackages from an S3 bucket into a file system.
//
// A bundle named "level2" is every object under "<prefix>/level2/". The
// rest of each key is the file's path below the destination root, so the
// object "bundles/level2/assets/level2/map.json" lands at
// "<root>/assets/level2/map.json".
package s3loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/tinygame/tinyfs/internal/logging"
	"github.com/tinygame/tinyfs/internal/metrics"
	"github.com/tinygame/tinyfs/internal/retry"
	"github.com/tinygame/tinyfs/internal/subpackage"
	"github.com/tinygame/tinyfs/internal/vfs"
	"github.com/tinygame/tinyfs/internal/vpath"
)

// API is the part of *s3.Client the loader uses.
type API interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config holds S3 connection and layout settings.
type Config struct {
	Endpoint  string // empty means AWS
	Region    string
	AccessKey string // empty means the default credential chain
	SecretKey string
	Bucket    string
	Prefix    string

	// Root is where bundle files are written on the destination FS.
	Root string

	Retry  retry.Config
	Logger *zap.Logger
}

// Loader implements subpackage.Loader.
type Loader struct {
	client API
	dest   vfs.FileSystem
	cfg    Config
	log    *zap.Logger
}

var _ subpackage.Loader = (*Loader)(nil)

// New builds an S3 client from cfg and returns a loader writing into dest.
func New(ctx context.Context, cfg Config, dest vfs.FileSystem) (*Loader, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: true,
				}, nil
			},
		)
		opts = append(opts, config.WithEndpointResolverWithOptions(resolver))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.Endpoint != ""
	})
	return NewWithClient(client, cfg, dest), nil
}

// NewWithClient returns a loader using an existing client.
func NewWithClient(client API, cfg Config, dest vfs.FileSystem) *Loader {
	if cfg.Retry.MaxAttempts == 0 && cfg.Retry.InitialWait == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Named("s3loader")
	}
	return &Loader{client: client, dest: dest, cfg: cfg, log: log}
}

type object struct {
	key  string
	rel  string // path below the destination root
	size int64
}

// LoadSubpackage downloads every object of the bundle, reporting the bytes
// written so far against the bundle's total size.
func (l *Loader) LoadSubpackage(ctx context.Context, name string, progress subpackage.ProgressFunc) error {
	prefix := path.Join(l.cfg.Prefix, name) + "/"
	objects, total, err := l.list(ctx, prefix)
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		return fmt.Errorf("bundle %s: no objects under s3://%s/%s", name, l.cfg.Bucket, prefix)
	}

	var written int64
	progress(0, total)
	for _, obj := range objects {
		dst := vpath.Normalize(vpath.Join(l.cfg.Root, obj.rel))
		n, err := l.download(ctx, obj.key, dst, func(n int64) {
			progress(written+n, total)
		})
		if err != nil {
			return err
		}
		written += n
	}
	progress(written, total)
	l.log.Debug("bundle downloaded",
		zap.String("name", name),
		zap.Int("files", len(objects)),
		zap.Int64("bytes", written))
	return nil
}

func (l *Loader) list(ctx context.Context, prefix string) ([]object, int64, error) {
	var objects []object
	var total int64

	pager := s3.NewListObjectsV2Paginator(l.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(l.cfg.Bucket),
		Prefix: aws.String(prefix),
	})
	for pager.HasMorePages() {
		start := time.Now()
		page, err := pager.NextPage(ctx)
		metrics.RecordS3Operation("list_objects", time.Since(start), err == nil)
		if err != nil {
			return nil, 0, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, o := range page.Contents {
			key := aws.ToString(o.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			rel := path.Clean(strings.TrimPrefix(key, prefix))
			if rel == ".." || strings.HasPrefix(rel, "../") {
				return nil, 0, fmt.Errorf("object %s escapes the bundle root", key)
			}
			size := aws.ToInt64(o.Size)
			objects = append(objects, object{key: key, rel: rel, size: size})
			total += size
		}
	}
	return objects, total, nil
}

// download copies one object to dst and returns its size.
func (l *Loader) download(ctx context.Context, key, dst string, onBytes func(int64)) (int64, error) {
	if dir := vpath.Dirname(dst); dir != "" {
		if err := l.dest.Mkdir(ctx, dir, true); err != nil {
			return 0, err
		}
	}

	cfg := l.cfg.Retry
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		l.log.Warn("retrying download",
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	data, err := retry.DoWithResult(ctx, cfg, func() ([]byte, error) {
		return l.get(ctx, key, onBytes)
	})
	if err != nil {
		return 0, fmt.Errorf("get object %s: %w", key, err)
	}

	if err := l.dest.WriteFile(ctx, dst, data, vfs.Binary); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (l *Loader) get(ctx context.Context, key string, onBytes func(int64)) ([]byte, error) {
	start := time.Now()
	out, err := l.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordS3Operation("get_object", time.Since(start), false)
		var missing *types.NoSuchKey
		if errors.As(err, &missing) || ctx.Err() != nil {
			return nil, err
		}
		return nil, retry.Retryable(err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(&countingReader{r: out.Body, onBytes: onBytes})
	metrics.RecordS3Operation("get_object", time.Since(start), err == nil)
	if err != nil {
		return nil, retry.Retryable(err)
	}
	return data, nil
}

// countingReader reports the running byte count after every read.
type countingReader struct {
	r       io.Reader
	n       int64
	onBytes func(int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		c.onBytes(c.n)
	}
	return n, err
}
