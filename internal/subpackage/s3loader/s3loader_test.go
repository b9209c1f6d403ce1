package s3loader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/spf13/afero"
	"go.uber.org/zap/zaptest"

	"github.com/tinygame/tinyfs/internal/retry"
	"github.com/tinygame/tinyfs/internal/subpackage"
	"github.com/tinygame/tinyfs/internal/vfs"
	"github.com/tinygame/tinyfs/internal/vfs/aferofs"
)

// fakeS3 serves objects from a map, one key per list page.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failures map[string]int // transient GetObject failures left per key
	gets     int
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	out := &s3.ListObjectsV2Output{}
	if start < len(keys) {
		k := keys[start]
		out.Contents = []types.Object{{Key: aws.String(k), Size: aws.Int64(int64(len(f.objects[k])))}}
	}
	if start+1 < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(strconv.Itoa(start + 1))
	}
	return out, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	key := aws.ToString(in.Key)
	if f.failures[key] > 0 {
		f.failures[key]--
		return nil, errors.New("connection reset")
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func newLoader(t *testing.T, client *fakeS3) (*Loader, *aferofs.FS) {
	t.Helper()
	dest := aferofs.New(afero.NewMemMapFs())
	l := NewWithClient(client, Config{
		Bucket: "game-assets",
		Prefix: "bundles",
		Root:   "/game",
		Retry: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     time.Millisecond,
			Multiplier:  1,
		},
		Logger: zaptest.NewLogger(t),
	}, dest)
	return l, dest
}

func TestLoadSubpackage(t *testing.T) {
	client := &fakeS3{
		objects: map[string][]byte{
			"bundles/level2/":                        nil,
			"bundles/level2/assets/level2/map.json":  []byte(`{"w":64}`),
			"bundles/level2/assets/level2/tiles.png": bytes.Repeat([]byte{1}, 100),
			"bundles/level3/assets/level3/map.json":  []byte(`{}`),
		},
		failures: map[string]int{"bundles/level2/assets/level2/tiles.png": 2},
	}
	l, dest := newLoader(t, client)
	ctx := context.Background()

	var last, lastTotal int64
	err := l.LoadSubpackage(ctx, "level2", func(current, total int64) {
		if current < last {
			t.Errorf("progress went backwards: %d after %d", current, last)
		}
		last, lastTotal = current, total
	})
	if err != nil {
		t.Fatalf("LoadSubpackage: %v", err)
	}
	if last != 108 || lastTotal != 108 {
		t.Errorf("final progress = %d/%d, want 108/108", last, lastTotal)
	}

	data, err := dest.ReadFile(ctx, "/game/assets/level2/map.json", vfs.UTF8)
	if err != nil || string(data) != `{"w":64}` {
		t.Errorf("map.json = %q, %v", data, err)
	}
	if st, err := dest.Stat(ctx, "/game/assets/level2/tiles.png"); err != nil || st.Size != 100 {
		t.Errorf("tiles.png = %+v, %v", st, err)
	}
	if ok, _ := dest.Exists(ctx, "/game/assets/level3"); ok {
		t.Error("other bundle downloaded")
	}
}

func TestLoadMissingBundle(t *testing.T) {
	l, _ := newLoader(t, &fakeS3{objects: map[string][]byte{}})
	if err := l.LoadSubpackage(context.Background(), "nope", func(int64, int64) {}); err == nil {
		t.Error("expected error for empty bundle")
	}
}

func TestLoadRejectsKeysOutsideBundle(t *testing.T) {
	client := &fakeS3{objects: map[string][]byte{
		"bundles/x/ok.json":          []byte("{}"),
		"bundles/x/../../cache/save": []byte("overwritten"),
	}}
	l, dest := newLoader(t, client)
	ctx := context.Background()

	if err := l.LoadSubpackage(ctx, "x", func(int64, int64) {}); err == nil {
		t.Fatal("expected error for key leaving the bundle")
	}
	if client.gets != 0 {
		t.Errorf("GetObject called %d times, want 0", client.gets)
	}
	if ok, _ := dest.Exists(ctx, "/cache/save"); ok {
		t.Error("file written outside the destination root")
	}
}

func TestLoadGivesUpAfterRetries(t *testing.T) {
	client := &fakeS3{
		objects:  map[string][]byte{"bundles/a/x.bin": []byte("x")},
		failures: map[string]int{"bundles/a/x.bin": 5},
	}
	l, _ := newLoader(t, client)
	if err := l.LoadSubpackage(context.Background(), "a", func(int64, int64) {}); err == nil {
		t.Fatal("expected error")
	}
	if client.gets != 3 {
		t.Errorf("GetObject called %d times, want 3", client.gets)
	}
}

func TestLoaderThroughRegistry(t *testing.T) {
	client := &fakeS3{objects: map[string][]byte{
		"bundles/level2/assets/level2/map.json": []byte("ok"),
	}}
	l, dest := newLoader(t, client)
	reg := subpackage.NewRegistry(l, subpackage.WithLogger(zaptest.NewLogger(t)))
	fs := subpackage.NewFS(dest, reg, subpackage.Options{
		Root:     "/game",
		Packages: []subpackage.Descriptor{{Name: "level2", Root: "assets/level2"}},
	})

	data, err := fs.ReadFile(context.Background(), "assets/level2/map.json", vfs.UTF8)
	if err != nil || string(data) != "ok" {
		t.Errorf("ReadFile = %q, %v", data, err)
	}
}
