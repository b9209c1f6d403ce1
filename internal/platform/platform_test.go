package platform

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/tinygame/tinyfs/internal/cache"
	"github.com/tinygame/tinyfs/internal/config"
	"github.com/tinygame/tinyfs/internal/subpackage"
	"github.com/tinygame/tinyfs/internal/vfs"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Platform:  "dev",
		DataDir:   t.TempDir(),
		MaxSize:   10_000_000,
		CacheRoot: "/cache",
		MetaFile:  "/meta/fs.sizelimited.json",
		GameRoot:  "/game",
	}
}

func TestParseType(t *testing.T) {
	tests := []struct {
		in      string
		want    Type
		wantErr bool
	}{
		{"dev", Dev, false},
		{" Web ", Web, false},
		{"wechat", Wechat, false},
		{"unknown", Unknown, true},
		{"amiga", Unknown, true},
	}
	for _, tt := range tests {
		got, err := ParseType(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseType(%q) = %v, %v", tt.in, got, err)
		}
	}
	if Kuaishou.String() != "kuaishou" || Type(99).String() != "unknown" {
		t.Error("String mismatch")
	}
}

func TestFeatures(t *testing.T) {
	f := Features(0).with(FileSystem).with(RemoteAssets)
	if !f.Has(FileSystem) || !f.Has(RemoteAssets) || f.Has(Subpackages) {
		t.Errorf("features = %b", f)
	}
	if !f.Has(FileSystem | RemoteAssets) {
		t.Error("combined check failed")
	}
}

func TestNewLocal(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	p, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close(ctx)

	if p.Type != Dev || !p.Features.Has(FileSystem) || p.Features.Has(Subpackages) {
		t.Errorf("platform = %v %b", p.Type, p.Features)
	}

	if err := p.FS.Writable.WriteFile(ctx, "/cache/save.json", []byte(`{}`), vfs.UTF8); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, ok := p.Cache.Manifest()["/cache/save.json"]; !ok {
		t.Error("write not tracked by cache")
	}

	// Game content is read through the subpackage FS, relative to GameRoot.
	if err := os.WriteFile(filepath.Join(cfg.DataDir, "game", "main.js"), []byte("ok"), 0644); err != nil {
		t.Fatal(err)
	}
	data, err := p.FS.Readonly.ReadFile(ctx, "main.js", vfs.UTF8)
	if err != nil || string(data) != "ok" {
		t.Errorf("ReadFile = %q, %v", data, err)
	}

	if v, ok, _ := p.Storage.GetItem(ctx, cache.VersionKey); !ok || v != cache.DefaultVersion {
		t.Errorf("version tag = %q, %v", v, ok)
	}
}

func TestCloseFlushesManifest(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	p, err := NewLocal(ctx, cfg)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	if err := p.FS.Writable.WriteFile(ctx, "/cache/a.bin", make([]byte, 10), vfs.Binary); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	p2, err := NewLocal(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p2.Close(ctx)
	if m, ok := p2.Cache.Manifest()["/cache/a.bin"]; !ok || m.Size != 10 {
		t.Errorf("entry after reopen = %+v, %v", m, ok)
	}
}

func TestMissingBundleWithoutLoader(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Packages.Subpackages = []subpackage.Descriptor{
		{Name: "core", Root: "core", Priority: subpackage.Bootstrap},
		{Name: "level2", Root: "level2", Priority: subpackage.Required},
	}
	p, err := NewLocal(ctx, cfg)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	defer p.Close(ctx)

	if !p.Registry.Loaded("core") {
		t.Error("bootstrap bundle not marked loaded")
	}
	_, err = p.FS.Readonly.ReadFile(ctx, "level2/map.json", vfs.UTF8)
	if !errors.Is(err, subpackage.ErrNoLoader) {
		t.Errorf("err = %v, want ErrNoLoader", err)
	}
}

func TestNewWeb(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/main.js" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("remote"))
	}))
	defer srv.Close()

	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Platform = "web"
	cfg.AssetsURL = srv.URL
	p, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close(ctx)

	if !p.Features.Has(RemoteAssets) {
		t.Error("web platform lacks RemoteAssets")
	}
	data, err := p.FS.Readonly.ReadFile(ctx, "/main.js", vfs.UTF8)
	if err != nil || string(data) != "remote" {
		t.Errorf("ReadFile = %q, %v", data, err)
	}
	if err := p.FS.Writable.WriteFile(ctx, "/cache/s", []byte("x"), vfs.UTF8); err != nil {
		t.Errorf("WriteFile: %v", err)
	}
}

func TestUnsupportedPlatform(t *testing.T) {
	cfg := testConfig(t)
	cfg.Platform = "wechat"
	if _, err := New(context.Background(), cfg); !errors.Is(err, vfs.ErrNotSupported) {
		t.Errorf("err = %v, want ErrNotSupported", err)
	}
}
