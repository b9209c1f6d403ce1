package httpfs

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinygame/tinyfs/internal/retry"
	"github.com/tinygame/tinyfs/internal/vfs"
)

func newServer(t *testing.T, handler http.HandlerFunc) *FS {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{
		BaseURL: srv.URL + "/assets/",
		RetryConfig: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     time.Millisecond,
			Multiplier:  1,
		},
	})
}

func TestReadFile(t *testing.T) {
	fs := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/assets/level/1.json" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"level":1}`))
	})

	data, err := fs.ReadFile(context.Background(), "/level/1.json", vfs.UTF8)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != `{"level":1}` {
		t.Errorf("ReadFile = %q", data)
	}

	_, err = fs.ReadFile(context.Background(), "level/2.json", vfs.UTF8)
	if !errors.Is(err, vfs.ErrNotExist) {
		t.Errorf("missing file err = %v, want ErrNotExist", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusNotFound {
		t.Errorf("missing file err = %v, want StatusError 404", err)
	}
}

func TestReadFileRetriesServerErrors(t *testing.T) {
	var calls int32
	fs := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte("ok"))
	})

	data, err := fs.ReadFile(context.Background(), "a", vfs.Binary)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "ok" || atomic.LoadInt32(&calls) != 3 {
		t.Errorf("data = %q after %d calls", data, calls)
	}
}

func TestExistsAndStat(t *testing.T) {
	fs := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/assets/a.bin" {
			w.Header().Set("Content-Length", "4")
			w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
			if r.Method == http.MethodGet {
				w.Write([]byte("abcd"))
			}
			return
		}
		http.NotFound(w, r)
	})
	ctx := context.Background()

	ok, err := fs.Exists(ctx, "a.bin")
	if err != nil || !ok {
		t.Errorf("Exists(a.bin) = %v, %v", ok, err)
	}
	ok, err = fs.Exists(ctx, "b.bin")
	if err != nil || ok {
		t.Errorf("Exists(b.bin) = %v, %v", ok, err)
	}

	st, err := fs.Stat(ctx, "a.bin")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Size != 4 || st.ModTime.Year() != 2006 || !st.IsFile() {
		t.Errorf("Stat = %+v", st)
	}
}

func TestReaddirNotSupported(t *testing.T) {
	fs := New(Config{BaseURL: "http://example.invalid"})
	if _, err := fs.Readdir(context.Background(), "/"); !errors.Is(err, vfs.ErrNotSupported) {
		t.Errorf("Readdir err = %v", err)
	}
}
