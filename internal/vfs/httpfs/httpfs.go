// Package httpfs provides a read-only vfs.ReadonlyFileSystem that fetches
// files with HTTP GET relative to a base URL, the way web builds load
// assets that ship next to the game.
package httpfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tinygame/tinyfs/internal/retry"
	"github.com/tinygame/tinyfs/internal/vfs"
	"github.com/tinygame/tinyfs/internal/vpath"
)

// StatusError reports a non-success HTTP response.
type StatusError struct {
	Method string
	URL    string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Code)
}

// Config holds httpfs settings.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	HTTPClient  *http.Client
}

// FS implements vfs.ReadonlyFileSystem over HTTP.
type FS struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config
}

// New creates an HTTP file system.
func New(cfg Config) *FS {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	return &FS{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient:  client,
		retryConfig: cfg.RetryConfig,
	}
}

// url resolves p against the base URL. Absolute URLs pass through.
func (f *FS) url(p string) string {
	if vpath.Scheme(p) != "" || f.baseURL == "" {
		return p
	}
	return vpath.Join(f.baseURL, strings.TrimPrefix(p, "/"))
}

// ReadFile downloads p. Server errors are retried; 404 maps to
// vfs.ErrNotExist.
func (f *FS) ReadFile(ctx context.Context, p string, enc vfs.Encoding) ([]byte, error) {
	url := f.url(p)
	data, err := retry.DoWithResult(ctx, f.retryConfig, func() ([]byte, error) {
		resp, err := f.do(ctx, http.MethodGet, url)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, retry.Retryable(fmt.Errorf("read body %s: %w", url, err))
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	if err := enc.Check(data); err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return data, nil
}

// Exists issues a HEAD request for p.
func (f *FS) Exists(ctx context.Context, p string) (bool, error) {
	_, err := f.Stat(ctx, p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, vfs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Stat issues a HEAD request for p. Size comes from Content-Length and is
// -1 when the server omits it.
func (f *FS) Stat(ctx context.Context, p string) (vfs.Stat, error) {
	url := f.url(p)
	resp, err := f.do(ctx, http.MethodHead, url)
	if err != nil {
		return vfs.Stat{}, err
	}
	resp.Body.Close()

	st := vfs.Stat{Size: resp.ContentLength}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			st.ModTime = t
		}
	}
	return st, nil
}

// Readdir is not available over plain HTTP.
func (f *FS) Readdir(_ context.Context, dir string) ([]string, error) {
	return nil, fmt.Errorf("readdir %s: %w", dir, vfs.ErrNotSupported)
}

func (f *FS) do(ctx context.Context, method, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, retry.Retryable(fmt.Errorf("%s %s: %w", method, url, err))
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}
	resp.Body.Close()

	statusErr := &StatusError{Method: method, URL: url, Code: resp.StatusCode}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %w", statusErr, vfs.ErrNotExist)
	case resp.StatusCode >= 500:
		return nil, retry.Retryable(statusErr)
	default:
		return nil, statusErr
	}
}
