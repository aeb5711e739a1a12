// Package fetch downloads remote files with a bounded timeout. Downloads land
// in a ".part" file that is renamed into place only once complete, so the
// presence of the final name always means a whole file.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync/atomic"
	"time"
)

var (
	ErrHTTPStatus   = errors.New("unexpected HTTP status")
	ErrBodyTooLarge = errors.New("response body exceeds size limit")
)

// DefaultMaxBodyBytes caps in-memory fetches when Options.MaxBodyBytes is 0.
const DefaultMaxBodyBytes = 64 << 20

// HTTPClient is the subset of *http.Client the downloader needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Downloader.
type Options struct {
	Timeout time.Duration
	Headers http.Header
	// MaxBodyBytes caps Fetch. Download streams to disk and is not capped.
	MaxBodyBytes int64
	// Client overrides the HTTP client. Its own timeout is ignored in favour
	// of Timeout, which is applied per request through the context.
	Client HTTPClient
}

// Downloader fetches URLs one at a time.
type Downloader struct {
	client   HTTPClient
	timeout  time.Duration
	maxBody  int64
	headers  http.Header
	logger   *slog.Logger
	requests atomic.Int64
}

// Result describes a completed or skipped download.
type Result struct {
	Path        string
	Skipped     bool
	Bytes       int64
	ContentType string
}

// New returns a Downloader.
func New(logger *slog.Logger, opts Options) *Downloader {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Downloader{
		client:  client,
		timeout: opts.Timeout,
		maxBody: maxBody,
		headers: opts.Headers.Clone(),
		logger:  logger,
	}
}

// Requests returns the number of network requests issued so far.
func (d *Downloader) Requests() int64 { return d.requests.Load() }

// FileNameFromURL returns the last path element of rawURL, unescaped.
func FileNameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	name := path.Base(u.Path)
	if name == "/" || name == "." {
		return ""
	}
	return name
}

// Download stores rawURL as dir/name, creating dir. An existing target is
// reported as Skipped without any network traffic.
func (d *Downloader) Download(ctx context.Context, rawURL, dir, name string) (Result, error) {
	if name == "" {
		name = FileNameFromURL(rawURL)
	}
	if name == "" {
		return Result{}, fmt.Errorf("failed to derive a file name from %s", rawURL)
	}
	target := filepath.Join(dir, name)
	logCtx := d.logger.With("url", rawURL, "path", target)

	if info, err := os.Stat(target); err == nil {
		logCtx.Info("File already exists. Skipping download.")
		return Result{Path: target, Skipped: true, Bytes: info.Size()}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	resp, err := d.get(ctx, rawURL)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	logCtx.Info("Downloading file.")
	part := target + ".part"
	f, err := os.Create(part)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create %s: %w", part, err)
	}
	n, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(part)
		if copyErr != nil {
			return Result{}, fmt.Errorf("failed to download %s: %w", rawURL, copyErr)
		}
		return Result{}, fmt.Errorf("failed to finalize %s: %w", part, closeErr)
	}
	if err := os.Rename(part, target); err != nil {
		_ = os.Remove(part)
		return Result{}, fmt.Errorf("failed to move %s into place: %w", target, err)
	}

	logCtx.Info("Successfully downloaded file.", "bytes", n)
	return Result{Path: target, Bytes: n, ContentType: resp.Header.Get("Content-Type")}, nil
}

// Response is an in-memory fetch result.
type Response struct {
	Body        []byte
	ContentType string
	StatusCode  int
}

// Fetch reads rawURL into memory, failing with ErrBodyTooLarge past the
// configured size limit.
func (d *Downloader) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	resp, err := d.get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", rawURL, err)
	}
	if int64(len(body)) > d.maxBody {
		return nil, fmt.Errorf("%w: %s is larger than %d bytes", ErrBodyTooLarge, rawURL, d.maxBody)
	}
	d.logger.Info("Successfully fetched URL.", "url", rawURL, "status", resp.StatusCode)
	return &Response{Body: body, ContentType: resp.Header.Get("Content-Type"), StatusCode: resp.StatusCode}, nil
}

func (d *Downloader) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

func (d *Downloader) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", rawURL, err)
	}
	for k, vs := range d.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	d.requests.Add(1)
	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("timed out fetching %s after %s: %w", rawURL, d.timeout, err)
		}
		return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned %s", ErrHTTPStatus, rawURL, resp.Status)
	}
	return resp, nil
}
