// Package publish mirrors finished artifacts to object storage.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

const (
	uploadConcurrency = 4
	maxRetries        = 3
)

var ErrUnsupportedTarget = errors.New("unsupported publish target")

// Publisher uploads local files and reports how many were newly written.
type Publisher interface {
	Publish(ctx context.Context, files ...string) (int, error)
	Close() error
}

// Uploader stores one file under key. It returns false when the object
// already existed and was left untouched.
type Uploader interface {
	Upload(ctx context.Context, key, localPath string) (bool, error)
}

// Noop is used when no publish target is configured.
type Noop struct{}

func (Noop) Publish(context.Context, ...string) (int, error) { return 0, nil }
func (Noop) Close() error                                    { return nil }

// Target is a parsed gs:// or s3:// destination.
type Target struct {
	Scheme string
	Bucket string
	Prefix string
}

// ParseTarget parses gs://bucket/prefix or s3://bucket/prefix.
func ParseTarget(raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, fmt.Errorf("failed to parse publish target %q: %w", raw, err)
	}
	if (u.Scheme != "gs" && u.Scheme != "s3") || u.Host == "" {
		return Target{}, fmt.Errorf("%w: %q", ErrUnsupportedTarget, raw)
	}
	return Target{Scheme: u.Scheme, Bucket: u.Host, Prefix: strings.Trim(u.Path, "/")}, nil
}

// Remote publishes through an Uploader with bounded concurrency and retries.
type Remote struct {
	uploader Uploader
	target   Target
	base     string
	logger   *slog.Logger
	closer   func() error

	// initialInterval is shortened in tests.
	initialInterval time.Duration
}

// NewRemote returns a Remote that names objects by their path relative to base.
func NewRemote(logger *slog.Logger, uploader Uploader, target Target, base string) *Remote {
	return &Remote{
		uploader:        uploader,
		target:          target,
		base:            base,
		logger:          logger.With("target", target.Scheme+"://"+target.Bucket),
		closer:          func() error { return nil },
		initialInterval: 500 * time.Millisecond,
	}
}

// Key returns the object key for a local file.
func (r *Remote) Key(localPath string) string {
	rel, err := filepath.Rel(r.base, localPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		rel = filepath.Base(localPath)
	}
	return path.Join(r.target.Prefix, filepath.ToSlash(rel))
}

func (r *Remote) Publish(ctx context.Context, files ...string) (int, error) {
	var written atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadConcurrency)
	for _, f := range files {
		g.Go(func() error {
			key := r.Key(f)
			ok, err := r.uploadWithRetry(gctx, key, f)
			if err != nil {
				return fmt.Errorf("failed to publish %s: %w", filepath.Base(f), err)
			}
			if ok {
				written.Add(1)
				r.logger.Info("Published artifact.", "object", key)
			}
			return nil
		})
	}
	err := g.Wait()
	return int(written.Load()), err
}

func (r *Remote) uploadWithRetry(ctx context.Context, key, localPath string) (bool, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.initialInterval
	bo.MaxInterval = 10 * time.Second

	var written bool
	op := func() error {
		ok, err := r.uploader.Upload(ctx, key, localPath)
		if err != nil {
			r.logger.Warn("Upload attempt failed.", "object", key, "error", err)
			return err
		}
		written = ok
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx))
	return written, err
}

func (r *Remote) Close() error { return r.closer() }
