package services

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"

	"github.com/Lllllllleong/surveyflow/internal/config"
	"github.com/Lllllllleong/surveyflow/internal/fetch"
	"github.com/Lllllllleong/surveyflow/internal/models"
)

// LidarAcquireFunction downloads the configured point-cloud tiles.
type LidarAcquireFunction struct {
	deps       Deps
	config     config.LidarSettings
	downloader *fetch.Downloader
}

// NewLidarAcquire creates a new LidarAcquireFunction instance.
func NewLidarAcquire(deps Deps, settings config.LidarSettings) *LidarAcquireFunction {
	deps = deps.withDefaults()
	opts := fetch.Options{Timeout: settings.DownloadTimeout}
	if deps.HTTPClient != nil {
		opts.Client = deps.HTTPClient
	}
	return &LidarAcquireFunction{
		deps:       deps,
		config:     settings,
		downloader: fetch.New(deps.Logger, opts),
	}
}

// Process downloads every URL not already present in the raw directory.
func (f *LidarAcquireFunction) Process(ctx context.Context) (*models.BatchReport, error) {
	logger := f.deps.Logger.With("pipeline", PipelineLidar, "stage", StageAcquire)
	b := newBatch(f.deps, PipelineLidar, StageAcquire)
	defer func() { b.report.Fetches = f.downloader.Requests() }()

	if len(f.config.URLs) == 0 {
		logger.Warn("No LiDAR data URLs configured. Nothing to download.")
		return b.finish(logger), nil
	}
	logger.Info("Starting LiDAR data acquisition.", "urls", len(f.config.URLs), "rawDir", f.config.RawDir)

	for _, url := range f.config.URLs {
		if err := ctx.Err(); err != nil {
			return b.finish(logger), err
		}
		f.acquire(ctx, logger, b, url)
	}
	return b.finish(logger), nil
}

func (f *LidarAcquireFunction) acquire(ctx context.Context, logger *slog.Logger, b *batch, url string) {
	logCtx := logger.With("item", url)

	name := fetch.FileNameFromURL(url)
	if name == "" {
		b.handleItemError(ctx, logCtx, url, "failed to derive a file name from the URL", errors.New("URL has no path"))
		return
	}
	target := filepath.Join(f.config.RawDir, name)
	if b.done(ctx, logCtx, url, target) {
		logCtx.Info("File already exists. Skipping download.", "path", target)
		b.skip(url, target)
		return
	}

	res, err := f.downloader.Download(ctx, url, f.config.RawDir, name)
	if err != nil {
		b.handleItemError(ctx, logCtx, url, "failed to download LiDAR tile", err)
		return
	}
	if res.Skipped {
		b.complete(ctx, logCtx, url, models.StatusSkipped, nil, res.Path)
		return
	}
	b.complete(ctx, logCtx, url, models.StatusDone, nil, res.Path)
}
