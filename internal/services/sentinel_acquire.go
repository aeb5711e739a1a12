package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/Lllllllleong/surveyflow/internal/aoi"
	"github.com/Lllllllleong/surveyflow/internal/config"
	"github.com/Lllllllleong/surveyflow/internal/models"
	"github.com/Lllllllleong/surveyflow/internal/sentinel"
)

// itemCatalogueQuery names the ledger entry of a failed search.
const itemCatalogueQuery = "catalogue-query"

// SentinelAcquireFunction searches the catalogue for the AOI and date
// window and downloads every matching product.
type SentinelAcquireFunction struct {
	deps      Deps
	config    config.SatelliteSettings
	area      *aoi.AOI
	catalogue *sentinel.Catalogue
}

// NewSentinelAcquire checks credentials and dates and builds the catalogue
// client. Any error here is fatal.
func NewSentinelAcquire(deps Deps, settings config.SatelliteSettings, area *aoi.AOI) (*SentinelAcquireFunction, error) {
	deps = deps.withDefaults()
	if err := settings.ValidateForAcquire(); err != nil {
		return nil, err
	}
	if area == nil {
		return nil, aoi.ErrNoAOI
	}
	catalogue := sentinel.NewCatalogue(deps.Logger, sentinel.CatalogueOptions{
		APIURL:      settings.APIURL,
		TokenURL:    settings.TokenURL,
		DownloadURL: settings.DownloadURL,
		User:        settings.APIUser,
		Password:    settings.APIPassword,
		Timeout:     settings.DownloadTimeout,
		HTTPClient:  deps.HTTPClient,
	})
	return &SentinelAcquireFunction{
		deps:      deps,
		config:    settings,
		area:      area,
		catalogue: catalogue,
	}, nil
}

// Process logs in, runs the query and downloads the hits newest first.
// Rejected credentials are fatal; everything after login is per item.
func (f *SentinelAcquireFunction) Process(ctx context.Context) (*models.BatchReport, error) {
	logger := f.deps.Logger.With("pipeline", PipelineSentinel, "stage", StageAcquire)
	b := newBatch(f.deps, PipelineSentinel, StageAcquire)
	defer func() { b.report.Fetches = f.catalogue.Requests() }()

	if err := f.catalogue.Login(ctx); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(f.config.RawDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create raw directory %s: %w", f.config.RawDir, err)
	}

	// --- 1. Query the catalogue ---
	q := sentinel.Query{
		AOI:         f.area.WKT(),
		Start:       f.config.StartDate,
		End:         f.config.EndDate,
		ProductType: f.config.ProductType,
		CloudCover:  f.config.CloudCover,
		Limit:       f.config.MaxProducts,
	}
	logger.Info("Querying Sentinel-2 catalogue.",
		"start", q.Start.Format("2006-01-02"), "end", q.End.Format("2006-01-02"),
		"productType", q.ProductType, "cloudCover", q.CloudCover, "aoi", f.area.Source)
	products, err := f.catalogue.Search(ctx, q)
	if err != nil {
		b.handleItemError(ctx, logger, itemCatalogueQuery, "failed to query the catalogue", err)
		return b.finish(logger), nil
	}
	if len(products) == 0 {
		logger.Info("No products found for the given criteria.")
		return b.finish(logger), nil
	}
	logger.Info("Found products.", "count", len(products))

	// --- 2. Download each product ---
	for _, p := range products {
		if err := ctx.Err(); err != nil {
			return b.finish(logger), err
		}
		f.acquire(ctx, logger, b, p)
	}
	return b.finish(logger), nil
}

func (f *SentinelAcquireFunction) acquire(ctx context.Context, logger *slog.Logger, b *batch, p sentinel.Product) {
	logCtx := logger.With("item", p.Name, "productId", p.ID)
	safe := sentinel.SAFEPath(f.config.RawDir, p)

	if b.done(ctx, logCtx, p.Name, safe) {
		logCtx.Info("Product already downloaded. Skipping.", "path", safe)
		b.skip(p.Name, safe)
		return
	}

	logCtx.Info("Downloading product.", "sensing", p.SensingStart, "cloudCover", p.CloudCover, "bytes", p.ContentLength)
	path, skipped, err := f.catalogue.Download(ctx, p, f.config.RawDir)
	switch {
	case errors.Is(err, sentinel.ErrProductOffline):
		logCtx.Warn("Product is offline and cannot be downloaded now.")
		b.handleItemError(ctx, logCtx, p.Name, "product is offline", err)
		return
	case err != nil:
		b.handleItemError(ctx, logCtx, p.Name, "failed to download product", err)
		return
	}

	status := models.StatusDone
	if skipped {
		status = models.StatusSkipped
	}
	logCtx.Info("Product available.", "path", path, "status", status)
	b.complete(ctx, logCtx, p.Name, status, nil, path)
}
