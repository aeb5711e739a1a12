package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Lllllllleong/surveyflow/internal/aoi"
	"github.com/Lllllllleong/surveyflow/internal/config"
	"github.com/Lllllllleong/surveyflow/internal/gdal"
	"github.com/Lllllllleong/surveyflow/internal/models"
	"github.com/Lllllllleong/surveyflow/internal/raster"
	"github.com/Lllllllleong/surveyflow/internal/sentinel"
)

// Cloud mask methods accepted by the cloud_mask_method setting.
const (
	CloudMaskSCL  = "scl"
	CloudMaskNone = "none"
)

var errSen2CorMissing = errors.New("sen2cor_path is not configured or does not exist")

// SentinelPreprocessFunction turns downloaded .SAFE products into cloud
// masked, AOI clipped band stacks.
type SentinelPreprocessFunction struct {
	deps    Deps
	config  config.SatelliteSettings
	area    *aoi.AOI
	target  sentinel.Level
	gdal    *gdal.Tools
	sen2cor *sentinel.Sen2Cor
}

// NewSentinelPreprocess creates a new SentinelPreprocessFunction instance.
func NewSentinelPreprocess(deps Deps, settings config.SatelliteSettings, area *aoi.AOI) (*SentinelPreprocessFunction, error) {
	deps = deps.withDefaults()
	if area == nil {
		return nil, aoi.ErrNoAOI
	}
	target := sentinel.LevelOfProductType(settings.ProductType)
	if target == sentinel.LevelUnknown {
		return nil, fmt.Errorf("%w: product_type must be %s or %s, got %q",
			config.ErrInvalidValue, sentinel.ProductTypeL1C, sentinel.ProductTypeL2A, settings.ProductType)
	}
	if len(settings.OutputBands) == 0 {
		return nil, fmt.Errorf("%w: output_bands is empty", config.ErrInvalidValue)
	}
	switch settings.CloudMaskMethod {
	case CloudMaskSCL, CloudMaskNone:
	default:
		return nil, fmt.Errorf("%w: cloud_mask_method must be %q or %q, got %q",
			config.ErrInvalidValue, CloudMaskSCL, CloudMaskNone, settings.CloudMaskMethod)
	}
	return &SentinelPreprocessFunction{
		deps:    deps,
		config:  settings,
		area:    area,
		target:  target,
		gdal:    gdal.New(deps.Runner),
		sen2cor: sentinel.NewSen2Cor(settings.Sen2CorPath, deps.Runner),
	}, nil
}

// Process handles every .SAFE directory of the raw directory in name order.
func (f *SentinelPreprocessFunction) Process(ctx context.Context) (*models.BatchReport, error) {
	logger := f.deps.Logger.With("pipeline", PipelineSentinel, "stage", StagePreprocess)
	b := newBatch(f.deps, PipelineSentinel, StagePreprocess)

	products, err := listProducts(f.config.RawDir)
	if err != nil {
		logger.Warn("Raw Sentinel-2 directory is not readable. Nothing to process.", "rawDir", f.config.RawDir, "error", err)
		return b.finish(logger), nil
	}
	if err := os.MkdirAll(f.config.ProcessedDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create processed directory %s: %w", f.config.ProcessedDir, err)
	}
	logger.Info("Starting Sentinel-2 preprocessing.", "products", len(products), "target", f.target,
		"bands", f.config.OutputBands, "resolution", f.config.TargetResolution)

	for _, p := range products {
		if err := ctx.Err(); err != nil {
			return b.finish(logger), err
		}
		f.processProduct(ctx, logger, b, p)
	}
	return b.finish(logger), nil
}

func listProducts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && strings.HasSuffix(e.Name(), ".SAFE") {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *SentinelPreprocessFunction) processProduct(ctx context.Context, logger *slog.Logger, b *batch, productDir string) {
	item := filepath.Base(productDir)
	logCtx := logger.With("item", item)

	// --- 1. Decide the processing level ---
	var l2a string
	switch level := sentinel.LevelOf(item); {
	case level == sentinel.LevelL2A:
		l2a = productDir
	case level == sentinel.LevelL1C && f.target == sentinel.LevelL1C:
		if found, err := sentinel.FindL2AOutput(productDir); err == nil {
			logCtx.Info("Sen2Cor output already exists. Using it.", "l2a", filepath.Base(found))
			l2a = found
		}
	case level == sentinel.LevelL1C:
		logCtx.Warn("Product is L1C but the configured product type expects L2A. Skipping.",
			"productType", f.config.ProductType)
		b.skip(item)
		return
	default:
		logCtx.Warn("Product level is not recognised. Skipping.")
		b.skip(item)
		return
	}

	if l2a != "" {
		out := f.outputPath(l2a)
		if b.done(ctx, logCtx, item, out) {
			logCtx.Info("Product already processed. Skipping.", "output", out)
			b.skip(item, out)
			return
		}
	}

	if l2a == "" {
		if !f.sen2cor.Available() {
			b.handleItemError(ctx, logCtx, item, "cannot correct L1C product", errSen2CorMissing)
			return
		}
		logCtx.Info("Running Sen2Cor atmospheric correction.")
		found, err := f.sen2cor.Correct(ctx, productDir)
		if err != nil {
			b.handleItemError(ctx, logCtx, item, "failed to run Sen2Cor", err)
			return
		}
		l2a = found
		logCtx.Info("Sen2Cor produced L2A product.", "l2a", filepath.Base(l2a))
	}

	out := f.outputPath(l2a)
	degraded, err := f.process(ctx, logCtx, l2a, out)
	if err != nil {
		removeQuietly(out)
		b.handleItemError(ctx, logCtx, item, "failed to process product", err)
		return
	}
	status := models.StatusDone
	if degraded != nil {
		status = models.StatusDegraded
	}
	logCtx.Info("Finished processing product.", "output", out, "status", status)
	b.complete(ctx, logCtx, item, status, degraded, out)
}

func (f *SentinelPreprocessFunction) outputPath(l2a string) string {
	return filepath.Join(f.config.ProcessedDir,
		sentinel.OutputName(filepath.Base(l2a), f.config.OutputBands, f.config.TargetResolution))
}

// process stacks, masks and clips one L2A product into out. A non-nil
// degraded error means out was written without the cloud mask.
func (f *SentinelPreprocessFunction) process(ctx context.Context, logCtx *slog.Logger, l2a, out string) (degraded, err error) {
	base := sentinel.BaseName(l2a)

	// --- 2. Locate bands ---
	granule, err := sentinel.Granule(l2a)
	if err != nil {
		return nil, err
	}
	bands := make([]string, 0, len(f.config.OutputBands))
	for _, band := range f.config.OutputBands {
		path, err := sentinel.FindBand(granule, band, f.config.TargetResolution)
		if err != nil {
			logCtx.Warn("Band not found at target resolution. Skipping band.",
				"band", band, "resolution", f.config.TargetResolution, "error", err)
			continue
		}
		bands = append(bands, path)
	}
	if len(bands) == 0 {
		return nil, fmt.Errorf("none of the bands %v exist at %dm", f.config.OutputBands, f.config.TargetResolution)
	}

	work, err := os.MkdirTemp(f.config.ProcessedDir, ".work-"+base+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(work)

	// --- 3. Stack bands into a raw raster ---
	vrt := filepath.Join(work, "stack.vrt")
	if err := f.gdal.BuildStack(ctx, vrt, bands...); err != nil {
		return nil, err
	}
	stackPath := filepath.Join(work, "stack.bin")
	if err := f.gdal.Translate(ctx, vrt, stackPath, gdal.TranslateOptions{Format: "ENVI"}); err != nil {
		return nil, err
	}
	stack, err := raster.Open(stackPath)
	if err != nil {
		return nil, err
	}
	if wide := raster.WidenFor(stack.DataType, f.config.NoData); wide != stack.DataType {
		logCtx.Info("Widening band stack to hold the no-data value.",
			"from", stack.DataType.GDALName(), "to", wide.GDALName(), "nodata", f.config.NoData)
		if err := f.gdal.Translate(ctx, vrt, stackPath, gdal.TranslateOptions{Format: "ENVI", OutputType: wide.GDALName()}); err != nil {
			return nil, err
		}
	}
	stackInfo, err := f.gdal.Info(ctx, stackPath)
	if err != nil {
		return nil, err
	}

	// --- 4. Cloud mask ---
	if f.config.CloudMaskMethod == CloudMaskSCL {
		masked, err := f.mask(ctx, granule, work, stackPath, stackInfo)
		if err != nil {
			logCtx.Warn("Cloud mask could not be applied. Output is unmasked.", "error", err)
			degraded = fmt.Errorf("failed to apply SCL cloud mask: %w", err)
		} else {
			logCtx.Info("Applied SCL cloud mask.", "maskedPixels", masked, "classes", f.config.SCLMaskClasses)
		}
	}

	// --- 5. Clip to the AOI in the raster CRS ---
	srs := stackInfo.CRS()
	if srs == "" {
		return degraded, errors.New("band stack has no coordinate system")
	}
	cutline, err := f.area.Cutline(ctx, f.gdal, srs, work, base)
	if err != nil {
		return degraded, err
	}
	if err := f.gdal.ClipToCutline(ctx, stackPath, out, cutline, f.config.NoData); err != nil {
		return degraded, err
	}
	return degraded, nil
}

// mask resamples the scene classification onto the stack grid when needed
// and sets excluded classes to no-data in every band.
func (f *SentinelPreprocessFunction) mask(ctx context.Context, granule, work, stackPath string, stackInfo *gdal.RasterInfo) (int64, error) {
	sclSrc, err := sentinel.FindSCL(granule)
	if err != nil {
		return 0, err
	}
	sclInfo, err := f.gdal.Info(ctx, sclSrc)
	if err != nil {
		return 0, err
	}
	sclPath := filepath.Join(work, "scl.bin")
	if sclInfo.SameGrid(*stackInfo) {
		err = f.gdal.Translate(ctx, sclSrc, sclPath, gdal.TranslateOptions{Format: "ENVI"})
	} else {
		err = f.gdal.WarpToGrid(ctx, sclSrc, sclPath, "ENVI", stackInfo)
	}
	if err != nil {
		return 0, err
	}

	stack, err := raster.Open(stackPath)
	if err != nil {
		return 0, err
	}
	scl, err := raster.Open(sclPath)
	if err != nil {
		return 0, err
	}
	return raster.ApplyCloudMask(stack, scl, f.config.SCLMaskClasses, f.config.NoData)
}
