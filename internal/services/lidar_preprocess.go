package services

import (
	"context"
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
	"github.com/Lllllllleong/surveyflow/internal/pdal"
	"github.com/Lllllllleong/surveyflow/internal/raster"
)

// dtmNoData is written outside the clipped AOI when the DTM declares none.
const dtmNoData = -9999

// LidarPreprocessFunction turns raw point-cloud tiles into ground-only
// clouds, DTMs, AOI clips and hillshades.
type LidarPreprocessFunction struct {
	deps   Deps
	config config.LidarSettings
	area   *aoi.AOI

	pdal   *pdal.Client
	gdal   *gdal.Tools
	ground *pdal.Template
	dtm    *pdal.Template
}

// tilePaths are the per-tile artifacts in the processed directory.
type tilePaths struct {
	converted          string
	ground             string
	dtmUnclipped       string
	dtmClipped         string
	hillshadeClipped   string
	hillshadeUnclipped string
}

func newTilePaths(dir, base string) tilePaths {
	p := func(suffix string) string { return filepath.Join(dir, base+suffix) }
	return tilePaths{
		converted:          p("_converted.las"),
		ground:             p("_ground.las"),
		dtmUnclipped:       p("_dtm_unclipped.tif"),
		dtmClipped:         p("_dtm_clipped_aoi.tif"),
		hillshadeClipped:   p("_hillshade_clipped_aoi.tif"),
		hillshadeUnclipped: p("_hillshade_unclipped.tif"),
	}
}

// NewLidarPreprocess validates the settings and parses both PDAL templates.
// Any error here is a fatal configuration problem.
func NewLidarPreprocess(deps Deps, settings config.LidarSettings, area *aoi.AOI) (*LidarPreprocessFunction, error) {
	deps = deps.withDefaults()
	if err := settings.ValidateForPreprocess(); err != nil {
		return nil, err
	}
	if area == nil {
		return nil, aoi.ErrNoAOI
	}

	groundText := settings.GroundPipeline
	if strings.TrimSpace(groundText) == "" {
		groundText = pdal.DefaultGroundTemplate
	}
	ground, err := pdal.ParseTemplate("ground_classification_pipeline_json", groundText)
	if err != nil {
		return nil, err
	}
	dtmText := settings.DTMPipeline
	if strings.TrimSpace(dtmText) == "" {
		dtmText = pdal.DefaultDTMTemplate
	}
	dtm, err := pdal.ParseTemplate("dtm_generation_pipeline_json", dtmText)
	if err != nil {
		return nil, err
	}

	return &LidarPreprocessFunction{
		deps:   deps,
		config: settings,
		area:   area,
		pdal:   pdal.New(deps.Runner),
		gdal:   gdal.New(deps.Runner),
		ground: ground,
		dtm:    dtm,
	}, nil
}

// Process runs every .las/.laz tile of the raw directory through the chain.
func (f *LidarPreprocessFunction) Process(ctx context.Context) (*models.BatchReport, error) {
	logger := f.deps.Logger.With("pipeline", PipelineLidar, "stage", StagePreprocess)
	b := newBatch(f.deps, PipelineLidar, StagePreprocess)

	tiles, err := listTiles(f.config.RawDir)
	if err != nil {
		logger.Warn("Raw LiDAR directory is not readable. Nothing to process.", "rawDir", f.config.RawDir, "error", err)
		return b.finish(logger), nil
	}
	if err := os.MkdirAll(f.config.ProcessedDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create processed directory %s: %w", f.config.ProcessedDir, err)
	}
	logger.Info("Starting LiDAR preprocessing.", "tiles", len(tiles), "processedDir", f.config.ProcessedDir)

	for _, tile := range tiles {
		if err := ctx.Err(); err != nil {
			return b.finish(logger), err
		}
		f.processTile(ctx, logger, b, tile)
	}
	if len(tiles) == 0 {
		logger.Warn("No LiDAR tiles found.", "rawDir", f.config.RawDir)
	}
	return b.finish(logger), nil
}

// listTiles returns the point-cloud files of dir sorted by name.
func listTiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".las" && ext != ".laz") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func (f *LidarPreprocessFunction) processTile(ctx context.Context, logger *slog.Logger, b *batch, raw string) {
	item := filepath.Base(raw)
	base := strings.TrimSuffix(item, filepath.Ext(item))
	paths := newTilePaths(f.config.ProcessedDir, base)
	logCtx := logger.With("item", item)

	if b.done(ctx, logCtx, item, paths.dtmClipped, paths.hillshadeClipped) {
		logCtx.Info("Tile already processed. Skipping.")
		b.skip(item, paths.dtmClipped, paths.hillshadeClipped)
		return
	}
	logCtx.Info("Processing tile.")

	// --- 1. LAZ to LAS ---
	input := raw
	if strings.EqualFold(filepath.Ext(raw), ".laz") && f.config.ConvertLAZ {
		if exists(paths.converted) {
			logCtx.Info("Converted LAS already exists. Using it.", "path", paths.converted)
		} else if err := f.pdal.Translate(ctx, raw, paths.converted); err != nil {
			removeQuietly(paths.converted)
			b.handleItemError(ctx, logCtx, item, "failed to convert LAZ to LAS", err)
			return
		}
		input = paths.converted
	}

	// --- 2. Ground classification ---
	if exists(paths.ground) {
		logCtx.Info("Ground classified file already exists. Using it.", "path", paths.ground)
	} else {
		err := f.runTemplate(ctx, f.ground, base+"_ground", pdal.Params{
			pdal.ParamInput:     pdal.Path(input),
			pdal.ParamOutput:    pdal.Path(paths.ground),
			pdal.ParamTargetCRS: pdal.String(f.config.TargetCRS),
		})
		if err != nil {
			removeQuietly(paths.ground)
			b.handleItemError(ctx, logCtx, item, "failed to classify ground points", err)
			return
		}
	}

	// --- 3. DTM ---
	if exists(paths.dtmUnclipped) {
		logCtx.Info("Unclipped DTM already exists. Using it.", "path", paths.dtmUnclipped)
	} else {
		err := f.runTemplate(ctx, f.dtm, base+"_dtm", pdal.Params{
			pdal.ParamInput:         pdal.Path(paths.ground),
			pdal.ParamOutput:        pdal.Path(paths.dtmUnclipped),
			pdal.ParamTargetCRS:     pdal.String(f.config.TargetCRS),
			pdal.ParamResolution:    pdal.Float(f.config.DTMResolution),
			pdal.ParamInterpolation: pdal.String(f.config.DTMInterpolation),
		})
		if err != nil {
			removeQuietly(paths.dtmUnclipped)
			b.handleItemError(ctx, logCtx, item, "failed to generate DTM", err)
			return
		}
	}

	// --- 4. Clip to AOI ---
	dtm, hillshade := paths.dtmClipped, paths.hillshadeClipped
	var degraded error
	if exists(paths.dtmClipped) {
		logCtx.Info("Clipped DTM already exists. Using it.", "path", paths.dtmClipped)
	} else if err := f.clip(ctx, base, paths.dtmUnclipped, paths.dtmClipped); err != nil {
		removeQuietly(paths.dtmClipped)
		logCtx.Error("Failed to clip DTM. Hillshade will use the unclipped DTM.", "error", err)
		degraded = fmt.Errorf("failed to clip DTM to AOI: %w", err)
		dtm, hillshade = paths.dtmUnclipped, paths.hillshadeUnclipped
	}

	// --- 5. Hillshade ---
	if exists(hillshade) {
		logCtx.Info("Hillshade already exists. Using it.", "path", hillshade)
	} else if err := f.hillshade(ctx, logCtx, dtm, hillshade); err != nil {
		removeQuietly(hillshade)
		b.handleItemError(ctx, logCtx, item, "failed to generate hillshade", err)
		return
	}

	status := models.StatusDone
	if degraded != nil {
		status = models.StatusDegraded
	}
	logCtx.Info("Finished processing tile.", "status", status, "hillshade", hillshade)
	b.complete(ctx, logCtx, item, status, degraded, dtm, hillshade)
}

func (f *LidarPreprocessFunction) runTemplate(ctx context.Context, tpl *pdal.Template, name string, params pdal.Params) error {
	pipeline, err := tpl.Bind(params)
	if err != nil {
		return err
	}
	return f.pdal.Run(ctx, pipeline, f.config.ProcessedDir, name)
}

// clip reprojects the AOI into the DTM's CRS and crops the DTM to it.
func (f *LidarPreprocessFunction) clip(ctx context.Context, base, src, dst string) error {
	info, err := f.gdal.Info(ctx, src)
	if err != nil {
		return err
	}
	srs := info.CRS()
	if srs == "" {
		srs = f.config.TargetCRS
	}
	noData := float64(dtmNoData)
	if len(info.Bands) > 0 && info.Bands[0].NoDataValue != nil {
		noData = *info.Bands[0].NoDataValue
	}

	cutline, err := f.area.Cutline(ctx, f.gdal, srs, f.config.ProcessedDir, base)
	if err != nil {
		return err
	}
	defer os.Remove(cutline)
	return f.gdal.ClipToCutline(ctx, src, dst, cutline, noData)
}

// hillshade renders one illumination, or the mean of several azimuths when
// multi-directional shading is enabled.
func (f *LidarPreprocessFunction) hillshade(ctx context.Context, logCtx *slog.Logger, dtm, dst string) error {
	opts := gdal.HillshadeOptions{
		Azimuth:  f.config.HillshadeAzimuth,
		Altitude: f.config.HillshadeAltitude,
		ZFactor:  f.config.HillshadeZFactor,
		Format:   "GTiff",
		Creation: []string{"COMPRESS=LZW"},
	}
	if !f.config.MultiDirectional {
		logCtx.Info("Generating hillshade.", "dtm", filepath.Base(dtm), "azimuth", opts.Azimuth)
		return f.gdal.Hillshade(ctx, dtm, dst, opts)
	}

	logCtx.Info("Generating multi-directional hillshade.", "dtm", filepath.Base(dtm), "azimuths", f.config.Azimuths)
	stem := strings.TrimSuffix(dst, filepath.Ext(dst))
	var shades []*raster.File
	defer func() {
		for _, s := range shades {
			removeQuietly(s.DataPath)
			removeQuietly(s.HeaderPath)
			removeQuietly(s.DataPath + ".aux.xml")
		}
	}()
	for _, az := range f.config.Azimuths {
		tmp := fmt.Sprintf("%s_temp_%g.bin", stem, az)
		o := opts
		o.Azimuth, o.Format, o.Creation = az, "ENVI", nil
		if err := f.gdal.Hillshade(ctx, dtm, tmp, o); err != nil {
			return err
		}
		shade, err := raster.Open(tmp)
		if err != nil {
			return fmt.Errorf("failed to read hillshade for azimuth %g: %w", az, err)
		}
		shades = append(shades, shade)
	}

	// The first shade keeps its georeferenced header and receives the mean.
	if err := raster.Mean(shades[0], shades...); err != nil {
		return fmt.Errorf("failed to average hillshades: %w", err)
	}
	noData := 0.0
	return f.gdal.Translate(ctx, shades[0].DataPath, dst, gdal.TranslateOptions{
		Format:   "GTiff",
		NoData:   &noData,
		Creation: []string{"COMPRESS=LZW"},
	})
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// removeQuietly deletes a partial output so a rerun does not mistake it for
// a finished step.
func removeQuietly(path string) {
	_ = os.Remove(path)
}
