// Package gdal wraps the GDAL/OGR command line utilities used for raster
// stacking, resampling, clipping, relief shading and vector reprojection.
package gdal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/Lllllllleong/surveyflow/internal/toolrun"
)

// Tools invokes GDAL utilities through a toolrun.Runner.
type Tools struct {
	runner toolrun.Runner
}

func New(runner toolrun.Runner) *Tools {
	return &Tools{runner: runner}
}

// RasterInfo is the subset of `gdalinfo -json` output the pipelines use.
type RasterInfo struct {
	Size             [2]int    `json:"size"`
	GeoTransform     []float64 `json:"geoTransform"`
	CoordinateSystem struct {
		WKT string `json:"wkt"`
	} `json:"coordinateSystem"`
	Bands []struct {
		Band        int      `json:"band"`
		Type        string   `json:"type"`
		NoDataValue *float64 `json:"noDataValue"`
	} `json:"bands"`
}

func (r RasterInfo) Width() int  { return r.Size[0] }
func (r RasterInfo) Height() int { return r.Size[1] }

// CRS returns the coordinate system WKT, empty when ungeoreferenced.
func (r RasterInfo) CRS() string { return r.CoordinateSystem.WKT }

// Extent returns xmin, ymin, xmax, ymax of a north-up raster.
func (r RasterInfo) Extent() (xmin, ymin, xmax, ymax float64, err error) {
	if len(r.GeoTransform) != 6 {
		return 0, 0, 0, 0, fmt.Errorf("raster has no geotransform")
	}
	gt := r.GeoTransform
	x0, y0 := gt[0], gt[3]
	x1 := gt[0] + float64(r.Width())*gt[1]
	y1 := gt[3] + float64(r.Height())*gt[5]
	return min(x0, x1), min(y0, y1), max(x0, x1), max(y0, y1), nil
}

// SameGrid reports whether two rasters share size and geotransform.
func (r RasterInfo) SameGrid(o RasterInfo) bool {
	if r.Size != o.Size || len(r.GeoTransform) != len(o.GeoTransform) {
		return false
	}
	for i := range r.GeoTransform {
		if r.GeoTransform[i] != o.GeoTransform[i] {
			return false
		}
	}
	return true
}

// Info runs `gdalinfo -json`.
func (t *Tools) Info(ctx context.Context, path string) (*RasterInfo, error) {
	out, err := t.runner.Output(ctx, toolrun.Command{Name: "gdalinfo", Args: []string{"-json", path}})
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", path, err)
	}
	var info RasterInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, fmt.Errorf("failed to decode gdalinfo output for %s: %w", path, err)
	}
	if info.Size[0] <= 0 || info.Size[1] <= 0 {
		return nil, fmt.Errorf("gdalinfo reported an empty raster for %s", path)
	}
	return &info, nil
}

// BuildStack writes a VRT with each input as a separate band, in order.
func (t *Tools) BuildStack(ctx context.Context, out string, inputs ...string) error {
	args := append([]string{"-separate", "-overwrite", out}, inputs...)
	if err := t.runner.Run(ctx, toolrun.Command{Name: "gdalbuildvrt", Args: args}); err != nil {
		return fmt.Errorf("failed to build band stack %s: %w", out, err)
	}
	return nil
}

// TranslateOptions configures Translate.
type TranslateOptions struct {
	Format string
	// OutputType is a GDAL data type name; empty keeps the source type.
	OutputType string
	NoData     *float64
	Creation   []string
}

// Translate converts src to dst with gdal_translate.
func (t *Tools) Translate(ctx context.Context, src, dst string, opts TranslateOptions) error {
	args := []string{"-of", opts.Format}
	if opts.OutputType != "" {
		args = append(args, "-ot", opts.OutputType)
	}
	if opts.NoData != nil {
		args = append(args, "-a_nodata", formatFloat(*opts.NoData))
	}
	for _, co := range opts.Creation {
		args = append(args, "-co", co)
	}
	args = append(args, src, dst)
	if err := t.runner.Run(ctx, toolrun.Command{Name: "gdal_translate", Args: args}); err != nil {
		return fmt.Errorf("failed to translate %s: %w", src, err)
	}
	return nil
}

// WarpToGrid resamples src onto the grid described by ref with nearest
// neighbour sampling, writing format to dst.
func (t *Tools) WarpToGrid(ctx context.Context, src, dst, format string, ref *RasterInfo) error {
	xmin, ymin, xmax, ymax, err := ref.Extent()
	if err != nil {
		return fmt.Errorf("failed to resample %s: %w", src, err)
	}
	args := []string{
		"-overwrite",
		"-r", "near",
		"-of", format,
		"-te", formatFloat(xmin), formatFloat(ymin), formatFloat(xmax), formatFloat(ymax),
		"-ts", strconv.Itoa(ref.Width()), strconv.Itoa(ref.Height()),
	}
	if ref.CRS() != "" {
		args = append(args, "-t_srs", ref.CRS())
	}
	args = append(args, src, dst)
	if err := t.runner.Run(ctx, toolrun.Command{Name: "gdalwarp", Args: args}); err != nil {
		return fmt.Errorf("failed to resample %s: %w", src, err)
	}
	return nil
}

// ClipToCutline crops src to the polygon in cutline, which must already be
// in the raster CRS. Touched pixels are kept; the output is an LZW GeoTIFF.
func (t *Tools) ClipToCutline(ctx context.Context, src, dst, cutline string, noData float64) error {
	args := []string{
		"-overwrite",
		"-of", "GTiff",
		"-cutline", cutline,
		"-crop_to_cutline",
		"-wo", "CUTLINE_ALL_TOUCHED=TRUE",
		"-dstnodata", formatFloat(noData),
		"-co", "COMPRESS=LZW",
		src, dst,
	}
	if err := t.runner.Run(ctx, toolrun.Command{Name: "gdalwarp", Args: args}); err != nil {
		return fmt.Errorf("failed to clip %s: %w", src, err)
	}
	return nil
}

// HillshadeOptions are the gdaldem illumination parameters.
type HillshadeOptions struct {
	Azimuth  float64
	Altitude float64
	ZFactor  float64
	Format   string
	Creation []string
}

// Hillshade runs `gdaldem hillshade`.
func (t *Tools) Hillshade(ctx context.Context, dem, dst string, opts HillshadeOptions) error {
	format := opts.Format
	if format == "" {
		format = "GTiff"
	}
	args := []string{
		"hillshade",
		"-az", formatFloat(opts.Azimuth),
		"-alt", formatFloat(opts.Altitude),
		"-z", formatFloat(opts.ZFactor),
		"-of", format,
	}
	for _, co := range opts.Creation {
		args = append(args, "-co", co)
	}
	args = append(args, dem, dst)
	if err := t.runner.Run(ctx, toolrun.Command{Name: "gdaldem", Args: args}); err != nil {
		return fmt.Errorf("failed to generate hillshade for %s: %w", dem, err)
	}
	return nil
}

// ReprojectVector writes src reprojected to targetSRS as GeoJSON. sourceSRS
// may be empty when src declares its own CRS.
func (t *Tools) ReprojectVector(ctx context.Context, src, dst, sourceSRS, targetSRS string) error {
	// The GeoJSON driver refuses to replace an existing file.
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale %s: %w", dst, err)
	}
	args := []string{"-f", "GeoJSON", "-t_srs", targetSRS}
	if sourceSRS != "" {
		args = append(args, "-s_srs", sourceSRS)
	}
	args = append(args, dst, src)
	if err := t.runner.Run(ctx, toolrun.Command{Name: "ogr2ogr", Args: args}); err != nil {
		return fmt.Errorf("failed to reproject %s to %s: %w", src, targetSRS, err)
	}
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
