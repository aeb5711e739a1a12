package pdal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Lllllllleong/surveyflow/internal/toolrun"
)

// DefaultGroundTemplate classifies ground returns with SMRF after
// reprojecting into the target CRS, and keeps only class 2.
const DefaultGroundTemplate = `{
  "pipeline": [
    {"type": "readers.las", "filename": "${input}"},
    {"type": "filters.reprojection", "out_srs": "${target_crs}"},
    {"type": "filters.assign", "assignment": "Classification[:]=0"},
    {"type": "filters.elm"},
    {"type": "filters.outlier"},
    {"type": "filters.smrf", "ignore": "Classification[7:7]", "slope": 0.2, "window": 16, "threshold": 0.45, "scalar": 1.2},
    {"type": "filters.range", "limits": "Classification[2:2]"},
    {"type": "writers.las", "filename": "${output}", "a_srs": "${target_crs}"}
  ]
}`

// DefaultDTMTemplate grids ground points into a GeoTIFF terrain model.
const DefaultDTMTemplate = `{
  "pipeline": [
    {"type": "readers.las", "filename": "${input}"},
    {"type": "writers.gdal", "filename": "${output}", "gdaldriver": "GTiff",
     "resolution": "${resolution}", "output_type": "${interpolation}",
     "data_type": "float32", "override_srs": "${target_crs}"}
  ]
}`

// Client runs pdal commands.
type Client struct {
	runner toolrun.Runner
}

func New(runner toolrun.Runner) *Client {
	return &Client{runner: runner}
}

// Run writes the bound pipeline to scratchDir/<name>.pipeline.json, runs
// `pdal pipeline` on it and removes the file when the run succeeds.
func (c *Client) Run(ctx context.Context, pipeline []byte, scratchDir, name string) error {
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", scratchDir, err)
	}
	path := filepath.Join(scratchDir, name+".pipeline.json")
	if err := os.WriteFile(path, pipeline, 0o644); err != nil {
		return fmt.Errorf("failed to write pipeline %s: %w", path, err)
	}
	if err := c.runner.Run(ctx, toolrun.Command{Name: "pdal", Args: []string{"pipeline", path}}); err != nil {
		return fmt.Errorf("failed to run PDAL pipeline %s: %w", name, err)
	}
	_ = os.Remove(path)
	return nil
}

// Translate converts between point-cloud formats, e.g. LAZ to LAS.
func (c *Client) Translate(ctx context.Context, in, out string) error {
	if err := c.runner.Run(ctx, toolrun.Command{Name: "pdal", Args: []string{"translate", in, out}}); err != nil {
		return fmt.Errorf("failed to translate %s: %w", in, err)
	}
	return nil
}
