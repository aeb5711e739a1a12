package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/surveyflow/internal/config"
	"github.com/Lllllllleong/surveyflow/internal/models"
	"github.com/Lllllllleong/surveyflow/internal/raster"
	"github.com/Lllllllleong/surveyflow/internal/toolrun"
)

func TestLidarAcquireRerunPerformsNoFetches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/missing.laz" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "LASF")
	}))
	defer srv.Close()

	settings := config.LidarSettings{
		URLs:   []string{srv.URL + "/tiles/a.laz", srv.URL + "/missing.laz", srv.URL + "/tiles/b.laz"},
		RawDir: filepath.Join(t.TempDir(), "lidar", "raw"),
	}

	report, err := NewLidarAcquire(testDeps(nil), settings).Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count(models.StatusDone))
	assert.Equal(t, 1, report.Count(models.StatusFailed), "a failed URL does not stop the batch")
	assert.EqualValues(t, 3, report.Fetches)
	assert.FileExists(t, filepath.Join(settings.RawDir, "a.laz"))
	assert.FileExists(t, filepath.Join(settings.RawDir, "b.laz"))

	hits.Store(0)
	settings.URLs = []string{srv.URL + "/tiles/a.laz", srv.URL + "/tiles/b.laz"}
	report, err = NewLidarAcquire(testDeps(nil), settings).Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Count(models.StatusSkipped))
	assert.Zero(t, hits.Load())
	assert.Zero(t, report.Fetches)
}

func TestLidarAcquireNoURLs(t *testing.T) {
	report, err := NewLidarAcquire(testDeps(nil), config.LidarSettings{RawDir: t.TempDir()}).Process(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Items)
}

// lidarTools fakes PDAL and GDAL by creating the files each call would write.
type lidarTools struct {
	failClip   bool
	failGround string
}

func (l *lidarTools) recorder() *toolrun.Recorder {
	return &toolrun.Recorder{
		Handle: l.handle,
		Respond: func(cmd toolrun.Command) ([]byte, error) {
			return []byte(utmInfo), nil
		},
	}
}

func (l *lidarTools) handle(cmd toolrun.Command) error {
	switch cmd.Name {
	case "pdal":
		if cmd.Args[0] == "translate" {
			return touchFile(cmd.Args[2])
		}
		if l.failGround != "" && strings.Contains(cmd.Args[1], l.failGround) {
			return &toolrun.ExitError{Tool: "pdal", Code: 1, Tail: []string{"PDAL: filters.smrf: no points"}}
		}
		data, err := os.ReadFile(cmd.Args[1])
		if err != nil {
			return err
		}
		var doc struct {
			Pipeline []map[string]any `json:"pipeline"`
		}
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		writer := doc.Pipeline[len(doc.Pipeline)-1]
		return touchFile(writer["filename"].(string))
	case "ogr2ogr":
		return touchFile(cmd.Args[len(cmd.Args)-2])
	case "gdalwarp":
		if l.failClip {
			return &toolrun.ExitError{Tool: "gdalwarp", Code: 1}
		}
		return touchFile(lastArg(cmd))
	case "gdaldem":
		if argAfter(cmd, "-of") == "ENVI" {
			var az float64
			fmt.Sscan(argAfter(cmd, "-az"), &az)
			return writeENVI(lastArg(cmd), 2, 2, raster.Byte, az/3)
		}
		return touchFile(lastArg(cmd))
	case "gdal_translate":
		return copyFile(cmd.Args[len(cmd.Args)-2], lastArg(cmd))
	}
	return fmt.Errorf("unexpected tool %s", cmd.Name)
}

func lidarSettings(t *testing.T) config.LidarSettings {
	root := t.TempDir()
	return config.LidarSettings{
		RawDir:            filepath.Join(root, "raw"),
		ProcessedDir:      filepath.Join(root, "processed"),
		TargetCRS:         "EPSG:31980",
		ConvertLAZ:        true,
		DTMResolution:     1,
		DTMInterpolation:  "idw",
		HillshadeAzimuth:  315,
		HillshadeAltitude: 45,
		HillshadeZFactor:  1,
		Azimuths:          []float64{315, 270, 225, 180},
	}
}

func TestLidarPreprocessTile(t *testing.T) {
	settings := lidarSettings(t)
	touch(t, filepath.Join(settings.RawDir, "tile.laz"))
	touch(t, filepath.Join(settings.RawDir, "notes.txt"))
	tools := &lidarTools{}
	rec := tools.recorder()

	f, err := NewLidarPreprocess(testDeps(rec), settings, testAOI(t))
	require.NoError(t, err)
	report, err := f.Process(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, report.Count(models.StatusDone), report.Err())
	assert.Equal(t, []string{"pdal", "pdal", "pdal", "gdalinfo", "ogr2ogr", "gdalwarp", "gdaldem"}, rec.Names())
	calls := rec.Calls()
	assert.Equal(t, []string{"translate", filepath.Join(settings.RawDir, "tile.laz"), filepath.Join(settings.ProcessedDir, "tile_converted.las")}, calls[0].Args)
	assert.Contains(t, argAfter(calls[4], "-t_srs"), "UTM zone 20N", "AOI is reprojected into the DTM CRS")
	assert.Equal(t, "315", argAfter(calls[6], "-az"))

	for _, name := range []string{"tile_converted.las", "tile_ground.las", "tile_dtm_unclipped.tif", "tile_dtm_clipped_aoi.tif", "tile_hillshade_clipped_aoi.tif"} {
		assert.FileExists(t, filepath.Join(settings.ProcessedDir, name))
	}
	leftovers, _ := filepath.Glob(filepath.Join(settings.ProcessedDir, "*.json"))
	assert.Empty(t, leftovers, "pipeline and cutline scratch files are removed")
	leftovers, _ = filepath.Glob(filepath.Join(settings.ProcessedDir, "*.geojson"))
	assert.Empty(t, leftovers)

	rerun := tools.recorder()
	f, err = NewLidarPreprocess(testDeps(rerun), settings, testAOI(t))
	require.NoError(t, err)
	report, err = f.Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(models.StatusSkipped))
	assert.Empty(t, rerun.Calls())
}

func TestLidarPreprocessClipFailureIsDegraded(t *testing.T) {
	settings := lidarSettings(t)
	touch(t, filepath.Join(settings.RawDir, "tile.las"))
	rec := (&lidarTools{failClip: true}).recorder()

	f, err := NewLidarPreprocess(testDeps(rec), settings, testAOI(t))
	require.NoError(t, err)
	report, err := f.Process(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Items, 1)
	assert.Equal(t, models.StatusDegraded, report.Items[0].Status)
	assert.Equal(t, "pipeline", rec.Calls()[0].Args[0], "LAS input is used as is")
	assert.FileExists(t, filepath.Join(settings.ProcessedDir, "tile_hillshade_unclipped.tif"))
	assert.NoFileExists(t, filepath.Join(settings.ProcessedDir, "tile_hillshade_clipped_aoi.tif"))
	assert.NoFileExists(t, filepath.Join(settings.ProcessedDir, "tile_dtm_clipped_aoi.tif"))
}

func TestLidarPreprocessFailureStopsOnlyThatTile(t *testing.T) {
	settings := lidarSettings(t)
	touch(t, filepath.Join(settings.RawDir, "a.las"))
	touch(t, filepath.Join(settings.RawDir, "b.las"))
	rec := (&lidarTools{failGround: "a_ground"}).recorder()

	f, err := NewLidarPreprocess(testDeps(rec), settings, testAOI(t))
	require.NoError(t, err)
	report, err := f.Process(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Count(models.StatusFailed))
	assert.Equal(t, 1, report.Count(models.StatusDone))
	var exitErr *toolrun.ExitError
	assert.True(t, errors.As(report.Err(), &exitErr))
	assert.NoFileExists(t, filepath.Join(settings.ProcessedDir, "a_dtm_unclipped.tif"))
	assert.FileExists(t, filepath.Join(settings.ProcessedDir, "b_hillshade_clipped_aoi.tif"))
}

func TestLidarMultiDirectionalHillshade(t *testing.T) {
	settings := lidarSettings(t)
	settings.MultiDirectional = true
	settings.Azimuths = []float64{315, 225}
	touch(t, filepath.Join(settings.RawDir, "tile.las"))
	rec := (&lidarTools{}).recorder()

	f, err := NewLidarPreprocess(testDeps(rec), settings, testAOI(t))
	require.NoError(t, err)
	report, err := f.Process(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Count(models.StatusDone), report.Err())

	out := filepath.Join(settings.ProcessedDir, "tile_hillshade_clipped_aoi.tif")
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, []byte{90, 90, 90, 90}, data, "mean of 105 and 75")

	var translate toolrun.Command
	for _, c := range rec.Calls() {
		if c.Name == "gdal_translate" {
			translate = c
		}
	}
	assert.Equal(t, "0", argAfter(translate, "-a_nodata"))
	assert.True(t, hasArg(translate, "COMPRESS=LZW"))

	temps, _ := filepath.Glob(filepath.Join(settings.ProcessedDir, "*_temp_*"))
	assert.Empty(t, temps)
}

func TestNewLidarPreprocessValidates(t *testing.T) {
	settings := lidarSettings(t)
	settings.TargetCRS = "31980"
	_, err := NewLidarPreprocess(testDeps(nil), settings, testAOI(t))
	require.ErrorIs(t, err, config.ErrInvalidValue)

	settings = lidarSettings(t)
	settings.GroundPipeline = `{"pipeline": "not a list"}`
	_, err = NewLidarPreprocess(testDeps(nil), settings, testAOI(t))
	require.Error(t, err)
}
