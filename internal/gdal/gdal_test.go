package gdal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/surveyflow/internal/toolrun"
)

const sampleInfo = `{
  "size": [4, 2],
  "geoTransform": [500000.0, 10.0, 0.0, 9000000.0, 0.0, -10.0],
  "coordinateSystem": {"wkt": "PROJCS[\"WGS 84 / UTM zone 20S\"]"},
  "bands": [{"band": 1, "type": "UInt16", "noDataValue": 0}]
}`

func TestInfoParsesGrid(t *testing.T) {
	rec := &toolrun.Recorder{Respond: func(cmd toolrun.Command) ([]byte, error) {
		return []byte(sampleInfo), nil
	}}
	info, err := New(rec).Info(context.Background(), "stack.vrt")
	require.NoError(t, err)

	assert.Equal(t, 4, info.Width())
	assert.Equal(t, 2, info.Height())
	assert.Contains(t, info.CRS(), "UTM zone 20S")
	xmin, ymin, xmax, ymax, err := info.Extent()
	require.NoError(t, err)
	assert.Equal(t, []float64{500000, 8999980, 500040, 9000000}, []float64{xmin, ymin, xmax, ymax})
	require.NotNil(t, info.Bands[0].NoDataValue)
	assert.True(t, info.SameGrid(*info))
	assert.Equal(t, []string{"-json", "stack.vrt"}, rec.Calls()[0].Args)
}

func TestInfoRejectsGarbage(t *testing.T) {
	rec := &toolrun.Recorder{Respond: func(cmd toolrun.Command) ([]byte, error) {
		return []byte("ERROR 4: not recognized"), nil
	}}
	_, err := New(rec).Info(context.Background(), "broken.tif")
	require.Error(t, err)
}

func TestWarpToGridArgs(t *testing.T) {
	rec := &toolrun.Recorder{}
	ref := &RasterInfo{Size: [2]int{4, 2}, GeoTransform: []float64{0, 10, 0, 20, 0, -10}}
	require.NoError(t, New(rec).WarpToGrid(context.Background(), "scl.jp2", "scl.img", "ENVI", ref))

	call := rec.Calls()[0]
	assert.Equal(t, "gdalwarp", call.Name)
	assert.Equal(t, []string{
		"-overwrite", "-r", "near", "-of", "ENVI",
		"-te", "0", "0", "40", "20",
		"-ts", "4", "2",
		"scl.jp2", "scl.img",
	}, call.Args)
}

func TestClipAndHillshadeArgs(t *testing.T) {
	rec := &toolrun.Recorder{}
	tools := New(rec)
	require.NoError(t, tools.ClipToCutline(context.Background(), "in.img", "out.tif", "aoi.geojson", 0))
	require.NoError(t, tools.Hillshade(context.Background(), "dtm.tif", "hs.tif", HillshadeOptions{Azimuth: 315, Altitude: 45, ZFactor: 1.5}))

	calls := rec.Calls()
	assert.Contains(t, calls[0].Args, "-crop_to_cutline")
	assert.Contains(t, calls[0].Args, "CUTLINE_ALL_TOUCHED=TRUE")
	assert.Equal(t, []string{"hillshade", "-az", "315", "-alt", "45", "-z", "1.5", "-of", "GTiff", "dtm.tif", "hs.tif"}, calls[1].Args)
}

func TestTranslateArgs(t *testing.T) {
	rec := &toolrun.Recorder{}
	nodata := -9999.0
	require.NoError(t, New(rec).Translate(context.Background(), "stack.vrt", "stack.bin", TranslateOptions{
		Format:     "ENVI",
		OutputType: "Int32",
		NoData:     &nodata,
	}))
	assert.Equal(t, []string{"-of", "ENVI", "-ot", "Int32", "-a_nodata", "-9999", "stack.vrt", "stack.bin"}, rec.Calls()[0].Args)
}
