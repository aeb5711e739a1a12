package aoi

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/surveyflow/internal/logging"
)

func TestParseBBoxCorners(t *testing.T) {
	poly, err := ParseBBox("10,20,30,40")
	require.NoError(t, err)
	require.Len(t, poly, 1)

	ring := poly[0]
	require.True(t, ring.Closed())
	distinct := map[orb.Point]bool{}
	for _, p := range ring[:len(ring)-1] {
		distinct[p] = true
	}
	assert.Len(t, distinct, 4)
	assert.Equal(t, orb.Ring{{10, 20}, {10, 40}, {30, 40}, {30, 20}, {10, 20}}, ring)
	assert.Equal(t, orb.Bound{Min: orb.Point{10, 20}, Max: orb.Point{30, 40}}, poly.Bound())
}

func TestParseBBoxRejects(t *testing.T) {
	for _, in := range []string{"1,2,3", "a,2,3,4", "30,20,10,40"} {
		_, err := ParseBBox(in)
		assert.ErrorIs(t, err, ErrMalformedAOI, in)
	}
}

func TestLoadPrecedence(t *testing.T) {
	ctx := context.Background()
	log := logging.Discard()

	_, err := Load(ctx, log, Options{})
	require.ErrorIs(t, err, ErrNoAOI)

	a, err := Load(ctx, log, Options{GeoJSONPath: filepath.Join(t.TempDir(), "missing.geojson"), BBox: "10,20,30,40"})
	require.NoError(t, err)
	assert.Equal(t, "bbox", a.Source)
	assert.Equal(t, "POLYGON((10 20,10 40,30 40,30 20,10 20))", a.WKT())
}

const collection = `{"type":"FeatureCollection","features":[
 {"type":"Feature","properties":{"name":"site A"},"geometry":{"type":"Polygon","coordinates":[[[-60,-10],[-60,-9],[-59,-9],[-59,-10],[-60,-10]]]}},
 {"type":"Feature","properties":{"name":"site B"},"geometry":{"type":"Polygon","coordinates":[[[0,0],[0,1],[1,1],[0,0]]]}}
]}`

func TestLoadGeoJSONFirstFeature(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aoi.geojson")
	require.NoError(t, os.WriteFile(path, []byte(collection), 0o644))

	a, err := Load(context.Background(), logging.Discard(), Options{GeoJSONPath: path, BBox: "1,2,3,4"})
	require.NoError(t, err)
	assert.Equal(t, path, a.Source)
	assert.Equal(t, orb.Bound{Min: orb.Point{-60, -10}, Max: orb.Point{-59, -9}}, a.Bound())
}

func TestLoadGeoJSONRejectsPoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aoi.geojson")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"Point","coordinates":[1,2]}`), 0o644))
	_, err := Load(context.Background(), logging.Discard(), Options{GeoJSONPath: path})
	require.ErrorIs(t, err, ErrMalformedAOI)
}

type fakeReprojector struct {
	calls [][4]string
	write string
}

func (f *fakeReprojector) ReprojectVector(_ context.Context, src, dst, sourceSRS, targetSRS string) error {
	f.calls = append(f.calls, [4]string{src, dst, sourceSRS, targetSRS})
	return os.WriteFile(dst, []byte(f.write), 0o644)
}

func TestLoadGeoJSONReprojectsLegacyCRS(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "utm.geojson")
	legacy := `{"type":"FeatureCollection","crs":{"type":"name","properties":{"name":"urn:ogc:def:crs:EPSG::32720"}},
	 "features":[{"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[[500000,8900000],[500000,8901000],[501000,8901000],[500000,8900000]]]}}]}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	rep := &fakeReprojector{write: collection}
	a, err := Load(context.Background(), logging.Discard(), Options{GeoJSONPath: path, ScratchDir: filepath.Join(dir, "scratch"), Reprojector: rep})
	require.NoError(t, err)
	require.Len(t, rep.calls, 1)
	assert.Equal(t, WGS84, rep.calls[0][3])
	assert.Equal(t, "", rep.calls[0][2])
	assert.Equal(t, -60.0, a.Bound().Min.X())
}

func TestCutline(t *testing.T) {
	dir := t.TempDir()
	poly, err := ParseBBox("10,20,30,40")
	require.NoError(t, err)
	a := &AOI{Geometry: poly, Source: "bbox"}

	rep := &fakeReprojector{write: collection}
	path, err := a.Cutline(context.Background(), rep, "EPSG:31980", dir, "tile_01")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "tile_01_aoi_cutline.geojson"), path)
	assert.FileExists(t, path)
	assert.Equal(t, [4]string{filepath.Join(dir, "tile_01_aoi_wgs84.geojson"), path, WGS84, "EPSG:31980"}, rep.calls[0])
	assert.NoFileExists(t, rep.calls[0][0])
}
