package pdal

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/surveyflow/internal/toolrun"
)

func TestDefaultTemplatesBind(t *testing.T) {
	ground, err := ParseTemplate("ground", DefaultGroundTemplate)
	require.NoError(t, err)
	assert.Equal(t, []string{ParamInput, ParamOutput, ParamTargetCRS}, ground.References())

	dtm, err := ParseTemplate("dtm", DefaultDTMTemplate)
	require.NoError(t, err)
	out, err := dtm.Bind(Params{
		ParamInput:         Path("/data/tile_ground.las"),
		ParamOutput:        Path("/data/tile_dtm_unclipped.tif"),
		ParamResolution:    Float(0.5),
		ParamInterpolation: String("idw"),
		ParamTargetCRS:     String("EPSG:31980"),
		"unused":           Int(3),
	})
	require.NoError(t, err)

	var doc struct {
		Pipeline []map[string]any `json:"pipeline"`
	}
	require.NoError(t, json.Unmarshal(out, &doc))
	writer := doc.Pipeline[1]
	assert.Equal(t, 0.5, writer["resolution"], "whole-string numeric reference becomes a JSON number")
	assert.Equal(t, "idw", writer["output_type"])
	assert.Equal(t, "/data/tile_dtm_unclipped.tif", writer["filename"])
}

func TestBindRejectsUnbound(t *testing.T) {
	tpl, err := ParseTemplate("ground", DefaultGroundTemplate)
	require.NoError(t, err)
	_, err = tpl.Bind(Params{ParamInput: Path("/a.las")})
	require.ErrorIs(t, err, ErrUnboundParam)
	assert.Contains(t, err.Error(), "output, target_crs")
}

func TestParseTemplateRejectsInvalid(t *testing.T) {
	for _, text := range []string{`{"pipeline": [}`, `{"stages": []}`, `{"pipeline": []}`, `"readers.las"`} {
		_, err := ParseTemplate("bad", text)
		assert.ErrorIs(t, err, ErrInvalidTemplate, text)
	}
}

func TestLegacyPlaceholders(t *testing.T) {
	legacy := `[
	  "INPUT_GROUND_POINTS_PLACEHOLDER",
	  {"type": "writers.gdal", "filename": "OUTPUT_DTM_FILE_PLACEHOLDER",
	   "resolution": DTM_RESOLUTION_PLACEHOLDER, "output_type": "DTM_INTERPOLATION_METHOD_PLACEHOLDER",
	   "comment": "srs TARGET_PROJECTED_CRS_PLACEHOLDER"}
	]`
	tpl, err := ParseTemplate("legacy", legacy)
	require.NoError(t, err)
	assert.Equal(t, []string{ParamInput, ParamInterpolation, ParamOutput, ParamResolution, ParamTargetCRS}, tpl.References())

	out, err := tpl.Bind(Params{
		ParamInput:         String("in.las"),
		ParamOutput:        String("out.tif"),
		ParamResolution:    Int(2),
		ParamInterpolation: String("mean"),
		ParamTargetCRS:     String("EPSG:31980"),
	})
	require.NoError(t, err)

	var got any
	require.NoError(t, json.Unmarshal(out, &got))
	want := map[string]any{"pipeline": []any{
		"in.las",
		map[string]any{
			"type": "writers.gdal", "filename": "out.tif",
			"resolution": 2.0, "output_type": "mean",
			"comment": "srs EPSG:31980",
		},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("bound pipeline mismatch (-want +got):\n%s", diff)
	}
}

func TestClientRun(t *testing.T) {
	dir := t.TempDir()
	var seen []byte
	rec := &toolrun.Recorder{Handle: func(cmd toolrun.Command) error {
		var err error
		seen, err = os.ReadFile(cmd.Args[1])
		return err
	}}
	c := New(rec)
	require.NoError(t, c.Run(context.Background(), []byte(`{"pipeline":["a.las"]}`), dir, "tile_ground"))
	require.NoError(t, c.Translate(context.Background(), "a.laz", "a_converted.las"))

	calls := rec.Calls()
	assert.Equal(t, []string{"pipeline", filepath.Join(dir, "tile_ground.pipeline.json")}, calls[0].Args)
	assert.Equal(t, `{"pipeline":["a.las"]}`, string(seen))
	assert.NoFileExists(t, filepath.Join(dir, "tile_ground.pipeline.json"))
	assert.Equal(t, []string{"translate", "a.laz", "a_converted.las"}, calls[1].Args)
}
