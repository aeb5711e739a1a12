package services

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/surveyflow/internal/aoi"
	"github.com/Lllllllleong/surveyflow/internal/logging"
	"github.com/Lllllllleong/surveyflow/internal/raster"
	"github.com/Lllllllleong/surveyflow/internal/toolrun"
)

// utmInfo is gdalinfo output for a 2x2 raster in UTM zone 20N.
const utmInfo = `{"size":[2,2],"geoTransform":[500000,10,0,9000000,0,-10],
	"coordinateSystem":{"wkt":"PROJCS[\"WGS 84 / UTM zone 20N\"]"},
	"bands":[{"band":1,"type":"UInt16"}]}`

func testDeps(runner toolrun.Runner) Deps {
	return Deps{Logger: logging.Discard(), Runner: runner}
}

func testAOI(t *testing.T) *aoi.AOI {
	t.Helper()
	poly, err := aoi.ParseBBox("-60.1,-3.2,-60.0,-3.1")
	require.NoError(t, err)
	return &aoi.AOI{Geometry: poly, Source: "bbox"}
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, touchFile(path))
}

func touchFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("x"), 0o644)
}

func lastArg(cmd toolrun.Command) string { return cmd.Args[len(cmd.Args)-1] }

// argAfter returns the argument following flag, or "".
func argAfter(cmd toolrun.Command, flag string) string {
	for i, a := range cmd.Args[:len(cmd.Args)-1] {
		if a == flag {
			return cmd.Args[i+1]
		}
	}
	return ""
}

func hasArg(cmd toolrun.Command, arg string) bool {
	for _, a := range cmd.Args {
		if a == arg {
			return true
		}
	}
	return false
}

// writeENVI creates a band-sequential raster where every pixel of band b
// holds values[b].
func writeENVI(path string, samples, lines int, dt raster.DataType, values ...float64) error {
	f, err := raster.Create(path, raster.Header{Samples: samples, Lines: lines, Bands: len(values), DataType: dt})
	if err != nil {
		return err
	}
	for b, v := range values {
		row := make([]float64, samples*lines)
		for i := range row {
			row[i] = v
		}
		if err := f.WriteRows(b, 0, lines, row); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
