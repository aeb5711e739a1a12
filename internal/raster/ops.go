package raster

import (
	"errors"
	"fmt"
)

// ErrNoDataOutOfRange reports a no-data value the raster's data type cannot
// store without clamping.
var ErrNoDataOutOfRange = errors.New("no-data value does not fit the raster data type")

// blockRows bounds how many rows are held in memory per band.
const blockRows = 256

// ApplyCloudMask sets every band of stack to nodata wherever band 1 of scl
// holds one of the excluded classes. Both rasters must share a grid. It
// returns the number of masked pixel positions. A nodata value the stack's
// data type cannot hold fails with ErrNoDataOutOfRange before any write.
func ApplyCloudMask(stack, scl *File, exclude []int, nodata float64) (int64, error) {
	if !stack.DataType.Holds(nodata) {
		return 0, fmt.Errorf("%w: %v in %s", ErrNoDataOutOfRange, nodata, stack.DataType.GDALName())
	}
	if !stack.SameShape(scl) {
		return 0, fmt.Errorf("cloud mask is %dx%d but band stack is %dx%d", scl.Samples, scl.Lines, stack.Samples, stack.Lines)
	}
	excluded := make(map[float64]bool, len(exclude))
	for _, c := range exclude {
		excluded[float64(c)] = true
	}

	var masked int64
	mask := make([]float64, blockRows*stack.Samples)
	vals := make([]float64, blockRows*stack.Samples)
	for row := 0; row < stack.Lines; row += blockRows {
		n := min(blockRows, stack.Lines-row)
		if err := scl.ReadRows(0, row, n, mask); err != nil {
			return masked, err
		}
		var hit []int
		for i := 0; i < n*stack.Samples; i++ {
			if excluded[mask[i]] {
				hit = append(hit, i)
			}
		}
		masked += int64(len(hit))
		if len(hit) == 0 {
			continue
		}
		for band := 0; band < stack.Bands; band++ {
			if err := stack.ReadRows(band, row, n, vals); err != nil {
				return masked, err
			}
			for _, i := range hit {
				vals[i] = nodata
			}
			if err := stack.WriteRows(band, row, n, vals); err != nil {
				return masked, err
			}
		}
	}
	return masked, nil
}

// Mean writes into dst the per-pixel average of band 1 of every source,
// truncated to dst's data type. dst may be one of the sources.
func Mean(dst *File, srcs ...*File) error {
	if len(srcs) == 0 {
		return errors.New("mean of zero rasters")
	}
	for _, s := range srcs {
		if !dst.SameShape(s) {
			return fmt.Errorf("raster %s is %dx%d, want %dx%d", s.DataPath, s.Samples, s.Lines, dst.Samples, dst.Lines)
		}
	}

	sum := make([]float64, blockRows*dst.Samples)
	buf := make([]float64, blockRows*dst.Samples)
	for row := 0; row < dst.Lines; row += blockRows {
		n := min(blockRows, dst.Lines-row)
		clear(sum)
		for _, s := range srcs {
			if err := s.ReadRows(0, row, n, buf); err != nil {
				return err
			}
			for i := 0; i < n*dst.Samples; i++ {
				sum[i] += buf[i]
			}
		}
		for i := 0; i < n*dst.Samples; i++ {
			sum[i] /= float64(len(srcs))
		}
		if err := dst.WriteRows(0, row, n, sum); err != nil {
			return err
		}
	}
	return nil
}
