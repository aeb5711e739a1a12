// Package raster reads and rewrites the pixel data of ENVI-format rasters
// produced by GDAL. Georeferencing stays in the .hdr sidecar, which is never
// modified, so a rewritten file keeps its grid and CRS.
package raster

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

var ErrUnsupported = errors.New("unsupported ENVI raster")

// DataType is an ENVI "data type" code.
type DataType int

const (
	Byte    DataType = 1
	Int16   DataType = 2
	Int32   DataType = 3
	Float32 DataType = 4
	Float64 DataType = 5
	UInt16  DataType = 12
	UInt32  DataType = 13
)

// Size returns the sample width in bytes, or 0 for unknown codes.
func (d DataType) Size() int {
	switch d {
	case Byte:
		return 1
	case Int16, UInt16:
		return 2
	case Int32, UInt32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

// gdalNames maps data types to GDAL's -ot names.
var gdalNames = map[DataType]string{
	Byte:    "Byte",
	Int16:   "Int16",
	Int32:   "Int32",
	Float32: "Float32",
	Float64: "Float64",
	UInt16:  "UInt16",
	UInt32:  "UInt32",
}

// GDALName returns the type name gdal_translate -ot accepts.
func (d DataType) GDALName() string { return gdalNames[d] }

// ParseGDALType is the inverse of GDALName.
func ParseGDALType(name string) (DataType, bool) {
	for dt, n := range gdalNames {
		if strings.EqualFold(n, name) {
			return dt, true
		}
	}
	return 0, false
}

// Holds reports whether v is stored exactly by the type.
func (d DataType) Holds(v float64) bool {
	switch d {
	case Float32:
		return math.IsNaN(v) || float64(float32(v)) == v
	case Float64:
		return true
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v != math.Trunc(v) {
		return false
	}
	switch d {
	case Byte:
		return v >= 0 && v <= math.MaxUint8
	case Int16:
		return v >= math.MinInt16 && v <= math.MaxInt16
	case UInt16:
		return v >= 0 && v <= math.MaxUint16
	case Int32:
		return v >= math.MinInt32 && v <= math.MaxInt32
	case UInt32:
		return v >= 0 && v <= math.MaxUint32
	}
	return false
}

// WidenFor returns d when it holds v, otherwise the narrowest type that holds
// both every value of d and v.
func WidenFor(d DataType, v float64) DataType {
	if d.Holds(v) {
		return d
	}
	switch d {
	case Byte, Int16, UInt16:
		if Int32.Holds(v) {
			return Int32
		}
		if Float32.Holds(v) {
			return Float32
		}
	}
	return Float64
}

// Header holds the fields of an ENVI header that locate pixel data.
type Header struct {
	Samples      int
	Lines        int
	Bands        int
	HeaderOffset int
	DataType     DataType
	BigEndian    bool
}

func (h Header) order() binary.ByteOrder {
	if h.BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// File is an ENVI band-sequential raster on disk.
type File struct {
	Header
	DataPath   string
	HeaderPath string
}

// HeaderPath returns the .hdr path GDAL uses for an ENVI data file.
func HeaderPath(dataPath string) string {
	ext := filepath.Ext(dataPath)
	if ext == "" {
		return dataPath + ".hdr"
	}
	return strings.TrimSuffix(dataPath, ext) + ".hdr"
}

// Open parses the header of the ENVI file at dataPath.
func Open(dataPath string) (*File, error) {
	hdrPath := HeaderPath(dataPath)
	if _, err := os.Stat(hdrPath); err != nil {
		alt := dataPath + ".hdr"
		if _, altErr := os.Stat(alt); altErr != nil {
			return nil, fmt.Errorf("failed to find ENVI header for %s: %w", dataPath, err)
		}
		hdrPath = alt
	}
	fields, err := readHeader(hdrPath)
	if err != nil {
		return nil, err
	}

	var h Header
	ints := map[string]*int{
		"samples":       &h.Samples,
		"lines":         &h.Lines,
		"bands":         &h.Bands,
		"header offset": &h.HeaderOffset,
	}
	for key, dst := range ints {
		v, ok := fields[key]
		if !ok {
			if key == "header offset" {
				continue
			}
			return nil, fmt.Errorf("%w: %s lacks %q", ErrUnsupported, hdrPath, key)
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s %s = %q", ErrUnsupported, hdrPath, key, v)
		}
		*dst = n
	}
	dt, err := strconv.Atoi(fields["data type"])
	if err != nil || DataType(dt).Size() == 0 {
		return nil, fmt.Errorf("%w: %s data type %q", ErrUnsupported, hdrPath, fields["data type"])
	}
	h.DataType = DataType(dt)
	if il := strings.ToLower(fields["interleave"]); il != "" && il != "bsq" {
		return nil, fmt.Errorf("%w: %s interleave %q, want bsq", ErrUnsupported, hdrPath, il)
	}
	h.BigEndian = fields["byte order"] == "1"
	if h.Samples <= 0 || h.Lines <= 0 || h.Bands <= 0 {
		return nil, fmt.Errorf("%w: %s has empty dimensions", ErrUnsupported, hdrPath)
	}

	return &File{Header: h, DataPath: dataPath, HeaderPath: hdrPath}, nil
}

// Create writes a header and a zero-filled data file.
func Create(dataPath string, h Header) (*File, error) {
	if h.DataType.Size() == 0 {
		return nil, fmt.Errorf("%w: data type %d", ErrUnsupported, h.DataType)
	}
	order := 0
	if h.BigEndian {
		order = 1
	}
	hdr := fmt.Sprintf("ENVI\nsamples = %d\nlines   = %d\nbands   = %d\nheader offset = %d\nfile type = ENVI Standard\ndata type = %d\ninterleave = bsq\nbyte order = %d\n",
		h.Samples, h.Lines, h.Bands, h.HeaderOffset, h.DataType, order)
	hdrPath := HeaderPath(dataPath)
	if err := os.WriteFile(hdrPath, []byte(hdr), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", hdrPath, err)
	}
	size := int64(h.HeaderOffset) + int64(h.Samples)*int64(h.Lines)*int64(h.Bands)*int64(h.DataType.Size())
	f, err := os.Create(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", dataPath, err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return nil, fmt.Errorf("failed to size %s: %w", dataPath, err)
	}
	return &File{Header: h, DataPath: dataPath, HeaderPath: hdrPath}, nil
}

func readHeader(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ENVI header %s: %w", path, err)
	}
	defer f.Close()

	fields := map[string]string{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	first := true
	var key string
	var pending strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if first {
			first = false
			if line != "ENVI" {
				return nil, fmt.Errorf("%w: %s is not an ENVI header", ErrUnsupported, path)
			}
			continue
		}
		if key != "" {
			pending.WriteString(" " + line)
			if strings.Contains(line, "}") {
				fields[key] = pending.String()
				key = ""
				pending.Reset()
			}
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if strings.HasPrefix(v, "{") && !strings.Contains(v, "}") {
			key = k
			pending.WriteString(v)
			continue
		}
		fields[k] = v
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ENVI header %s: %w", path, err)
	}
	return fields, nil
}

// SameShape reports whether two files have the same width and height.
func (f *File) SameShape(o *File) bool {
	return f.Samples == o.Samples && f.Lines == o.Lines
}

func (f *File) offset(band, row int) int64 {
	return int64(f.HeaderOffset) + (int64(band)*int64(f.Lines)+int64(row))*int64(f.Samples)*int64(f.DataType.Size())
}

func (f *File) checkRows(band, row, n, have int) error {
	if band < 0 || band >= f.Bands || row < 0 || n < 0 || row+n > f.Lines {
		return fmt.Errorf("rows %d+%d of band %d outside %dx%dx%d raster", row, n, band, f.Samples, f.Lines, f.Bands)
	}
	if have < n*f.Samples {
		return fmt.Errorf("buffer holds %d values, need %d", have, n*f.Samples)
	}
	return nil
}

// ReadRows decodes n rows of band starting at row into dst.
func (f *File) ReadRows(band, row, n int, dst []float64) error {
	if err := f.checkRows(band, row, n, len(dst)); err != nil {
		return err
	}
	fh, err := os.Open(f.DataPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", f.DataPath, err)
	}
	defer fh.Close()

	size := f.DataType.Size()
	buf := make([]byte, n*f.Samples*size)
	if _, err := fh.ReadAt(buf, f.offset(band, row)); err != nil {
		return fmt.Errorf("failed to read %s: %w", f.DataPath, err)
	}
	order := f.order()
	for i := 0; i < n*f.Samples; i++ {
		dst[i] = decode(f.DataType, order, buf[i*size:(i+1)*size])
	}
	return nil
}

// WriteRows encodes n rows of src into band starting at row. Values are
// truncated toward zero and clamped for integer types.
func (f *File) WriteRows(band, row, n int, src []float64) error {
	if err := f.checkRows(band, row, n, len(src)); err != nil {
		return err
	}
	fh, err := os.OpenFile(f.DataPath, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open %s for writing: %w", f.DataPath, err)
	}

	size := f.DataType.Size()
	buf := make([]byte, n*f.Samples*size)
	order := f.order()
	for i := 0; i < n*f.Samples; i++ {
		encode(f.DataType, order, buf[i*size:(i+1)*size], src[i])
	}
	if _, err := fh.WriteAt(buf, f.offset(band, row)); err != nil {
		_ = fh.Close()
		return fmt.Errorf("failed to write %s: %w", f.DataPath, err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", f.DataPath, err)
	}
	return nil
}

func decode(dt DataType, order binary.ByteOrder, b []byte) float64 {
	switch dt {
	case Byte:
		return float64(b[0])
	case Int16:
		return float64(int16(order.Uint16(b)))
	case UInt16:
		return float64(order.Uint16(b))
	case Int32:
		return float64(int32(order.Uint32(b)))
	case UInt32:
		return float64(order.Uint32(b))
	case Float32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case Float64:
		return math.Float64frombits(order.Uint64(b))
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	v = math.Trunc(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func encode(dt DataType, order binary.ByteOrder, b []byte, v float64) {
	if math.IsNaN(v) && dt != Float32 && dt != Float64 {
		v = 0
	}
	switch dt {
	case Byte:
		b[0] = uint8(clamp(v, 0, math.MaxUint8))
	case Int16:
		order.PutUint16(b, uint16(int16(clamp(v, math.MinInt16, math.MaxInt16))))
	case UInt16:
		order.PutUint16(b, uint16(clamp(v, 0, math.MaxUint16)))
	case Int32:
		order.PutUint32(b, uint32(int32(clamp(v, math.MinInt32, math.MaxInt32))))
	case UInt32:
		order.PutUint32(b, uint32(clamp(v, 0, math.MaxUint32)))
	case Float32:
		order.PutUint32(b, math.Float32bits(float32(v)))
	case Float64:
		order.PutUint64(b, math.Float64bits(v))
	}
}
