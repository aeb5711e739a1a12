// Package aoi resolves the single area-of-interest polygon every pipeline
// works against, from a GeoJSON file or a bounding box, in EPSG:4326.
package aoi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
)

// WGS84 is the canonical CRS of a loaded AOI.
const WGS84 = "EPSG:4326"

var (
	ErrNoAOI        = errors.New("no area of interest configured: set aoi_geojson_path or aoi_bbox")
	ErrMalformedAOI = errors.New("malformed area of interest")
)

// Reprojector rewrites a vector file into another CRS. sourceSRS is empty
// when the file declares its own.
type Reprojector interface {
	ReprojectVector(ctx context.Context, src, dst, sourceSRS, targetSRS string) error
}

// AOI is a polygon or multipolygon in EPSG:4326.
type AOI struct {
	Geometry orb.Geometry
	// Source describes where the geometry came from, for logging.
	Source string
}

// WKT returns the geometry as well-known text.
func (a *AOI) WKT() string { return wkt.MarshalString(a.Geometry) }

// Bound returns the geometry's bounding box.
func (a *AOI) Bound() orb.Bound { return a.Geometry.Bound() }

// Options are the AOI inputs from the DEFAULT section.
type Options struct {
	GeoJSONPath string
	BBox        string
	// ScratchDir receives the reprojected copy of a non-WGS84 GeoJSON.
	ScratchDir  string
	Reprojector Reprojector
}

// Load resolves the AOI. A GeoJSON path that does not exist falls back to
// the bbox, matching how the two keys were always combined.
func Load(ctx context.Context, logger *slog.Logger, opts Options) (*AOI, error) {
	if opts.GeoJSONPath != "" {
		if _, err := os.Stat(opts.GeoJSONPath); err == nil {
			logger.Info("Using AOI from GeoJSON.", "path", opts.GeoJSONPath)
			g, err := readGeoJSON(ctx, opts.GeoJSONPath, opts)
			if err != nil {
				return nil, err
			}
			return &AOI{Geometry: g, Source: opts.GeoJSONPath}, nil
		}
		logger.Warn("AOI GeoJSON file specified but not found. Checking bbox.", "path", opts.GeoJSONPath)
	}
	if strings.TrimSpace(opts.BBox) != "" {
		poly, err := ParseBBox(opts.BBox)
		if err != nil {
			return nil, err
		}
		logger.Info("Using AOI from bbox.", "bbox", opts.BBox)
		return &AOI{Geometry: poly, Source: "bbox"}, nil
	}
	return nil, ErrNoAOI
}

// ParseBBox builds the polygon for "lon_min,lat_min,lon_max,lat_max". The
// ring runs (min,min) (min,max) (max,max) (max,min) and closes on the first
// corner.
func ParseBBox(s string) (orb.Polygon, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("%w: bbox must have 4 coordinates (lon_min, lat_min, lon_max, lat_max), got %q", ErrMalformedAOI, s)
	}
	var c [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bbox coordinate %q: %v", ErrMalformedAOI, p, err)
		}
		c[i] = f
	}
	minX, minY, maxX, maxY := c[0], c[1], c[2], c[3]
	if minX >= maxX || minY >= maxY {
		return nil, fmt.Errorf("%w: bbox %q is empty or inverted", ErrMalformedAOI, s)
	}
	return orb.Polygon{orb.Ring{
		{minX, minY},
		{minX, maxY},
		{maxX, maxY},
		{maxX, minY},
		{minX, minY},
	}}, nil
}

type probe struct {
	Type string `json:"type"`
	CRS  *struct {
		Properties struct {
			Name string `json:"name"`
		} `json:"properties"`
	} `json:"crs"`
}

func readGeoJSON(ctx context.Context, path string, opts Options) (orb.Geometry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read AOI GeoJSON %s: %w", path, err)
	}
	var p probe
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedAOI, path, err)
	}

	if p.CRS != nil && !isWGS84(p.CRS.Properties.Name) {
		if opts.Reprojector == nil {
			return nil, fmt.Errorf("%w: %s declares CRS %s and no reprojector is available", ErrMalformedAOI, path, p.CRS.Properties.Name)
		}
		dir := opts.ScratchDir
		if dir == "" {
			dir = os.TempDir()
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
		dst := filepath.Join(dir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))+"_wgs84.geojson")
		if err := opts.Reprojector.ReprojectVector(ctx, path, dst, "", WGS84); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedAOI, err)
		}
		if data, err = os.ReadFile(dst); err != nil {
			return nil, fmt.Errorf("failed to read reprojected AOI %s: %w", dst, err)
		}
	}

	g, err := firstGeometry(p.Type, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedAOI, path, err)
	}
	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon:
		return g, nil
	case nil:
		return nil, fmt.Errorf("%w: %s has no geometry", ErrMalformedAOI, path)
	default:
		return nil, fmt.Errorf("%w: %s geometry is a %s, want Polygon or MultiPolygon", ErrMalformedAOI, path, g.GeoJSONType())
	}
}

func firstGeometry(kind string, data []byte) (orb.Geometry, error) {
	switch kind {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, err
		}
		if len(fc.Features) == 0 {
			return nil, errors.New("feature collection is empty")
		}
		return fc.Features[0].Geometry, nil
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, err
		}
		return f.Geometry, nil
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, err
		}
		return g.Geometry(), nil
	}
}

func isWGS84(name string) bool {
	n := strings.ToUpper(name)
	return n == "" || strings.HasSuffix(n, "CRS84") || strings.HasSuffix(n, ":4326")
}

// WriteGeoJSON writes g as a one-feature collection.
func WriteGeoJSON(path string, g orb.Geometry) error {
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(g))
	data, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("failed to encode GeoJSON: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Cutline writes the AOI reprojected into targetSRS under dir and returns
// the file path, ready for use as a gdalwarp cutline.
func (a *AOI) Cutline(ctx context.Context, r Reprojector, targetSRS, dir, base string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	src := filepath.Join(dir, base+"_aoi_wgs84.geojson")
	if err := WriteGeoJSON(src, a.Geometry); err != nil {
		return "", err
	}
	defer os.Remove(src)

	dst := filepath.Join(dir, base+"_aoi_cutline.geojson")
	if err := r.ReprojectVector(ctx, src, dst, WGS84, targetSRS); err != nil {
		return "", err
	}
	return dst, nil
}
