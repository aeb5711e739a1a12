// Package sentinel handles Sentinel-2 products: catalogue search and
// download from the Copernicus Data Space, product naming, .SAFE layout
// lookups and Sen2Cor atmospheric correction.
package sentinel

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Level is a Sentinel-2 processing level.
type Level string

const (
	LevelUnknown Level = ""
	LevelL1C     Level = "L1C"
	LevelL2A     Level = "L2A"
)

// Catalogue product types for each level.
const (
	ProductTypeL1C = "S2MSI1C"
	ProductTypeL2A = "S2MSI2A"
)

var ErrBandNotFound = errors.New("band file not found")

// LevelOf returns the level encoded in a product name.
func LevelOf(productName string) Level {
	switch {
	case strings.Contains(productName, "MSIL1C"):
		return LevelL1C
	case strings.Contains(productName, "MSIL2A"):
		return LevelL2A
	}
	return LevelUnknown
}

// LevelOfProductType maps S2MSI1C / S2MSI2A to a level.
func LevelOfProductType(productType string) Level {
	switch strings.ToUpper(productType) {
	case ProductTypeL1C:
		return LevelL1C
	case ProductTypeL2A:
		return LevelL2A
	}
	return LevelUnknown
}

// BaseName strips the .SAFE suffix.
func BaseName(productName string) string {
	return strings.TrimSuffix(filepath.Base(productName), ".SAFE")
}

// l2aMatch returns the name prefix and tile field a Sen2Cor output for the
// given L1C product carries. Sen2Cor rewrites the processing baseline and
// generation time, so only mission, level, sensing time and tile are stable.
func l2aMatch(l1cName string) (prefix, tile string) {
	parts := strings.Split(BaseName(l1cName), "_")
	if len(parts) < 3 {
		return strings.Replace(BaseName(l1cName), "MSIL1C", "MSIL2A", 1), ""
	}
	prefix = strings.Join([]string{parts[0], strings.Replace(parts[1], "MSIL1C", "MSIL2A", 1), parts[2]}, "_")
	for _, p := range parts[3:] {
		if len(p) == 6 && p[0] == 'T' {
			tile = p
		}
	}
	return prefix, tile
}

// IsL2AOf reports whether name looks like the Sen2Cor output of l1cName.
func IsL2AOf(name, l1cName string) bool {
	if !strings.HasSuffix(name, ".SAFE") {
		return false
	}
	prefix, tile := l2aMatch(l1cName)
	if !strings.HasPrefix(name, prefix) {
		return false
	}
	return tile == "" || strings.Contains(name, "_"+tile+"_")
}

// OutputName is the processed GeoTIFF name for a product, band set and
// resolution, e.g. S2A_MSIL2A_..._Processed_02030408_10m.tif.
func OutputName(productName string, bands []string, resolution int) string {
	var suffix strings.Builder
	for _, b := range bands {
		suffix.WriteString(strings.ReplaceAll(strings.ToUpper(b), "B", ""))
	}
	return fmt.Sprintf("%s_Processed_%s_%dm.tif", BaseName(productName), suffix.String(), resolution)
}

// Granule returns the first granule directory of a .SAFE product,
// preferring the L2A_ granules Sen2Cor writes.
func Granule(productDir string) (string, error) {
	entries, err := os.ReadDir(filepath.Join(productDir, "GRANULE"))
	if err != nil {
		return "", fmt.Errorf("failed to list granules of %s: %w", filepath.Base(productDir), err)
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) == 0 {
		return "", fmt.Errorf("product %s has no granule", filepath.Base(productDir))
	}
	sort.Strings(dirs)
	for _, d := range dirs {
		if strings.HasPrefix(d, "L2A_") {
			return filepath.Join(productDir, "GRANULE", d), nil
		}
	}
	return filepath.Join(productDir, "GRANULE", dirs[0]), nil
}

// FindBand locates band (e.g. "B04") at resolution metres inside a granule.
func FindBand(granule, band string, resolution int) (string, error) {
	res := strconv.Itoa(resolution)
	dirs := []string{
		filepath.Join(granule, "IMG_DATA", "R"+res+"m"),
		filepath.Join(granule, "IMG_DATA"),
	}
	band = strings.ToUpper(band)
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			n := e.Name()
			if e.IsDir() || !strings.HasSuffix(n, ".jp2") {
				continue
			}
			if strings.Contains(n, "_"+band+"_"+res+"m.jp2") || strings.HasSuffix(n, "_"+band+".jp2") {
				return filepath.Join(dir, n), nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s at %dm in %s", ErrBandNotFound, band, resolution, filepath.Base(granule))
}

// FindSCL locates the 20 m scene classification raster of an L2A granule.
func FindSCL(granule string) (string, error) {
	patterns := []string{
		filepath.Join(granule, "IMG_DATA", "R20m", "*_SCL_20m.jp2"),
		filepath.Join(granule, "QI_DATA", "*SCL_20m.jp2"),
	}
	for _, p := range patterns {
		matches, _ := filepath.Glob(p)
		if len(matches) > 0 {
			sort.Strings(matches)
			return matches[0], nil
		}
	}
	return "", fmt.Errorf("%w: SCL in %s", ErrBandNotFound, filepath.Base(granule))
}
