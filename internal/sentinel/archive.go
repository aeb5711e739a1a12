package sentinel

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
)

var ErrUnsafeArchive = errors.New("archive entry escapes destination")

// ExtractSAFE unpacks a product archive into dir and moves the .SAFE
// directory named safeName into place. Extraction happens in a scratch
// directory next to the target so a half-written product is never visible.
func ExtractSAFE(archive, dir, safeName string) error {
	scratch, err := os.MkdirTemp(dir, ".extract-")
	if err != nil {
		return fmt.Errorf("failed to create extraction directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	if err := unzip(archive, scratch); err != nil {
		return err
	}

	src := filepath.Join(scratch, safeName)
	if _, err := os.Stat(src); err != nil {
		// Some mirrors wrap the product in an extra directory.
		matches, _ := filepath.Glob(filepath.Join(scratch, "*", safeName))
		if len(matches) == 0 {
			return fmt.Errorf("archive %s does not contain %s", filepath.Base(archive), safeName)
		}
		src = matches[0]
	}
	if err := os.Rename(src, filepath.Join(dir, safeName)); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", safeName, err)
	}
	return nil
}

func unzip(archive, dest string) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", filepath.Base(archive), err)
	}
	defer r.Close()

	root := filepath.Clean(dest) + string(os.PathSeparator)
	for _, f := range r.File {
		target := filepath.Join(dest, f.Name)
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("%w: %s", ErrUnsafeArchive, f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := writeEntry(f, target); err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to read archive entry %s: %w", f.Name, err)
	}
	defer rc.Close()
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract %s: %w", f.Name, err)
	}
	return out.Close()
}
