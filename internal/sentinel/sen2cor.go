package sentinel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Lllllllleong/surveyflow/internal/toolrun"
)

var ErrL2ANotFound = errors.New("Sen2Cor output product not found")

// Sen2Cor runs the L2A_Process atmospheric correction.
type Sen2Cor struct {
	path   string
	runner toolrun.Runner
}

// NewSen2Cor returns a Sen2Cor bound to the L2A_Process executable at path.
func NewSen2Cor(path string, runner toolrun.Runner) *Sen2Cor {
	return &Sen2Cor{path: path, runner: runner}
}

// Available reports whether the configured executable exists.
func (s *Sen2Cor) Available() bool {
	if s == nil || s.path == "" {
		return false
	}
	_, err := os.Stat(s.path)
	return err == nil
}

// Correct converts an L1C product and returns the directory of the L2A
// product it produced.
func (s *Sen2Cor) Correct(ctx context.Context, l1cDir string) (string, error) {
	if err := s.runner.Run(ctx, toolrun.Command{Name: s.path, Args: []string{l1cDir}}); err != nil {
		return "", fmt.Errorf("failed to run Sen2Cor on %s: %w", filepath.Base(l1cDir), err)
	}
	return FindL2AOutput(l1cDir)
}

// FindL2AOutput searches where Sen2Cor versions put their output: beside the
// L1C product, inside it, or two levels up for USERPROD layouts.
func FindL2AOutput(l1cDir string) (string, error) {
	name := filepath.Base(l1cDir)
	searchDirs := []string{filepath.Dir(l1cDir), l1cDir}
	if strings.Contains(l1cDir, "USERPROD") {
		searchDirs = append(searchDirs, filepath.Dir(filepath.Dir(l1cDir)))
	}
	for _, dir := range searchDirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() && IsL2AOf(e.Name(), name) {
				return filepath.Join(dir, e.Name()), nil
			}
		}
	}
	return "", fmt.Errorf("%w for %s", ErrL2ANotFound, name)
}
