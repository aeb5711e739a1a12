package publish

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/Lllllllleong/surveyflow/internal/gcp"
)

// GCS uploads with a DoesNotExist precondition.
type GCS struct {
	writer gcp.ObjectWriter
	logger *slog.Logger
}

func NewGCS(logger *slog.Logger, writer gcp.ObjectWriter) *GCS {
	return &GCS{writer: writer, logger: logger}
}

func (g *GCS) Upload(ctx context.Context, key, localPath string) (bool, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()
	return gcp.SaveToGCSAtomically(ctx, g.logger, g.writer, key, f)
}
