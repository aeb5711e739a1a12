package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
)

// NewStorageClient creates a Cloud Storage client.
func NewStorageClient(ctx context.Context) (*storage.Client, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	return client, nil
}

// ObjectWriter opens a writer for an object that must not exist yet.
type ObjectWriter interface {
	NewWriter(ctx context.Context, objectName string) io.WriteCloser
}

// BucketWriter adapts a bucket handle to ObjectWriter with a DoesNotExist
// precondition on every object.
type BucketWriter struct {
	Bucket *storage.BucketHandle
}

func (b BucketWriter) NewWriter(ctx context.Context, objectName string) io.WriteCloser {
	return b.Bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
}

// SaveToGCSAtomically writes content to objectName only if it doesn't
// already exist. An existing object is reported as written=false, nil.
func SaveToGCSAtomically(ctx context.Context, logger *slog.Logger, w ObjectWriter, objectName string, content io.Reader) (bool, error) {
	writer := w.NewWriter(ctx, objectName)

	if _, err := io.Copy(writer, content); err != nil {
		_ = writer.Close()
		if preconditionFailed(err) {
			logger.Info("Object already exists. Skipping.", "object", objectName)
			return false, nil
		}
		logger.Error("Failed to copy content to GCS object.", "object", objectName, "error", err)
		return false, fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		if preconditionFailed(err) {
			logger.Info("Object already exists. Skipping.", "object", objectName)
			return false, nil
		}
		logger.Error("Failed to close GCS writer.", "object", objectName, "error", err)
		return false, fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return true, nil
}

func preconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
