package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/Lllllllleong/surveyflow/internal/config"
	"github.com/Lllllllleong/surveyflow/internal/fetch"
	"github.com/Lllllllleong/surveyflow/internal/models"
	"github.com/Lllllllleong/surveyflow/internal/textproc"
)

// TextAcquireFunction fetches the configured web pages, PDFs and text files.
type TextAcquireFunction struct {
	deps       Deps
	config     config.TextSettings
	downloader *fetch.Downloader
}

// NewTextAcquire creates a new TextAcquireFunction instance.
func NewTextAcquire(deps Deps, settings config.TextSettings) *TextAcquireFunction {
	deps = deps.withDefaults()
	opts := fetch.Options{
		Timeout:      settings.FetchTimeout,
		Headers:      http.Header{"User-Agent": []string{settings.UserAgent}},
		MaxBodyBytes: settings.MaxResponseBytes,
	}
	if deps.HTTPClient != nil {
		opts.Client = deps.HTTPClient
	}
	return &TextAcquireFunction{
		deps:       deps,
		config:     settings,
		downloader: fetch.New(deps.Logger, opts),
	}
}

// Process acquires every source whose completion marker is missing.
func (f *TextAcquireFunction) Process(ctx context.Context) (*models.BatchReport, error) {
	logger := f.deps.Logger.With("pipeline", PipelineText, "stage", StageAcquire)
	b := newBatch(f.deps, PipelineText, StageAcquire)
	defer func() { b.report.Fetches = f.downloader.Requests() }()

	sources := textproc.ParseSources(f.config.SourceLines, logger)
	if len(sources) == 0 {
		logger.Warn("No text data sources configured. Nothing to download.")
		return b.finish(logger), nil
	}
	if err := os.MkdirAll(f.config.RawDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create raw directory %s: %w", f.config.RawDir, err)
	}
	logger.Info("Starting text acquisition.", "sources", len(sources), "rawDir", f.config.RawDir,
		"force", f.config.ForceReprocessRaw)

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return b.finish(logger), err
		}
		f.acquire(ctx, logger, b, src)
	}
	return b.finish(logger), nil
}

func (f *TextAcquireFunction) acquire(ctx context.Context, logger *slog.Logger, b *batch, src textproc.Source) {
	logCtx := logger.With("item", src.URL)

	if !f.config.ForceReprocessRaw {
		for _, marker := range src.Candidates(f.config.RawDir) {
			if b.done(ctx, logCtx, src.URL, marker) {
				logCtx.Info("Source already acquired. Skipping.", "path", filepath.Base(marker))
				b.skip(src.URL, marker)
				return
			}
		}
	}

	// --- 1. Fetch ---
	resp, err := f.downloader.Fetch(ctx, src.URL)
	if err != nil {
		b.handleItemError(ctx, logCtx, src.URL, "failed to fetch source", err)
		return
	}

	// --- 2. Classify ---
	kind, inferred := textproc.ClassifySource(src.Type, src.URL, resp.ContentType)
	if !inferred {
		logCtx.Warn("Could not infer source type. Treating it as HTML.", "contentType", resp.ContentType)
	}
	base := src.BaseName()
	files := textproc.RawFiles(f.config.RawDir, base, kind)
	logCtx = logCtx.With("type", kind, "name", base)

	// --- 3. Store ---
	switch kind {
	case textproc.TypeHTML:
		if err := writeFileAtomic(files[0], resp.Body); err != nil {
			b.handleItemError(ctx, logCtx, src.URL, "failed to save raw HTML", err)
			return
		}
		text, err := textproc.ExtractMainContent(resp.Body, src.URL)
		if err != nil {
			logCtx.Warn("Failed to extract main content. Writing empty text.", "error", err)
			text = ""
		}
		if text == "" {
			logCtx.Warn("No main text found in HTML. Raw HTML is saved.")
		}
		if err := writeFileAtomic(files[1], []byte(text)); err != nil {
			b.handleItemError(ctx, logCtx, src.URL, "failed to save extracted text", err)
			return
		}
		logCtx.Info("Saved HTML and extracted text.", "chars", len([]rune(text)))
	case textproc.TypePDF, textproc.TypePDFOCR:
		if err := writeFileAtomic(files[0], resp.Body); err != nil {
			b.handleItemError(ctx, logCtx, src.URL, "failed to save PDF", err)
			return
		}
		if pages, err := textproc.InspectPDF(files[0]); err != nil {
			logCtx.Warn("Downloaded PDF failed validation. Keeping it for extraction.", "error", err)
		} else {
			logCtx.Info("Saved PDF.", "pages", pages)
		}
	default:
		if err := writeFileAtomic(files[0], resp.Body); err != nil {
			b.handleItemError(ctx, logCtx, src.URL, "failed to save text", err)
			return
		}
		logCtx.Info("Saved text file.", "bytes", len(resp.Body))
	}

	b.complete(ctx, logCtx, src.URL, models.StatusDone, nil, files...)
}

// writeFileAtomic writes data beside path and renames it into place, so a
// completion marker never names a partial file.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}
