package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Lllllllleong/surveyflow/internal/config"
	"github.com/Lllllllleong/surveyflow/internal/logging"
	"github.com/Lllllllleong/surveyflow/internal/models"
	"github.com/Lllllllleong/surveyflow/internal/textproc"
)

// TextPreprocessFunction extracts, cleans and language-tags acquired texts.
type TextPreprocessFunction struct {
	deps     Deps
	config   config.TextSettings
	cleaner  *textproc.Cleaner
	detector textproc.LanguageDetector

	// pdf follows pdf_extraction_method; ocr serves sources declared PDF_OCR.
	pdf textproc.Extractor
	ocr textproc.Extractor
	// ocrNames holds the base names of PDF_OCR sources.
	ocrNames map[string]bool
}

// NewTextPreprocess creates a new TextPreprocessFunction instance.
func NewTextPreprocess(deps Deps, settings config.TextSettings) *TextPreprocessFunction {
	deps = deps.withDefaults()
	logger := deps.Logger.With("pipeline", PipelineText, "stage", StagePreprocess)

	ocr := &textproc.OCRExtractor{
		Languages:      settings.OCRLanguages,
		DPI:            float64(settings.OCRDPI),
		TessdataPrefix: settings.TessdataPrefix,
		ScratchDir:     settings.OCRDir,
		Logger:         logger,
	}
	var pdf textproc.Extractor
	switch settings.PDFMethod {
	case textproc.MethodOCROnly:
		pdf = ocr
	case textproc.MethodAuto:
		pdf = &textproc.AutoExtractor{
			Native:   textproc.NativeExtractor{},
			OCR:      ocr,
			MinChars: settings.OCRFallbackMinChars,
			Logger:   logger,
		}
	case textproc.MethodNative:
		pdf = textproc.NativeExtractor{}
	default:
		logger.Warn("Unknown PDF extraction method. Using native extraction.", "method", settings.PDFMethod)
		pdf = textproc.NativeExtractor{}
	}

	ocrNames := map[string]bool{}
	for _, src := range textproc.ParseSources(settings.SourceLines, logging.Discard()) {
		if src.Type == textproc.TypePDFOCR {
			ocrNames[src.BaseName()] = true
		}
	}

	return &TextPreprocessFunction{
		deps:     deps,
		config:   settings,
		cleaner:  textproc.NewCleaner(settings.Lowercase, settings.RemovePatternsJSON, logger),
		pdf:      pdf,
		ocr:      ocr,
		ocrNames: ocrNames,
	}
}

// Process handles every .pdf and .txt file of the raw directory.
func (f *TextPreprocessFunction) Process(ctx context.Context) (*models.BatchReport, error) {
	logger := f.deps.Logger.With("pipeline", PipelineText, "stage", StagePreprocess)
	b := newBatch(f.deps, PipelineText, StagePreprocess)

	files, err := listTexts(f.config.RawDir)
	if err != nil {
		logger.Warn("Raw text directory is not readable. Nothing to process.", "rawDir", f.config.RawDir, "error", err)
		return b.finish(logger), nil
	}
	if err := os.MkdirAll(f.config.ProcessedDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create processed directory %s: %w", f.config.ProcessedDir, err)
	}
	logger.Info("Starting text preprocessing.", "files", len(files), "cleaner", f.cleaner,
		"force", f.config.ForceReprocessProcessed)

	for _, raw := range files {
		if err := ctx.Err(); err != nil {
			return b.finish(logger), err
		}
		f.processFile(ctx, logger, b, raw)
	}
	return b.finish(logger), nil
}

// listTexts returns the .pdf and .txt files of dir sorted by name. Raw HTML
// is skipped; its extracted text sits beside it as .txt.
func listTexts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".pdf" && ext != ".txt") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// outputBase strips the extension and a trailing _raw marker.
func outputBase(raw string) string {
	name := filepath.Base(raw)
	return strings.TrimSuffix(strings.TrimSuffix(name, filepath.Ext(name)), "_raw")
}

func (f *TextPreprocessFunction) processFile(ctx context.Context, logger *slog.Logger, b *batch, raw string) {
	item := filepath.Base(raw)
	base := outputBase(raw)
	logCtx := logger.With("item", item)

	processed := filepath.Join(f.config.ProcessedDir, base+"_processed.txt")
	langPath := filepath.Join(f.config.ProcessedDir, base+"_processed.lang")

	if !f.config.ForceReprocessProcessed && b.done(ctx, logCtx, item, processed) {
		logCtx.Info("Processed file already exists. Skipping.", "path", filepath.Base(processed))
		b.skip(item, processed)
		return
	}

	// --- 1. Obtain text ---
	var text string
	if strings.EqualFold(filepath.Ext(raw), ".pdf") {
		intermediate := filepath.Join(f.config.ProcessedDir, base+"_pdfextract.txt")
		extracted, err := f.extractorFor(base).Extract(ctx, raw)
		if err != nil {
			b.handleItemError(ctx, logCtx, item, "failed to extract text from PDF", err)
			return
		}
		if err := writeFileAtomic(intermediate, []byte(extracted)); err != nil {
			b.handleItemError(ctx, logCtx, item, "failed to save extracted PDF text", err)
			return
		}
		defer removeQuietly(intermediate)
		text = extracted
		logCtx.Info("Extracted PDF text.", "chars", len([]rune(text)))
	} else {
		data, err := os.ReadFile(raw)
		if err != nil {
			b.handleItemError(ctx, logCtx, item, "failed to read text file", err)
			return
		}
		text = string(data)
	}

	// --- 2. Clean ---
	cleaned := f.cleaner.Clean(text)
	if err := writeFileAtomic(processed, []byte(cleaned)); err != nil {
		b.handleItemError(ctx, logCtx, item, "failed to save cleaned text", err)
		return
	}
	logCtx.Info("Saved cleaned text.", "path", filepath.Base(processed), "chars", len([]rune(cleaned)))

	// --- 3. Language ---
	artifacts := []string{processed}
	lang, err := f.detector.Detect(cleaned)
	switch {
	case err == nil:
		if err := writeFileAtomic(langPath, []byte(lang)); err != nil {
			b.handleItemError(ctx, logCtx, item, "failed to save language sidecar", err)
			return
		}
		artifacts = append(artifacts, langPath)
		logCtx.Info("Identified language.", "language", lang)
	case errors.Is(err, textproc.ErrUndetermined):
		removeQuietly(langPath)
		logCtx.Warn("Could not identify language. Sidecar not written.")
	default:
		removeQuietly(langPath)
		logCtx.Warn("Language detection failed. Sidecar not written.", "error", err)
	}

	b.complete(ctx, logCtx, item, models.StatusDone, nil, artifacts...)
}

func (f *TextPreprocessFunction) extractorFor(base string) textproc.Extractor {
	if f.ocrNames[base] {
		return f.ocr
	}
	return f.pdf
}
