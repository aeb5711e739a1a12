package textproc

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	fitz "github.com/gen2brain/go-fitz"
	"github.com/ledongthuc/pdf"
	"github.com/otiai10/gosseract/v2"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// PDF extraction methods accepted by pdf_extraction_method.
const (
	MethodNative  = "native"
	MethodOCROnly = "ocr_only"
	MethodAuto    = "auto"
)

var ErrNoText = errors.New("no text extracted")

// Extractor turns a PDF into plain text.
type Extractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// InspectPDF validates a PDF in relaxed mode and returns its page count.
func InspectPDF(path string) (int, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.ValidateFile(path, conf); err != nil {
		return 0, fmt.Errorf("failed to validate PDF %s: %w", filepath.Base(path), err)
	}
	n, err := api.PageCountFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to count pages of %s: %w", filepath.Base(path), err)
	}
	return n, nil
}

// NativeExtractor reads the text layer of a PDF, row by row.
type NativeExtractor struct{}

func (NativeExtractor) Extract(ctx context.Context, path string) (text string, err error) {
	// The reader panics on some malformed streams.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("failed to read PDF %s: %v", filepath.Base(path), r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open PDF %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	var pages []string
	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		rows, err := p.GetTextByRow()
		if err != nil {
			return "", fmt.Errorf("failed to extract text from page %d of %s: %w", i, filepath.Base(path), err)
		}
		pages = append(pages, layoutRows(rows))
	}
	return strings.Join(pages, "\n\n"), nil
}

// layoutRows joins the rows of one page. A vertical gap well above the usual
// line spacing starts a new paragraph.
func layoutRows(rows pdf.Rows) string {
	var lines []string
	var ys []int64
	for _, row := range rows {
		line := joinRow(row.Content)
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
		ys = append(ys, row.Position)
	}
	if len(lines) == 0 {
		return ""
	}

	spacing := int64(math.MaxInt64)
	for i := 1; i < len(ys); i++ {
		if d := ys[i-1] - ys[i]; d > 0 && d < spacing {
			spacing = d
		}
	}

	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteString("\n")
			if spacing != math.MaxInt64 && float64(ys[i-1]-ys[i]) > 1.5*float64(spacing) {
				b.WriteString("\n")
			}
		}
		b.WriteString(line)
	}
	return b.String()
}

// joinRow concatenates the text runs of a row, inserting a space where the
// horizontal gap between runs is wider than a character.
func joinRow(texts pdf.TextHorizontal) string {
	if len(texts) == 0 {
		return ""
	}
	runs := append(pdf.TextHorizontal(nil), texts...)
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].X < runs[j].X })

	// Average advance per rune over the row.
	var chars int
	for _, t := range runs[:len(runs)-1] {
		chars += len([]rune(t.S))
	}
	advance := 0.0
	if chars > 0 {
		advance = (runs[len(runs)-1].X - runs[0].X) / float64(chars)
	}

	var b strings.Builder
	for i, t := range runs {
		if i > 0 {
			prev := runs[i-1]
			expected := prev.X + advance*float64(len([]rune(prev.S)))
			if advance > 0 && t.X-expected > advance*0.8 &&
				!strings.HasSuffix(prev.S, " ") && !strings.HasPrefix(t.S, " ") {
				b.WriteString(" ")
			}
		}
		b.WriteString(t.S)
	}
	return b.String()
}

// OCRExtractor renders every page to PNG and runs Tesseract on it.
type OCRExtractor struct {
	Languages      string
	DPI            float64
	TessdataPrefix string
	// ScratchDir receives the page images, which are removed after use.
	ScratchDir string
	Logger     *slog.Logger
}

func (o *OCRExtractor) Extract(ctx context.Context, path string) (string, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return "", fmt.Errorf("failed to open PDF %s for rendering: %w", filepath.Base(path), err)
	}
	defer doc.Close()

	if err := os.MkdirAll(o.ScratchDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create OCR directory %s: %w", o.ScratchDir, err)
	}

	client := gosseract.NewClient()
	defer client.Close()
	if o.TessdataPrefix != "" {
		if err := client.SetTessdataPrefix(o.TessdataPrefix); err != nil {
			return "", fmt.Errorf("failed to set tessdata prefix: %w", err)
		}
	}
	if err := client.SetLanguage(strings.Split(o.Languages, "+")...); err != nil {
		return "", fmt.Errorf("failed to set OCR languages %q: %w", o.Languages, err)
	}
	if err := client.SetVariable(gosseract.SettableVariable("user_defined_dpi"), fmt.Sprint(int(o.DPI))); err != nil {
		return "", fmt.Errorf("failed to set OCR dpi: %w", err)
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	total := doc.NumPage()
	var pages []string
	for i := 0; i < total; i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		logCtx := o.Logger.With("page", i+1, "pages", total)
		logCtx.Info("Running OCR on page.")

		text, err := o.page(doc, client, i, filepath.Join(o.ScratchDir, fmt.Sprintf("%s-%04d.png", stem, i+1)))
		if err != nil {
			logCtx.Error("OCR failed for page.", "error", err)
			continue
		}
		pages = append(pages, text)
	}
	if len(pages) == 0 {
		return "", fmt.Errorf("%w: OCR yielded nothing for %s", ErrNoText, filepath.Base(path))
	}
	return strings.Join(pages, "\n\n"), nil
}

func (o *OCRExtractor) page(doc *fitz.Document, client *gosseract.Client, index int, imgPath string) (string, error) {
	img, err := doc.ImageDPI(index, o.DPI)
	if err != nil {
		return "", fmt.Errorf("failed to render page: %w", err)
	}
	f, err := os.Create(imgPath)
	if err != nil {
		return "", err
	}
	defer os.Remove(imgPath)
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to encode page image: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if err := client.SetImage(imgPath); err != nil {
		return "", fmt.Errorf("failed to load page image: %w", err)
	}
	return client.Text()
}

// AutoExtractor prefers the text layer and falls back to OCR when the text
// layer is shorter than MinChars.
type AutoExtractor struct {
	Native   Extractor
	OCR      Extractor
	MinChars int
	Logger   *slog.Logger
}

func (a *AutoExtractor) Extract(ctx context.Context, path string) (string, error) {
	text, err := a.Native.Extract(ctx, path)
	if err == nil && len([]rune(strings.TrimSpace(text))) >= a.MinChars {
		return text, nil
	}
	a.Logger.Info("Text layer too short. Falling back to OCR.", "file", filepath.Base(path), "chars", len([]rune(strings.TrimSpace(text))), "error", err)
	ocr, ocrErr := a.OCR.Extract(ctx, path)
	if ocrErr != nil {
		if err == nil {
			// Keep the short native text rather than nothing.
			a.Logger.Warn("OCR fallback failed. Using native text.", "file", filepath.Base(path), "error", ocrErr)
			return text, nil
		}
		return "", errors.Join(err, ocrErr)
	}
	return ocr, nil
}
