package textproc

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/surveyflow/internal/logging"
)

func TestParseSources(t *testing.T) {
	got := ParseSources([]string{
		"# archive reports",
		"https://example.org/report.pdf | pdf | Survey Report 1998",
		"",
		"https://example.org/notes | | ",
		" | HTML | nameless",
		"https://example.org/scan.pdf | PDF_OCR",
		"https://example.org/x | DOCX | x",
	}, logging.Discard())

	want := []Source{
		{URL: "https://example.org/report.pdf", Type: TypePDF, Name: "Survey Report 1998"},
		{URL: "https://example.org/notes"},
		{URL: "https://example.org/scan.pdf", Type: TypePDFOCR},
		{URL: "https://example.org/x", Name: "x"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ParseSources mismatch (-want +got):\n%s", diff)
	}
}

func TestClassifySource(t *testing.T) {
	tests := []struct {
		declared SourceType
		url, ct  string
		want     SourceType
		inferred bool
	}{
		{TypeTXT, "https://e.org/a.pdf", "application/pdf", TypeTXT, true},
		{TypeUnknown, "https://e.org/a.PDF", "", TypePDF, true},
		{TypeUnknown, "https://e.org/view?id=1", "application/pdf; charset=binary", TypePDF, true},
		{TypeUnknown, "https://e.org/readme.txt", "text/html", TypeTXT, true},
		{TypeUnknown, "https://e.org/page", "text/html; charset=utf-8", TypeHTML, true},
		{TypeUnknown, "https://e.org/page.htm", "", TypeHTML, true},
		{TypeUnknown, "https://e.org/blob", "application/octet-stream", TypeHTML, false},
	}
	for _, tt := range tests {
		got, ok := ClassifySource(tt.declared, tt.url, tt.ct)
		assert.Equal(t, tt.want, got, tt.url)
		assert.Equal(t, tt.inferred, ok, tt.url)
	}
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "Survey_Report_1998", SanitizeFilename("Survey%20Report  1998"))
	assert.Equal(t, "a_b_c_d", SanitizeFilename(`a<b>:c"?d`))
	assert.Len(t, SanitizeFilename(strings.Repeat("x", 150)), 100)
}

func TestSourceBaseName(t *testing.T) {
	assert.Equal(t, "report_final", Source{URL: "https://e.org/docs/report_final.pdf"}.BaseName())
	assert.Equal(t, "custom", Source{URL: "https://e.org/a.pdf", Name: "custom"}.BaseName())
	assert.Equal(t, "example", Source{URL: "https://example.org/"}.BaseName())
	assert.Equal(t, FallbackName, Source{URL: "::"}.BaseName())
}

func TestSourceCandidates(t *testing.T) {
	dir := "/raw"
	assert.Equal(t, []string{filepath.Join(dir, "a.txt")}, Source{URL: "https://e.org/a", Type: TypeHTML}.Candidates(dir))
	assert.Equal(t, []string{filepath.Join(dir, "a.pdf")}, Source{URL: "https://e.org/a", Type: TypePDFOCR}.Candidates(dir))
	assert.Equal(t, []string{filepath.Join(dir, "a.pdf")}, Source{URL: "https://e.org/a.pdf"}.Candidates(dir))
	assert.Equal(t, []string{filepath.Join(dir, "a.txt"), filepath.Join(dir, "a.pdf")}, Source{URL: "https://e.org/a"}.Candidates(dir))
}

const articleHTML = `<!DOCTYPE html>
<html><head><title>Terra preta</title><style>p{color:red}</style></head>
<body>
<nav><ul><li><a href="/">Home</a></li><li><a href="/about">About</a></li></ul></nav>
<article>
  <h1>Earthworks of the Upper Xingu</h1>
  <p>Ditched enclosures and raised causeways were mapped across the region during three field seasons.</p>
  <p>Ditched enclosures and raised causeways were mapped across the region during three field seasons.</p>
  <p>Radiocarbon dates place the <a href="/sites">main occupation</a> between 1250 and 1650 CE, with dark earth middens accumulating beside each plaza.</p>
  <p>Survey transects recorded ceramic scatters, bridge footings and ponds linked to the road network that connected the villages.</p>
  <script>track()</script>
</article>
<footer><p>Copyright 2024 Museum of the Upper Xingu</p></footer>
</body></html>`

func TestExtractMainContent(t *testing.T) {
	got, err := ExtractMainContent([]byte(articleHTML), "https://example.org/xingu")
	require.NoError(t, err)

	lines := strings.Split(got, "\n")
	assert.Contains(t, lines, "Ditched enclosures and raised causeways were mapped across the region during three field seasons.")
	assert.Contains(t, lines, "Radiocarbon dates place the main occupation between 1250 and 1650 CE, with dark earth middens accumulating beside each plaza.")
	assert.Equal(t, 1, strings.Count(got, "Ditched enclosures"), "repeated paragraphs are dropped")
	for _, chrome := range []string{"track()", "p{color", "About", "Copyright"} {
		assert.NotContains(t, got, chrome)
	}
	for _, line := range lines {
		assert.Equal(t, strings.TrimSpace(line), line)
		assert.NotEmpty(t, line)
	}
}

func TestExtractMainContentEmpty(t *testing.T) {
	got, _ := ExtractMainContent([]byte(`<html><body><nav><a href="/">Home</a></nav><script>x()</script></body></html>`), "")
	assert.Empty(t, got)
}

// writePDF builds a single-page PDF with one Tm/Tj pair per line.
func writePDF(t *testing.T, path string, lines map[int]string) {
	t.Helper()
	var content strings.Builder
	content.WriteString("BT\n/F1 12 Tf\n")
	for y, s := range lines {
		fmt.Fprintf(&content, "1 0 0 1 72 %d Tm\n(%s) Tj\n", y, s)
	}
	content.WriteString("ET\n")

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 5 0 R >> >> /Contents 4 0 R >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%sendstream", content.Len(), content.String()),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica /Encoding /WinAnsiEncoding >>",
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objects)+1, xref)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestNativeExtractorThenCleanLowercase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.pdf")
	writePDF(t, path, map[int]string{
		720: "ARCHAEOLOGICAL   Survey",
		700: "of the Upper Xingu",
		600: "Second    PARAGRAPH here",
	})

	raw, err := NativeExtractor{}.Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "ARCHAEOLOGICAL   Survey\nof the Upper Xingu\n\nSecond    PARAGRAPH here", raw)

	cleaned := NewCleaner(true, "[]", logging.Discard()).Clean(raw)
	assert.Equal(t, "archaeological survey\nof the upper xingu\nsecond paragraph here", cleaned)
	assert.Equal(t, strings.ToLower(cleaned), cleaned)
	assert.NotContains(t, cleaned, "\n\n")
}

func TestNativeExtractorRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pdf")
	require.NoError(t, os.WriteFile(path, []byte("<html>not a pdf</html>"), 0o644))
	_, err := NativeExtractor{}.Extract(context.Background(), path)
	require.Error(t, err)
}

func TestCleaner(t *testing.T) {
	c := NewCleaner(false, `["\\[\\d+\\]", "(unclosed", "Page \\d+ of \\d+"]`, logging.Discard())
	in := "  CafÃ© society\t[12] notes \r\n\n\n  \nPage 3 of 9\n\nEnd  "
	assert.Equal(t, "Café society notes\nEnd", c.Clean(in))
	assert.Equal(t, "lowercase=false patterns=2", c.String())
}

func TestCleanerBadJSON(t *testing.T) {
	c := NewCleaner(true, `{"not": "a list"}`, logging.Discard())
	assert.Equal(t, "a\nb", c.Clean("A \n\n B"))
}

func TestRepairEncoding(t *testing.T) {
	assert.Equal(t, "naïve “quoted”", RepairEncoding("naÃ¯ve â€œquotedâ€\u009d"))
	assert.Equal(t, "São Paulo", RepairEncoding("São Paulo"))
	assert.Equal(t, "é", []string{RepairEncoding("é")}[0][:1]+"́")
}

func TestLanguageDetector(t *testing.T) {
	d := LanguageDetector{}

	_, err := d.Detect("too short text")
	require.ErrorIs(t, err, ErrUndetermined)

	code, err := d.Detect("The expedition surveyed the river terraces and recorded several ditched enclosures along the bluff.")
	require.NoError(t, err)
	assert.Equal(t, "en", code)

	code, err = d.Detect("A expedição registrou vários sítios arqueológicos com terra preta ao longo do rio Xingu, e os moradores não conheciam essas estruturas antigas.")
	require.NoError(t, err)
	assert.Equal(t, "pt", code)
}
