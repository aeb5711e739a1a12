// Package textproc turns fetched web pages and documents into cleaned,
// language-tagged plain text.
package textproc

import (
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// SourceType is how a text source is stored and extracted.
type SourceType string

const (
	TypeUnknown SourceType = ""
	TypeHTML    SourceType = "HTML"
	TypePDF     SourceType = "PDF"
	// TypePDFOCR is stored like a PDF; the hint only matters downstream.
	TypePDFOCR SourceType = "PDF_OCR"
	TypeTXT    SourceType = "TXT"
)

// FallbackName is used when neither a custom name nor the URL yields one.
const FallbackName = "unknown_source"

// Source is one line of the text_data_sources setting.
type Source struct {
	URL  string
	Type SourceType
	Name string
}

// ParseSources reads "URL | TYPE | name" lines. TYPE and name are optional;
// blank lines and lines starting with # are ignored.
func ParseSources(lines []string, logger *slog.Logger) []Source {
	var out []Source
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, "|")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if parts[0] == "" {
			logger.Warn("Skipping invalid source line with no URL.", "line", line)
			continue
		}
		src := Source{URL: parts[0]}
		if len(parts) > 1 {
			src.Type = SourceType(strings.ToUpper(parts[1]))
		}
		if len(parts) > 2 {
			src.Name = parts[2]
		}
		switch src.Type {
		case TypeUnknown, TypeHTML, TypePDF, TypePDFOCR, TypeTXT:
		default:
			logger.Warn("Unsupported source type. Type will be inferred.", "url", src.URL, "type", src.Type)
			src.Type = TypeUnknown
		}
		out = append(out, src)
	}
	return out
}

// ClassifySource resolves the storage type of a source. A declared type wins;
// otherwise the URL and the response content type decide, falling back to HTML.
func ClassifySource(declared SourceType, rawURL, contentType string) (SourceType, bool) {
	if declared != TypeUnknown {
		return declared, true
	}
	u := strings.ToLower(rawURL)
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(u, ".pdf") || strings.Contains(ct, "application/pdf"):
		return TypePDF, true
	case strings.Contains(u, ".txt") || strings.Contains(ct, "text/plain"):
		return TypeTXT, true
	case strings.Contains(ct, "text/html") || strings.HasSuffix(u, ".html") || strings.HasSuffix(u, ".htm"):
		return TypeHTML, true
	}
	return TypeHTML, false
}

var (
	invalidChars = regexp.MustCompile(`[<>:"/\\|?*\s+,;=]`)
	underscores  = regexp.MustCompile(`_+`)
)

const maxNameLen = 100

// SanitizeFilename makes s safe to use as a file name stem.
func SanitizeFilename(s string) string {
	if u, err := url.PathUnescape(s); err == nil {
		s = u
	}
	s = invalidChars.ReplaceAllString(s, "_")
	s = underscores.ReplaceAllString(s, "_")
	if r := []rune(s); len(r) > maxNameLen {
		s = string(r[:maxNameLen])
	}
	return s
}

// BaseName is the file stem every artifact of the source is named after.
func (s Source) BaseName() string {
	if s.Name != "" {
		if n := SanitizeFilename(s.Name); n != "" {
			return n
		}
	}
	stem := ""
	if u, err := url.Parse(s.URL); err == nil {
		stem = stemOf(u.Path)
		if stem == "" {
			stem = stemOf(u.Host)
		}
	}
	if n := SanitizeFilename(stem); n != "" {
		return n
	}
	return FallbackName
}

func stemOf(p string) string {
	base := path.Base(p)
	if base == "/" || base == "." {
		return ""
	}
	return strings.TrimSuffix(base, path.Ext(base))
}

// RawFiles lists the files acquisition writes for a source of type t.
// The last element is the completion marker.
func RawFiles(dir, base string, t SourceType) []string {
	switch t {
	case TypePDF, TypePDFOCR:
		return []string{filepath.Join(dir, base+".pdf")}
	case TypeTXT:
		return []string{filepath.Join(dir, base+".txt")}
	}
	return []string{filepath.Join(dir, base+"_raw.html"), filepath.Join(dir, base+".txt")}
}

// Candidates returns the completion markers the source could have produced.
// An undeclared type yields every marker consistent with the URL alone, so a
// rerun can be skipped without touching the network.
func (s Source) Candidates(dir string) []string {
	base := s.BaseName()
	if s.Type != TypeUnknown {
		files := RawFiles(dir, base, s.Type)
		return files[len(files)-1:]
	}
	if t, ok := ClassifySource(TypeUnknown, s.URL, ""); ok && t == TypePDF {
		return []string{filepath.Join(dir, base+".pdf")}
	}
	return []string{filepath.Join(dir, base+".txt"), filepath.Join(dir, base+".pdf")}
}

func (s Source) String() string {
	if s.Type == TypeUnknown {
		return s.URL
	}
	return fmt.Sprintf("%s (%s)", s.URL, s.Type)
}
