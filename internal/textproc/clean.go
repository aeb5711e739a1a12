package textproc

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/unicode/norm"
)

var (
	inlineSpace = regexp.MustCompile(`[ \t\r\f\v]+`)
	lineEdges   = regexp.MustCompile(` ?\n ?`)
	blankLines  = regexp.MustCompile(`\n[ \t]*\n`)
	newlines    = regexp.MustCompile(`\n+`)
)

// Cleaner normalises extracted text.
type Cleaner struct {
	Lowercase bool
	removals  []*regexp.Regexp
}

// NewCleaner compiles the removal patterns from a JSON list of regular
// expressions. Invalid patterns and malformed JSON are logged and ignored.
func NewCleaner(lowercase bool, patternsJSON string, logger *slog.Logger) *Cleaner {
	c := &Cleaner{Lowercase: lowercase}
	if strings.TrimSpace(patternsJSON) == "" {
		return c
	}
	var patterns []string
	if err := json.Unmarshal([]byte(patternsJSON), &patterns); err != nil {
		logger.Warn("Could not parse removal patterns. Expected a JSON list of strings.", "error", err)
		return c
	}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			logger.Warn("Invalid removal pattern. Skipping.", "pattern", p, "error", err)
			continue
		}
		c.removals = append(c.removals, re)
	}
	return c
}

// Clean repairs the encoding, collapses whitespace, optionally lowercases and
// applies the removal patterns. The result never contains blank lines.
func (c *Cleaner) Clean(text string) string {
	if text == "" {
		return ""
	}
	text = RepairEncoding(text)
	text = collapse(text)
	if c.Lowercase {
		text = strings.ToLower(text)
	}
	if len(c.removals) == 0 {
		return text
	}
	for _, re := range c.removals {
		text = re.ReplaceAllString(text, "")
	}
	// Removals can leave empty lines behind.
	return collapse(text)
}

func collapse(text string) string {
	text = inlineSpace.ReplaceAllString(text, " ")
	text = lineEdges.ReplaceAllString(text, "\n")
	text = blankLines.ReplaceAllString(text, "\n")
	text = newlines.ReplaceAllString(text, "\n")
	return strings.TrimSpace(text)
}

// Marker runes that show up when UTF-8 was decoded as Windows-1252.
const mojibakeMarkers = "ÃÂâ€™œ"

// RepairEncoding drops invalid UTF-8, undoes Windows-1252 mojibake line by
// line where the round trip yields valid UTF-8, and normalises to NFC.
func RepairEncoding(text string) string {
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}
	if strings.ContainsAny(text, mojibakeMarkers) {
		lines := strings.Split(text, "\n")
		for i, line := range lines {
			lines[i] = unmojibake(line)
		}
		text = strings.Join(lines, "\n")
	}
	return norm.NFC.String(text)
}

func unmojibake(s string) string {
	if !strings.ContainsAny(s, mojibakeMarkers) {
		return s
	}
	raw, err := charmap.Windows1252.NewEncoder().String(s)
	if err != nil || !utf8.ValidString(raw) || raw == s {
		return s
	}
	if markerCount(raw) >= markerCount(s) {
		return s
	}
	return raw
}

func markerCount(s string) int {
	n := 0
	for _, r := range s {
		if strings.ContainsRune(mojibakeMarkers, r) {
			n++
		}
	}
	return n
}

// String implements fmt.Stringer for log output.
func (c *Cleaner) String() string {
	return fmt.Sprintf("lowercase=%t patterns=%d", c.Lowercase, len(c.removals))
}
