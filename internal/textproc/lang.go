package textproc

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"
)

var ErrUndetermined = errors.New("language could not be determined")

const (
	minDetectChars = 20
	detectPrefix   = 5000
)

// LanguageDetector identifies the language of cleaned text.
type LanguageDetector struct{}

// Detect returns the ISO 639-1 code for the first 5000 characters of text.
// Text shorter than 20 characters is ErrUndetermined.
func (LanguageDetector) Detect(text string) (string, error) {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < minDetectChars {
		return "", ErrUndetermined
	}
	if r := []rune(text); len(r) > detectPrefix {
		text = string(r[:detectPrefix])
	}
	info := whatlanggo.Detect(text)
	code := info.Lang.Iso6391()
	if code == "" {
		return "", ErrUndetermined
	}
	return code, nil
}
