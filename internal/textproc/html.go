package textproc

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/markusmobius/go-trafilatura"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Elements emitted as one paragraph each.
var blocks = map[atom.Atom]bool{
	atom.P: true, atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true,
	atom.H5: true, atom.H6: true, atom.Li: true, atom.Blockquote: true,
	atom.Pre: true, atom.Dd: true, atom.Dt: true, atom.Figcaption: true,
	atom.Caption: true, atom.Td: true, atom.Th: true,
}

// ExtractMainContent returns the main text of an HTML document, one
// paragraph per line with repeated paragraphs removed. pageURL may be empty.
// An error means no main content could be told apart from the page chrome.
func ExtractMainContent(doc []byte, pageURL string) (string, error) {
	opts := trafilatura.Options{
		EnableFallback:  true,
		ExcludeComments: true,
		Deduplicate:     true,
	}
	if u, err := url.Parse(pageURL); err == nil && u.Host != "" {
		opts.OriginalURL = u
	}
	result, err := trafilatura.Extract(bytes.NewReader(doc), opts)
	if err != nil {
		return "", fmt.Errorf("failed to extract main content: %w", err)
	}

	var paras []string
	if result.ContentNode != nil {
		paras = paragraphs(result.ContentNode)
	} else {
		for _, line := range strings.Split(result.ContentText, "\n") {
			if s := normalizeSpace(line); s != "" {
				paras = append(paras, s)
			}
		}
	}

	seen := make(map[string]bool, len(paras))
	var out []string
	for _, p := range paras {
		if seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return strings.Join(out, "\n"), nil
}

// paragraphs collects the outermost block texts under n. Loose text with no
// block ancestor is grouped into its own paragraph.
func paragraphs(n *html.Node) []string {
	var out []string
	var loose strings.Builder
	flush := func() {
		if t := normalizeSpace(loose.String()); t != "" {
			out = append(out, t)
		}
		loose.Reset()
	}
	var visit func(*html.Node)
	visit = func(c *html.Node) {
		switch {
		case c.Type == html.TextNode:
			loose.WriteString(c.Data)
			return
		case c.Type == html.ElementNode && blocks[c.DataAtom]:
			flush()
			if s := normalizeSpace(innerText(c)); s != "" {
				out = append(out, s)
			}
			return
		case c.Type == html.ElementNode && c.DataAtom == atom.Br:
			loose.WriteString(" ")
		}
		for k := c.FirstChild; k != nil; k = k.NextSibling {
			visit(k)
		}
		if c.Type == html.ElementNode && (c.DataAtom == atom.Div || c.DataAtom == atom.Section) {
			flush()
		}
	}
	visit(n)
	flush()
	return out
}

func innerText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		switch {
		case c.Type == html.TextNode:
			b.WriteString(c.Data)
		case c.Type == html.ElementNode && c.DataAtom == atom.Br:
			b.WriteString(" ")
		}
		for k := c.FirstChild; k != nil; k = k.NextSibling {
			walk(k)
		}
	}
	walk(n)
	return b.String()
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
