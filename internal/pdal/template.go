// Package pdal binds point-cloud pipeline templates to typed, named
// parameters and runs them with the pdal command line tool.
package pdal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrInvalidTemplate = errors.New("invalid PDAL pipeline template")
	ErrUnboundParam    = errors.New("unbound PDAL pipeline parameter")
)

// Parameter names used by the built-in and configured templates.
const (
	ParamInput         = "input"
	ParamOutput        = "output"
	ParamTargetCRS     = "target_crs"
	ParamResolution    = "resolution"
	ParamInterpolation = "interpolation"
)

// legacyTokens maps the upper-case placeholders older configuration files
// used onto named parameters.
var legacyTokens = map[string]string{
	"INPUT_FILE_PLACEHOLDER":               ParamInput,
	"INPUT_GROUND_POINTS_PLACEHOLDER":      ParamInput,
	"OUTPUT_GROUND_FILE_PLACEHOLDER":       ParamOutput,
	"OUTPUT_DTM_FILE_PLACEHOLDER":          ParamOutput,
	"TARGET_PROJECTED_CRS_PLACEHOLDER":     ParamTargetCRS,
	"DTM_RESOLUTION_PLACEHOLDER":           ParamResolution,
	"DTM_INTERPOLATION_METHOD_PLACEHOLDER": ParamInterpolation,
}

var (
	refPattern    = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	legacyPattern = regexp.MustCompile(`[A-Z_]+_PLACEHOLDER`)
)

type kind int

const (
	kindString kind = iota
	kindFloat
	kindInt
)

// Value is a typed parameter value.
type Value struct {
	kind kind
	s    string
	f    float64
	i    int64
}

// String is a plain string parameter.
func String(s string) Value { return Value{kind: kindString, s: s} }

// Path is a file path parameter, made absolute.
func Path(p string) Value {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	return Value{kind: kindString, s: filepath.ToSlash(p)}
}

func Float(f float64) Value { return Value{kind: kindFloat, f: f} }
func Int(i int64) Value     { return Value{kind: kindInt, i: i} }

func (v Value) text() string {
	switch v.kind {
	case kindFloat:
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	case kindInt:
		return strconv.FormatInt(v.i, 10)
	}
	return v.s
}

func (v Value) json() any {
	switch v.kind {
	case kindFloat:
		return v.f
	case kindInt:
		return v.i
	}
	return v.s
}

// Params maps parameter names to values.
type Params map[string]Value

// Template is a parsed pipeline description with ${name} references.
type Template struct {
	name string
	doc  any
	refs []string
}

// ParseTemplate parses text, translating legacy placeholders, and checks it
// is a JSON pipeline.
func ParseTemplate(name, text string) (*Template, error) {
	text = translateLegacy(text)
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrInvalidTemplate, name, err)
	}
	if _, err := stages(doc); err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrInvalidTemplate, name, err)
	}

	seen := map[string]bool{}
	walkStrings(doc, func(s string) {
		for _, m := range refPattern.FindAllStringSubmatch(s, -1) {
			seen[m[1]] = true
		}
	})
	refs := make([]string, 0, len(seen))
	for r := range seen {
		refs = append(refs, r)
	}
	sort.Strings(refs)
	return &Template{name: name, doc: doc, refs: refs}, nil
}

// References lists the parameter names the template uses, sorted.
func (t *Template) References() []string { return append([]string(nil), t.refs...) }

// Bind substitutes params and returns the pipeline JSON. Every reference
// must be bound; extra params are ignored. A string that is exactly one
// reference takes the parameter's JSON type.
func (t *Template) Bind(params Params) ([]byte, error) {
	var missing []string
	for _, r := range t.refs {
		if _, ok := params[r]; !ok {
			missing = append(missing, r)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w in %s: %s", ErrUnboundParam, t.name, strings.Join(missing, ", "))
	}

	bound := substitute(t.doc, params)
	list, err := stages(bound)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrInvalidTemplate, t.name, err)
	}
	out := bound
	if _, isList := bound.([]any); isList {
		out = map[string]any{"pipeline": list}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return nil, fmt.Errorf("failed to encode pipeline %s: %w", t.name, err)
	}
	return buf.Bytes(), nil
}

// stages returns the stage list of a pipeline document, which is either an
// object with a "pipeline" array or a bare array.
func stages(doc any) ([]any, error) {
	var list []any
	switch d := doc.(type) {
	case map[string]any:
		p, ok := d["pipeline"]
		if !ok {
			return nil, errors.New(`missing "pipeline" member`)
		}
		if list, ok = p.([]any); !ok {
			return nil, errors.New(`"pipeline" must be an array`)
		}
	case []any:
		list = d
	default:
		return nil, errors.New("pipeline must be a JSON object or array")
	}
	if len(list) == 0 {
		return nil, errors.New("pipeline has no stages")
	}
	return list, nil
}

func substitute(node any, params Params) any {
	switch n := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[k] = substitute(v, params)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, v := range n {
			out[i] = substitute(v, params)
		}
		return out
	case string:
		if m := refPattern.FindStringSubmatch(n); m != nil && m[0] == n {
			return params[m[1]].json()
		}
		return refPattern.ReplaceAllStringFunc(n, func(ref string) string {
			return params[refPattern.FindStringSubmatch(ref)[1]].text()
		})
	}
	return node
}

func walkStrings(node any, fn func(string)) {
	switch n := node.(type) {
	case map[string]any:
		for _, v := range n {
			walkStrings(v, fn)
		}
	case []any:
		for _, v := range n {
			walkStrings(v, fn)
		}
	case string:
		fn(n)
	}
}

// translateLegacy rewrites FOO_PLACEHOLDER tokens to ${name}. A token
// outside a JSON string (a bare numeric placeholder) becomes a quoted
// whole-string reference so the text parses.
func translateLegacy(text string) string {
	var b strings.Builder
	inString, escaped := false, false
	for i := 0; i < len(text); {
		c := text[i]
		if !escaped && c >= 'A' && c <= 'Z' {
			if loc := legacyPattern.FindStringIndex(text[i:]); loc != nil && loc[0] == 0 {
				tok := text[i : i+loc[1]]
				if name, ok := legacyTokens[tok]; ok {
					if inString {
						b.WriteString("${" + name + "}")
					} else {
						b.WriteString(`"${` + name + `}"`)
					}
					i += loc[1]
					continue
				}
			}
		}
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}
