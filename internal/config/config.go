// Package config loads the sectioned INI configuration shared by every
// pipeline stage and resolves its paths against the project root.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"
)

// Section names recognised in the configuration file.
const (
	SectionDefault       = "DEFAULT"
	SectionLidar         = "LIDAR"
	SectionSen2Cor       = "SEN2COR"
	SectionPreprocessing = "PREPROCESSING"
	SectionText          = "TextualData"
)

var (
	ErrConfigNotFound         = errors.New("configuration file not found")
	ErrMissingSection         = errors.New("required configuration section missing")
	ErrPlaceholderCredentials = errors.New("credentials missing or left at placeholder values")
	ErrInvalidValue           = errors.New("invalid configuration value")
)

// Config is a loaded configuration file bound to a project root.
type Config struct {
	// Root is the absolute project root every relative path is resolved against.
	Root string
	// Path is the absolute path of the loaded file.
	Path string

	file *ini.File
}

// Load reads the INI file at path. An empty root defaults to DefaultRoot(path).
// A .env file next to the configuration is loaded into the process
// environment (existing variables win) so credentials can stay out of the INI.
func Load(path, root string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %s: %w", path, err)
	}
	if _, err := os.Stat(absPath); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, absPath)
		}
		return nil, fmt.Errorf("failed to stat config file %s: %w", absPath, err)
	}

	f, err := ini.LoadSources(ini.LoadOptions{
		InsensitiveKeys:            true,
		AllowPythonMultilineValues: true,
		IgnoreInlineComment:        true,
		SkipUnrecognizableLines:    false,
	}, absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", absPath, err)
	}

	if root == "" {
		root = DefaultRoot(absPath)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project root %s: %w", root, err)
	}

	envPath := filepath.Join(filepath.Dir(absPath), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file %s: %w", envPath, err)
	}

	return &Config{Root: absRoot, Path: absPath, file: f}, nil
}

// DefaultRoot derives the project root from the config location: a file at
// <root>/config/config.ini yields <root>, anything else yields its directory.
func DefaultRoot(configPath string) string {
	dir := filepath.Dir(configPath)
	if filepath.Base(dir) == "config" {
		return filepath.Dir(dir)
	}
	return dir
}

// HasSection reports whether a named section is present in the file.
func (c *Config) HasSection(name string) bool {
	if name == SectionDefault {
		return true
	}
	_, err := c.file.GetSection(name)
	return err == nil
}

// Require fails with ErrMissingSection for the first absent section.
func (c *Config) Require(names ...string) error {
	for _, name := range names {
		if !c.HasSection(name) {
			return fmt.Errorf("%w: [%s] in %s", ErrMissingSection, name, c.Path)
		}
	}
	return nil
}

// Section returns a view of the named section that falls back to DEFAULT for
// keys it does not define. Missing sections behave as empty.
func (c *Config) Section(name string) Section {
	s := Section{name: name, def: c.file.Section(SectionDefault)}
	if sec, err := c.file.GetSection(name); err == nil {
		s.sec = sec
	}
	return s
}

// Default is shorthand for Section(SectionDefault).
func (c *Config) Default() Section {
	return c.Section(SectionDefault)
}

// Resolve makes p absolute against the project root. Absolute paths and the
// empty string are returned unchanged.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Root, p)
}

// Section is a read-only view over one INI section with DEFAULT fallback.
type Section struct {
	name string
	sec  *ini.Section
	def  *ini.Section
}

// Name returns the section name.
func (s Section) Name() string { return s.name }

func (s Section) lookup(key string) (string, bool) {
	key = strings.ToLower(key)
	if s.sec != nil && s.sec.HasKey(key) {
		return s.sec.Key(key).String(), true
	}
	if s.def != nil && s.def.HasKey(key) {
		return s.def.Key(key).String(), true
	}
	return "", false
}

// Has reports whether key is set in the section or DEFAULT.
func (s Section) Has(key string) bool {
	_, ok := s.lookup(key)
	return ok
}

// String returns the trimmed value of key, or fallback when unset or blank.
func (s Section) String(key, fallback string) string {
	v, ok := s.lookup(key)
	v = strings.TrimSpace(v)
	if !ok || v == "" {
		return fallback
	}
	return v
}

// Raw returns the value of key without trimming inner lines.
func (s Section) Raw(key string) string {
	v, _ := s.lookup(key)
	return v
}

// Lines splits a multi-line value into its non-empty trimmed lines.
func (s Section) Lines(key string) []string {
	var out []string
	for _, line := range strings.Split(s.Raw(key), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// List splits a comma separated value, dropping empty elements.
func (s Section) List(key, fallback string) []string {
	var out []string
	for _, part := range strings.Split(s.String(key, fallback), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Float parses key as a float64.
func (s Section) Float(key string, fallback float64) (float64, error) {
	v := s.String(key, "")
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, s.invalid(key, v, err)
	}
	return f, nil
}

// Int parses key as an int.
func (s Section) Int(key string, fallback int) (int, error) {
	v := s.String(key, "")
	if v == "" {
		return fallback, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, s.invalid(key, v, err)
	}
	return i, nil
}

// Bool parses key with configparser's boolean vocabulary.
func (s Section) Bool(key string, fallback bool) (bool, error) {
	v := strings.ToLower(s.String(key, ""))
	switch v {
	case "":
		return fallback, nil
	case "1", "yes", "true", "on":
		return true, nil
	case "0", "no", "false", "off":
		return false, nil
	}
	return false, s.invalid(key, v, errors.New("not a boolean"))
}

// FloatList parses a comma separated list of floats.
func (s Section) FloatList(key, fallback string) ([]float64, error) {
	parts := s.List(key, fallback)
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, s.invalid(key, p, err)
		}
		out = append(out, f)
	}
	return out, nil
}

// IntList parses a comma separated list of ints.
func (s Section) IntList(key, fallback string) ([]int, error) {
	parts := s.List(key, fallback)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		i, err := strconv.Atoi(p)
		if err != nil {
			return nil, s.invalid(key, p, err)
		}
		out = append(out, i)
	}
	return out, nil
}

func (s Section) invalid(key, value string, err error) error {
	return fmt.Errorf("%w: [%s] %s = %q: %v", ErrInvalidValue, s.name, key, value, err)
}
