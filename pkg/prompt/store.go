package prompt

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// ErrTemplate marks registry lookup, version and rendering failures.
var ErrTemplate = errors.New("template error")

// Registry maps prompt names to their versioned template files.
type Registry struct {
	Prompts map[string]PromptEntry `yaml:"prompts"`
}

// PromptEntry lists the versions of one prompt.
type PromptEntry struct {
	Current  string                  `yaml:"current"`
	Versions map[string]VersionEntry `yaml:"versions"`
}

// VersionEntry points at one template file relative to the prompts directory.
type VersionEntry struct {
	File        string `yaml:"file"`
	Description string `yaml:"description,omitempty"`
}

// Rendered is a rendered prompt plus the identity of its template.
type Rendered struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Digest  string `json:"digest"`
	Text    string `json:"-"`
}

// Store loads templates named in registry.yaml under dir.
type Store struct {
	dir      string
	registry Registry
	guard    VersionGuard
}

// NewStore reads dir/registry.yaml.
func NewStore(dir string, guard VersionGuard) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("prompt: directory cannot be empty")
	}
	data, err := os.ReadFile(filepath.Join(dir, "registry.yaml"))
	if err != nil {
		return nil, fmt.Errorf("prompt: read registry: %w", err)
	}
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("prompt: decode registry: %w", err)
	}
	if len(reg.Prompts) == 0 {
		return nil, fmt.Errorf("prompt: registry %s lists no prompts", dir)
	}
	return &Store{dir: dir, registry: reg, guard: guard}, nil
}

// Resolve returns the effective version and template path for name. An empty
// version selects the registry's current one.
func (s *Store) Resolve(name, version string) (string, string, error) {
	entry, ok := s.registry.Prompts[name]
	if !ok {
		return "", "", fmt.Errorf("%w: unknown prompt %q", ErrTemplate, name)
	}
	if strings.TrimSpace(version) == "" {
		version = entry.Current
	}
	ver, ok := entry.Versions[version]
	if !ok {
		return "", "", fmt.Errorf("%w: unknown version %q for prompt %q", ErrTemplate, version, name)
	}
	return version, filepath.Join(s.dir, ver.File), nil
}

// Load parses the template for name/version after the version guard accepts it.
func (s *Store) Load(name, version string) (*Template, error) {
	version, path, err := s.Resolve(name, version)
	if err != nil {
		return nil, err
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrTemplate, path, err)
	}
	if _, err := s.guard.Check(path, src, version); err != nil {
		return nil, err
	}
	tpl, err := Parse(name, src)
	if err != nil {
		return nil, err
	}
	tpl.version = version
	return tpl, nil
}

// Render loads and executes the template for name/version over ctx.
func (s *Store) Render(name, version string, ctx map[string]any) (Rendered, error) {
	tpl, err := s.Load(name, version)
	if err != nil {
		return Rendered{}, err
	}
	text, err := tpl.Render(ctx)
	if err != nil {
		return Rendered{}, err
	}
	return Rendered{Name: name, Version: tpl.version, Digest: tpl.Digest(), Text: text}, nil
}

// Template is a parsed text/template with the digest of its source.
type Template struct {
	name    string
	version string
	digest  string
	tpl     *template.Template
}

// Parse compiles src. Missing context keys fail rendering.
func Parse(name string, src []byte) (*Template, error) {
	tpl, err := template.New(name).
		Option("missingkey=error").
		Funcs(template.FuncMap{
			"pct": func(v float64) string { return fmt.Sprintf("%.2f", v*100) },
		}).
		Parse(string(src))
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrTemplate, name, err)
	}
	sum := sha256.Sum256(src)
	return &Template{name: name, digest: hex.EncodeToString(sum[:]), tpl: tpl}, nil
}

// Render executes the template.
func (t *Template) Render(data any) (string, error) {
	var buf bytes.Buffer
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: render %s: %v", ErrTemplate, t.name, err)
	}
	return buf.String(), nil
}

// Digest is the hex sha256 of the template source.
func (t *Template) Digest() string { return t.digest }
