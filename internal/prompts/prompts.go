// Package prompts renders the named LLM prompt templates used by InnerGuide.
//
// Templates are Go text/templates stored in a YAML map of name to template body.
// The built-in set is embedded; WithFile replaces it at startup.
package prompts

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// ErrUnknownTemplate is returned for template names that were never loaded.
var ErrUnknownTemplate = errors.New("unknown prompt template")

// Opts holds configuration options for the Renderer.
type Opts struct {
	Path string // YAML file overriding the embedded prompts
}

// Option defines a configuration option for the Renderer.
type Option func(*Opts)

// WithFile loads templates from path instead of the embedded set.
func WithFile(path string) Option {
	return func(o *Opts) { o.Path = path }
}

// Renderer maps a template name and a variable bag to a prompt string. It is
// immutable after construction and safe for concurrent use.
type Renderer struct {
	templates map[string]*template.Template
}

// NewRenderer parses every template up front so syntax errors surface at startup.
func NewRenderer(opts ...Option) (*Renderer, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	data := defaultPrompts
	if cfg.Path != "" {
		var err error
		if data, err = os.ReadFile(cfg.Path); err != nil {
			return nil, fmt.Errorf("failed to read prompts file %s: %w", cfg.Path, err)
		}
	}
	return Parse(data)
}

// Parse builds a Renderer from YAML source.
func Parse(data []byte) (*Renderer, error) {
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse prompts: %w", err)
	}
	r := &Renderer{templates: make(map[string]*template.Template, len(raw))}
	for name, body := range raw {
		tmpl, err := template.New(name).Option("missingkey=error").Parse(body)
		if err != nil {
			return nil, fmt.Errorf("failed to parse prompt %q: %w", name, err)
		}
		r.templates[name] = tmpl
	}
	slog.Debug("Renderer loaded prompts", "count", len(r.templates))
	return r, nil
}

// Render executes the named template with vars.
func (r *Renderer) Render(name string, vars map[string]any) (string, error) {
	tmpl, ok := r.templates[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("failed to render prompt %q: %w", name, err)
	}
	return buf.String(), nil
}

// Require reports the first of names that has no template.
func (r *Renderer) Require(names ...string) error {
	for _, name := range names {
		if _, ok := r.templates[name]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
		}
	}
	return nil
}

// Names returns the loaded template names in sorted order.
func (r *Renderer) Names() []string {
	names := make([]string, 0, len(r.templates))
	for name := range r.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
