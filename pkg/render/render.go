package render

import (
	"bytes"
	"embed"
	"fmt"
	"io"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

const ruleWidth = 75

// Engine renders templates embedded in the package.
type Engine struct {
	templates *template.Template
}

var funcs = template.FuncMap{
	"indent": func(depth int) string { return strings.Repeat("  ", depth) },
	"branch": func(ref string) string { return strings.TrimPrefix(ref, "refs/heads/") },
	"deref":  func(b *bool) bool { return b != nil && *b },
	"rule":   func() string { return strings.Repeat("-", ruleWidth) },
}

// New initialises an Engine by parsing all embedded templates.
func New() (*Engine, error) {
	t, err := template.New("render").Funcs(funcs).ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// Render executes the named template with the provided data and returns the rendered string.
func (e *Engine) Render(name string, data any) (string, error) {
	buf := bytes.NewBuffer(nil)
	if err := e.Write(buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Write executes the named template into w.
func (e *Engine) Write(w io.Writer, name string, data any) error {
	if e == nil || e.templates == nil {
		return fmt.Errorf("nil engine")
	}
	return e.templates.ExecuteTemplate(w, name, data)
}
