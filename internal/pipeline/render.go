package pipeline

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// TemplateRenderer renders the standard documents from embedded templates.
type TemplateRenderer struct {
	templates *template.Template
}

func NewTemplateRenderer() *TemplateRenderer {
	return &TemplateRenderer{
		templates: template.Must(template.ParseFS(templatesFS, "templates/*.tmpl")),
	}
}

func (r *TemplateRenderer) Render(docType string, vars DocumentVars) (string, error) {
	name := docType + ".tmpl"
	if r.templates.Lookup(name) == nil {
		return "", fmt.Errorf("no template for document type %s", docType)
	}
	var buf bytes.Buffer
	if err := r.templates.ExecuteTemplate(&buf, name, vars); err != nil {
		return "", fmt.Errorf("render %s: %w", docType, err)
	}
	return buf.String(), nil
}
