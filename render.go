package fieldscript

import (
	"strings"
	"unicode"
)

// Renderer produces the display text of a script from its fields.
type Renderer interface {
	Render(template Template, fields *Fields) string
}

// RendererFunc adapts a function to the Renderer interface.
type RendererFunc func(template Template, fields *Fields) string

// Render calls f.
func (f RendererFunc) Render(template Template, fields *Fields) string {
	return f(template, fields)
}

// LineRenderer writes a title line followed by one "label: value" line per
// non-empty field, in field order.
type LineRenderer struct{}

// Render implements Renderer.
func (LineRenderer) Render(template Template, fields *Fields) string {
	var b strings.Builder
	b.WriteString(TemplateTitle(template))
	fields.Each(func(k string, v Value) {
		if v.IsEmpty() {
			return
		}
		b.WriteString("\n")
		b.WriteString(fieldLabel(k))
		b.WriteString(": ")
		b.WriteString(v.String())
	})
	return b.String()
}

// TemplateTitle turns a template name such as SPLITTER_REPORT into
// "Splitter report".
func TemplateTitle(t Template) string {
	s := strings.ToLower(strings.ReplaceAll(string(t), "_", " "))
	return capitalize(s)
}

func fieldLabel(key string) string {
	s := strings.NewReplacer("_", " ", "-", " ").Replace(key)
	return capitalize(strings.TrimSpace(s))
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
