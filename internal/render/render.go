// Package render fills notification templates with request variables.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/sungwon/email-notifier/internal/notification"
)

// ErrRender wraps every parse and execution failure. Render errors are
// terminal for the request.
var ErrRender = errors.New("render template")

// placeholder matches a bare variable reference such as "{{ name }}" or
// "{{ meta.plan }}", which is rewritten to "{{ .name }}" before parsing.
var placeholder = regexp.MustCompile(`\{\{(-?\s*)([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*)(\s*-?)\}\}`)

var keywords = map[string]bool{
	"end": true, "else": true, "nil": true, "true": true, "false": true,
	"break": true, "continue": true, "if": true, "range": true, "with": true,
	"define": true, "template": true, "block": true,
}

// Renderer is stateless apart from its function map and safe for
// concurrent use.
type Renderer struct {
	funcs template.FuncMap
}

// New creates a Renderer with the hermetic sprig functions, which excludes
// anything reading the clock, the environment or randomness.
func New() *Renderer {
	return &Renderer{funcs: sprig.HermeticTxtFuncMap()}
}

// Data is the template context: the request variables plus the recipient.
func Data(vars notification.Variables, user *notification.UserProfile) map[string]any {
	data := vars.Map()
	if user != nil {
		data["user"] = map[string]any{
			"name":  user.Name,
			"email": user.Email,
		}
	}
	return data
}

// Render substitutes data into the template's subject and body.
func (r *Renderer) Render(tmpl *notification.Template, data map[string]any) (notification.RenderedMessage, error) {
	subject, err := r.execute(tmpl.Code+".subject", tmpl.Subject, data)
	if err != nil {
		return notification.RenderedMessage{}, err
	}
	body, err := r.execute(tmpl.Code+".body", tmpl.Body, data)
	if err != nil {
		return notification.RenderedMessage{}, err
	}

	return notification.RenderedMessage{
		Subject: strings.TrimSpace(subject),
		Body:    body,
		HTML:    LooksLikeHTML(body),
	}, nil
}

func (r *Renderer) execute(name, text string, data map[string]any) (string, error) {
	t, err := template.New(name).
		Funcs(r.funcs).
		Option("missingkey=error").
		Parse(r.normalize(text))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRender, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("%w: %w", ErrRender, err)
	}
	return buf.String(), nil
}

// normalize rewrites bare placeholders into field references. Keywords and
// function names are left alone.
func (r *Renderer) normalize(text string) string {
	return placeholder.ReplaceAllStringFunc(text, func(m string) string {
		parts := placeholder.FindStringSubmatch(m)
		ident := parts[2]
		root := ident
		if i := strings.IndexByte(ident, '.'); i >= 0 {
			root = ident[:i]
		}
		if keywords[root] {
			return m
		}
		if _, isFunc := r.funcs[root]; isFunc {
			return m
		}
		return "{{" + parts[1] + "." + ident + parts[3] + "}}"
	})
}

// LooksLikeHTML reports whether body starts with a tag or doctype.
func LooksLikeHTML(body string) bool {
	s := strings.TrimSpace(body)
	if len(s) < 2 || s[0] != '<' {
		return false
	}
	c := s[1]
	return c == '!' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

var (
	tagPattern   = regexp.MustCompile(`(?s)<[^>]*>`)
	blockPattern = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/h[1-6]|/li|/tr)\s*/?>`)
	dropPattern  = regexp.MustCompile(`(?is)<(style|script|head)[^>]*>.*?</(style|script|head)>`)
	blankLines   = regexp.MustCompile(`\n{3,}`)
)

// PlainText derives a readable text alternative from an HTML body.
func PlainText(html string) string {
	s := dropPattern.ReplaceAllString(html, "")
	s = blockPattern.ReplaceAllString(s, "\n")
	s = tagPattern.ReplaceAllString(s, "")
	s = strings.NewReplacer("&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'").Replace(s)

	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	s = strings.Join(lines, "\n")
	s = blankLines.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
