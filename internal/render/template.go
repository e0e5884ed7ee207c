// Package render executes the text templates used by notifier payloads.
package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

// Engine renders template strings with helper functions.
type Engine struct{}

// TemplateContext provides data for template execution.
type TemplateContext struct {
	Secrets map[string]string
	Vars    map[string]string
	Data    map[string]interface{}
}

// New creates a new template engine.
func New() *Engine {
	return &Engine{}
}

// StatusColor maps an event status to the attachment color used by chat
// integrations.
func StatusColor(status string) string {
	switch strings.ToLower(status) {
	case "success", "ok", "good":
		return "good"
	case "warning":
		return "warning"
	default:
		return "danger"
	}
}

func (e *Engine) funcs(ctx TemplateContext) template.FuncMap {
	return template.FuncMap{
		"secret": func(key string) (string, error) {
			if ctx.Secrets == nil {
				return "", fmt.Errorf("no secrets available")
			}
			val, ok := ctx.Secrets[key]
			if !ok {
				return "", fmt.Errorf("secret %q not found", key)
			}
			return val, nil
		},
		"var": func(key string) (string, error) {
			if ctx.Vars == nil {
				return "", fmt.Errorf("vars not available")
			}
			val, ok := ctx.Vars[key]
			if !ok {
				return "", fmt.Errorf("var %q not defined", key)
			}
			return val, nil
		},
		"to_json": func(v interface{}) (string, error) {
			b, err := json.Marshal(v)
			if err != nil {
				return "", err
			}
			return string(b), nil
		},
		"join": func(sep string, v interface{}) (string, error) {
			switch items := v.(type) {
			case nil:
				return "", nil
			case []string:
				return strings.Join(items, sep), nil
			case []interface{}:
				parts := make([]string, len(items))
				for i, item := range items {
					parts[i] = fmt.Sprint(item)
				}
				return strings.Join(parts, sep), nil
			default:
				return "", fmt.Errorf("join: unsupported type %T", v)
			}
		},
		"status_color": StatusColor,
	}
}

// RenderString renders the provided template string with context.
func (e *Engine) RenderString(tmpl string, ctx TemplateContext) (string, error) {
	if tmpl == "" {
		return "", nil
	}
	t, err := template.New("tpl").Funcs(e.funcs(ctx)).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, ctx.Data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

// RenderValues renders every value of values. Results are trimmed so a
// multi-line template can still produce a header value.
func (e *Engine) RenderValues(values map[string]string, ctx TemplateContext) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for key, val := range values {
		rendered, err := e.RenderString(val, ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out[key] = strings.TrimSpace(rendered)
	}
	return out, nil
}
