package prompt

import (
	"fmt"
	"strings"
	"sync"

	"github.com/mbleigh/raymond"
)

// Renderer renders handlebars templates. Configured globals are visible both
// at the top level, where call variables override them, and under the
// "globals" key.
type Renderer struct {
	globals map[string]any

	mu    sync.Mutex
	cache map[string]*raymond.Template
}

func NewRenderer(globals map[string]any) *Renderer {
	copied := make(map[string]any, len(globals))
	for k, v := range globals {
		copied[k] = v
	}
	return &Renderer{globals: copied, cache: map[string]*raymond.Template{}}
}

func (r *Renderer) Globals() map[string]any {
	out := make(map[string]any, len(r.globals))
	for k, v := range r.globals {
		out[k] = v
	}
	return out
}

func (r *Renderer) Render(template string, vars map[string]any) (string, error) {
	if strings.TrimSpace(template) == "" {
		return "", fmt.Errorf("template is required")
	}
	tpl, err := r.parse(template)
	if err != nil {
		return "", err
	}
	data := make(map[string]any, len(r.globals)+len(vars)+1)
	for k, v := range r.globals {
		data[k] = v
	}
	for k, v := range vars {
		data[k] = v
	}
	data["globals"] = r.globals
	out, err := tpl.Exec(data)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

// RenderSpec resolves ref in reg and renders its template. Judge specs
// supply their own verdict labels; any other declared variable must be
// given in vars or the globals.
func (r *Renderer) RenderSpec(reg *Registry, ref string, vars map[string]any) (string, error) {
	if reg == nil {
		return "", fmt.Errorf("prompt registry is required")
	}
	spec, ok := reg.Resolve(ref)
	if !ok {
		return "", fmt.Errorf("prompt %q not found", ref)
	}
	bound, missing := spec.Bind(vars)
	var unset []string
	for _, name := range missing {
		if _, ok := r.globals[name]; !ok {
			unset = append(unset, name)
		}
	}
	if len(unset) > 0 {
		return "", fmt.Errorf("prompt %s is missing variables: %s", spec.Ref(), strings.Join(unset, ", "))
	}
	return r.Render(spec.Template, bound)
}

func (r *Renderer) parse(template string) (*raymond.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tpl, ok := r.cache[template]; ok {
		return tpl, nil
	}
	tpl, err := raymond.Parse(template)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	r.cache[template] = tpl
	return tpl, nil
}
