package prompt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadDir registers every .json spec and .hbs template in path into reg.
// A .hbs file becomes a spec named after the file, version v1.
func LoadDir(reg *Registry, path string) (int, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return 0, nil
	}
	if reg == nil {
		return 0, fmt.Errorf("prompt registry is required")
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(entry.Name()))
		fullPath := filepath.Join(path, entry.Name())
		var spec Spec
		switch {
		case strings.HasSuffix(name, ".json"):
			spec, err = loadFile(fullPath)
		case strings.HasSuffix(name, ".hbs"):
			spec, err = loadTemplate(fullPath)
		default:
			continue
		}
		if err != nil {
			return loaded, err
		}
		if err := reg.Register(spec); err != nil {
			return loaded, err
		}
		loaded++
	}
	return loaded, nil
}

func loadFile(path string) (Spec, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read prompt file %q: %w", path, err)
	}
	var spec Spec
	if err := json.Unmarshal(content, &spec); err != nil {
		return Spec{}, fmt.Errorf("decode prompt file %q: %w", path, err)
	}
	if strings.TrimSpace(spec.Name) == "" {
		spec.Name = baseName(path)
	}
	return spec, nil
}

func loadTemplate(path string) (Spec, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read prompt template %q: %w", path, err)
	}
	return Spec{Name: baseName(path), Template: string(content)}, nil
}

func baseName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
