package prompt

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Verdict marks a spec as a pairwise judge template. The judge writes one of
// the labels alone on its last line; Scores maps each label to the value
// recorded for it.
type Verdict struct {
	Agree    string             `json:"agree"`
	Disagree string             `json:"disagree"`
	Scores   map[string]float64 `json:"scores,omitempty"`
}

// ScoreMap returns Scores, defaulting to 1 for Agree and 0 for Disagree.
func (v Verdict) ScoreMap() map[string]float64 {
	out := map[string]float64{v.Agree: 1, v.Disagree: 0}
	for label, score := range v.Scores {
		out[label] = score
	}
	return out
}

func (v Verdict) validate(name string) error {
	if v.Agree == "" || v.Disagree == "" {
		return fmt.Errorf("judge prompt %q needs both verdict labels", name)
	}
	if v.Agree == v.Disagree {
		return fmt.Errorf("judge prompt %q uses %q for both verdicts", name, v.Agree)
	}
	return nil
}

type Spec struct {
	Name        string   `json:"name"`
	Version     string   `json:"version,omitempty"`
	Description string   `json:"description,omitempty"`
	Template    string   `json:"template"`
	Variables   []string `json:"variables,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Verdict     *Verdict `json:"verdict,omitempty"`
}

// Ref is name@version.
func (s Spec) Ref() string {
	return s.Name + "@" + s.Version
}

// Bind returns vars completed with the verdict labels, when the spec has
// them and vars does not, plus the declared variables still missing.
func (s Spec) Bind(vars map[string]any) (map[string]any, []string) {
	bound := make(map[string]any, len(vars)+2)
	for k, v := range vars {
		bound[k] = v
	}
	if s.Verdict != nil {
		if _, ok := bound["agree"]; !ok {
			bound["agree"] = s.Verdict.Agree
		}
		if _, ok := bound["disagree"]; !ok {
			bound["disagree"] = s.Verdict.Disagree
		}
	}
	var missing []string
	for _, name := range s.Variables {
		if _, ok := bound[name]; !ok {
			missing = append(missing, name)
		}
	}
	return bound, missing
}

// Registry holds prompt specs by name, each with its versions kept in
// ascending order so the latest is last.
type Registry struct {
	mu    sync.RWMutex
	specs map[string][]Spec
}

func NewRegistry() *Registry {
	return &Registry{specs: map[string][]Spec{}}
}

// Register adds spec, replacing an existing spec with the same version.
func (r *Registry) Register(spec Spec) error {
	spec, err := normalize(spec)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	versions := r.specs[spec.Name]
	i := sort.Search(len(versions), func(i int) bool {
		return compareVersions(versions[i].Version, spec.Version) >= 0
	})
	if i < len(versions) && versions[i].Version == spec.Version {
		versions[i] = spec
		return nil
	}
	versions = append(versions, Spec{})
	copy(versions[i+1:], versions[i:])
	versions[i] = spec
	r.specs[spec.Name] = versions
	return nil
}

// Resolve finds name or name@version; a bare name yields the latest version.
func (r *Registry) Resolve(ref string) (Spec, bool) {
	name, version := parseRef(ref)
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.specs[name]
	if len(versions) == 0 {
		return Spec{}, false
	}
	if version == "" {
		return versions[len(versions)-1], true
	}
	for _, s := range versions {
		if s.Version == version {
			return s, true
		}
	}
	return Spec{}, false
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.specs))
	for name := range r.specs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// List returns every spec ordered by name, then version.
func (r *Registry) List() []Spec {
	var out []Spec
	for _, name := range r.Names() {
		r.mu.RLock()
		out = append(out, r.specs[name]...)
		r.mu.RUnlock()
	}
	return out
}

// Judges returns the latest version of every spec carrying a verdict.
func (r *Registry) Judges() []Spec {
	var out []Spec
	for _, name := range r.Names() {
		if spec, ok := r.Resolve(name); ok && spec.Verdict != nil {
			out = append(out, spec)
		}
	}
	return out
}

var identPattern = regexp.MustCompile(`^[a-z0-9._-]+$`)

func normalize(spec Spec) (Spec, error) {
	spec.Name = strings.ToLower(strings.TrimSpace(spec.Name))
	spec.Version = strings.ToLower(strings.TrimSpace(spec.Version))
	spec.Description = strings.TrimSpace(spec.Description)
	spec.Template = strings.TrimSpace(spec.Template)
	if spec.Version == "" {
		spec.Version = "v1"
	}
	switch {
	case spec.Name == "":
		return Spec{}, fmt.Errorf("prompt name is required")
	case !identPattern.MatchString(spec.Name):
		return Spec{}, fmt.Errorf("prompt name %q must match [a-z0-9._-]", spec.Name)
	case !identPattern.MatchString(spec.Version):
		return Spec{}, fmt.Errorf("prompt version %q must match [a-z0-9._-]", spec.Version)
	case spec.Template == "":
		return Spec{}, fmt.Errorf("prompt %q has empty template", spec.Name)
	}
	if spec.Verdict != nil {
		if err := spec.Verdict.validate(spec.Name); err != nil {
			return Spec{}, err
		}
	}
	return spec, nil
}

func parseRef(ref string) (name, version string) {
	name, version, _ = strings.Cut(strings.ToLower(strings.TrimSpace(ref)), "@")
	return strings.TrimSpace(name), strings.TrimSpace(version)
}

// compareVersions orders "v<n>" versions numerically, so v10 follows v9,
// and falls back to string order otherwise.
func compareVersions(a, b string) int {
	na, errA := strconv.Atoi(strings.TrimPrefix(a, "v"))
	nb, errB := strconv.Atoi(strings.TrimPrefix(b, "v"))
	if errA == nil && errB == nil {
		return na - nb
	}
	return strings.Compare(a, b)
}
