package thirdparty

import (
	"os"
	"regexp"
	"runtime"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Dep describes a single archive listed in the manifest.
type Dep struct {
	Condition  string `yaml:"if,omitempty"`
	Rejections string `yaml:"ifNot,omitempty"`
	URL        string
	Dest       string
	Sha256     string
	Strip      int
	MarkExec   []string `yaml:"markExec,omitempty"`
	Patches    []string `yaml:"patches,omitempty"`
	Version    string   `yaml:"version,omitempty"`
}

// Stamp identifies the extracted contents of a dependency.
func (d Dep) Stamp() string {
	return d.URL + "#" + d.Sha256
}

type Manifest struct {
	Vars  map[string]string
	Tools map[string]string
	Deps  map[string]Dep

	path string
	raw  []byte
}

// Entry is a manifest dependency with its placeholders expanded.
type Entry struct {
	Name string
	Dep  Dep
	// Active is false if the dependency's conditions don't match the current platform.
	Active bool
}

var varMatcher = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "could not open file %s", path)
	}

	m, err := ParseManifest(data)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse %s", path)
	}

	m.path = path
	return m, nil
}

func ParseManifest(data []byte) (*Manifest, error) {
	m := &Manifest{}
	err := yaml.Unmarshal(data, m)
	if err != nil {
		return nil, err
	}

	if m.Vars == nil {
		m.Vars = map[string]string{}
	}
	if m.Tools == nil {
		m.Tools = map[string]string{}
	}
	if m.Deps == nil {
		m.Deps = map[string]Dep{}
	}

	for name, dep := range m.Deps {
		if dep.URL == "" {
			return nil, eris.Errorf("dependency %s has no url", name)
		}
		if dep.Dest == "" {
			return nil, eris.Errorf("dependency %s has no dest", name)
		}
		if dep.Strip < 0 {
			return nil, eris.Errorf("dependency %s has a negative strip value", name)
		}
	}

	m.raw = data
	return m, nil
}

// Path returns the file the manifest was loaded from.
func (m *Manifest) Path() string {
	return m.path
}

// BuiltinVars returns the platform variables available to conditions.
func BuiltinVars() map[string]string {
	vars := map[string]string{
		runtime.GOOS:   "true",
		runtime.GOARCH: "true",
	}
	if os.Getenv("CI") == "true" {
		vars["ci"] = "true"
	}
	return vars
}

// Variables merges the manifest vars with extra. Values in extra win.
func (m *Manifest) Variables(extra map[string]string) map[string]string {
	vars := make(map[string]string, len(m.Vars)+len(extra))
	for k, v := range m.Vars {
		vars[k] = v
	}
	for k, v := range extra {
		vars[k] = v
	}
	return vars
}

// Expand replaces {NAME} placeholders with the matching variable. Unknown variables expand to an empty
// string.
func Expand(value string, vars map[string]string) string {
	return varMatcher.ReplaceAllStringFunc(value, func(varName string) string {
		return vars[varName[1:len(varName)-1]]
	})
}

// Matches reports whether all names in the if list are set and all names in the ifNot list are empty.
func (d Dep) Matches(vars map[string]string) bool {
	for _, condition := range strings.Split(d.Condition, ",") {
		condition = strings.TrimSpace(condition)
		if condition == "" {
			continue
		}

		if vars[condition] == "" {
			return false
		}
	}

	for _, condition := range strings.Split(d.Rejections, ",") {
		condition = strings.TrimSpace(condition)
		if condition == "" {
			continue
		}

		if vars[condition] != "" {
			return false
		}
	}
	return true
}

// Entries returns the dependencies sorted by name. If only is not empty, the result is limited to the
// listed names.
func (m *Manifest) Entries(vars map[string]string, only []string) ([]Entry, error) {
	names := make([]string, 0, len(m.Deps))
	if len(only) > 0 {
		seen := map[string]bool{}
		for _, name := range only {
			if _, ok := m.Deps[name]; !ok {
				return nil, UnknownDep{Name: name}
			}
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	} else {
		for name := range m.Deps {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	result := make([]Entry, 0, len(names))
	for _, name := range names {
		dep := m.Deps[name]
		dep.URL = Expand(dep.URL, vars)
		result = append(result, Entry{
			Name:   name,
			Dep:    dep,
			Active: dep.Matches(vars),
		})
	}

	return result, nil
}
