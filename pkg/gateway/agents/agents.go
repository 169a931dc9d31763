// Package agents loads the personas the relay can hand a conversation to.
package agents

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrUnknownAgent = errors.New("unknown agent")

const (
	DefaultCustomerName = "John Doe"
	DefaultCustomerID   = "12345"
)

//go:embed profiles/*_profile.yaml
var builtinProfiles embed.FS

// Profile is one agent persona and the tool names it may call.
type Profile struct {
	Name        string   `yaml:"name"`
	Default     bool     `yaml:"default_agent"`
	Description string   `yaml:"description"`
	Persona     string   `yaml:"persona"`
	Tools       []string `yaml:"tools"`
}

// Customer fills the persona placeholders.
type Customer struct {
	Name string
	ID   string
}

// Instructions renders the persona for a customer. Empty fields fall back to
// DefaultCustomerName and DefaultCustomerID.
func (p Profile) Instructions(c Customer) string {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		name = DefaultCustomerName
	}
	id := strings.TrimSpace(c.ID)
	if id == "" {
		id = DefaultCustomerID
	}
	return strings.NewReplacer("{customer_name}", name, "{customer_id}", id).Replace(p.Persona)
}

// Registry is immutable after construction.
type Registry struct {
	profiles map[string]Profile
	names    []string
	def      string
}

// NewRegistry validates the profiles: names are required and unique, every
// profile has a persona, and exactly one profile is the default.
func NewRegistry(profiles []Profile) (*Registry, error) {
	r := &Registry{profiles: make(map[string]Profile, len(profiles))}
	var defaults []string
	for _, p := range profiles {
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			return nil, errors.New("agent profile name is required")
		}
		if strings.TrimSpace(p.Persona) == "" {
			return nil, fmt.Errorf("agent profile %q has no persona", p.Name)
		}
		if _, dup := r.profiles[p.Name]; dup {
			return nil, fmt.Errorf("duplicate agent profile %q", p.Name)
		}
		p.Tools = append([]string(nil), p.Tools...)
		r.profiles[p.Name] = p
		r.names = append(r.names, p.Name)
		if p.Default {
			defaults = append(defaults, p.Name)
		}
	}
	switch len(defaults) {
	case 1:
		r.def = defaults[0]
	case 0:
		return nil, errors.New("no default agent profile")
	default:
		return nil, fmt.Errorf("multiple default agent profiles: %s", strings.Join(defaults, ", "))
	}
	sort.Strings(r.names)
	return r, nil
}

// Load reads every *_profile.yaml in dir. An empty dir loads the built-in profiles.
func Load(dir string) (*Registry, error) {
	if strings.TrimSpace(dir) == "" {
		return LoadFS(builtinProfiles, "profiles")
	}
	return LoadFS(os.DirFS(dir), ".")
}

func LoadFS(fsys fs.FS, dir string) (*Registry, error) {
	matches, err := fs.Glob(fsys, path.Join(dir, "*_profile.yaml"))
	if err != nil {
		return nil, fmt.Errorf("list agent profiles: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no agent profiles found in %s", dir)
	}
	sort.Strings(matches)

	profiles := make([]Profile, 0, len(matches))
	for _, name := range matches {
		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		var p Profile
		if err := yaml.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		profiles = append(profiles, p)
	}
	return NewRegistry(profiles)
}

func (r *Registry) Default() Profile {
	return r.profiles[r.def]
}

func (r *Registry) Get(name string) (Profile, error) {
	p, ok := r.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	return p, nil
}

// Resolve matches name against the registered agents ignoring case and
// returns the registered spelling.
func (r *Registry) Resolve(name string) (string, bool) {
	if _, ok := r.profiles[name]; ok {
		return name, true
	}
	for _, n := range r.names {
		if strings.EqualFold(n, name) {
			return n, true
		}
	}
	return "", false
}

// Names returns the agent names in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Profiles returns every profile in name order.
func (r *Registry) Profiles() []Profile {
	out := make([]Profile, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.profiles[n])
	}
	return out
}
