package legion

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ResourceTemplate describes the container resources for a profile.
type ResourceTemplate struct {
	Image  string  `yaml:"image" json:"image"`
	Memory int64   `yaml:"memory" json:"memory"` // bytes, 0 = unlimited
	CPUs   float64 `yaml:"cpus" json:"cpus"`     // 0 = unlimited
}

// Profile is a worker capability descriptor. Static profiles are loaded
// from YAML at startup; dynamic profiles are created at runtime by the
// create_worker_profile meta-tool and have the same shape.
type Profile struct {
	Name         string           `yaml:"name" json:"name"`
	Description  string           `yaml:"description" json:"description"`
	Capabilities []string         `yaml:"capabilities" json:"capabilities"` // tool names
	Persistent   bool             `yaml:"persistent" json:"persistent"`
	Resources    ResourceTemplate `yaml:"resources" json:"resourceTemplate"`

	// Dynamic marks runtime-created profiles.
	Dynamic bool `yaml:"-" json:"-"`
}

// HasCapability reports whether the profile's tool set includes name.
func (p *Profile) HasCapability(name string) bool {
	for _, c := range p.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// ProfileRegistry is the catalog of worker profiles, static and dynamic.
type ProfileRegistry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewProfileRegistry creates an empty registry.
func NewProfileRegistry() *ProfileRegistry {
	return &ProfileRegistry{profiles: make(map[string]*Profile)}
}

// LoadDir loads every *.yaml profile in dir. A missing directory is not
// an error; an unparseable file is.
func (r *ProfileRegistry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		var p Profile
		if err := yaml.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("profile %s: %w", entry.Name(), err)
		}
		if p.Name == "" {
			p.Name = strings.TrimSuffix(entry.Name(), ".yaml")
		}
		r.Add(&p)
	}
	return nil
}

// Add registers a profile, replacing any existing one with the same name.
func (r *ProfileRegistry) Add(p *Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.Name] = p
}

// Remove deletes a profile by name.
func (r *ProfileRegistry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.profiles, name)
}

// Get returns a profile by name.
func (r *ProfileRegistry) Get(name string) (*Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}
	return p, nil
}

// List returns all profiles sorted by name.
func (r *ProfileRegistry) List() []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Describe renders the catalog for the reasoning collaborator's context.
func (r *ProfileRegistry) Describe() string {
	profiles := r.List()
	if len(profiles) == 0 {
		return "No worker profiles available."
	}
	var b strings.Builder
	b.WriteString("Available worker profiles:\n")
	for _, p := range profiles {
		fmt.Fprintf(&b, "- %s: %s (tools: %s", p.Name, p.Description, strings.Join(p.Capabilities, ", "))
		if p.Persistent {
			b.WriteString(", persistent")
		}
		b.WriteString(")\n")
	}
	return b.String()
}

// roleTemplate is a blueprint for dynamic profile creation. The set is
// closed; the create_worker_profile meta-tool resolves roles by name.
type roleTemplate struct {
	role         string
	description  string
	capabilities []string
}

var roleTemplates = map[string]roleTemplate{
	"analyst": {
		role:         "analyst",
		description:  "Analyzes data and performs calculations",
		capabilities: []string{"calculator"},
	},
	"researcher": {
		role:         "researcher",
		description:  "Gathers and condenses information",
		capabilities: []string{"calculator"},
	},
	"reviewer": {
		role:         "reviewer",
		description:  "Validates and cross-checks results from other workers",
		capabilities: []string{"calculator"},
	},
}

// RoleNames returns the closed set of dynamic role names.
func RoleNames() []string {
	names := make([]string, 0, len(roleTemplates))
	for name := range roleTemplates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewDynamicProfile instantiates a role template into a runtime profile.
// The specialization is folded into the description so the reasoning
// collaborator can tell instances of the same role apart.
func NewDynamicProfile(role, specialization string, resources ResourceTemplate) (*Profile, error) {
	tmpl, ok := roleTemplates[role]
	if !ok {
		return nil, fmt.Errorf("%w: unknown role %q (valid: %s)", ErrProfileNotFound, role, strings.Join(RoleNames(), ", "))
	}
	desc := tmpl.description
	if specialization != "" {
		desc += ", specialized for: " + specialization
	}
	return &Profile{
		Name:         fmt.Sprintf("dyn-%s-%s", tmpl.role, uuid.New().String()[:8]),
		Description:  desc,
		Capabilities: append([]string(nil), tmpl.capabilities...),
		Resources:    resources,
		Dynamic:      true,
	}, nil
}
