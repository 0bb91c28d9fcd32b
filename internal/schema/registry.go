package schema

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rename migrates a track key that was superseded by a new identifier.
type Rename struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Timeline holds the defaults used to fill a missing timelineConfig.
type Timeline struct {
	StartDate   string  `yaml:"start_date"`
	EndDate     string  `yaml:"end_date"`
	SprintWeeks float64 `yaml:"sprint_weeks"`
}

// Vertical is the expected key set for one planning namespace.
type Vertical struct {
	Name        string   `yaml:"name"`
	Tracks      []string `yaml:"tracks"`
	Disciplines []string `yaml:"disciplines"`
	Sizes       []string `yaml:"sizes"`
	Renames     []Rename `yaml:"renames,omitempty"`
	Timeline    Timeline `yaml:"timeline"`
}

// Registry is the configured set of verticals.
type Registry struct {
	verticals map[string]Vertical
}

type registryFile struct {
	Version   int        `yaml:"version"`
	Verticals []Vertical `yaml:"verticals"`
}

var (
	defaultDisciplines = []string{"backend", "frontend", "mobile", "qa", "design"}
	defaultSizes       = []string{"XS", "S", "M", "L", "XL"}
	defaultTimeline    = Timeline{SprintWeeks: 2}
)

// DefaultRegistry is used when no schema file is configured.
func DefaultRegistry() *Registry {
	registry, _ := NewRegistry([]Vertical{
		{Name: "payments", Tracks: []string{"checkout", "ledger", "platform"}, Renames: []Rename{{From: "infra", To: "platform"}}},
		{Name: "identity", Tracks: []string{"auth", "profiles", "platform"}, Renames: []Rename{{From: "infra", To: "platform"}}},
		{Name: "marketplace", Tracks: []string{"search", "listings", "trust"}},
	})
	return registry
}

// NewRegistry validates and indexes verticals, filling omitted disciplines,
// sizes and timeline defaults.
func NewRegistry(verticals []Vertical) (*Registry, error) {
	if len(verticals) == 0 {
		return nil, errors.New("schema: at least one vertical is required")
	}
	index := make(map[string]Vertical, len(verticals))
	for _, v := range verticals {
		v.Name = strings.TrimSpace(v.Name)
		if v.Name == "" {
			return nil, errors.New("schema: vertical name is required")
		}
		if _, dup := index[v.Name]; dup {
			return nil, fmt.Errorf("schema: duplicate vertical %q", v.Name)
		}
		for _, rename := range v.Renames {
			if rename.From == "" || rename.To == "" || rename.From == rename.To {
				return nil, fmt.Errorf("schema: vertical %q has invalid rename %q -> %q", v.Name, rename.From, rename.To)
			}
		}
		if len(v.Disciplines) == 0 {
			v.Disciplines = append([]string(nil), defaultDisciplines...)
		}
		if len(v.Sizes) == 0 {
			v.Sizes = append([]string(nil), defaultSizes...)
		}
		if v.Timeline.SprintWeeks == 0 {
			v.Timeline.SprintWeeks = defaultTimeline.SprintWeeks
		}
		index[v.Name] = v
	}
	return &Registry{verticals: index}, nil
}

// ParseRegistryYAML decodes a schema document.
func ParseRegistryYAML(data []byte) (*Registry, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("schema: registry payload is empty")
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("schema: decode registry: %w", err)
	}
	return NewRegistry(file.Verticals)
}

// LoadRegistry reads the schema file at path, or returns DefaultRegistry when
// path is empty.
func LoadRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRegistry(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	registry, err := ParseRegistryYAML(data)
	if err != nil {
		return nil, fmt.Errorf("schema: %s: %w", path, err)
	}
	return registry, nil
}

func (r *Registry) Lookup(name string) (Vertical, bool) {
	v, ok := r.verticals[name]
	return v, ok
}

// Names returns the vertical names sorted alphabetically.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.verticals))
	for name := range r.verticals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
