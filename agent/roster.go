package agent

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Spec is the declarative definition of an agent, as written in the config
// file or a standalone registry file.
type Spec struct {
	ID             string        `json:"id" yaml:"id"`
	Name           string        `json:"name" yaml:"name"`
	CapabilityTags []string      `json:"capability_tags" yaml:"capability_tags"`
	AutonomyLevel  AutonomyLevel `json:"autonomy_level" yaml:"autonomy_level"`
	Enabled        *bool         `json:"enabled,omitempty" yaml:"enabled"` // nil means enabled
	Endpoint       string        `json:"endpoint,omitempty" yaml:"endpoint"`
}

// Validate checks that s can be registered.
func (s Spec) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("agent spec: id is required")
	}
	if !s.AutonomyLevel.Valid() {
		return fmt.Errorf("agent %s: autonomy_level must be 1, 2 or 3, got %d", s.ID, s.AutonomyLevel)
	}
	if len(s.CapabilityTags) == 0 {
		return fmt.Errorf("agent %s: at least one capability tag is required", s.ID)
	}
	return nil
}

func (s Spec) agent() *Agent {
	enabled := s.Enabled == nil || *s.Enabled
	name := s.Name
	if name == "" {
		name = s.ID
	}
	tags := make([]string, 0, len(s.CapabilityTags))
	for _, t := range s.CapabilityTags {
		tags = append(tags, NormalizeTag(t))
	}
	return &Agent{
		ID:             s.ID,
		Name:           name,
		CapabilityTags: tags,
		AutonomyLevel:  s.AutonomyLevel,
		Enabled:        enabled,
		Endpoint:       s.Endpoint,
	}
}

// registryFile is the on-disk layout of a standalone agent registry.
type registryFile struct {
	Agents []Spec `yaml:"agents"`
}

// LoadSpecs reads agent specs from a YAML registry file.
func LoadSpecs(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent registry %s: %w", path, err)
	}
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agent registry %s: %w", path, err)
	}
	return f.Agents, nil
}

// Sync upserts every spec into the registry. Agents present in the registry
// but absent from specs are left alone; agents are never deleted. All specs
// are validated before anything is written.
func Sync(ctx context.Context, reg Registry, specs []Spec) error {
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return err
		}
		if seen[s.ID] {
			return fmt.Errorf("agent %s: duplicate id", s.ID)
		}
		seen[s.ID] = true
	}
	for _, s := range specs {
		if err := reg.UpsertAgent(ctx, s.agent()); err != nil {
			return fmt.Errorf("sync agent %s: %w", s.ID, err)
		}
	}
	return nil
}

// IdleOrder returns the idle, enabled agents in the order they are offered
// work: highest autonomy first, then by ID.
func IdleOrder(agents []*Agent) []*Agent {
	var idle []*Agent
	for _, a := range agents {
		if a.Idle() {
			idle = append(idle, a)
		}
	}
	sort.SliceStable(idle, func(i, j int) bool {
		if idle[i].AutonomyLevel != idle[j].AutonomyLevel {
			return idle[i].AutonomyLevel > idle[j].AutonomyLevel
		}
		return idle[i].ID < idle[j].ID
	})
	return idle
}
