package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/danielgtaylor/huma/v2"
	"gopkg.in/yaml.v3"
)

// Variant is one candidate implementation of a process.
type Variant struct {
	ID     string   `yaml:"id" json:"id"`
	Target string   `yaml:"target" json:"target"`
	Weight *float64 `yaml:"weight,omitempty" json:"weight,omitempty"`
}

// Strategy references a decision function plus its static arguments.
type Strategy struct {
	Address    string         `yaml:"address" json:"address"`
	StaticArgs map[string]any `yaml:"static_args,omitempty" json:"static_args,omitempty"`
}

// Experiment carries optional A/B metadata for a manifest.
type Experiment struct {
	Key        string `yaml:"key" json:"key"`
	Hypothesis string `yaml:"hypothesis,omitempty" json:"hypothesis,omitempty"`
	StartedAt  string `yaml:"started_at,omitempty" json:"started_at,omitempty"`
}

// Manifest is the versioned routing record for one process name.
type Manifest struct {
	Name        string      `yaml:"-" json:"name"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Owner       string      `yaml:"owner,omitempty" json:"owner,omitempty"`
	InputSchema *SchemaDoc  `yaml:"input_schema,omitempty" json:"input_schema,omitempty"`
	Strategy    Strategy    `yaml:"strategy" json:"strategy"`
	Variants    []Variant   `yaml:"variants" json:"variants"`
	Experiment  *Experiment `yaml:"experiment,omitempty" json:"experiment,omitempty"`
}

// SchemaDoc wraps huma.Schema so JSON-Schema documents can be written
// inline in the YAML manifest file.
type SchemaDoc struct {
	huma.Schema
}

func (s *SchemaDoc) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("input_schema: %w", err)
	}
	if err := json.Unmarshal(data, &s.Schema); err != nil {
		return fmt.Errorf("input_schema: %w", err)
	}
	return nil
}

// UnknownProcessError is returned when no manifest exists for a process name.
type UnknownProcessError struct {
	Process string
}

func (e UnknownProcessError) Error() string {
	return fmt.Sprintf("unknown process %q", e.Process)
}

type file struct {
	Processes map[string]*Manifest `yaml:"processes"`
}

// Store holds an immutable manifest snapshot, swappable via Reload. Lookups
// never read files mid-request.
type Store struct {
	path     string
	known    func(address string) bool
	snapshot atomic.Pointer[map[string]*Manifest]
}

// Load parses the manifest file and returns a store. The known func reports
// whether a strategy address is registered; nil skips that check.
func Load(path string, known func(address string) bool) (*Store, error) {
	s := &Store{path: path, known: known}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// FromYAML builds a store from raw bytes; used by tests and `pl manifest check`.
func FromYAML(data []byte, known func(address string) bool) (*Store, error) {
	s := &Store{known: known}
	snap, err := s.parse(data)
	if err != nil {
		return nil, err
	}
	s.snapshot.Store(&snap)
	return s, nil
}

// Reload re-reads the manifest file and atomically swaps the snapshot.
// In-flight resolutions keep the snapshot they started with.
func (s *Store) Reload() error {
	if s.path == "" {
		return fmt.Errorf("manifest store has no file path")
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read manifests: %w", err)
	}
	snap, err := s.parse(data)
	if err != nil {
		return err
	}
	s.snapshot.Store(&snap)
	return nil
}

func (s *Store) parse(data []byte) (map[string]*Manifest, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid manifest yaml: %w", err)
	}
	if f.Processes == nil {
		f.Processes = map[string]*Manifest{}
	}
	for name, m := range f.Processes {
		m.Name = name
		if err := m.Validate(s.known); err != nil {
			return nil, fmt.Errorf("process %s: %w", name, err)
		}
		if m.InputSchema != nil {
			m.InputSchema.Schema.PrecomputeMessages()
		}
	}
	return f.Processes, nil
}

// Get returns the manifest for a process name.
func (s *Store) Get(name string) (*Manifest, error) {
	snap := s.snapshot.Load()
	if snap == nil {
		return nil, UnknownProcessError{Process: name}
	}
	m, ok := (*snap)[name]
	if !ok {
		return nil, UnknownProcessError{Process: name}
	}
	return m, nil
}

// Names lists all configured process names.
func (s *Store) Names() []string {
	snap := s.snapshot.Load()
	if snap == nil {
		return nil
	}
	names := make([]string, 0, len(*snap))
	for name := range *snap {
		names = append(names, name)
	}
	return names
}

// Validate checks the structural invariants of a single manifest.
func (m *Manifest) Validate(known func(address string) bool) error {
	if len(m.Variants) == 0 {
		return fmt.Errorf("variants must not be empty")
	}
	seen := map[string]bool{}
	weightSum := 0.0
	for _, v := range m.Variants {
		if v.ID == "" {
			return fmt.Errorf("variant with empty id")
		}
		if v.Target == "" {
			return fmt.Errorf("variant %s has no target", v.ID)
		}
		if seen[v.ID] {
			return fmt.Errorf("duplicate variant id %s", v.ID)
		}
		seen[v.ID] = true
		if v.Weight != nil {
			if *v.Weight < 0 || *v.Weight > 1 {
				return fmt.Errorf("variant %s weight %v outside [0,1]", v.ID, *v.Weight)
			}
			weightSum += *v.Weight
		}
	}
	if weightSum > 1.0000001 {
		return fmt.Errorf("variant weights sum to %v, must be <= 1", weightSum)
	}
	if m.Strategy.Address == "" {
		return fmt.Errorf("strategy address is required")
	}
	if known != nil && !known(m.Strategy.Address) {
		return fmt.Errorf("unknown strategy address %s", m.Strategy.Address)
	}
	if def, ok := m.Strategy.StaticArgs["default_variant"].(string); ok && def != "" && !seen[def] {
		return fmt.Errorf("default_variant %s not declared in variants", def)
	}
	return nil
}

// VariantByID returns the variant with the given id.
func (m *Manifest) VariantByID(id string) (Variant, bool) {
	for _, v := range m.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}
