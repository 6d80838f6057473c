package provider

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/paseo/paseo/internal/common/errors"
	"github.com/paseo/paseo/pkg/protocol"
)

// Binding names. A descriptor's binding selects the factory that knows how
// to talk to its command.
const (
	BindingStreamJSON = "streamjson"
)

// Descriptor describes how to launch one provider.
type Descriptor struct {
	// Name is the provider identifier used on the wire (claude, codex, ...).
	Name string `yaml:"-"`

	// Command is the executable looked up on PATH.
	Command string `yaml:"command"`

	// Args are passed on every launch.
	Args []string `yaml:"args"`

	// ResumeFlag precedes the session handle when resuming. Defaults to
	// --resume.
	ResumeFlag string `yaml:"resumeFlag"`

	// Env entries (KEY=VALUE) appended to the daemon environment.
	Env []string `yaml:"env"`

	// Binding selects the wire protocol factory. Defaults to streamjson.
	Binding string `yaml:"binding"`

	// Models, when non-empty, short-circuits catalog queries with a static
	// list.
	Models []protocol.ModelInfo `yaml:"models"`
}

// Registry maps provider names to descriptors and bindings to factories.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
	factories   map[string]Factory
}

// NewRegistry returns a registry preloaded with the built-in providers.
// Factories are registered separately so tests can swap the binding.
func NewRegistry() *Registry {
	r := &Registry{
		descriptors: make(map[string]Descriptor),
		factories:   make(map[string]Factory),
	}
	for _, d := range builtinDescriptors() {
		r.descriptors[d.Name] = d
	}
	return r
}

func builtinDescriptors() []Descriptor {
	return []Descriptor{
		{
			Name:       "claude",
			Command:    "claude",
			Args:       []string{"--output-format", "stream-json", "--input-format", "stream-json"},
			ResumeFlag: "--resume",
			Binding:    BindingStreamJSON,
		},
		{
			Name:       "codex",
			Command:    "codex",
			Args:       []string{"proto"},
			ResumeFlag: "--resume",
			Binding:    BindingStreamJSON,
		},
		{
			Name:       "opencode",
			Command:    "opencode",
			Args:       []string{"serve", "--format", "ndjson"},
			ResumeFlag: "--session",
			Binding:    BindingStreamJSON,
		},
		{
			Name:       "mock",
			Command:    "paseo-mock-agent",
			ResumeFlag: "--resume",
			Binding:    BindingStreamJSON,
		},
	}
}

// RegisterFactory installs the factory for a binding name.
func (r *Registry) RegisterFactory(binding string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[binding] = f
}

// Register installs or replaces a descriptor.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return errors.Invalid("provider descriptor requires a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[d.Name] = normalizeDescriptor(d)
	return nil
}

// Get returns the descriptor for a provider name.
func (r *Registry) Get(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	if !ok {
		return Descriptor{}, errors.NotFound("provider", name)
	}
	return d, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Factory returns the factory serving a provider's binding.
func (r *Registry) Factory(name string) (Descriptor, Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	if !ok {
		return Descriptor{}, nil, errors.NotFound("provider", name)
	}
	f, ok := r.factories[d.Binding]
	if !ok {
		return Descriptor{}, nil, errors.Unsupported(
			fmt.Sprintf("provider '%s' uses unknown binding '%s'", name, d.Binding))
	}
	return d, f, nil
}

// providersFile is the shape of providers.yaml.
type providersFile struct {
	Providers map[string]Descriptor `yaml:"providers"`
}

// LoadOverrides merges provider overrides from a yaml file. A missing file
// is not an error. Overrides replace built-in descriptors wholesale and
// may add entirely new providers.
func (r *Registry) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read providers file: %w", err)
	}

	var file providersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse providers file %s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, d := range file.Providers {
		d.Name = name
		if d.Command == "" {
			return errors.Invalidf("provider '%s' in %s has no command", name, path)
		}
		r.descriptors[name] = normalizeDescriptor(d)
	}
	return nil
}

func normalizeDescriptor(d Descriptor) Descriptor {
	if d.Binding == "" {
		d.Binding = BindingStreamJSON
	}
	if d.ResumeFlag == "" {
		d.ResumeFlag = "--resume"
	}
	return d
}
