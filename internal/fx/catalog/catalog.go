// Package catalog holds the effect definitions the scheduler and estimator
// consult: which names are standard type+variant effects, which are custom
// references, which require aiming, and the declared emission timings.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	yaml "go.yaml.in/yaml/v3"
)

// UnboundedFrames marks an emitter that never stops on its own.
const UnboundedFrames = -1

// ID identifies an effect: a custom reference (Variant empty) or a standard
// type paired with a variant (usually a color).
type ID struct {
	Name    string `json:"name"`
	Variant string `json:"variant,omitempty"`
}

// Key is the identity used for overrides and warning cooldowns.
func (id ID) Key() string {
	name := normalize(id.Name)
	if v := normalize(id.Variant); v != "" {
		return name + ":" + v
	}
	return name
}

func (id ID) String() string { return id.Key() }

// Definition is the declared timing of an effect.
//
// EmitterFrames is how long the emitter keeps spawning particles; UnboundedFrames
// means forever. ParticleLifeFrames is how long each particle stays visible.
// A zero EmitterFrames with zero ParticleLifeFrames means "not declared".
type Definition struct {
	EmitterFrames      int  `yaml:"emitter_frames" json:"emitter_frames"`
	ParticleLifeFrames int  `yaml:"particle_life_frames" json:"particle_life_frames"`
	Aimed              bool `yaml:"aimed" json:"aimed"`
}

// Unbounded reports whether the effect loops by itself.
func (d Definition) Unbounded() bool { return d.EmitterFrames == UnboundedFrames }

// Declared reports whether any timing was declared.
func (d Definition) Declared() bool {
	return d.Unbounded() || d.EmitterFrames > 0 || d.ParticleLifeFrames > 0
}

// Type is a standard effect type that needs a variant.
type Type struct {
	Definition `yaml:",inline"`
	Variants   []string `yaml:"variants"`
}

type fileFormat struct {
	Types   map[string]Type       `yaml:"types"`
	Effects map[string]Definition `yaml:"effects"`
}

// Catalog is safe for concurrent use; Replace swaps the content atomically.
type Catalog struct {
	mu      sync.RWMutex
	types   map[string]Type
	effects map[string]Definition
}

// New builds a catalog from in-memory maps.
func New(types map[string]Type, effects map[string]Definition) *Catalog {
	c := &Catalog{}
	c.set(types, effects)
	return c
}

// Parse decodes the YAML catalog format.
func Parse(data []byte) (*Catalog, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("catalog: yaml unmarshal: %w", err)
	}
	for name, t := range f.Types {
		if err := checkDefinition(name, t.Definition); err != nil {
			return nil, err
		}
		if _, dup := f.Effects[name]; dup {
			return nil, fmt.Errorf("catalog: %q declared as both type and effect", name)
		}
	}
	for name, d := range f.Effects {
		if err := checkDefinition(name, d); err != nil {
			return nil, err
		}
	}
	return New(f.Types, f.Effects), nil
}

// Load reads and parses a catalog file.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("catalog: path required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	return Parse(b)
}

func checkDefinition(name string, d Definition) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("catalog: empty effect name")
	}
	if d.EmitterFrames < UnboundedFrames {
		return fmt.Errorf("catalog: %s: emitter_frames must be >= -1", name)
	}
	if d.ParticleLifeFrames < 0 {
		return fmt.Errorf("catalog: %s: particle_life_frames must be >= 0", name)
	}
	return nil
}

func (c *Catalog) set(types map[string]Type, effects map[string]Definition) {
	nt := make(map[string]Type, len(types))
	for k, t := range types {
		vs := make([]string, 0, len(t.Variants))
		for _, v := range t.Variants {
			vs = append(vs, normalize(v))
		}
		t.Variants = vs
		nt[normalize(k)] = t
	}
	ne := make(map[string]Definition, len(effects))
	for k, d := range effects {
		ne[normalize(k)] = d
	}
	c.mu.Lock()
	c.types = nt
	c.effects = ne
	c.mu.Unlock()
}

// Replace swaps in the content of other (used on file reload).
func (c *Catalog) Replace(other *Catalog) {
	if other == nil {
		return
	}
	other.mu.RLock()
	types, effects := other.types, other.effects
	other.mu.RUnlock()
	c.mu.Lock()
	c.types = types
	c.effects = effects
	c.mu.Unlock()
}

// IsType reports whether name is a standard type (and thus needs a variant).
func (c *Catalog) IsType(name string) bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.types[normalize(name)]
	return ok
}

// Variants lists the allowed variants for a standard type (nil = any).
func (c *Catalog) Variants(name string) []string {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.types[normalize(name)]
	if !ok || len(t.Variants) == 0 {
		return nil
	}
	return append([]string(nil), t.Variants...)
}

// Lookup returns the definition for id. Standard types share one definition
// across variants.
func (c *Catalog) Lookup(id ID) (Definition, bool) {
	if c == nil {
		return Definition{}, false
	}
	name := normalize(id.Name)
	c.mu.RLock()
	defer c.mu.RUnlock()
	if t, ok := c.types[name]; ok {
		return t.Definition, true
	}
	d, ok := c.effects[name]
	return d, ok
}

// Names returns every known type and effect name, sorted.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	out := make([]string, 0, len(c.types)+len(c.effects))
	for k := range c.types {
		out = append(out, k)
	}
	for k := range c.effects {
		out = append(out, k)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

func normalize(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
