// Package pipeline loads pipeline definitions and launches instances of them.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/me/taskforge/internal/partition"
	"github.com/me/taskforge/internal/subtask"
	"github.com/me/taskforge/pkg/model"
)

// Definition is a named chain of modules. Module i consumes what module i-1
// produced unless its inputs say otherwise.
type Definition struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Modules     []Module `yaml:"modules" json:"modules"`
}

// Module is one processing step of a pipeline.
type Module struct {
	Name     string             `yaml:"name" json:"name"`
	Executor model.ExecutorType `yaml:"executor,omitempty" json:"executor,omitempty"`
	Command  []string           `yaml:"command" json:"command"`
	Inputs   partition.Spec     `yaml:"inputs" json:"inputs"`
	Outputs  string             `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// OutputKind returns the output adapter kind recorded in schedules.
func (m Module) OutputKind() subtask.AdapterKind {
	if m.Outputs == "" {
		return "files"
	}
	return subtask.AdapterKind(m.Outputs)
}

// file is the top-level layout of a pipeline definition file.
type file struct {
	Pipelines []Definition `yaml:"pipelines"`
}

// Catalog holds the loaded pipeline definitions by name.
type Catalog struct {
	defs map[string]*Definition
}

// LoadFile reads a pipeline definition file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline file: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates pipeline definitions. Unknown keys are errors.
func Parse(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f file
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode pipelines: %w", err)
	}

	c := &Catalog{defs: make(map[string]*Definition, len(f.Pipelines))}
	for i := range f.Pipelines {
		def := &f.Pipelines[i]
		if err := def.normalize(); err != nil {
			return nil, err
		}
		if _, dup := c.defs[def.Name]; dup {
			return nil, fmt.Errorf("pipeline %q defined more than once", def.Name)
		}
		c.defs[def.Name] = def
	}
	return c, nil
}

func (d *Definition) normalize() error {
	if d.Name == "" {
		return errors.New("pipeline without a name")
	}
	if len(d.Modules) == 0 {
		return fmt.Errorf("pipeline %q has no modules", d.Name)
	}
	seen := make(map[string]bool, len(d.Modules))
	for i := range d.Modules {
		m := &d.Modules[i]
		if m.Name == "" {
			return fmt.Errorf("pipeline %q: module %d has no name", d.Name, i)
		}
		if seen[m.Name] {
			return fmt.Errorf("pipeline %q: module %q defined more than once", d.Name, m.Name)
		}
		seen[m.Name] = true
		if len(m.Command) == 0 {
			return fmt.Errorf("pipeline %q: module %q has no command", d.Name, m.Name)
		}
		if m.Inputs.Kind == "" {
			return fmt.Errorf("pipeline %q: module %q has no inputs kind", d.Name, m.Name)
		}
		if m.Executor == "" {
			m.Executor = model.ExecutorTypeLocal
		}
	}
	return nil
}

// Get returns the named pipeline, or nil.
func (c *Catalog) Get(name string) *Definition {
	return c.defs[name]
}

// Module returns module index of the named pipeline.
func (c *Catalog) Module(pipelineName string, index int) (Module, error) {
	def := c.defs[pipelineName]
	if def == nil {
		return Module{}, fmt.Errorf("pipeline %q not defined", pipelineName)
	}
	if index < 0 || index >= len(def.Modules) {
		return Module{}, fmt.Errorf("pipeline %q has no module %d", pipelineName, index)
	}
	return def.Modules[index], nil
}

// List returns all definitions sorted by name.
func (c *Catalog) List() []*Definition {
	out := make([]*Definition, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
