// Package config reads batch query files:
//
//	log_level: INFO
//	workers: 4
//	queries:
//	  - name: x11
//	    protocol: tcp
//	    ports: 6000-6020
//	    ports_mode: overlap
//	  - name: system-ports
//	    user: ^sys.*
//	    user_regex: true
//	    range: s0
//	    range_subset: true
//
// A mode may be given by name (ports_mode/range_mode) or with the
// overlap/subset/superset flags; the name wins when both are present.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"portcon-analyzer/internal/engine"
)

type File struct {
	LogLevel string  `yaml:"log_level"`
	Workers  int     `yaml:"workers"`
	Queries  []Query `yaml:"queries"`
}

type Query struct {
	Name     string `yaml:"name"`
	Protocol string `yaml:"protocol"`

	Ports         string `yaml:"ports"`
	PortsMode     string `yaml:"ports_mode"`
	PortsOverlap  bool   `yaml:"ports_overlap"`
	PortsSubset   bool   `yaml:"ports_subset"`
	PortsSuperset bool   `yaml:"ports_superset"`
	PortsProper   bool   `yaml:"ports_proper"`

	User      string `yaml:"user"`
	UserRegex bool   `yaml:"user_regex"`
	Role      string `yaml:"role"`
	RoleRegex bool   `yaml:"role_regex"`
	Type      string `yaml:"type"`
	TypeRegex bool   `yaml:"type_regex"`

	Range         string `yaml:"range"`
	RangeMode     string `yaml:"range_mode"`
	RangeOverlap  bool   `yaml:"range_overlap"`
	RangeSubset   bool   `yaml:"range_subset"`
	RangeSuperset bool   `yaml:"range_superset"`
	RangeProper   bool   `yaml:"range_proper"`
}

// Input converts q into the engine's raw criteria form.
func (q Query) Input() engine.Input {
	portsMode := q.PortsMode
	if portsMode == "" {
		portsMode = string(engine.ModeFromFlags(q.PortsOverlap, q.PortsSubset, q.PortsSuperset))
	}
	rangeMode := q.RangeMode
	if rangeMode == "" {
		rangeMode = string(engine.ModeFromFlags(q.RangeOverlap, q.RangeSubset, q.RangeSuperset))
	}
	return engine.Input{
		Protocol:    q.Protocol,
		Ports:       q.Ports,
		PortsMode:   portsMode,
		PortsProper: q.PortsProper,
		User:        q.User,
		UserRegex:   q.UserRegex,
		Role:        q.Role,
		RoleRegex:   q.RoleRegex,
		Type:        q.Type,
		TypeRegex:   q.TypeRegex,
		Range:       q.Range,
		RangeMode:   rangeMode,
		RangeProper: q.RangeProper,
	}
}

func Load(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read query file: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse query file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("validate query file: %w", err)
	}
	return &f, nil
}

// Validate checks the file structure. Criteria fields are validated later
// against the loaded policy.
func (f *File) Validate() error {
	if f.Workers < 0 {
		return fmt.Errorf("workers must be >= 0")
	}
	if len(f.Queries) == 0 {
		return fmt.Errorf("no queries defined")
	}
	seen := make(map[string]bool, len(f.Queries))
	for i, q := range f.Queries {
		if q.Name == "" {
			return fmt.Errorf("query %d has no name", i+1)
		}
		if seen[q.Name] {
			return fmt.Errorf("duplicate query name %q", q.Name)
		}
		seen[q.Name] = true
	}
	return nil
}
