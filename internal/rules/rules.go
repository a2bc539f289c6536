// Package rules loads a rules file and builds the conditions and registrations it describes.
package rules

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/clambin/go-common/set"
	"github.com/clambin/profilematic/internal/condition"
	"github.com/clambin/profilematic/internal/manager"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
	"io"
	"os"
	"slices"
	"sync"
	"time"
)

// File is the content of a rules file.
type File struct {
	// Timezone in which time windows are evaluated. Defaults to the local timezone.
	Timezone   string            `yaml:"timezone,omitempty"`
	Conditions []ConditionConfig `yaml:"conditions"`
	Rules      []RuleConfig      `yaml:"rules"`
}

// ConditionConfig defines one named condition. Exactly one of Time, Chain and Not is set.
type ConditionConfig struct {
	Name  string       `yaml:"name"`
	Time  *TimeConfig  `yaml:"time,omitempty"`
	Chain *ChainConfig `yaml:"chain,omitempty"`
	// Not holds the name of the negated condition.
	Not string `yaml:"not,omitempty"`
}

type TimeConfig struct {
	Start condition.Timestamp `yaml:"start"`
	End   condition.Timestamp `yaml:"end"`
	Days  []string            `yaml:"days,omitempty"`
}

// ChainConfig combines other conditions, referenced by name.
type ChainConfig struct {
	Mode       condition.Mode `yaml:"mode"`
	Conditions []string       `yaml:"conditions"`
	Skippable  []string       `yaml:"skippable,omitempty"`
}

// RuleConfig associates a condition, referenced by name, with its actions.
type RuleConfig struct {
	Condition  string                       `yaml:"condition"`
	Activate   manager.ActionSet            `yaml:"activate"`
	Deactivate *manager.ActionSet           `yaml:"deactivate,omitempty"`
	Matches    map[string]manager.ActionSet `yaml:"matches,omitempty"`
}

//go:embed rules.schema.yaml
var schemaYAML []byte

var loadSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	schemaJSON, err := toJSON(schemaYAML)
	if err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	return jsonschema.CompileString("rules.schema.json", string(schemaJSON))
})

// Load reads a rules file, validating it against the rules schema.
func Load(r io.Reader) (File, error) {
	var f File
	content, err := io.ReadAll(r)
	if err != nil {
		return f, fmt.Errorf("read: %w", err)
	}
	if err = validate(content); err != nil {
		return f, err
	}
	if err = yaml.Unmarshal(content, &f); err != nil {
		return f, fmt.Errorf("decode: %w", err)
	}
	return f, nil
}

// LoadFile reads the rules file at path.
func LoadFile(path string) (File, error) {
	r, err := os.Open(path)
	if err != nil {
		return File{}, err
	}
	defer func() { _ = r.Close() }()
	f, err := Load(r)
	if err != nil {
		err = fmt.Errorf("%s: %w", path, err)
	}
	return f, err
}

func validate(content []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}
	doc, err := toJSON(content)
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	var v any
	if err = json.Unmarshal(doc, &v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err = schema.Validate(v); err != nil {
		return fmt.Errorf("invalid rules file: %w", err)
	}
	return nil
}

// toJSON converts a YAML document to JSON, so it can be processed by the schema validator.
func toJSON(content []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(content, &v); err != nil {
		return nil, err
	}
	if v == nil {
		v = map[string]any{}
	}
	return json.Marshal(v)
}

// A Set holds the conditions and registrations built from a rules file.
type Set struct {
	Location *time.Location
	// Conditions holds all conditions, by name.
	Conditions map[string]condition.Condition
	// Registrations holds one registration per rule, in the order of the rules file.
	Registrations []manager.Registration
}

// Build creates the conditions and registrations described by the rules file. Conditions are referenced by name
// and may be defined in any order. Unknown references and cycles return a condition.ConfigurationError.
func (f File) Build() (*Set, error) {
	location := time.Local
	if f.Timezone != "" {
		var err error
		if location, err = time.LoadLocation(f.Timezone); err != nil {
			return nil, &condition.ConfigurationError{Err: fmt.Errorf("timezone: %w", err)}
		}
	}

	b := builder{
		location: location,
		configs:  make(map[string]ConditionConfig, len(f.Conditions)),
		built:    make(map[string]condition.Condition, len(f.Conditions)),
		visiting: make(map[string]bool),
	}
	for _, cfg := range f.Conditions {
		if _, ok := b.configs[cfg.Name]; ok {
			return nil, &condition.ConfigurationError{Condition: cfg.Name, Err: errors.New("duplicate condition name")}
		}
		b.configs[cfg.Name] = cfg
	}
	// build every condition, so errors in conditions that no rule uses are still reported
	for _, cfg := range f.Conditions {
		if _, err := b.build(cfg.Name); err != nil {
			return nil, err
		}
	}

	s := Set{Location: location, Conditions: b.built, Registrations: make([]manager.Registration, 0, len(f.Rules))}
	used := set.New[string]()
	for _, rule := range f.Rules {
		if used.Contains(rule.Condition) {
			return nil, &condition.ConfigurationError{Condition: rule.Condition, Err: errors.New("condition used by more than one rule")}
		}
		used.Add(rule.Condition)
		registration, err := b.registration(rule)
		if err != nil {
			return nil, err
		}
		s.Registrations = append(s.Registrations, registration)
	}
	return &s, nil
}

type builder struct {
	location *time.Location
	configs  map[string]ConditionConfig
	built    map[string]condition.Condition
	visiting map[string]bool
}

func (b *builder) build(name string) (condition.Condition, error) {
	if c, ok := b.built[name]; ok {
		return c, nil
	}
	cfg, ok := b.configs[name]
	if !ok {
		return nil, &condition.ConfigurationError{Condition: name, Err: errors.New("unknown condition")}
	}
	if b.visiting[name] {
		return nil, &condition.ConfigurationError{Condition: name, Err: errors.New("condition refers to itself")}
	}
	b.visiting[name] = true
	defer delete(b.visiting, name)

	var c condition.Condition
	var err error
	switch {
	case cfg.Time != nil:
		c, err = b.timeWindow(cfg)
	case cfg.Chain != nil:
		c, err = b.chain(cfg)
	case cfg.Not != "":
		c, err = b.not(cfg)
	default:
		err = &condition.ConfigurationError{Condition: name, Err: errors.New("condition has no time, chain or not clause")}
	}
	if err != nil {
		return nil, err
	}
	b.built[name] = c
	return c, nil
}

func (b *builder) timeWindow(cfg ConditionConfig) (condition.Condition, error) {
	days := make([]time.Weekday, len(cfg.Time.Days))
	for i, name := range cfg.Time.Days {
		day, err := condition.ParseWeekday(name)
		if err != nil {
			return nil, &condition.ConfigurationError{Condition: cfg.Name, Err: err}
		}
		days[i] = day
	}
	return condition.NewTimeWindow(cfg.Name, cfg.Time.Start, cfg.Time.End, days, b.location)
}

func (b *builder) chain(cfg ConditionConfig) (condition.Condition, error) {
	skippable := set.New(cfg.Chain.Skippable...)
	for name := range skippable {
		if !slices.Contains(cfg.Chain.Conditions, name) {
			return nil, &condition.ConfigurationError{Condition: cfg.Name, Err: fmt.Errorf("skippable condition %q not in chain", name)}
		}
	}
	links := make([]condition.Link, len(cfg.Chain.Conditions))
	for i, name := range cfg.Chain.Conditions {
		c, err := b.build(name)
		if err != nil {
			return nil, &condition.ConfigurationError{Condition: cfg.Name, Err: err}
		}
		links[i] = condition.Link{Condition: c, Skippable: skippable.Contains(name)}
	}
	return condition.NewChain(cfg.Name, cfg.Chain.Mode, links...)
}

func (b *builder) not(cfg ConditionConfig) (condition.Condition, error) {
	c, err := b.build(cfg.Not)
	if err != nil {
		return nil, &condition.ConfigurationError{Condition: cfg.Name, Err: err}
	}
	return condition.NewNot(cfg.Name, c)
}

func (b *builder) registration(rule RuleConfig) (manager.Registration, error) {
	c, ok := b.built[rule.Condition]
	if !ok {
		return manager.Registration{}, &condition.ConfigurationError{Condition: rule.Condition, Err: errors.New("rule refers to unknown condition")}
	}
	if len(rule.Matches) > 0 {
		chain, ok := c.(*condition.Chain)
		if !ok || chain.Mode != condition.First {
			return manager.Registration{}, &condition.ConfigurationError{Condition: rule.Condition, Err: errors.New("matches requires a first-match chain")}
		}
		children := make(map[string]bool, len(chain.Links))
		for _, link := range chain.Links {
			children[link.Condition.Name()] = true
		}
		for name := range rule.Matches {
			if !children[name] {
				return manager.Registration{}, &condition.ConfigurationError{Condition: rule.Condition, Err: fmt.Errorf("match %q is not part of the chain", name)}
			}
		}
	}
	return manager.Registration{
		Condition:  c,
		Activate:   rule.Activate,
		Deactivate: rule.Deactivate,
		Matches:    rule.Matches,
	}, nil
}
