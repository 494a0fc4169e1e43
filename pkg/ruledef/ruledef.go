// Package ruledef loads rule definitions from YAML files into a rules.Engine.
//
// A definition file lists classes in order. Each class may inherit the rules
// of classes declared before it and defines its own rules as declarative
// conditions over node properties and related rule membership.
//
// Example file:
//
//	classes:
//	  - name: Entity
//	    rules:
//	      - name: named
//	        when: {property: name, op: exists}
//	  - name: Person
//	    inherits: [Entity]
//	    rules:
//	      - name: adult
//	        properties: [age]
//	        when: {property: age, op: ">=", value: 18}
//	        triggers: [friend]
//	        aggregate:
//	          - {property: age, function: sum}
//	      - name: hasAdultFriend
//	        when:
//	          related: {type: friend, class: Person, rule: adult}
//
// Example Usage:
//
//	defs, err := ruledef.Load("rules.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := ruledef.Apply(engine, defs); err != nil {
//		log.Fatal(err)
//	}
package ruledef

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/nornicrules/pkg/rules"
)

// Errors returned by Validate. They are wrapped with the offending class and
// rule names.
var (
	ErrInvalidCondition   = errors.New("invalid condition")
	ErrUnknownOperator    = errors.New("unknown operator")
	ErrUnknownFunction    = errors.New("unknown aggregation function")
	ErrDuplicateRule      = errors.New("duplicate rule")
	ErrDuplicateClass     = errors.New("duplicate class")
	ErrUndeclaredInherit  = errors.New("inherits undeclared class")
	ErrMissingName        = errors.New("name is required")
	ErrUndeclaredRelation = errors.New("related class or rule not declared")
)

// File is a parsed rule definition file.
type File struct {
	Classes []Class `yaml:"classes"`
}

// Class declares the rules of one node class.
type Class struct {
	Name     string   `yaml:"name"`
	Inherits []string `yaml:"inherits,omitempty"`
	Rules    []Rule   `yaml:"rules,omitempty"`
}

// Rule declares one rule.
type Rule struct {
	Name       string      `yaml:"name"`
	Properties []string    `yaml:"properties,omitempty"`
	When       Condition   `yaml:"when"`
	Triggers   []string    `yaml:"triggers,omitempty"`
	Aggregate  []Aggregate `yaml:"aggregate,omitempty"`
}

// Aggregate binds a built-in aggregation function to a property.
type Aggregate struct {
	Property string `yaml:"property"`
	Function string `yaml:"function"`
}

// Parse decodes and validates a definition document. Unknown fields are errors.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing rule definitions: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Load reads and parses a definition file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule definitions: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Validate checks names, inheritance, conditions and aggregation functions.
// Inherited rule names count toward duplicates.
func (f *File) Validate() error {
	declared := make(map[string]map[string]bool, len(f.Classes))

	for i, class := range f.Classes {
		if class.Name == "" {
			return fmt.Errorf("class #%d: %w", i+1, ErrMissingName)
		}
		if _, dup := declared[class.Name]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateClass, class.Name)
		}

		names := make(map[string]bool)
		for _, parent := range class.Inherits {
			parentRules, ok := declared[parent]
			if !ok {
				return fmt.Errorf("class %s: %w %q", class.Name, ErrUndeclaredInherit, parent)
			}
			for name := range parentRules {
				if names[name] {
					return fmt.Errorf("class %s: %w %q inherited from %s", class.Name, ErrDuplicateRule, name, parent)
				}
				names[name] = true
			}
		}

		for j, rule := range class.Rules {
			if rule.Name == "" {
				return fmt.Errorf("class %s rule #%d: %w", class.Name, j+1, ErrMissingName)
			}
			if names[rule.Name] {
				return fmt.Errorf("class %s: %w %q", class.Name, ErrDuplicateRule, rule.Name)
			}
			names[rule.Name] = true

			if err := rule.When.validate(); err != nil {
				return fmt.Errorf("class %s rule %s: %w", class.Name, rule.Name, err)
			}
			for _, agg := range rule.Aggregate {
				if agg.Property == "" {
					return fmt.Errorf("class %s rule %s: aggregate: property is required", class.Name, rule.Name)
				}
				if _, ok := rules.AggregationByName(agg.Function); !ok {
					return fmt.Errorf("class %s rule %s: %w %q", class.Name, rule.Name, ErrUnknownFunction, agg.Function)
				}
			}
		}
		declared[class.Name] = names
	}

	// Related conditions may point at classes declared later in the file.
	for _, class := range f.Classes {
		for _, rule := range class.Rules {
			for _, rel := range rule.When.related() {
				if !declared[rel.Class][rel.Rule] {
					return fmt.Errorf("class %s rule %s: %w: %s.%s", class.Name, rule.Name, ErrUndeclaredRelation, rel.Class, rel.Rule)
				}
			}
		}
	}
	return nil
}

// Apply registers the file's classes and rules with engine in file order.
// Inherited rules come before a class's own rules. The file is validated
// first; a name already registered in engine fails with rules.ErrDuplicateRule
// and leaves earlier classes applied.
func Apply(engine *rules.Engine, f *File) error {
	if err := f.Validate(); err != nil {
		return err
	}

	for _, class := range f.Classes {
		reg := engine.Registry(class.Name)
		for _, parent := range class.Inherits {
			if err := engine.Registry(parent).Inherit(reg); err != nil {
				return fmt.Errorf("class %s: %w", class.Name, err)
			}
		}

		for _, rule := range class.Rules {
			predicate, err := rule.When.Compile(engine)
			if err != nil {
				return fmt.Errorf("class %s rule %s: %w", class.Name, rule.Name, err)
			}

			opts := []rules.Option{
				rules.WithProperties(rule.Properties...),
				rules.WithTriggers(rule.Triggers...),
			}
			for _, agg := range rule.Aggregate {
				fn, _ := rules.AggregationByName(agg.Function)
				opts = append(opts, rules.WithAggregation(agg.Property, fn))
			}
			if _, err := reg.AddRule(rule.Name, predicate, opts...); err != nil {
				return err
			}
		}
	}
	return nil
}

// Rules counts the rules declared directly in the file, excluding inherited copies.
func (f *File) Rules() int {
	n := 0
	for _, class := range f.Classes {
		n += len(class.Rules)
	}
	return n
}
