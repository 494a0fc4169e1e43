package ruledef

import (
	"fmt"
	"sort"
	"strings"

	"github.com/orneryd/nornicrules/pkg/convert"
	"github.com/orneryd/nornicrules/pkg/rules"
	"github.com/orneryd/nornicrules/pkg/storage"
)

// Comparison operators.
const (
	OpEq       = "="
	OpNe       = "!="
	OpGt       = ">"
	OpGte      = ">="
	OpLt       = "<"
	OpLte      = "<="
	OpExists   = "exists"
	OpMissing  = "missing"
	OpContains = "contains"
)

var operators = map[string]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpExists: true, OpMissing: true, OpContains: true,
}

// Condition is a predicate over a node. Exactly one form is set:
//   - a comparison: Property, Op and (except for exists/missing) Value
//   - All, Any or Not over nested conditions
//   - Related: an outgoing edge of Type to a member of Class.Rule
type Condition struct {
	Property string `yaml:"property,omitempty"`
	Op       string `yaml:"op,omitempty"`
	Value    any    `yaml:"value,omitempty"`

	All     []Condition `yaml:"all,omitempty"`
	Any     []Condition `yaml:"any,omitempty"`
	Not     *Condition  `yaml:"not,omitempty"`
	Related *Related    `yaml:"related,omitempty"`
}

// Related matches nodes with an outgoing edge of Type to a node that is a
// member of Class's Rule.
type Related struct {
	Type  string `yaml:"type"`
	Class string `yaml:"class"`
	Rule  string `yaml:"rule"`
}

func (c *Condition) forms() int {
	n := 0
	if c.Property != "" || c.Op != "" || c.Value != nil {
		n++
	}
	if c.All != nil {
		n++
	}
	if c.Any != nil {
		n++
	}
	if c.Not != nil {
		n++
	}
	if c.Related != nil {
		n++
	}
	return n
}

func (c *Condition) validate() error {
	if c.forms() != 1 {
		return fmt.Errorf("%w: exactly one of property/op, all, any, not, related must be set", ErrInvalidCondition)
	}

	switch {
	case c.All != nil || c.Any != nil:
		list := c.All
		if c.Any != nil {
			list = c.Any
		}
		if len(list) == 0 {
			return fmt.Errorf("%w: empty all/any", ErrInvalidCondition)
		}
		for i := range list {
			if err := list[i].validate(); err != nil {
				return err
			}
		}
	case c.Not != nil:
		return c.Not.validate()
	case c.Related != nil:
		if c.Related.Type == "" || c.Related.Class == "" || c.Related.Rule == "" {
			return fmt.Errorf("%w: related needs type, class and rule", ErrInvalidCondition)
		}
	default:
		if c.Property == "" {
			return fmt.Errorf("%w: property is required", ErrInvalidCondition)
		}
		if !operators[c.Op] {
			return fmt.Errorf("%w %q", ErrUnknownOperator, c.Op)
		}
		needsValue := c.Op != OpExists && c.Op != OpMissing
		if needsValue && c.Value == nil {
			return fmt.Errorf("%w: %s %s needs a value", ErrInvalidCondition, c.Property, c.Op)
		}
		if !needsValue && c.Value != nil {
			return fmt.Errorf("%w: %s %s takes no value", ErrInvalidCondition, c.Property, c.Op)
		}
	}
	return nil
}

// related returns every Related clause in the condition tree.
func (c *Condition) related() []*Related {
	var out []*Related
	if c.Related != nil {
		out = append(out, c.Related)
	}
	for i := range c.All {
		out = append(out, c.All[i].related()...)
	}
	for i := range c.Any {
		out = append(out, c.Any[i].related()...)
	}
	if c.Not != nil {
		out = append(out, c.Not.related()...)
	}
	return out
}

type matcher func(tx *storage.Transaction, node *storage.Node) (bool, error)

// Compile turns the condition into a rule predicate. Related clauses resolve
// their registry through engine when evaluated.
func (c *Condition) Compile(engine *rules.Engine) (rules.Predicate, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	m := c.compile(engine)
	return rules.Predicate(m), nil
}

func (c *Condition) compile(engine *rules.Engine) matcher {
	switch {
	case c.All != nil:
		parts := compileAll(engine, c.All)
		return func(tx *storage.Transaction, node *storage.Node) (bool, error) {
			for _, p := range parts {
				ok, err := p(tx, node)
				if err != nil || !ok {
					return false, err
				}
			}
			return true, nil
		}
	case c.Any != nil:
		parts := compileAll(engine, c.Any)
		return func(tx *storage.Transaction, node *storage.Node) (bool, error) {
			for _, p := range parts {
				ok, err := p(tx, node)
				if err != nil || ok {
					return ok, err
				}
			}
			return false, nil
		}
	case c.Not != nil:
		inner := c.Not.compile(engine)
		return func(tx *storage.Transaction, node *storage.Node) (bool, error) {
			ok, err := inner(tx, node)
			return !ok && err == nil, err
		}
	case c.Related != nil:
		rel := *c.Related
		return func(tx *storage.Transaction, node *storage.Node) (bool, error) {
			reg, ok := engine.LookupRegistry(rel.Class)
			if !ok {
				return false, nil
			}
			edges, err := tx.GetOutgoingEdges(node.ID)
			if err != nil {
				return false, err
			}
			for _, e := range edges {
				if e.Type != rel.Type {
					continue
				}
				member, err := reg.IsMember(tx, e.EndNode, rel.Rule)
				if err != nil || member {
					return member, err
				}
			}
			return false, nil
		}
	default:
		key, op, want := c.Property, c.Op, c.Value
		return func(_ *storage.Transaction, node *storage.Node) (bool, error) {
			got, present := node.Properties[key]
			present = present && got != nil
			return compare(op, got, present, want), nil
		}
	}
}

func compileAll(engine *rules.Engine, conds []Condition) []matcher {
	parts := make([]matcher, len(conds))
	for i := range conds {
		parts[i] = conds[i].compile(engine)
	}
	return parts
}

func compare(op string, got any, present bool, want any) bool {
	switch op {
	case OpExists:
		return present
	case OpMissing:
		return !present
	case OpEq:
		return present && convert.Equal(got, want)
	case OpNe:
		return !present || !convert.Equal(got, want)
	case OpContains:
		return present && convert.Contains(got, want)
	}

	if !present {
		return false
	}
	cmp, ok := convert.Compare(got, want)
	if !ok {
		return false
	}
	switch op {
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	}
	return false
}

// String renders the condition in a compact infix form.
func (c Condition) String() string {
	switch {
	case c.All != nil:
		return "(" + joinConditions(c.All, " AND ") + ")"
	case c.Any != nil:
		return "(" + joinConditions(c.Any, " OR ") + ")"
	case c.Not != nil:
		return "NOT " + c.Not.String()
	case c.Related != nil:
		return fmt.Sprintf("-[:%s]-> %s.%s", c.Related.Type, c.Related.Class, c.Related.Rule)
	case c.Op == OpExists || c.Op == OpMissing:
		return c.Property + " " + c.Op
	}
	return fmt.Sprintf("%s %s %s", c.Property, c.Op, formatValue(c.Value))
}

func joinConditions(conds []Condition, sep string) string {
	parts := make([]string, len(conds))
	for i, cond := range conds {
		parts[i] = cond.String()
	}
	return strings.Join(parts, sep)
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	case []any:
		parts := make([]string, len(val))
		for i, el := range val {
			parts[i] = formatValue(el)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + ": " + formatValue(val[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return fmt.Sprint(v)
}
