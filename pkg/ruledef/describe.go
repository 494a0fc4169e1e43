package ruledef

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/orneryd/nornicrules/pkg/rules"
)

// Describe writes a human-readable summary of f. The rule engine anchor
// relation type is listed per class so the output doubles as a map of the
// materialized graph.
func Describe(w io.Writer, f *File) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "%d classes, %d rules\n", len(f.Classes), f.Rules())
	for _, class := range f.Classes {
		fmt.Fprintf(bw, "\n%s  (anchor edge :%s)\n", class.Name, rules.RelationType(class.Name))
		if len(class.Inherits) > 0 {
			fmt.Fprintf(bw, "  inherits: %s\n", strings.Join(class.Inherits, ", "))
		}
		for _, rule := range class.Rules {
			fmt.Fprintf(bw, "  - %s\n", rule.Name)
			fmt.Fprintf(bw, "      when:       %s\n", rule.When)
			if len(rule.Properties) > 0 {
				fmt.Fprintf(bw, "      properties: %s\n", strings.Join(rule.Properties, ", "))
			}
			if len(rule.Triggers) > 0 {
				fmt.Fprintf(bw, "      triggers:   %s\n", strings.Join(rule.Triggers, ", "))
			}
			for _, agg := range rule.Aggregate {
				fmt.Fprintf(bw, "      aggregate:  %s(%s) -> %s\n",
					agg.Function, agg.Property, rules.AggregatePropertyName(rule.Name, agg.Function, agg.Property))
			}
		}
	}
	return bw.Flush()
}
