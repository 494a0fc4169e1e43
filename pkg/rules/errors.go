package rules

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every rule error is fatal to the committing transaction;
// nothing is retried.
var (
	// ErrDuplicateRule is returned when a class already has a rule of that name.
	ErrDuplicateRule = errors.New("duplicate rule")

	// ErrAnchorUnavailable is returned when a class anchor cannot be found or created.
	ErrAnchorUnavailable = errors.New("rule anchor unavailable")

	// ErrCascadeLimit is returned when one evaluation pass visits more nodes
	// than Options.MaxCascadeNodes allows.
	ErrCascadeLimit = errors.New("rule cascade limit exceeded")

	// ErrUnknownRule is returned by lookups naming a rule the class does not have.
	ErrUnknownRule = errors.New("unknown rule")
)

// PredicateError reports a predicate that returned an error or panicked.
type PredicateError struct {
	Class string
	Rule  string
	Node  string
	Err   error
}

func (e *PredicateError) Error() string {
	return fmt.Sprintf("rule %s.%s predicate failed on node %s: %v", e.Class, e.Rule, e.Node, e.Err)
}

func (e *PredicateError) Unwrap() error { return e.Err }

// AggregationError reports an aggregation callback that returned an error or panicked.
type AggregationError struct {
	Class string
	Rule  string
	Key   string
	Op    string // "add" or "remove"
	Err   error
}

func (e *AggregationError) Error() string {
	return fmt.Sprintf("rule %s.%s aggregation on %q (%s) failed: %v", e.Class, e.Rule, e.Key, e.Op, e.Err)
}

func (e *AggregationError) Unwrap() error { return e.Err }

// StoreOperationError reports a graph mutation or read the store rejected
// while materializing a rule.
type StoreOperationError struct {
	Op   string // e.g. "connect", "disconnect", "read incoming edges"
	Rule string
	Node string
	Err  error
}

func (e *StoreOperationError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Node, e.Err)
	}
	return fmt.Sprintf("%s %s for rule %s: %v", e.Op, e.Node, e.Rule, e.Err)
}

func (e *StoreOperationError) Unwrap() error { return e.Err }

// recovered converts a recovered panic value into an error.
func recovered(v any) error {
	if err, ok := v.(error); ok {
		return fmt.Errorf("panic: %w", err)
	}
	return fmt.Errorf("panic: %v", v)
}
