// Package condition implements the predicates that decide when a rule applies: time windows and chains of
// other conditions.
//
// A Condition's active flag is written only by its Evaluate method. The manager calls Evaluate once per tick,
// from a single goroutine, so conditions need no locking.
package condition

import (
	"github.com/google/uuid"
	"log/slog"
	"time"
)

// A Condition is a predicate over time that remembers the result of its last evaluation.
type Condition interface {
	ID() string
	Name() string
	// Evaluate determines whether the condition holds at now and records the result as the condition's active state.
	Evaluate(now time.Time) bool
	// Active returns the result of the most recent call to Evaluate. It is false until the condition is first evaluated.
	Active() bool
	// Validate reports whether the condition is correctly configured.
	Validate() error
}

// base holds the identity and the activation state shared by all conditions.
type base struct {
	id     string
	name   string
	active bool
}

func newBase(name string) base {
	return base{id: uuid.NewString(), name: name}
}

func (b *base) ID() string {
	return b.id
}

func (b *base) Name() string {
	return b.name
}

func (b *base) Active() bool {
	return b.active
}

// Result is the outcome of evaluating a condition during the current tick.
type Result int

const (
	NotEvaluated Result = iota
	False
	True
)

func resultOf(active bool) Result {
	if active {
		return True
	}
	return False
}

func (r Result) String() string {
	switch r {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "not evaluated"
	}
}

func (r Result) LogValue() slog.Value {
	return slog.StringValue(r.String())
}
