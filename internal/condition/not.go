package condition

import (
	"errors"
	"time"
)

var _ Condition = &Not{}

// Not holds when its child doesn't.
type Not struct {
	base
	Condition Condition
}

func NewNot(name string, c Condition) (*Not, error) {
	n := Not{base: newBase(name), Condition: c}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return &n, nil
}

func (n *Not) Validate() error {
	if n.Condition == nil {
		return &ConfigurationError{Condition: n.name, Err: errors.New("condition is not set")}
	}
	if err := n.Condition.Validate(); err != nil {
		return &ConfigurationError{Condition: n.name, Err: err}
	}
	return nil
}

func (n *Not) Evaluate(now time.Time) bool {
	n.active = !n.Condition.Evaluate(now)
	return n.active
}

