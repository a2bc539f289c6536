package condition

import (
	"errors"
	"fmt"
	"gopkg.in/yaml.v3"
	"log/slog"
	"strings"
	"time"
)

// Mode determines how a Chain combines the results of its children.
type Mode int

const (
	// All holds if every child holds.
	All Mode = iota
	// Any holds if at least one child holds.
	Any
	// First holds if any child holds, and records the first child (in order) that holds.
	First
)

var modeNames = map[Mode]string{
	All:   "all",
	Any:   "any",
	First: "first",
}

func (m Mode) String() string {
	return modeNames[m]
}

func ParseMode(s string) (Mode, error) {
	for mode, name := range modeNames {
		if strings.EqualFold(s, name) {
			return mode, nil
		}
	}
	return All, fmt.Errorf("invalid chain mode: %q", s)
}

func (m *Mode) UnmarshalYAML(node *yaml.Node) (err error) {
	*m, err = ParseMode(node.Value)
	return err
}

func (m Mode) MarshalYAML() (any, error) {
	v := m.String()
	if v == "" {
		return "", fmt.Errorf("invalid chain mode: %d", m)
	}
	return v, nil
}

// Link is a child of a Chain.
type Link struct {
	Condition
	// Skippable children are not evaluated in First mode once an earlier child holds.
	Skippable bool
}

var _ Condition = &Chain{}

// Chain combines a list of conditions into one.
//
// Chains never short-circuit the evaluation of their children, so every child's active state stays current:
// in All and Any modes, every child is evaluated on each tick. In First mode, children after the first match
// are still evaluated, unless they are marked as Skippable. Skipped children are reported as NotEvaluated.
//
// The chain's active state is derived from the results of its children during the last evaluation.
type Chain struct {
	base
	Mode    Mode
	Links   []Link
	results []Result
	matched int
}

// NewChain returns a validated Chain.
func NewChain(name string, mode Mode, links ...Link) (*Chain, error) {
	c := Chain{
		base:    newBase(name),
		Mode:    mode,
		Links:   links,
		matched: -1,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Chain) Validate() error {
	if _, ok := modeNames[c.Mode]; !ok {
		return &ConfigurationError{Condition: c.name, Err: fmt.Errorf("invalid chain mode: %d", c.Mode)}
	}
	if len(c.Links) == 0 {
		return &ConfigurationError{Condition: c.name, Err: errors.New("chain has no conditions")}
	}
	for i, link := range c.Links {
		if link.Condition == nil {
			return &ConfigurationError{Condition: c.name, Err: fmt.Errorf("condition %d is not set", i+1)}
		}
		if link.Condition == Condition(c) {
			return &ConfigurationError{Condition: c.name, Err: errors.New("chain contains itself")}
		}
		if err := link.Condition.Validate(); err != nil {
			return &ConfigurationError{Condition: c.name, Err: err}
		}
	}
	return nil
}

func (c *Chain) Evaluate(now time.Time) bool {
	c.results = make([]Result, len(c.Links))
	c.matched = -1
	for i, link := range c.Links {
		if c.Mode == First && c.matched != -1 && link.Skippable {
			continue
		}
		c.results[i] = resultOf(link.Condition.Evaluate(now))
		if c.Mode == First && c.matched == -1 && c.results[i] == True {
			c.matched = i
		}
	}
	c.active = c.derive()
	return c.active
}

func (c *Chain) derive() bool {
	if len(c.results) == 0 {
		return false
	}
	switch c.Mode {
	case All:
		for _, r := range c.results {
			if r != True {
				return false
			}
		}
		return true
	case Any:
		for _, r := range c.results {
			if r == True {
				return true
			}
		}
		return false
	case First:
		return c.matched != -1
	default:
		return false
	}
}

// Results returns the result of each child during the last evaluation.
func (c *Chain) Results() []Result {
	results := make([]Result, len(c.Links))
	copy(results, c.results)
	return results
}

// Matched returns the child that decided the chain's result during the last evaluation. Only First chains
// record a match.
func (c *Chain) Matched() (Condition, bool) {
	if c.matched == -1 {
		return nil, false
	}
	return c.Links[c.matched].Condition, true
}

func (c *Chain) String() string {
	names := make([]string, len(c.Links))
	for i, link := range c.Links {
		names[i] = link.Condition.Name()
	}
	return c.Mode.String() + "(" + strings.Join(names, ",") + ")"
}

func (c *Chain) LogValue() slog.Value {
	attrs := make([]slog.Attr, 0, 4)
	attrs = append(attrs,
		slog.String("name", c.name),
		slog.String("chain", c.String()),
		slog.Bool("active", c.active),
	)
	if matched, ok := c.Matched(); ok {
		attrs = append(attrs, slog.String("matched", matched.Name()))
	}
	return slog.GroupValue(attrs...)
}
