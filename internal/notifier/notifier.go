// Package notifier reports condition activations, deactivations and action failures to the user.
package notifier

import (
	"fmt"
	"log/slog"
)

// Kind is the type of Event.
type Kind int

const (
	Activated Kind = iota
	Deactivated
	Failed
)

var kindNames = map[Kind]string{
	Activated:   "activated",
	Deactivated: "deactivated",
	Failed:      "failed",
}

func (k Kind) String() string {
	return kindNames[k]
}

// An Event describes a change in a registered condition, or the failure to apply its actions.
type Event struct {
	Kind      Kind
	Condition string
	// Matched is the name of the child that activated a first-match chain.
	Matched string
	Actions string
	Err     error
}

func (e Event) Title() string {
	title := e.Condition + ": " + e.Kind.String()
	if e.Matched != "" {
		title += " (" + e.Matched + ")"
	}
	return title
}

func (e Event) Text() string {
	if e.Err != nil {
		if e.Actions != "" {
			return fmt.Sprintf("%s: %s", e.Actions, e.Err.Error())
		}
		return e.Err.Error()
	}
	return e.Actions
}

func (e Event) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("condition", e.Condition),
		slog.String("kind", e.Kind.String()),
	}
	if e.Matched != "" {
		attrs = append(attrs, slog.String("matched", e.Matched))
	}
	if e.Actions != "" {
		attrs = append(attrs, slog.String("actions", e.Actions))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("err", e.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

type Notifier interface {
	Notify(Event)
}

var _ Notifier = Notifiers{}

type Notifiers []Notifier

func (n Notifiers) Notify(event Event) {
	for _, l := range n {
		l.Notify(event)
	}
}
