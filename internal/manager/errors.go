package manager

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrTickInProgress is returned by Tick when another tick is still running.
	ErrTickInProgress = errors.New("tick in progress")
	// ErrDuplicateRegistration is returned when a condition is registered twice.
	ErrDuplicateRegistration = errors.New("condition already registered")
	// ErrNotRegistered is returned when unregistering an unknown condition.
	ErrNotRegistered = errors.New("condition not registered")
	// ErrProfileUnsupported is returned when an ActionSet switches profile on a platform that can't.
	ErrProfileUnsupported = errors.New("platform does not support profile switching")
)

var _ error = &PartialActionSetFailure{}

// PartialActionSetFailure indicates that some actions of an ActionSet were applied, while others failed.
// Actions that were applied are not rolled back.
type PartialActionSetFailure struct {
	Condition string
	Applied   []string
	Failed    map[string]error
}

func (e *PartialActionSetFailure) Error() string {
	actions := make([]string, 0, len(e.Failed))
	for action := range e.Failed {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	for i, action := range actions {
		actions[i] = action + ": " + e.Failed[action].Error()
	}
	return fmt.Sprintf("%s: partial action set failure: %s", e.Condition, strings.Join(actions, ", "))
}

func (e *PartialActionSetFailure) Is(err error) bool {
	var partialActionSetFailure *PartialActionSetFailure
	return errors.As(err, &partialActionSetFailure)
}

func (e *PartialActionSetFailure) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}
