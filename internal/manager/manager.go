// Package manager evaluates registered conditions on each tick and applies the actions of the ones that changed state.
package manager

import (
	"context"
	"errors"
	"fmt"
	"github.com/clambin/profilematic/internal/condition"
	"github.com/clambin/profilematic/internal/notifier"
	"github.com/clambin/profilematic/internal/platform"
	"github.com/clambin/profilematic/pkg/pubsub"
	"github.com/emirpasic/gods/maps/linkedhashmap"
	"log/slog"
	"sync"
	"time"
)

type Notifier interface {
	Notify(notifier.Event)
}

// A Registration associates a condition with the actions to apply when it activates and deactivates.
type Registration struct {
	Condition condition.Condition
	// Activate is applied when the condition becomes active.
	Activate ActionSet
	// Deactivate is applied when the condition stops being active. If nil, nothing is applied.
	Deactivate *ActionSet
	// Matches holds per-child overrides of Activate for first-match chains, keyed by the name of the child.
	// When the matched child changes while the chain remains active, the new child's actions are applied.
	Matches map[string]ActionSet
}

func (r Registration) activation(matched string) ActionSet {
	if match, ok := r.Matches[matched]; ok {
		return r.Activate.Merge(match)
	}
	return r.Activate
}

// registration holds the state of a Registration. All fields are guarded by Manager.lock.
type registration struct {
	Registration
	active        bool
	matched       string
	activations   int
	deactivations int
	lastChange    time.Time
	lastFailure   error
}

type pendingOperation struct {
	register   *Registration
	unregister string
}

// matcher is implemented by conditions that record which child decided their result.
type matcher interface {
	Matched() (condition.Condition, bool)
}

// Manager evaluates the registered conditions in registration order. On each activation and deactivation edge,
// it applies the registration's ActionSet to the Platform. Conditions that don't change state cause no actions.
//
// Registrations that apply conflicting changes on the same tick are applied in registration order,
// so the last registered condition wins.
type Manager struct {
	*pubsub.Publisher[Report]
	// Now returns the time used by Run to evaluate conditions.
	Now func() time.Time
	// ActionTimeout bounds the time to apply a single ActionSet. Zero means no timeout.
	ActionTimeout time.Duration

	platform      platform.Platform
	presence      platform.PresenceMonitor
	notifier      Notifier
	interval      time.Duration
	logger        *slog.Logger
	refresh       chan struct{}
	tickLock      sync.Mutex
	lock          sync.Mutex
	registrations *linkedhashmap.Map
	pending       []pendingOperation
	ticking       bool
	ticks         int
	lastTick      time.Time
}

const (
	defaultInterval      = 30 * time.Second
	defaultActionTimeout = 10 * time.Second
)

func New(p platform.Platform, n Notifier, interval time.Duration, logger *slog.Logger) *Manager {
	if n == nil {
		n = notifier.Notifiers{}
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	m := Manager{
		Publisher:     pubsub.New[Report](logger.With(slog.String("component", "publisher"))),
		Now:           time.Now,
		ActionTimeout: defaultActionTimeout,
		platform:      p,
		presence:      p.NewPresenceMonitor(),
		notifier:      n,
		interval:      interval,
		logger:        logger,
		refresh:       make(chan struct{}, 1),
		registrations: linkedhashmap.New(),
	}
	m.presence.OnChange(func(present bool) {
		m.logger.Info("presence changed", "present", present)
	})
	return &m
}

// Register adds a condition to the manager. An invalid condition returns a condition.ConfigurationError.
//
// If called during a tick, the registration takes effect at the end of the tick.
func (m *Manager) Register(r Registration) error {
	if r.Condition == nil {
		return &condition.ConfigurationError{Err: errors.New("registration has no condition")}
	}
	if err := r.Condition.Validate(); err != nil {
		if !errors.Is(err, &condition.ConfigurationError{}) {
			err = &condition.ConfigurationError{Condition: r.Condition.Name(), Err: err}
		}
		return fmt.Errorf("register: %w", err)
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	id := r.Condition.ID()
	if _, ok := m.registrations.Get(id); ok || m.isPending(id) {
		return fmt.Errorf("%s: %w", r.Condition.Name(), ErrDuplicateRegistration)
	}
	if m.ticking {
		m.pending = append(m.pending, pendingOperation{register: &r})
		m.logger.Debug("registration deferred until end of tick", "condition", r.Condition.Name())
		return nil
	}
	m.registrations.Put(id, &registration{Registration: r})
	m.logger.Debug("condition registered", "condition", r.Condition)
	return nil
}

// Unregister removes a condition from the manager. If the condition is active, its deactivation actions are applied.
//
// If called during a tick, the condition is removed at the end of the tick.
func (m *Manager) Unregister(ctx context.Context, id string) error {
	m.lock.Lock()
	if _, ok := m.registrations.Get(id); !ok && !m.isPending(id) {
		m.lock.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotRegistered)
	}
	if m.ticking {
		m.pending = append(m.pending, pendingOperation{unregister: id})
		m.lock.Unlock()
		m.logger.Debug("unregistration deferred until end of tick", "id", id)
		return nil
	}
	m.lock.Unlock()

	m.tickLock.Lock()
	defer m.tickLock.Unlock()
	return m.unregister(ctx, id)
}

// unregister removes the registration and applies its deactivation actions if it was active.
// Must be called with m.tickLock held.
func (m *Manager) unregister(ctx context.Context, id string) error {
	m.lock.Lock()
	v, ok := m.registrations.Get(id)
	if !ok {
		m.lock.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotRegistered)
	}
	m.registrations.Remove(id)
	r := v.(*registration)
	wasActive := r.active
	r.active = false
	m.lock.Unlock()

	m.logger.Debug("condition unregistered", "condition", r.Condition)
	if !wasActive {
		return nil
	}
	return m.deactivate(ctx, r)
}

// register adds a deferred registration. Must be called with m.tickLock held.
func (m *Manager) register(r Registration) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	id := r.Condition.ID()
	if _, ok := m.registrations.Get(id); ok {
		return fmt.Errorf("%s: %w", r.Condition.Name(), ErrDuplicateRegistration)
	}
	m.registrations.Put(id, &registration{Registration: r})
	m.logger.Debug("condition registered", "condition", r.Condition)
	return nil
}

// isPending reports whether a deferred registration exists for the id. Must be called with m.lock held.
func (m *Manager) isPending(id string) bool {
	for _, op := range m.pending {
		if op.register != nil && op.register.Condition.ID() == id {
			return true
		}
	}
	return false
}

// Tick evaluates all registered conditions at now and applies the actions of the conditions that changed state.
// Tick returns the errors of all actions that failed. If another tick is running, Tick returns ErrTickInProgress.
func (m *Manager) Tick(ctx context.Context, now time.Time) error {
	if !m.tickLock.TryLock() {
		return ErrTickInProgress
	}
	defer m.tickLock.Unlock()

	m.lock.Lock()
	m.ticking = true
	registrations := m.registrations.Values()
	m.lock.Unlock()

	var errs []error
	for _, v := range registrations {
		if err := m.evaluate(ctx, v.(*registration), now); err != nil {
			errs = append(errs, err)
		}
	}

	// apply the operations deferred during the tick, including the ones deferred while applying them.
	// ticking remains set until none are left.
	for {
		m.lock.Lock()
		pending := m.pending
		m.pending = nil
		if len(pending) == 0 {
			m.ticking = false
			m.ticks++
			m.lastTick = now
			m.lock.Unlock()
			break
		}
		m.lock.Unlock()

		for _, op := range pending {
			var err error
			if op.register != nil {
				err = m.register(*op.register)
			} else {
				err = m.unregister(ctx, op.unregister)
			}
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Apply applies an ActionSet that isn't bound to a condition, e.g. a setting requested by the user.
// Apply never runs concurrently with the actions of a tick: if a tick is running, it returns ErrTickInProgress.
func (m *Manager) Apply(ctx context.Context, actions ActionSet) error {
	m.lock.Lock()
	ticking := m.ticking
	m.lock.Unlock()
	if ticking {
		return ErrTickInProgress
	}

	m.tickLock.Lock()
	defer m.tickLock.Unlock()
	m.logger.Info("applying actions", "actions", actions)
	return m.dispatch(ctx, "manual", actions)
}

func (m *Manager) evaluate(ctx context.Context, r *registration, now time.Time) error {
	active := r.Condition.Evaluate(now)
	var matched string
	if c, ok := r.Condition.(matcher); ok {
		if child, ok := c.Matched(); ok {
			matched = child.Name()
		}
	}

	m.lock.Lock()
	wasActive, wasMatched := r.active, r.matched
	r.active, r.matched = active, matched
	if active != wasActive {
		r.lastChange = now
		if active {
			r.activations++
		} else {
			r.deactivations++
		}
	}
	m.lock.Unlock()

	switch {
	case active && !wasActive:
		return m.apply(ctx, r, notifier.Activated, matched, r.activation(matched))
	case active && matched != wasMatched:
		m.logger.Debug("matched condition changed", "condition", r.Condition.Name(), "from", wasMatched, "to", matched)
		return m.apply(ctx, r, notifier.Activated, matched, r.activation(matched))
	case !active && wasActive:
		return m.deactivate(ctx, r)
	default:
		return nil
	}
}

func (m *Manager) deactivate(ctx context.Context, r *registration) error {
	var actions ActionSet
	if r.Deactivate != nil {
		actions = *r.Deactivate
	}
	return m.apply(ctx, r, notifier.Deactivated, "", actions)
}

func (m *Manager) apply(ctx context.Context, r *registration, kind notifier.Kind, matched string, actions ActionSet) error {
	name := r.Condition.Name()
	m.logger.Info("condition "+kind.String(), "condition", name, "matched", matched, "actions", actions)

	err := m.dispatch(ctx, name, actions)

	m.lock.Lock()
	r.lastFailure = err
	m.lock.Unlock()

	m.notifier.Notify(notifier.Event{Kind: kind, Condition: name, Matched: matched, Actions: actions.String()})
	if err != nil {
		m.logger.Warn("failed to apply actions", "condition", name, "actions", actions, "err", err)
		m.notifier.Notify(notifier.Event{Kind: notifier.Failed, Condition: name, Matched: matched, Actions: actions.String(), Err: err})
	}
	return err
}

// dispatch applies the actions in a fixed order: flight mode, power saving, presence monitoring and profile.
// A failed action doesn't stop the remaining ones, and applied actions aren't rolled back.
func (m *Manager) dispatch(ctx context.Context, name string, actions ActionSet) error {
	if actions.IsZero() {
		return nil
	}
	if m.ActionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.ActionTimeout)
		defer cancel()
	}

	var applied []string
	failed := make(map[string]error)
	do := func(action string, f func() error) {
		if err := f(); err != nil {
			m.logger.Warn("action failed", "condition", name, "action", action, "err", err)
			failed[action] = err
			return
		}
		applied = append(applied, action)
	}

	if actions.FlightMode != Unchanged {
		do("flightMode", func() error { return m.platform.SetFlightMode(ctx, actions.FlightMode.Mode()) })
	}
	if actions.PowerSaving != Unchanged {
		do("powerSaving", func() error { return m.platform.SetPowerSavingMode(ctx, actions.PowerSaving.Mode()) })
	}
	switch actions.Presence {
	case On:
		do("presence", func() error { return m.presence.Activate(ctx) })
	case Off:
		do("presence", func() error { m.presence.Deactivate(); return nil })
	}
	if actions.Profile != "" {
		do("profile", func() error {
			switcher, ok := m.platform.(platform.ProfileSwitcher)
			if !ok {
				return ErrProfileUnsupported
			}
			return switcher.SetProfile(ctx, actions.Profile)
		})
	}

	switch {
	case len(failed) == 0:
		return nil
	case len(applied) > 0:
		return &PartialActionSetFailure{Condition: name, Applied: applied, Failed: failed}
	default:
		errs := make([]error, 0, len(failed))
		for action, err := range failed {
			errs = append(errs, fmt.Errorf("%s: %w", action, err))
		}
		return fmt.Errorf("%s: action set failed: %w", name, errors.Join(errs...))
	}
}

// Run evaluates the registered conditions every interval, until the context is canceled.
// After each tick, Run publishes a Report to all subscribers.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Debug("started", slog.Duration("interval", m.interval))
	defer m.logger.Debug("stopped")
	defer m.presence.Deactivate()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.Tick(ctx, m.Now()); err != nil {
			m.logger.Error("tick failed", "err", err)
		}
		m.Publish(m.Report())

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-m.refresh:
		}
	}
}

// Refresh triggers an immediate tick in Run.
func (m *Manager) Refresh() {
	select {
	case m.refresh <- struct{}{}:
	default:
	}
}

// Interval returns the time between two ticks in Run.
func (m *Manager) Interval() time.Duration {
	return m.interval
}

// Platform returns the platform the manager applies actions to.
func (m *Manager) Platform() platform.Platform {
	return m.platform
}
