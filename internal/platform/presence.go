package platform

import (
	"context"
	"github.com/cenkalti/backoff/v4"
	"github.com/kataras/go-events"
	"log/slog"
	"sync"
	"time"
)

// A PresenceMonitor watches a presence (proximity) sensor while it is active and reports changes to its listeners.
type PresenceMonitor interface {
	Activate(ctx context.Context) error
	Deactivate()
	Active() bool
	OnChange(func(present bool))
}

var _ PresenceMonitor = &InertPresenceMonitor{}

// InertPresenceMonitor tracks whether it has been activated, but never signals a presence change.
type InertPresenceMonitor struct {
	active bool
	lock   sync.Mutex
}

func (m *InertPresenceMonitor) Activate(_ context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.active = true
	return nil
}

func (m *InertPresenceMonitor) Deactivate() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.active = false
}

func (m *InertPresenceMonitor) Active() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.active
}

func (m *InertPresenceMonitor) OnChange(func(bool)) {}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

const presenceChanged events.EventName = "presence-changed"

var _ PresenceMonitor = &PollingPresenceMonitor{}

// PollingPresenceMonitor periodically calls Probe while active and signals each change in presence.
// Failed probes are retried with exponential backoff, up to the poll interval.
//
// Listeners run on their own goroutine, in the order of the changes, so a listener may deactivate the monitor.
type PollingPresenceMonitor struct {
	Probe    func(ctx context.Context) (bool, error)
	Interval time.Duration
	logger   *slog.Logger
	emitter  events.EventEmmiter
	cancel   context.CancelFunc
	done     chan struct{}
	present  *bool
	lock     sync.Mutex
}

func NewPollingPresenceMonitor(probe func(context.Context) (bool, error), interval time.Duration, logger *slog.Logger) *PollingPresenceMonitor {
	return &PollingPresenceMonitor{
		Probe:    probe,
		Interval: interval,
		logger:   logger,
		emitter:  events.New(),
	}
}

func (m *PollingPresenceMonitor) OnChange(f func(present bool)) {
	m.emitter.On(presenceChanged, func(args ...any) {
		if len(args) == 1 {
			if present, ok := args[0].(bool); ok {
				f(present)
			}
		}
	})
}

// Activate starts polling. Activating an active monitor does nothing.
func (m *PollingPresenceMonitor) Activate(ctx context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.cancel != nil {
		return nil
	}
	ctx, m.cancel = context.WithCancel(context.WithoutCancel(ctx))
	m.done = make(chan struct{})
	m.present = nil
	go m.run(ctx, m.done)
	m.logger.Debug("presence monitor activated", "interval", m.Interval)
	return nil
}

// Deactivate stops polling and waits for the poller to exit.
func (m *PollingPresenceMonitor) Deactivate() {
	m.lock.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.lock.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Debug("presence monitor deactivated")
}

func (m *PollingPresenceMonitor) Active() bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.cancel != nil
}

func (m *PollingPresenceMonitor) run(ctx context.Context, done chan struct{}) {
	changes := make(chan bool)
	go m.emit(changes)
	defer close(done)
	defer close(changes)

	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		m.poll(ctx, changes)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *PollingPresenceMonitor) poll(ctx context.Context, changes chan<- bool) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.Interval / 10
	b.MaxElapsedTime = m.Interval

	present, err := backoff.RetryWithData(func() (bool, error) {
		return m.Probe(ctx)
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("presence probe failed", "err", err)
		}
		return
	}

	m.lock.Lock()
	changed := m.present == nil || *m.present != present
	m.present = &present
	m.lock.Unlock()

	if changed {
		m.logger.Debug("presence changed", "present", present)
		select {
		case changes <- present:
		case <-ctx.Done():
		}
	}
}

// emit calls the listeners for each change, until the poller closes changes.
func (m *PollingPresenceMonitor) emit(changes <-chan bool) {
	for present := range changes {
		m.emitter.Emit(presenceChanged, present)
	}
}
