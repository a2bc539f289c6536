package manager_test

import (
	"context"
	"errors"
	"github.com/clambin/profilematic/internal/condition"
	"github.com/clambin/profilematic/internal/manager"
	"github.com/clambin/profilematic/internal/notifier"
	"github.com/clambin/profilematic/internal/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestManager_Tick(t *testing.T) {
	p := newFakePlatform()
	var n fakeNotifier
	m := manager.New(p, &n, time.Minute, discardLogger)

	c := &fakeCondition{name: "night"}
	require.NoError(t, m.Register(manager.Registration{
		Condition:  c,
		Activate:   manager.ActionSet{Profile: "silent", FlightMode: manager.On},
		Deactivate: &manager.ActionSet{Profile: "general", FlightMode: manager.Off},
	}))

	ctx := context.Background()
	now := time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)

	// false, true, true: exactly one activation
	for _, value := range []bool{false, true, true} {
		c.set(value)
		require.NoError(t, m.Tick(ctx, now))
	}
	assert.Equal(t, []string{"flightMode=on", "profile=silent"}, p.calls())
	assert.Equal(t, []notifier.Kind{notifier.Activated}, n.kinds())

	// true -> false: one deactivation
	c.set(false)
	require.NoError(t, m.Tick(ctx, now))
	require.NoError(t, m.Tick(ctx, now))
	assert.Equal(t, []string{"flightMode=on", "profile=silent", "flightMode=off", "profile=general"}, p.calls())
	assert.Equal(t, []notifier.Kind{notifier.Activated, notifier.Deactivated}, n.kinds())

	report := m.Report()
	assert.Equal(t, 5, report.Ticks)
	assert.Equal(t, now, report.LastTick)
	require.Len(t, report.Conditions, 1)
	assert.Equal(t, "night", report.Conditions[0].Name)
	assert.False(t, report.Conditions[0].Active)
	assert.Equal(t, 1, report.Conditions[0].Activations)
	assert.Equal(t, 1, report.Conditions[0].Deactivations)
	assert.Empty(t, report.Conditions[0].LastFailure)
}

func TestManager_TimeWindow(t *testing.T) {
	p := newFakePlatform()
	m := manager.New(p, nil, time.Minute, discardLogger)

	w, err := condition.NewTimeWindow("night", condition.Timestamp{Hour: 22}, condition.Timestamp{Hour: 6}, nil, time.UTC)
	require.NoError(t, err)
	require.NoError(t, m.Register(manager.Registration{
		Condition:  w,
		Activate:   manager.ActionSet{PowerSaving: manager.On},
		Deactivate: &manager.ActionSet{PowerSaving: manager.Off},
	}))

	ctx := context.Background()
	start := time.Date(2024, time.January, 1, 20, 0, 0, 0, time.UTC)
	for minutes := 0; minutes < 24*60; minutes += 15 {
		require.NoError(t, m.Tick(ctx, start.Add(time.Duration(minutes)*time.Minute)))
	}
	assert.Equal(t, []string{"powerSaving=on", "powerSaving=off"}, p.calls())
}

func TestManager_Register(t *testing.T) {
	m := manager.New(newFakePlatform(), nil, time.Minute, discardLogger)

	c := &fakeCondition{name: "night"}
	require.NoError(t, m.Register(manager.Registration{Condition: c}))
	assert.ErrorIs(t, m.Register(manager.Registration{Condition: c}), manager.ErrDuplicateRegistration)

	err := m.Register(manager.Registration{Condition: &fakeCondition{name: "bad", err: errors.New("invalid")}})
	assert.ErrorIs(t, err, &condition.ConfigurationError{})

	assert.ErrorIs(t, m.Register(manager.Registration{}), &condition.ConfigurationError{})
	assert.ErrorIs(t, m.Unregister(context.Background(), "unknown"), manager.ErrNotRegistered)

	// the manager keeps working
	c.set(true)
	assert.NoError(t, m.Tick(context.Background(), time.Now()))
	assert.True(t, m.Report().Conditions[0].Active)
}

func TestManager_Unregister(t *testing.T) {
	p := newFakePlatform()
	var n fakeNotifier
	m := manager.New(p, &n, time.Minute, discardLogger)

	active := &fakeCondition{name: "active", value: true}
	inactive := &fakeCondition{name: "inactive"}
	for _, c := range []*fakeCondition{active, inactive} {
		require.NoError(t, m.Register(manager.Registration{
			Condition:  c,
			Activate:   manager.ActionSet{Profile: "silent"},
			Deactivate: &manager.ActionSet{Profile: "general"},
		}))
	}
	ctx := context.Background()
	require.NoError(t, m.Tick(ctx, time.Now()))
	assert.Equal(t, []string{"profile=silent"}, p.calls())

	require.NoError(t, m.Unregister(ctx, active.ID()))
	require.NoError(t, m.Unregister(ctx, inactive.ID()))
	assert.Equal(t, []string{"profile=silent", "profile=general"}, p.calls())
	assert.ErrorIs(t, m.Unregister(ctx, active.ID()), manager.ErrNotRegistered)

	// unregistered conditions are no longer evaluated
	require.NoError(t, m.Tick(ctx, time.Now()))
	assert.Equal(t, 1, active.calls())
	assert.Empty(t, m.Report().Conditions)
	assert.Equal(t, []notifier.Kind{notifier.Activated, notifier.Deactivated}, n.kinds())
}

func TestManager_UnregisterDuringTick(t *testing.T) {
	p := newFakePlatform()
	var n fakeNotifier
	m := manager.New(p, &n, time.Minute, discardLogger)

	c := &fakeCondition{name: "night", value: true}
	require.NoError(t, m.Register(manager.Registration{
		Condition:  c,
		Activate:   manager.ActionSet{Profile: "silent"},
		Deactivate: &manager.ActionSet{Profile: "general"},
	}))
	other := &fakeCondition{name: "other", value: true}

	ctx := context.Background()
	n.onNotify = func(event notifier.Event) {
		if event.Kind != notifier.Activated || event.Condition != "night" {
			return
		}
		// called from within the tick: both take effect at the end of the tick
		assert.NoError(t, m.Unregister(ctx, c.ID()))
		assert.NoError(t, m.Register(manager.Registration{Condition: other}))
		assert.Len(t, m.Report().Conditions, 1)
	}

	require.NoError(t, m.Tick(ctx, time.Now()))
	assert.Equal(t, []string{"profile=silent", "profile=general"}, p.calls())

	report := m.Report()
	require.Len(t, report.Conditions, 1)
	assert.Equal(t, "other", report.Conditions[0].Name)
	assert.Zero(t, other.calls())
}

func TestManager_TickInProgress(t *testing.T) {
	p := newFakePlatform()
	m := manager.New(p, nil, time.Minute, discardLogger)

	c := &fakeCondition{name: "night", value: true}
	require.NoError(t, m.Register(manager.Registration{Condition: c, Activate: manager.ActionSet{Profile: "silent"}}))

	ctx := context.Background()
	p.onCall = func() {
		assert.ErrorIs(t, m.Tick(ctx, time.Now()), manager.ErrTickInProgress)
	}
	assert.NoError(t, m.Tick(ctx, time.Now()))
	assert.Equal(t, 1, c.calls())
	assert.Equal(t, 1, m.Report().Ticks)
}

func TestManager_Apply(t *testing.T) {
	p := newFakePlatform()
	m := manager.New(p, nil, time.Minute, discardLogger)

	c := &fakeCondition{name: "night", value: true}
	require.NoError(t, m.Register(manager.Registration{Condition: c, Activate: manager.ActionSet{FlightMode: manager.On}}))

	ctx := context.Background()
	var calledDuringTick bool
	p.onCall = func() {
		if calledDuringTick {
			return
		}
		calledDuringTick = true
		// the tick is still applying its actions: Apply, from any goroutine, doesn't reach the platform
		errCh := make(chan error)
		go func() { errCh <- m.Apply(ctx, manager.ActionSet{PowerSaving: manager.On}) }()
		assert.ErrorIs(t, <-errCh, manager.ErrTickInProgress)
		assert.ErrorIs(t, m.Apply(ctx, manager.ActionSet{PowerSaving: manager.On}), manager.ErrTickInProgress)
	}
	require.NoError(t, m.Tick(ctx, time.Now()))
	assert.Equal(t, []string{"flightMode=on"}, p.calls())

	require.NoError(t, m.Apply(ctx, manager.ActionSet{PowerSaving: manager.On}))
	assert.Equal(t, []string{"flightMode=on", "powerSaving=on"}, p.calls())

	p.reject["powerSaving"] = true
	assert.ErrorIs(t, m.Apply(ctx, manager.ActionSet{PowerSaving: manager.Off}), platform.ErrSetRejected)
}

func TestManager_Apply_Concurrent(t *testing.T) {
	p := newFakePlatform()
	p.onCall = func() { time.Sleep(time.Millisecond) }
	m := manager.New(p, nil, time.Minute, discardLogger)

	c := &fakeCondition{name: "night"}
	require.NoError(t, m.Register(manager.Registration{
		Condition:  c,
		Activate:   manager.ActionSet{FlightMode: manager.On},
		Deactivate: &manager.ActionSet{FlightMode: manager.Off},
	}))

	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range 50 {
			c.set(i%2 == 0)
			_ = m.Tick(ctx, time.Now())
		}
	}()
	go func() {
		defer wg.Done()
		for range 50 {
			_ = m.Apply(ctx, manager.ActionSet{PowerSaving: manager.On})
		}
	}()
	wg.Wait()

	assert.Zero(t, p.overlaps.Load())
	assert.NotEmpty(t, p.calls())
}

func TestManager_Interval(t *testing.T) {
	assert.Equal(t, time.Minute, manager.New(newFakePlatform(), nil, time.Minute, discardLogger).Interval())
	assert.Equal(t, 30*time.Second, manager.New(newFakePlatform(), nil, 0, discardLogger).Interval())
}

func TestManager_PartialFailure(t *testing.T) {
	p := newFakePlatform()
	p.reject["powerSaving"] = true
	var n fakeNotifier
	m := manager.New(p, &n, time.Minute, discardLogger)

	c := &fakeCondition{name: "night", value: true}
	require.NoError(t, m.Register(manager.Registration{
		Condition: c,
		Activate:  manager.ActionSet{Profile: "silent", FlightMode: manager.On, PowerSaving: manager.On},
	}))

	err := m.Tick(context.Background(), time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, &manager.PartialActionSetFailure{})
	assert.ErrorIs(t, err, platform.ErrSetRejected)

	var failure *manager.PartialActionSetFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, []string{"flightMode", "profile"}, failure.Applied)
	assert.Contains(t, failure.Failed, "powerSaving")

	// no rollback
	assert.Equal(t, []string{"flightMode=on", "profile=silent"}, p.calls())
	assert.Equal(t, []notifier.Kind{notifier.Activated, notifier.Failed}, n.kinds())

	report := m.Report()
	assert.True(t, report.Conditions[0].Active)
	assert.Contains(t, report.Conditions[0].LastFailure, "powerSaving")

	// a failed action is not retried on the next tick
	assert.NoError(t, m.Tick(context.Background(), time.Now()))
	assert.Len(t, p.calls(), 2)
}

func TestManager_CompleteFailure(t *testing.T) {
	p := newFakePlatform()
	p.reject["flightMode"] = true
	m := manager.New(p, nil, time.Minute, discardLogger)

	require.NoError(t, m.Register(manager.Registration{
		Condition: &fakeCondition{name: "night", value: true},
		Activate:  manager.ActionSet{FlightMode: manager.On},
	}))

	err := m.Tick(context.Background(), time.Now())
	assert.ErrorIs(t, err, platform.ErrSetRejected)
	assert.NotErrorIs(t, err, &manager.PartialActionSetFailure{})
}

func TestManager_ProfileUnsupported(t *testing.T) {
	m := manager.New(platformWithoutProfiles{Platform: platform.NewStub(discardLogger)}, nil, time.Minute, discardLogger)

	require.NoError(t, m.Register(manager.Registration{
		Condition: &fakeCondition{name: "night", value: true},
		Activate:  manager.ActionSet{Profile: "silent"},
	}))
	assert.ErrorIs(t, m.Tick(context.Background(), time.Now()), manager.ErrProfileUnsupported)
}

func TestManager_Presence(t *testing.T) {
	p := newFakePlatform()
	m := manager.New(p, nil, time.Minute, discardLogger)

	c := &fakeCondition{name: "meeting", value: true}
	require.NoError(t, m.Register(manager.Registration{
		Condition:  c,
		Activate:   manager.ActionSet{Presence: manager.On},
		Deactivate: &manager.ActionSet{Presence: manager.Off},
	}))

	ctx := context.Background()
	require.NoError(t, m.Tick(ctx, time.Now()))
	assert.True(t, p.presence.Active())
	assert.True(t, m.Report().PresenceActive)

	c.set(false)
	require.NoError(t, m.Tick(ctx, time.Now()))
	assert.False(t, p.presence.Active())
}

func TestManager_FirstChain(t *testing.T) {
	p := newFakePlatform()
	var n fakeNotifier
	m := manager.New(p, &n, time.Minute, discardLogger)

	a := &fakeCondition{name: "a", value: true}
	b := &fakeCondition{name: "b", value: true}
	chain, err := condition.NewChain("quiet", condition.First, condition.Link{Condition: a}, condition.Link{Condition: b})
	require.NoError(t, err)

	require.NoError(t, m.Register(manager.Registration{
		Condition:  chain,
		Activate:   manager.ActionSet{FlightMode: manager.On},
		Deactivate: &manager.ActionSet{FlightMode: manager.Off, Profile: "general"},
		Matches: map[string]manager.ActionSet{
			"a": {Profile: "silent"},
			"b": {Profile: "meeting"},
		},
	}))

	ctx := context.Background()
	require.NoError(t, m.Tick(ctx, time.Now()))
	assert.Equal(t, []string{"flightMode=on", "profile=silent"}, p.calls())
	assert.Equal(t, "a", m.Report().Conditions[0].Matched)

	// steady state
	require.NoError(t, m.Tick(ctx, time.Now()))
	assert.Len(t, p.calls(), 2)

	// b now decides: re-activation with b's actions
	a.set(false)
	require.NoError(t, m.Tick(ctx, time.Now()))
	assert.Equal(t, []string{"flightMode=on", "profile=silent", "flightMode=on", "profile=meeting"}, p.calls())
	assert.Equal(t, "b", m.Report().Conditions[0].Matched)
	assert.Equal(t, 1, m.Report().Conditions[0].Activations)

	b.set(false)
	require.NoError(t, m.Tick(ctx, time.Now()))
	assert.Equal(t, []string{"flightMode=off", "profile=general"}, p.calls()[4:])
	assert.Equal(t, []notifier.Kind{notifier.Activated, notifier.Activated, notifier.Deactivated}, n.kinds())
}

func TestManager_RegistrationOrder(t *testing.T) {
	p := newFakePlatform()
	m := manager.New(p, nil, time.Minute, discardLogger)

	for _, profile := range []string{"first", "second", "third"} {
		require.NoError(t, m.Register(manager.Registration{
			Condition: &fakeCondition{name: profile, value: true},
			Activate:  manager.ActionSet{Profile: profile},
		}))
	}
	require.NoError(t, m.Tick(context.Background(), time.Now()))
	// last registered wins
	assert.Equal(t, []string{"profile=first", "profile=second", "profile=third"}, p.calls())
	assert.Equal(t, "third", p.profile())

	report := m.Report()
	require.Len(t, report.Conditions, 3)
	for i, name := range []string{"first", "second", "third"} {
		assert.Equal(t, name, report.Conditions[i].Name)
	}
}

func TestManager_Run(t *testing.T) {
	p := newFakePlatform()
	m := manager.New(p, nil, 10*time.Millisecond, discardLogger)
	now := time.Date(2024, time.January, 1, 23, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return now }

	w, err := condition.NewTimeWindow("night", condition.Timestamp{Hour: 22}, condition.Timestamp{Hour: 6}, nil, time.UTC)
	require.NoError(t, err)
	require.NoError(t, m.Register(manager.Registration{Condition: w, Activate: manager.ActionSet{Profile: "silent"}}))

	ch := m.Subscribe()
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error)
	go func() { errCh <- m.Run(ctx) }()

	report := <-ch
	require.Len(t, report.Conditions, 1)
	assert.True(t, report.Conditions[0].Active)
	assert.Equal(t, now, report.LastTick)

	m.Refresh()
	report = <-ch
	assert.Greater(t, report.Ticks, 1)

	cancel()
	assert.NoError(t, <-errCh)
	assert.Equal(t, []string{"profile=silent"}, p.calls())
}

func TestActionSet(t *testing.T) {
	a := manager.ActionSet{Profile: "silent", FlightMode: manager.On}
	assert.Equal(t, "profile=silent,flightMode=on", a.String())
	assert.Equal(t, "none", manager.ActionSet{}.String())
	assert.True(t, manager.ActionSet{}.IsZero())

	merged := a.Merge(manager.ActionSet{Profile: "meeting", PowerSaving: manager.Off})
	assert.Equal(t, manager.ActionSet{Profile: "meeting", FlightMode: manager.On, PowerSaving: manager.Off}, merged)
}

func TestParseTarget(t *testing.T) {
	tests := []struct {
		input   string
		want    manager.Target
		wantErr assert.ErrorAssertionFunc
	}{
		{input: "", want: manager.Unchanged, wantErr: assert.NoError},
		{input: "on", want: manager.On, wantErr: assert.NoError},
		{input: "TRUE", want: manager.On, wantErr: assert.NoError},
		{input: "off", want: manager.Off, wantErr: assert.NoError},
		{input: "maybe", want: manager.Unchanged, wantErr: assert.Error},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := manager.ParseTarget(tt.input)
			tt.wantErr(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got == manager.On, got.Mode() == platform.ModeOn)
		})
	}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var _ condition.Condition = &fakeCondition{}

type fakeCondition struct {
	name   string
	value  bool
	active bool
	count  int
	err    error
	lock   sync.Mutex
}

func (f *fakeCondition) ID() string      { return "id-" + f.name }
func (f *fakeCondition) Name() string    { return f.name }
func (f *fakeCondition) Validate() error { return f.err }

func (f *fakeCondition) Active() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.active
}

func (f *fakeCondition) Evaluate(time.Time) bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.count++
	f.active = f.value
	return f.active
}

func (f *fakeCondition) set(value bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.value = value
}

func (f *fakeCondition) calls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.count
}

var _ platform.Platform = &fakePlatform{}
var _ platform.ProfileSwitcher = &fakePlatform{}

type fakePlatform struct {
	reject      map[string]bool
	onCall      func()
	presence    *platform.InertPresenceMonitor
	log         []string
	lastProfile string
	inFlight    atomic.Int32
	overlaps    atomic.Int32
	lock        sync.Mutex
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		reject:   make(map[string]bool),
		presence: &platform.InertPresenceMonitor{},
	}
}

func (f *fakePlatform) record(action, value string) error {
	if f.inFlight.Add(1) > 1 {
		f.overlaps.Add(1)
	}
	defer f.inFlight.Add(-1)
	if f.onCall != nil {
		f.onCall()
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.reject[action] {
		return platform.ErrSetRejected
	}
	f.log = append(f.log, action+"="+value)
	if action == "profile" {
		f.lastProfile = value
	}
	return nil
}

func (f *fakePlatform) FlightMode(context.Context) platform.Mode { return platform.ModeUnknown }
func (f *fakePlatform) SetFlightMode(_ context.Context, mode platform.Mode) error {
	return f.record("flightMode", mode.String())
}
func (f *fakePlatform) PowerSavingMode(context.Context) platform.Mode { return platform.ModeUnknown }
func (f *fakePlatform) SetPowerSavingMode(_ context.Context, mode platform.Mode) error {
	return f.record("powerSaving", mode.String())
}
func (f *fakePlatform) SetProfile(_ context.Context, name string) error {
	return f.record("profile", name)
}
func (f *fakePlatform) NewPresenceMonitor() platform.PresenceMonitor { return f.presence }

func (f *fakePlatform) calls() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]string(nil), f.log...)
}

func (f *fakePlatform) profile() string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.lastProfile
}

// platformWithoutProfiles hides the ProfileSwitcher interface of the wrapped Platform.
type platformWithoutProfiles struct {
	platform.Platform
}

type fakeNotifier struct {
	onNotify func(notifier.Event)
	events   []notifier.Event
	lock     sync.Mutex
}

func (f *fakeNotifier) Notify(event notifier.Event) {
	f.lock.Lock()
	f.events = append(f.events, event)
	f.lock.Unlock()
	if f.onNotify != nil {
		f.onNotify(event)
	}
}

func (f *fakeNotifier) kinds() []notifier.Kind {
	f.lock.Lock()
	defer f.lock.Unlock()
	kinds := make([]notifier.Kind, len(f.events))
	for i, event := range f.events {
		kinds[i] = event.Kind
	}
	return kinds
}
