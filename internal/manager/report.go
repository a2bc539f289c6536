package manager

import (
	"log/slog"
	"time"
)

// A Report is a snapshot of the manager's state.
type Report struct {
	Ticks          int
	LastTick       time.Time
	PresenceActive bool
	Conditions     []ConditionReport
}

// ConditionReport is the state of one registered condition.
type ConditionReport struct {
	ID            string
	Name          string
	Active        bool
	Matched       string
	Activations   int
	Deactivations int
	LastChange    time.Time
	LastFailure   string
}

func (r Report) LogValue() slog.Value {
	var active int
	for _, c := range r.Conditions {
		if c.Active {
			active++
		}
	}
	return slog.GroupValue(
		slog.Int("ticks", r.Ticks),
		slog.Int("conditions", len(r.Conditions)),
		slog.Int("active", active),
	)
}

// Report returns the current state of all registered conditions, in registration order.
func (m *Manager) Report() Report {
	m.lock.Lock()
	defer m.lock.Unlock()

	report := Report{
		Ticks:          m.ticks,
		LastTick:       m.lastTick,
		PresenceActive: m.presence.Active(),
		Conditions:     make([]ConditionReport, 0, m.registrations.Size()),
	}
	it := m.registrations.Iterator()
	for it.Next() {
		r := it.Value().(*registration)
		entry := ConditionReport{
			ID:            r.Condition.ID(),
			Name:          r.Condition.Name(),
			Active:        r.active,
			Matched:       r.matched,
			Activations:   r.activations,
			Deactivations: r.deactivations,
			LastChange:    r.lastChange,
		}
		if r.lastFailure != nil {
			entry.LastFailure = r.lastFailure.Error()
		}
		report.Conditions = append(report.Conditions, entry)
	}
	return report
}
