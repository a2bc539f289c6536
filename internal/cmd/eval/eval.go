package eval

import (
	"context"
	"fmt"
	"github.com/clambin/go-common/charmer"
	"github.com/clambin/profilematic/internal/manager"
	"github.com/clambin/profilematic/internal/notifier"
	"github.com/clambin/profilematic/internal/platform"
	"github.com/clambin/profilematic/internal/rules"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"io"
	"log/slog"
	"time"
)

var (
	Cmd = cobra.Command{
		Use:   "eval [rules file]",
		Short: "evaluate a rules file over a day",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return evalRules(cmd.OutOrStdout(), viper.GetViper())(cmd, args)
		},
	}

	args = charmer.Arguments{
		"action-only": {Default: false, Help: "only print changes that result in an action"},
		"date":        {Default: "", Help: "day to evaluate (YYYY-MM-DD). Defaults to today"},
		"step":        {Default: 15 * time.Minute, Help: "time between evaluations"},
	}
)

func init() {
	_ = charmer.SetPersistentFlags(&Cmd, viper.GetViper(), args)
}

func evalRules(w io.Writer, v *viper.Viper) func(*cobra.Command, []string) error {
	return func(_ *cobra.Command, args []string) error {
		filename := v.GetString("rules")
		if len(args) > 0 {
			filename = args[0]
		}
		f, err := rules.LoadFile(filename)
		if err != nil {
			return err
		}
		set, err := f.Build()
		if err != nil {
			return err
		}
		start, err := startOfDay(v.GetString("date"), set.Location)
		if err != nil {
			return err
		}
		step := v.GetDuration("step")
		if step <= 0 {
			return fmt.Errorf("invalid step: %s", step)
		}

		r, err := evaluate(set, start, step, v.GetBool("action-only"))
		if err != nil {
			return err
		}
		r.writeTo(w)
		return nil
	}
}

func startOfDay(date string, location *time.Location) (time.Time, error) {
	if date == "" {
		now := time.Now().In(location)
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, location), nil
	}
	day, err := time.ParseInLocation(time.DateOnly, date, location)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date: %w", err)
	}
	return day, nil
}

// recorder collects the events of a single tick.
type recorder struct {
	events map[string]notifier.Event
}

func (r *recorder) Notify(event notifier.Event) {
	if event.Kind != notifier.Failed {
		r.events[event.Condition] = event
	}
}

// evaluate runs the rules over the day starting at start. Actions are applied to a stub platform.
func evaluate(set *rules.Set, start time.Time, step time.Duration, actionOnly bool) (results, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := recorder{events: make(map[string]notifier.Event)}
	m := manager.New(platform.NewStub(logger), &rec, step, logger)
	for _, registration := range set.Registrations {
		if err := m.Register(registration); err != nil {
			return nil, err
		}
	}

	ctx := context.Background()
	end := start.AddDate(0, 0, 1)
	var r results
	for now := start; now.Before(end); now = now.Add(step) {
		clear(rec.events)
		if err := m.Tick(ctx, now); err != nil {
			return nil, err
		}
		for _, c := range m.Report().Conditions {
			event, changed := rec.events[c.Name]
			if actionOnly && !changed {
				continue
			}
			res := result{time: now, condition: c.Name, active: c.Active, matched: c.Matched}
			if changed {
				res.change = event.Kind.String()
				res.actions = event.Actions
			}
			r = append(r, res)
		}
	}
	return r, nil
}

const formatString = "%-6s %-20s %-8v %-12s %s\n"

type results []result

func (r results) writeTo(w io.Writer) {
	if len(r) > 0 {
		_, _ = fmt.Fprintf(w, formatString, "TIME", "CONDITION", "ACTIVE", "CHANGE", "ACTIONS")
		for _, res := range r {
			res.writeTo(w)
		}
	}
}

type result struct {
	time      time.Time
	condition string
	active    bool
	matched   string
	change    string
	actions   string
}

func (r result) writeTo(w io.Writer) {
	condition := r.condition
	if r.matched != "" {
		condition += "(" + r.matched + ")"
	}
	_, _ = fmt.Fprintf(w, formatString, r.time.Format("15:04"), condition, r.active, r.change, r.actions)
}

