package notifier

import (
	"log/slog"
)

type SLogNotifier struct {
	Logger *slog.Logger
}

var _ Notifier = &SLogNotifier{}

func (s SLogNotifier) Notify(event Event) {
	if event.Kind == Failed {
		s.Logger.Warn(event.Title(), "event", event)
		return
	}
	s.Logger.Info(event.Title(), "event", event)
}
