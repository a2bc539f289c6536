package notifier

import (
	"context"
	"github.com/cenkalti/backoff/v4"
	"github.com/slack-go/slack"
	"log/slog"
	"time"
)

type SlackSender interface {
	Send(channel string, attachments []slack.Attachment) error
}

var _ Notifier = &SlackNotifier{}

// SlackNotifier posts events to a Slack channel. Notify queues the event, so a slow or unreachable Slack doesn't
// hold up the caller. Run posts queued events, retrying failed posts with exponential backoff.
type SlackNotifier struct {
	Sender  SlackSender
	Channel string
	// MaxElapsedTime bounds how long a post is retried. Zero uses the default of 30s.
	MaxElapsedTime time.Duration
	logger         *slog.Logger
	queue          chan Event
}

const slackQueueSize = 32

func NewSlackNotifier(sender SlackSender, channel string, logger *slog.Logger) *SlackNotifier {
	return &SlackNotifier{
		Sender:  sender,
		Channel: channel,
		logger:  logger,
		queue:   make(chan Event, slackQueueSize),
	}
}

func (s *SlackNotifier) Notify(event Event) {
	select {
	case s.queue <- event:
	default:
		s.logger.Warn("slack queue full. dropping event", "event", event)
	}
}

func (s *SlackNotifier) Run(ctx context.Context) error {
	s.logger.Debug("started")
	defer s.logger.Debug("stopped")
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-s.queue:
			if err := s.post(ctx, event); err != nil && ctx.Err() == nil {
				s.logger.Error("failed to post event to slack", "err", err, "event", event)
			}
		}
	}
}

func (s *SlackNotifier) post(ctx context.Context, event Event) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 30 * time.Second
	if s.MaxElapsedTime > 0 {
		b.MaxElapsedTime = s.MaxElapsedTime
		b.InitialInterval = min(b.InitialInterval, s.MaxElapsedTime/10)
	}
	attachments := []slack.Attachment{{
		Color: color(event.Kind),
		Title: event.Title(),
		Text:  event.Text(),
	}}
	return backoff.Retry(func() error {
		return s.Sender.Send(s.Channel, attachments)
	}, backoff.WithContext(b, ctx))
}

func color(kind Kind) string {
	switch kind {
	case Failed:
		return "danger"
	case Deactivated:
		return "warning"
	default:
		return "good"
	}
}
