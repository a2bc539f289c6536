package bot

import (
	"context"
	"errors"
	"fmt"
	"github.com/clambin/go-common/slackbot"
	"github.com/clambin/profilematic/internal/manager"
	"github.com/clambin/profilematic/internal/platform"
	"github.com/slack-go/slack"
	"log/slog"
	"strings"
	"sync"
)

type Bot struct {
	platform platform.Platform
	manager  Manager
	logger   *slog.Logger
	lock      sync.RWMutex
	report    manager.Report
	updated   bool
}

type SlackBot interface {
	Add(slackbot.Commands)
}

// Manager publishes the reports of the conditions and applies the changes requested through the bot.
type Manager interface {
	Subscribe() chan manager.Report
	Unsubscribe(chan manager.Report)
	Refresh()
	Apply(context.Context, manager.ActionSet) error
}

func New(p platform.Platform, slackBot SlackBot, m Manager, logger *slog.Logger) *Bot {
	b := Bot{
		platform: p,
		manager:  m,
		logger:   logger,
	}
	slackBot.Add(slackbot.Commands{
		"conditions": slackbot.HandlerFunc(b.ReportConditions),
		"platform":   slackbot.HandlerFunc(b.ReportPlatform),
		"set":        slackbot.HandlerFunc(b.SetMode),
		"refresh":    slackbot.HandlerFunc(b.DoRefresh),
	})
	return &b
}

func (b *Bot) Run(ctx context.Context) error {
	b.logger.Debug("started")
	defer b.logger.Debug("stopped")

	ch := b.manager.Subscribe()
	defer b.manager.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case report := <-ch:
			b.lock.Lock()
			b.report = report
			b.updated = true
			b.lock.Unlock()
		}
	}
}

func (b *Bot) ReportConditions(_ context.Context, _ ...string) []slack.Attachment {
	b.lock.RLock()
	defer b.lock.RUnlock()

	if !b.updated {
		return []slack.Attachment{{
			Color: "bad",
			Text:  "no update yet. please check back later",
		}}
	}
	if len(b.report.Conditions) == 0 {
		return []slack.Attachment{{
			Color: "good",
			Text:  "no conditions registered",
		}}
	}

	text := make([]string, 0, len(b.report.Conditions))
	for _, c := range b.report.Conditions {
		line := c.Name + ": "
		if c.Active {
			line += "active"
		} else {
			line += "inactive"
		}
		if c.Matched != "" {
			line += " (" + c.Matched + ")"
		}
		if c.LastFailure != "" {
			line += ". last failure: " + c.LastFailure
		}
		text = append(text, line)
	}
	return []slack.Attachment{{
		Color: "good",
		Title: "conditions:",
		Text:  strings.Join(text, "\n"),
	}}
}

func (b *Bot) ReportPlatform(ctx context.Context, _ ...string) []slack.Attachment {
	text := []string{
		"flight mode: " + b.platform.FlightMode(ctx).String(),
		"power saving: " + b.platform.PowerSavingMode(ctx).String(),
	}
	b.lock.RLock()
	if b.updated {
		presence := "inactive"
		if b.report.PresenceActive {
			presence = "active"
		}
		text = append(text, "presence monitor: "+presence)
	}
	b.lock.RUnlock()

	return []slack.Attachment{{
		Color: "good",
		Title: "platform:",
		Text:  strings.Join(text, "\n"),
	}}
}

var errUsage = errors.New("usage: set <flightmode|powersaving> <on|off>")

// SetMode changes a platform setting outside the rules. The setting is applied by the manager, between ticks.
// The next activation or deactivation of a condition may change it again.
func (b *Bot) SetMode(ctx context.Context, args ...string) []slack.Attachment {
	setting, target, err := parseSetCommand(args...)
	if err == nil {
		var actions manager.ActionSet
		if setting == "flightmode" {
			actions.FlightMode = target
		} else {
			actions.PowerSaving = target
		}
		err = b.manager.Apply(ctx, actions)
	}
	if err != nil {
		return []slack.Attachment{{
			Color: "bad",
			Text:  err.Error(),
		}}
	}
	b.logger.Info("mode set manually", "setting", setting, "target", target)
	return []slack.Attachment{{
		Color: "good",
		Text:  fmt.Sprintf("%s set to %s", setting, target),
	}}
}

func parseSetCommand(args ...string) (string, manager.Target, error) {
	if len(args) != 2 {
		return "", manager.Unchanged, errUsage
	}
	setting := strings.ToLower(args[0])
	if setting != "flightmode" && setting != "powersaving" {
		return "", manager.Unchanged, errUsage
	}
	target, err := manager.ParseTarget(args[1])
	if err != nil || target == manager.Unchanged {
		return "", manager.Unchanged, errUsage
	}
	return setting, target, nil
}

func (b *Bot) DoRefresh(_ context.Context, _ ...string) []slack.Attachment {
	b.manager.Refresh()
	return []slack.Attachment{{
		Text: "refreshing conditions",
	}}
}
