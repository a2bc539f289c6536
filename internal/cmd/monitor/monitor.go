package monitor

import (
	"context"
	"fmt"
	"github.com/clambin/go-common/slackbot"
	"github.com/clambin/go-common/taskmanager"
	"github.com/clambin/go-common/taskmanager/httpserver"
	promserver "github.com/clambin/go-common/taskmanager/prometheus"
	"github.com/clambin/profilematic/internal/bot"
	"github.com/clambin/profilematic/internal/collector"
	"github.com/clambin/profilematic/internal/health"
	"github.com/clambin/profilematic/internal/manager"
	"github.com/clambin/profilematic/internal/notifier"
	"github.com/clambin/profilematic/internal/platform"
	"github.com/clambin/profilematic/internal/rules"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log/slog"
	"os/signal"
	"syscall"
)

var Cmd = cobra.Command{
	Use:   "monitor",
	Short: "Evaluate the rules and apply their actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return run(ctx, viper.GetViper(), cmd.Root().Version, prometheus.DefaultRegisterer, slog.Default())
	},
}

func run(ctx context.Context, cfg *viper.Viper, version string, registry prometheus.Registerer, logger *slog.Logger) error {
	logger.Info("profilematic starting", "version", version)
	defer logger.Info("profilematic stopped")

	f, err := rules.LoadFile(cfg.GetString("rules"))
	if err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	set, err := f.Build()
	if err != nil {
		return fmt.Errorf("rules: %w", err)
	}

	p, err := newPlatform(cfg, registry, logger.With("component", "platform"))
	if err != nil {
		return fmt.Errorf("platform: %w", err)
	}

	tasks, err := makeTasks(cfg, p, set, version, registry, logger)
	if err != nil {
		return err
	}
	return taskmanager.New(tasks...).Run(ctx)
}

func newPlatform(cfg *viper.Viper, registry prometheus.Registerer, logger *slog.Logger) (platform.Platform, error) {
	opts := platform.Options{
		Kind: platform.Kind(cfg.GetString("platform.kind")),
		SysFS: platform.SysFSOptions{
			RFKillPath:          cfg.GetString("platform.sysfs.rfkill"),
			PlatformProfilePath: cfg.GetString("platform.sysfs.profile"),
		},
		Agent: platform.AgentOptions{
			URL:              cfg.GetString("platform.agent.url"),
			Timeout:          cfg.GetDuration("platform.agent.timeout"),
			PresenceInterval: cfg.GetDuration("platform.agent.presenceInterval"),
		},
	}
	if opts.Kind == platform.KindAgent && registry != nil {
		opts.Agent.Metrics = platform.NewAgentCallMetrics("profilematic", "agent", nil)
		registry.MustRegister(opts.Agent.Metrics)
	}
	return platform.New(opts, logger)
}

func makeTasks(cfg *viper.Viper, p platform.Platform, set *rules.Set, version string, registry prometheus.Registerer, l *slog.Logger) ([]taskmanager.Task, error) {
	var tasks []taskmanager.Task

	// Notifiers
	notifiers := notifier.Notifiers{&notifier.SLogNotifier{Logger: l.With("component", "notifier")}}
	var b *slackbot.SlackBot
	if token := cfg.GetString("slack.token"); token != "" {
		b = slackbot.New(
			token,
			slackbot.WithName("profilematic "+version),
			slackbot.WithLogger(l.With(slog.String("component", "slackbot"))),
		)
		tasks = append(tasks, b)
		if channel := cfg.GetString("slack.channel"); channel != "" {
			sn := notifier.NewSlackNotifier(b, channel, l.With("component", "slack-notifier"))
			notifiers = append(notifiers, sn)
			tasks = append(tasks, sn)
		}
	}

	// Manager
	m := manager.New(p, notifiers, cfg.GetDuration("tick.interval"), l.With("component", "manager"))
	for _, registration := range set.Registrations {
		if err := m.Register(registration); err != nil {
			return nil, fmt.Errorf("register: %w", err)
		}
	}
	tasks = append(tasks, m)

	// Collector
	coll := &collector.Collector{Publisher: m, Logger: l.With("component", "collector")}
	if registry != nil {
		registry.MustRegister(coll)
	}
	tasks = append(tasks, coll)

	// Prometheus Server
	tasks = append(tasks, promserver.New(promserver.WithAddr(cfg.GetString("exporter.addr"))))

	// Health Endpoint
	h := health.New(m, m, 3*m.Interval(), l.With("component", "health"))
	tasks = append(tasks, h, httpserver.New(cfg.GetString("health.addr"), h.Router()))

	// Slackbot commands
	if b != nil {
		tasks = append(tasks, bot.New(p, b, m, l.With(slog.String("component", "bot"))))
	}

	return tasks, nil
}
