package cmd

import (
	"errors"
	"github.com/clambin/go-common/charmer"
	"github.com/clambin/profilematic/internal/cmd/eval"
	"github.com/clambin/profilematic/internal/cmd/monitor"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log/slog"
	"os"
	"time"
)

var (
	configFilename string
	RootCmd        = cobra.Command{
		Use:   "profilematic",
		Short: "Switches device profiles based on time-based conditions",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			charmer.SetJSONLogger(cmd, viper.GetBool("debug"))
		},
	}
)

var args = charmer.Arguments{
	"debug":                           {Default: false, Help: "Log debug messages"},
	"rules":                           {Default: "rules.yaml", Help: "Rules file"},
	"tick.interval":                   {Default: 30 * time.Second, Help: "Interval between condition evaluations"},
	"platform.kind":                   {Default: "stub", Help: "Platform (stub, sysfs, agent)"},
	"platform.sysfs.rfkill":           {Default: "", Help: "rfkill sysfs directory"},
	"platform.sysfs.profile":          {Default: "", Help: "ACPI platform profile file"},
	"platform.agent.url":              {Default: "", Help: "URL of the device agent"},
	"platform.agent.timeout":          {Default: 2 * time.Second, Help: "Timeout for device agent calls"},
	"platform.agent.presenceInterval": {Default: 30 * time.Second, Help: "Presence polling interval"},
	"exporter.addr":                   {Default: ":9090", Help: "Address of Prometheus exporter"},
	"health.addr":                     {Default: ":8080", Help: "Address of /health and /status endpoints"},
	"slack.token":                     {Default: "", Help: "Slack token"},
	"slack.channel":                   {Default: "", Help: "Slack channel for notifications"},
}

func init() {
	cobra.OnInitialize(initConfig)
	RootCmd.PersistentFlags().StringVar(&configFilename, "config", "", "Configuration file")
	if err := charmer.SetPersistentFlags(&RootCmd, viper.GetViper(), args); err != nil {
		panic("failed to set flags: " + err.Error())
	}
	RootCmd.AddCommand(&monitor.Cmd, &eval.Cmd)
}

func initConfig() {
	if configFilename != "" {
		viper.SetConfigFile(configFilename)
	} else {
		viper.AddConfigPath("/etc/profilematic/")
		viper.AddConfigPath("$HOME/.profilematic")
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("PROFILEMATIC")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFilename != "" || !errors.As(err, &notFound) {
			slog.Error("failed to read config file", "err", err)
			os.Exit(1)
		}
		slog.Warn("no config file found. using defaults")
	}
}
