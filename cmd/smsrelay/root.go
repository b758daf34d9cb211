package main

import (
	"fmt"

	"github.com/spf13/cobra"

	configpkg "github.com/drblury/smsrelay/internal/runtime/config"
	loggingpkg "github.com/drblury/smsrelay/internal/runtime/logging"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "smsrelay",
		Short:        "Forward inbound SMS events to an HTTP endpoint",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(
		newServeCommand(opts),
		newSendCommand(opts),
		newSettingsCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

// load reads the config and builds a logger writing to the command's
// stderr.
func (o *rootOptions) load(cmd *cobra.Command) (*configpkg.Config, loggingpkg.ServiceLogger, error) {
	conf, err := configpkg.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		conf.LogLevel = o.logLevel
	}
	return conf, loggingpkg.NewLogger(conf.LogLevel, conf.LogFormat, cmd.ErrOrStderr()), nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
