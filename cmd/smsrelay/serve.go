package main

import (
	"github.com/spf13/cobra"

	"github.com/drblury/smsrelay/internal/runtime"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume inbound SMS events and forward them until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, log, err := opts.load(cmd)
			if err != nil {
				return err
			}
			svc, err := runtime.NewService(cmd.Context(), conf, log, runtime.ServiceDependencies{})
			if err != nil {
				return err
			}
			return svc.Start(cmd.Context())
		},
	}
}
