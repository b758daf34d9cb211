package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/drblury/smsrelay/internal/runtime"
	"github.com/drblury/smsrelay/internal/runtime/codec"
	"github.com/drblury/smsrelay/internal/runtime/envelope"
)

func newSendCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send [file]",
		Short: "Forward the SMS events in file (or stdin) once and print the counters",
		Long: `Reads one JSON event or an array of events, forwards each to the
configured base URL and waits for every delivery before printing the
received, forwarded and failed counters.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readInput(cmd, args)
			if err != nil {
				return err
			}
			envs, err := envelope.Decode(payload)
			if err != nil {
				return err
			}

			conf, log, err := opts.load(cmd)
			if err != nil {
				return err
			}
			conf.StatusEnabled = false

			svc, err := runtime.NewService(cmd.Context(), conf, log, runtime.ServiceDependencies{})
			if err != nil {
				return err
			}
			for _, env := range envs {
				svc.Process(cmd.Context(), env)
			}
			err = errors.Join(svc.Drain(cmd.Context()), svc.Close())

			out, encErr := codec.MarshalIndent(svc.Counters.Snapshot(), "", "  ")
			if encErr != nil {
				return errors.Join(err, encErr)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if err != nil {
				return err
			}
			if failed := svc.Counters.Snapshot().Failed; failed > 0 {
				return fmt.Errorf("%d of %d envelopes failed", failed, len(envs))
			}
			return nil
		},
	}
}

func readInput(cmd *cobra.Command, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return data, nil
}
