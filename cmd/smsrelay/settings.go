package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/drblury/smsrelay/internal/runtime"
	"github.com/drblury/smsrelay/internal/runtime/settings"
)

func newSettingsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read or change the runtime settings in the configured store",
	}
	cmd.AddCommand(newSettingsGetCommand(opts), newSettingsSetCommand(opts))
	return cmd
}

func newSettingsGetCommand(opts *rootOptions) *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:       "get [field]",
		Short:     "Print one setting, or all of them",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: fieldKeys(),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettings(cmd, opts, func(s *settings.Settings) error {
				values := s.Snapshot()
				if !reveal {
					values = values.Redacted()
				}
				if len(args) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "base_url=%s\napi_key=%s\nuser_defined_id=%s\n", values.BaseURL, values.APIKey, values.UserDefinedID)
					return nil
				}
				field, err := settings.ParseField(args[0])
				if err != nil {
					return err
				}
				switch field {
				case settings.BaseURL:
					fmt.Fprintln(cmd.OutOrStdout(), values.BaseURL)
				case settings.APIKey:
					fmt.Fprintln(cmd.OutOrStdout(), values.APIKey)
				case settings.UserDefinedID:
					fmt.Fprintln(cmd.OutOrStdout(), values.UserDefinedID)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "print the API key instead of a placeholder")
	return cmd
}

func newSettingsSetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "set <field> <value>",
		Short:     "Change and persist one setting",
		Args:      cobra.ExactArgs(2),
		ValidArgs: fieldKeys(),
		RunE: func(cmd *cobra.Command, args []string) error {
			field, err := settings.ParseField(args[0])
			if err != nil {
				return err
			}
			return withSettings(cmd, opts, func(s *settings.Settings) error {
				return s.Set(cmd.Context(), field, args[1])
			})
		},
	}
}

func withSettings(cmd *cobra.Command, opts *rootOptions, fn func(*settings.Settings) error) error {
	conf, log, err := opts.load(cmd)
	if err != nil {
		return err
	}
	store, err := runtime.OpenSettingsStore(cmd.Context(), conf)
	if err != nil {
		return fmt.Errorf("open settings store: %w", err)
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}
	s, err := settings.Load(cmd.Context(), store, log)
	if err != nil {
		return err
	}
	return fn(s)
}

func fieldKeys() []string {
	keys := make([]string, 0, len(settings.Fields))
	for _, f := range settings.Fields {
		keys = append(keys, f.Key())
	}
	return keys
}
