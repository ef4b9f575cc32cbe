package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aspen-cloud/aspen-sdk/errors"
)

func newConfigCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(newConfigShowCommand(opts))
	cmd.AddCommand(newConfigValidateCommand(opts))
	return cmd
}

func newConfigShowCommand(opts *RootOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:         "show",
		Short:       "Print the merged configuration with secrets masked",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipValidation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			redacted := opts.cfg.Redacted()
			switch format {
			case "json":
				return printJSON(cmd.OutOrStdout(), redacted)
			case "yaml":
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(redacted); err != nil {
					return errors.Wrap(err, "cli", "config show", "encode yaml")
				}
				return enc.Close()
			}
			return errors.WrapInvalid(fmt.Errorf("%w: unknown format %q", errors.ErrInvalidRequest, format),
				"cli", "config show", "select format")
		},
	}
	cmd.Flags().StringVar(&format, "format", "yaml", "output format (json|yaml)")
	return cmd
}

func newConfigValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid (backend %s)\n", opts.cfg.Backend)
			return err
		},
	}
}
