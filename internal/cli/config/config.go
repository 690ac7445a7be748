// Package config implements the 'etwtrace config' command family.
package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/etwtrace/internal/cli/helpers"
	"github.com/coral-mesh/etwtrace/internal/config"
)

// NewConfigCmd creates the config command and its subcommands.
func NewConfigCmd(opts *helpers.GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect etwtrace configuration",
		Long: `Inspect etwtrace configuration.

Configuration Priority:
  1. ETWTRACE_* environment variables and global flags (highest)
  2. The config file ($ETWTRACE_CONFIG or ~/.etwtrace/config.yaml)
  3. Built in defaults`,
	}

	cmd.AddCommand(newViewCmd(opts))
	cmd.AddCommand(newValidateCmd(opts))
	cmd.AddCommand(newPathCmd(opts))
	cmd.AddCommand(newSchemaCmd())

	return cmd
}

// newViewCmd creates the 'config view' command.
func newViewCmd(opts *helpers.GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "view",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.Load()
			if err != nil {
				return err
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(env.Config); err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			return enc.Close()
		},
	}
}

// newValidateCmd creates the 'config validate' command.
func newValidateCmd(opts *helpers.GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and environment overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := opts.Load()
			if err != nil {
				return err
			}
			cmd.Printf("✓ %s is valid\n", env.ConfigPath)
			if active := config.ActiveEnv(); len(active) > 0 {
				cmd.Printf("  overridden by %s\n", strings.Join(active, ", "))
			}
			return nil
		},
	}
}

// newPathCmd creates the 'config path' command.
func newPathCmd(opts *helpers.GlobalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(opts.Loader().Path())
		},
	}
}

// newSchemaCmd creates the 'config schema' command.
func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON schema of the config file",
		Long: `Print the JSON schema of config.yaml, for editors that validate YAML against
a schema.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := Schema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}
}

// Schema returns the indented JSON schema of config.Config, keyed by the
// YAML field names.
func Schema() ([]byte, error) {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		FieldNameTag:   "yaml",
	}
	schema := reflector.Reflect(&config.Config{})
	schema.Title = "etwtrace configuration"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}
