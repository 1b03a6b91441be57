package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roborev-dev/prwatch/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Get and set prwatch configuration",
		Long: `Inspect or modify scalar configuration values by dotted key, for example
poll_interval_seconds or notify.pr_completed. Repositories, agents and
hooks are tables: manage them with "prwatch repos", "prwatch discover"
or by editing config.toml.`,
	}

	cmd.AddCommand(configGetCmd())
	cmd.AddCommand(configSetCmd())
	cmd.AddCommand(configListCmd())
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), resolvedConfigPath())
		},
	})

	return cmd
}

func configGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]
			if !config.IsValidKey(key) {
				return fmt.Errorf("unknown config key: %q", key)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			val, err := config.GetValue(cfg, key)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), displayValue(key, val))
			return nil
		},
	}
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if !config.IsValidKey(key) {
				return fmt.Errorf("unknown config key: %q", key)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := config.SetValue(cfg, key, value); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if err := saveConfig(cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			return nil
		},
	}
}

func configListCmd() *cobra.Command {
	var showOrigin bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configuration values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			kvs, err := config.ListValues(cfg, resolvedConfigPath())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if showOrigin {
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				for _, kv := range kvs {
					fmt.Fprintf(w, "%s\t%s\t%s\n", kv.Origin, kv.Key, displayValue(kv.Key, kv.Value))
				}
				return w.Flush()
			}
			for _, kv := range kvs {
				fmt.Fprintf(out, "%s=%s\n", kv.Key, displayValue(kv.Key, kv.Value))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showOrigin, "show-origin", false, "show whether each value comes from the file or a default")
	return cmd
}

// displayValue masks secrets. Unset secrets stay empty.
func displayValue(key, val string) string {
	if val != "" && config.IsSensitiveKey(key) {
		return config.MaskValue(val)
	}
	return val
}
