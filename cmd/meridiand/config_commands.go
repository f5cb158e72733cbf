package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ionforge/meridian/internal/config"
)

// configCmd groups configuration-inspection commands, the same "subcommand
// group with a single info-style child" shape as the teacher's configCmd,
// reworked for this control plane's plain-YAML config instead of its
// encrypted-export/import flow (there is nothing here worth encrypting:
// meridiand's config carries no credentials, only operational settings).
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "configuration management commands",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
}
