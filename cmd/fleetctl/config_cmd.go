package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sufield/devicefleet/internal/config"
)

func (c *cli) configCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate [config-file]",
		Short: "Validate a configuration file",
		Long: `Load the file, apply FLEET_* environment overrides and check it.

Examples:
  fleetctl config validate fleet.yaml
  FLEET_CONFIG=/etc/fleet.yaml fleetctl config validate`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := c.resolveConfigPath()
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return usageError("%s: %v", path, err)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s %s\n", okFmt("✓"), path)
			fmt.Fprintf(w, "  Identity provider:  %s\n", cfg.Identity.BaseURL)
			fmt.Fprintf(w, "  Device API:         %s\n", cfg.DeviceAPI.BaseURL)
			if cfg.DeviceAPI.SPIFFE != nil {
				fmt.Fprintf(w, "  SPIFFE mTLS via:    %s\n", cfg.DeviceAPI.SPIFFE.WorkloadSocket)
			}
			fmt.Fprintf(w, "  Token store:        %s\n", cfg.TokenStore.Path)
			fmt.Fprintf(w, "  Capabilities:       %d transition(s) gated\n", len(cfg.Capabilities))
			return nil
		},
	})
	return cmd
}

func (c *cli) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fleetctl %s\n", c.version)
		},
	}
}
