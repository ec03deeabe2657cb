package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sufield/devicefleet/internal/adapters/outbound/compose"
	"github.com/sufield/devicefleet/internal/bg"
	"github.com/sufield/devicefleet/internal/config"
	"github.com/sufield/devicefleet/internal/logging"
)

var (
	okFmt   = color.New(color.FgGreen).SprintFunc()
	warnFmt = color.New(color.FgYellow).SprintFunc()
	errFmt  = color.New(color.FgRed, color.Bold).SprintFunc()
	dimFmt  = color.New(color.Faint).SprintFunc()
)

type cli struct {
	version VersionInfo

	configPath   string
	outputFormat string
	verbose      bool

	// stdinIsTerminal is replaced in tests.
	stdinIsTerminal func() bool
	lines           *bufio.Reader
	linesFrom       io.Reader

	stack *compose.Stack
}

func newCLI(v VersionInfo) *cli {
	return &cli{version: v, stdinIsTerminal: stdinTerminal}
}

func (c *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "fleetctl",
		Short: "Device fleet console",
		Long: `fleetctl signs operators in against the identity provider and moves
devices through their lifecycle on the device management backend.

The session is kept encrypted on disk between invocations; run
'fleetctl login' once and later commands reuse it.`,
		Version:       c.version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return c.close()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Config file (default: $FLEET_CONFIG or ./fleet.yaml)")
	root.PersistentFlags().StringVarP(&c.outputFormat, "output", "o", "table", "Output format: table, json, yaml")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Log at debug level to stderr")

	root.AddCommand(
		c.loginCommand(),
		c.logoutCommand(),
		c.whoamiCommand(),
		c.deviceCommand(),
		c.serveCommand(),
		c.configCommand(),
		c.versionCommand(),
	)
	return root
}

func (c *cli) resolveConfigPath() string {
	if c.configPath != "" {
		return c.configPath
	}
	if p := os.Getenv("FLEET_CONFIG"); p != "" {
		return p
	}
	return "fleet.yaml"
}

func (c *cli) loadConfig() (config.FileConfig, error) {
	cfg, err := config.Load(c.resolveConfigPath())
	if err != nil {
		return cfg, err
	}
	if err := config.Validate(cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *cli) logger(cfg config.FileConfig) (*zap.Logger, error) {
	level := "error"
	if c.verbose {
		level = "debug"
	}
	return logging.New(logging.Options{Level: level, Development: cfg.Log.Development})
}

// open wires the console and restores the stored session before returning.
func (c *cli) open(ctx context.Context) (*compose.Stack, error) {
	if c.stack != nil {
		return c.stack, nil
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	log, err := c.logger(cfg)
	if err != nil {
		return nil, err
	}
	stack, err := compose.Build(ctx, cfg, compose.Options{Logger: log, Runner: bg.Sync{}})
	if err != nil {
		return nil, err
	}
	stack.Console.Start(ctx)
	if err := stack.Console.WaitReady(ctx); err != nil {
		_ = stack.Close()
		return nil, err
	}
	c.stack = stack
	return stack, nil
}

func (c *cli) close() error {
	if c.stack == nil {
		return nil
	}
	err := c.stack.Close()
	c.stack = nil
	return err
}

// emit writes data as JSON or YAML. It returns false for table output,
// which each command renders itself.
func (c *cli) emit(w io.Writer, data any) (bool, error) {
	switch c.outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(data)
	case "yaml":
		out, err := yaml.Marshal(data)
		if err != nil {
			return true, err
		}
		_, err = w.Write(out)
		return true, err
	case "table", "":
		return false, nil
	default:
		return true, usageError("unknown output format %q (want table, json or yaml)", c.outputFormat)
	}
}
