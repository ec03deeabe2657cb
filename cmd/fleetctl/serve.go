package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sufield/devicefleet/internal/adapters/inbound/httpapi"
	"github.com/sufield/devicefleet/internal/adapters/outbound/compose"
)

func (c *cli) serveCommand() *cobra.Command {
	var listen string
	var ephemeral bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the console over the local HTTP API",
		Long: `Run the console API until interrupted (Ctrl+C or SIGTERM).

By default the API listens on console.listen_addr (127.0.0.1:8470) and shares
the stored session with the other fleetctl commands. --ephemeral keeps the
session in memory only.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Console.ListenAddr = listen
			}
			if c.verbose {
				cfg.Log.Level = "debug"
			}

			stack, err := compose.Build(ctx, cfg, compose.Options{Ephemeral: ephemeral})
			if err != nil {
				return err
			}
			c.stack = stack
			stack.Console.Start(context.WithoutCancel(ctx))

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			srv, err := httpapi.NewServer(stack.Console, httpapi.Options{
				Addr:     cfg.Console.ListenAddr,
				Logger:   stack.Logger.Named("httpapi"),
				Registry: reg,
			})
			if err != nil {
				return err
			}
			if err := srv.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s http://%s\n", okFmt("Console API listening on"), srv.Addr())

			<-ctx.Done()
			stack.Logger.Info("shutting down", zap.String("addr", srv.Addr()))
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Stop(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Override console.listen_addr")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "Keep the session in memory only")
	return cmd
}
