package main

import (
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"voting-client/api"
)

func serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the voting HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("listen"); addr != "" {
				cfg.ListenAddr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, err := newClient(ctx, cfg, false, true)
			if err != nil {
				return err
			}
			defer c.Close()

			var gatherer prometheus.Gatherer
			if cfg.Metrics {
				gatherer = c.registry
			}
			server := api.NewServer(c.voting, gatherer, c.logger)
			err = server.Start(ctx, cfg.ListenAddr)
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			if err != nil {
				c.logger.Error("server stopped", zap.Error(err))
			}
			return err
		},
	}
	cmd.Flags().String("listen", "", "listen address, overrides the config file")
	return cmd
}
