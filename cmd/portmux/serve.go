package main

import (
	"os/signal"
	"syscall"

	"github.com/danmuck/portmux/internal/config"
	"github.com/danmuck/portmux/internal/observability"
	"github.com/danmuck/portmux/internal/server"
	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	var (
		configPath string
		addr       string
		framedAddr string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the host server (websocket, and framed TCP when enabled)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("framed-addr") {
				cfg.Framed.Enabled = true
				cfg.Framed.Addr = framedAddr
			}

			logger := observability.InitLogger("portmux")
			srv, err := server.New(cfg, logger)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger.Info().
				Str("addr", cfg.Server.Addr).
				Bool("framed", cfg.Framed.Enabled).
				Str("framed_addr", cfg.Framed.Addr).
				Msg("portmux serving")
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to portmux.toml")
	cmd.Flags().StringVar(&addr, "addr", "", "http listen address (overrides config)")
	cmd.Flags().StringVar(&framedAddr, "framed-addr", "", "enable the framed listener on this address")
	return cmd
}
