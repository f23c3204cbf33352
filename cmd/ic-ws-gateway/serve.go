package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aliscie/ic-websocket-gateway/canister"
	"github.com/aliscie/ic-websocket-gateway/config"
	"github.com/aliscie/ic-websocket-gateway/errors"
	"github.com/aliscie/ic-websocket-gateway/gateway"
	"github.com/aliscie/ic-websocket-gateway/logger"
	"github.com/aliscie/ic-websocket-gateway/principal"
	"github.com/aliscie/ic-websocket-gateway/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := logger.Initialize(cfg.Log.JSON, cfg.Log.Level); err != nil {
			return errors.Wrap(err, "failed to initialize logger")
		}
		return serve(cmd.Context(), cfg)
	},
}

// serve wires the components together and runs until interrupted. Bootstrap
// failures return an error (non-zero exit); runtime failures are handled
// per-session and per-poller.
func serve(parent context.Context, cfg *config.Config) error {
	gatewayPrincipal, err := principal.FromText(cfg.Gateway.Principal)
	if err != nil {
		return errors.Wrap(err, "invalid gateway.principal")
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var analyzer *telemetry.Analyzer
	if cfg.Telemetry.Enabled {
		analyzer = telemetry.NewAnalyzer(cfg.ChannelBound, logger.Named("telemetry"))
		go analyzer.Run(ctx)
	}

	transport := canister.NewHTTPTransport(cfg.Backend.URL, cfg.Backend.Timeout())
	client := canister.NewClient(transport, canister.ClientOptions{
		MaxAttempts:    cfg.Backend.MaxAttempts,
		RetryDelay:     cfg.Backend.RetryDelay(),
		CallsPerSecond: cfg.Backend.CallsPerSecond,
	}, logger.Named("canister"))

	manager := gateway.NewManager(client, gateway.ManagerOptions{
		PollingInterval: cfg.PollingInterval(),
		ChannelBound:    cfg.ChannelBound,
	}, analyzer, logger.Named("manager"))
	go manager.Run(ctx)

	server := gateway.NewServer(gateway.ServerOptions{
		ListenAddr:   cfg.ListenAddr,
		ChannelBound: cfg.ChannelBound,
	}, gatewayPrincipal, manager, client, analyzer, logger.Named("server"))

	logger.Infow("gateway starting",
		"listen_addr", cfg.ListenAddr,
		"backend_url", cfg.Backend.URL,
		"polling_interval_ms", cfg.PollingIntervalMs,
	)

	if err := server.Run(ctx); err != nil && ctx.Err() == nil {
		return errors.Wrap(err, "server failed")
	}
	logger.Infow("gateway stopped")
	return nil
}
