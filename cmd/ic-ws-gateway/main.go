package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aliscie/ic-websocket-gateway/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "ic-ws-gateway",
	Short: "WebSocket gateway bridging clients to Internet Computer canisters",
	Long: `ic-ws-gateway - WebSocket gateway for the Internet Computer.

Clients open a WebSocket connection to the gateway; the gateway relays their
signed calls to a canister and polls the canister for outbound messages,
delivering them in-order over the socket.

Examples:
  ic-ws-gateway serve                      # Start with defaults
  ic-ws-gateway serve --config gateway.toml`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a TOML config file")
	rootCmd.AddCommand(serveCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
