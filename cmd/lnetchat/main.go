// Command lnetchat is a small chat room built on lnet. It runs over TCP
// framing, QUIC or WebSocket so the transports can be compared side by side.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "lnetchat",
		Short: "Chat room over lnet",
		Long: `lnetchat runs a chat room server or joins one.

Transports:
  • tcp   framed byte stream
  • quic  packets over QUIC streams and datagrams
  • ws    packets over WebSocket

Examples:
  lnetchat serve --transport=quic --addr=127.0.0.1:7000
  lnetchat join  --transport=quic --addr=127.0.0.1:7000 --name=ada`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		serveCmd(),
		joinCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
