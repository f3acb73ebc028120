// Package cli wires the callroom commands.
package cli

import (
	"context"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/peergrid/callroom/internal/util"
)

var version = "dev"

var debugMode bool

var rootCmd = &cobra.Command{
	Use:     "callroom",
	Short:   "Room-based call signaling over WebRTC",
	Long:    `Callroom joins a numbered room on a signaling server, discovers the other participants, and negotiates a peer connection with one of them. With exactly two parties in the room the call starts automatically; with more, you pick a peer. It also ships the matching room server for local use.`,
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debugMode {
			util.EnableDebug()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
}

// Execute runs the command tree. It is called once from main.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
}
