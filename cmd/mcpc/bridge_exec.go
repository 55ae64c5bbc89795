package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/apify/mcpc/internal/bridge"
)

// bridgeExecCmd re-executes this binary as a session's bridge daemon.
// Hidden: spawned by the bridge manager, never typed by a user. A
// standalone mcpc-bridge binary, if installed next to mcpc, is preferred
// by the manager over this verb.
var bridgeExecCmd = &cobra.Command{
	Use:                "bridge-exec <sessionName> <socketPath> <serverJson>",
	Hidden:             true,
	DisableFlagParsing: true, // the daemon parses --verbose/--profile itself
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(bridge.Main(args))
	},
}

func init() {
	rootCmd.AddCommand(bridgeExecCmd)
}
