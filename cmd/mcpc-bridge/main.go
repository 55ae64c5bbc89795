// Command mcpc-bridge is the session bridge daemon: one long-lived
// process per named session, owning that session's MCP connection and
// serving the local IPC socket the mcpc CLI multiplexes over.
//
// Usage: mcpc-bridge <sessionName> <socketPath> <serverJson> [--verbose] [--profile <name>]
//
// It is normally spawned by mcpc, not run by hand. Credentials are
// delivered over IPC after spawn; none appear on this command line.
package main

import (
	"os"

	"github.com/apify/mcpc/internal/bridge"
)

func main() {
	os.Exit(bridge.Main(os.Args[1:]))
}
