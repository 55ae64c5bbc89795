package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/apify/mcpc/internal/bridgeproto"
)

// Version information (set at build time via ldflags)
var (
	version = "dev"
	commit  = "unknown"
)

var (
	jsonOutput bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "mcpc",
	Short: "Command-line client for MCP servers with persistent sessions",
	Long: `mcpc talks to Model Context Protocol servers through named persistent
sessions. A session (@name) is backed by a background bridge process that
owns the server connection and survives across invocations.

  mcpc connect @x https://mcp.example.com --profile default
  mcpc @x tools-list
  mcpc @x tools-call search '{"query":"docs"}'
  mcpc close @x`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

func init() {
	// Suppress errors from being printed twice
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose diagnostics")
}

func main() {
	// `mcpc @x tools-list ...` routes through the hidden session verb so
	// cobra sees a subcommand where the user wrote a session name.
	args := os.Args[1:]
	if len(args) > 0 && strings.HasPrefix(args[0], "@") {
		args = append([]string{"session"}, args...)
	}
	rootCmd.SetArgs(args)

	if err := rootCmd.Execute(); err != nil {
		printError(err)
		os.Exit(bridgeproto.ExitCode(err))
	}
}

// printError renders a failure: one red line in human mode, a
// {error, code} object on stderr in JSON mode.
func printError(err error) {
	code := bridgeproto.ExitCode(err)
	if jsonOutput {
		payload, _ := json.Marshal(map[string]any{"error": err.Error(), "code": code})
		fmt.Fprintln(os.Stderr, string(payload))
		return
	}
	fmt.Fprintf(os.Stderr, "\x1b[31mError: %v\x1b[0m\n", err)
}

// printResult renders a successful payload: raw JSON in JSON mode,
// indented in human mode.
func printResult(raw json.RawMessage) error {
	if jsonOutput {
		fmt.Println(string(raw))
		return nil
	}
	var buf strings.Builder
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	fmt.Print(buf.String())
	return nil
}
