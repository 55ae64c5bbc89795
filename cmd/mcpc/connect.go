package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/apify/mcpc/internal/bridge"
	"github.com/apify/mcpc/internal/bridgeproto"
	"github.com/apify/mcpc/internal/session"
)

var (
	connectProfile string
	connectHeaders []string
	connectTimeout int
	connectEnv     []string
)

var connectCmd = &cobra.Command{
	Use:   "connect @name (<url> | -- <command> [args...])",
	Short: "Create or reconnect a named session",
	Long: `Create (or reconnect) a named session backed by a background bridge.

An HTTP server is given by URL; a stdio server by a command after "--".

Examples:
  mcpc connect @docs https://mcp.example.com --profile default
  mcpc connect @api https://api.example.com/mcp --header "X-Api-Key: k1"
  mcpc connect @local -- npx some-mcp-server --fast`,
	Args: cobra.MinimumNArgs(1),
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().StringVar(&connectProfile, "profile", "", "OAuth profile to authenticate with")
	connectCmd.Flags().StringArrayVar(&connectHeaders, "header", nil, `HTTP header ("Name: value", repeatable; stored in the keychain)`)
	connectCmd.Flags().IntVar(&connectTimeout, "timeout", 0, "HTTP request timeout in seconds")
	connectCmd.Flags().StringArrayVar(&connectEnv, "env", nil, "Environment variable for a stdio server (k=v, repeatable)")

	rootCmd.AddCommand(connectCmd)
}

func runConnect(cmd *cobra.Command, args []string) error {
	name := args[0]
	rest := args[1:]

	server, err := parseServerArgs(rest)
	if err != nil {
		return err
	}

	headers, err := parseHeaderFlags(connectHeaders)
	if err != nil {
		return err
	}

	app, err := newApp()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	rec, err := bridge.Connect(ctx, app.registry, app.store, app.profiles, app.manager, bridge.ConnectOptions{
		Name:        name,
		Server:      server,
		ProfileName: connectProfile,
		Headers:     headers,
		Verbose:     verbose,
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		return printRecordJSON(rec)
	}
	fmt.Printf("Connected %s (%s, pid %d)\n", rec.Name, rec.Transport(), rec.PID)
	return nil
}

// parseServerArgs builds the server descriptor from the positional args:
// one URL for HTTP, or a command with args for stdio.
func parseServerArgs(rest []string) (session.ServerDescriptor, error) {
	var server session.ServerDescriptor

	if len(rest) == 0 {
		return server, &bridgeproto.ClientError{Msg: "a server URL or command is required"}
	}

	if len(rest) == 1 && (strings.HasPrefix(rest[0], "http://") || strings.HasPrefix(rest[0], "https://")) {
		server.HTTP = &session.HTTPServer{URL: rest[0], TimeoutSeconds: connectTimeout}
		return server, nil
	}

	env, err := parseEnvFlags(connectEnv)
	if err != nil {
		return server, err
	}
	server.Stdio = &session.StdioServer{
		Command: rest[0],
		Args:    rest[1:],
		Env:     env,
	}
	return server, nil
}

func parseHeaderFlags(flags []string) (map[string]string, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(flags))
	for _, h := range flags {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, &bridgeproto.ClientError{Msg: fmt.Sprintf("invalid header %q: want \"Name: value\"", h)}
		}
		headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	return headers, nil
}

func parseEnvFlags(flags []string) (map[string]string, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(flags))
	for _, e := range flags {
		k, v, ok := strings.Cut(e, "=")
		if !ok || k == "" {
			return nil, &bridgeproto.ClientError{Msg: fmt.Sprintf("invalid env %q: want k=v", e)}
		}
		env[k] = v
	}
	return env, nil
}
