package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/apify/mcpc/internal/bridge"
	"github.com/apify/mcpc/internal/bridgeproto"
	"github.com/apify/mcpc/internal/paths"
)

// sessionVerbCmd is the hidden verb main() routes `mcpc @name ...` to.
var sessionVerbCmd = &cobra.Command{
	Use:    "session @name <operation> [args...]",
	Hidden: true,
	Args:   cobra.MinimumNArgs(2),
	RunE:   runSessionOp,
}

func init() {
	rootCmd.AddCommand(sessionVerbCmd)
}

func runSessionOp(cmd *cobra.Command, args []string) error {
	name := args[0]
	op := args[1]
	rest := args[2:]

	if err := paths.ValidateSessionName(name); err != nil {
		return &bridgeproto.ClientError{Msg: err.Error()}
	}

	app, err := newApp()
	if err != nil {
		return err
	}
	sc := app.sessionClient(name)

	if op == "shell" {
		return runShell(sc, name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), bridge.RequestTimeout)
	defer cancel()

	raw, err := dispatchOp(ctx, sc, op, rest)
	if err != nil {
		return err
	}
	if raw == nil {
		if !jsonOutput {
			fmt.Println("ok")
		} else {
			fmt.Println(`{}`)
		}
		return nil
	}
	return printResult(raw)
}

// dispatchOp maps a CLI operation onto the session facade.
func dispatchOp(ctx context.Context, sc *bridge.SessionClient, op string, rest []string) (json.RawMessage, error) {
	switch op {
	case "ping":
		return nil, sc.Ping(ctx)

	case "tools-list":
		return sc.ListTools(ctx)

	case "tools-call":
		if len(rest) < 1 {
			return nil, &bridgeproto.ClientError{Msg: "usage: @name tools-call <tool> [json-arguments]"}
		}
		var arguments json.RawMessage
		if len(rest) > 1 {
			if !json.Valid([]byte(rest[1])) {
				return nil, &bridgeproto.ClientError{Msg: fmt.Sprintf("tool arguments are not valid JSON: %s", rest[1])}
			}
			arguments = json.RawMessage(rest[1])
		}
		return sc.CallTool(ctx, rest[0], arguments)

	case "resources-list":
		return sc.ListResources(ctx)

	case "resources-read":
		if len(rest) != 1 {
			return nil, &bridgeproto.ClientError{Msg: "usage: @name resources-read <uri>"}
		}
		return sc.ReadResource(ctx, rest[0])

	case "prompts-list":
		return sc.ListPrompts(ctx)

	case "prompts-get":
		if len(rest) < 1 {
			return nil, &bridgeproto.ClientError{Msg: "usage: @name prompts-get <prompt> [k=v...]"}
		}
		arguments := map[string]string{}
		for _, kv := range rest[1:] {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, &bridgeproto.ClientError{Msg: fmt.Sprintf("invalid prompt argument %q: want k=v", kv)}
			}
			arguments[k] = v
		}
		return sc.GetPrompt(ctx, rest[0], arguments)

	case "status":
		status, err := sc.Status(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(status)

	default:
		return nil, &bridgeproto.ClientError{Msg: fmt.Sprintf("unknown operation %q (try tools-list, tools-call, resources-list, resources-read, prompts-list, prompts-get, ping, status, shell)", op)}
	}
}

// shellOpTimeout bounds one interactive command so a hung server doesn't
// freeze the prompt forever.
const shellOpTimeout = 3 * time.Minute
