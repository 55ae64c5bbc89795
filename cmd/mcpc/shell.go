package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/apify/mcpc/internal/bridge"
	"github.com/apify/mcpc/internal/bridgeproto"
	"github.com/apify/mcpc/internal/config"
	"github.com/apify/mcpc/internal/events"
	"github.com/apify/mcpc/internal/paths"
)

// runShell is the sustained-caller mode (`mcpc @x shell`): one bridge
// connection held open for the whole run, server notifications rendered
// as they arrive, registry changes by peer processes surfaced.
func runShell(sc *bridge.SessionClient, name string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()
	defer bus.Close()

	bus.Subscribe(func(e events.Event) {
		switch evt := e.(type) {
		case events.NotificationEvent:
			fmt.Printf("\n[%s] %s\n> ", evt.SessionName(), evt.Method)
		case events.StatusChangedEvent:
			fmt.Printf("\n[%s] registry changed by another process\n> ", evt.SessionName())
		}
	})

	if err := sc.Sustain(ctx, func(n bridgeproto.Notification) {
		bus.Publish(events.NewNotificationEvent(name, n.Method, n.Params))
	}); err != nil {
		return err
	}
	defer sc.Close()

	// Surface peer-process registry writes (a consolidate or close run
	// elsewhere) instead of discovering them on the next failed request.
	if home, err := paths.HomeDir(); err == nil {
		watcher := config.NewWatcher(home, []string{"sessions.json"}, func(string) {
			bus.Publish(events.NewStatusChangedEvent(name, "", "changed"))
		})
		go watcher.Run(ctx)
	}

	fmt.Printf("Connected to %s. Operations: tools-list, tools-call, resources-list, resources-read, prompts-list, prompts-get, ping, status. exit to quit.\n", name)

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}

		fields := splitShellLine(line)
		opCtx, opCancel := context.WithTimeout(ctx, shellOpTimeout)
		raw, err := dispatchOp(opCtx, sc, fields[0], fields[1:])
		opCancel()

		switch {
		case err != nil:
			printError(err)
		case raw == nil:
			fmt.Println("ok")
		default:
			if perr := printResult(raw); perr != nil {
				printError(perr)
			}
		}
		fmt.Print("> ")
	}

	return scanner.Err()
}

// splitShellLine splits on spaces but keeps one JSON object together, so
// `tools-call search {"query": "a b"}` works without quoting gymnastics.
func splitShellLine(line string) []string {
	if idx := strings.IndexAny(line, "{["); idx >= 0 {
		head := strings.Fields(line[:idx])
		return append(head, strings.TrimSpace(line[idx:]))
	}
	return strings.Fields(line)
}
