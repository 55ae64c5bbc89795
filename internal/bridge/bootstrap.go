package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/apify/mcpc/internal/keychain"
	"github.com/apify/mcpc/internal/paths"
	"github.com/apify/mcpc/internal/session"
)

// ParseBridgeArgs parses the bridge executable's command line:
//
//	<sessionName> <socketPath> <serverJson> [--verbose] [--profile <name>]
//
// Secrets never appear here; they arrive over IPC after spawn.
func ParseBridgeArgs(args []string) (DaemonConfig, error) {
	var cfg DaemonConfig

	positional := make([]string, 0, 3)
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--verbose":
			cfg.Verbose = true
		case "--profile":
			if i+1 >= len(args) {
				return cfg, fmt.Errorf("--profile requires a value")
			}
			i++
			cfg.ProfileName = args[i]
		default:
			positional = append(positional, args[i])
		}
	}

	if len(positional) != 3 {
		return cfg, fmt.Errorf("usage: bridge <sessionName> <socketPath> <serverJson> [--verbose] [--profile <name>]")
	}

	cfg.SessionName = positional[0]
	cfg.SocketPath = positional[1]

	if err := paths.ValidateSessionName(cfg.SessionName); err != nil {
		return cfg, err
	}
	if err := json.Unmarshal([]byte(positional[2]), &cfg.Server); err != nil {
		return cfg, fmt.Errorf("parse server descriptor: %w", err)
	}
	if (cfg.Server.HTTP == nil) == (cfg.Server.Stdio == nil) {
		return cfg, fmt.Errorf("server descriptor must be exactly one of http or stdio")
	}

	return cfg, nil
}

// Main is the bridge executable's entry point, shared by the standalone
// mcpc-bridge binary and the hidden bridge-exec verb. Returns the
// process exit code: 0 for a clean or expiry exit, 1 for startup failure.
func Main(args []string) int {
	cfg, err := ParseBridgeArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger, closer, err := NewSessionLogger(cfg.SessionName, cfg.Verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open session log: %v\n", err)
		return 1
	}
	cfg.Logger = logger
	cfg.LogCloser = closer

	// Components that log via the package-level logger (token manager,
	// PID tracker) write into the session's rotating file too.
	log.SetOutput(logger.Writer())

	registry, err := session.NewRegistry()
	if err != nil {
		logger.Printf("open session registry: %v", err)
		return 1
	}

	home, err := paths.HomeDir()
	if err != nil {
		logger.Printf("resolve home dir: %v", err)
		return 1
	}
	store, err := keychain.NewStore(keychain.ModeAuto, home)
	if err != nil {
		logger.Printf("open keychain: %v", err)
		return 1
	}

	d := NewDaemon(cfg, registry, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		d.Shutdown()
	}()

	if err := d.Run(ctx); err != nil {
		return 1
	}
	return 0
}
