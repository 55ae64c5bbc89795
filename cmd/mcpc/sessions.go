package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/apify/mcpc/internal/bridge"
	"github.com/apify/mcpc/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and maintain the session registry",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions with bridge health",
	RunE:  runSessionsList,
}

var consolidateDestructive bool

var sessionsConsolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Reconcile the registry with live processes and sockets",
	Long: `One pass over the registry: dead bridges lose their pid, orphan socket
files are removed, and with --destructive expired sessions are purged
along with their keychain header bundles.`,
	RunE: runSessionsConsolidate,
}

var closeCmd = &cobra.Command{
	Use:   "close @name",
	Short: "Close a session: bridge, record, socket, and header bundle",
	Args:  cobra.ExactArgs(1),
	RunE:  runClose,
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Purge expired sessions and stale state (destructive consolidate)",
	RunE: func(cmd *cobra.Command, args []string) error {
		consolidateDestructive = true
		return runSessionsConsolidate(cmd, args)
	},
}

func init() {
	sessionsConsolidateCmd.Flags().BoolVar(&consolidateDestructive, "destructive", false,
		"Also remove expired sessions and their keychain header bundles")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsConsolidateCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(closeCmd)
	rootCmd.AddCommand(cleanCmd)
}

// sessionView is the listing projection: the record plus derived health.
type sessionView struct {
	Name        string `json:"name"`
	Transport   string `json:"transport"`
	Target      string `json:"target"`
	Status      string `json:"status"`
	PID         int    `json:"pid,omitempty"`
	Healthy     bool   `json:"healthy"`
	ProfileName string `json:"profileName,omitempty"`
	HeaderCount int    `json:"headerCount"`
	LastSeenAt  string `json:"lastSeenAt"`
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}

	records, err := app.registry.Load()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(records))
	for name := range records {
		names = append(names, name)
	}
	sort.Strings(names)

	views := make([]sessionView, 0, len(names))
	for _, name := range names {
		rec := records[name]
		healthy, _ := app.manager.IsBridgeHealthy(name)
		views = append(views, sessionView{
			Name:        rec.Name,
			Transport:   string(rec.Transport()),
			Target:      sessionTarget(rec),
			Status:      string(rec.Status),
			PID:         rec.PID,
			Healthy:     healthy,
			ProfileName: rec.ProfileName,
			HeaderCount: rec.HeaderCount,
			LastSeenAt:  rec.LastSeenAt.Format(time.RFC3339),
		})
	}

	if jsonOutput {
		payload, err := json.Marshal(views)
		if err != nil {
			return err
		}
		fmt.Println(string(payload))
		return nil
	}

	if len(views) == 0 {
		fmt.Println("No sessions. Create one with: mcpc connect @name <url>")
		return nil
	}

	fmt.Printf("%-16s %-6s %-8s %-8s %-8s %s\n", "NAME", "TYPE", "STATUS", "HEALTHY", "PID", "TARGET")
	for _, v := range views {
		pid := "-"
		if v.PID != 0 {
			pid = fmt.Sprintf("%d", v.PID)
		}
		fmt.Printf("%-16s %-6s %-8s %-8t %-8s %s\n", v.Name, v.Transport, v.Status, v.Healthy, pid, v.Target)
	}
	return nil
}

func sessionTarget(rec *session.Record) string {
	if rec.Server.HTTP != nil {
		return rec.Server.HTTP.URL
	}
	if rec.Server.Stdio != nil {
		return strings.TrimSpace(rec.Server.Stdio.Command + " " + strings.Join(rec.Server.Stdio.Args, " "))
	}
	return ""
}

func runSessionsConsolidate(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}

	counts, err := app.registry.Consolidate(consolidateDestructive, app.store)
	if err != nil {
		return err
	}

	if jsonOutput {
		payload, err := json.Marshal(counts)
		if err != nil {
			return err
		}
		fmt.Println(string(payload))
		return nil
	}
	fmt.Printf("Dead bridges: %d, expired sessions removed: %d, stale sockets: %d\n",
		counts.DeadBridges, counts.ExpiredSessions, counts.StaleSockets)
	return nil
}

func runClose(cmd *cobra.Command, args []string) error {
	name := args[0]

	app, err := newApp()
	if err != nil {
		return err
	}

	if err := bridge.CloseSession(app.registry, app.store, app.manager, name); err != nil {
		return err
	}

	if jsonOutput {
		fmt.Printf(`{"closed":%q}`+"\n", name)
		return nil
	}
	fmt.Printf("Closed %s\n", name)
	return nil
}

func printRecordJSON(rec *session.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	fmt.Println(string(payload))
	return nil
}
