package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/apify/mcpc/internal/bridgeproto"
	"github.com/apify/mcpc/internal/config"
	"github.com/apify/mcpc/internal/oauth"
)

var (
	loginProfile  string
	loginScopes   []string
	loginClientID string
	loginPort     int
)

var loginCmd = &cobra.Command{
	Use:   "login <server-url>",
	Short: "Authenticate to an MCP server with OAuth 2.1",
	Long: `Run the OAuth 2.1 flow (PKCE, dynamic registration, browser consent)
against an MCP server and store the result as a reusable profile.

Tokens and the client registration go to the OS keychain; only metadata
is written to profiles.json.

Examples:
  mcpc login https://mcp.example.com
  mcpc login https://mcp.example.com --profile work --scopes mcp:tools`,
	Args: cobra.ExactArgs(1),
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout <server-url>",
	Short: "Remove a profile and its keychain material",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogout,
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List OAuth profiles",
	RunE:  runProfiles,
}

func init() {
	loginCmd.Flags().StringVar(&loginProfile, "profile", "default", "Profile name to store the credentials under")
	loginCmd.Flags().StringSliceVar(&loginScopes, "scopes", nil, "OAuth scopes to request")
	loginCmd.Flags().StringVar(&loginClientID, "client-id", "", "Pre-registered client id (skips dynamic registration)")
	loginCmd.Flags().IntVar(&loginPort, "callback-port", 0, "Fixed callback port (default: random)")

	logoutCmd.Flags().StringVar(&loginProfile, "profile", "default", "Profile name to remove")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(profilesCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	serverURL := args[0]

	app, err := newApp()
	if err != nil {
		return err
	}

	flowCfg := oauth.FlowConfig{
		ServerURL:   serverURL,
		ServerName:  loginProfile,
		Scopes:      loginScopes,
		Store:       app.store,
		ProfileName: loginProfile,
		ClientID:    loginClientID,
	}
	if loginPort != 0 {
		flowCfg.CallbackPort = &loginPort
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	result, err := oauth.NewFlow(flowCfg).Run(ctx)
	if err != nil {
		return &bridgeproto.AuthError{Msg: err.Error()}
	}

	now := time.Now().UTC()
	profile := &config.AuthProfile{
		Name:            loginProfile,
		ServerURL:       serverURL,
		OAuthIssuer:     result.Issuer,
		Scopes:          result.Scopes,
		CreatedAt:       now,
		AuthenticatedAt: now,
	}
	if existing, _ := app.profiles.Get(serverURL, loginProfile); existing != nil {
		profile.CreatedAt = existing.CreatedAt
	}
	if err := app.profiles.Save(profile); err != nil {
		return err
	}

	if jsonOutput {
		payload, _ := json.Marshal(profile)
		fmt.Println(string(payload))
		return nil
	}
	fmt.Printf("Logged in to %s as profile %q (issuer %s)\n", serverURL, loginProfile, result.Issuer)
	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	serverURL := args[0]

	app, err := newApp()
	if err != nil {
		return err
	}

	if err := oauth.Logout(app.store, serverURL, loginProfile); err != nil {
		return err
	}
	if err := app.profiles.Delete(serverURL, loginProfile); err != nil {
		return err
	}

	if !jsonOutput {
		fmt.Printf("Logged out profile %q for %s\n", loginProfile, serverURL)
	}
	return nil
}

func runProfiles(cmd *cobra.Command, args []string) error {
	app, err := newApp()
	if err != nil {
		return err
	}

	profiles, err := app.profiles.List()
	if err != nil {
		return err
	}

	if jsonOutput {
		payload, err := json.Marshal(profiles)
		if err != nil {
			return err
		}
		fmt.Println(string(payload))
		return nil
	}

	if len(profiles) == 0 {
		fmt.Println("No profiles. Create one with: mcpc login <server-url>")
		return nil
	}
	fmt.Printf("%-12s %-40s %s\n", "NAME", "SERVER", "AUTHENTICATED")
	for _, p := range profiles {
		fmt.Printf("%-12s %-40s %s\n", p.Name, p.ServerURL, p.AuthenticatedAt.Format(time.RFC3339))
	}
	return nil
}
