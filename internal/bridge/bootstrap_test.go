package bridge

import (
	"strings"
	"testing"
)

func TestParseBridgeArgs(t *testing.T) {
	cfg, err := ParseBridgeArgs([]string{
		"@x", "/tmp/x.sock", `{"http":{"url":"https://mcp.example.com"}}`,
		"--verbose", "--profile", "default",
	})
	if err != nil {
		t.Fatalf("ParseBridgeArgs failed: %v", err)
	}
	if cfg.SessionName != "@x" || cfg.SocketPath != "/tmp/x.sock" {
		t.Errorf("cfg = %+v", cfg)
	}
	if !cfg.Verbose || cfg.ProfileName != "default" {
		t.Errorf("flags not parsed: %+v", cfg)
	}
	if cfg.Server.HTTP == nil || cfg.Server.HTTP.URL != "https://mcp.example.com" {
		t.Errorf("server = %+v", cfg.Server)
	}
}

func TestParseBridgeArgs_Stdio(t *testing.T) {
	cfg, err := ParseBridgeArgs([]string{
		"@local", "/tmp/local.sock", `{"stdio":{"command":"mcp-server","args":["--fast"]}}`,
	})
	if err != nil {
		t.Fatalf("ParseBridgeArgs failed: %v", err)
	}
	if cfg.Server.Stdio == nil || cfg.Server.Stdio.Command != "mcp-server" {
		t.Errorf("server = %+v", cfg.Server)
	}
}

func TestParseBridgeArgs_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"too few operands", []string{"@x", "/tmp/x.sock"}, "usage"},
		{"bad session name", []string{"x", "/tmp/x.sock", `{"http":{"url":"u"}}`}, "invalid session name"},
		{"bad server json", []string{"@x", "/tmp/x.sock", "{"}, "parse server descriptor"},
		{"both shapes", []string{"@x", "/tmp/x.sock", `{"http":{"url":"u"},"stdio":{"command":"c"}}`}, "exactly one"},
		{"neither shape", []string{"@x", "/tmp/x.sock", `{}`}, "exactly one"},
		{"dangling profile", []string{"@x", "/tmp/x.sock", `{"http":{"url":"u"}}`, "--profile"}, "--profile requires"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBridgeArgs(tt.args)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %q, want substring %q", err, tt.want)
			}
		})
	}
}
