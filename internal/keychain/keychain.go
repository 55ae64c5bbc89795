// Package keychain provides the opaque key/value secret store: OAuth
// tokens, OAuth client registrations, and per-session header bundles, all
// namespaced and never cached in memory so that token rotation across peer
// bridge processes is visible on the next read.
package keychain

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Namespace partitions keys by the kind of secret stored under them.
type Namespace string

const (
	NamespaceAuthTokens     Namespace = "auth-tokens"
	NamespaceAuthClient     Namespace = "auth-client"
	NamespaceSessionHeaders Namespace = "session-headers"
)

// Store is the secret-store contract: get/put/delete over namespaced
// keys. Get
// returns (nil, nil) for a missing key, never an error. Implementations
// must not cache; another process may have written since the last read.
type Store interface {
	Get(namespace Namespace, key string) ([]byte, error)
	Put(namespace Namespace, key string, blob []byte) error
	Delete(namespace Namespace, key string) error
}

// TokensKey formats the key scheme's `auth:<canonical-host>:<profile>:tokens`.
func TokensKey(host, profile string) string {
	return fmt.Sprintf("auth:%s:%s:tokens", host, profile)
}

// ClientKey formats `auth:<canonical-host>:<profile>:client`.
func ClientKey(host, profile string) string {
	return fmt.Sprintf("auth:%s:%s:client", host, profile)
}

// HeadersKey formats `session:<name>:headers`.
func HeadersKey(sessionName string) string {
	return fmt.Sprintf("session:%s:headers", sessionName)
}

// CanonicalHost strips scheme, default port, and trailing slash from a
// server URL so that http://mcp.example.com/mcp, https://mcp.example.com,
// and mcp.example.com:443 all key to the same host.
func CanonicalHost(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		// Not a full URL; treat the input itself as a bare host[:port].
		u = &url.URL{Scheme: "https", Host: rawURL}
	}

	host := u.Hostname()
	port := u.Port()
	if port != "" && !isDefaultPort(u.Scheme, port) {
		host = net.JoinHostPort(host, port)
	}
	return strings.TrimSuffix(host, "/"), nil
}

func isDefaultPort(scheme, port string) bool {
	switch scheme {
	case "https", "wss":
		return port == "443"
	case "http", "ws":
		return port == "80"
	default:
		return false
	}
}
