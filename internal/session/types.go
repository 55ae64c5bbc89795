// Package session holds the durable session registry: the persisted
// record types and the file-locked store mapping session names to them.
package session

import "time"

// Status is a session's lifecycle state.
type Status string

const (
	StatusActive     Status = "active"
	StatusDeadBridge Status = "dead-bridge"
	StatusExpired    Status = "expired"
)

// Transport identifies which MCP transport a session's server uses.
type Transport string

const (
	TransportHTTP  Transport = "http"
	TransportStdio Transport = "stdio"
)

// ServerDescriptor is the union of the two shapes a session's `server`
// field may take: exactly one of HTTP or Stdio is populated.
type ServerDescriptor struct {
	HTTP  *HTTPServer  `json:"http,omitempty"`
	Stdio *StdioServer `json:"stdio,omitempty"`
}

// HTTPServer targets a Streamable HTTP MCP server.
type HTTPServer struct {
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`
}

// StdioServer launches a subprocess MCP server over stdio.
type StdioServer struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Transport derives the transport kind from which server shape is set.
func (d ServerDescriptor) Transport() Transport {
	if d.HTTP != nil {
		return TransportHTTP
	}
	return TransportStdio
}

// Sanitized returns a copy with HTTP headers removed, safe to serialize
// into a bridge child's argv. Headers travel over IPC after spawn instead.
// Stdio env and URL query strings are part of the server's identity and
// pass through; callers must not embed credentials there.
func (d ServerDescriptor) Sanitized() ServerDescriptor {
	out := d
	if d.HTTP != nil {
		h := *d.HTTP
		h.Headers = nil
		out.HTTP = &h
	}
	return out
}

// Record is the persisted state of one named session.
type Record struct {
	Name            string           `json:"name"`
	Server          ServerDescriptor `json:"server"`
	PID             int              `json:"pid,omitempty"`
	SocketPath      string           `json:"socketPath"`
	ProfileName     string           `json:"profileName,omitempty"`
	HeaderCount     int              `json:"headerCount"`
	CreatedAt       time.Time        `json:"createdAt"`
	LastSeenAt      time.Time        `json:"lastSeenAt"`
	Status          Status           `json:"status"`
	ProtocolVersion string           `json:"protocolVersion,omitempty"`
}

// Transport is a convenience accessor deriving the transport from Server.
func (r Record) Transport() Transport {
	return r.Server.Transport()
}

// ConsolidateCounts reports what a consolidation pass reconciled.
type ConsolidateCounts struct {
	DeadBridges     int `json:"deadBridges"`
	ExpiredSessions int `json:"expiredSessions"`
	StaleSockets    int `json:"staleSockets"`
}
