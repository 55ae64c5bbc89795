// Package bridgeproto defines the wire protocol between a CLI process and
// a session's bridge daemon: newline-delimited UTF-8 JSON messages over a
// local socket or named pipe, plus the error taxonomy both sides share.
package bridgeproto

import "encoding/json"

// Message types. Modeled as a tagged union: Type selects which of the
// remaining fields are meaningful, and an unknown tag is an explicit
// error on the receiving side, never a fallback.
const (
	TypeRequest            = "request"
	TypeResponse           = "response"
	TypeNotification       = "notification"
	TypeShutdown           = "shutdown"
	TypeSetAuthCredentials = "set-auth-credentials"
)

// Message is one IPC frame.
type Message struct {
	Type string `json:"type"`

	// Request/response correlation.
	ID string `json:"id,omitempty"`

	// Request fields.
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response fields.
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`

	// Notification payload (server-initiated, bridge → CLI).
	Notification *Notification `json:"notification,omitempty"`

	// set-auth-credentials payload (CLI → bridge, exactly once).
	AuthCredentials *AuthCredentials `json:"authCredentials,omitempty"`
}

// Notification carries a server-initiated MCP notification verbatim.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// AuthCredentials is the secret-bearing payload delivered over IPC after
// spawn so that tokens and headers never appear in the bridge's argv or
// environment.
type AuthCredentials struct {
	ServerURL    string            `json:"serverUrl"`
	ProfileName  string            `json:"profileName"`
	RefreshToken string            `json:"refreshToken,omitempty"`
	ClientID     string            `json:"clientId,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
}

// Encode marshals a message into a single newline-terminated frame.
// Producers write the returned slice in one call so a frame is never
// interleaved with another writer's output.
func Encode(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Decode parses one frame (with or without its trailing newline).
func Decode(line []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
