// Package types holds the JSON shapes of the admin surface.
package types

import "time"

// Server -> admin client, one per server event on GET /events.
//
// Started:      session_id, transport, lobby_id
// Stopped:      reason
// Error:        error, error_kind, command
// LobbyUpdated: lobby_id, visible, players
type EventMessage struct {
	Type      string            `json:"type"`
	Seq       int               `json:"seq"`
	At        time.Time         `json:"at"`
	SessionID string            `json:"session_id,omitempty"`
	Transport *TransportMessage `json:"transport,omitempty"`
	LobbyID   uint64            `json:"lobby_id,omitempty"`
	Visible   *bool             `json:"visible,omitempty"`
	Players   *int              `json:"players,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Error     string            `json:"error,omitempty"`
	ErrorKind string            `json:"error_kind,omitempty"`
	Command   string            `json:"command,omitempty"`
}

type TransportMessage struct {
	Kind        string `json:"kind"`              // "udp" | "p2p"
	Addr        string `json:"addr,omitempty"`    // udp
	HostID      uint64 `json:"host_id,omitempty"` // p2p
	VirtualPort uint16 `json:"virtual_port,omitempty"`
	LobbyID     uint64 `json:"lobby_id,omitempty"`
}

// Admin client -> server on the same socket.
//
// StartServer:        transport?, bind?, max_players?, lobby_visible?
// StopServer:         {}
// SetLobbyVisibility: visible
type CommandMessage struct {
	Type         string `json:"type"`
	Transport    string `json:"transport,omitempty"`
	Bind         string `json:"bind,omitempty"`
	MaxPlayers   int    `json:"max_players,omitempty"`
	LobbyVisible *bool  `json:"lobby_visible,omitempty"`
	Visible      *bool  `json:"visible,omitempty"`
}

type ErrorMessage struct {
	Type  string `json:"type"` // always "Error"
	Error string `json:"error"`
}
