package types

import "time"

// GET /status
type StatusMessage struct {
	State      string            `json:"state"`
	SessionID  string            `json:"session_id,omitempty"`
	Since      *time.Time        `json:"since,omitempty"`
	Transport  *TransportMessage `json:"transport,omitempty"`
	Lobby      LobbyMessage      `json:"lobby"`
	MaxPlayers int               `json:"max_players,omitempty"`
}

type LobbyMessage struct {
	ID      uint64 `json:"id"`
	Visible bool   `json:"visible"`
	Players int    `json:"players"`
	AppID   uint32 `json:"app_id"`
}

// GET /friends
type FriendMessage struct {
	ID      uint64 `json:"id"`
	Name    string `json:"name"`
	AppID   uint32 `json:"app_id"`
	LobbyID uint64 `json:"lobby_id"`
}
