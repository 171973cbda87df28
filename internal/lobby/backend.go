// Package lobby manages the host's lobby on the presence service and reads
// the friend list to find friends hosting a joinable session.
package lobby

import (
	"context"
	"errors"

	"github.com/DoyleJ11/gnomella-netplay/internal/protocol"
)

var ErrUnreachable = errors.New("presence service unreachable")
var ErrLobbyNotFound = errors.New("lobby not found")

// JoinRequest is a friend invite accepted through the presence service's
// own UI (the "join game" button on a friend's profile).
type JoinRequest struct {
	FriendID protocol.FriendID
	LobbyID  protocol.LobbyID
}

// Backend is the external presence/lobby service.
type Backend interface {
	Self() protocol.FriendID
	CreateLobby(ctx context.Context, app protocol.AppID, joinable bool, maxPlayers int) (protocol.LobbyID, error)
	SetLobbyJoinable(ctx context.Context, id protocol.LobbyID, joinable bool) error
	SetLobbyData(ctx context.Context, id protocol.LobbyID, key, value string) error
	DeleteLobby(ctx context.Context, id protocol.LobbyID) error
	Friends(ctx context.Context) ([]protocol.FriendEntry, error)
	JoinRequests() <-chan JoinRequest
}
