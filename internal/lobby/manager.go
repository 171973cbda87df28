package lobby

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/DoyleJ11/gnomella-netplay/internal/protocol"
)

// DataKeySession is the lobby metadata key holding the encoded LobbyData.
const DataKeySession = "session"

// LobbyData is published on the host's lobby so joiners can see what they
// are joining before they connect.
type LobbyData struct {
	SessionID   protocol.SessionID `json:"session_id"`
	Transport   string             `json:"transport"`
	VirtualPort uint16             `json:"virtual_port,omitempty"`
	Players     int                `json:"players"`
	MaxPlayers  int                `json:"max_players"`
	Version     string             `json:"version"`
}

func DecodeLobbyData(raw string) (LobbyData, error) {
	var d LobbyData
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return LobbyData{}, fmt.Errorf("decode lobby data: %w", err)
	}
	return d, nil
}

type Manager struct {
	backend Backend
	app     protocol.AppID
	log     *zap.Logger
}

func NewManager(backend Backend, app protocol.AppID, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{backend: backend, app: app, log: log.Named("lobby")}
}

func (m *Manager) Self() protocol.FriendID { return m.backend.Self() }

func (m *Manager) AppID() protocol.AppID { return m.app }

// CreateLobby registers a lobby for this host and returns its nonzero id.
func (m *Manager) CreateLobby(ctx context.Context, visible bool, maxPlayers int) (protocol.LobbyID, error) {
	id, err := m.backend.CreateLobby(ctx, m.app, visible, maxPlayers)
	if err != nil {
		return 0, unavailable("create lobby", err)
	}
	if id == 0 {
		return 0, fmt.Errorf("%w: create lobby returned id 0", protocol.ErrLobbyServiceUnavailable)
	}
	m.log.Info("lobby created", zap.Stringer("lobby_id", id), zap.Bool("visible", visible), zap.Int("max_players", maxPlayers))
	return id, nil
}

// DestroyLobby is idempotent: id 0 and lobbies that are already gone are
// not errors.
func (m *Manager) DestroyLobby(ctx context.Context, id protocol.LobbyID) error {
	if id == 0 {
		return nil
	}
	err := m.backend.DeleteLobby(ctx, id)
	if errors.Is(err, ErrLobbyNotFound) {
		return nil
	}
	if err != nil {
		return unavailable("destroy lobby", err)
	}
	m.log.Info("lobby destroyed", zap.Stringer("lobby_id", id))
	return nil
}

func (m *Manager) SetVisibility(ctx context.Context, id protocol.LobbyID, visible bool) error {
	if err := m.backend.SetLobbyJoinable(ctx, id, visible); err != nil {
		return unavailable("set lobby visibility", err)
	}
	return nil
}

func (m *Manager) Publish(ctx context.Context, id protocol.LobbyID, data LobbyData) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode lobby data: %w", err)
	}
	if err := m.backend.SetLobbyData(ctx, id, DataKeySession, string(raw)); err != nil {
		return unavailable("publish lobby data", err)
	}
	return nil
}

func (m *Manager) Snapshot(ctx context.Context) (FriendSnapshot, error) {
	entries, err := m.backend.Friends(ctx)
	if err != nil {
		return FriendSnapshot{}, unavailable("list friends", err)
	}
	return NewFriendSnapshot(entries), nil
}

// ListJoinableFriends yields friends hosting an open lobby of app. The
// friend list is fetched when ranging starts, so every pass reads a fresh
// snapshot. A fetch failure is yielded once as the error.
func (m *Manager) ListJoinableFriends(ctx context.Context, app protocol.AppID) iter.Seq2[protocol.FriendEntry, error] {
	return func(yield func(protocol.FriendEntry, error) bool) {
		snap, err := m.Snapshot(ctx)
		if err != nil {
			yield(protocol.FriendEntry{}, err)
			return
		}
		for f := range snap.Joinable(app) {
			if !yield(f, nil) {
				return
			}
		}
	}
}

func (m *Manager) JoinRequests() <-chan JoinRequest { return m.backend.JoinRequests() }

func unavailable(op string, err error) error {
	if errors.Is(err, protocol.ErrLobbyServiceUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, protocol.ErrLobbyServiceUnavailable, err)
}
