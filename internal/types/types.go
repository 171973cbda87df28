// Package types converts between internal values and the admin surface's
// wire shapes in pkg/types.
package types

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/DoyleJ11/gnomella-netplay/internal/hub"
	"github.com/DoyleJ11/gnomella-netplay/internal/protocol"
	"github.com/DoyleJ11/gnomella-netplay/internal/server"
	wire "github.com/DoyleJ11/gnomella-netplay/pkg/types"
)

var ErrUnknownCommand = errors.New("unknown command type")

func Event(env hub.Envelope) wire.EventMessage {
	msg := wire.EventMessage{
		Type: protocol.EventName(env.Event),
		Seq:  env.Seq,
		At:   env.At.UTC(),
	}
	switch ev := env.Event.(type) {
	case protocol.Started:
		msg.SessionID = ev.SessionID.String()
		msg.Transport = Transport(ev.Transport)
		msg.LobbyID = uint64(ev.LobbyID)
	case protocol.Stopped:
		msg.Reason = ev.Reason
	case protocol.Error:
		if ev.Cause != nil {
			msg.Error = ev.Cause.Error()
		}
		msg.ErrorKind = string(ev.Kind())
		msg.Command = ev.Command
	case protocol.LobbyUpdated:
		msg.LobbyID = uint64(ev.LobbyID)
		msg.Visible = &ev.Visible
		msg.Players = &ev.Players
	}
	return msg
}

func Transport(info protocol.TransportInfo) *wire.TransportMessage {
	if info.Kind == "" {
		return nil
	}
	t := &wire.TransportMessage{Kind: string(info.Kind)}
	switch info.Kind {
	case protocol.TransportUDP:
		t.Addr = info.Addr.String()
	case protocol.TransportPeerToPeer:
		t.HostID = uint64(info.HostID)
		t.VirtualPort = info.VirtualPort
		t.LobbyID = uint64(info.LobbyID)
	}
	return t
}

func Status(st server.Status) wire.StatusMessage {
	msg := wire.StatusMessage{
		State:     string(st.State),
		SessionID: st.SessionID.String(),
		Transport: Transport(st.Transport),
		Lobby: wire.LobbyMessage{
			ID:      uint64(st.Lobby.ID),
			Visible: st.Lobby.Visible,
			Players: st.Lobby.Players,
			AppID:   uint32(st.Lobby.AppID),
		},
		MaxPlayers: st.Config.MaxPlayers,
	}
	if !st.Since.IsZero() {
		since := st.Since.UTC()
		msg.Since = &since
	}
	return msg
}

func Friend(f protocol.FriendEntry) wire.FriendMessage {
	return wire.FriendMessage{
		ID:      uint64(f.ID),
		Name:    f.Name,
		AppID:   uint32(f.AppID),
		LobbyID: uint64(f.LobbyID),
	}
}

// Command turns an admin message into a client command. StartServer fields
// left out fall back to base.
func Command(m wire.CommandMessage, base protocol.ServerConfig) (protocol.ClientCommand, error) {
	switch m.Type {
	case "StartServer":
		cfg := base
		if m.Transport != "" {
			kind, err := protocol.ParseTransportKind(m.Transport)
			if err != nil {
				return nil, err
			}
			cfg.Transport = kind
		}
		if m.Bind != "" {
			bind, err := netip.ParseAddrPort(m.Bind)
			if err != nil {
				return nil, fmt.Errorf("bind: %w", err)
			}
			cfg.Bind = bind
		}
		if m.MaxPlayers != 0 {
			cfg.MaxPlayers = m.MaxPlayers
		}
		if m.LobbyVisible != nil {
			cfg.LobbyVisible = *m.LobbyVisible
		}
		return protocol.StartServer{Config: cfg}, nil
	case "StopServer":
		return protocol.StopServer{}, nil
	case "SetLobbyVisibility":
		if m.Visible == nil {
			return nil, errors.New("SetLobbyVisibility needs visible")
		}
		return protocol.SetLobbyVisibility{Visible: *m.Visible}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, m.Type)
	}
}
