// Package transport resolves join targets and server configs into the
// concrete parameters the networking layer needs.
//
// A Selector holds only immutable settings. Every method is a pure
// function of its arguments, so either role may call it.
package transport

import (
	"fmt"
	"net/netip"
	"slices"

	"github.com/pion/webrtc/v4"

	"github.com/DoyleJ11/gnomella-netplay/internal/protocol"
)

const DefaultVersion = "0.0.1"

// Handle is a resolved transport, ready to hand to the networking layer.
type Handle struct {
	Kind protocol.TransportKind

	Bind   netip.AddrPort // server side, UDP
	Remote netip.AddrPort // client side, UDP

	HostID      protocol.FriendID
	LobbyID     protocol.LobbyID
	VirtualPort uint16
	Token       string
	ICEServers  []webrtc.ICEServer

	MaxPlayers int
	Version    string
}

type Settings struct {
	AppID       protocol.AppID
	Version     string
	VirtualPort uint16
	ICEServers  []webrtc.ICEServer
}

type Selector struct {
	settings Settings
}

func NewSelector(s Settings) Selector {
	if s.AppID == 0 {
		s.AppID = protocol.DefaultAppID
	}
	if s.Version == "" {
		s.Version = DefaultVersion
	}
	if s.VirtualPort == 0 {
		s.VirtualPort = protocol.DefaultVirtualPort
	}
	s.ICEServers = slices.Clone(s.ICEServers)
	return Selector{settings: s}
}

func (s Selector) AppID() protocol.AppID { return s.settings.AppID }

func (s Selector) Version() string { return s.settings.Version }

// FriendLookup answers a friend's presence row from a snapshot.
type FriendLookup func(protocol.FriendID) (protocol.FriendEntry, bool)

// ForServer resolves the transport a server binds. The lobby id of a P2P
// handle is unknown until the lobby exists; callers fill it in.
func (s Selector) ForServer(cfg protocol.ServerConfig) (Handle, error) {
	if err := cfg.Validate(); err != nil {
		return Handle{}, fmt.Errorf("%w: %v", protocol.ErrTransportUnavailable, err)
	}
	h := Handle{
		Kind:       cfg.Transport,
		MaxPlayers: cfg.MaxPlayers,
		Version:    s.settings.Version,
	}
	switch cfg.Transport {
	case protocol.TransportUDP:
		h.Bind = cfg.Bind
	case protocol.TransportPeerToPeer:
		h.HostID = cfg.HostID
		h.VirtualPort = cfg.VirtualPort
		if h.VirtualPort == 0 {
			h.VirtualPort = s.settings.VirtualPort
		}
		h.ICEServers = slices.Clone(s.settings.ICEServers)
	}
	return h, nil
}

// ForLocal resolves the transport of this process's own running server.
func (s Selector) ForLocal(info protocol.TransportInfo) (Handle, error) {
	switch info.Kind {
	case protocol.TransportUDP:
		if !info.Addr.IsValid() || info.Addr.Port() == 0 {
			return Handle{}, fmt.Errorf("%w: local server has no bound address", protocol.ErrTransportUnavailable)
		}
		addr := info.Addr.Addr()
		if addr.IsUnspecified() {
			if addr.Is6() && !addr.Is4In6() {
				addr = netip.IPv6Loopback()
			} else {
				addr = netip.AddrFrom4([4]byte{127, 0, 0, 1})
			}
		}
		return s.udpJoin(netip.AddrPortFrom(addr, info.Addr.Port())), nil
	case protocol.TransportPeerToPeer:
		return s.peerJoin(info.HostID, info.LobbyID, info.VirtualPort)
	default:
		return Handle{}, fmt.Errorf("%w: unknown local transport %q", protocol.ErrTransportUnavailable, info.Kind)
	}
}

// ForJoin resolves a remote join target. Local targets go through ForLocal.
func (s Selector) ForJoin(desc protocol.SessionDescriptor, friends FriendLookup) (Handle, error) {
	switch d := desc.(type) {
	case protocol.DirectAddress:
		addr, err := parseHost(d.Host)
		if err != nil {
			return Handle{}, err
		}
		if d.Port == 0 {
			return Handle{}, fmt.Errorf("%w: port 0 for %s", protocol.ErrTransportUnavailable, d.Host)
		}
		return s.udpJoin(netip.AddrPortFrom(addr, d.Port)), nil

	case protocol.FriendLobby:
		if d.LobbyID == 0 {
			return Handle{}, fmt.Errorf("%w: friend %d has no lobby", protocol.ErrTransportUnavailable, d.FriendID)
		}
		if friends == nil {
			return Handle{}, fmt.Errorf("%w: no presence snapshot", protocol.ErrTransportUnavailable)
		}
		f, ok := friends(d.FriendID)
		if !ok {
			return Handle{}, fmt.Errorf("%w: friend %d not found", protocol.ErrTransportUnavailable, d.FriendID)
		}
		if f.AppID != s.settings.AppID {
			return Handle{}, fmt.Errorf("%w: friend %d is playing app %d", protocol.ErrTransportUnavailable, d.FriendID, f.AppID)
		}
		if f.LobbyID != d.LobbyID {
			return Handle{}, fmt.Errorf("%w: friend %d is in lobby %d, not %d", protocol.ErrTransportUnavailable, d.FriendID, f.LobbyID, d.LobbyID)
		}
		return s.peerJoin(d.FriendID, d.LobbyID, s.settings.VirtualPort)

	case protocol.Local:
		return Handle{}, fmt.Errorf("%w: local target needs the running server's transport", protocol.ErrTransportUnavailable)

	default:
		return Handle{}, fmt.Errorf("%w: unsupported target %T", protocol.ErrTransportUnavailable, desc)
	}
}

func (s Selector) udpJoin(remote netip.AddrPort) Handle {
	return Handle{
		Kind:    protocol.TransportUDP,
		Remote:  remote,
		Version: s.settings.Version,
	}
}

func (s Selector) peerJoin(host protocol.FriendID, lobby protocol.LobbyID, port uint16) (Handle, error) {
	if host == 0 {
		return Handle{}, fmt.Errorf("%w: missing relay host", protocol.ErrTransportUnavailable)
	}
	if port == 0 {
		port = s.settings.VirtualPort
	}
	token, err := EncodeToken(Token{
		Version:     s.settings.Version,
		AppID:       s.settings.AppID,
		HostID:      host,
		LobbyID:     lobby,
		VirtualPort: port,
	})
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %v", protocol.ErrTransportUnavailable, err)
	}
	return Handle{
		Kind:        protocol.TransportPeerToPeer,
		HostID:      host,
		LobbyID:     lobby,
		VirtualPort: port,
		Token:       token,
		ICEServers:  slices.Clone(s.settings.ICEServers),
		Version:     s.settings.Version,
	}, nil
}

func parseHost(host string) (netip.Addr, error) {
	if host == "localhost" {
		return netip.AddrFrom4([4]byte{127, 0, 0, 1}), nil
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %q is not an IP address", protocol.ErrTransportUnavailable, host)
	}
	return addr.Unmap(), nil
}
