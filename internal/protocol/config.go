package protocol

import (
	"fmt"
	"net/netip"
)

type TransportKind string

const (
	TransportUDP        TransportKind = "udp"
	TransportPeerToPeer TransportKind = "p2p"
)

func ParseTransportKind(s string) (TransportKind, error) {
	switch TransportKind(s) {
	case TransportUDP:
		return TransportUDP, nil
	case TransportPeerToPeer, "peer-to-peer", "steam":
		return TransportPeerToPeer, nil
	default:
		return "", fmt.Errorf("unknown transport %q", s)
	}
}

const (
	DefaultServerPort  uint16 = 5000
	DefaultVirtualPort uint16 = 5002
	DefaultMaxPlayers         = 10
)

// ServerConfig describes one server instance. The supervisor copies it on
// start; changing it requires stop-then-start.
type ServerConfig struct {
	Transport TransportKind

	// UDP
	Bind netip.AddrPort

	// PeerToPeer: the relay identity this host listens under.
	HostID      FriendID
	VirtualPort uint16

	MaxPlayers    int
	LobbyVisible  bool
	LobbyRequired bool // fail the start when the lobby cannot be created
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Transport:     TransportUDP,
		Bind:          netip.AddrPortFrom(netip.IPv4Unspecified(), DefaultServerPort),
		VirtualPort:   DefaultVirtualPort,
		MaxPlayers:    DefaultMaxPlayers,
		LobbyVisible:  true,
		LobbyRequired: true,
	}
}

func (c ServerConfig) Validate() error {
	if c.MaxPlayers < 1 {
		return fmt.Errorf("max players must be positive, got %d", c.MaxPlayers)
	}
	switch c.Transport {
	case TransportUDP:
		if !c.Bind.IsValid() {
			return fmt.Errorf("udp bind address %q is invalid", c.Bind)
		}
	case TransportPeerToPeer:
		if c.HostID == 0 {
			return fmt.Errorf("p2p transport needs a host id")
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	return nil
}

// TransportInfo is what a joiner needs to reach a running server.
type TransportInfo struct {
	Kind        TransportKind
	Addr        netip.AddrPort // UDP
	HostID      FriendID       // P2P
	VirtualPort uint16         // P2P
	LobbyID     LobbyID        // P2P
}

func (t TransportInfo) String() string {
	if t.Kind == TransportPeerToPeer {
		return fmt.Sprintf("p2p(%d:%d lobby=%d)", t.HostID, t.VirtualPort, t.LobbyID)
	}
	return fmt.Sprintf("udp(%s)", t.Addr)
}
