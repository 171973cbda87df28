// Package netsession is the boundary to the networking layer that carries
// session traffic. The orchestration code only needs to bind a resolved
// transport, learn about peers joining and leaving, and dial a server.
//
// UDPNetwork speaks a small JSON handshake over a real UDP socket.
// RelayNetwork is an in-process stand-in for a peer-to-peer relay service.
// Router picks between them by transport kind.
package netsession

import (
	"context"
	"errors"
	"fmt"

	"github.com/DoyleJ11/gnomella-netplay/internal/protocol"
	"github.com/DoyleJ11/gnomella-netplay/internal/transport"
)

var ErrServerClosed = errors.New("server closed the session")
var ErrDenied = errors.New("connection denied")

const (
	DenyFull    = "full"
	DenyVersion = "version"
	DenyLobby   = "lobby"
)

type PeerEventKind int

const (
	PeerJoined PeerEventKind = iota
	PeerLeft
)

func (k PeerEventKind) String() string {
	if k == PeerJoined {
		return "joined"
	}
	return "left"
}

type PeerEvent struct {
	Kind PeerEventKind
	Peer string
}

// Listener is a bound server transport.
type Listener interface {
	Info() protocol.TransportInfo
	Events() <-chan PeerEvent
	// Done is closed when the listener stops, either through Close or a
	// fatal transport error reported by Err.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// LobbyBinder is implemented by listeners that admit joiners by lobby.
type LobbyBinder interface {
	BindLobby(protocol.LobbyID)
}

// Failer is implemented by listeners that can be failed from outside, the
// way a lost relay connection fails them.
type Failer interface {
	Fail(err error)
}

// Conn is an established client session.
type Conn interface {
	SessionID() protocol.SessionID
	Done() <-chan struct{}
	Err() error
	Close() error
}

type Network interface {
	Listen(ctx context.Context, h transport.Handle, session protocol.SessionID) (Listener, error)
	Dial(ctx context.Context, h transport.Handle) (Conn, error)
}

// Router dispatches to a Network per transport kind.
type Router struct {
	UDP Network
	P2P Network
}

func (r Router) pick(kind protocol.TransportKind) (Network, error) {
	var n Network
	switch kind {
	case protocol.TransportUDP:
		n = r.UDP
	case protocol.TransportPeerToPeer:
		n = r.P2P
	}
	if n == nil {
		return nil, fmt.Errorf("%w: no network for %q", protocol.ErrTransportUnavailable, kind)
	}
	return n, nil
}

func (r Router) Listen(ctx context.Context, h transport.Handle, session protocol.SessionID) (Listener, error) {
	n, err := r.pick(h.Kind)
	if err != nil {
		return nil, err
	}
	return n.Listen(ctx, h, session)
}

func (r Router) Dial(ctx context.Context, h transport.Handle) (Conn, error) {
	n, err := r.pick(h.Kind)
	if err != nil {
		return nil, err
	}
	return n.Dial(ctx, h)
}

func denied(reason string) error {
	return fmt.Errorf("%w: %w (%s)", protocol.ErrTransportUnavailable, ErrDenied, reason)
}
