package netsession

import (
	"context"
	"fmt"
	"sync"

	"github.com/DoyleJ11/gnomella-netplay/internal/protocol"
	"github.com/DoyleJ11/gnomella-netplay/internal/transport"
)

// Compile-time interface checks.
var (
	_ Network     = (*RelayNetwork)(nil)
	_ LobbyBinder = (*relayListener)(nil)
	_ Failer      = (*relayListener)(nil)
)

type relayKey struct {
	host protocol.FriendID
	port uint16
}

// RelayNetwork is an in-process peer-to-peer relay. Hosts listen under
// their presence identity and a virtual port; joiners present the connect
// token the transport selector minted.
type RelayNetwork struct {
	mu        sync.Mutex
	listeners map[relayKey]*relayListener
	nextPeer  int
}

func NewRelayNetwork() *RelayNetwork {
	return &RelayNetwork{listeners: make(map[relayKey]*relayListener)}
}

func (r *RelayNetwork) Listen(_ context.Context, h transport.Handle, session protocol.SessionID) (Listener, error) {
	if h.Kind != protocol.TransportPeerToPeer {
		return nil, fmt.Errorf("%w: relay cannot bind %q", protocol.ErrTransportUnavailable, h.Kind)
	}
	key := relayKey{host: h.HostID, port: h.VirtualPort}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.listeners[key]; taken {
		return nil, fmt.Errorf("%w: virtual port %d of host %d is in use", protocol.ErrTransportUnavailable, h.VirtualPort, h.HostID)
	}
	l := &relayListener{
		lifecycle:  newLifecycle(true),
		relay:      r,
		key:        key,
		session:    session,
		version:    h.Version,
		maxPlayers: h.MaxPlayers,
		lobby:      h.LobbyID,
		conns:      make(map[string]*relayConn),
	}
	r.listeners[key] = l
	return l, nil
}

func (r *RelayNetwork) Dial(ctx context.Context, h transport.Handle) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tok, err := transport.DecodeToken(h.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrTransportUnavailable, err)
	}

	r.mu.Lock()
	l, ok := r.listeners[relayKey{host: tok.HostID, port: tok.VirtualPort}]
	r.nextPeer++
	peer := fmt.Sprintf("relay-peer-%d", r.nextPeer)
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: host %d is not listening on virtual port %d", protocol.ErrTransportUnavailable, tok.HostID, tok.VirtualPort)
	}
	return l.admit(peer, tok)
}

// Listening reports whether a host is bound on a virtual port.
func (r *RelayNetwork) Listening(host protocol.FriendID, port uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.listeners[relayKey{host: host, port: port}]
	return ok
}

func (r *RelayNetwork) release(l *relayListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listeners[l.key] == l {
		delete(r.listeners, l.key)
	}
}

type relayListener struct {
	*lifecycle
	relay      *RelayNetwork
	key        relayKey
	session    protocol.SessionID
	version    string
	maxPlayers int

	mu    sync.Mutex
	lobby protocol.LobbyID
	conns map[string]*relayConn
}

func (l *relayListener) Info() protocol.TransportInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return protocol.TransportInfo{
		Kind:        protocol.TransportPeerToPeer,
		HostID:      l.key.host,
		VirtualPort: l.key.port,
		LobbyID:     l.lobby,
	}
}

func (l *relayListener) BindLobby(id protocol.LobbyID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lobby = id
}

func (l *relayListener) admit(peer string, tok transport.Token) (Conn, error) {
	if tok.Version != l.version {
		return nil, denied(DenyVersion)
	}
	l.mu.Lock()
	if l.isStopping() {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: host is shutting down", protocol.ErrTransportUnavailable)
	}
	if l.lobby != 0 && tok.LobbyID != l.lobby {
		l.mu.Unlock()
		return nil, denied(DenyLobby)
	}
	if l.maxPlayers > 0 && len(l.conns) >= l.maxPlayers {
		l.mu.Unlock()
		return nil, denied(DenyFull)
	}
	c := &relayConn{lifecycle: newLifecycle(false), listener: l, peer: peer, session: l.session}
	l.conns[peer] = c
	l.mu.Unlock()

	l.emit(PeerEvent{Kind: PeerJoined, Peer: peer})
	return c, nil
}

func (l *relayListener) leave(c *relayConn) {
	l.mu.Lock()
	_, known := l.conns[c.peer]
	delete(l.conns, c.peer)
	l.mu.Unlock()
	if known {
		l.emit(PeerEvent{Kind: PeerLeft, Peer: c.peer})
	}
}

// Fail stops the listener with a transport error, the way a relay
// connection loss would.
func (l *relayListener) Fail(err error) {
	l.shutdown(fmt.Errorf("%w: %v", protocol.ErrTransportUnavailable, err))
}

func (l *relayListener) Close() error {
	l.shutdown(nil)
	return nil
}

func (l *relayListener) shutdown(cause error) {
	if !l.stop() {
		<-l.done
		return
	}
	l.relay.release(l)
	l.mu.Lock()
	conns := make([]*relayConn, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	clear(l.conns)
	l.mu.Unlock()
	for _, c := range conns {
		c.finish(ErrServerClosed)
	}
	l.finish(cause)
}

type relayConn struct {
	*lifecycle
	listener *relayListener
	peer     string
	session  protocol.SessionID
}

func (c *relayConn) SessionID() protocol.SessionID { return c.session }

func (c *relayConn) Close() error {
	if !c.stop() {
		return nil
	}
	c.listener.leave(c)
	c.finish(nil)
	return nil
}
