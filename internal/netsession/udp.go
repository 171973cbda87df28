package netsession

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/DoyleJ11/gnomella-netplay/internal/protocol"
	"github.com/DoyleJ11/gnomella-netplay/internal/transport"
)

const helloRetry = 250 * time.Millisecond

const (
	DefaultKeepAlive   = time.Second
	DefaultIdleTimeout = 10 * time.Second
)

// UDPNetwork binds and dials real UDP sockets. Both sides ping every
// KeepAlive; a peer or server silent for IdleTimeout is dropped.
type UDPNetwork struct {
	Log         *zap.Logger
	Clock       clock.Clock
	KeepAlive   time.Duration
	IdleTimeout time.Duration
}

func (n UDPNetwork) logger() *zap.Logger {
	if n.Log == nil {
		return zap.NewNop()
	}
	return n.Log
}

func (n UDPNetwork) liveness() (clock.Clock, time.Duration, time.Duration) {
	clk, every, idle := n.Clock, n.KeepAlive, n.IdleTimeout
	if clk == nil {
		clk = clock.New()
	}
	if every <= 0 {
		every = DefaultKeepAlive
	}
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return clk, every, idle
}

func (n UDPNetwork) Listen(_ context.Context, h transport.Handle, session protocol.SessionID) (Listener, error) {
	if h.Kind != protocol.TransportUDP {
		return nil, fmt.Errorf("%w: udp network cannot bind %q", protocol.ErrTransportUnavailable, h.Kind)
	}
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(h.Bind))
	if err != nil {
		return nil, fmt.Errorf("%w: bind %s: %v", protocol.ErrTransportUnavailable, h.Bind, err)
	}
	clk, every, idle := n.liveness()
	l := &udpListener{
		lifecycle:   newLifecycle(true),
		conn:        conn,
		session:     session,
		version:     h.Version,
		maxPlayers:  h.MaxPlayers,
		clock:       clk,
		idleTimeout: idle,
		peers:       make(map[netip.AddrPort]time.Time),
		log:         n.logger().With(zap.String("session_id", session.String())),
	}
	bound := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	l.info = protocol.TransportInfo{
		Kind: protocol.TransportUDP,
		Addr: netip.AddrPortFrom(bound.Addr().Unmap(), bound.Port()),
	}
	go l.serve()
	go l.expire(clk.Ticker(every))
	return l, nil
}

type udpListener struct {
	*lifecycle
	conn       *net.UDPConn
	session    protocol.SessionID
	version    string
	maxPlayers int
	info       protocol.TransportInfo
	log        *zap.Logger

	clock       clock.Clock
	idleTimeout time.Duration

	mu    sync.Mutex
	peers map[netip.AddrPort]time.Time // last heard from
}

func (l *udpListener) Info() protocol.TransportInfo { return l.info }

func (l *udpListener) serve() {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := l.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if l.isStopping() || errors.Is(err, net.ErrClosed) {
				l.finish(nil)
			} else {
				l.log.Error("udp listener failed", zap.Error(err))
				l.conn.Close()
				l.finish(fmt.Errorf("%w: %v", protocol.ErrTransportUnavailable, err))
			}
			return
		}
		msg, ok := decode(buf[:n])
		if !ok {
			continue
		}
		l.handle(from, msg)
	}
}

func (l *udpListener) handle(from netip.AddrPort, msg datagram) {
	switch msg.Type {
	case msgHello:
		if msg.Version != l.version {
			l.send(from, datagram{Type: msgDenied, Reason: DenyVersion})
			return
		}
		l.mu.Lock()
		_, known := l.peers[from]
		full := !known && l.maxPlayers > 0 && len(l.peers) >= l.maxPlayers
		if !full {
			l.peers[from] = l.clock.Now()
		}
		l.mu.Unlock()

		if full {
			l.send(from, datagram{Type: msgDenied, Reason: DenyFull})
			return
		}
		l.send(from, datagram{Type: msgWelcome, Session: l.session})
		if !known {
			l.emit(PeerEvent{Kind: PeerJoined, Peer: from.String()})
		}

	case msgPing:
		l.mu.Lock()
		_, known := l.peers[from]
		if known {
			l.peers[from] = l.clock.Now()
		}
		l.mu.Unlock()
		if known {
			l.send(from, datagram{Type: msgPong})
		}

	case msgBye:
		l.mu.Lock()
		_, known := l.peers[from]
		delete(l.peers, from)
		l.mu.Unlock()
		if known {
			l.emit(PeerEvent{Kind: PeerLeft, Peer: from.String()})
		}
	}
}

// expire drops peers that have gone silent, as if they had said bye.
func (l *udpListener) expire(ticker *clock.Ticker) {
	defer ticker.Stop()
	for {
		select {
		case <-l.stopping:
			return
		case <-ticker.C:
		}
		cutoff := l.clock.Now().Add(-l.idleTimeout)
		var gone []netip.AddrPort
		l.mu.Lock()
		for p, seen := range l.peers {
			if seen.Before(cutoff) {
				delete(l.peers, p)
				gone = append(gone, p)
			}
		}
		l.mu.Unlock()
		for _, p := range gone {
			l.log.Info("udp peer timed out", zap.Stringer("peer", p))
			l.emit(PeerEvent{Kind: PeerLeft, Peer: p.String()})
		}
	}
}

func (l *udpListener) send(to netip.AddrPort, msg datagram) {
	if _, err := l.conn.WriteToUDPAddrPort(encode(msg), to); err != nil {
		l.log.Debug("udp send failed", zap.Stringer("peer", to), zap.Error(err))
	}
}

// Close says goodbye to every peer, then releases the socket.
func (l *udpListener) Close() error {
	if !l.stop() {
		<-l.done
		return nil
	}
	l.mu.Lock()
	peers := make([]netip.AddrPort, 0, len(l.peers))
	for p := range l.peers {
		peers = append(peers, p)
	}
	clear(l.peers)
	l.mu.Unlock()

	for _, p := range peers {
		l.send(p, datagram{Type: msgGoodbye, Session: l.session})
	}
	err := l.conn.Close()
	<-l.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (n UDPNetwork) Dial(ctx context.Context, h transport.Handle) (Conn, error) {
	if h.Kind != protocol.TransportUDP {
		return nil, fmt.Errorf("%w: udp network cannot dial %q", protocol.ErrTransportUnavailable, h.Kind)
	}
	sock, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(h.Remote))
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", protocol.ErrTransportUnavailable, h.Remote, err)
	}

	// Unblock the handshake read as soon as ctx ends.
	stopWake := context.AfterFunc(ctx, func() { sock.SetReadDeadline(time.Now()) })
	session, err := handshake(ctx, sock, h.Version)
	stopWake()
	if err != nil {
		sock.Close()
		return nil, err
	}
	sock.SetReadDeadline(time.Time{})

	clk, every, idle := n.liveness()
	c := &udpConn{
		lifecycle:   newLifecycle(false),
		sock:        sock,
		session:     session,
		clock:       clk,
		idleTimeout: idle,
		lastHeard:   clk.Now(),
	}
	go c.read()
	go c.keepAlive(clk.Ticker(every))
	return c, nil
}

func handshake(ctx context.Context, sock *net.UDPConn, version string) (protocol.SessionID, error) {
	hello := encode(datagram{Type: msgHello, Version: version})
	buf := make([]byte, maxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if _, err := sock.Write(hello); err != nil && !isRefused(err) {
			return "", fmt.Errorf("%w: %v", protocol.ErrTransportUnavailable, err)
		}
		sock.SetReadDeadline(time.Now().Add(helloRetry))
		session, retry, err := awaitWelcome(ctx, sock, buf)
		if err != nil {
			return "", err
		}
		if !retry {
			return session, nil
		}
	}
}

// awaitWelcome reads until the handshake answer or the read deadline. A
// refused or silent server is retried: it may still be binding.
func awaitWelcome(ctx context.Context, sock *net.UDPConn, buf []byte) (protocol.SessionID, bool, error) {
	for {
		n, err := sock.Read(buf)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", false, ctxErr
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return "", true, nil
			}
			if isRefused(err) {
				select {
				case <-ctx.Done():
					return "", false, ctx.Err()
				case <-time.After(helloRetry):
				}
				return "", true, nil
			}
			return "", false, fmt.Errorf("%w: %v", protocol.ErrTransportUnavailable, err)
		}
		msg, ok := decode(buf[:n])
		if !ok {
			continue
		}
		switch msg.Type {
		case msgWelcome:
			return msg.Session, false, nil
		case msgDenied:
			return "", false, denied(msg.Reason)
		}
	}
}

func isRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

type udpConn struct {
	*lifecycle
	sock    *net.UDPConn
	session protocol.SessionID

	clock       clock.Clock
	idleTimeout time.Duration

	mu        sync.Mutex
	lastHeard time.Time
}

func (c *udpConn) SessionID() protocol.SessionID { return c.session }

func (c *udpConn) read() {
	buf := make([]byte, maxDatagram)
	for {
		n, err := c.sock.Read(buf)
		if err != nil {
			if c.isStopping() || errors.Is(err, net.ErrClosed) {
				c.finish(nil)
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				c.sock.SetReadDeadline(time.Time{})
				continue
			}
			if isRefused(err) {
				continue
			}
			c.sock.Close()
			c.finish(fmt.Errorf("%w: %v", protocol.ErrTransportUnavailable, err))
			return
		}
		msg, ok := decode(buf[:n])
		if !ok {
			continue
		}
		c.mu.Lock()
		c.lastHeard = c.clock.Now()
		c.mu.Unlock()
		if msg.Type == msgGoodbye {
			c.stop()
			c.sock.Close()
			c.finish(ErrServerClosed)
			return
		}
	}
}

// keepAlive pings the server and ends the conn with protocol.ErrTimeout
// once the server has been silent for idleTimeout.
func (c *udpConn) keepAlive(ticker *clock.Ticker) {
	defer ticker.Stop()
	ping := encode(datagram{Type: msgPing})
	for {
		select {
		case <-c.stopping:
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		silent := c.clock.Since(c.lastHeard)
		c.mu.Unlock()
		if silent > c.idleTimeout {
			c.finish(fmt.Errorf("%w: server silent for %v", protocol.ErrTimeout, silent))
			c.sock.Close()
			return
		}
		c.sock.Write(ping)
	}
}

func (c *udpConn) Close() error {
	if !c.stop() {
		<-c.done
		return nil
	}
	c.sock.Write(encode(datagram{Type: msgBye}))
	err := c.sock.Close()
	<-c.done
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
