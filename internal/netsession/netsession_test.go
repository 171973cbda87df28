package netsession

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/gnomella-netplay/internal/protocol"
	"github.com/DoyleJ11/gnomella-netplay/internal/transport"
)

func recvPeer(t *testing.T, ch <-chan PeerEvent, within time.Duration) PeerEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(within):
		t.Fatalf("timed out waiting for peer event")
		return PeerEvent{}
	}
}

func waitDone(t *testing.T, done <-chan struct{}, within time.Duration) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(within):
		t.Fatalf("timed out waiting for close")
	}
}

func udpServerHandle(maxPlayers int) transport.Handle {
	return transport.Handle{
		Kind:       protocol.TransportUDP,
		Bind:       netip.MustParseAddrPort("127.0.0.1:0"),
		MaxPlayers: maxPlayers,
		Version:    transport.DefaultVersion,
	}
}

func udpClientHandle(l Listener, version string) transport.Handle {
	return transport.Handle{
		Kind:    protocol.TransportUDP,
		Remote:  l.Info().Addr,
		Version: version,
	}
}

func TestUDP_HandshakeWelcomesPeer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var n UDPNetwork
	l, err := n.Listen(ctx, udpServerHandle(4), "S1")
	require.NoError(t, err)
	defer l.Close()
	require.NotZero(t, l.Info().Addr.Port())

	c, err := n.Dial(ctx, udpClientHandle(l, transport.DefaultVersion))
	require.NoError(t, err)
	assert.Equal(t, protocol.SessionID("S1"), c.SessionID())

	ev := recvPeer(t, l.Events(), time.Second)
	assert.Equal(t, PeerJoined, ev.Kind)

	require.NoError(t, c.Close())
	ev = recvPeer(t, l.Events(), time.Second)
	assert.Equal(t, PeerLeft, ev.Kind)
}

func TestUDP_DeniedWhenFull(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var n UDPNetwork
	l, err := n.Listen(ctx, udpServerHandle(1), "S1")
	require.NoError(t, err)
	defer l.Close()

	first, err := n.Dial(ctx, udpClientHandle(l, transport.DefaultVersion))
	require.NoError(t, err)
	defer first.Close()

	_, err = n.Dial(ctx, udpClientHandle(l, transport.DefaultVersion))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDenied)
	assert.ErrorIs(t, err, protocol.ErrTransportUnavailable)
	assert.Contains(t, err.Error(), DenyFull)
}

func TestUDP_DeniedOnVersionMismatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var n UDPNetwork
	l, err := n.Listen(ctx, udpServerHandle(4), "S1")
	require.NoError(t, err)
	defer l.Close()

	_, err = n.Dial(ctx, udpClientHandle(l, "9.9.9"))
	assert.ErrorIs(t, err, ErrDenied)
	assert.Contains(t, err.Error(), DenyVersion)
}

func TestUDP_CloseSendsGoodbye(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var n UDPNetwork
	l, err := n.Listen(ctx, udpServerHandle(4), "S1")
	require.NoError(t, err)

	c, err := n.Dial(ctx, udpClientHandle(l, transport.DefaultVersion))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, l.Close())
	waitDone(t, l.Done(), time.Second)
	assert.NoError(t, l.Err())

	waitDone(t, c.Done(), 2*time.Second)
	assert.ErrorIs(t, c.Err(), ErrServerClosed)
}

func TestUDP_DialCanceled(t *testing.T) {
	// Nothing listens on the port, so the handshake keeps retrying.
	var n UDPNetwork
	l, err := n.Listen(context.Background(), udpServerHandle(1), "S1")
	require.NoError(t, err)
	h := udpClientHandle(l, transport.DefaultVersion)
	require.NoError(t, l.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err = n.Dial(ctx, h)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func relayHandles(t *testing.T, host protocol.FriendID, lobby protocol.LobbyID, maxPlayers int) (transport.Handle, transport.Handle) {
	t.Helper()
	sel := transport.NewSelector(transport.Settings{})
	server, err := sel.ForServer(protocol.ServerConfig{
		Transport:  protocol.TransportPeerToPeer,
		HostID:     host,
		MaxPlayers: maxPlayers,
	})
	require.NoError(t, err)
	server.LobbyID = lobby
	join, err := sel.ForLocal(protocol.TransportInfo{
		Kind:        protocol.TransportPeerToPeer,
		HostID:      host,
		VirtualPort: server.VirtualPort,
		LobbyID:     lobby,
	})
	require.NoError(t, err)
	return server, join
}

func TestRelay_JoinAndLeave(t *testing.T) {
	ctx := context.Background()
	r := NewRelayNetwork()
	server, join := relayHandles(t, 7, 0, 2)

	l, err := r.Listen(ctx, server, "S1")
	require.NoError(t, err)
	defer l.Close()
	assert.True(t, r.Listening(7, server.VirtualPort))

	c, err := r.Dial(ctx, join)
	require.NoError(t, err)
	assert.Equal(t, protocol.SessionID("S1"), c.SessionID())
	assert.Equal(t, PeerJoined, recvPeer(t, l.Events(), time.Second).Kind)

	require.NoError(t, c.Close())
	assert.Equal(t, PeerLeft, recvPeer(t, l.Events(), time.Second).Kind)
	waitDone(t, c.Done(), time.Second)
	assert.NoError(t, c.Err())
}

func TestRelay_LobbyMismatchDenied(t *testing.T) {
	ctx := context.Background()
	r := NewRelayNetwork()
	server, _ := relayHandles(t, 7, 0, 2)
	_, join := relayHandles(t, 7, 55, 2)

	l, err := r.Listen(ctx, server, "S1")
	require.NoError(t, err)
	defer l.Close()
	l.(LobbyBinder).BindLobby(54)
	assert.Equal(t, protocol.LobbyID(54), l.Info().LobbyID)

	_, err = r.Dial(ctx, join)
	assert.ErrorIs(t, err, ErrDenied)
	assert.Contains(t, err.Error(), DenyLobby)
}

func TestRelay_FullAndPortInUse(t *testing.T) {
	ctx := context.Background()
	r := NewRelayNetwork()
	server, join := relayHandles(t, 7, 0, 1)

	l, err := r.Listen(ctx, server, "S1")
	require.NoError(t, err)
	defer l.Close()

	_, err = r.Listen(ctx, server, "S2")
	assert.ErrorIs(t, err, protocol.ErrTransportUnavailable)

	c, err := r.Dial(ctx, join)
	require.NoError(t, err)
	defer c.Close()

	_, err = r.Dial(ctx, join)
	assert.ErrorIs(t, err, ErrDenied)
}

func TestRelay_CloseEndsConns(t *testing.T) {
	ctx := context.Background()
	r := NewRelayNetwork()
	server, join := relayHandles(t, 7, 0, 2)

	l, err := r.Listen(ctx, server, "S1")
	require.NoError(t, err)
	c, err := r.Dial(ctx, join)
	require.NoError(t, err)

	require.NoError(t, l.Close())
	waitDone(t, c.Done(), time.Second)
	assert.ErrorIs(t, c.Err(), ErrServerClosed)
	assert.False(t, r.Listening(7, server.VirtualPort))

	_, err = r.Dial(ctx, join)
	assert.ErrorIs(t, err, protocol.ErrTransportUnavailable)
}

func TestRelay_FailReportsTransportError(t *testing.T) {
	r := NewRelayNetwork()
	server, _ := relayHandles(t, 7, 0, 2)
	l, err := r.Listen(context.Background(), server, "S1")
	require.NoError(t, err)

	l.(Failer).Fail(errors.New("relay lost"))
	waitDone(t, l.Done(), time.Second)
	assert.ErrorIs(t, l.Err(), protocol.ErrTransportUnavailable)
}

func TestRouter_DispatchesByKind(t *testing.T) {
	r := Router{P2P: NewRelayNetwork()}
	_, err := r.Listen(context.Background(), udpServerHandle(1), "S1")
	assert.ErrorIs(t, err, protocol.ErrTransportUnavailable)

	server, _ := relayHandles(t, 9, 0, 1)
	l, err := r.Listen(context.Background(), server, "S1")
	require.NoError(t, err)
	assert.Equal(t, protocol.TransportPeerToPeer, l.Info().Kind)
	require.NoError(t, l.Close())
}
