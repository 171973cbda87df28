package server

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/gnomella-netplay/internal/channel"
	"github.com/DoyleJ11/gnomella-netplay/internal/lobby"
	"github.com/DoyleJ11/gnomella-netplay/internal/netsession"
	"github.com/DoyleJ11/gnomella-netplay/internal/protocol"
	"github.com/DoyleJ11/gnomella-netplay/internal/transport"
)

const host protocol.FriendID = 76561190000000001

// recordingNetwork remembers the last listener it bound.
type recordingNetwork struct {
	netsession.Network
	mu   sync.Mutex
	last netsession.Listener
}

func (n *recordingNetwork) Listen(ctx context.Context, h transport.Handle, session protocol.SessionID) (netsession.Listener, error) {
	l, err := n.Network.Listen(ctx, h, session)
	if err == nil {
		n.mu.Lock()
		n.last = l
		n.mu.Unlock()
	}
	return l, err
}

func (n *recordingNetwork) lastListener() netsession.Listener {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.last
}

type harness struct {
	t      *testing.T
	client channel.ClientEnd
	sup    *Supervisor
	svc    *lobby.MemoryService
	relay  *netsession.RelayNetwork
	net    *recordingNetwork
	clock  *clock.Mock
	done   chan error
	cancel context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	pair, err := channel.NewPair(channel.DefaultCapacity)
	require.NoError(t, err)

	svc := lobby.NewMemoryService()
	relay := netsession.NewRelayNetwork()
	rec := &recordingNetwork{Network: netsession.Router{UDP: netsession.UDPNetwork{}, P2P: relay}}
	mock := clock.NewMock()

	sup, err := New(pair.ServerEnd(), Options{
		Selector: transport.NewSelector(transport.Settings{}),
		Network:  rec,
		Lobbies:  lobby.NewManager(svc.Backend(host, "host", protocol.DefaultAppID), protocol.DefaultAppID, nil),
		Clock:    mock,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		t:      t,
		client: pair.ClientEnd(),
		sup:    sup,
		svc:    svc,
		relay:  relay,
		net:    rec,
		clock:  mock,
		done:   make(chan error, 1),
		cancel: cancel,
	}
	go func() { h.done <- sup.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *harness) send(cmd protocol.ClientCommand) {
	h.t.Helper()
	require.NoError(h.t, h.client.Send(cmd))
}

func (h *harness) recv(within time.Duration) protocol.ServerEvent {
	h.t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		ev, ok, err := h.client.TryReceive()
		require.NoError(h.t, err)
		if ok {
			return ev
		}
		time.Sleep(time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for server event")
	return nil
}

func (h *harness) recvNone(within time.Duration) {
	h.t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		ev, ok, _ := h.client.TryReceive()
		if ok {
			h.t.Fatalf("expected no event within %v, got %#v", within, ev)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) status() Status {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st, err := h.sup.Status(ctx)
	require.NoError(h.t, err)
	return st
}

func recvAs[T protocol.ServerEvent](h *harness) T {
	h.t.Helper()
	ev := h.recv(2 * time.Second)
	got, ok := ev.(T)
	require.True(h.t, ok, "want %T, got %#v", *new(T), ev)
	return got
}

func udpConfig(maxPlayers int) protocol.ServerConfig {
	return protocol.ServerConfig{
		Transport:     protocol.TransportUDP,
		Bind:          netip.MustParseAddrPort("127.0.0.1:0"),
		MaxPlayers:    maxPlayers,
		LobbyVisible:  true,
		LobbyRequired: true,
	}
}

func p2pConfig() protocol.ServerConfig {
	return protocol.ServerConfig{
		Transport:     protocol.TransportPeerToPeer,
		MaxPlayers:    4,
		LobbyVisible:  true,
		LobbyRequired: true,
	}
}

func TestSupervisor_StartVisibleUDP(t *testing.T) {
	h := newHarness(t)
	h.send(protocol.StartServer{Config: udpConfig(4)})

	started := recvAs[protocol.Started](h)
	assert.NotEmpty(t, started.SessionID)
	assert.NotZero(t, started.LobbyID)
	assert.Equal(t, protocol.TransportUDP, started.Transport.Kind)
	assert.NotZero(t, started.Transport.Addr.Port())
	assert.Equal(t, 1, h.svc.LobbyCount())

	data, ok := h.svc.LobbyData(started.LobbyID)
	require.True(t, ok)
	meta, err := lobby.DecodeLobbyData(data[lobby.DataKeySession])
	require.NoError(t, err)
	assert.Equal(t, started.SessionID, meta.SessionID)
	assert.Equal(t, 4, meta.MaxPlayers)

	st := h.status()
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, started.SessionID, st.SessionID)
	assert.Equal(t, started.LobbyID, st.Lobby.ID)
	assert.True(t, st.Lobby.Visible)
}

func TestSupervisor_DuplicateStartReannounces(t *testing.T) {
	h := newHarness(t)
	h.send(protocol.StartServer{Config: udpConfig(4)})
	first := recvAs[protocol.Started](h)

	h.send(protocol.StartServer{Config: udpConfig(8)})
	again := recvAs[protocol.Started](h)

	assert.Equal(t, first, again)
	assert.Equal(t, 1, h.svc.LobbyCount())
	assert.Equal(t, 4, h.status().Config.MaxPlayers)
	h.recvNone(50 * time.Millisecond)
}

func TestSupervisor_StopReleasesLobby(t *testing.T) {
	h := newHarness(t)
	h.send(protocol.StartServer{Config: udpConfig(4)})
	recvAs[protocol.Started](h)

	h.send(protocol.StopServer{})
	stopped := recvAs[protocol.Stopped](h)
	assert.Equal(t, protocol.StopReasonRequested, stopped.Reason)
	assert.Equal(t, 0, h.svc.LobbyCount())

	st := h.status()
	assert.Equal(t, StateIdle, st.State)
	assert.Zero(t, st.Lobby.ID)

	// Stop while idle is a no-op.
	h.send(protocol.StopServer{})
	h.recvNone(50 * time.Millisecond)
}

func TestSupervisor_RestartMintsFreshIdentifiers(t *testing.T) {
	h := newHarness(t)
	h.send(protocol.StartServer{Config: udpConfig(4)})
	first := recvAs[protocol.Started](h)
	h.send(protocol.StopServer{})
	recvAs[protocol.Stopped](h)

	h.send(protocol.StartServer{Config: udpConfig(4)})
	second := recvAs[protocol.Started](h)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.NotEqual(t, first.LobbyID, second.LobbyID)
	assert.Equal(t, 1, h.svc.LobbyCount())
}

func TestSupervisor_LobbyRequiredFailureReleasesTransport(t *testing.T) {
	h := newHarness(t)
	h.svc.SetReachable(false)

	h.send(protocol.StartServer{Config: p2pConfig()})
	failed := recvAs[protocol.Error](h)
	assert.Equal(t, protocol.KindLobbyServiceUnavailable, failed.Kind())
	assert.True(t, failed.FailedStart())
	assert.False(t, h.relay.Listening(host, protocol.DefaultVirtualPort))
	assert.Equal(t, StateIdle, h.status().State)
}

func TestSupervisor_LobbyOptionalProceedsWithoutLobby(t *testing.T) {
	h := newHarness(t)
	h.svc.SetReachable(false)

	cfg := udpConfig(4)
	cfg.LobbyRequired = false
	h.send(protocol.StartServer{Config: cfg})

	started := recvAs[protocol.Started](h)
	assert.Zero(t, started.LobbyID)
	st := h.status()
	assert.Equal(t, StateRunning, st.State)
	assert.False(t, st.Lobby.Visible)
}

func TestSupervisor_BindFailureIsTransportUnavailable(t *testing.T) {
	h := newHarness(t)
	h.send(protocol.StartServer{Config: p2pConfig()})
	recvAs[protocol.Started](h)

	// A second supervisor cannot bind the same relay port.
	pair, err := channel.NewPair(4)
	require.NoError(t, err)
	other, err := New(pair.ServerEnd(), Options{
		Selector: transport.NewSelector(transport.Settings{}),
		Network:  h.relay,
		Lobbies:  lobby.NewManager(h.svc.Backend(host, "host", protocol.DefaultAppID), protocol.DefaultAppID, nil),
		Clock:    clock.NewMock(),
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go other.Run(ctx)

	require.NoError(t, pair.ClientEnd().Send(protocol.StartServer{Config: p2pConfig()}))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ev, ok, err := pair.ClientEnd().TryReceive()
		require.NoError(t, err)
		if ok {
			failed, isErr := ev.(protocol.Error)
			require.True(t, isErr, "got %#v", ev)
			assert.Equal(t, protocol.KindTransportUnavailable, failed.Kind())
			assert.Equal(t, 1, h.svc.LobbyCount())
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for error")
}

func TestSupervisor_InvalidConfigIsTransportUnavailable(t *testing.T) {
	h := newHarness(t)
	cfg := udpConfig(0)
	h.send(protocol.StartServer{Config: cfg})

	failed := recvAs[protocol.Error](h)
	assert.Equal(t, protocol.KindTransportUnavailable, failed.Kind())
	assert.Equal(t, 0, h.svc.LobbyCount())
}

func TestSupervisor_SetLobbyVisibility(t *testing.T) {
	h := newHarness(t)

	// Ignored while idle.
	h.send(protocol.SetLobbyVisibility{Visible: true})
	h.recvNone(50 * time.Millisecond)

	cfg := udpConfig(4)
	cfg.LobbyVisible = false
	h.send(protocol.StartServer{Config: cfg})
	started := recvAs[protocol.Started](h)
	require.Zero(t, started.LobbyID)
	assert.Equal(t, 0, h.svc.LobbyCount())

	h.send(protocol.SetLobbyVisibility{Visible: true})
	opened := recvAs[protocol.LobbyUpdated](h)
	assert.NotZero(t, opened.LobbyID)
	assert.True(t, opened.Visible)

	h.send(protocol.SetLobbyVisibility{Visible: false})
	hidden := recvAs[protocol.LobbyUpdated](h)
	assert.Equal(t, opened.LobbyID, hidden.LobbyID)
	assert.False(t, hidden.Visible)

	// A hidden lobby is not joinable for friends.
	viewer := lobby.NewManager(h.svc.Backend(2, "friend", protocol.DefaultAppID), protocol.DefaultAppID, nil)
	snap, err := viewer.Snapshot(context.Background())
	require.NoError(t, err)
	for f := range snap.Joinable(protocol.DefaultAppID) {
		assert.NotEqual(t, host, f.ID)
	}

	// A failed visibility change names its command, not the start.
	h.svc.SetReachable(false)
	h.send(protocol.SetLobbyVisibility{Visible: true})
	failed := recvAs[protocol.Error](h)
	assert.Equal(t, protocol.CommandName(protocol.SetLobbyVisibility{}), failed.Command)
	assert.False(t, failed.FailedStart())
	h.svc.SetReachable(true)

	// The announcement now carries the lobby.
	h.send(protocol.StartServer{Config: cfg})
	assert.Equal(t, opened.LobbyID, recvAs[protocol.Started](h).LobbyID)
}

func TestSupervisor_PeersUpdateLobby(t *testing.T) {
	h := newHarness(t)
	h.send(protocol.StartServer{Config: p2pConfig()})
	started := recvAs[protocol.Started](h)
	require.NotZero(t, started.LobbyID)
	assert.Equal(t, started.LobbyID, started.Transport.LobbyID)

	sel := transport.NewSelector(transport.Settings{})
	join, err := sel.ForLocal(started.Transport)
	require.NoError(t, err)
	conn, err := h.relay.Dial(context.Background(), join)
	require.NoError(t, err)

	joined := recvAs[protocol.LobbyUpdated](h)
	assert.Equal(t, 1, joined.Players)
	assert.Equal(t, 1, h.status().Lobby.Players)

	// Lobby data catches up on the next poll tick.
	require.Eventually(t, func() bool {
		h.clock.Add(DefaultPollInterval)
		data, ok := h.svc.LobbyData(started.LobbyID)
		if !ok {
			return false
		}
		meta, err := lobby.DecodeLobbyData(data[lobby.DataKeySession])
		return err == nil && meta.Players == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	left := recvAs[protocol.LobbyUpdated](h)
	assert.Equal(t, 0, left.Players)
}

func TestSupervisor_HostFailureStopsThenErrors(t *testing.T) {
	h := newHarness(t)
	h.send(protocol.StartServer{Config: p2pConfig()})
	recvAs[protocol.Started](h)

	l := h.net.lastListener()
	require.NotNil(t, l)
	l.(netsession.Failer).Fail(errors.New("relay connection lost"))

	stopped := recvAs[protocol.Stopped](h)
	assert.Equal(t, protocol.StopReasonTransportFailure, stopped.Reason)
	failed := recvAs[protocol.Error](h)
	assert.Equal(t, protocol.KindTransportUnavailable, failed.Kind())

	assert.Equal(t, 0, h.svc.LobbyCount())
	assert.Equal(t, StateIdle, h.status().State)
}

func TestSupervisor_CommandChannelClosedStopsServer(t *testing.T) {
	h := newHarness(t)
	h.send(protocol.StartServer{Config: udpConfig(4)})
	recvAs[protocol.Started](h)

	h.client.Close()
	stopped := recvAs[protocol.Stopped](h)
	assert.Equal(t, protocol.StopReasonShutdown, stopped.Reason)

	select {
	case err := <-h.done:
		assert.NoError(t, err)
		h.done <- err
	case <-time.After(time.Second):
		t.Fatal("run loop did not exit")
	}
	assert.Equal(t, 0, h.svc.LobbyCount())

	_, err := h.sup.Status(context.Background())
	assert.ErrorIs(t, err, ErrSupervisorStopped)
}

func TestSupervisor_ObserverSeesEvents(t *testing.T) {
	pair, err := channel.NewPair(4)
	require.NoError(t, err)
	seen := make(chan protocol.ServerEvent, 4)
	sup, err := New(pair.ServerEnd(), Options{
		Selector: transport.NewSelector(transport.Settings{}),
		Network:  netsession.UDPNetwork{},
		Observe:  func(ev protocol.ServerEvent) { seen <- ev },
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	cfg := udpConfig(2)
	cfg.LobbyVisible = false
	require.NoError(t, pair.ClientEnd().Send(protocol.StartServer{Config: cfg}))
	select {
	case ev := <-seen:
		assert.IsType(t, protocol.Started{}, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("observer saw nothing")
	}
}

func TestNew_RejectsZeroEnd(t *testing.T) {
	_, err := New(channel.ServerEnd{}, Options{Network: netsession.UDPNetwork{}})
	assert.ErrorIs(t, err, protocol.ErrChannelClosed)
}
