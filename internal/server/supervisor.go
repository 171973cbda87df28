// Package server runs the server role: a supervisor goroutine that starts
// and stops the hosted session on command and reports back as events.
//
// The supervisor is the only code that touches the running listener and
// the hosted lobby. Everything else reaches it through the command channel
// or, for the admin surface, through Status.
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/gnomella-netplay/internal/channel"
	"github.com/DoyleJ11/gnomella-netplay/internal/lobby"
	"github.com/DoyleJ11/gnomella-netplay/internal/metrics"
	"github.com/DoyleJ11/gnomella-netplay/internal/netsession"
	"github.com/DoyleJ11/gnomella-netplay/internal/protocol"
	"github.com/DoyleJ11/gnomella-netplay/internal/transport"
)

const (
	DefaultPollInterval = 50 * time.Millisecond
	DefaultDrainTimeout = 2 * time.Second
	DefaultOpTimeout    = 5 * time.Second
)

var ErrSupervisorStopped = errors.New("server supervisor stopped")

type Options struct {
	Selector transport.Selector
	Network  netsession.Network
	// Lobbies is the presence service. Nil means none is reachable.
	Lobbies *lobby.Manager
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *metrics.Metrics
	// Observe sees every event before it is sent to the client role.
	Observe func(protocol.ServerEvent)

	PollInterval time.Duration
	DrainTimeout time.Duration
	OpTimeout    time.Duration
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	State     State
	SessionID protocol.SessionID
	Transport protocol.TransportInfo
	Lobby     protocol.LobbyState
	Config    protocol.ServerConfig
	Since     time.Time
}

type Supervisor struct {
	opts   Options
	end    channel.ServerEnd
	log    *zap.Logger
	status chan chan Status
	host   chan hostMsg
	done   chan struct{}

	// Owned by the Run goroutine.
	state State
	inst  *instance
}

// instance is one running server: a bound listener, its lobby and the
// host worker draining the listener's peer events.
type instance struct {
	session  protocol.SessionID
	config   protocol.ServerConfig
	listener netsession.Listener
	info     protocol.TransportInfo
	lobby    protocol.LobbyState
	peers    map[string]struct{}
	dirty    bool // lobby data is behind the player count
	since    time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// Host worker -> supervisor. Messages carry their instance so that a late
// message from a torn-down instance is dropped.
type hostMsg interface{ isHostMsg() }

type peerMsg struct {
	inst *instance
	ev   netsession.PeerEvent
}

type exitMsg struct {
	inst *instance
	err  error
}

func (peerMsg) isHostMsg() {}
func (exitMsg) isHostMsg() {}

func New(end channel.ServerEnd, opts Options) (*Supervisor, error) {
	if !end.Valid() {
		return nil, fmt.Errorf("server supervisor: %w", protocol.ErrChannelClosed)
	}
	if opts.Network == nil {
		return nil, errors.New("server supervisor: no network")
	}
	if opts.Selector.AppID() == 0 {
		opts.Selector = transport.NewSelector(transport.Settings{})
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		opts:   opts,
		end:    end,
		log:    log.With(zap.String("role", "server")),
		status: make(chan chan Status),
		host:   make(chan hostMsg, 16),
		done:   make(chan struct{}),
		state:  StateIdle,
	}, nil
}

// Run serves commands until ctx ends or the client role closes the command
// channel. A running server is stopped on the way out. Run is called once.
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.done)
	s.setState(StateIdle)

	ticker := s.opts.Clock.Ticker(s.opts.PollInterval)
	defer ticker.Stop()

	cmds := s.end.Commands()
	for {
		select {
		case <-ctx.Done():
			s.shutdown(ctx)
			return nil

		case cmd, ok := <-cmds:
			if !ok {
				s.log.Info("command channel closed")
				s.shutdown(ctx)
				return nil
			}
			s.handle(ctx, cmd)

		case m := <-s.host:
			s.handleHost(ctx, m)

		case reply := <-s.status:
			reply <- s.snapshot()

		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

// Status asks the run loop for a snapshot. It never changes state.
func (s *Supervisor) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	select {
	case s.status <- reply:
	case <-s.done:
		return Status{State: StateIdle}, ErrSupervisorStopped
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

func (s *Supervisor) handle(ctx context.Context, cmd protocol.ClientCommand) {
	act, next, err := Apply(s.state, cmd)
	if err != nil {
		s.log.Warn("command rejected",
			zap.String("command", protocol.CommandName(cmd)),
			zap.String("state", string(s.state)),
			zap.Error(err))
		s.emit(protocol.Error{Cause: err, Command: protocol.CommandName(cmd)})
		return
	}
	s.setState(next)

	switch act {
	case ActStart:
		s.start(ctx, cmd.(protocol.StartServer).Config)
	case ActAnnounce:
		s.emit(s.started())
	case ActStop:
		s.stop(ctx, protocol.StopReasonRequested)
	case ActSetVisibility:
		s.setVisibility(ctx, cmd.(protocol.SetLobbyVisibility).Visible)
	}
}

func (s *Supervisor) start(ctx context.Context, cfg protocol.ServerConfig) {
	inst, err := s.acquire(ctx, cfg)
	s.setState(Settle(StateStarting, err))
	if err != nil {
		s.log.Error("server start failed", zap.Error(err))
		s.opts.Metrics.ServerStart("error")
		s.emit(protocol.Error{Cause: err, Command: protocol.CommandName(protocol.StartServer{})})
		s.setState(Settle(StateErrored, nil))
		return
	}

	hostCtx, cancel := context.WithCancel(ctx)
	inst.cancel = cancel
	s.inst = inst
	go s.hostWorker(hostCtx, inst)

	s.opts.Metrics.ServerStart("ok")
	s.opts.Metrics.SetPlayers(0)
	s.opts.Metrics.SetLobbyVisible(inst.lobby.Visible)
	s.log.Info("server started",
		zap.String("session_id", inst.session.String()),
		zap.Stringer("transport", inst.info),
		zap.Stringer("lobby_id", inst.lobby.ID))
	s.emit(s.started())
}

// acquire binds the transport and opens the lobby. On failure everything it
// acquired is released again.
func (s *Supervisor) acquire(ctx context.Context, cfg protocol.ServerConfig) (*instance, error) {
	if cfg.Transport == protocol.TransportPeerToPeer && cfg.HostID == 0 && s.opts.Lobbies != nil {
		cfg.HostID = s.opts.Lobbies.Self()
	}
	h, err := s.opts.Selector.ForServer(cfg)
	if err != nil {
		return nil, err
	}

	now := s.opts.Clock.Now()
	session := protocol.NewSessionID(now)
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	l, err := s.opts.Network.Listen(opCtx, h, session)
	if err != nil {
		return nil, err
	}

	inst := &instance{
		session:  session,
		config:   cfg,
		listener: l,
		info:     l.Info(),
		lobby:    protocol.LobbyState{AppID: s.opts.Selector.AppID()},
		peers:    make(map[string]struct{}),
		since:    now,
		done:     make(chan struct{}),
	}
	if cfg.LobbyVisible {
		if err := s.openLobby(ctx, inst); err != nil {
			if cfg.LobbyRequired {
				return nil, multierr.Append(err, s.release(ctx, inst))
			}
			s.log.Warn("hosting without a lobby", zap.Error(err))
		}
	}
	return inst, nil
}

func (s *Supervisor) openLobby(ctx context.Context, inst *instance) error {
	if s.opts.Lobbies == nil {
		return fmt.Errorf("%w: no presence service", protocol.ErrLobbyServiceUnavailable)
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()

	id, err := s.opts.Lobbies.CreateLobby(opCtx, true, inst.config.MaxPlayers)
	if err != nil {
		return err
	}
	s.bindLobby(inst, id)
	if err := s.opts.Lobbies.Publish(opCtx, id, s.lobbyData(inst)); err != nil {
		err = multierr.Append(err, s.opts.Lobbies.DestroyLobby(opCtx, id))
		s.bindLobby(inst, 0)
		return err
	}
	inst.lobby.Visible = true
	inst.dirty = false
	return nil
}

func (s *Supervisor) bindLobby(inst *instance, id protocol.LobbyID) {
	inst.lobby.ID = id
	if b, ok := inst.listener.(netsession.LobbyBinder); ok {
		b.BindLobby(id)
	}
	inst.info = inst.listener.Info()
}

func (s *Supervisor) lobbyData(inst *instance) lobby.LobbyData {
	return lobby.LobbyData{
		SessionID:   inst.session,
		Transport:   string(inst.info.Kind),
		VirtualPort: inst.info.VirtualPort,
		Players:     len(inst.peers),
		MaxPlayers:  inst.config.MaxPlayers,
		Version:     s.opts.Selector.Version(),
	}
}

// release stops the host worker, closes the listener and destroys the
// lobby. It always does all three and reports every failure.
func (s *Supervisor) release(ctx context.Context, inst *instance) error {
	if inst.cancel != nil {
		inst.cancel()
		drain := s.opts.Clock.Timer(s.opts.DrainTimeout)
		select {
		case <-inst.done:
		case <-drain.C:
			s.log.Warn("host worker did not drain in time", zap.Duration("timeout", s.opts.DrainTimeout))
		}
		drain.Stop()
	}

	err := inst.listener.Close()
	if inst.lobby.ID != 0 && s.opts.Lobbies != nil {
		opCtx, cancel := s.opContext(ctx)
		err = multierr.Append(err, s.opts.Lobbies.DestroyLobby(opCtx, inst.lobby.ID))
		cancel()
	}
	inst.lobby = protocol.LobbyState{AppID: inst.lobby.AppID}
	return err
}

func (s *Supervisor) stop(ctx context.Context, reason string) {
	inst := s.inst
	s.inst = nil
	if err := s.release(ctx, inst); err != nil {
		s.log.Warn("server release incomplete", zap.Error(err))
	}
	s.setState(Settle(StateStopping, nil))
	s.opts.Metrics.SetPlayers(0)
	s.opts.Metrics.SetLobbyVisible(false)
	s.log.Info("server stopped", zap.String("session_id", inst.session.String()), zap.String("reason", reason))
	s.emit(protocol.Stopped{Reason: reason})
}

func (s *Supervisor) shutdown(ctx context.Context) {
	if s.state != StateRunning {
		return
	}
	s.setState(StateStopping)
	s.stop(ctx, protocol.StopReasonShutdown)
}

var visibilityCmd = protocol.CommandName(protocol.SetLobbyVisibility{})

func (s *Supervisor) setVisibility(ctx context.Context, visible bool) {
	inst := s.inst
	switch {
	case inst.lobby.ID != 0:
		opCtx, cancel := s.opContext(ctx)
		err := s.opts.Lobbies.SetVisibility(opCtx, inst.lobby.ID, visible)
		cancel()
		if err != nil {
			s.log.Warn("lobby visibility not changed", zap.Error(err))
			s.emit(protocol.Error{Cause: err, Command: visibilityCmd})
			return
		}
		inst.lobby.Visible = visible
	case visible:
		if err := s.openLobby(ctx, inst); err != nil {
			s.log.Warn("lobby not opened", zap.Error(err))
			s.emit(protocol.Error{Cause: err, Command: visibilityCmd})
			return
		}
	default:
		inst.lobby.Visible = false
	}
	s.opts.Metrics.SetLobbyVisible(inst.lobby.Visible)
	s.emit(s.lobbyUpdated())
}

func (s *Supervisor) handleHost(ctx context.Context, m hostMsg) {
	switch msg := m.(type) {
	case peerMsg:
		if msg.inst != s.inst {
			return
		}
		s.peer(msg.ev)

	case exitMsg:
		if msg.inst != s.inst {
			return
		}
		cause := msg.err
		if cause == nil {
			cause = fmt.Errorf("%w: listener closed unexpectedly", protocol.ErrTransportUnavailable)
		}
		s.log.Error("host worker exited", zap.String("session_id", s.inst.session.String()), zap.Error(cause))
		s.setState(Settle(StateRunning, cause))

		inst := s.inst
		s.inst = nil
		if err := s.release(ctx, inst); err != nil {
			s.log.Warn("server release incomplete", zap.Error(err))
		}
		s.opts.Metrics.SetPlayers(0)
		s.opts.Metrics.SetLobbyVisible(false)
		s.emit(protocol.Stopped{Reason: protocol.StopReasonTransportFailure})
		s.emit(protocol.Error{Cause: cause})
		s.setState(Settle(StateErrored, nil))
	}
}

func (s *Supervisor) peer(ev netsession.PeerEvent) {
	inst := s.inst
	switch ev.Kind {
	case netsession.PeerJoined:
		inst.peers[ev.Peer] = struct{}{}
	case netsession.PeerLeft:
		delete(inst.peers, ev.Peer)
	}
	inst.lobby.Players = len(inst.peers)
	inst.dirty = inst.lobby.ID != 0
	s.log.Debug("peer "+ev.Kind.String(), zap.String("peer", ev.Peer), zap.Int("players", inst.lobby.Players))
	s.opts.Metrics.SetPlayers(inst.lobby.Players)
	s.emit(s.lobbyUpdated())
}

// flush pushes a changed player count to the lobby, at most once a tick.
func (s *Supervisor) flush(ctx context.Context) {
	inst := s.inst
	if inst == nil || !inst.dirty || inst.lobby.ID == 0 {
		return
	}
	opCtx, cancel := s.opContext(ctx)
	defer cancel()
	if err := s.opts.Lobbies.Publish(opCtx, inst.lobby.ID, s.lobbyData(inst)); err != nil {
		s.log.Warn("lobby data not published", zap.Error(err))
		return
	}
	inst.dirty = false
}

// hostWorker forwards the listener's peer events and its exit to the run
// loop until the instance is canceled.
func (s *Supervisor) hostWorker(ctx context.Context, inst *instance) {
	defer close(inst.done)
	l := inst.listener
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-l.Events():
			if !s.deliver(ctx, peerMsg{inst: inst, ev: ev}) {
				return
			}
		case <-l.Done():
			s.deliver(ctx, exitMsg{inst: inst, err: l.Err()})
			return
		}
	}
}

func (s *Supervisor) deliver(ctx context.Context, m hostMsg) bool {
	select {
	case s.host <- m:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) emit(ev protocol.ServerEvent) {
	name := protocol.EventName(ev)
	s.opts.Metrics.ServerEvent(name)
	if s.opts.Observe != nil {
		s.opts.Observe(ev)
	}
	if err := s.end.Send(ev); err != nil {
		s.opts.Metrics.ChannelError("server", string(protocol.KindOf(err)))
		s.log.Warn("event not delivered", zap.String("event", name), zap.Error(err))
	}
}

func (s *Supervisor) started() protocol.Started {
	return protocol.Started{
		SessionID: s.inst.session,
		Transport: s.inst.info,
		LobbyID:   s.inst.lobby.ID,
	}
}

func (s *Supervisor) lobbyUpdated() protocol.LobbyUpdated {
	return protocol.LobbyUpdated{
		LobbyID: s.inst.lobby.ID,
		Visible: s.inst.lobby.Visible,
		Players: s.inst.lobby.Players,
	}
}

func (s *Supervisor) snapshot() Status {
	st := Status{State: s.state}
	if s.inst != nil {
		st.SessionID = s.inst.session
		st.Transport = s.inst.info
		st.Lobby = s.inst.lobby
		st.Config = s.inst.config
		st.Since = s.inst.since
	}
	return st
}

func (s *Supervisor) setState(next State) {
	s.state = next
	s.opts.Metrics.SetServerState(string(next), AllStates)
}

// opContext bounds a presence or bind call. It outlives ctx so that
// teardown during shutdown still reaches the presence service.
func (s *Supervisor) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opts.OpTimeout)
}
