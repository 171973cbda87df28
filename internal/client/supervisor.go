// Package client runs the client role's side of the session lifecycle.
//
// The Supervisor is driven from the client's frame loop and never blocks:
// server events are polled with TryReceive, connection attempts run in their
// own goroutine and report back on a channel polled by Tick, and every
// attempt has a deadline. It is not safe for concurrent use.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/DoyleJ11/gnomella-netplay/internal/channel"
	"github.com/DoyleJ11/gnomella-netplay/internal/lobby"
	"github.com/DoyleJ11/gnomella-netplay/internal/metrics"
	"github.com/DoyleJ11/gnomella-netplay/internal/netsession"
	"github.com/DoyleJ11/gnomella-netplay/internal/protocol"
	"github.com/DoyleJ11/gnomella-netplay/internal/transport"
)

// DefaultJoinTimeout matches the netcode client timeout of the game.
const DefaultJoinTimeout = 10 * time.Second

type Options struct {
	Selector transport.Selector
	Network  netsession.Network
	// Lobbies answers friend lookups and delivers invites. Nil disables
	// friend joins.
	Lobbies *lobby.Manager
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *metrics.Metrics

	JoinTimeout time.Duration
	// LocalConfig starts the local server when a Local join finds none.
	LocalConfig protocol.ServerConfig
	// StopLocalOnDisconnect sends StopServer when the player leaves.
	StopLocalOnDisconnect bool

	OnStateChange func(prev, next protocol.ConnectionState)
	OnServerEvent func(protocol.ServerEvent)
}

type Supervisor struct {
	opts Options
	end  channel.ClientEnd
	log  *zap.Logger

	state     protocol.ConnectionState
	server    *protocol.Started // the local server, while it runs
	endClosed bool
	attempt   *attempt
	conn      netsession.Conn
}

type attempt struct {
	target   protocol.SessionDescriptor
	deadline time.Time
	// awaitingServer is set while a Local join waits for Started.
	awaitingServer bool

	dialing bool
	cancel  context.CancelFunc
	result  chan dialResult
}

type dialResult struct {
	conn netsession.Conn
	err  error
}

// New builds a client supervisor. A zero end means client-only mode: there
// is no local server to start or join.
func New(end channel.ClientEnd, opts Options) (*Supervisor, error) {
	if opts.Network == nil {
		return nil, errors.New("client supervisor: no network")
	}
	if opts.Selector.AppID() == 0 {
		opts.Selector = transport.NewSelector(transport.Settings{})
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultJoinTimeout
	}
	if opts.LocalConfig.Transport == "" {
		opts.LocalConfig = protocol.DefaultServerConfig()
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Supervisor{
		opts: opts,
		end:  end,
		log:  log.With(zap.String("role", "client")),
	}, nil
}

func (s *Supervisor) CurrentState() protocol.ConnectionState { return s.state }

// LocalServer reports the running local server, as last announced.
func (s *Supervisor) LocalServer() (protocol.Started, bool) {
	if s.server == nil {
		return protocol.Started{}, false
	}
	return *s.server, true
}

// RequestJoin starts a connection attempt. It fails only when an attempt is
// already in flight; everything else is reported through the state.
func (s *Supervisor) RequestJoin(target protocol.SessionDescriptor) error {
	if s.state.Phase == protocol.Connecting {
		return protocol.ErrJoinInProgress
	}
	if target == nil {
		return errors.New("client supervisor: nil join target")
	}
	s.closeConn()

	a := &attempt{
		target:   target,
		deadline: s.opts.Clock.Now().Add(s.opts.JoinTimeout),
		result:   make(chan dialResult, 1),
	}
	s.attempt = a
	s.setState(protocol.ConnectionState{Phase: protocol.Connecting, Target: target})
	s.log.Info("joining", zap.String("target", protocol.DescribeTarget(target)))

	switch d := target.(type) {
	case protocol.Local:
		switch {
		case !s.end.Valid() || s.endClosed:
			s.fail(fmt.Errorf("%w: no local server role", protocol.ErrTransportUnavailable))
		case s.server != nil:
			s.dialLocal(a, s.server.Transport)
		default:
			if err := s.send(protocol.StartServer{Config: s.opts.LocalConfig}); err != nil {
				s.fail(err)
				return nil
			}
			a.awaitingServer = true
		}

	case protocol.DirectAddress:
		s.dial(a, func(context.Context) (transport.Handle, error) {
			return s.opts.Selector.ForJoin(d, nil)
		})

	case protocol.FriendLobby:
		lobbies := s.opts.Lobbies
		sel := s.opts.Selector
		s.dial(a, func(ctx context.Context) (transport.Handle, error) {
			if lobbies == nil {
				return transport.Handle{}, fmt.Errorf("%w: no presence service", protocol.ErrTransportUnavailable)
			}
			snap, err := lobbies.Snapshot(ctx)
			if err != nil {
				return transport.Handle{}, fmt.Errorf("%w: %w", protocol.ErrTransportUnavailable, err)
			}
			return sel.ForJoin(d, snap.Lookup)
		})

	default:
		s.fail(fmt.Errorf("%w: unsupported target %T", protocol.ErrTransportUnavailable, target))
	}
	return nil
}

// RequestStartLocalServer asks the server role to start with cfg.
func (s *Supervisor) RequestStartLocalServer(cfg protocol.ServerConfig) error {
	return s.send(protocol.StartServer{Config: cfg})
}

func (s *Supervisor) RequestStop() error {
	return s.stopLocal()
}

// stopLocal sends StopServer and forgets the running server at once, so a
// Local join made before Stopped arrives starts a fresh one.
func (s *Supervisor) stopLocal() error {
	if err := s.send(protocol.StopServer{}); err != nil {
		return err
	}
	s.server = nil
	return nil
}

func (s *Supervisor) RequestLobbyVisibility(visible bool) error {
	return s.send(protocol.SetLobbyVisibility{Visible: visible})
}

// Cancel abandons the attempt in flight. A connection that completes after
// this is closed as soon as it arrives. A local server started for the
// attempt keeps running.
func (s *Supervisor) Cancel() {
	if s.attempt == nil {
		return
	}
	s.log.Info("join canceled", zap.String("target", protocol.DescribeTarget(s.attempt.target)))
	s.record(s.attempt.target, "canceled")
	s.abandon()
	s.setState(protocol.ConnectionState{Phase: protocol.Disconnected})
}

// Disconnect leaves the current session or attempt.
func (s *Supervisor) Disconnect() {
	if s.attempt != nil {
		s.abandon()
	}
	s.closeConn()
	if s.opts.StopLocalOnDisconnect && s.server != nil {
		if err := s.stopLocal(); err != nil {
			s.log.Warn("local server not stopped", zap.Error(err))
		}
	}
	s.setState(protocol.ConnectionState{Phase: protocol.Disconnected})
}

// Close disconnects and releases the command channel. The server role sees
// the channel close and shuts down.
func (s *Supervisor) Close() {
	s.Disconnect()
	if s.end.Valid() {
		s.end.Close()
	}
}

// Tick advances the supervisor by one frame. It never blocks.
func (s *Supervisor) Tick() {
	s.drainEvents()
	s.pollAttempt()
	s.pollConn()
	s.pollInvites()
}

func (s *Supervisor) drainEvents() {
	if !s.end.Valid() || s.endClosed {
		return
	}
	for {
		ev, ok, err := s.end.TryReceive()
		if err != nil {
			s.endClosed = true
			s.server = nil
			s.log.Warn("server role gone", zap.Error(err))
			if a := s.attempt; a != nil && isLocal(a.target) {
				s.fail(err)
			}
			return
		}
		if !ok {
			return
		}
		s.onServerEvent(ev)
	}
}

func (s *Supervisor) onServerEvent(ev protocol.ServerEvent) {
	if s.opts.OnServerEvent != nil {
		s.opts.OnServerEvent(ev)
	}
	a := s.attempt
	switch e := ev.(type) {
	case protocol.Started:
		s.server = &e
		if a != nil && a.awaitingServer {
			a.awaitingServer = false
			s.dialLocal(a, e.Transport)
		}

	case protocol.LobbyUpdated:
		if s.server != nil {
			s.server.LobbyID = e.LobbyID
			if s.server.Transport.Kind == protocol.TransportPeerToPeer {
				s.server.Transport.LobbyID = e.LobbyID
			}
		}

	case protocol.Stopped:
		s.server = nil
		// While awaiting Started, a Stopped belongs to an earlier server.
		if a != nil && isLocal(a.target) && !a.awaitingServer {
			s.fail(fmt.Errorf("%w: local server stopped (%s)", protocol.ErrTransportUnavailable, e.Reason))
		}

	case protocol.Error:
		// Failures of other commands leave a pending start alone.
		if a != nil && a.awaitingServer && e.FailedStart() {
			s.fail(e.Cause)
		}
	}
}

func (s *Supervisor) dialLocal(a *attempt, info protocol.TransportInfo) {
	h, err := s.opts.Selector.ForLocal(info)
	if err != nil {
		s.fail(err)
		return
	}
	s.dial(a, func(context.Context) (transport.Handle, error) { return h, nil })
}

// dial resolves and connects on its own goroutine. The goroutine only
// reports on a.result; Tick picks the result up.
func (s *Supervisor) dial(a *attempt, resolve func(context.Context) (transport.Handle, error)) {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.dialing = true
	network := s.opts.Network
	go func() {
		h, err := resolve(ctx)
		if err != nil {
			a.result <- dialResult{err: err}
			return
		}
		conn, err := network.Dial(ctx, h)
		a.result <- dialResult{conn: conn, err: err}
	}()
}

func (s *Supervisor) pollAttempt() {
	a := s.attempt
	if a == nil {
		return
	}
	if a.dialing {
		select {
		case r := <-a.result:
			a.dialing = false
			a.cancel()
			if r.err != nil {
				s.fail(r.err)
			} else {
				s.connected(r.conn)
			}
			return
		default:
		}
	}
	if !s.opts.Clock.Now().Before(a.deadline) {
		s.fail(fmt.Errorf("%w: no session with %s after %v",
			protocol.ErrTimeout, protocol.DescribeTarget(a.target), s.opts.JoinTimeout))
	}
}

func (s *Supervisor) pollConn() {
	if s.conn == nil {
		return
	}
	select {
	case <-s.conn.Done():
	default:
		return
	}
	err := s.conn.Err()
	target := s.state.Target
	s.conn = nil
	if err == nil || errors.Is(err, netsession.ErrServerClosed) {
		s.log.Info("session ended", zap.NamedError("reason", err))
		s.setState(protocol.ConnectionState{Phase: protocol.Disconnected})
		return
	}
	s.log.Warn("session lost", zap.Error(err))
	s.setState(protocol.ConnectionState{Phase: protocol.Failed, Target: target, Cause: err})
}

// pollInvites turns an accepted friend invite into a friend join.
func (s *Supervisor) pollInvites() {
	if s.opts.Lobbies == nil {
		return
	}
	select {
	case req, ok := <-s.opts.Lobbies.JoinRequests():
		if !ok {
			return
		}
		target := protocol.FriendLobby{FriendID: req.FriendID, LobbyID: req.LobbyID}
		if err := s.RequestJoin(target); err != nil {
			s.log.Info("invite ignored", zap.Uint64("friend_id", uint64(req.FriendID)), zap.Error(err))
		}
	default:
	}
}

func (s *Supervisor) connected(conn netsession.Conn) {
	a := s.attempt
	s.attempt = nil
	s.conn = conn
	s.record(a.target, "connected")
	s.log.Info("connected",
		zap.String("target", protocol.DescribeTarget(a.target)),
		zap.String("session_id", conn.SessionID().String()))
	s.setState(protocol.ConnectionState{Phase: protocol.Connected, Target: a.target, SessionID: conn.SessionID()})
}

func (s *Supervisor) fail(err error) {
	a := s.attempt
	s.abandon()
	var target protocol.SessionDescriptor
	if a != nil {
		target = a.target
		s.record(target, string(protocol.KindOf(err)))
	}
	s.log.Warn("join failed", zap.String("target", protocol.DescribeTarget(target)), zap.Error(err))
	s.setState(protocol.ConnectionState{Phase: protocol.Failed, Target: target, Cause: err})
}

// abandon drops the current attempt. If its dial is still running, the
// eventual connection is closed rather than leaked.
func (s *Supervisor) abandon() {
	a := s.attempt
	s.attempt = nil
	if a == nil || !a.dialing {
		return
	}
	a.cancel()
	go func() {
		if r := <-a.result; r.conn != nil {
			r.conn.Close()
		}
	}()
}

func (s *Supervisor) closeConn() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		s.log.Debug("session close", zap.Error(err))
	}
	s.conn = nil
}

func (s *Supervisor) send(cmd protocol.ClientCommand) error {
	if !s.end.Valid() {
		return fmt.Errorf("%w: no local server role", protocol.ErrChannelClosed)
	}
	if err := s.end.Send(cmd); err != nil {
		s.opts.Metrics.ChannelError("client", string(protocol.KindOf(err)))
		return fmt.Errorf("send %s: %w", protocol.CommandName(cmd), err)
	}
	return nil
}

func (s *Supervisor) setState(next protocol.ConnectionState) {
	prev := s.state
	s.state = next
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(prev, next)
	}
}

func (s *Supervisor) record(target protocol.SessionDescriptor, result string) {
	s.opts.Metrics.JoinAttempt(targetKind(target), result)
}

func targetKind(target protocol.SessionDescriptor) string {
	switch target.(type) {
	case protocol.Local:
		return "local"
	case protocol.DirectAddress:
		return "direct"
	case protocol.FriendLobby:
		return "friend"
	default:
		return "unknown"
	}
}

func isLocal(target protocol.SessionDescriptor) bool {
	_, ok := target.(protocol.Local)
	return ok
}
