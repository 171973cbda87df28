// gnomella runs the netplay layer in one of three modes: client (joins
// sessions only), server (headless host) or combined (a player hosting
// their own session).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/gnomella-netplay/internal/channel"
	"github.com/DoyleJ11/gnomella-netplay/internal/client"
	"github.com/DoyleJ11/gnomella-netplay/internal/config"
	"github.com/DoyleJ11/gnomella-netplay/internal/httpapi"
	"github.com/DoyleJ11/gnomella-netplay/internal/hub"
	"github.com/DoyleJ11/gnomella-netplay/internal/lobby"
	"github.com/DoyleJ11/gnomella-netplay/internal/logging"
	"github.com/DoyleJ11/gnomella-netplay/internal/metrics"
	"github.com/DoyleJ11/gnomella-netplay/internal/netsession"
	"github.com/DoyleJ11/gnomella-netplay/internal/protocol"
	"github.com/DoyleJ11/gnomella-netplay/internal/server"
	"github.com/DoyleJ11/gnomella-netplay/internal/transport"
)

// exitError carries a process exit code.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }
func (e exitError) Unwrap() error { return e.err }
func (e exitError) ExitCode() int { return e.code }

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var coded exitError
		if errors.As(err, &coded) {
			os.Exit(coded.ExitCode())
		}
		os.Exit(1)
	}
}

func run(args []string) error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}
	cfg, err := config.Load(args, os.Getenv)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Dev)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return newApp(cfg, log, clock.New()).run(ctx)
}

// app is one process's worth of components, wired per mode.
type app struct {
	cfg     config.Config
	log     *zap.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	lobbies  *lobby.Manager
	selector transport.Selector
	network  netsession.Router
}

func newApp(cfg config.Config, log *zap.Logger, clk clock.Clock) *app {
	appID := protocol.AppID(cfg.Game.AppID)
	presence := lobby.NewMemoryService()
	backend := presence.Backend(protocol.FriendID(cfg.Identity.ID), cfg.Identity.Name, appID)
	return &app{
		cfg:      cfg,
		log:      log,
		clock:    clk,
		metrics:  metrics.New(),
		lobbies:  lobby.NewManager(backend, appID, logging.Role(log, "lobby")),
		selector: transport.NewSelector(cfg.TransportSettings()),
		network: netsession.Router{
			UDP: netsession.UDPNetwork{Log: logging.Role(log, "net"), Clock: clk},
			P2P: netsession.NewRelayNetwork(),
		},
	}
}

func (a *app) run(ctx context.Context) error {
	localCfg, err := a.cfg.ServerConfig()
	if err != nil {
		return err
	}
	a.log.Info("starting",
		zap.String("mode", string(a.cfg.Mode)),
		zap.Uint32("app_id", a.cfg.Game.AppID),
		zap.String("version", a.selector.Version()),
	)

	g, ctx := errgroup.WithContext(ctx)
	events := hub.NewHub(ctx, a.clock, a.metrics)

	var (
		end       channel.ClientEnd
		serverSup *server.Supervisor
	)
	if a.cfg.Mode.HasServer() {
		pair, err := channel.NewPair(channel.DefaultCapacity)
		if err != nil {
			return fmt.Errorf("channel pair: %w", err)
		}
		end = pair.ClientEnd()
		serverSup, err = server.New(pair.ServerEnd(), server.Options{
			Selector:     a.selector,
			Network:      a.network,
			Lobbies:      a.lobbies,
			Clock:        a.clock,
			Log:          a.log,
			Metrics:      a.metrics,
			Observe:      func(ev protocol.ServerEvent) { events.Publish(ev) },
			PollInterval: a.cfg.Server.PollInterval,
			DrainTimeout: a.cfg.Server.DrainTimeout,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return serverSup.Run(ctx) })
	}

	if a.cfg.AdminAddr != "" {
		deps := httpapi.Deps{
			Hub:        events,
			Lobbies:    a.lobbies,
			Metrics:    a.metrics,
			BaseConfig: localCfg,
			Log:        logging.Role(a.log, "admin"),
		}
		if serverSup != nil {
			deps.Server = serverSup
			deps.Commands = end
		}
		srv := &http.Server{Addr: a.cfg.AdminAddr, Handler: httpapi.SetupRoutes(deps)}
		g.Go(func() error {
			a.log.Info("admin listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	switch a.cfg.Mode {
	case config.ModeServer:
		g.Go(func() error {
			return runHeadless(ctx, a.clock, end, localCfg, a.cfg.Server.PollInterval, logging.Role(a.log, "headless"))
		})
	case config.ModeClient, config.ModeCombined:
		g.Go(func() error { return a.runClient(ctx, end, localCfg) })
	}

	err = g.Wait()
	a.log.Info("stopped", zap.Error(err))
	return err
}

// runClient owns the client supervisor on the frame loop goroutine.
func (a *app) runClient(ctx context.Context, end channel.ClientEnd, localCfg protocol.ServerConfig) error {
	log := logging.Role(a.log, "frames")
	sup, err := client.New(end, client.Options{
		Selector:              a.selector,
		Network:               a.network,
		Lobbies:               a.lobbies,
		Clock:                 a.clock,
		Log:                   a.log,
		Metrics:               a.metrics,
		JoinTimeout:           a.cfg.Client.JoinTimeout,
		LocalConfig:           localCfg,
		StopLocalOnDisconnect: a.cfg.Client.StopLocalOnDisconnect,
		OnStateChange: func(prev, next protocol.ConnectionState) {
			log.Info("connection", zap.Stringer("from", prev.Phase), zap.Stringer("to", next.Phase), zap.Error(next.Cause))
		},
	})
	if err != nil {
		return err
	}
	defer sup.Close()

	target, err := a.cfg.JoinTarget()
	if err != nil {
		return err
	}
	if target != nil {
		target = a.resolveFriendLobby(ctx, target)
		if err := sup.RequestJoin(target); err != nil {
			return err
		}
	}
	return client.RunFrames(ctx, a.clock, a.cfg.Client.FrameRate, sup.Tick)
}

// resolveFriendLobby fills in the lobby of a friend target given without
// one. An unresolved target is left for the join to reject.
func (a *app) resolveFriendLobby(ctx context.Context, target protocol.SessionDescriptor) protocol.SessionDescriptor {
	fl, ok := target.(protocol.FriendLobby)
	if !ok || fl.LobbyID != 0 {
		return target
	}
	snap, err := a.lobbies.Snapshot(ctx)
	if err != nil {
		a.log.Warn("friend lookup failed", zap.Error(err))
		return target
	}
	if f, ok := snap.Lookup(fl.FriendID); ok {
		fl.LobbyID = f.LobbyID
	}
	return fl
}
