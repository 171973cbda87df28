package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/DoyleJ11/gnomella-netplay/internal/channel"
	"github.com/DoyleJ11/gnomella-netplay/internal/protocol"
)

// runHeadless starts the server and follows its events until ctx ends. An
// Error as the first answer to the start exits with code 1.
func runHeadless(ctx context.Context, clk clock.Clock, end channel.ClientEnd, cfg protocol.ServerConfig, every time.Duration, log *zap.Logger) error {
	if err := end.Send(protocol.StartServer{Config: cfg}); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	defer end.Close()

	ticker := clk.Ticker(every)
	defer ticker.Stop()
	answered := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		for {
			ev, ok, err := end.TryReceive()
			if errors.Is(err, protocol.ErrChannelClosed) {
				return nil
			}
			if !ok {
				break
			}
			switch ev := ev.(type) {
			case protocol.Started:
				log.Info("server started",
					zap.String("session", ev.SessionID.String()),
					zap.Stringer("transport", ev.Transport),
					zap.Uint64("lobby", uint64(ev.LobbyID)),
				)
			case protocol.Error:
				if !answered {
					return exitError{code: 1, err: fmt.Errorf("server failed to start: %w", ev.Cause)}
				}
				log.Error("server error", zap.Error(ev.Cause), zap.String("kind", string(ev.Kind())))
			default:
				log.Info("server event", zap.String("type", protocol.EventName(ev)), zap.Any("event", ev))
			}
			answered = true
		}
	}
}
