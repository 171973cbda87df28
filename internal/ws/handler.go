// Package ws streams server events to admin clients over a websocket and
// accepts server commands back.
package ws

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/DoyleJ11/gnomella-netplay/internal/hub"
	"github.com/DoyleJ11/gnomella-netplay/internal/protocol"
	"github.com/DoyleJ11/gnomella-netplay/internal/types"
	wire "github.com/DoyleJ11/gnomella-netplay/pkg/types"
)

const (
	writeTimeout = 3 * time.Second
	outboxSize   = 8
)

// CommandSink accepts commands for the server role. channel.ClientEnd is
// one; a nil sink means there is no server role in this process.
type CommandSink interface {
	Send(protocol.ClientCommand) error
}

type Options struct {
	Hub      *hub.Hub
	Commands CommandSink
	// Base fills StartServer fields the admin client leaves out.
	Base protocol.ServerConfig
	Log  *zap.Logger
}

func Handler(opts Options) http.HandlerFunc {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// In dev ONLY, you can loosen origin checks:
			// OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		out := make(chan hub.Envelope, outboxSize)
		clientID := ulid.MustNew(ulid.Now(), rand.Reader).String()
		log := log.With(zap.String("subscriber", clientID))

		opts.Hub.Inbox() <- hub.Join{ClientID: clientID, Outbox: out}
		defer func() {
			select {
			case opts.Hub.Inbox() <- hub.Leave{ClientID: clientID}:
			case <-opts.Hub.Done():
			}
		}()

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			defer writeCancel()
			for env := range out {
				if err := writeJSON(writeCtx, conn, types.Event(env)); err != nil {
					log.Debug("event write failed", zap.Error(err))
					return
				}
			}
			// Dropped as a slow subscriber, or the hub shut down.
			conn.Close(websocket.StatusTryAgainLater, "event feed closed")
		}()

		// Reader loop
		for {
			_, data, err := conn.Read(writeCtx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					if !errors.Is(err, context.Canceled) {
						log.Debug("admin socket read failed", zap.Error(err))
					}
				}
				return
			}

			var cm wire.CommandMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				writeError(writeCtx, conn, "bad json")
				continue
			}
			cmd, err := types.Command(cm, opts.Base)
			if err != nil {
				writeError(writeCtx, conn, err.Error())
				continue
			}
			if opts.Commands == nil {
				writeError(writeCtx, conn, "no server role in this process")
				continue
			}
			if err := opts.Commands.Send(cmd); err != nil {
				writeError(writeCtx, conn, err.Error())
				continue
			}
			log.Info("admin command", zap.String("command", protocol.CommandName(cmd)))
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}

func writeError(ctx context.Context, conn *websocket.Conn, msg string) {
	_ = writeJSON(ctx, conn, wire.ErrorMessage{Type: "Error", Error: msg})
}
