// Package httpapi is the admin HTTP surface: health, server status, the
// joinable friend list, metrics and the event feed.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/DoyleJ11/gnomella-netplay/internal/hub"
	"github.com/DoyleJ11/gnomella-netplay/internal/lobby"
	"github.com/DoyleJ11/gnomella-netplay/internal/metrics"
	"github.com/DoyleJ11/gnomella-netplay/internal/protocol"
	"github.com/DoyleJ11/gnomella-netplay/internal/server"
	"github.com/DoyleJ11/gnomella-netplay/internal/types"
	"github.com/DoyleJ11/gnomella-netplay/internal/ws"
	wire "github.com/DoyleJ11/gnomella-netplay/pkg/types"
)

const requestTimeout = 5 * time.Second

// StatusSource answers the server role's status. *server.Supervisor is one.
type StatusSource interface {
	Status(ctx context.Context) (server.Status, error)
}

// Deps are the components the admin surface reads. Server, Lobbies and
// Commands are nil when the process has no such component.
type Deps struct {
	Hub        *hub.Hub
	Server     StatusSource
	Lobbies    *lobby.Manager
	Metrics    *metrics.Metrics
	Commands   ws.CommandSink
	BaseConfig protocol.ServerConfig
	Log        *zap.Logger
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func Status(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Server == nil {
			writeError(w, http.StatusServiceUnavailable, "no server role in this process")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		st, err := d.Server.Status(ctx)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, types.Status(st))
	}
}

// Friends lists friends hosting a joinable lobby of app_id, which defaults
// to this game's app id.
func Friends(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Lobbies == nil {
			writeError(w, http.StatusServiceUnavailable, "no presence service")
			return
		}
		app := d.Lobbies.AppID()
		if raw := r.URL.Query().Get("app_id"); raw != "" {
			v, err := strconv.ParseUint(raw, 10, 32)
			if err != nil {
				writeError(w, http.StatusBadRequest, "app_id must be an unsigned integer")
				return
			}
			app = protocol.AppID(v)
		}

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		out := []wire.FriendMessage{}
		for f, err := range d.Lobbies.ListJoinableFriends(ctx, app) {
			if err != nil {
				writeError(w, http.StatusBadGateway, err.Error())
				return
			}
			out = append(out, types.Friend(f))
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, wire.ErrorMessage{Type: "Error", Error: msg})
}
