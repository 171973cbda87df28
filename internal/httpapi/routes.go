package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/DoyleJ11/gnomella-netplay/internal/ws"
)

func SetupRoutes(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", Healthz)
	r.Get("/status", Status(d))
	r.Get("/friends", Friends(d))
	r.Handle("/metrics", d.Metrics.Handler())
	r.Get("/events", ws.Handler(ws.Options{
		Hub:      d.Hub,
		Commands: d.Commands,
		Base:     d.BaseConfig,
		Log:      d.Log,
	}))
	return r
}
