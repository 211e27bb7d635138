package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router: socket binding, the hub endpoint and
// one route triple per registered provider.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(a.Metrics.Instrument)
	r.Use(CORSMiddleware(a.Config.Server.CORS))
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/healthz", a.handleHealthz)
	r.Handle("/metrics", a.Metrics.Handler())

	r.Get("/socket/register/{socketId}", a.handleSocketRegister)
	r.Get(a.Config.Sockets.Path, a.Hub.ServeHTTP)

	a.Registrar.Mount(r)

	return r
}
