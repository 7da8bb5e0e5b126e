package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/ssbgp/dispatcher/internal/api/middleware"
	"github.com/ssbgp/dispatcher/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	RegisterHandler       http.HandlerFunc
	NextSimulationHandler http.HandlerFunc
	FinishedHandler       http.HandlerFunc
	FailedHandler         http.HandlerFunc

	SubmitHandler          http.HandlerFunc
	ListSimulationsHandler http.HandlerFunc
	DeleteHandler          http.HandlerFunc
	ListSimulatorsHandler  http.HandlerFunc
	StatusHandler          http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Worker-facing protocol
	r.Post("/api/v1/simulators", orNotImplemented(deps.RegisterHandler))
	r.Route("/api/v1/simulators/{simulatorID}", func(r chi.Router) {
		if deps.RateLimit != nil {
			r.Use(deps.RateLimit.Limit)
		}

		r.Post("/next", orNotImplemented(deps.NextSimulationHandler))
		r.Post("/finished", orNotImplemented(deps.FinishedHandler))
		r.Post("/failed", orNotImplemented(deps.FailedHandler))
	})

	// Administrative surface
	r.Get("/api/v1/simulators", orNotImplemented(deps.ListSimulatorsHandler))
	r.Post("/api/v1/simulations", orNotImplemented(deps.SubmitHandler))
	r.Get("/api/v1/simulations", orNotImplemented(deps.ListSimulationsHandler))
	r.Delete("/api/v1/simulations/{simulationID}", orNotImplemented(deps.DeleteHandler))
	r.Get("/api/v1/status", orNotImplemented(deps.StatusHandler))

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
