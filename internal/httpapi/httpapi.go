// Package httpapi registers combatlogd's HTTP surface: liveness,
// session status, and the Prometheus scrape endpoint. Grounded on the
// teacher's internal/app/handlers.go registerHandlers/healthHandler
// pair (gorilla/mux router, a metrics-timing middleware wrapping every
// route, JSON map[string]interface{} bodies), trimmed from the
// teacher's dozen enterprise endpoints (DLQ, SLO, security audit,
// goroutine/memory debug) down to the three this service actually
// needs — there is no dead-letter queue, SLO manager, or security
// layer in this service's scope.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"combatlog/internal/metrics"
	"combatlog/internal/tracing"
	"combatlog/pkg/service"
)

// Dependencies are the handlers' view of the running daemon.
type Dependencies struct {
	Session     *service.ParsingSession
	AppName     string
	AppVersion  string
	StartTime   time.Time
	Tracer      *tracing.Manager
}

// metricsTimingMiddleware records response time for every route, the
// same responsibility the teacher's metricsMiddleware has.
func metricsTimingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		metrics.HTTPResponseTimeSeconds.WithLabelValues(r.URL.Path, r.Method).Observe(time.Since(start).Seconds())
	})
}

// NewRouter builds the mux.Router serving /healthz, /status, and
// /metrics, wrapping every route in the tracing middleware when deps.Tracer
// is non-nil, matching the teacher's conditional middleware composition
// in registerHandlers.
func NewRouter(deps Dependencies) *mux.Router {
	router := mux.NewRouter()

	wrap := func(h http.HandlerFunc) http.Handler {
		var handler http.Handler = metricsTimingMiddleware(h)
		if deps.Tracer != nil {
			handler = deps.Tracer.Handler("http_request")(handler)
		}
		return handler
	}

	router.Handle("/healthz", wrap(deps.healthzHandler)).Methods("GET")
	router.Handle("/status", wrap(deps.statusHandler)).Methods("GET")
	router.Handle("/metrics", wrap(promhttp.Handler().ServeHTTP)).Methods("GET")

	return router
}

func (deps Dependencies) healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "healthy",
		"app":     deps.AppName,
		"version": deps.AppVersion,
		"uptime":  time.Since(deps.StartTime).String(),
	})
}

// statusHandler reports the single human-readable status string
// §7 of the spec requires, alongside the app's identity and uptime.
func (deps Dependencies) statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	body := map[string]interface{}{
		"app":     deps.AppName,
		"version": deps.AppVersion,
		"uptime":  time.Since(deps.StartTime).String(),
	}
	if deps.Session != nil {
		body["session_status"] = string(deps.Session.Status())
	} else {
		body["session_status"] = "unavailable"
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(body)
}
