// Package httpapi serves the org-scoped ledger API over chi, the internal
// ingest endpoints and the operational probes.
package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/anomaly"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/auth"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/clock"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/export"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/logging"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/metrics"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/session"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/stream"
)

// Deps wires the API to the ledger components. Gatherer, Limiter and System
// are optional.
type Deps struct {
	Auth      *auth.Authenticator
	Recorder  *ledger.Recorder
	Verifier  *ledger.Verifier
	Query     *export.Service
	Sessions  *session.Registry
	Detector  *anomaly.Detector
	Metrics   *metrics.Aggregator
	Streams   *stream.Subscriptions
	Guard     *IngestGuard
	Limiter   *OrgLimiter
	Gatherer  prometheus.Gatherer
	Clock     clock.Clock
	Logger    *slog.Logger
	Readiness func() bool
	System    http.Handler
}

type API struct {
	Deps
	logger *slog.Logger
}

func New(d Deps) *API {
	if d.Clock == nil {
		d.Clock = clock.RealClock{}
	}
	return &API{Deps: d, logger: logging.OrDiscard(d.Logger).With("component", "httpapi")}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer)

	r.Get("/healthz", a.health)
	if a.System != nil {
		r.Method(http.MethodGet, "/system/status", a.System)
	}
	if a.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/internal/v1", func(r chi.Router) {
		if a.Guard != nil {
			r.Use(a.Guard.Wrap)
		}
		r.Post("/events", a.recordEvent)
		r.Post("/sessions", a.registerSession)
		r.Post("/orgs/{orgID}/verify", a.verifyChain)
		r.Post("/orgs/{orgID}/archive", a.archiveChain)
	})

	r.Route("/api/v1/orgs/{orgID}", func(r chi.Router) {
		r.Use(auth.HTTPMiddleware(a.Auth, nil), a.orgScope)

		r.Get("/activity", a.listActivity)
		r.Get("/activity/summary", a.activitySummary)

		r.Get("/sessions", a.listSessions)
		r.Post("/sessions/{sessionID}/revoke", a.revokeSession)
		r.Post("/sessions/revoke-all", a.revokeAllSessions)

		r.Get("/suspicious-activity", a.listSuspicious)
		r.Get("/suspicious-activity/patterns", a.suspiciousPatterns)

		r.Get("/security-metrics/overview", a.metricsOverview)
		r.Get("/security-metrics/logins", a.metricsLogins)
		r.Get("/security-metrics/access-control", a.metricsAccessControl)
		r.Get("/security-metrics/compliance", a.metricsCompliance)

		r.Get("/stream-config", a.getStreamConfig)
		r.Put("/stream-config", a.putStreamConfig)

		r.Group(func(r chi.Router) {
			if a.Limiter != nil {
				r.Use(a.Limiter.Middleware)
			}
			r.Get("/export/csv", a.exportFormat(export.FormatCSV))
			r.Get("/export/json", a.exportFormat(export.FormatJSON))
		})
	})
	return r
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	if a.Readiness != nil && !a.Readiness() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("degraded"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// orgScope hides other organizations: a principal asking for a different org
// gets the same 404 an unknown resource would.
func (a *API) orgScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFromContext(r.Context())
		if !ok || p.OrgID != chi.URLParam(r, "orgID") {
			a.fail(w, r, errNotFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}
