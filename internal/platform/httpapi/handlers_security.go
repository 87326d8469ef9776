package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/anomaly"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/auth"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/metrics"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/stream"
)

const defaultSuspiciousLimit = 100

func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	sessions := a.Sessions.List(chi.URLParam(r, "orgID"), userID, queryBool(r, "includeInactive"))
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

type revokeRequest struct {
	UserID string `json:"userId,omitempty"`
	Reason string `json:"reason"`
}

func (a *API) revokeBody(r *http.Request) (revokeRequest, error) {
	var req revokeRequest
	if r.ContentLength == 0 {
		return req, nil
	}
	err := decodeBody(r, &req)
	return req, err
}

func (a *API) revokeSession(w http.ResponseWriter, r *http.Request) {
	req, err := a.revokeBody(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "revoked by administrator"
	}
	s, err := a.Sessions.Revoke(r.Context(), chi.URLParam(r, "orgID"), chi.URLParam(r, "sessionID"), req.Reason)
	if err != nil && s.ID == "" {
		a.fail(w, r, err)
		return
	}
	if err != nil {
		a.logger.Warn("session revoked but not recorded", "org_id", s.OrgID, "session_id", s.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, s)
}

// revokeAllSessions defaults to the caller's own sessions when no user is
// named.
func (a *API) revokeAllSessions(w http.ResponseWriter, r *http.Request) {
	req, err := a.revokeBody(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if req.UserID == "" {
		p, _ := auth.PrincipalFromContext(r.Context())
		req.UserID = p.UserID
	}
	if req.Reason == "" {
		req.Reason = "revoke all sessions"
	}
	n, err := a.Sessions.RevokeAll(r.Context(), chi.URLParam(r, "orgID"), req.UserID, req.Reason)
	if err != nil && n == 0 {
		a.fail(w, r, err)
		return
	}
	if err != nil {
		a.logger.Warn("sessions revoked but not recorded", "user_id", req.UserID, "revoked", n, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"userId": req.UserID, "revokedCount": n})
}

func (a *API) listSuspicious(w http.ResponseWriter, r *http.Request) {
	from, err := queryTime(r, "from")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultSuspiciousLimit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	v := r.URL.Query()
	q := anomaly.Query{
		OrgID:   chi.URLParam(r, "orgID"),
		Kind:    anomaly.PatternKind(strings.ToUpper(v.Get("patternKind"))),
		ActorID: strings.TrimSpace(v.Get("actorId")),
		Status:  anomaly.Status(strings.ToLower(v.Get("status"))),
		From:    from,
		To:      to,
		Offset:  offset,
		Limit:   limit,
	}
	if raw := strings.ToUpper(strings.TrimSpace(v.Get("minSeverity"))); raw != "" {
		sev, ok := anomaly.ParseSeverity(raw)
		if !ok {
			a.fail(w, r, fmt.Errorf("%w: unknown severity %q", errBadRequest, raw))
			return
		}
		q.MinSeverity = sev
	}
	records, err := a.Detector.Store().List(r.Context(), q)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if records == nil {
		records = []anomaly.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records, "count": len(records)})
}

func (a *API) suspiciousPatterns(w http.ResponseWriter, r *http.Request) {
	from, err := queryTime(r, "from")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	to, err := queryTime(r, "to")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	topN, err := queryInt(r, "top", defaultTopN)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	summary, err := a.Detector.Summary(r.Context(), chi.URLParam(r, "orgID"), from, to, topN)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) period(r *http.Request) (metrics.Period, error) {
	return metrics.ParsePeriod(r.URL.Query().Get("period"), a.Clock.Now())
}

func (a *API) metricsOverview(w http.ResponseWriter, r *http.Request) {
	p, err := a.period(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	snap, err := a.Metrics.Snapshot(r.Context(), chi.URLParam(r, "orgID"), p)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) metricsLogins(w http.ResponseWriter, r *http.Request) {
	p, err := a.period(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	topN, err := queryInt(r, "top", defaultTopN)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	stats, err := a.Metrics.Logins(r.Context(), chi.URLParam(r, "orgID"), p, topN)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) metricsAccessControl(w http.ResponseWriter, r *http.Request) {
	p, err := a.period(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ac, err := a.Metrics.AccessControl(r.Context(), chi.URLParam(r, "orgID"), p)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ac)
}

func (a *API) metricsCompliance(w http.ResponseWriter, r *http.Request) {
	p, err := a.period(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a.Metrics.Compliance(r.Context(), chi.URLParam(r, "orgID"), p))
}

func (a *API) getStreamConfig(w http.ResponseWriter, r *http.Request) {
	c, err := a.Streams.Get(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) putStreamConfig(w http.ResponseWriter, r *http.Request) {
	var c stream.Config
	if err := decodeBody(r, &c); err != nil {
		a.fail(w, r, err)
		return
	}
	c.OrgID = chi.URLParam(r, "orgID")
	out, err := a.Streams.Put(r.Context(), c)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
