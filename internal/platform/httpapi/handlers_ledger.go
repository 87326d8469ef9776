package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/export"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/session"
)

const defaultTopN = 10

func (a *API) activityQuery(r *http.Request) (export.Query, error) {
	from, err := queryTime(r, "from")
	if err != nil {
		return export.Query{}, err
	}
	to, err := queryTime(r, "to")
	if err != nil {
		return export.Query{}, err
	}
	size, err := queryInt(r, "pageSize", 0)
	if err != nil {
		return export.Query{}, err
	}
	q := r.URL.Query()
	return export.Query{
		OrgID:      chi.URLParam(r, "orgID"),
		ActorID:    strings.TrimSpace(q.Get("actorId")),
		Action:     strings.TrimSpace(q.Get("action")),
		EntityType: strings.TrimSpace(q.Get("entityType")),
		From:       from,
		To:         to,
		PageToken:  strings.TrimSpace(q.Get("pageToken")),
		PageSize:   size,
	}, nil
}

func (a *API) listActivity(w http.ResponseWriter, r *http.Request) {
	q, err := a.activityQuery(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	page, err := a.Query.List(r.Context(), q)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) activitySummary(w http.ResponseWriter, r *http.Request) {
	q, err := a.activityQuery(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	topN, err := queryInt(r, "top", defaultTopN)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	summary, err := a.Query.Summary(r.Context(), q, topN)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// exportFormat verifies before the first byte so tamper status can be sent in
// headers as well as in the JSON metadata.
func (a *API) exportFormat(format export.Format) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := a.activityQuery(r)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		x, err := a.Query.Prepare(r.Context(), format, q)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		meta := x.Metadata()
		h := w.Header()
		name := fmt.Sprintf("audit-%s-%s.%s", meta.OrgID, meta.GeneratedAt.UTC().Format("20060102T150405Z"), format)
		h.Set("Content-Disposition", `attachment; filename="`+name+`"`)
		if format == export.FormatCSV {
			h.Set("Content-Type", "text/csv; charset=utf-8")
		} else {
			h.Set("Content-Type", "application/json")
		}
		h.Set("X-Ledger-Tamper-Warning", strconv.FormatBool(meta.TamperWarning))
		if meta.TamperWarning {
			h.Set("X-Ledger-Broken-At-Seq", strconv.FormatInt(meta.BrokenAtSeq, 10))
		}
		h.Set("X-Ledger-Upper-Seq", strconv.FormatInt(meta.UpperSeq, 10))
		w.WriteHeader(http.StatusOK)
		n, err := x.WriteTo(r.Context(), w)
		if err != nil {
			a.logger.Warn("export aborted", "org_id", meta.OrgID, "format", format, "written", n, "error", err)
		}
	}
}

func (a *API) recordEvent(w http.ResponseWriter, r *http.Request) {
	var n ledger.Notice
	if err := decodeBody(r, &n); err != nil {
		a.fail(w, r, err)
		return
	}
	entry, err := a.Recorder.Record(r.Context(), n)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (a *API) verifyChain(w http.ResponseWriter, r *http.Request) {
	from, err := queryInt(r, "fromSeq", 0)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	to, err := queryInt(r, "toSeq", 0)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	res, err := a.Verifier.Verify(r.Context(), chi.URLParam(r, "orgID"), int64(from), int64(to))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) archiveChain(w http.ResponseWriter, r *http.Request) {
	through, err := queryInt(r, "throughSeq", 0)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	cp, err := a.Verifier.ArchiveThrough(r.Context(), chi.URLParam(r, "orgID"), int64(through))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

type registerSessionRequest struct {
	ID                string    `json:"id"`
	OrgID             string    `json:"orgId"`
	UserID            string    `json:"userId"`
	Token             string    `json:"token"`
	TokenHash         string    `json:"tokenHash"`
	CreatedAt         time.Time `json:"createdAt"`
	ExpiresAt         time.Time `json:"expiresAt"`
	IPAddress         string    `json:"ipAddress"`
	DeviceFingerprint string    `json:"deviceFingerprint"`
}

func (a *API) registerSession(w http.ResponseWriter, r *http.Request) {
	var req registerSessionRequest
	if err := decodeBody(r, &req); err != nil {
		a.fail(w, r, err)
		return
	}
	hash := strings.TrimSpace(req.TokenHash)
	if req.Token != "" {
		hash = session.HashToken(req.Token)
	}
	s, err := a.Sessions.Register(r.Context(), session.Session{
		ID:                req.ID,
		OrgID:             req.OrgID,
		UserID:            req.UserID,
		TokenHash:         hash,
		CreatedAt:         req.CreatedAt,
		ExpiresAt:         req.ExpiresAt,
		IPAddress:         req.IPAddress,
		DeviceFingerprint: req.DeviceFingerprint,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}
