package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/anomaly"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/auth"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/export"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/metrics"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/session"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/stream"
)

var (
	errBadRequest = errors.New("bad request")
	errNotFound   = errors.New("not found")
)

// retryAfterSeconds is advertised on 503 responses for busy orgs.
const retryAfterSeconds = "1"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusError struct {
	status int
	code   string
}

func classify(err error) statusError {
	switch {
	case errors.Is(err, ledger.ErrOrgBusy):
		return statusError{http.StatusServiceUnavailable, string(ledger.KindOrgBusy)}
	case errors.Is(err, ledger.ErrConcurrencyTimeout):
		return statusError{http.StatusServiceUnavailable, string(ledger.KindConcurrencyTimeout)}
	case errors.Is(err, ledger.ErrValidation),
		errors.Is(err, export.ErrInvalidQuery),
		errors.Is(err, export.ErrInvalidPageToken),
		errors.Is(err, stream.ErrInvalidConfig),
		errors.Is(err, metrics.ErrInvalidPeriod),
		errors.Is(err, session.ErrInvalidSession),
		errors.Is(err, errBadRequest):
		return statusError{http.StatusBadRequest, "VALIDATION_FAILED"}
	case errors.Is(err, session.ErrSessionRevoked):
		return statusError{http.StatusUnauthorized, "SESSION_REVOKED"}
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, anomaly.ErrRecordNotFound),
		errors.Is(err, ledger.ErrEntryNotFound),
		errors.Is(err, errNotFound):
		return statusError{http.StatusNotFound, "NOT_FOUND"}
	case errors.Is(err, ledger.ErrChainIntegrity):
		return statusError{http.StatusConflict, "CHAIN_INTEGRITY"}
	case errors.Is(err, ledger.ErrStorageFailure):
		return statusError{http.StatusInternalServerError, string(ledger.KindStorageFailure)}
	default:
		return statusError{http.StatusInternalServerError, "INTERNAL"}
	}
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		return
	}
	se := classify(err)
	msg := err.Error()
	if se.status >= http.StatusInternalServerError && se.status != http.StatusServiceUnavailable {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = http.StatusText(se.status)
	}
	if se.status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	auth.WriteError(w, se.status, se.code, msg)
}
