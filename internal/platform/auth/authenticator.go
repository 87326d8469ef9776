package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/session"
)

// SessionLookup is the "current session" check.
type SessionLookup interface {
	Lookup(tokenHash string) (session.Session, error)
}

// Authenticator verifies the bearer token and requires a live session that
// belongs to the token's user and org.
type Authenticator struct {
	verifier *JWTVerifier
	sessions SessionLookup
}

func NewAuthenticator(verifier *JWTVerifier, sessions SessionLookup) *Authenticator {
	return &Authenticator{verifier: verifier, sessions: sessions}
}

func (a *Authenticator) Authenticate(authorization string) (Principal, error) {
	raw, err := bearer(authorization)
	if err != nil {
		return Principal{}, err
	}
	claims, err := a.verifier.Parse(raw)
	if err != nil {
		return Principal{}, err
	}
	hash := session.HashToken(raw)
	s, err := a.sessions.Lookup(hash)
	if err != nil {
		return Principal{}, err
	}
	if s.UserID != claims.Subject || s.OrgID != claims.OrgID {
		return Principal{}, ErrInvalidToken
	}
	if claims.SessionID != "" && claims.SessionID != s.ID {
		return Principal{}, ErrInvalidToken
	}
	return Principal{UserID: s.UserID, OrgID: s.OrgID, SessionID: s.ID, TokenHash: hash}, nil
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// WriteError writes the JSON error envelope shared by every HTTP handler.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code, body.Error.Message = code, message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ErrorCode maps an authentication failure to its response code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionRevoked):
		return "SESSION_REVOKED"
	case errors.Is(err, session.ErrSessionExpired):
		return "SESSION_EXPIRED"
	case errors.Is(err, ErrMissingToken):
		return "MISSING_TOKEN"
	default:
		return "UNAUTHENTICATED"
	}
}

// HTTPMiddleware authenticates every request not in skipPaths.
func HTTPMiddleware(a *Authenticator, skipPaths []string) func(http.Handler) http.Handler {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := skip[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			p, err := a.Authenticate(r.Header.Get("Authorization"))
			if err != nil {
				WriteError(w, http.StatusUnauthorized, ErrorCode(err), "authentication required")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}
