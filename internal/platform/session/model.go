package session

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionRevoked  = errors.New("session revoked")
	ErrSessionExpired  = errors.New("session expired")
	ErrInvalidSession  = errors.New("invalid session")
)

type Session struct {
	ID                string     `json:"id"`
	UserID            string     `json:"userId"`
	OrgID             string     `json:"orgId"`
	TokenHash         string     `json:"-"`
	CreatedAt         time.Time  `json:"createdAt"`
	ExpiresAt         time.Time  `json:"expiresAt"`
	RevokedAt         *time.Time `json:"revokedAt,omitempty"`
	RevokeReason      string     `json:"revokeReason,omitempty"`
	IPAddress         string     `json:"ipAddress"`
	DeviceFingerprint string     `json:"deviceFingerprint"`
}

// ActiveAt reports whether the session authorizes requests at now.
func (s Session) ActiveAt(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// HashToken is the lookup key stored for a bearer token; raw tokens are never
// kept.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func clone(s *Session) Session {
	out := *s
	if s.RevokedAt != nil {
		t := *s.RevokedAt
		out.RevokedAt = &t
	}
	return out
}
