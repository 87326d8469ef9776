package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

type contextKey string

const principalContextKey contextKey = "principal"

// Principal is the authenticated caller of an org-scoped request.
type Principal struct {
	UserID    string
	OrgID     string
	SessionID string
	TokenHash string
}

// Claims are the bearer token claims the ledger reads: sub is the user, org
// the organization the session was issued for.
type Claims struct {
	OrgID     string `json:"org"`
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

type JWTVerifier struct {
	keyset HMACKeyset
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{keyset: HMACKeyset{ActiveKID: "default", Keys: map[string][]byte{"default": []byte(secret)}}}
}

func NewJWTVerifierWithKeyset(keyset HMACKeyset) *JWTVerifier {
	return &JWTVerifier{keyset: keyset}
}

func (v *JWTVerifier) keyFor(token *jwt.Token) (any, error) {
	if token.Method != jwt.SigningMethodHS256 {
		return nil, errors.New("unexpected signing method")
	}
	kid, _ := token.Header["kid"].(string)
	if kid == "" {
		kid = v.keyset.ActiveKID
	}
	key, ok := v.keyset.Keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown kid %q", kid)
	}
	return key, nil
}

// Parse verifies the token and returns its claims; sub and org are required.
func (v *JWTVerifier) Parse(tokenString string) (Claims, error) {
	var claims Claims
	tok, err := jwt.ParseWithClaims(tokenString, &claims, v.keyFor,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(5*time.Second),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !tok.Valid {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.OrgID) == "" {
		return Claims{}, fmt.Errorf("%w: missing sub or org claim", ErrInvalidToken)
	}
	return claims, nil
}

// JWTSigner mints tokens. The ledger never issues tokens to end users; this
// serves tests and local tooling.
type JWTSigner struct {
	keyset HMACKeyset
}

func NewJWTSignerWithKeyset(keyset HMACKeyset) *JWTSigner {
	return &JWTSigner{keyset: keyset}
}

func (s *JWTSigner) Sign(userID, orgID, sessionID string, now time.Time, ttl time.Duration) (string, time.Time, error) {
	exp := now.Add(ttl)
	claims := Claims{
		OrgID:     orgID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = s.keyset.ActiveKID
	signed, err := token.SignedString(s.keyset.Keys[s.keyset.ActiveKID])
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	v, ok := ctx.Value(principalContextKey).(Principal)
	return v, ok
}

func bearer(header string) (string, error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return "", ErrMissingToken
	}
	tok := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if tok == "" {
		return "", ErrMissingToken
	}
	return tok, nil
}
