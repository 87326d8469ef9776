package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/clock"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/logging"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/observability"
)

const DefaultRetentionGrace = 7 * 24 * time.Hour

// Store is the durable side of the registry. Save must never clear a
// persisted revokedAt.
type Store interface {
	Save(ctx context.Context, s Session) error
	Load(ctx context.Context) ([]Session, error)
	Purge(ctx context.Context, expiredBefore time.Time) (int, error)
}

// RevocationRecorder writes revocations back into the ledger.
type RevocationRecorder interface {
	RecordRevocation(ctx context.Context, s Session, reason string) error
}

type Config struct {
	RetentionGrace time.Duration `yaml:"retention_grace"`
}

// Registry tracks sessions in memory, writing through to an optional Store.
// Revocation is visible to IsActive as soon as the revoking call marks it.
type Registry struct {
	clock    clock.Clock
	store    Store
	recorder RevocationRecorder
	metrics  *observability.Metrics
	logger   *slog.Logger
	grace    time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session
	byToken  map[string]string
	byUser   map[string]map[string]struct{}

	locksMu   sync.Mutex
	userLocks map[string]*sync.Mutex
}

func NewRegistry(cfg Config, store Store, clk clock.Clock, metrics *observability.Metrics, logger *slog.Logger) *Registry {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.RetentionGrace <= 0 {
		cfg.RetentionGrace = DefaultRetentionGrace
	}
	return &Registry{
		clock:     clk,
		store:     store,
		metrics:   metrics,
		logger:    logging.OrDiscard(logger).With("component", "sessions"),
		grace:     cfg.RetentionGrace,
		sessions:  map[string]*Session{},
		byToken:   map[string]string{},
		byUser:    map[string]map[string]struct{}{},
		userLocks: map[string]*sync.Mutex{},
	}
}

// SetRecorder wires the ledger after construction; the recorder itself
// depends on the ledger writer which observes this registry.
func (r *Registry) SetRecorder(rec RevocationRecorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorder = rec
}

// Load fills the registry from the store.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	all, err := r.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load sessions: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range all {
		r.indexLocked(&all[i])
	}
	r.publishGaugeLocked()
	return len(all), nil
}

func userKey(orgID, userID string) string { return orgID + "\x00" + userID }

func (r *Registry) userLock(orgID, userID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	key := userKey(orgID, userID)
	l, ok := r.userLocks[key]
	if !ok {
		l = &sync.Mutex{}
		r.userLocks[key] = l
	}
	return l
}

func (r *Registry) indexLocked(s *Session) {
	r.sessions[s.ID] = s
	r.byToken[s.TokenHash] = s.ID
	key := userKey(s.OrgID, s.UserID)
	ids, ok := r.byUser[key]
	if !ok {
		ids = map[string]struct{}{}
		r.byUser[key] = ids
	}
	ids[s.ID] = struct{}{}
}

func (r *Registry) unindexLocked(s *Session) {
	delete(r.sessions, s.ID)
	delete(r.byToken, s.TokenHash)
	key := userKey(s.OrgID, s.UserID)
	delete(r.byUser[key], s.ID)
	if len(r.byUser[key]) == 0 {
		delete(r.byUser, key)
	}
}

// Register records a new session. The id and token are claimed in the index
// before the store write and released again if it fails. It waits for an
// in-flight RevokeAll of the same user so no session slips past the sweep.
func (r *Registry) Register(ctx context.Context, s Session) (Session, error) {
	s.OrgID = strings.TrimSpace(s.OrgID)
	s.UserID = strings.TrimSpace(s.UserID)
	if s.OrgID == "" || s.UserID == "" || s.TokenHash == "" {
		return Session{}, fmt.Errorf("%w: orgId, userId and tokenHash are required", ErrInvalidSession)
	}
	now := r.clock.Now()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if !s.ExpiresAt.After(s.CreatedAt) {
		return Session{}, fmt.Errorf("%w: expiresAt must be after createdAt", ErrInvalidSession)
	}
	s.CreatedAt, s.ExpiresAt = s.CreatedAt.UTC(), s.ExpiresAt.UTC()
	s.RevokedAt, s.RevokeReason = nil, ""

	lock := r.userLock(s.OrgID, s.UserID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	_, dupID := r.sessions[s.ID]
	_, dupToken := r.byToken[s.TokenHash]
	if dupID || dupToken {
		r.mu.Unlock()
		return Session{}, fmt.Errorf("%w: session id or token already registered", ErrInvalidSession)
	}
	stored := s
	r.indexLocked(&stored)
	r.publishGaugeLocked()
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Save(ctx, s); err != nil {
			r.mu.Lock()
			r.unindexLocked(&stored)
			r.publishGaugeLocked()
			r.mu.Unlock()
			return Session{}, fmt.Errorf("persist session: %w", err)
		}
	}
	return s, nil
}

// IsActive reports whether tokenHash belongs to a live session.
func (r *Registry) IsActive(tokenHash string) bool {
	_, err := r.Lookup(tokenHash)
	return err == nil
}

// Lookup is the "current session" check used before authorizing a request.
func (r *Registry) Lookup(tokenHash string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byToken[tokenHash]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	s := r.sessions[id]
	if s.RevokedAt != nil {
		return clone(s), ErrSessionRevoked
	}
	if !r.clock.Now().Before(s.ExpiresAt) {
		return clone(s), ErrSessionExpired
	}
	return clone(s), nil
}

func (r *Registry) Get(orgID, sessionID string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.OrgID != orgID {
		return Session{}, ErrSessionNotFound
	}
	return clone(s), nil
}

// List returns the org's sessions newest first, optionally for one user.
func (r *Registry) List(orgID, userID string, includeInactive bool) []Session {
	now := r.clock.Now()
	r.mu.RLock()
	var out []Session
	for _, s := range r.sessions {
		if s.OrgID != orgID || (userID != "" && s.UserID != userID) {
			continue
		}
		if !includeInactive && !s.ActiveAt(now) {
			continue
		}
		out = append(out, clone(s))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Revoke marks one session revoked. Revoking an already revoked session is a
// no-op that returns the original revocation.
func (r *Registry) Revoke(ctx context.Context, orgID, sessionID, reason string) (Session, error) {
	now := r.clock.Now()
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok || s.OrgID != orgID {
		r.mu.Unlock()
		return Session{}, ErrSessionNotFound
	}
	if s.RevokedAt != nil {
		out := clone(s)
		r.mu.Unlock()
		return out, nil
	}
	s.RevokedAt, s.RevokeReason = &now, reason
	out := clone(s)
	r.publishGaugeLocked()
	r.mu.Unlock()

	r.metrics.ObserveRevocations("single", 1)
	return out, r.afterRevoke(ctx, []Session{out}, reason)
}

// RevokeAll revokes every live session of userID in orgID. The user's lock is
// held across the scan and mark only, so a concurrent Register either lands
// before the scan and is revoked, or waits until the marks are in place. The
// store and ledger write-back runs after the lock is released.
func (r *Registry) RevokeAll(ctx context.Context, orgID, userID, reason string) (int, error) {
	lock := r.userLock(orgID, userID)
	lock.Lock()

	now := r.clock.Now()
	var revoked []Session
	r.mu.Lock()
	for id := range r.byUser[userKey(orgID, userID)] {
		s := r.sessions[id]
		if s == nil || !s.ActiveAt(now) {
			continue
		}
		t := now
		s.RevokedAt, s.RevokeReason = &t, reason
		revoked = append(revoked, clone(s))
	}
	r.publishGaugeLocked()
	r.mu.Unlock()
	lock.Unlock()

	r.metrics.ObserveRevocations("all", len(revoked))
	if len(revoked) > 0 {
		r.logger.Info("sessions revoked", "org_id", orgID, "user_id", userID, "count", len(revoked), "reason", reason)
	}
	return len(revoked), r.afterRevoke(ctx, revoked, reason)
}

// afterRevoke persists and records revocations that are already in effect.
func (r *Registry) afterRevoke(ctx context.Context, revoked []Session, reason string) error {
	r.mu.RLock()
	rec := r.recorder
	r.mu.RUnlock()
	var firstErr error
	for _, s := range revoked {
		if r.store != nil {
			if err := r.store.Save(ctx, s); err != nil {
				r.logger.Error("persist revocation failed", "session_id", s.ID, "org_id", s.OrgID, "error", err)
				if firstErr == nil {
					firstErr = fmt.Errorf("persist revocation: %w", err)
				}
			}
		}
		if rec != nil {
			if err := rec.RecordRevocation(ctx, s, reason); err != nil {
				r.logger.Error("record revocation failed", "session_id", s.ID, "org_id", s.OrgID, "error", err)
				if firstErr == nil {
					firstErr = fmt.Errorf("record revocation: %w", err)
				}
			}
		}
	}
	return firstErr
}

// PurgeExpired drops sessions past expiry plus the retention grace.
func (r *Registry) PurgeExpired(ctx context.Context) (int, error) {
	cutoff := r.clock.Now().Add(-r.grace)
	r.mu.Lock()
	n := 0
	for _, s := range r.sessions {
		if !s.ExpiresAt.Before(cutoff) {
			continue
		}
		r.unindexLocked(s)
		n++
	}
	r.publishGaugeLocked()
	r.mu.Unlock()

	if r.store != nil {
		if _, err := r.store.Purge(ctx, cutoff); err != nil {
			return n, fmt.Errorf("purge sessions: %w", err)
		}
	}
	if n > 0 {
		r.logger.Info("expired sessions purged", "count", n)
	}
	return n, nil
}

func (r *Registry) publishGaugeLocked() {
	if r.metrics == nil {
		return
	}
	now := r.clock.Now()
	n := 0
	for _, s := range r.sessions {
		if s.ActiveAt(now) {
			n++
		}
	}
	r.metrics.SetSessionsActive(n)
}
