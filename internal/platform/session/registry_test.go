package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/clock"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/sqldb"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T, store Store) (*Registry, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(t0)
	return NewRegistry(Config{RetentionGrace: time.Hour}, store, clk, nil, nil), clk
}

func register(t *testing.T, r *Registry, org, user, id string) Session {
	t.Helper()
	s, err := r.Register(context.Background(), Session{
		ID:        id,
		OrgID:     org,
		UserID:    user,
		TokenHash: HashToken("token-" + id),
		ExpiresAt: t0.Add(8 * time.Hour),
		IPAddress: "203.0.113.7",
	})
	if err != nil {
		t.Fatalf("register err: %v", err)
	}
	return s
}

func openSQLite(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sqldb.Open(context.Background(), sqldb.SQLite, filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open err: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s := NewSQLStore(db, sqldb.SQLite)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate err: %v", err)
	}
	return s
}

func TestRevokeAllRevokesEveryActiveSession(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	a := register(t, r, "org-a", "u1", "s1")
	b := register(t, r, "org-a", "u1", "s2")
	other := register(t, r, "org-a", "u2", "s3")
	sameUserOtherOrg := register(t, r, "org-b", "u1", "s4")

	n, err := r.RevokeAll(context.Background(), "org-a", "u1", "compromised")
	if err != nil {
		t.Fatalf("revokeAll err: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 revoked, got %d", n)
	}
	for _, s := range []Session{a, b} {
		if r.IsActive(s.TokenHash) {
			t.Fatalf("session %s still active", s.ID)
		}
		if _, err := r.Lookup(s.TokenHash); !errors.Is(err, ErrSessionRevoked) {
			t.Fatalf("expected ErrSessionRevoked for %s, got %v", s.ID, err)
		}
	}
	if !r.IsActive(other.TokenHash) || !r.IsActive(sameUserOtherOrg.TokenHash) {
		t.Fatalf("unrelated sessions must stay active")
	}
	if n, _ := r.RevokeAll(context.Background(), "org-a", "u1", "again"); n != 0 {
		t.Fatalf("second revokeAll should be a no-op, got %d", n)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	r, clk := newTestRegistry(t, nil)
	s := register(t, r, "org-a", "u1", "s1")
	first, err := r.Revoke(context.Background(), "org-a", s.ID, "logout")
	if err != nil {
		t.Fatalf("revoke err: %v", err)
	}
	clk.Advance(time.Minute)
	second, err := r.Revoke(context.Background(), "org-a", s.ID, "other")
	if err != nil {
		t.Fatalf("second revoke err: %v", err)
	}
	if !second.RevokedAt.Equal(*first.RevokedAt) || second.RevokeReason != "logout" {
		t.Fatalf("revocation must be write-once: first=%+v second=%+v", first, second)
	}
	if _, err := r.Revoke(context.Background(), "org-b", s.ID, "x"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("cross-org revoke must be not found, got %v", err)
	}
}

func TestLookupExpiry(t *testing.T) {
	r, clk := newTestRegistry(t, nil)
	s := register(t, r, "org-a", "u1", "s1")
	if _, err := r.Lookup(s.TokenHash); err != nil {
		t.Fatalf("lookup err: %v", err)
	}
	clk.Set(s.ExpiresAt)
	if _, err := r.Lookup(s.TokenHash); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
	if _, err := r.Lookup(HashToken("unknown")); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	cases := []Session{
		{UserID: "u1", TokenHash: "h", ExpiresAt: t0.Add(time.Hour)},
		{OrgID: "org-a", TokenHash: "h", ExpiresAt: t0.Add(time.Hour)},
		{OrgID: "org-a", UserID: "u1", ExpiresAt: t0.Add(time.Hour)},
		{OrgID: "org-a", UserID: "u1", TokenHash: "h", ExpiresAt: t0},
	}
	for i, c := range cases {
		if _, err := r.Register(context.Background(), c); !errors.Is(err, ErrInvalidSession) {
			t.Fatalf("case %d: expected ErrInvalidSession, got %v", i, err)
		}
	}
	register(t, r, "org-a", "u1", "s1")
	dup := Session{OrgID: "org-a", UserID: "u1", TokenHash: HashToken("token-s1"), ExpiresAt: t0.Add(time.Hour)}
	if _, err := r.Register(context.Background(), dup); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("duplicate token must be rejected, got %v", err)
	}
}

func TestConcurrentRegisterAndRevokeAll(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	const n = 50
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			id := fmt.Sprintf("s%02d", i)
			_, err := r.Register(context.Background(), Session{
				ID: id, OrgID: "org-a", UserID: "u1",
				TokenHash: HashToken("token-" + id), ExpiresAt: t0.Add(time.Hour),
			})
			if err != nil {
				t.Errorf("register %s err: %v", id, err)
			}
		}(i)
	}
	var revoked int
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start
		got, err := r.RevokeAll(context.Background(), "org-a", "u1", "race")
		if err != nil {
			t.Errorf("revokeAll err: %v", err)
		}
		revoked = got
	}()
	close(start)
	wg.Wait()

	inactive := 0
	for _, s := range r.List("org-a", "u1", true) {
		if s.RevokedAt != nil {
			inactive++
		}
	}
	if inactive != revoked {
		t.Fatalf("revokeAll reported %d but %d sessions are revoked", revoked, inactive)
	}
	rest, err := r.RevokeAll(context.Background(), "org-a", "u1", "sweep")
	if err != nil {
		t.Fatalf("revokeAll err: %v", err)
	}
	if revoked+rest != n {
		t.Fatalf("expected %d revocations in total, got %d+%d", n, revoked, rest)
	}
	if active := r.List("org-a", "u1", false); len(active) != 0 {
		t.Fatalf("expected no active sessions, got %d", len(active))
	}
}

func TestPurgeExpired(t *testing.T) {
	r, clk := newTestRegistry(t, nil)
	s := register(t, r, "org-a", "u1", "s1")
	clk.Set(s.ExpiresAt.Add(30 * time.Minute))
	if n, _ := r.PurgeExpired(context.Background()); n != 0 {
		t.Fatalf("session inside grace must be kept, purged %d", n)
	}
	clk.Set(s.ExpiresAt.Add(2 * time.Hour))
	n, err := r.PurgeExpired(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("expected 1 purged, got %d err=%v", n, err)
	}
	if _, err := r.Get("org-a", s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("purged session still present: %v", err)
	}
}

func TestSQLStorePersistsRevocation(t *testing.T) {
	store := openSQLite(t)
	r, _ := newTestRegistry(t, store)
	s := register(t, r, "org-a", "u1", "s1")
	register(t, r, "org-a", "u1", "s2")
	if _, err := r.Revoke(context.Background(), "org-a", s.ID, "logout"); err != nil {
		t.Fatalf("revoke err: %v", err)
	}

	// A stale write without revokedAt must not resurrect the session.
	if err := store.Save(context.Background(), s); err != nil {
		t.Fatalf("save err: %v", err)
	}

	reloaded, _ := newTestRegistry(t, store)
	n, err := reloaded.Load(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("load: n=%d err=%v", n, err)
	}
	got, err := reloaded.Lookup(s.TokenHash)
	if !errors.Is(err, ErrSessionRevoked) || got.RevokeReason != "logout" {
		t.Fatalf("expected persisted revocation, got %+v err=%v", got, err)
	}
	if !reloaded.IsActive(HashToken("token-s2")) {
		t.Fatalf("unrevoked session should survive reload")
	}

	n, err = store.Purge(context.Background(), t0.Add(24*time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
}

func TestObserverRevokesAndRecords(t *testing.T) {
	r, clk := newTestRegistry(t, nil)
	ls := ledger.NewMemoryStore()
	w := ledger.NewWriter(ls, ledger.DevKeyRing(), ledger.WriterConfig{}, ledger.WithClock(clk))
	rec := ledger.NewRecorder(ledger.NewNormalizer(clk), w, nil, ledger.RetryConfig{}, nil)
	r.SetRecorder(LedgerRecorder{Recorder: rec})

	register(t, r, "org-a", "u1", "s1")
	register(t, r, "org-a", "u1", "s2")
	logout := register(t, r, "org-a", "u2", "s3")

	deleteUser := ledger.Entry{AuditEvent: ledger.AuditEvent{
		OrgID: "org-a", ActorID: "admin", Action: ledger.ActionDelete,
		EntityType: ledger.EntityUser, EntityID: "u1", Result: ledger.ResultSuccess,
	}}
	if err := r.Observe(context.Background(), deleteUser); err != nil {
		t.Fatalf("observe delete err: %v", err)
	}
	if active := r.List("org-a", "u1", false); len(active) != 0 {
		t.Fatalf("deleted user still has %d active sessions", len(active))
	}

	logoutEntry := ledger.Entry{AuditEvent: ledger.AuditEvent{
		OrgID: "org-a", ActorID: "u2", Action: ledger.ActionLogout,
		EntityType: ledger.EntitySession, EntityID: logout.ID, Result: ledger.ResultSuccess,
	}}
	if err := r.Observe(context.Background(), logoutEntry); err != nil {
		t.Fatalf("observe logout err: %v", err)
	}
	if r.IsActive(logout.TokenHash) {
		t.Fatalf("logged out session still active")
	}

	var revokes int
	err := ls.Scan(context.Background(), ledger.Filter{OrgID: "org-a", Action: ledger.ActionRevoke}, func(e ledger.Entry) error {
		if e.EntityType != ledger.EntitySession || e.ActorID != SystemActor {
			t.Fatalf("unexpected revocation entry %+v", e)
		}
		revokes++
		return nil
	})
	if err != nil {
		t.Fatalf("scan err: %v", err)
	}
	if revokes != 3 {
		t.Fatalf("expected 3 REVOKE SESSION entries, got %d", revokes)
	}

	failed := deleteUser
	failed.EntityID = "u2"
	failed.Result = ledger.ResultDenied
	register(t, r, "org-a", "u2", "s4")
	if err := r.Observe(context.Background(), failed); err != nil {
		t.Fatalf("observe denied err: %v", err)
	}
	if !r.IsActive(HashToken("token-s4")) {
		t.Fatalf("a denied delete must not revoke sessions")
	}
}

func TestRegisterRejectsConcurrentDuplicateToken(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := r.Register(context.Background(), Session{
				ID: fmt.Sprintf("s%02d", i), OrgID: "org-a", UserID: fmt.Sprintf("u%02d", i),
				TokenHash: HashToken("shared-token"), ExpiresAt: t0.Add(time.Hour),
			})
			switch {
			case err == nil:
				mu.Lock()
				ok++
				mu.Unlock()
			case !errors.Is(err, ErrInvalidSession):
				t.Errorf("register %d err: %v", i, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	if ok != 1 {
		t.Fatalf("expected exactly one registration of the shared token, got %d", ok)
	}
	if got := len(r.List("org-a", "", true)); got != 1 {
		t.Fatalf("expected one indexed session, got %d", got)
	}
}

type failingSaveStore struct {
	fail bool
}

func (s *failingSaveStore) Save(context.Context, Session) error {
	if s.fail {
		return errors.New("disk full")
	}
	return nil
}

func (s *failingSaveStore) Load(context.Context) ([]Session, error) { return nil, nil }

func (s *failingSaveStore) Purge(context.Context, time.Time) (int, error) { return 0, nil }

func TestRegisterReleasesClaimWhenSaveFails(t *testing.T) {
	store := &failingSaveStore{fail: true}
	r, _ := newTestRegistry(t, store)
	s := Session{ID: "s1", OrgID: "org-a", UserID: "u1", TokenHash: HashToken("token-s1"), ExpiresAt: t0.Add(time.Hour)}
	if _, err := r.Register(context.Background(), s); err == nil {
		t.Fatal("expected persist error")
	}
	if r.IsActive(s.TokenHash) {
		t.Fatal("failed registration must not stay indexed")
	}
	store.fail = false
	if _, err := r.Register(context.Background(), s); err != nil {
		t.Fatalf("retry register err: %v", err)
	}
	if !r.IsActive(s.TokenHash) {
		t.Fatal("retried session not active")
	}
}

// blockingRecorder parks every RecordRevocation until release is closed.
type blockingRecorder struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingRecorder) RecordRevocation(ctx context.Context, _ Session, _ string) error {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestRevokeAllDoesNotHoldUserLockDuringWriteBack(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	rec := &blockingRecorder{entered: make(chan struct{}), release: make(chan struct{})}
	r.SetRecorder(rec)
	old := register(t, r, "org-a", "u1", "s1")

	done := make(chan error, 1)
	go func() {
		_, err := r.RevokeAll(context.Background(), "org-a", "u1", "compromised")
		done <- err
	}()
	select {
	case <-rec.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder never called")
	}
	if r.IsActive(old.TokenHash) {
		t.Fatal("revocation must be in effect before the write-back finishes")
	}

	registered := make(chan error, 1)
	go func() {
		_, err := r.Register(context.Background(), Session{
			ID: "s2", OrgID: "org-a", UserID: "u1",
			TokenHash: HashToken("token-s2"), ExpiresAt: t0.Add(time.Hour),
		})
		registered <- err
	}()
	select {
	case err := <-registered:
		if err != nil {
			t.Fatalf("register err: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("register blocked behind the revocation write-back")
	}
	if !r.IsActive(HashToken("token-s2")) {
		t.Fatal("session registered after the sweep must stay active")
	}

	close(rec.release)
	if err := <-done; err != nil {
		t.Fatalf("revokeAll err: %v", err)
	}
}
