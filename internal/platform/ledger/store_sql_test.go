package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/sqldb"
)

func openSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()
	db, err := sqldb.Open(ctx, sqldb.SQLite, filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open sqlite err: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	s := NewSQLStore(db, sqldb.SQLite)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate err: %v", err)
	}
	return s
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	w, _ := newTestWriter(t, store, WriterConfig{})

	withPayload := event("org-a", "u1", ActionUpdate, EntityPayment, testStart.Add(1500*time.Nanosecond))
	withPayload.Before = json.RawMessage(`{"b":2,"a":1}`)
	withPayload.After = json.RawMessage(`{"b":3,"a":1}`)
	e1 := mustAppend(t, w, withPayload)
	for i := 1; i < 7; i++ {
		mustAppend(t, w, event("org-a", "u2", ActionCreate, EntityInvoice, testStart.Add(time.Duration(i)*time.Hour)))
	}
	mustAppend(t, w, event("org-b", "u1", ActionCreate, EntityInvoice, testStart))

	got, err := store.GetEntry(ctx, "org-a", e1.EntryID)
	if err != nil {
		t.Fatalf("get entry err: %v", err)
	}
	if string(got.Before) != `{"b":2,"a":1}` {
		t.Fatalf("before must round-trip verbatim, got %s", got.Before)
	}
	if !got.Timestamp.Equal(e1.Timestamp) || Recompute(got) != e1.EntryHash {
		t.Fatalf("stored entry must recompute: ts=%v want=%v", got.Timestamp, e1.Timestamp)
	}
	if _, err := store.GetEntry(ctx, "org-b", e1.EntryID); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("cross-org get must be not found, got %v", err)
	}

	page, err := store.List(ctx, Filter{OrgID: "org-a", ActorID: "u2"}, 0, 4)
	if err != nil {
		t.Fatalf("list err: %v", err)
	}
	if len(page) != 4 || page[0].SequenceNum != 7 || page[3].SequenceNum != 4 {
		t.Fatalf("unexpected first page: %d entries", len(page))
	}
	page, _ = store.List(ctx, Filter{OrgID: "org-a", ActorID: "u2"}, page[3].SequenceNum, 4)
	if len(page) != 2 || page[1].SequenceNum != 2 {
		t.Fatalf("unexpected second page: %d entries", len(page))
	}

	ranged := collect(t, store, Filter{OrgID: "org-a", From: testStart.Add(2 * time.Hour), To: testStart.Add(4 * time.Hour)})
	if len(ranged) != 2 || ranged[0].SequenceNum != 3 {
		t.Fatalf("unexpected time range result: %d entries", len(ranged))
	}
	if n, _ := store.Count(ctx, Filter{OrgID: "org-a", Action: ActionCreate}); n != 6 {
		t.Fatalf("expected 6 creates, got %d", n)
	}
	orgs, _ := store.Orgs(ctx)
	if len(orgs) != 2 || orgs[0] != "org-a" {
		t.Fatalf("unexpected orgs %v", orgs)
	}

	dup := e1
	dup.EntryID = "dup"
	if err := store.Commit(ctx, dup); !errors.Is(err, ErrSequenceConflict) {
		t.Fatalf("expected sequence conflict, got %v", err)
	}

	v := NewVerifier(store, DevKeyRing(), nil, nil, nil, nil)
	if res, err := v.Verify(ctx, "org-a", 0, 0); err != nil || !res.OK || res.TipSeq != 7 {
		t.Fatalf("verify: %+v err=%v", res, err)
	}
	cp, err := v.ArchiveThrough(ctx, "org-a", 4)
	if err != nil {
		t.Fatalf("archive err: %v", err)
	}
	loaded, ok, err := store.Checkpoint(ctx, "org-a")
	if err != nil || !ok || loaded.Digest != cp.Digest || loaded.ToSeq != 4 {
		t.Fatalf("checkpoint round-trip: %+v ok=%v err=%v", loaded, ok, err)
	}
	if res, err := v.Verify(ctx, "org-a", 0, 0); err != nil || !res.OK || res.FromSeq != 5 {
		t.Fatalf("verify after archive: %+v err=%v", res, err)
	}
}

func TestSQLiteStore(t *testing.T) {
	exerciseStore(t, openSQLiteStore(t))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteScanStopsOnCancel(t *testing.T) {
	store := openSQLiteStore(t)
	w, _ := newTestWriter(t, store, WriterConfig{})
	for i := 0; i < 5; i++ {
		mustAppend(t, w, event("org-a", "u1", ActionCreate, EntityInvoice, testStart))
	}
	ctx, cancel := context.WithCancel(context.Background())
	seen := 0
	err := store.Scan(ctx, Filter{OrgID: "org-a"}, func(Entry) error {
		seen++
		if seen == 2 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) || seen != 2 {
		t.Fatalf("expected cancel after 2, got seen=%d err=%v", seen, err)
	}
	// The connection must be free for the next query.
	if _, _, err := store.Tail(context.Background(), "org-a"); err != nil {
		t.Fatalf("tail after cancel err: %v", err)
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("LEDGER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("LEDGER_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := sqldb.Open(ctx, sqldb.Postgres, dsn)
	if err != nil {
		t.Fatalf("open postgres err: %v", err)
	}
	defer db.Close()
	for _, tbl := range []string{"ledger_entries", "ledger_chain_state", "ledger_checkpoints"} {
		_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+tbl)
	}
	s := NewSQLStore(db, sqldb.Postgres)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate err: %v", err)
	}
	exerciseStore(t, s)
}
