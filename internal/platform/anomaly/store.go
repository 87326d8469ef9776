package anomaly

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/sqldb"
)

var ErrRecordNotFound = errors.New("suspicious activity record not found")

type Store interface {
	// OpenRecord returns the live (not closed) record for (org, kind, scope).
	OpenRecord(ctx context.Context, orgID string, kind PatternKind, scope string) (Record, bool, error)
	// ActorOpen returns the actor's open records.
	ActorOpen(ctx context.Context, orgID, actorID string) ([]Record, error)
	Save(ctx context.Context, r Record) error
	Get(ctx context.Context, orgID, id string) (Record, error)
	// List returns matching records, most recent window end first.
	List(ctx context.Context, q Query) ([]Record, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]Record{}}
}

func (s *MemoryStore) OpenRecord(_ context.Context, orgID string, kind PatternKind, scope string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  Record
		found bool
	)
	for _, r := range s.records {
		if r.OrgID == orgID && r.Kind == kind && r.Scope == scope && r.Status != StatusClosed {
			if !found || r.WindowEnd.After(best.WindowEnd) {
				best, found = r, true
			}
		}
	}
	if !found {
		return Record{}, false, nil
	}
	return cloneRecord(best), true, nil
}

func (s *MemoryStore) ActorOpen(_ context.Context, orgID, actorID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, r := range s.records {
		if r.OrgID == orgID && r.ActorID == actorID && r.Status == StatusOpen {
			out = append(out, cloneRecord(r))
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) Save(_ context.Context, r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = cloneRecord(r)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, orgID, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok || r.OrgID != orgID {
		return Record{}, ErrRecordNotFound
	}
	return cloneRecord(r), nil
}

func (s *MemoryStore) List(_ context.Context, q Query) ([]Record, error) {
	s.mu.RLock()
	var out []Record
	for _, r := range s.records {
		if q.Match(r) {
			out = append(out, cloneRecord(r))
		}
	}
	s.mu.RUnlock()
	sortRecords(out)
	return page(out, q.Offset, q.Limit), nil
}

func sortRecords(rs []Record) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].WindowEnd.Equal(rs[j].WindowEnd) {
			return rs[i].WindowEnd.After(rs[j].WindowEnd)
		}
		return rs[i].ID > rs[j].ID
	})
}

func page(rs []Record, offset, limit int) []Record {
	if offset > len(rs) {
		return nil
	}
	rs = rs[offset:]
	if limit > 0 && len(rs) > limit {
		rs = rs[:limit]
	}
	return rs
}

func cloneRecord(r Record) Record {
	r.RelatedEntryIDs = append([]string(nil), r.RelatedEntryIDs...)
	return r
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS suspicious_activity (
  id TEXT PRIMARY KEY,
  org_id TEXT NOT NULL,
  pattern_kind TEXT NOT NULL,
  severity TEXT NOT NULL,
  severity_rank INTEGER NOT NULL,
  scope TEXT NOT NULL,
  actor_id TEXT NOT NULL DEFAULT '',
  ip_address TEXT NOT NULL DEFAULT '',
  related_entry_ids TEXT NOT NULL,
  window_start {{ts}} NOT NULL,
  window_end {{ts}} NOT NULL,
  risk_score INTEGER NOT NULL,
  status TEXT NOT NULL,
  superseded_by TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL DEFAULT '',
  created_at {{ts}} NOT NULL,
  updated_at {{ts}} NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS suspicious_activity_open_idx ON suspicious_activity (org_id, pattern_kind, scope, status)`,
	`CREATE INDEX IF NOT EXISTS suspicious_activity_window_idx ON suspicious_activity (org_id, window_end)`,
}

const recordColumns = `id, org_id, pattern_kind, severity, scope, actor_id, ip_address, related_entry_ids,
  window_start, window_end, risk_score, status, superseded_by, description, created_at, updated_at`

// SQLStore persists records in Postgres or SQLite.
type SQLStore struct {
	db *sql.DB
	d  sqldb.Dialect
}

func NewSQLStore(db *sql.DB, d sqldb.Dialect) *SQLStore {
	return &SQLStore{db: db, d: d}
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	return sqldb.Exec(ctx, s.db, s.d, schema...)
}

func (s *SQLStore) OpenRecord(ctx context.Context, orgID string, kind PatternKind, scope string) (Record, bool, error) {
	rs, err := s.query(ctx, `SELECT `+recordColumns+` FROM suspicious_activity
WHERE org_id = $1 AND pattern_kind = $2 AND scope = $3 AND status <> 'closed'
ORDER BY window_end DESC LIMIT 1`, orgID, string(kind), scope)
	if err != nil || len(rs) == 0 {
		return Record{}, false, err
	}
	return rs[0], true, nil
}

func (s *SQLStore) ActorOpen(ctx context.Context, orgID, actorID string) ([]Record, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM suspicious_activity
WHERE org_id = $1 AND actor_id = $2 AND status = 'open'
ORDER BY window_end DESC, id DESC`, orgID, actorID)
}

func (s *SQLStore) Save(ctx context.Context, r Record) error {
	related, err := json.Marshal(r.RelatedEntryIDs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.d.Rebind(`INSERT INTO suspicious_activity (`+recordColumns+`, severity_rank)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
ON CONFLICT (id) DO UPDATE SET
  severity = excluded.severity,
  severity_rank = excluded.severity_rank,
  related_entry_ids = excluded.related_entry_ids,
  window_start = excluded.window_start,
  window_end = excluded.window_end,
  risk_score = excluded.risk_score,
  status = excluded.status,
  superseded_by = excluded.superseded_by,
  description = excluded.description,
  updated_at = excluded.updated_at`),
		r.ID, r.OrgID, string(r.Kind), string(r.Severity), r.Scope, r.ActorID, r.IPAddress, string(related),
		s.d.Time(r.WindowStart), s.d.Time(r.WindowEnd), r.RiskScore, string(r.Status), r.SupersededBy, r.Description,
		s.d.Time(r.CreatedAt), s.d.Time(r.UpdatedAt), r.Severity.Rank(),
	)
	if err != nil {
		return fmt.Errorf("save suspicious activity: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, orgID, id string) (Record, error) {
	rs, err := s.query(ctx, `SELECT `+recordColumns+` FROM suspicious_activity WHERE org_id = $1 AND id = $2`, orgID, id)
	if err != nil {
		return Record{}, err
	}
	if len(rs) == 0 {
		return Record{}, ErrRecordNotFound
	}
	return rs[0], nil
}

func (s *SQLStore) List(ctx context.Context, q Query) ([]Record, error) {
	clauses := []string{"org_id = $1"}
	args := []any{q.OrgID}
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}
	if q.Kind != "" {
		add("pattern_kind = ?", string(q.Kind))
	}
	if q.ActorID != "" {
		add("actor_id = ?", q.ActorID)
	}
	if q.MinSeverity != "" {
		add("severity_rank >= ?", q.MinSeverity.Rank())
	}
	if q.Status != "" {
		add("status = ?", string(q.Status))
	}
	if !q.From.IsZero() {
		add("window_end >= ?", s.d.Time(q.From))
	}
	if !q.To.IsZero() {
		add("window_start < ?", s.d.Time(q.To))
	}
	query := `SELECT ` + recordColumns + ` FROM suspicious_activity WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY window_end DESC, id DESC`
	switch {
	case q.Limit > 0:
		query += ` LIMIT ` + strconv.Itoa(q.Limit)
	case q.Offset > 0 && s.d == sqldb.SQLite:
		query += ` LIMIT -1`
	}
	if q.Offset > 0 {
		query += ` OFFSET ` + strconv.Itoa(q.Offset)
	}
	return s.query(ctx, query, args...)
}

func (s *SQLStore) query(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, s.d.Rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			r                            Record
			kind, severity, status       string
			related                      string
			start, end, created, updated sqldb.Time
		)
		if err := rows.Scan(&r.ID, &r.OrgID, &kind, &severity, &r.Scope, &r.ActorID, &r.IPAddress, &related,
			&start, &end, &r.RiskScore, &status, &r.SupersededBy, &r.Description, &created, &updated); err != nil {
			return nil, err
		}
		r.Kind, r.Severity, r.Status = PatternKind(kind), Severity(severity), Status(status)
		if err := json.Unmarshal([]byte(related), &r.RelatedEntryIDs); err != nil {
			return nil, fmt.Errorf("decode related entry ids: %w", err)
		}
		r.WindowStart, r.WindowEnd, r.CreatedAt, r.UpdatedAt = start.Time, end.Time, created.Time, updated.Time
		out = append(out, r)
	}
	return out, rows.Err()
}
