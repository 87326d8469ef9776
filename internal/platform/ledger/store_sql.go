package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/sqldb"
)

const scanBatchSize = 500

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_entries (
  org_id TEXT NOT NULL,
  sequence_num BIGINT NOT NULL,
  entry_id TEXT NOT NULL UNIQUE,
  actor_id TEXT NOT NULL DEFAULT '',
  action TEXT NOT NULL,
  entity_type TEXT NOT NULL,
  entity_id TEXT NOT NULL,
  ip_address TEXT NOT NULL DEFAULT '',
  user_agent TEXT NOT NULL DEFAULT '',
  result TEXT NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  compensates_entry_id TEXT NOT NULL DEFAULT '',
  before_state TEXT,
  after_state TEXT,
  occurred_at {{ts}} NOT NULL,
  previous_hash TEXT NOT NULL,
  entry_hash TEXT NOT NULL,
  signature TEXT NOT NULL,
  signing_key_version TEXT NOT NULL,
  PRIMARY KEY (org_id, sequence_num)
)`,
	`CREATE INDEX IF NOT EXISTS ledger_entries_org_time_idx ON ledger_entries (org_id, occurred_at)`,
	`CREATE INDEX IF NOT EXISTS ledger_entries_org_actor_idx ON ledger_entries (org_id, actor_id, sequence_num)`,
	`CREATE TABLE IF NOT EXISTS ledger_chain_state (
  org_id TEXT PRIMARY KEY,
  last_sequence_num BIGINT NOT NULL,
  last_hash TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS ledger_checkpoints (
  org_id TEXT NOT NULL,
  from_seq BIGINT NOT NULL,
  to_seq BIGINT NOT NULL,
  first_previous_hash TEXT NOT NULL,
  last_hash TEXT NOT NULL,
  entry_count BIGINT NOT NULL,
  digest TEXT NOT NULL,
  archived_at {{ts}} NOT NULL,
  PRIMARY KEY (org_id, to_seq)
)`,
}

const entryColumns = `org_id, sequence_num, entry_id, actor_id, action, entity_type, entity_id,
  ip_address, user_agent, result, reason, compensates_entry_id, before_state, after_state,
  occurred_at, previous_hash, entry_hash, signature, signing_key_version`

// SQLStore keeps the ledger in Postgres or SQLite. before/after are stored as
// TEXT so the exact hashed bytes survive a round trip.
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

func (s *SQLStore) q(query string) string { return s.d.Rebind(query) }

func (s *SQLStore) ChainState(ctx context.Context, orgID string) (ChainState, bool, error) {
	cs := ChainState{OrgID: orgID}
	err := s.db.QueryRowContext(ctx, s.q(`SELECT last_sequence_num, last_hash FROM ledger_chain_state WHERE org_id = $1`), orgID).
		Scan(&cs.LastSequenceNum, &cs.LastHash)
	if errors.Is(err, sql.ErrNoRows) {
		return ChainState{}, false, nil
	}
	if err != nil {
		return ChainState{}, false, fmt.Errorf("load chain state: %w", err)
	}
	return cs, true, nil
}

func (s *SQLStore) Tail(ctx context.Context, orgID string) (Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+entryColumns+` FROM ledger_entries WHERE org_id = $1 ORDER BY sequence_num DESC LIMIT 1`), orgID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("load tail: %w", err)
	}
	return e, true, nil
}

func (s *SQLStore) Commit(ctx context.Context, e Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var last int64
	err = tx.QueryRowContext(ctx, s.q(`SELECT last_sequence_num FROM ledger_chain_state WHERE org_id = $1 `+s.d.ForUpdate()), e.OrgID).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if last >= e.SequenceNum {
		return fmt.Errorf("org %s seq %d: %w", e.OrgID, e.SequenceNum, ErrSequenceConflict)
	}
	var taken int
	err = tx.QueryRowContext(ctx, s.q(`SELECT COUNT(1) FROM ledger_entries WHERE org_id = $1 AND sequence_num >= $2`), e.OrgID, e.SequenceNum).Scan(&taken)
	if err != nil {
		return err
	}
	if taken > 0 {
		return fmt.Errorf("org %s seq %d: %w", e.OrgID, e.SequenceNum, ErrSequenceConflict)
	}

	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO ledger_entries (`+entryColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`),
		e.OrgID, e.SequenceNum, e.EntryID, e.ActorID, e.Action, e.EntityType, e.EntityID,
		e.IPAddress, e.UserAgent, string(e.Result), e.Reason, e.CompensatesEntryID,
		nullText(e.Before), nullText(e.After), s.d.Time(e.Timestamp),
		e.PreviousHash, e.EntryHash, e.Signature, e.SigningKeyVersion,
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO ledger_chain_state (org_id, last_sequence_num, last_hash)
VALUES ($1, $2, $3)
ON CONFLICT (org_id) DO UPDATE SET last_sequence_num = excluded.last_sequence_num, last_hash = excluded.last_hash`),
		e.OrgID, e.SequenceNum, e.EntryHash)
	if err != nil {
		return fmt.Errorf("update chain state: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) GetEntry(ctx context.Context, orgID, entryID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+entryColumns+` FROM ledger_entries WHERE org_id = $1 AND entry_id = $2`), orgID, entryID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	return e, err
}

// Scan pages through the range by sequence so no cursor stays open while fn
// runs.
func (s *SQLStore) Scan(ctx context.Context, f Filter, fn func(Entry) error) error {
	cursor := f.FromSeq - 1
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		where, args := s.where(f)
		args = append(args, cursor)
		query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE ` + where +
			` AND sequence_num > $` + strconv.Itoa(len(args)) +
			` ORDER BY sequence_num ASC LIMIT ` + strconv.Itoa(scanBatchSize)
		batch, err := s.query(ctx, query, args...)
		if err != nil {
			return err
		}
		for _, e := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(e); err != nil {
				return err
			}
			cursor = e.SequenceNum
		}
		if len(batch) < scanBatchSize {
			return nil
		}
	}
}

func (s *SQLStore) List(ctx context.Context, f Filter, beforeSeq int64, limit int) ([]Entry, error) {
	where, args := s.where(f)
	if beforeSeq > 0 {
		args = append(args, beforeSeq)
		where += ` AND sequence_num < $` + strconv.Itoa(len(args))
	}
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE ` + where +
		` ORDER BY sequence_num DESC LIMIT ` + strconv.Itoa(limit)
	return s.query(ctx, query, args...)
}

func (s *SQLStore) Count(ctx context.Context, f Filter) (int64, error) {
	where, args := s.where(f)
	var n int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(1) FROM ledger_entries WHERE `+where), args...).Scan(&n)
	return n, err
}

func (s *SQLStore) Orgs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT org_id FROM ledger_chain_state ORDER BY org_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLStore) Checkpoint(ctx context.Context, orgID string) (Checkpoint, bool, error) {
	cp := Checkpoint{OrgID: orgID}
	var at sqldb.Time
	err := s.db.QueryRowContext(ctx, s.q(`SELECT from_seq, to_seq, first_previous_hash, last_hash, entry_count, digest, archived_at
FROM ledger_checkpoints WHERE org_id = $1 ORDER BY to_seq DESC LIMIT 1`), orgID).
		Scan(&cp.FromSeq, &cp.ToSeq, &cp.FirstPreviousHash, &cp.LastHash, &cp.EntryCount, &cp.Digest, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("load checkpoint: %w", err)
	}
	cp.ArchivedAt = at.Time
	return cp, true, nil
}

func (s *SQLStore) Archive(ctx context.Context, cp Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO ledger_checkpoints
  (org_id, from_seq, to_seq, first_previous_hash, last_hash, entry_count, digest, archived_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`),
		cp.OrgID, cp.FromSeq, cp.ToSeq, cp.FirstPreviousHash, cp.LastHash, cp.EntryCount, cp.Digest, s.d.Time(cp.ArchivedAt))
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM ledger_entries WHERE org_id = $1 AND sequence_num <= $2`), cp.OrgID, cp.ToSeq); err != nil {
		return fmt.Errorf("delete archived segment: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) where(f Filter) (string, []any) {
	clauses := []string{"org_id = $1"}
	args := []any{f.OrgID}
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, strings.ReplaceAll(clause, "?", "$"+strconv.Itoa(len(args))))
	}
	if f.ActorID != "" {
		add("actor_id = ?", f.ActorID)
	}
	if f.Action != "" {
		add("action = ?", f.Action)
	}
	if f.EntityType != "" {
		add("entity_type = ?", f.EntityType)
	}
	if !f.From.IsZero() {
		add("occurred_at >= ?", s.d.Time(f.From))
	}
	if !f.To.IsZero() {
		add("occurred_at < ?", s.d.Time(f.To))
	}
	if f.FromSeq > 0 {
		add("sequence_num >= ?", f.FromSeq)
	}
	if f.ToSeq > 0 {
		add("sequence_num <= ?", f.ToSeq)
	}
	return strings.Join(clauses, " AND "), args
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (Entry, error) {
	var (
		e             Entry
		result        string
		before, after sql.NullString
		at            sqldb.Time
	)
	err := r.Scan(&e.OrgID, &e.SequenceNum, &e.EntryID, &e.ActorID, &e.Action, &e.EntityType, &e.EntityID,
		&e.IPAddress, &e.UserAgent, &result, &e.Reason, &e.CompensatesEntryID, &before, &after,
		&at, &e.PreviousHash, &e.EntryHash, &e.Signature, &e.SigningKeyVersion)
	if err != nil {
		return Entry{}, err
	}
	e.Result = Result(result)
	if before.Valid {
		e.Before = []byte(before.String)
	}
	if after.Valid {
		e.After = []byte(after.String)
	}
	e.Timestamp = at.Time
	return e, nil
}

func nullText(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
