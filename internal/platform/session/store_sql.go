package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/sqldb"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_sessions (
  id TEXT PRIMARY KEY,
  org_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  token_hash TEXT NOT NULL UNIQUE,
  created_at {{ts}} NOT NULL,
  expires_at {{ts}} NOT NULL,
  revoked_at {{ts}},
  revoke_reason TEXT NOT NULL DEFAULT '',
  ip_address TEXT NOT NULL DEFAULT '',
  device_fingerprint TEXT NOT NULL DEFAULT ''
)`,
	`CREATE INDEX IF NOT EXISTS ledger_sessions_user_idx ON ledger_sessions (org_id, user_id)`,
}

// SQLStore persists sessions in Postgres or SQLite.
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

// Save upserts a session. A stored revocation is never overwritten.
func (s *SQLStore) Save(ctx context.Context, sess Session) error {
	const q = `
INSERT INTO ledger_sessions (id, org_id, user_id, token_hash, created_at, expires_at, revoked_at, revoke_reason, ip_address, device_fingerprint)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (id) DO UPDATE SET
  expires_at = excluded.expires_at,
  revoked_at = COALESCE(ledger_sessions.revoked_at, excluded.revoked_at),
  revoke_reason = CASE WHEN ledger_sessions.revoked_at IS NULL THEN excluded.revoke_reason ELSE ledger_sessions.revoke_reason END`
	_, err := s.db.ExecContext(ctx, s.d.Rebind(q),
		sess.ID, sess.OrgID, sess.UserID, sess.TokenHash,
		s.d.Time(sess.CreatedAt), s.d.Time(sess.ExpiresAt), s.d.NullTime(sess.RevokedAt),
		sess.RevokeReason, sess.IPAddress, sess.DeviceFingerprint,
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, org_id, user_id, token_hash, created_at, expires_at, revoked_at, revoke_reason, ip_address, device_fingerprint
FROM ledger_sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()
	var out []Session
	for rows.Next() {
		var (
			sess             Session
			created, expires sqldb.Time
			revoked          sqldb.Time
		)
		if err := rows.Scan(&sess.ID, &sess.OrgID, &sess.UserID, &sess.TokenHash, &created, &expires, &revoked,
			&sess.RevokeReason, &sess.IPAddress, &sess.DeviceFingerprint); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.CreatedAt, sess.ExpiresAt, sess.RevokedAt = created.Time, expires.Time, revoked.Ptr()
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLStore) Purge(ctx context.Context, expiredBefore time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, s.d.Rebind(`DELETE FROM ledger_sessions WHERE expires_at < $1`), s.d.Time(expiredBefore))
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}
