// Package stream publishes ledger entries to per-organization Redis streams
// according to each organization's subscription config.
package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/sqldb"
)

var (
	ErrInvalidConfig = errors.New("invalid stream config")

	streamNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)
	actionPattern     = regexp.MustCompile(`^[A-Z][A-Z_]*$`)
)

// Config is an organization's subscription. Actions empty means all actions;
// MinResult keeps entries whose result ranks at or above it
// (success < failure < denied).
type Config struct {
	OrgID     string    `json:"orgId"`
	Enabled   bool      `json:"enabled"`
	Stream    string    `json:"stream"`
	Actions   []string  `json:"actions"`
	MinResult string    `json:"minResult,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`
}

func resultRank(r ledger.Result) int {
	switch r {
	case ledger.ResultFailure:
		return 1
	case ledger.ResultDenied:
		return 2
	default:
		return 0
	}
}

// Normalize upper-cases actions and validates the config.
func (c *Config) Normalize() error {
	var problems []string
	c.Stream = strings.TrimSpace(c.Stream)
	if c.Stream == "" {
		c.Stream = "audit"
	}
	if !streamNamePattern.MatchString(c.Stream) {
		problems = append(problems, "stream must match [a-z0-9][a-z0-9_.-]*")
	}
	seen := map[string]bool{}
	actions := make([]string, 0, len(c.Actions))
	for _, a := range c.Actions {
		a = strings.ToUpper(strings.TrimSpace(a))
		if !actionPattern.MatchString(a) {
			problems = append(problems, fmt.Sprintf("action %q must match [A-Z_]+", a))
			continue
		}
		if !seen[a] {
			seen[a] = true
			actions = append(actions, a)
		}
	}
	c.Actions = actions
	c.MinResult = strings.ToLower(strings.TrimSpace(c.MinResult))
	switch ledger.Result(c.MinResult) {
	case "", ledger.ResultSuccess, ledger.ResultFailure, ledger.ResultDenied:
	default:
		problems = append(problems, "minResult must be success, failure or denied")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) Matches(e ledger.Entry) bool {
	if !c.Enabled || e.OrgID != c.OrgID {
		return false
	}
	if len(c.Actions) > 0 {
		found := false
		for _, a := range c.Actions {
			if a == e.Action {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return resultRank(e.Result) >= resultRank(ledger.Result(c.MinResult))
}

type ConfigStore interface {
	Get(ctx context.Context, orgID string) (Config, bool, error)
	Put(ctx context.Context, c Config) error
}

type MemoryConfigStore struct {
	mu      sync.RWMutex
	configs map[string]Config
}

func NewMemoryConfigStore() *MemoryConfigStore {
	return &MemoryConfigStore{configs: map[string]Config{}}
}

func (s *MemoryConfigStore) Get(_ context.Context, orgID string) (Config, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[orgID]
	if ok {
		c.Actions = append([]string(nil), c.Actions...)
	}
	return c, ok, nil
}

func (s *MemoryConfigStore) Put(_ context.Context, c Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Actions = append([]string(nil), c.Actions...)
	s.configs[c.OrgID] = c
	return nil
}

var configSchema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_stream_configs (
  org_id TEXT PRIMARY KEY,
  enabled BOOLEAN NOT NULL,
  stream TEXT NOT NULL,
  actions TEXT NOT NULL,
  min_result TEXT NOT NULL DEFAULT '',
  updated_at {{ts}} NOT NULL
)`,
}

type SQLConfigStore struct {
	db *sql.DB
	d  sqldb.Dialect
}

func NewSQLConfigStore(db *sql.DB, d sqldb.Dialect) *SQLConfigStore {
	return &SQLConfigStore{db: db, d: d}
}

func (s *SQLConfigStore) Migrate(ctx context.Context) error {
	return sqldb.Exec(ctx, s.db, s.d, configSchema...)
}

func (s *SQLConfigStore) Get(ctx context.Context, orgID string) (Config, bool, error) {
	c := Config{OrgID: orgID}
	var (
		actions string
		updated sqldb.Time
	)
	err := s.db.QueryRowContext(ctx, s.d.Rebind(`SELECT enabled, stream, actions, min_result, updated_at FROM ledger_stream_configs WHERE org_id = $1`), orgID).
		Scan(&c.Enabled, &c.Stream, &actions, &c.MinResult, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Config{}, false, nil
	}
	if err != nil {
		return Config{}, false, fmt.Errorf("load stream config: %w", err)
	}
	if err := json.Unmarshal([]byte(actions), &c.Actions); err != nil {
		return Config{}, false, fmt.Errorf("decode stream actions: %w", err)
	}
	c.UpdatedAt = updated.Time
	return c, true, nil
}

func (s *SQLConfigStore) Put(ctx context.Context, c Config) error {
	if c.Actions == nil {
		c.Actions = []string{}
	}
	actions, err := json.Marshal(c.Actions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.d.Rebind(`
INSERT INTO ledger_stream_configs (org_id, enabled, stream, actions, min_result, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (org_id) DO UPDATE SET
  enabled = excluded.enabled,
  stream = excluded.stream,
  actions = excluded.actions,
  min_result = excluded.min_result,
  updated_at = excluded.updated_at`),
		c.OrgID, c.Enabled, c.Stream, string(actions), c.MinResult, s.d.Time(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert stream config: %w", err)
	}
	return nil
}
