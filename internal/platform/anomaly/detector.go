package anomaly

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/clock"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/logging"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/observability"
)

type Config struct {
	Window          time.Duration `yaml:"window"`
	IPHistory       time.Duration `yaml:"ip_history"`
	BurstMedium     int           `yaml:"burst_medium"`
	BurstHigh       int           `yaml:"burst_high"`
	EscalationCount int           `yaml:"escalation_count"`
	AmountThreshold float64       `yaml:"amount_threshold"`
}

func (c Config) WithDefaults() Config {
	if c.Window <= 0 {
		c.Window = time.Hour
	}
	if c.IPHistory <= 0 {
		c.IPHistory = 30 * 24 * time.Hour
	}
	if c.BurstMedium <= 0 {
		c.BurstMedium = 3
	}
	if c.BurstHigh <= 0 {
		c.BurstHigh = 6
	}
	if c.EscalationCount <= 0 {
		c.EscalationCount = 2
	}
	if c.AmountThreshold <= 0 {
		c.AmountThreshold = 10000
	}
	return c
}

// Detector evaluates the rule set against each committed entry on event time.
// It is driven by a single fan-out consumer.
type Detector struct {
	cfg        Config
	rules      []Rule
	escalation Rule
	store      Store
	clock      clock.Clock
	metrics    *observability.Metrics
	logger     *slog.Logger
	newID      func() string

	mu     sync.Mutex
	logins map[string][]ledger.Entry
	newest map[string]time.Time
	ips    map[string]map[string]time.Time
}

func NewDetector(cfg Config, store Store, clk clock.Clock, metrics *observability.Metrics, logger *slog.Logger) *Detector {
	cfg = cfg.WithDefaults()
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Detector{
		cfg:        cfg,
		rules:      DefaultRules(cfg),
		escalation: EscalationRule(cfg),
		store:      store,
		clock:      clk,
		metrics:    metrics,
		logger:     logging.OrDiscard(logger).With("component", "anomaly"),
		newID:      func() string { return uuid.NewString() },
		logins:     map[string][]ledger.Entry{},
		newest:     map[string]time.Time{},
		ips:        map[string]map[string]time.Time{},
	}
}

func (d *Detector) Store() Store { return d.store }

func (d *Detector) Config() Config { return d.cfg }

// AddRule appends a base rule; used to extend the rule set.
func (d *Detector) AddRule(r Rule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rules = append(d.rules, r)
}

// Handle is the fan-out handler.
func (d *Detector) Handle(ctx context.Context, e ledger.Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	w := Window{Current: e, Logins: d.trackLogin(e), KnownIPs: d.knownIPs(e)}
	var firstErr error
	for _, r := range d.rules {
		findings, err := d.eval(r, w)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, f := range findings {
			if _, err := d.apply(ctx, e.OrgID, f); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	if e.ActorID != "" {
		open, err := d.store.ActorOpen(ctx, e.OrgID, e.ActorID)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if err == nil {
			w.Open = open
			findings, err := d.eval(d.escalation, w)
			if err == nil {
				for _, f := range findings {
					if err := d.escalate(ctx, e.OrgID, f); err != nil && firstErr == nil {
						firstErr = err
					}
				}
			}
		}
	}

	d.rememberIP(e)
	return firstErr
}

// eval runs one rule with its failures contained.
func (d *Detector) eval(r Rule, w Window) (out []Finding, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("rule %s panicked: %v", r.Kind, p)
		}
		if err != nil {
			d.metrics.ObserveRuleError(string(r.Kind))
			d.logger.Warn("anomaly rule failed", "rule", r.Kind, "org_id", w.Current.OrgID, "seq", w.Current.SequenceNum, "error", err)
		}
	}()
	return r.Eval(r, w)
}

func (d *Detector) apply(ctx context.Context, orgID string, f Finding) (Record, error) {
	now := d.clock.Now()
	rec, ok, err := d.store.OpenRecord(ctx, orgID, f.Kind, f.Scope)
	if err != nil {
		return Record{}, err
	}
	if ok && f.WindowEnd.Sub(rec.WindowEnd) >= d.cfg.Window {
		// Expired. Superseded records keep their status.
		if rec.Status == StatusOpen {
			rec.Status = StatusClosed
			rec.UpdatedAt = now
			if err := d.store.Save(ctx, rec); err != nil {
				return Record{}, err
			}
		}
		ok = false
	}
	if !ok {
		rec = Record{
			ID:          d.newID(),
			OrgID:       orgID,
			Kind:        f.Kind,
			Severity:    f.Severity,
			Scope:       f.Scope,
			ActorID:     f.ActorID,
			IPAddress:   f.IPAddress,
			WindowStart: f.WindowStart,
			WindowEnd:   f.WindowEnd,
			Status:      StatusOpen,
			Description: f.Description,
			CreatedAt:   now,
		}
		d.metrics.ObserveFinding(string(f.Kind), string(f.Severity))
	} else {
		if f.Severity.Rank() > rec.Severity.Rank() {
			d.metrics.ObserveFinding(string(f.Kind), string(f.Severity))
		}
		rec.Severity = maxSeverity(rec.Severity, f.Severity)
		if f.WindowStart.Before(rec.WindowStart) {
			rec.WindowStart = f.WindowStart
		}
		if f.WindowEnd.After(rec.WindowEnd) {
			rec.WindowEnd = f.WindowEnd
		}
		rec.Description = f.Description
	}
	rec.RelatedEntryIDs = mergeIDs(rec.RelatedEntryIDs, f.EntryIDs)
	rec.RiskScore = rec.Severity.Weight()
	rec.UpdatedAt = now
	if err := d.store.Save(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (d *Detector) escalate(ctx context.Context, orgID string, f Finding) error {
	rec, err := d.apply(ctx, orgID, f)
	if err != nil {
		return err
	}
	for _, id := range f.Supersedes {
		old, err := d.store.Get(ctx, orgID, id)
		if err != nil {
			return err
		}
		old.Status = StatusSuperseded
		old.SupersededBy = rec.ID
		old.UpdatedAt = rec.UpdatedAt
		if err := d.store.Save(ctx, old); err != nil {
			return err
		}
	}
	return nil
}

// trackLogin adds e to the org's login window and returns a copy of it.
func (d *Detector) trackLogin(e ledger.Entry) []ledger.Entry {
	buf := d.logins[e.OrgID]
	if e.Action == ledger.ActionLogin {
		buf = append(buf, e)
		if e.Timestamp.After(d.newest[e.OrgID]) {
			d.newest[e.OrgID] = e.Timestamp
		}
	}
	horizon := d.newest[e.OrgID].Add(-d.cfg.Window)
	kept := buf[:0]
	for _, x := range buf {
		if x.Timestamp.After(horizon) {
			kept = append(kept, x)
		}
	}
	d.logins[e.OrgID] = kept
	return append([]ledger.Entry(nil), kept...)
}

func ipKey(orgID, actorID string) string { return orgID + "\x00" + actorID }

func (d *Detector) knownIPs(e ledger.Entry) map[string]time.Time {
	if e.ActorID == "" {
		return nil
	}
	hist := d.ips[ipKey(e.OrgID, e.ActorID)]
	horizon := e.Timestamp.Add(-d.cfg.IPHistory)
	out := make(map[string]time.Time, len(hist))
	for ip, seen := range hist {
		if seen.After(horizon) && !seen.After(e.Timestamp) {
			out[ip] = seen
		}
	}
	return out
}

func (d *Detector) rememberIP(e ledger.Entry) {
	if e.Action != ledger.ActionLogin || e.Result != ledger.ResultSuccess || e.ActorID == "" || e.IPAddress == "" {
		return
	}
	key := ipKey(e.OrgID, e.ActorID)
	hist, ok := d.ips[key]
	if !ok {
		hist = map[string]time.Time{}
		d.ips[key] = hist
	}
	if e.Timestamp.After(hist[e.IPAddress]) {
		hist[e.IPAddress] = e.Timestamp
	}
	horizon := e.Timestamp.Add(-d.cfg.IPHistory)
	for ip, seen := range hist {
		if !seen.After(horizon) {
			delete(hist, ip)
		}
	}
}

func mergeIDs(have, add []string) []string {
	seen := make(map[string]struct{}, len(have))
	for _, id := range have {
		seen[id] = struct{}{}
	}
	for _, id := range add {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			have = append(have, id)
		}
	}
	return have
}
