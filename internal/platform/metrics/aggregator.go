// Package metrics rolls ledger entries into security and compliance
// snapshots. Counters are kept in hourly buckets per organization and
// periodically reconciled against a full scan of the store.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/anomaly"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/clock"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/logging"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/observability"
)

const DefaultRetentionHours = 72

type Config struct {
	RetentionHours int `yaml:"retention_hours"`
}

// SeverityCounter supplies suspicious-activity counts per severity.
type SeverityCounter interface {
	CountBySeverity(ctx context.Context, orgID string, from, to time.Time) (map[anomaly.Severity]int, error)
}

type orgBuckets struct {
	hours     map[int64]*tally
	mutations map[int64]*mutations
	applied   int64
	capture   *[]ledger.Entry
}

type Aggregator struct {
	store     ledger.Store
	anomalies SeverityCounter
	integrity *ledger.TamperRegistry
	clock     clock.Clock
	metrics   *observability.Metrics
	logger    *slog.Logger
	retention int

	mu   sync.Mutex
	orgs map[string]*orgBuckets
	warm bool
}

func NewAggregator(cfg Config, store ledger.Store, anomalies SeverityCounter, integrity *ledger.TamperRegistry, clk clock.Clock, metrics *observability.Metrics, logger *slog.Logger) *Aggregator {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = DefaultRetentionHours
	}
	if integrity == nil {
		integrity = ledger.NewTamperRegistry()
	}
	return &Aggregator{
		store:     store,
		anomalies: anomalies,
		integrity: integrity,
		clock:     clk,
		metrics:   metrics,
		logger:    logging.OrDiscard(logger).With("component", "metrics"),
		retention: cfg.RetentionHours,
		orgs:      map[string]*orgBuckets{},
	}
}

func hourKey(t time.Time) int64 { return t.UTC().Truncate(time.Hour).Unix() }

// retainedFrom is the start of the oldest retained hour.
func (a *Aggregator) retainedFrom() time.Time {
	return a.clock.Now().UTC().Truncate(time.Hour).Add(-time.Duration(a.retention-1) * time.Hour)
}

func (a *Aggregator) orgLocked(orgID string) *orgBuckets {
	ob, ok := a.orgs[orgID]
	if !ok {
		ob = &orgBuckets{hours: map[int64]*tally{}, mutations: map[int64]*mutations{}}
		a.orgs[orgID] = ob
	}
	return ob
}

// Handle is the fan-out handler feeding the hourly buckets.
func (a *Aggregator) Handle(_ context.Context, e ledger.Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ob := a.orgLocked(e.OrgID)
	if ob.capture != nil {
		*ob.capture = append(*ob.capture, e)
	}
	if e.SequenceNum <= ob.applied {
		return nil
	}
	ob.applied = e.SequenceNum
	if e.Action == ledger.ActionLogin {
		a.metrics.ObserveLogin(string(e.Result))
	}
	if e.Timestamp.Before(a.retainedFrom()) {
		return nil
	}
	key := hourKey(e.Timestamp)
	t, ok := ob.hours[key]
	if !ok {
		t = newTally()
		ob.hours[key] = t
	}
	t.add(e)
	return nil
}

func (a *Aggregator) mutationLocked(orgID string, at time.Time) *mutations {
	ob := a.orgLocked(orgID)
	key := hourKey(at)
	m, ok := ob.mutations[key]
	if !ok {
		m = &mutations{}
		ob.mutations[key] = m
	}
	return m
}

// ObserveMutation counts a mutating domain action before it is appended.
func (a *Aggregator) ObserveMutation(orgID string, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mutationLocked(orgID, at).observed++
}

// RecordMutation counts a mutating action whose ledger entry committed.
func (a *Aggregator) RecordMutation(orgID string, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mutationLocked(orgID, at).recorded++
}

// collect merges counters for [from, to). It uses the buckets when the range
// is hour aligned and retained, and a full store scan otherwise.
func (a *Aggregator) collect(ctx context.Context, orgID string, from, to time.Time) (*tally, string, error) {
	a.mu.Lock()
	if a.warm && bucketAligned(from, to) && !from.Before(a.retainedFrom()) {
		out := newTally()
		if ob, ok := a.orgs[orgID]; ok {
			for key, t := range ob.hours {
				at := time.Unix(key, 0)
				if !at.Before(from) && at.Before(to) {
					out.merge(t)
				}
			}
		}
		a.mu.Unlock()
		return out, SourceBuckets, nil
	}
	a.mu.Unlock()

	out := newTally()
	err := a.store.Scan(ctx, ledger.Filter{OrgID: orgID, From: from, To: to}, func(e ledger.Entry) error {
		out.add(e)
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("scan %s: %w", orgID, err)
	}
	return out, SourceScan, nil
}

func bucketAligned(from, to time.Time) bool {
	return !from.IsZero() && !to.IsZero() &&
		from.Equal(from.Truncate(time.Hour)) && to.Equal(to.Truncate(time.Hour))
}

// coverage is recorded/observed over the retained hours in [from, to); 1.0
// when nothing was observed.
func (a *Aggregator) coverage(orgID string, from, to time.Time) (float64, int64, int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var observed, recorded int64
	if ob, ok := a.orgs[orgID]; ok {
		for key, m := range ob.mutations {
			at := time.Unix(key, 0)
			if (from.IsZero() || !at.Before(from.Truncate(time.Hour))) && (to.IsZero() || at.Before(to)) {
				observed += m.observed
				recorded += m.recorded
			}
		}
	}
	if observed == 0 {
		return 1.0, 0, recorded
	}
	c := float64(recorded) / float64(observed)
	if c > 1 {
		c = 1
	}
	return c, observed, recorded
}

type ReconcileReport struct {
	Orgs  int              `json:"orgs"`
	Drift map[string]int64 `json:"drift"`
}

// Reconcile rebuilds the retained buckets from a full scan. Entries handled
// while the scan runs are replayed on top so none are lost.
func (a *Aggregator) Reconcile(ctx context.Context) (ReconcileReport, error) {
	orgs, err := a.store.Orgs(ctx)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("list orgs: %w", err)
	}
	report := ReconcileReport{Orgs: len(orgs), Drift: map[string]int64{}}
	from := a.retainedFrom()
	for _, orgID := range orgs {
		if err := a.reconcileOrg(ctx, orgID, from, report.Drift); err != nil {
			return report, err
		}
	}

	a.mu.Lock()
	a.pruneLocked(from)
	a.warm = true
	a.mu.Unlock()

	for _, counter := range []string{"entries", "logins", "failed_logins", "denied"} {
		a.metrics.SetReconcileDrift(counter, report.Drift[counter])
	}
	a.logger.Info("metrics reconciled", "orgs", report.Orgs, "drift_entries", report.Drift["entries"])
	return report, nil
}

func (a *Aggregator) reconcileOrg(ctx context.Context, orgID string, from time.Time, drift map[string]int64) error {
	var captured []ledger.Entry
	a.mu.Lock()
	a.orgLocked(orgID).capture = &captured
	a.mu.Unlock()

	fresh := map[int64]*tally{}
	var maxSeq int64
	err := a.store.Scan(ctx, ledger.Filter{OrgID: orgID, From: from}, func(e ledger.Entry) error {
		if e.SequenceNum > maxSeq {
			maxSeq = e.SequenceNum
		}
		key := hourKey(e.Timestamp)
		t, ok := fresh[key]
		if !ok {
			t = newTally()
			fresh[key] = t
		}
		t.add(e)
		return nil
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	ob := a.orgLocked(orgID)
	ob.capture = nil
	if err != nil {
		return fmt.Errorf("reconcile %s: %w", orgID, err)
	}
	for _, e := range captured {
		if e.SequenceNum <= maxSeq || e.Timestamp.Before(from) {
			continue
		}
		key := hourKey(e.Timestamp)
		t, ok := fresh[key]
		if !ok {
			t = newTally()
			fresh[key] = t
		}
		t.add(e)
		if e.SequenceNum > maxSeq {
			maxSeq = e.SequenceNum
		}
	}

	before, after := newTally(), newTally()
	for key, t := range ob.hours {
		if !time.Unix(key, 0).Before(from) {
			before.merge(t)
		}
	}
	for _, t := range fresh {
		after.merge(t)
	}
	drift["entries"] += abs(after.entries - before.entries)
	drift["logins"] += abs(after.logins - before.logins)
	drift["failed_logins"] += abs(after.failedLogins - before.failedLogins)
	drift["denied"] += abs(after.denied - before.denied)

	ob.hours = fresh
	if maxSeq > ob.applied {
		ob.applied = maxSeq
	}
	return nil
}

func (a *Aggregator) pruneLocked(from time.Time) {
	cutoff := from.Unix()
	for _, ob := range a.orgs {
		for key := range ob.hours {
			if key < cutoff {
				delete(ob.hours, key)
			}
		}
		for key := range ob.mutations {
			if key < cutoff {
				delete(ob.mutations, key)
			}
		}
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
