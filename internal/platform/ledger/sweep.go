package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/logging"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/observability"
)

const SeverityCritical = "CRITICAL"

type Alert struct {
	OrgID       string    `json:"orgId"`
	Severity    string    `json:"severity"`
	BrokenAtSeq int64     `json:"brokenAtSeq,omitempty"`
	Reason      string    `json:"reason"`
	DetectedAt  time.Time `json:"detectedAt"`
}

// AlertSink receives CRITICAL integrity alerts from the sweep.
type AlertSink interface {
	Alert(ctx context.Context, a Alert) error
}

// HealthReporter mirrors the sweep outcome into a health endpoint.
type HealthReporter interface {
	SetIntegrityServing(ok bool)
}

type SweepReport struct {
	Results  []VerifyResult `json:"results"`
	Failures int            `json:"failures"`
}

// Sweeper verifies every organization's full chain. Each failure is logged,
// counted, alerted and reflected in health; none is absorbed.
type Sweeper struct {
	verifier *Verifier
	store    Store
	alerts   AlertSink
	health   HealthReporter
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func NewSweeper(v *Verifier, alerts AlertSink, health HealthReporter, metrics *observability.Metrics, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		verifier: v,
		store:    v.store,
		alerts:   alerts,
		health:   health,
		metrics:  metrics,
		logger:   logging.OrDiscard(logger).With("component", "integrity_sweep"),
	}
}

func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	orgs, err := s.store.Orgs(ctx)
	if err != nil {
		s.critical(ctx, Alert{Reason: "list organizations: " + err.Error()})
		s.setHealth(false)
		return report, err
	}
	for _, orgID := range orgs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, err := s.verifier.VerifyWithTrigger(ctx, TriggerSweep, orgID, 0, 0)
		if err != nil {
			report.Failures++
			s.critical(ctx, Alert{OrgID: orgID, Reason: "verification error: " + err.Error()})
			continue
		}
		report.Results = append(report.Results, res)
		if !res.OK {
			report.Failures++
			s.critical(ctx, Alert{OrgID: orgID, BrokenAtSeq: res.BrokenAtSeq, Reason: res.Reason})
		}
	}
	s.metrics.MarkSweep(s.verifier.clock.Now())
	s.setHealth(report.Failures == 0 && len(s.verifier.registry.Broken()) == 0)
	return report, nil
}

func (s *Sweeper) critical(ctx context.Context, a Alert) {
	a.Severity = SeverityCritical
	a.DetectedAt = s.verifier.clock.Now()
	s.logger.Error("ledger integrity failure",
		"severity", SeverityCritical,
		"org_id", a.OrgID,
		"broken_at_seq", a.BrokenAtSeq,
		"reason", a.Reason,
	)
	if a.BrokenAtSeq == 0 {
		s.metrics.ObserveIntegrityFailure("sweep_error")
	}
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Alert(ctx, a); err != nil {
		s.logger.Error("integrity alert delivery failed", "severity", SeverityCritical, "org_id", a.OrgID, "error", err)
	}
}

func (s *Sweeper) setHealth(ok bool) {
	if s.health != nil {
		s.health.SetIntegrityServing(ok)
	}
}

// LogAlertSink writes alerts to a logger; used when no external sink is
// configured.
type LogAlertSink struct {
	Logger *slog.Logger
}

func (l LogAlertSink) Alert(_ context.Context, a Alert) error {
	logging.OrDiscard(l.Logger).Error("CRITICAL integrity alert",
		"severity", a.Severity, "org_id", a.OrgID, "broken_at_seq", a.BrokenAtSeq, "reason", a.Reason)
	return nil
}
