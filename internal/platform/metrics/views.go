package metrics

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/anomaly"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/ledger"
)

const (
	SourceBuckets = "buckets"
	SourceScan    = "scan"
)

var ErrInvalidPeriod = errors.New("invalid period")

type Period struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// ParsePeriod accepts "24h", "7d" or "30d" style durations ending at the
// close of the current hour.
func ParsePeriod(raw string, now time.Time) (Period, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		raw = "24h"
	}
	var d time.Duration
	if strings.HasSuffix(raw, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(raw, "d"))
		if err != nil || n <= 0 {
			return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, raw)
		}
		d = time.Duration(n) * 24 * time.Hour
	} else {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return Period{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, raw)
		}
		d = parsed.Truncate(time.Hour)
		if d == 0 {
			d = time.Hour
		}
	}
	to := now.UTC().Truncate(time.Hour).Add(time.Hour)
	return Period{From: to.Add(-d), To: to}, nil
}

type Snapshot struct {
	OrgID                string         `json:"orgId"`
	Period               Period         `json:"period"`
	TotalLogins          int64          `json:"totalLogins"`
	FailedLogins         int64          `json:"failedLogins"`
	SuspiciousBySeverity map[string]int `json:"suspiciousBySeverity"`
	DeniedAccess         int64          `json:"deniedAccess"`
	ActiveUsers          int            `json:"activeUsers"`
	ComplianceCoverage   float64        `json:"complianceCoverage"`
	Source               string         `json:"source"`
	GeneratedAt          time.Time      `json:"generatedAt"`
}

func (a *Aggregator) Snapshot(ctx context.Context, orgID string, p Period) (Snapshot, error) {
	t, source, err := a.collect(ctx, orgID, p.From, p.To)
	if err != nil {
		return Snapshot{}, err
	}
	bySeverity := map[string]int{}
	for _, s := range []anomaly.Severity{anomaly.SeverityLow, anomaly.SeverityMedium, anomaly.SeverityHigh, anomaly.SeverityCritical} {
		bySeverity[string(s)] = 0
	}
	if a.anomalies != nil {
		counts, err := a.anomalies.CountBySeverity(ctx, orgID, p.From, p.To)
		if err != nil {
			return Snapshot{}, fmt.Errorf("count suspicious activity: %w", err)
		}
		for s, n := range counts {
			bySeverity[string(s)] = n
		}
	}
	coverage, _, _ := a.coverage(orgID, p.From, p.To)
	return Snapshot{
		OrgID:                orgID,
		Period:               p,
		TotalLogins:          t.logins,
		FailedLogins:         t.failedLogins,
		SuspiciousBySeverity: bySeverity,
		DeniedAccess:         t.denied,
		ActiveUsers:          len(t.actors),
		ComplianceCoverage:   coverage,
		Source:               source,
		GeneratedAt:          a.clock.Now(),
	}, nil
}

type LoginStats struct {
	OrgID           string       `json:"orgId"`
	Period          Period       `json:"period"`
	Total           int64        `json:"total"`
	Failed          int64        `json:"failed"`
	Succeeded       int64        `json:"succeeded"`
	SuccessRate     float64      `json:"successRate"`
	FailuresByActor []ActorCount `json:"failuresByActor"`
}

func (a *Aggregator) Logins(ctx context.Context, orgID string, p Period, topN int) (LoginStats, error) {
	t, _, err := a.collect(ctx, orgID, p.From, p.To)
	if err != nil {
		return LoginStats{}, err
	}
	out := LoginStats{
		OrgID:           orgID,
		Period:          p,
		Total:           t.logins,
		Failed:          t.failedLogins,
		Succeeded:       t.logins - t.failedLogins,
		SuccessRate:     1.0,
		FailuresByActor: topActors(t.failedByActor, topN),
	}
	if t.logins > 0 {
		out.SuccessRate = float64(out.Succeeded) / float64(t.logins)
	}
	return out, nil
}

type AccessControl struct {
	OrgID              string           `json:"orgId"`
	Period             Period           `json:"period"`
	Denied             int64            `json:"denied"`
	DeniedByEntityType map[string]int64 `json:"deniedByEntityType"`
}

func (a *Aggregator) AccessControl(ctx context.Context, orgID string, p Period) (AccessControl, error) {
	t, _, err := a.collect(ctx, orgID, p.From, p.To)
	if err != nil {
		return AccessControl{}, err
	}
	return AccessControl{OrgID: orgID, Period: p, Denied: t.denied, DeniedByEntityType: t.deniedByEntity}, nil
}

type Compliance struct {
	OrgID             string                 `json:"orgId"`
	Period            Period                 `json:"period"`
	Coverage          float64                `json:"coverage"`
	ObservedMutations int64                  `json:"observedMutations"`
	RecordedMutations int64                  `json:"recordedMutations"`
	Integrity         ledger.IntegrityStatus `json:"integrity"`
}

func (a *Aggregator) Compliance(_ context.Context, orgID string, p Period) Compliance {
	coverage, observed, recorded := a.coverage(orgID, p.From, p.To)
	return Compliance{
		OrgID:             orgID,
		Period:            p,
		Coverage:          coverage,
		ObservedMutations: observed,
		RecordedMutations: recorded,
		Integrity:         a.integrity.Status(orgID),
	}
}
