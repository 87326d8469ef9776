package anomaly

import (
	"time"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Weight is the severity's contribution to a risk score.
func (s Severity) Weight() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 5
	case SeverityHigh:
		return 10
	case SeverityCritical:
		return 25
	default:
		return 0
	}
}

func ParseSeverity(raw string) (Severity, bool) {
	s := Severity(raw)
	return s, s.Rank() > 0
}

func maxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

type PatternKind string

const (
	KindFailedLoginBurst PatternKind = "FAILED_LOGIN_BURST"
	KindIPAnomaly        PatternKind = "IP_ANOMALY"
	KindHighRiskAction   PatternKind = "HIGH_RISK_ACTION"
	KindEscalation       PatternKind = "ESCALATION"
)

type Status string

const (
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
	StatusSuperseded Status = "superseded"
)

// Finding is what a rule reports for one evaluation.
type Finding struct {
	Kind        PatternKind
	Severity    Severity
	Scope       string
	ActorID     string
	IPAddress   string
	EntryIDs    []string
	WindowStart time.Time
	WindowEnd   time.Time
	Description string
	// Supersedes lists records this finding combines.
	Supersedes []string
}

// Record is a suspicious activity record. One open record exists per
// (org, kind, scope); later findings on the key update it in place.
type Record struct {
	ID              string      `json:"id"`
	OrgID           string      `json:"orgId"`
	Kind            PatternKind `json:"patternKind"`
	Severity        Severity    `json:"severity"`
	Scope           string      `json:"scope"`
	ActorID         string      `json:"actorId,omitempty"`
	IPAddress       string      `json:"ipAddress,omitempty"`
	RelatedEntryIDs []string    `json:"relatedEntryIds"`
	WindowStart     time.Time   `json:"windowStart"`
	WindowEnd       time.Time   `json:"windowEnd"`
	RiskScore       int         `json:"riskScore"`
	Status          Status      `json:"status"`
	SupersededBy    string      `json:"supersededBy,omitempty"`
	Description     string      `json:"description"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

func ActorScope(actorID string) string { return "actor:" + actorID }

func IPScope(ip string) string { return "ip:" + ip }

// Query filters stored records. Zero values are unbounded.
type Query struct {
	OrgID       string
	Kind        PatternKind
	ActorID     string
	MinSeverity Severity
	Status      Status
	From        time.Time
	To          time.Time
	Offset      int
	Limit       int
}

func (q Query) Match(r Record) bool {
	if q.OrgID != "" && r.OrgID != q.OrgID {
		return false
	}
	if q.Kind != "" && r.Kind != q.Kind {
		return false
	}
	if q.ActorID != "" && r.ActorID != q.ActorID {
		return false
	}
	if q.MinSeverity != "" && r.Severity.Rank() < q.MinSeverity.Rank() {
		return false
	}
	if q.Status != "" && r.Status != q.Status {
		return false
	}
	if !q.From.IsZero() && r.WindowEnd.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !r.WindowStart.Before(q.To) {
		return false
	}
	return true
}
