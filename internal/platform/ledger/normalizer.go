package ledger

import (
	"bytes"
	"encoding/json"
	"net"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/clock"
)

const (
	DefaultMaxPayloadBytes = 64 << 10
	maxUserAgentBytes      = 512
	maxIdentifierBytes     = 256
)

var tokenPattern = regexp.MustCompile(`^[A-Z][A-Z_]*$`)

// Notice is the raw "record event" payload sent by the domain layer after a
// mutating operation commits.
type Notice struct {
	OrgID              string          `json:"orgId"`
	ActorID            string          `json:"actorId,omitempty"`
	Action             string          `json:"action"`
	EntityType         string          `json:"entityType"`
	EntityID           string          `json:"entityId"`
	IPAddress          string          `json:"ipAddress,omitempty"`
	UserAgent          string          `json:"userAgent,omitempty"`
	Result             string          `json:"result,omitempty"`
	Reason             string          `json:"reason,omitempty"`
	CompensatesEntryID string          `json:"compensatesEntryId,omitempty"`
	Before             json.RawMessage `json:"before,omitempty"`
	After              json.RawMessage `json:"after,omitempty"`
	Timestamp          time.Time       `json:"timestamp,omitempty"`
}

// Normalizer turns notices into canonical AuditEvents. It never touches the
// store, so rejected notices have no side effects.
type Normalizer struct {
	Clock           clock.Clock
	MaxPayloadBytes int
}

func NewNormalizer(clk clock.Clock) *Normalizer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Normalizer{Clock: clk, MaxPayloadBytes: DefaultMaxPayloadBytes}
}

func (n *Normalizer) Normalize(in Notice) (AuditEvent, error) {
	var problems []string
	ev := AuditEvent{
		OrgID:              strings.TrimSpace(in.OrgID),
		ActorID:            strings.TrimSpace(in.ActorID),
		Action:             strings.ToUpper(strings.TrimSpace(in.Action)),
		EntityType:         strings.ToUpper(strings.TrimSpace(in.EntityType)),
		EntityID:           strings.TrimSpace(in.EntityID),
		UserAgent:          truncateUTF8(strings.TrimSpace(in.UserAgent), maxUserAgentBytes),
		Reason:             strings.TrimSpace(in.Reason),
		CompensatesEntryID: strings.TrimSpace(in.CompensatesEntryID),
		Timestamp:          in.Timestamp,
	}

	require := func(name, v string) {
		if v == "" {
			problems = append(problems, name+" is required")
		} else if len(v) > maxIdentifierBytes {
			problems = append(problems, name+" is too long")
		}
	}
	require("orgId", ev.OrgID)
	require("action", ev.Action)
	require("entityType", ev.EntityType)
	require("entityId", ev.EntityID)
	if len(ev.ActorID) > maxIdentifierBytes {
		problems = append(problems, "actorId is too long")
	}
	if ev.Action != "" && !tokenPattern.MatchString(ev.Action) {
		problems = append(problems, "action must match [A-Z_]+")
	}
	if ev.EntityType != "" && !tokenPattern.MatchString(ev.EntityType) {
		problems = append(problems, "entityType must match [A-Z_]+")
	}

	switch r := Result(strings.ToLower(strings.TrimSpace(in.Result))); r {
	case "":
		ev.Result = ResultSuccess
	case ResultSuccess, ResultFailure, ResultDenied:
		ev.Result = r
	default:
		problems = append(problems, "result must be success, failure or denied")
	}

	if ip, ok := normalizeIP(in.IPAddress); ok {
		ev.IPAddress = ip
	} else {
		problems = append(problems, "ipAddress is not a valid address")
	}

	var err error
	if ev.Before, err = compactJSON(in.Before); err != nil {
		problems = append(problems, "before is not valid JSON")
	}
	if ev.After, err = compactJSON(in.After); err != nil {
		problems = append(problems, "after is not valid JSON")
	}
	limit := n.MaxPayloadBytes
	if limit <= 0 {
		limit = DefaultMaxPayloadBytes
	}
	if len(ev.Before)+len(ev.After) > limit {
		problems = append(problems, "before/after payload exceeds size limit")
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = n.Clock.Now()
	}
	ev.Timestamp = NormalizeTime(ev.Timestamp)

	if len(problems) > 0 {
		return AuditEvent{}, &ValidationError{Problems: problems}
	}
	return ev, nil
}

// NormalizeTime truncates to microseconds in UTC, the precision every
// backing store round-trips exactly.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func normalizeIP(raw string) (string, bool) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "", true
	}
	if host, _, err := net.SplitHostPort(v); err == nil {
		v = host
	}
	v = strings.TrimSuffix(strings.TrimPrefix(v, "["), "]")
	ip := net.ParseIP(v)
	if ip == nil {
		return "", false
	}
	return ip.String(), true
}

func compactJSON(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}

func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	s = s[:max]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
