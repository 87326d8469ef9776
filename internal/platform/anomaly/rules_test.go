package anomaly

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/ledger"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

var seq int64

func entry(actor, ip, action, entity string, result ledger.Result, at time.Time) ledger.Entry {
	seq++
	return ledger.Entry{
		AuditEvent: ledger.AuditEvent{
			OrgID: "org-a", ActorID: actor, Action: action, EntityType: entity, EntityID: entity + "-1",
			IPAddress: ip, Result: result, Timestamp: at,
		},
		EntryID:     fmt.Sprintf("e-%d", seq),
		SequenceNum: seq,
	}
}

func failedLogin(actor, ip string, at time.Time) ledger.Entry {
	return entry(actor, ip, ledger.ActionLogin, ledger.EntityUser, ledger.ResultFailure, at)
}

func burstRule() Rule { return DefaultRules(Config{}.WithDefaults())[0] }

func TestFailedLoginBurstThresholds(t *testing.T) {
	var logins []ledger.Entry
	cases := []struct {
		n    int
		want Severity
	}{{1, ""}, {2, ""}, {3, SeverityMedium}, {5, SeverityMedium}, {6, SeverityHigh}}
	for i := 1; i <= 6; i++ {
		e := failedLogin("u1", "198.51.100.1", t0.Add(time.Duration(i)*time.Minute))
		logins = append(logins, e)
		findings, err := FailedLoginBurst(burstRule(), Window{Current: e, Logins: logins})
		if err != nil {
			t.Fatalf("eval err: %v", err)
		}
		for _, tc := range cases {
			if tc.n != i {
				continue
			}
			if tc.want == "" && len(findings) != 0 {
				t.Fatalf("n=%d: expected no finding, got %+v", i, findings)
			}
			if tc.want != "" && (len(findings) != 1 || findings[0].Severity != tc.want || findings[0].Scope != ActorScope("u1")) {
				t.Fatalf("n=%d: expected one %s actor finding, got %+v", i, tc.want, findings)
			}
		}
	}
}

func TestFailedLoginBurstIgnoresOldFailures(t *testing.T) {
	logins := []ledger.Entry{
		failedLogin("u1", "198.51.100.1", t0),
		failedLogin("u1", "198.51.100.1", t0.Add(10*time.Minute)),
	}
	cur := failedLogin("u1", "198.51.100.1", t0.Add(61*time.Minute))
	logins = append(logins, cur)
	findings, _ := FailedLoginBurst(burstRule(), Window{Current: cur, Logins: logins})
	if len(findings) != 0 {
		t.Fatalf("failures outside the window must not count: %+v", findings)
	}
}

func TestFailedLoginBurstPerIPAcrossActors(t *testing.T) {
	var logins []ledger.Entry
	var findings []Finding
	for i, actor := range []string{"u1", "u2", "u3"} {
		e := failedLogin(actor, "203.0.113.9", t0.Add(time.Duration(i)*time.Minute))
		logins = append(logins, e)
		findings, _ = FailedLoginBurst(burstRule(), Window{Current: e, Logins: logins})
	}
	if len(findings) != 1 || findings[0].Scope != IPScope("203.0.113.9") || findings[0].Severity != SeverityMedium {
		t.Fatalf("expected one ip-scoped MEDIUM, got %+v", findings)
	}
}

func TestIPAnomalyRequiresBaseline(t *testing.T) {
	r := DefaultRules(Config{}.WithDefaults())[1]
	cur := entry("u1", "192.0.2.50", ledger.ActionLogin, ledger.EntityUser, ledger.ResultSuccess, t0)

	if f, _ := IPAnomaly(r, Window{Current: cur}); len(f) != 0 {
		t.Fatalf("first login must not be flagged")
	}
	known := map[string]time.Time{"192.0.2.10": t0.Add(-48 * time.Hour)}
	f, _ := IPAnomaly(r, Window{Current: cur, KnownIPs: known})
	if len(f) != 1 || f[0].Severity != SeverityMedium || f[0].IPAddress != "192.0.2.50" {
		t.Fatalf("expected MEDIUM ip anomaly, got %+v", f)
	}
	known["192.0.2.50"] = t0.Add(-time.Hour)
	if f, _ := IPAnomaly(r, Window{Current: cur, KnownIPs: known}); len(f) != 0 {
		t.Fatalf("known ip must not be flagged")
	}
}

func TestHighRiskAction(t *testing.T) {
	r := DefaultRules(Config{AmountThreshold: 1000}.WithDefaults())[2]
	del := entry("admin", "", ledger.ActionDelete, ledger.EntityUser, ledger.ResultSuccess, t0)
	if f, _ := HighRiskAction(r, Window{Current: del}); len(f) != 1 || f[0].Severity != SeverityHigh {
		t.Fatalf("user deletion must be HIGH, got %+v", f)
	}

	upd := entry("clerk", "", ledger.ActionUpdate, ledger.EntityPayment, ledger.ResultSuccess, t0)
	upd.Before = json.RawMessage(`{"amount":100}`)
	upd.After = json.RawMessage(`{"amount":"1200.50"}`)
	if f, _ := HighRiskAction(r, Window{Current: upd}); len(f) != 1 {
		t.Fatalf("large payment change must be flagged, got %+v", f)
	}
	upd.After = json.RawMessage(`{"amount":900}`)
	if f, _ := HighRiskAction(r, Window{Current: upd}); len(f) != 0 {
		t.Fatalf("small change must not be flagged, got %+v", f)
	}
	upd.After = json.RawMessage(`{"amount":{"x":1}}`)
	if _, err := HighRiskAction(r, Window{Current: upd}); err == nil {
		t.Fatalf("non-numeric amount must be an evaluation error")
	}
	denied := entry("admin", "", ledger.ActionDelete, ledger.EntityUser, ledger.ResultDenied, t0)
	if f, _ := HighRiskAction(r, Window{Current: denied}); len(f) != 0 {
		t.Fatalf("denied action must not be flagged")
	}
}

func TestEscalationNeedsTwoOpenMediums(t *testing.T) {
	r := EscalationRule(Config{}.WithDefaults())
	cur := entry("u1", "", ledger.ActionLogin, ledger.EntityUser, ledger.ResultSuccess, t0)
	one := Record{ID: "r1", Kind: KindFailedLoginBurst, Severity: SeverityMedium, ActorID: "u1", Status: StatusOpen,
		RelatedEntryIDs: []string{"a", "b"}, WindowStart: t0.Add(-10 * time.Minute), WindowEnd: t0.Add(-5 * time.Minute)}
	if f, _ := Escalation(r, Window{Current: cur, Open: []Record{one}}); len(f) != 0 {
		t.Fatalf("single MEDIUM must not escalate")
	}
	two := Record{ID: "r2", Kind: KindIPAnomaly, Severity: SeverityMedium, ActorID: "u1", Status: StatusOpen,
		RelatedEntryIDs: []string{"b", "c"}, WindowStart: t0, WindowEnd: t0}
	f, _ := Escalation(r, Window{Current: cur, Open: []Record{one, two}})
	if len(f) != 1 || f[0].Severity != SeverityHigh || len(f[0].Supersedes) != 2 || len(f[0].EntryIDs) != 3 {
		t.Fatalf("expected one HIGH combining both, got %+v", f)
	}
	if !f[0].WindowStart.Equal(one.WindowStart) {
		t.Fatalf("escalation window must span the combined records")
	}
}
