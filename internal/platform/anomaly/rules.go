package anomaly

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/ledger"
)

// Window is everything a rule may look at for one entry. Rules are pure
// functions of it.
type Window struct {
	Current ledger.Entry
	// Logins are the org's LOGIN entries with event time in the detector
	// window ending at Current, Current included.
	Logins []ledger.Entry
	// KnownIPs maps the actor's successful-login IPs in the history horizon
	// (Current excluded) to when each was last seen.
	KnownIPs map[string]time.Time
	// Open are the actor's open records, used by escalation.
	Open []Record
}

type Rule struct {
	Kind          PatternKind
	Window        time.Duration
	Threshold     int
	HighThreshold int
	Amount        float64
	Eval          func(Rule, Window) ([]Finding, error)
}

// DefaultRules returns the base rules; escalation runs after them.
func DefaultRules(cfg Config) []Rule {
	return []Rule{
		{Kind: KindFailedLoginBurst, Window: cfg.Window, Threshold: cfg.BurstMedium, HighThreshold: cfg.BurstHigh, Eval: FailedLoginBurst},
		{Kind: KindIPAnomaly, Window: cfg.IPHistory, Eval: IPAnomaly},
		{Kind: KindHighRiskAction, Window: cfg.Window, Amount: cfg.AmountThreshold, Eval: HighRiskAction},
	}
}

func EscalationRule(cfg Config) Rule {
	return Rule{Kind: KindEscalation, Window: cfg.Window, Threshold: cfg.EscalationCount, Eval: Escalation}
}

func inWindow(cur, e ledger.Entry, d time.Duration) bool {
	return !e.Timestamp.After(cur.Timestamp) && cur.Timestamp.Sub(e.Timestamp) < d
}

func isFailedLogin(e ledger.Entry) bool {
	return e.Action == ledger.ActionLogin && e.Result == ledger.ResultFailure
}

// FailedLoginBurst flags repeated failed logins per actor, and per IP when the
// failures from that IP are not all one actor's.
func FailedLoginBurst(r Rule, w Window) ([]Finding, error) {
	cur := w.Current
	if !isFailedLogin(cur) {
		return nil, nil
	}
	severity := func(n int) Severity {
		switch {
		case r.HighThreshold > 0 && n >= r.HighThreshold:
			return SeverityHigh
		case n >= r.Threshold:
			return SeverityMedium
		default:
			return ""
		}
	}
	var out []Finding
	if cur.ActorID != "" {
		var hits []ledger.Entry
		for _, e := range w.Logins {
			if isFailedLogin(e) && e.ActorID == cur.ActorID && inWindow(cur, e, r.Window) {
				hits = append(hits, e)
			}
		}
		if s := severity(len(hits)); s != "" {
			out = append(out, burstFinding(r, s, ActorScope(cur.ActorID), cur.ActorID, "", hits,
				fmt.Sprintf("%d failed logins for actor %s within %s", len(hits), cur.ActorID, r.Window)))
		}
	}
	if cur.IPAddress != "" {
		var hits []ledger.Entry
		actors := map[string]struct{}{}
		for _, e := range w.Logins {
			if isFailedLogin(e) && e.IPAddress == cur.IPAddress && inWindow(cur, e, r.Window) {
				hits = append(hits, e)
				actors[e.ActorID] = struct{}{}
			}
		}
		_, anonymous := actors[""]
		if s := severity(len(hits)); s != "" && (len(actors) > 1 || anonymous) {
			out = append(out, burstFinding(r, s, IPScope(cur.IPAddress), "", cur.IPAddress, hits,
				fmt.Sprintf("%d failed logins from %s across %d actors within %s", len(hits), cur.IPAddress, len(actors), r.Window)))
		}
	}
	return out, nil
}

func burstFinding(r Rule, s Severity, scope, actor, ip string, hits []ledger.Entry, desc string) Finding {
	f := Finding{Kind: r.Kind, Severity: s, Scope: scope, ActorID: actor, IPAddress: ip, Description: desc}
	for _, e := range hits {
		f.EntryIDs = append(f.EntryIDs, e.EntryID)
		if f.WindowStart.IsZero() || e.Timestamp.Before(f.WindowStart) {
			f.WindowStart = e.Timestamp
		}
		if e.Timestamp.After(f.WindowEnd) {
			f.WindowEnd = e.Timestamp
		}
	}
	return f
}

// IPAnomaly flags a successful login from an IP the actor has not used in the
// history horizon. Actors without any history are not flagged.
func IPAnomaly(r Rule, w Window) ([]Finding, error) {
	cur := w.Current
	if cur.Action != ledger.ActionLogin || cur.Result != ledger.ResultSuccess || cur.ActorID == "" || cur.IPAddress == "" {
		return nil, nil
	}
	if len(w.KnownIPs) == 0 {
		return nil, nil
	}
	if _, seen := w.KnownIPs[cur.IPAddress]; seen {
		return nil, nil
	}
	known := make([]string, 0, len(w.KnownIPs))
	for ip := range w.KnownIPs {
		known = append(known, ip)
	}
	sort.Strings(known)
	return []Finding{{
		Kind:        r.Kind,
		Severity:    SeverityMedium,
		Scope:       ActorScope(cur.ActorID),
		ActorID:     cur.ActorID,
		IPAddress:   cur.IPAddress,
		EntryIDs:    []string{cur.EntryID},
		WindowStart: cur.Timestamp,
		WindowEnd:   cur.Timestamp,
		Description: fmt.Sprintf("login from new address %s (known: %v)", cur.IPAddress, known),
	}}, nil
}

// HighRiskAction flags user deletion and large payment or invoice amount
// changes.
func HighRiskAction(r Rule, w Window) ([]Finding, error) {
	cur := w.Current
	if cur.Result != ledger.ResultSuccess {
		return nil, nil
	}
	var desc string
	switch {
	case cur.Action == ledger.ActionDelete && cur.EntityType == ledger.EntityUser:
		desc = fmt.Sprintf("user %s deleted", cur.EntityID)
	case cur.Action == ledger.ActionUpdate && (cur.EntityType == ledger.EntityPayment || cur.EntityType == ledger.EntityInvoice):
		delta, ok, err := amountDelta(cur.Before, cur.After)
		if err != nil {
			return nil, err
		}
		if !ok || delta <= r.Amount {
			return nil, nil
		}
		desc = fmt.Sprintf("%s %s amount changed by %s", cur.EntityType, cur.EntityID, strconv.FormatFloat(delta, 'f', -1, 64))
	default:
		return nil, nil
	}
	scope := ActorScope(cur.ActorID)
	if cur.ActorID == "" {
		scope = "entity:" + cur.EntityType + ":" + cur.EntityID
	}
	return []Finding{{
		Kind:        r.Kind,
		Severity:    SeverityHigh,
		Scope:       scope,
		ActorID:     cur.ActorID,
		IPAddress:   cur.IPAddress,
		EntryIDs:    []string{cur.EntryID},
		WindowStart: cur.Timestamp,
		WindowEnd:   cur.Timestamp,
		Description: desc,
	}}, nil
}

func amountDelta(before, after json.RawMessage) (float64, bool, error) {
	b, bok, err := amountOf(before)
	if err != nil {
		return 0, false, fmt.Errorf("before: %w", err)
	}
	a, aok, err := amountOf(after)
	if err != nil {
		return 0, false, fmt.Errorf("after: %w", err)
	}
	if !aok && !bok {
		return 0, false, nil
	}
	return math.Abs(a - b), true, nil
}

func amountOf(raw json.RawMessage) (float64, bool, error) {
	if len(raw) == 0 {
		return 0, false, nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, false, err
	}
	v, ok := doc["amount"]
	if !ok {
		return 0, false, nil
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err != nil {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return 0, false, fmt.Errorf("amount is not numeric")
		}
		n = json.Number(s)
	}
	f, err := n.Float64()
	if err != nil {
		return 0, false, fmt.Errorf("amount is not numeric: %w", err)
	}
	return f, true, nil
}

// Escalation combines an actor's open MEDIUM records within the window into
// one HIGH record.
func Escalation(r Rule, w Window) ([]Finding, error) {
	cur := w.Current
	if cur.ActorID == "" {
		return nil, nil
	}
	var combined []Record
	for _, rec := range w.Open {
		if rec.Kind == KindEscalation || rec.Status != StatusOpen || rec.Severity != SeverityMedium || rec.ActorID != cur.ActorID {
			continue
		}
		if cur.Timestamp.Sub(rec.WindowEnd) >= r.Window {
			continue
		}
		combined = append(combined, rec)
	}
	if len(combined) < r.Threshold {
		return nil, nil
	}
	f := Finding{
		Kind:        r.Kind,
		Severity:    SeverityHigh,
		Scope:       ActorScope(cur.ActorID),
		ActorID:     cur.ActorID,
		Description: fmt.Sprintf("%d medium findings for actor %s within %s", len(combined), cur.ActorID, r.Window),
	}
	seen := map[string]struct{}{}
	for _, rec := range combined {
		f.Supersedes = append(f.Supersedes, rec.ID)
		for _, id := range rec.RelatedEntryIDs {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				f.EntryIDs = append(f.EntryIDs, id)
			}
		}
		if f.WindowStart.IsZero() || rec.WindowStart.Before(f.WindowStart) {
			f.WindowStart = rec.WindowStart
		}
		if rec.WindowEnd.After(f.WindowEnd) {
			f.WindowEnd = rec.WindowEnd
		}
	}
	return []Finding{f}, nil
}
