package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/observability"
)

func seedChain(t *testing.T, n int) (*MemoryStore, *Writer) {
	t.Helper()
	store := NewMemoryStore()
	w, _ := newTestWriter(t, store, WriterConfig{})
	for i := 0; i < n; i++ {
		mustAppend(t, w, event("org-a", "u1", ActionUpdate, EntityInvoice, testStart.Add(time.Duration(i)*time.Minute)))
	}
	return store, w
}

func TestVerifyDetectsAlteredEntryHash(t *testing.T) {
	store, _ := seedChain(t, 6)
	store.Corrupt("org-a", 4, func(e *Entry) { e.EntryHash = "deadbeef" })

	v := NewVerifier(store, DevKeyRing(), nil, nil, nil, nil)
	res, err := v.Verify(context.Background(), "org-a", 0, 0)
	if err != nil {
		t.Fatalf("verify err: %v", err)
	}
	if res.OK || res.BrokenAtSeq != 4 || res.Reason != ReasonEntryHash {
		t.Fatalf("expected break at 4 (entry hash), got %+v", res)
	}
	if res.Checked != 3 {
		t.Fatalf("expected fail-fast after 3 good entries, checked=%d", res.Checked)
	}
	st := v.Registry().Status("org-a")
	if !st.Suspect(4) || !st.Suspect(6) || st.Suspect(3) {
		t.Fatalf("registry must flag seq>=4 as suspect: %+v", st)
	}
}

func TestVerifyDetectsAlteredPayload(t *testing.T) {
	store, _ := seedChain(t, 3)
	store.Corrupt("org-a", 2, func(e *Entry) { e.ActorID = "intruder" })

	res, err := NewVerifier(store, DevKeyRing(), nil, nil, nil, nil).Verify(context.Background(), "org-a", 0, 0)
	if err != nil {
		t.Fatalf("verify err: %v", err)
	}
	if res.OK || res.BrokenAtSeq != 2 || res.Reason != ReasonEntryHash {
		t.Fatalf("expected payload tamper at 2, got %+v", res)
	}
}

func TestVerifyDetectsForgedSignature(t *testing.T) {
	store, _ := seedChain(t, 3)
	other, err := NewKeyRing("rogue", mustKey(t, seedB64('r')), nil)
	if err != nil {
		t.Fatalf("keyring err: %v", err)
	}
	store.Corrupt("org-a", 3, func(e *Entry) {
		e.Signature, _, _ = other.Sign(e.EntryHash)
	})
	res, err := NewVerifier(store, DevKeyRing(), nil, nil, nil, nil).Verify(context.Background(), "org-a", 0, 0)
	if err != nil {
		t.Fatalf("verify err: %v", err)
	}
	if res.OK || res.BrokenAtSeq != 3 || res.Reason != ReasonSignature {
		t.Fatalf("expected signature failure at 3, got %+v", res)
	}
}

func TestVerifyRangeAnchorsOnPreviousEntry(t *testing.T) {
	store, _ := seedChain(t, 8)
	v := NewVerifier(store, DevKeyRing(), nil, nil, nil, nil)
	res, err := v.Verify(context.Background(), "org-a", 3, 5)
	if err != nil {
		t.Fatalf("verify err: %v", err)
	}
	if !res.OK || res.FromSeq != 3 || res.ToSeq != 5 || res.Checked != 3 {
		t.Fatalf("unexpected range result: %+v", res)
	}
}

func TestWritesContinuePastHistoricalBreak(t *testing.T) {
	store, w := seedChain(t, 3)
	store.Corrupt("org-a", 2, func(e *Entry) { e.EntityID = "altered" })

	v := NewVerifier(store, DevKeyRing(), nil, nil, nil, nil)
	if res, _ := v.Verify(context.Background(), "org-a", 0, 0); res.OK {
		t.Fatalf("expected break")
	}
	e := mustAppend(t, w, event("org-a", "u1", ActionCreate, EntityInvoice, testStart))
	if e.SequenceNum != 4 {
		t.Fatalf("expected chain to extend to 4, got %d", e.SequenceNum)
	}
	res, _ := v.Verify(context.Background(), "org-a", 0, 0)
	if res.BrokenAtSeq != 2 {
		t.Fatalf("break must still be reported at 2: %+v", res)
	}
}

func TestRegistryClearedOnlyByFullVerification(t *testing.T) {
	r := NewTamperRegistry()
	r.Record(VerifyResult{OrgID: "org-a", BrokenAtSeq: 5, Reason: ReasonEntryHash}, true)
	r.Record(VerifyResult{OrgID: "org-a", OK: true}, false)
	if st := r.Status("org-a"); st.OK {
		t.Fatalf("partial ok must not clear a break: %+v", st)
	}
	r.Record(VerifyResult{OrgID: "org-a", OK: true}, true)
	if st := r.Status("org-a"); !st.OK || st.BrokenAtSeq != 0 {
		t.Fatalf("full ok must clear the break: %+v", st)
	}
	if len(r.Broken()) != 0 {
		t.Fatalf("expected no broken orgs")
	}
}

func TestArchiveThroughKeepsChainVerifiable(t *testing.T) {
	store, _ := seedChain(t, 5)
	v := NewVerifier(store, DevKeyRing(), nil, nil, nil, nil)

	cp, err := v.ArchiveThrough(context.Background(), "org-a", 3)
	if err != nil {
		t.Fatalf("archive err: %v", err)
	}
	if cp.FromSeq != 1 || cp.ToSeq != 3 || cp.EntryCount != 3 || cp.FirstPreviousHash != GenesisHash("org-a") {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}
	if left := collect(t, store, Filter{OrgID: "org-a"}); len(left) != 2 || left[0].SequenceNum != 4 {
		t.Fatalf("expected seq 4..5 retained, got %d entries", len(left))
	}
	res, err := v.Verify(context.Background(), "org-a", 0, 0)
	if err != nil || !res.OK || res.FromSeq != 4 {
		t.Fatalf("verify after archive: %+v err=%v", res, err)
	}

	restarted, _ := newTestWriter(t, store, WriterConfig{})
	e := mustAppend(t, restarted, event("org-a", "u1", ActionCreate, EntityInvoice, testStart))
	if e.SequenceNum != 6 {
		t.Fatalf("expected seq 6 after archive, got %d", e.SequenceNum)
	}
}

func TestArchiveRefusesBrokenSegment(t *testing.T) {
	store, _ := seedChain(t, 4)
	store.Corrupt("org-a", 2, func(e *Entry) { e.EntryHash = "00" })
	_, err := NewVerifier(store, DevKeyRing(), nil, nil, nil, nil).ArchiveThrough(context.Background(), "org-a", 3)
	if !errors.Is(err, ErrChainIntegrity) {
		t.Fatalf("expected integrity error, got %v", err)
	}
}

type captureAlerts struct{ alerts []Alert }

func (c *captureAlerts) Alert(_ context.Context, a Alert) error {
	c.alerts = append(c.alerts, a)
	return nil
}

type captureHealth struct{ serving []bool }

func (c *captureHealth) SetIntegrityServing(ok bool) { c.serving = append(c.serving, ok) }

func TestSweepAlertsOnEveryBrokenOrg(t *testing.T) {
	store, w := seedChain(t, 3)
	mustAppend(t, w, event("org-b", "u2", ActionCreate, EntityUser, testStart))
	store.Corrupt("org-a", 1, func(e *Entry) { e.PreviousHash = "forged" })

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	alerts := &captureAlerts{}
	health := &captureHealth{}
	v := NewVerifier(store, DevKeyRing(), nil, nil, metrics, nil)
	report, err := NewSweeper(v, alerts, health, metrics, nil).Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep err: %v", err)
	}
	if report.Failures != 1 || len(report.Results) != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(alerts.alerts) != 1 || alerts.alerts[0].Severity != SeverityCritical || alerts.alerts[0].OrgID != "org-a" {
		t.Fatalf("expected one CRITICAL alert for org-a, got %+v", alerts.alerts)
	}
	if alerts.alerts[0].Reason != ReasonPreviousHash {
		t.Fatalf("unexpected reason %q", alerts.alerts[0].Reason)
	}
	if len(health.serving) != 1 || health.serving[0] {
		t.Fatalf("health must flip to not serving: %v", health.serving)
	}
}
