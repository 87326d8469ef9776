package httpapi

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/anomaly"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/auth"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/clock"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/export"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/metrics"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/session"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/stream"
)

// syncFanout delivers committed entries inline so assertions need no waiting.
type syncFanout struct {
	handlers []func(context.Context, ledger.Entry) error
}

func (s *syncFanout) Publish(e ledger.Entry) {
	for _, h := range s.handlers {
		_ = h(context.Background(), e)
	}
}

type apiFixture struct {
	t        *testing.T
	clk      *clock.Manual
	store    *ledger.MemoryStore
	sessions *session.Registry
	signer   *auth.JWTSigner
	limiter  *OrgLimiter
	server   *httptest.Server
	handler  http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	now := time.Now().UTC()
	clk := clock.NewManual(now)
	store := ledger.NewMemoryStore()
	keys := ledger.DevKeyRing()
	writer := ledger.NewWriter(store, keys, ledger.WriterConfig{}, ledger.WithClock(clk))
	tamper := ledger.NewTamperRegistry()
	verifier := ledger.NewVerifier(store, keys, tamper, clk, nil, nil)
	detector := anomaly.NewDetector(anomaly.Config{}, anomaly.NewMemoryStore(), clk, nil, nil)
	agg := metrics.NewAggregator(metrics.Config{RetentionHours: 24}, store, detector, tamper, clk, nil, nil)
	writer.Subscribe(&syncFanout{handlers: []func(context.Context, ledger.Entry) error{detector.Handle, agg.Handle}})
	recorder := ledger.NewRecorder(ledger.NewNormalizer(clk), writer, agg, ledger.RetryConfig{}, nil)

	sessions := session.NewRegistry(session.Config{}, nil, clk, nil, nil)
	ks, err := auth.ParseHMACKeyset("api-test-secret", "", "")
	if err != nil {
		t.Fatalf("keyset err: %v", err)
	}
	guard, err := NewIngestGuard(nil, clk, nil, nil)
	if err != nil {
		t.Fatalf("guard err: %v", err)
	}
	limiter := NewOrgLimiter(60, 2)
	api := New(Deps{
		Auth:     auth.NewAuthenticator(auth.NewJWTVerifierWithKeyset(ks), sessions),
		Recorder: recorder,
		Verifier: verifier,
		Query:    export.NewService(store, verifier, clk, nil, nil),
		Sessions: sessions,
		Detector: detector,
		Metrics:  agg,
		Streams:  stream.NewSubscriptions(stream.NewMemoryConfigStore(), nil, clk, nil, nil),
		Guard:    guard,
		Limiter:  limiter,
		Gatherer: prometheus.NewRegistry(),
		Clock:    clk,
	})
	h := api.Handler()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &apiFixture{
		t: t, clk: clk, store: store, sessions: sessions,
		signer: auth.NewJWTSignerWithKeyset(ks), limiter: limiter, server: srv, handler: h,
	}
}

func (f *apiFixture) login(user, org, sid string) string {
	f.t.Helper()
	tok, exp, err := f.signer.Sign(user, org, sid, time.Now().UTC(), time.Hour)
	if err != nil {
		f.t.Fatalf("sign err: %v", err)
	}
	body, _ := json.Marshal(map[string]any{"id": sid, "orgId": org, "userId": user, "token": tok, "expiresAt": exp})
	resp := f.do(http.MethodPost, "/internal/v1/sessions", "", body)
	if resp.StatusCode != http.StatusCreated {
		f.t.Fatalf("register session status=%d", resp.StatusCode)
	}
	return tok
}

func (f *apiFixture) do(method, path, token string, body []byte) *http.Response {
	f.t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, bytes.NewReader(body))
	if err != nil {
		f.t.Fatalf("new request err: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		f.t.Fatalf("do err: %v", err)
	}
	f.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *apiFixture) record(n ledger.Notice) {
	f.t.Helper()
	body, _ := json.Marshal(n)
	resp := f.do(http.MethodPost, "/internal/v1/events", "", body)
	if resp.StatusCode != http.StatusCreated {
		f.t.Fatalf("record status=%d", resp.StatusCode)
	}
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	return v
}

func errorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	body := decode[struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}](t, resp)
	return body.Error.Code
}

func TestActivityRequiresSessionAndHidesOtherOrgs(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.login("alice", "org-a", "s-1")
	f.record(ledger.Notice{OrgID: "org-a", ActorID: "alice", Action: "update", EntityType: "invoice", EntityID: "inv-1", IPAddress: "203.0.113.7"})

	if resp := f.do(http.MethodGet, "/api/v1/orgs/org-a/activity", "", nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token status=%d", resp.StatusCode)
	}
	resp := f.do(http.MethodGet, "/api/v1/orgs/org-a/activity", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activity status=%d", resp.StatusCode)
	}
	page := decode[export.Page](t, resp)
	if len(page.Items) != 1 || page.Items[0].Action != ledger.ActionUpdate || page.Items[0].Integrity != export.IntegrityOK {
		t.Fatalf("unexpected page: %+v", page)
	}
	if resp := f.do(http.MethodGet, "/api/v1/orgs/org-b/activity", tok, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-org status=%d", resp.StatusCode)
	}
}

func TestRevokedSessionIsRejected(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.login("admin", "org-a", "s-admin")
	victim := f.login("bob", "org-a", "s-bob-1")
	_ = f.login("bob", "org-a", "s-bob-2")

	body, _ := json.Marshal(map[string]string{"userId": "bob", "reason": "compromised"})
	resp := f.do(http.MethodPost, "/api/v1/orgs/org-a/sessions/revoke-all", admin, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke-all status=%d", resp.StatusCode)
	}
	out := decode[struct {
		RevokedCount int `json:"revokedCount"`
	}](t, resp)
	if out.RevokedCount != 2 {
		t.Fatalf("revokedCount=%d want 2", out.RevokedCount)
	}

	resp = f.do(http.MethodGet, "/api/v1/orgs/org-a/activity", victim, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked session status=%d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "SESSION_REVOKED" {
		t.Fatalf("code=%q", code)
	}
	if resp := f.do(http.MethodGet, "/api/v1/orgs/org-a/activity", admin, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("admin session affected: status=%d", resp.StatusCode)
	}
}

func TestRevokeSingleSessionAndListing(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.login("admin", "org-a", "s-admin")
	_ = f.login("bob", "org-a", "s-bob")
	_ = f.login("carol", "org-b", "s-carol")

	resp := f.do(http.MethodPost, "/api/v1/orgs/org-a/sessions/s-carol/revoke", admin, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-org revoke status=%d", resp.StatusCode)
	}
	resp = f.do(http.MethodPost, "/api/v1/orgs/org-a/sessions/s-bob/revoke", admin, []byte(`{"reason":"manual"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke status=%d", resp.StatusCode)
	}
	s := decode[session.Session](t, resp)
	if s.RevokedAt == nil || s.RevokeReason != "manual" {
		t.Fatalf("unexpected session: %+v", s)
	}

	resp = f.do(http.MethodGet, "/api/v1/orgs/org-a/sessions", admin, nil)
	list := decode[struct {
		Count int `json:"count"`
	}](t, resp)
	if list.Count != 1 {
		t.Fatalf("active sessions=%d want 1", list.Count)
	}
	resp = f.do(http.MethodGet, "/api/v1/orgs/org-a/sessions?includeInactive=true", admin, nil)
	list = decode[struct {
		Count int `json:"count"`
	}](t, resp)
	if list.Count != 2 {
		t.Fatalf("all sessions=%d want 2", list.Count)
	}
}

func TestRecordEventValidation(t *testing.T) {
	f := newAPIFixture(t)
	resp := f.do(http.MethodPost, "/internal/v1/events", "", []byte(`{"orgId":"org-a","action":"update"}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if code := errorCode(t, resp); code != "VALIDATION_FAILED" {
		t.Fatalf("code=%q", code)
	}
}

func TestInternalRoutesRejectUntrustedSource(t *testing.T) {
	f := newAPIFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/internal/v1/events", strings.NewReader(`{}`))
	req.RemoteAddr = "198.51.100.9:4040"
	req.Header.Set("X-Forwarded-For", "127.0.0.1")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestSecurityMetricsAndSuspiciousActivity(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.login("admin", "org-a", "s-admin")
	for i := 0; i < 3; i++ {
		f.record(ledger.Notice{
			OrgID: "org-a", ActorID: "mallory", Action: "login", EntityType: "user", EntityID: "mallory",
			IPAddress: "198.51.100.4", Result: "failure",
		})
	}
	f.record(ledger.Notice{OrgID: "org-a", ActorID: "alice", Action: "update", EntityType: "payment", EntityID: "p-1", IPAddress: "203.0.113.7", Result: "denied"})
	f.record(ledger.Notice{OrgID: "org-a", ActorID: "alice", Action: "create", EntityType: "invoice", EntityID: "inv-2", IPAddress: "203.0.113.7"})

	resp := f.do(http.MethodGet, "/api/v1/orgs/org-a/security-metrics/overview?period=24h", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("overview status=%d", resp.StatusCode)
	}
	snap := decode[metrics.Snapshot](t, resp)
	if snap.TotalLogins != 3 || snap.FailedLogins != 3 || snap.DeniedAccess != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.SuspiciousBySeverity[string(anomaly.SeverityMedium)] < 1 {
		t.Fatalf("expected a MEDIUM finding: %+v", snap.SuspiciousBySeverity)
	}

	resp = f.do(http.MethodGet, "/api/v1/orgs/org-a/suspicious-activity?patternKind=failed_login_burst", tok, nil)
	records := decode[struct {
		Records []anomaly.Record `json:"records"`
	}](t, resp)
	if len(records.Records) != 1 || records.Records[0].ActorID != "mallory" {
		t.Fatalf("unexpected records: %+v", records.Records)
	}

	resp = f.do(http.MethodGet, "/api/v1/orgs/org-a/security-metrics/access-control", tok, nil)
	ac := decode[metrics.AccessControl](t, resp)
	if ac.DeniedByEntityType[ledger.EntityPayment] != 1 {
		t.Fatalf("unexpected access control: %+v", ac)
	}

	resp = f.do(http.MethodGet, "/api/v1/orgs/org-a/security-metrics/compliance", tok, nil)
	comp := decode[metrics.Compliance](t, resp)
	if comp.Coverage != 1.0 || comp.ObservedMutations != 1 {
		t.Fatalf("unexpected compliance: %+v", comp)
	}

	if resp := f.do(http.MethodGet, "/api/v1/orgs/org-a/security-metrics/logins?period=bogus", tok, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad period status=%d", resp.StatusCode)
	}
}

func TestExportCSVFlagsTampering(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.login("admin", "org-a", "s-admin")
	for i := 0; i < 3; i++ {
		f.record(ledger.Notice{OrgID: "org-a", ActorID: "alice", Action: "update", EntityType: "invoice", EntityID: "inv-1", IPAddress: "203.0.113.7"})
	}
	if !f.store.Corrupt("org-a", 2, func(e *ledger.Entry) { e.EntityID = "inv-forged" }) {
		t.Fatal("corrupt: entry not found")
	}

	resp := f.do(http.MethodGet, "/api/v1/orgs/org-a/export/csv", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status=%d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Ledger-Tamper-Warning"); got != "true" {
		t.Fatalf("tamper header=%q", got)
	}
	if got := resp.Header.Get("X-Ledger-Broken-At-Seq"); got != "2" {
		t.Fatalf("broken seq header=%q", got)
	}
	rows, err := csv.NewReader(resp.Body).ReadAll()
	if err != nil {
		t.Fatalf("read csv err: %v", err)
	}
	if len(rows) != 4 || strings.Join(rows[0], ",") != strings.Join(export.CSVHeader, ",") {
		t.Fatalf("unexpected csv: %v", rows)
	}
	want := map[string]string{"1": "ok", "2": "suspect", "3": "suspect"}
	for _, row := range rows[1:] {
		if row[13] != want[row[8]] {
			t.Fatalf("seq %s integrity=%q", row[8], row[13])
		}
	}
}

func TestExportRateLimitedPerOrg(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.login("admin", "org-a", "s-admin")
	for i := 0; i < 2; i++ {
		if resp := f.do(http.MethodGet, "/api/v1/orgs/org-a/export/json", tok, nil); resp.StatusCode != http.StatusOK {
			t.Fatalf("export %d status=%d", i, resp.StatusCode)
		}
	}
	resp := f.do(http.MethodGet, "/api/v1/orgs/org-a/export/json", tok, nil)
	if resp.StatusCode != http.StatusTooManyRequests || resp.Header.Get("Retry-After") == "" {
		t.Fatalf("status=%d retry-after=%q", resp.StatusCode, resp.Header.Get("Retry-After"))
	}
	if !f.limiter.Allow("org-b") {
		t.Fatal("other org should have its own bucket")
	}
}

func TestStreamConfigRoundTrip(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.login("admin", "org-a", "s-admin")

	resp := f.do(http.MethodGet, "/api/v1/orgs/org-a/stream-config", tok, nil)
	cfg := decode[stream.Config](t, resp)
	if cfg.Enabled {
		t.Fatalf("default config should be disabled: %+v", cfg)
	}
	resp = f.do(http.MethodPut, "/api/v1/orgs/org-a/stream-config", tok, []byte(`{"enabled":true,"stream":"siem","actions":["login","delete"]}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status=%d", resp.StatusCode)
	}
	cfg = decode[stream.Config](t, resp)
	if !cfg.Enabled || cfg.OrgID != "org-a" || strings.Join(cfg.Actions, ",") != "LOGIN,DELETE" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	resp = f.do(http.MethodPut, "/api/v1/orgs/org-a/stream-config", tok, []byte(`{"enabled":true,"stream":"Bad Name"}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid config status=%d", resp.StatusCode)
	}
}

func TestVerifyEndpointAndHealth(t *testing.T) {
	f := newAPIFixture(t)
	f.record(ledger.Notice{OrgID: "org-a", ActorID: "alice", Action: "create", EntityType: "invoice", EntityID: "inv-9", IPAddress: "203.0.113.7"})
	resp := f.do(http.MethodPost, "/internal/v1/orgs/org-a/verify", "", nil)
	res := decode[ledger.VerifyResult](t, resp)
	if !res.OK || res.Checked != 1 {
		t.Fatalf("unexpected verify result: %+v", res)
	}
	if resp := f.do(http.MethodGet, "/healthz", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("health status=%d", resp.StatusCode)
	}
	if resp := f.do(http.MethodGet, "/metrics", "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status=%d", resp.StatusCode)
	}
}

func TestVerifyEndpointRangeEdges(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.login("admin", "org-a", "s-admin")
	for i := 0; i < 5; i++ {
		f.record(ledger.Notice{OrgID: "org-a", ActorID: "alice", Action: "update", EntityType: "invoice", EntityID: "inv-1", IPAddress: "203.0.113.7"})
	}
	cases := []struct {
		name        string
		query       string
		wantStatus  int
		wantChecked int64
	}{
		{name: "from tip", query: "?fromSeq=5", wantStatus: http.StatusOK, wantChecked: 1},
		{name: "one past tip", query: "?fromSeq=6", wantStatus: http.StatusOK},
		{name: "far past tip", query: "?fromSeq=50", wantStatus: http.StatusOK},
		{name: "inverted bounds", query: "?fromSeq=5&toSeq=2", wantStatus: http.StatusBadRequest},
		{name: "negative bound", query: "?fromSeq=-1", wantStatus: http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp := f.do(http.MethodPost, "/internal/v1/orgs/org-a/verify"+tc.query, "", nil)
		if resp.StatusCode != tc.wantStatus {
			t.Fatalf("%s: status=%d want %d", tc.name, resp.StatusCode, tc.wantStatus)
		}
		if tc.wantStatus != http.StatusOK {
			if code := errorCode(t, resp); code != "VALIDATION_FAILED" {
				t.Fatalf("%s: code=%q", tc.name, code)
			}
			continue
		}
		res := decode[ledger.VerifyResult](t, resp)
		if !res.OK || res.Checked != tc.wantChecked {
			t.Fatalf("%s: unexpected result %+v", tc.name, res)
		}
	}

	resp := f.do(http.MethodGet, "/api/v1/orgs/org-a/export/csv", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status=%d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Ledger-Tamper-Warning"); got != "false" {
		t.Fatalf("range verifies must not mark the org tampered, header=%q", got)
	}
}

func TestArchiveEndpointThenVerifyAndExport(t *testing.T) {
	f := newAPIFixture(t)
	tok := f.login("admin", "org-a", "s-admin")
	for i := 0; i < 6; i++ {
		f.record(ledger.Notice{OrgID: "org-a", ActorID: "alice", Action: "update", EntityType: "invoice", EntityID: "inv-1", IPAddress: "203.0.113.7"})
	}

	resp := f.do(http.MethodPost, "/internal/v1/orgs/org-a/archive?throughSeq=4", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("archive status=%d", resp.StatusCode)
	}
	cp := decode[ledger.Checkpoint](t, resp)
	if cp.FromSeq != 1 || cp.ToSeq != 4 || cp.EntryCount != 4 || cp.Digest == "" {
		t.Fatalf("unexpected checkpoint: %+v", cp)
	}

	resp = f.do(http.MethodPost, "/internal/v1/orgs/org-a/verify", "", nil)
	res := decode[ledger.VerifyResult](t, resp)
	if !res.OK || res.FromSeq != 5 || res.ToSeq != 6 || res.Checked != 2 {
		t.Fatalf("verify after archive: %+v", res)
	}

	resp = f.do(http.MethodGet, "/api/v1/orgs/org-a/export/csv", tok, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export status=%d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Ledger-Tamper-Warning"); got != "false" {
		t.Fatalf("tamper header=%q", got)
	}
	rows, err := csv.NewReader(resp.Body).ReadAll()
	if err != nil {
		t.Fatalf("read csv err: %v", err)
	}
	if len(rows) != 3 || rows[1][8] != "5" || rows[1][13] != "ok" {
		t.Fatalf("unexpected csv after archive: %v", rows)
	}

	if resp := f.do(http.MethodPost, "/internal/v1/orgs/org-a/archive?throughSeq=2", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("re-archiving an archived prefix status=%d", resp.StatusCode)
	}
	if resp := f.do(http.MethodPost, "/internal/v1/orgs/org-a/archive", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing throughSeq status=%d", resp.StatusCode)
	}
}

func TestClassifyBusyIsRetryable(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	New(Deps{}).fail(rec, req, &ledger.ChainWriteError{Kind: ledger.KindOrgBusy, OrgID: "org-a"})
	if rec.Code != http.StatusServiceUnavailable || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("status=%d retry-after=%q", rec.Code, rec.Header().Get("Retry-After"))
	}
}
