package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/clock"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/logging"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/observability"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/tracing"
)

const (
	TriggerOnDemand = "on_demand"
	TriggerSweep    = "sweep"
	TriggerExport   = "export"
)

type VerifyResult struct {
	OrgID       string    `json:"orgId"`
	OK          bool      `json:"ok"`
	FromSeq     int64     `json:"fromSeq"`
	ToSeq       int64     `json:"toSeq"`
	Checked     int64     `json:"checked"`
	BrokenAtSeq int64     `json:"brokenAtSeq,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	TipSeq      int64     `json:"tipSeq"`
	TipHash     string    `json:"tipHash"`
	VerifiedAt  time.Time `json:"verifiedAt"`
}

// Verifier walks stored chains. It reports breaks and never repairs them.
type Verifier struct {
	store    Store
	keys     SignatureVerifier
	clock    clock.Clock
	registry *TamperRegistry
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func NewVerifier(store Store, keys SignatureVerifier, registry *TamperRegistry, clk clock.Clock, metrics *observability.Metrics, logger *slog.Logger) *Verifier {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if registry == nil {
		registry = NewTamperRegistry()
	}
	return &Verifier{store: store, keys: keys, clock: clk, registry: registry, metrics: metrics, logger: logging.OrDiscard(logger)}
}

func (v *Verifier) Registry() *TamperRegistry { return v.registry }

// Verify checks [fromSeq, toSeq] of orgID; zero bounds mean from the oldest
// retained entry and through the tip.
func (v *Verifier) Verify(ctx context.Context, orgID string, fromSeq, toSeq int64) (VerifyResult, error) {
	return v.VerifyWithTrigger(ctx, TriggerOnDemand, orgID, fromSeq, toSeq)
}

func (v *Verifier) VerifyWithTrigger(ctx context.Context, trigger, orgID string, fromSeq, toSeq int64) (res VerifyResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "ledger.verify", tracing.Org(orgID))
	defer func() {
		tracing.End(span, err)
		v.metrics.ObserveVerify(trigger, res.OK, err)
		if err == nil && !res.OK && res.Reason != ReasonAnchorMissing {
			v.metrics.ObserveIntegrityFailure(res.Reason)
		}
	}()

	res, err = v.walk(ctx, orgID, fromSeq, toSeq)
	if err != nil {
		return VerifyResult{}, err
	}
	full := fromSeq <= 0 && toSeq <= 0
	v.registry.Record(res, full)
	return res, nil
}

func (v *Verifier) walk(ctx context.Context, orgID string, fromSeq, toSeq int64) (VerifyResult, error) {
	res := VerifyResult{OrgID: orgID, VerifiedAt: v.clock.Now()}
	if fromSeq < 0 || toSeq < 0 {
		return res, fmt.Errorf("%w: sequence bounds must not be negative", ErrValidation)
	}
	if fromSeq > 0 && toSeq > 0 && toSeq < fromSeq {
		return res, fmt.Errorf("%w: toSeq %d is before fromSeq %d", ErrValidation, toSeq, fromSeq)
	}

	startSeq, startPrev := int64(1), GenesisHash(orgID)
	cp, ok, err := v.store.Checkpoint(ctx, orgID)
	if err != nil {
		return res, fmt.Errorf("verify %s: %w", orgID, err)
	}
	if ok {
		startSeq, startPrev = cp.ToSeq+1, cp.LastHash
	}
	state, hasState, err := v.store.ChainState(ctx, orgID)
	if err != nil {
		return res, fmt.Errorf("verify %s: %w", orgID, err)
	}

	tipSeq, tipHash := startSeq-1, startPrev
	if hasState && state.LastSequenceNum > tipSeq {
		tipSeq, tipHash = state.LastSequenceNum, state.LastHash
	}
	tail, hasTail, err := v.store.Tail(ctx, orgID)
	if err != nil {
		return res, fmt.Errorf("verify %s: %w", orgID, err)
	}
	if hasTail && tail.SequenceNum > tipSeq {
		tipSeq, tipHash = tail.SequenceNum, tail.EntryHash
	}
	if fromSeq > tipSeq {
		// Nothing committed at or after fromSeq: an empty range is intact.
		res.OK = true
		res.FromSeq = fromSeq
		res.TipSeq, res.TipHash = tipSeq, tipHash
		return res, nil
	}

	if fromSeq > startSeq {
		var anchor *Entry
		err := v.store.Scan(ctx, Filter{OrgID: orgID, FromSeq: fromSeq - 1, ToSeq: fromSeq - 1}, func(e Entry) error {
			anchor = &e
			return nil
		})
		if err != nil {
			return res, fmt.Errorf("verify %s: %w", orgID, err)
		}
		if anchor == nil {
			res.FromSeq = fromSeq
			res.BrokenAtSeq, res.Reason = fromSeq-1, ReasonAnchorMissing
			return res, nil
		}
		startSeq, startPrev = fromSeq, anchor.EntryHash
	}
	res.FromSeq = startSeq

	w := NewWalker(orgID, startSeq, startPrev, v.keys)
	errStop := errors.New("stop")
	err = v.store.Scan(ctx, Filter{OrgID: orgID, FromSeq: startSeq, ToSeq: toSeq}, func(e Entry) error {
		if !w.Step(e) {
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return res, fmt.Errorf("verify %s: %w", orgID, err)
	}
	res.Checked = w.Checked
	res.ToSeq = w.LastSeq
	res.TipSeq, res.TipHash = w.LastSeq, w.LastHash
	if w.LastSeq == 0 {
		res.TipSeq, res.TipHash = startSeq-1, startPrev
	}

	if w.FirstFailure == nil && hasState {
		end := state.LastSequenceNum
		if toSeq > 0 && toSeq < end {
			end = toSeq
		}
		switch {
		case res.TipSeq < end:
			w.FirstFailure = &Break{Seq: res.TipSeq + 1, Reason: ReasonSequenceGap}
		case toSeq <= 0 && res.TipSeq == state.LastSequenceNum && res.TipHash != state.LastHash:
			w.FirstFailure = &Break{Seq: res.TipSeq, Reason: ReasonTipMismatch}
		}
	}
	if w.FirstFailure != nil {
		res.BrokenAtSeq, res.Reason = w.FirstFailure.Seq, w.FirstFailure.Reason
		return res, nil
	}
	res.OK = true
	return res, nil
}

// IntegrityStatus is what read paths consult before serving an org's range.
type IntegrityStatus struct {
	OrgID          string    `json:"orgId"`
	Known          bool      `json:"known"`
	OK             bool      `json:"ok"`
	BrokenAtSeq    int64     `json:"brokenAtSeq,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	DetectedAt     time.Time `json:"detectedAt,omitempty"`
	LastVerifiedAt time.Time `json:"lastVerifiedAt,omitempty"`
}

// Suspect reports whether seq lies at or after a known break.
func (s IntegrityStatus) Suspect(seq int64) bool {
	return s.Known && !s.OK && seq >= s.BrokenAtSeq
}

// TamperRegistry holds the latest verification outcome per organization.
// Only a full walk can clear a recorded break.
type TamperRegistry struct {
	mu     sync.RWMutex
	status map[string]IntegrityStatus
}

func NewTamperRegistry() *TamperRegistry {
	return &TamperRegistry{status: map[string]IntegrityStatus{}}
}

func (r *TamperRegistry) Record(res VerifyResult, full bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.status[res.OrgID]
	if !res.OK && !full && res.Reason == ReasonAnchorMissing {
		// A partial walk that could not anchor proves nothing about the chain.
		return
	}
	cur.OrgID = res.OrgID
	cur.Known = true
	cur.LastVerifiedAt = res.VerifiedAt
	switch {
	case !res.OK:
		if cur.OK || cur.BrokenAtSeq == 0 || res.BrokenAtSeq < cur.BrokenAtSeq || full {
			cur.BrokenAtSeq, cur.Reason, cur.DetectedAt = res.BrokenAtSeq, res.Reason, res.VerifiedAt
		}
		cur.OK = false
	case full:
		cur.OK, cur.BrokenAtSeq, cur.Reason, cur.DetectedAt = true, 0, "", time.Time{}
	case cur.BrokenAtSeq == 0:
		cur.OK = true
	}
	r.status[res.OrgID] = cur
}

func (r *TamperRegistry) Status(orgID string) IntegrityStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.status[orgID]
	if !ok {
		return IntegrityStatus{OrgID: orgID}
	}
	return st
}

// Broken lists organizations with an outstanding break, sorted by id.
func (r *TamperRegistry) Broken() []IntegrityStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []IntegrityStatus
	for _, st := range r.status {
		if st.Known && !st.OK {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrgID < out[j].OrgID })
	return out
}
