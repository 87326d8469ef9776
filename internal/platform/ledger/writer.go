package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/clock"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/logging"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/observability"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/tracing"
)

const (
	DefaultMaxQueueDepth = 64
	DefaultLockTimeout   = 2 * time.Second
)

// Publisher receives committed entries in sequence order per organization.
// Publish must not block.
type Publisher interface {
	Publish(Entry)
}

type WriterConfig struct {
	MaxQueueDepth int           `yaml:"max_queue_depth"`
	LockTimeout   time.Duration `yaml:"lock_timeout"`
}

type orgSlot struct {
	sem     chan struct{}
	waiting atomic.Int64
	// tip is only touched while sem is held.
	tip *ChainState
}

// Writer is the single writer for every organization's chain. Appends for one
// organization are serialized through that organization's slot; different
// organizations never contend.
type Writer struct {
	store   Store
	signer  Signer
	clock   clock.Clock
	cfg     WriterConfig
	logger  *slog.Logger
	metrics *observability.Metrics
	newID   func() string

	mu    sync.Mutex
	slots map[string]*orgSlot

	pubMu      sync.RWMutex
	publishers []Publisher
}

type WriterOption func(*Writer)

func WithLogger(l *slog.Logger) WriterOption { return func(w *Writer) { w.logger = logging.OrDiscard(l) } }

func WithMetrics(m *observability.Metrics) WriterOption { return func(w *Writer) { w.metrics = m } }

func WithClock(c clock.Clock) WriterOption { return func(w *Writer) { w.clock = c } }

func WithIDGenerator(fn func() string) WriterOption { return func(w *Writer) { w.newID = fn } }

func NewWriter(store Store, signer Signer, cfg WriterConfig, opts ...WriterOption) *Writer {
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	w := &Writer{
		store:  store,
		signer: signer,
		clock:  clock.RealClock{},
		cfg:    cfg,
		logger: logging.Discard(),
		newID:  func() string { return uuid.NewString() },
		slots:  map[string]*orgSlot{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Subscribe registers p for every entry committed after the call.
func (w *Writer) Subscribe(p Publisher) {
	w.pubMu.Lock()
	defer w.pubMu.Unlock()
	w.publishers = append(w.publishers, p)
}

func (w *Writer) Store() Store { return w.store }

func (w *Writer) slot(orgID string) *orgSlot {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.slots[orgID]
	if !ok {
		s = &orgSlot{sem: make(chan struct{}, 1)}
		w.slots[orgID] = s
	}
	return s
}

// Append chains ev onto its organization's ledger. Errors are always
// *ChainWriteError.
func (w *Writer) Append(ctx context.Context, ev AuditEvent) (entry Entry, err error) {
	start := w.clock.Now()
	ctx, span := tracing.StartSpan(ctx, "ledger.append", tracing.Org(ev.OrgID))
	defer func() {
		tracing.End(span, err)
		w.metrics.ObserveAppend(appendResult(err), w.clock.Now().Sub(start))
	}()

	if err := validateForAppend(&ev); err != nil {
		return Entry{}, writeErr(KindValidationFailed, ev.OrgID, err)
	}

	slot := w.slot(ev.OrgID)
	if n := slot.waiting.Add(1); n > int64(w.cfg.MaxQueueDepth) {
		slot.waiting.Add(-1)
		return Entry{}, writeErr(KindOrgBusy, ev.OrgID, fmt.Errorf("%d appends already queued", n-1))
	}
	w.metrics.AddSlotWaiters(1)
	acquired := w.acquire(ctx, ev.OrgID, slot)
	slot.waiting.Add(-1)
	w.metrics.AddSlotWaiters(-1)
	if acquired != nil {
		return Entry{}, acquired
	}
	defer func() { <-slot.sem }()

	entry, err = w.appendLocked(ctx, slot, ev)
	if err != nil {
		return Entry{}, err
	}
	span.SetAttributes(tracing.Seq(entry.SequenceNum))
	w.publish(entry)
	return entry, nil
}

func (w *Writer) acquire(ctx context.Context, orgID string, slot *orgSlot) error {
	select {
	case slot.sem <- struct{}{}:
		return nil
	default:
	}
	timer := time.NewTimer(w.cfg.LockTimeout)
	defer timer.Stop()
	select {
	case slot.sem <- struct{}{}:
		return nil
	case <-timer.C:
		return writeErr(KindConcurrencyTimeout, orgID, fmt.Errorf("waited %s", w.cfg.LockTimeout))
	case <-ctx.Done():
		return writeErr(KindConcurrencyTimeout, orgID, ctx.Err())
	}
}

func (w *Writer) appendLocked(ctx context.Context, slot *orgSlot, ev AuditEvent) (Entry, error) {
	if slot.tip == nil {
		tip, err := w.recoverTip(ctx, ev.OrgID)
		if err != nil {
			return Entry{}, writeErr(KindStorageFailure, ev.OrgID, err)
		}
		slot.tip = &tip
	}

	if ev.CompensatesEntryID != "" {
		if _, err := w.store.GetEntry(ctx, ev.OrgID, ev.CompensatesEntryID); err != nil {
			if errors.Is(err, ErrEntryNotFound) {
				return Entry{}, writeErr(KindValidationFailed, ev.OrgID, &ValidationError{
					Problems: []string{"compensatesEntryId does not name an entry of this organization"},
				})
			}
			return Entry{}, writeErr(KindStorageFailure, ev.OrgID, err)
		}
	}

	e := Entry{
		AuditEvent:   ev,
		EntryID:      w.newID(),
		SequenceNum:  slot.tip.LastSequenceNum + 1,
		PreviousHash: slot.tip.LastHash,
	}
	e.EntryHash = ComputeHash(e.PreviousHash, e.EntryID, e.AuditEvent, e.SequenceNum)
	sig, version, err := w.signer.Sign(e.EntryHash)
	if err != nil {
		return Entry{}, writeErr(KindStorageFailure, ev.OrgID, fmt.Errorf("sign entry: %w", err))
	}
	e.Signature, e.SigningKeyVersion = sig, version

	if err := w.store.Commit(ctx, e); err != nil {
		// The store may have moved underneath us; reload the tip next time.
		slot.tip = nil
		w.logger.Warn("ledger commit failed", "org_id", ev.OrgID, "seq", e.SequenceNum, "error", err)
		return Entry{}, writeErr(KindStorageFailure, ev.OrgID, err)
	}
	slot.tip = &ChainState{OrgID: ev.OrgID, LastSequenceNum: e.SequenceNum, LastHash: e.EntryHash}
	return e, nil
}

// recoverTip picks the furthest of the checkpoint, the persisted chain state
// and the tail entry. The tail wins when a crash left the state row behind.
func (w *Writer) recoverTip(ctx context.Context, orgID string) (ChainState, error) {
	tip := ChainState{OrgID: orgID, LastHash: GenesisHash(orgID)}
	cp, ok, err := w.store.Checkpoint(ctx, orgID)
	if err != nil {
		return ChainState{}, err
	}
	if ok {
		tip.LastSequenceNum, tip.LastHash = cp.ToSeq, cp.LastHash
	}
	st, ok, err := w.store.ChainState(ctx, orgID)
	if err != nil {
		return ChainState{}, err
	}
	if ok && st.LastSequenceNum > tip.LastSequenceNum {
		tip = st
	}
	tail, ok, err := w.store.Tail(ctx, orgID)
	if err != nil {
		return ChainState{}, err
	}
	if ok && tail.SequenceNum > tip.LastSequenceNum {
		w.logger.Warn("chain state behind tail entry; recovering from tail",
			"org_id", orgID, "state_seq", tip.LastSequenceNum, "tail_seq", tail.SequenceNum)
		tip = ChainState{OrgID: orgID, LastSequenceNum: tail.SequenceNum, LastHash: tail.EntryHash}
	}
	return tip, nil
}

func (w *Writer) publish(e Entry) {
	w.pubMu.RLock()
	defer w.pubMu.RUnlock()
	for _, p := range w.publishers {
		p.Publish(e)
	}
}

func validateForAppend(ev *AuditEvent) error {
	var problems []string
	if ev.OrgID == "" {
		problems = append(problems, "orgId is required")
	}
	if ev.Action == "" {
		problems = append(problems, "action is required")
	}
	if ev.EntityType == "" {
		problems = append(problems, "entityType is required")
	}
	if ev.EntityID == "" {
		problems = append(problems, "entityId is required")
	}
	if ev.Timestamp.IsZero() {
		problems = append(problems, "timestamp is required")
	}
	if ev.Result == "" {
		ev.Result = ResultSuccess
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	ev.Timestamp = NormalizeTime(ev.Timestamp)
	return nil
}

func appendResult(err error) string {
	if err == nil {
		return "ok"
	}
	var cwe *ChainWriteError
	if errors.As(err, &cwe) {
		return string(cwe.Kind)
	}
	return "error"
}
