// Package export serves filtered reads of an organization's ledger and
// streams tamper-flagged CSV and JSON exports.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/clock"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/logging"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/observability"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

var (
	ErrInvalidPageToken = errors.New("invalid page token")
	ErrInvalidQuery     = errors.New("invalid query")
)

type Query struct {
	OrgID      string    `json:"orgId"`
	ActorID    string    `json:"actorId,omitempty"`
	Action     string    `json:"action,omitempty"`
	EntityType string    `json:"entityType,omitempty"`
	From       time.Time `json:"from,omitzero"`
	To         time.Time `json:"to,omitzero"`
	PageToken  string    `json:"-"`
	PageSize   int       `json:"-"`
}

func (q Query) filter() (ledger.Filter, error) {
	if strings.TrimSpace(q.OrgID) == "" {
		return ledger.Filter{}, fmt.Errorf("%w: orgId is required", ErrInvalidQuery)
	}
	if !q.From.IsZero() && !q.To.IsZero() && !q.From.Before(q.To) {
		return ledger.Filter{}, fmt.Errorf("%w: from must be before to", ErrInvalidQuery)
	}
	return ledger.Filter{
		OrgID:      q.OrgID,
		ActorID:    q.ActorID,
		Action:     strings.ToUpper(q.Action),
		EntityType: strings.ToUpper(q.EntityType),
		From:       q.From,
		To:         q.To,
	}, nil
}

// Item is an entry as served to readers, flagged when it lies at or after a
// known chain break.
type Item struct {
	ledger.Entry
	Integrity string `json:"integrity"`
}

const (
	IntegrityOK      = "ok"
	IntegritySuspect = "suspect"
)

type Page struct {
	Items         []Item `json:"entries"`
	NextPageToken string `json:"nextPageToken,omitempty"`
	TamperWarning bool   `json:"tamperWarning"`
	BrokenAtSeq   int64  `json:"brokenAtSeq,omitempty"`
}

// Service reads the persisted store directly.
type Service struct {
	store    ledger.Store
	verifier *ledger.Verifier
	clock    clock.Clock
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func NewService(store ledger.Store, verifier *ledger.Verifier, clk clock.Clock, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Service{store: store, verifier: verifier, clock: clk, metrics: metrics, logger: logging.OrDiscard(logger).With("component", "export")}
}

// List returns one page newest first. The page token is the sequence number
// the next page starts below.
func (s *Service) List(ctx context.Context, q Query) (Page, error) {
	f, err := q.filter()
	if err != nil {
		return Page{}, err
	}
	var before int64
	if q.PageToken != "" {
		before, err = strconv.ParseInt(q.PageToken, 10, 64)
		if err != nil || before <= 0 {
			return Page{}, fmt.Errorf("%w: %q", ErrInvalidPageToken, q.PageToken)
		}
	}
	size := q.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	entries, err := s.store.List(ctx, f, before, size+1)
	if err != nil {
		return Page{}, fmt.Errorf("list %s: %w", q.OrgID, err)
	}
	page := Page{}
	if len(entries) > size {
		entries = entries[:size]
		page.NextPageToken = strconv.FormatInt(entries[size-1].SequenceNum, 10)
	}
	status := s.verifier.Registry().Status(q.OrgID)
	page.Items = make([]Item, 0, len(entries))
	for _, e := range entries {
		it := Item{Entry: e, Integrity: IntegrityOK}
		if status.Suspect(e.SequenceNum) {
			it.Integrity = IntegritySuspect
			page.TamperWarning = true
		}
		page.Items = append(page.Items, it)
	}
	if page.TamperWarning {
		page.BrokenAtSeq = status.BrokenAtSeq
	}
	return page, nil
}

type CountByKey struct {
	Key   string `json:"key"`
	Count int64  `json:"count"`
}

type ActivitySummary struct {
	OrgID         string       `json:"orgId"`
	From          time.Time    `json:"from,omitzero"`
	To            time.Time    `json:"to,omitzero"`
	Total         int64        `json:"total"`
	ByAction      []CountByKey `json:"byAction"`
	ByEntityType  []CountByKey `json:"byEntityType"`
	ByResult      []CountByKey `json:"byResult"`
	TopActors     []CountByKey `json:"topActors"`
	FirstSeq      int64        `json:"firstSeq,omitempty"`
	LastSeq       int64        `json:"lastSeq,omitempty"`
	TamperWarning bool         `json:"tamperWarning"`
}

func (s *Service) Summary(ctx context.Context, q Query, topN int) (ActivitySummary, error) {
	f, err := q.filter()
	if err != nil {
		return ActivitySummary{}, err
	}
	byAction, byEntity, byResult, byActor := map[string]int64{}, map[string]int64{}, map[string]int64{}, map[string]int64{}
	out := ActivitySummary{OrgID: q.OrgID, From: q.From, To: q.To}
	status := s.verifier.Registry().Status(q.OrgID)
	err = s.store.Scan(ctx, f, func(e ledger.Entry) error {
		out.Total++
		if out.FirstSeq == 0 {
			out.FirstSeq = e.SequenceNum
		}
		out.LastSeq = e.SequenceNum
		byAction[e.Action]++
		byEntity[e.EntityType]++
		byResult[string(e.Result)]++
		if e.ActorID != "" {
			byActor[e.ActorID]++
		}
		if status.Suspect(e.SequenceNum) {
			out.TamperWarning = true
		}
		return nil
	})
	if err != nil {
		return ActivitySummary{}, fmt.Errorf("summarize %s: %w", q.OrgID, err)
	}
	out.ByAction = sortedCounts(byAction, 0)
	out.ByEntityType = sortedCounts(byEntity, 0)
	out.ByResult = sortedCounts(byResult, 0)
	out.TopActors = sortedCounts(byActor, topN)
	return out, nil
}

func sortedCounts(m map[string]int64, n int) []CountByKey {
	out := make([]CountByKey, 0, len(m))
	for k, v := range m {
		out = append(out, CountByKey{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}
