package ledger

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/clock"
)

var testStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestWriter(t *testing.T, store Store, cfg WriterConfig) (*Writer, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(testStart)
	var n atomic.Int64
	w := NewWriter(store, DevKeyRing(), cfg,
		WithClock(clk),
		WithIDGenerator(func() string { return fmt.Sprintf("entry-%06d", n.Add(1)) }),
	)
	return w, clk
}

func event(orgID, actor, action, entity string, at time.Time) AuditEvent {
	return AuditEvent{
		OrgID:      orgID,
		ActorID:    actor,
		Action:     action,
		EntityType: entity,
		EntityID:   entity + "-1",
		IPAddress:  "203.0.113.7",
		UserAgent:  "ledger-test",
		Result:     ResultSuccess,
		Timestamp:  at,
	}
}

func mustAppend(t *testing.T, w *Writer, ev AuditEvent) Entry {
	t.Helper()
	e, err := w.Append(context.Background(), ev)
	if err != nil {
		t.Fatalf("append err: %v", err)
	}
	return e
}

func collect(t *testing.T, s Store, f Filter) []Entry {
	t.Helper()
	var out []Entry
	if err := s.Scan(context.Background(), f, func(e Entry) error {
		out = append(out, e)
		return nil
	}); err != nil {
		t.Fatalf("scan err: %v", err)
	}
	return out
}

type recordingPublisher struct {
	entries chan Entry
}

func (p *recordingPublisher) Publish(e Entry) {
	select {
	case p.entries <- e:
	default:
	}
}
