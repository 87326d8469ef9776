package schedule

import (
	"context"
	"testing"
)

func TestAddRejectsInvalidSpec(t *testing.T) {
	s := New(nil)
	err := s.Add(Job{Name: "bad", Spec: "not a cron", Run: func(context.Context) error { return nil }})
	if err == nil {
		t.Fatalf("expected invalid spec error")
	}
	if s.Len() != 0 {
		t.Fatalf("expected no entries, got %d", s.Len())
	}
}

func TestAddRequiresRunFunc(t *testing.T) {
	if err := New(nil).Add(Job{Name: "nil", Spec: "@every 1m"}); err == nil {
		t.Fatalf("expected missing run func error")
	}
}

func TestStartStopIsIdempotent(t *testing.T) {
	s := New(nil)
	if err := s.Add(Job{Name: "sweep", Spec: "@every 1h", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("add err: %v", err)
	}
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
	s.Stop()
	if s.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", s.Len())
	}
}
