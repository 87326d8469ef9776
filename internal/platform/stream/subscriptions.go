package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/clock"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/logging"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/observability"
)

// Subscriptions serves stream-config reads and writes and is the fan-out
// handler that forwards matching entries to the publisher.
type Subscriptions struct {
	store     ConfigStore
	publisher Publisher
	clock     clock.Clock
	metrics   *observability.Metrics
	logger    *slog.Logger

	mu    sync.RWMutex
	cache map[string]Config
}

// NewSubscriptions accepts a nil publisher; configs are then stored but
// nothing is forwarded.
func NewSubscriptions(store ConfigStore, publisher Publisher, clk clock.Clock, metrics *observability.Metrics, logger *slog.Logger) *Subscriptions {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Subscriptions{
		store:     store,
		publisher: publisher,
		clock:     clk,
		metrics:   metrics,
		logger:    logging.OrDiscard(logger).With("component", "stream"),
		cache:     map[string]Config{},
	}
}

// Get returns the org's config, or a disabled default when none was stored.
func (s *Subscriptions) Get(ctx context.Context, orgID string) (Config, error) {
	s.mu.RLock()
	c, ok := s.cache[orgID]
	s.mu.RUnlock()
	if ok {
		return c, nil
	}
	c, ok, err := s.store.Get(ctx, orgID)
	if err != nil {
		return Config{}, err
	}
	if !ok {
		c = Config{OrgID: orgID, Stream: "audit", Actions: []string{}}
	}
	s.mu.Lock()
	s.cache[orgID] = c
	s.mu.Unlock()
	return c, nil
}

func (s *Subscriptions) Put(ctx context.Context, c Config) (Config, error) {
	if err := c.Normalize(); err != nil {
		return Config{}, err
	}
	c.UpdatedAt = s.clock.Now()
	if err := s.store.Put(ctx, c); err != nil {
		return Config{}, err
	}
	s.mu.Lock()
	s.cache[c.OrgID] = c
	s.mu.Unlock()
	s.logger.Info("stream config updated", "org_id", c.OrgID, "enabled", c.Enabled, "stream", c.Stream)
	return c, nil
}

// Handle forwards e when the org's subscription matches it.
func (s *Subscriptions) Handle(ctx context.Context, e ledger.Entry) error {
	if s.publisher == nil {
		return nil
	}
	c, err := s.Get(ctx, e.OrgID)
	if err != nil {
		return fmt.Errorf("load stream config: %w", err)
	}
	if !c.Matches(e) {
		return nil
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := s.publisher.Publish(ctx, e.OrgID, c.Stream, payload); err != nil {
		result := "error"
		if errors.Is(err, ErrBreakerOpen) {
			result = "breaker_open"
		}
		s.metrics.ObserveStreamPublish(result)
		return err
	}
	s.metrics.ObserveStreamPublish("ok")
	return nil
}
