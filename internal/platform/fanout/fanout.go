// Package fanout delivers committed ledger entries to downstream consumers
// over bounded per-consumer queues. A full queue never blocks the writer: the
// entry is dropped and the consumer later catches up from the store.
package fanout

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/logging"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/observability"
)

const (
	DefaultQueueSize       = 1024
	DefaultCatchUpInterval = 5 * time.Second
)

// Source replays persisted entries; ledger.Store satisfies it.
type Source interface {
	Scan(ctx context.Context, f ledger.Filter, fn func(ledger.Entry) error) error
}

type HandlerFunc func(ctx context.Context, e ledger.Entry) error

type Config struct {
	QueueSize       int           `yaml:"queue_size"`
	CatchUpInterval time.Duration `yaml:"catch_up_interval"`
}

// Consumer processes entries for one downstream component, in sequence order
// per organization, exactly once per entry.
type Consumer struct {
	name     string
	handle   HandlerFunc
	source   Source
	queue    chan ledger.Entry
	interval time.Duration
	metrics  *observability.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	cursor map[string]int64
	// origin is the first sequence offered per organization.
	origin map[string]int64
	dirty  map[string]int64

	// work serializes Process and CatchUp.
	work sync.Mutex
}

func NewConsumer(name string, source Source, handle HandlerFunc, cfg Config, metrics *observability.Metrics, logger *slog.Logger) *Consumer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.CatchUpInterval <= 0 {
		cfg.CatchUpInterval = DefaultCatchUpInterval
	}
	return &Consumer{
		name:     name,
		handle:   handle,
		source:   source,
		queue:    make(chan ledger.Entry, cfg.QueueSize),
		interval: cfg.CatchUpInterval,
		metrics:  metrics,
		logger:   logging.OrDiscard(logger).With("component", "fanout", "consumer", name),
		cursor:   map[string]int64{},
		origin:   map[string]int64{},
		dirty:    map[string]int64{},
	}
}

func (c *Consumer) Name() string { return c.name }

// Offer enqueues e without blocking.
func (c *Consumer) Offer(e ledger.Entry) {
	c.mu.Lock()
	if _, ok := c.origin[e.OrgID]; !ok {
		c.origin[e.OrgID] = e.SequenceNum
	}
	c.mu.Unlock()
	select {
	case c.queue <- e:
	default:
		c.markDirty(e.OrgID, e.SequenceNum)
		c.metrics.ObserveFanoutDrop(c.name)
	}
}

// Cursor is the last sequence handled for orgID.
func (c *Consumer) Cursor(orgID string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor[orgID]
}

func (c *Consumer) Pending() int { return len(c.queue) }

func (c *Consumer) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-c.queue:
			c.Process(ctx, e)
		case <-ticker.C:
			c.CatchUp(ctx)
		}
	}
}

// Process handles e, first replaying any gap between the org cursor and e.
func (c *Consumer) Process(ctx context.Context, e ledger.Entry) {
	c.work.Lock()
	defer c.work.Unlock()

	cur := c.resume(e.OrgID, e.SequenceNum)
	if e.SequenceNum <= cur {
		return
	}
	if e.SequenceNum > cur+1 {
		if err := c.replay(ctx, e.OrgID, cur+1, e.SequenceNum-1); err != nil {
			c.logger.Warn("gap replay failed; will retry", "org_id", e.OrgID, "from_seq", cur+1, "error", err)
			c.markDirty(e.OrgID, cur+1)
			return
		}
	}
	c.deliver(ctx, e)
}

// CatchUp replays every organization that dropped entries.
func (c *Consumer) CatchUp(ctx context.Context) {
	c.work.Lock()
	defer c.work.Unlock()

	c.mu.Lock()
	from := make(map[string]int64, len(c.dirty))
	for org, floor := range c.dirty {
		if cur, ok := c.cursor[org]; ok {
			floor = cur + 1
		} else if o, ok := c.origin[org]; ok && o < floor {
			floor = o
		}
		from[org] = floor
	}
	c.dirty = map[string]int64{}
	c.mu.Unlock()

	for org, seq := range from {
		if err := c.replay(ctx, org, seq, 0); err != nil {
			c.logger.Warn("catch-up failed; will retry", "org_id", org, "error", err)
			c.markDirty(org, seq)
		}
	}
}

func (c *Consumer) replay(ctx context.Context, orgID string, fromSeq, toSeq int64) error {
	n := 0
	err := c.source.Scan(ctx, ledger.Filter{OrgID: orgID, FromSeq: fromSeq, ToSeq: toSeq}, func(e ledger.Entry) error {
		if e.SequenceNum <= c.Cursor(orgID) {
			return nil
		}
		c.deliver(ctx, e)
		n++
		return nil
	})
	c.metrics.ObserveCatchup(c.name, n)
	if n > 0 {
		c.logger.Info("consumer caught up from store", "org_id", orgID, "entries", n)
	}
	return err
}

func (c *Consumer) deliver(ctx context.Context, e ledger.Entry) {
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("consumer panicked", "org_id", e.OrgID, "seq", e.SequenceNum, "panic", fmt.Sprint(r))
			}
		}()
		if err := c.handle(ctx, e); err != nil {
			c.logger.Warn("consumer failed to handle entry", "org_id", e.OrgID, "seq", e.SequenceNum, "error", err)
		}
	}()
	c.mu.Lock()
	c.cursor[e.OrgID] = e.SequenceNum
	c.mu.Unlock()
}

func (c *Consumer) markDirty(orgID string, seq int64) {
	c.mu.Lock()
	if cur, ok := c.dirty[orgID]; !ok || seq < cur {
		c.dirty[orgID] = seq
	}
	c.mu.Unlock()
}

// resume is the sequence already handled for orgID. An organization not yet
// handled resumes just before its first offered entry.
func (c *Consumer) resume(orgID string, seq int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.cursor[orgID]; ok {
		return cur
	}
	if o, ok := c.origin[orgID]; ok && o < seq {
		return o - 1
	}
	return seq - 1
}

// Dispatcher is the writer-side Publisher fanning out to every consumer.
type Dispatcher struct {
	mu        sync.RWMutex
	consumers []*Consumer
}

func NewDispatcher(consumers ...*Consumer) *Dispatcher {
	return &Dispatcher{consumers: consumers}
}

func (d *Dispatcher) Add(c *Consumer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consumers = append(d.consumers, c)
}

func (d *Dispatcher) Publish(e ledger.Entry) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, c := range d.consumers {
		c.Offer(e)
	}
}

// Run starts every consumer and blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	d.mu.RLock()
	consumers := append([]*Consumer(nil), d.consumers...)
	d.mu.RUnlock()
	var wg sync.WaitGroup
	for _, c := range consumers {
		wg.Add(1)
		go func(c *Consumer) {
			defer wg.Done()
			c.Run(ctx)
		}(c)
	}
	wg.Wait()
}
