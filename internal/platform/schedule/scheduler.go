// Package schedule runs the service's recurring maintenance jobs (integrity
// sweeps, metrics reconciliation, session purges) on cron specs.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/logging"
)

const defaultJobTimeout = 5 * time.Minute

type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		logger: logging.OrDiscard(logger),
	}
}

// Add registers job. Spec accepts standard five-field cron expressions and
// descriptors such as "@every 5m".
func (s *Scheduler) Add(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("schedule: job %q has no run func", job.Name)
	}
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	_, err := s.cron.AddFunc(job.Spec, func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()
		if ctx == nil {
			return
		}
		jobCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		start := time.Now()
		if err := job.Run(jobCtx); err != nil {
			s.logger.Warn("scheduled job failed", "job", job.Name, "error", err, "duration", time.Since(start))
			return
		}
		s.logger.Debug("scheduled job completed", "job", job.Name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule: invalid spec %q for job %q: %w", job.Spec, job.Name, err)
	}
	s.logger.Info("job scheduled", "job", job.Name, "spec", job.Spec)
	return nil
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.started = false
	s.mu.Unlock()
	<-s.cron.Stop().Done()
}

func (s *Scheduler) Len() int { return len(s.cron.Entries()) }
