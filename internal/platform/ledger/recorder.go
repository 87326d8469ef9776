package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/logging"
)

// MutationObserver tracks compliance coverage: every mutating notice is
// observed before the append and recorded once its entry commits.
type MutationObserver interface {
	ObserveMutation(orgID string, at time.Time)
	RecordMutation(orgID string, at time.Time)
}

type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time"`
}

// Recorder is the synchronous "record event" entry point used by the domain
// layer: normalize, append, and retry retryable failures with backoff.
type Recorder struct {
	normalizer *Normalizer
	writer     *Writer
	observer   MutationObserver
	retry      RetryConfig
	logger     *slog.Logger
}

func NewRecorder(n *Normalizer, w *Writer, observer MutationObserver, retry RetryConfig, logger *slog.Logger) *Recorder {
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = 25 * time.Millisecond
	}
	if retry.MaxInterval <= 0 {
		retry.MaxInterval = time.Second
	}
	if retry.MaxElapsedTime <= 0 {
		retry.MaxElapsedTime = 10 * time.Second
	}
	return &Recorder{normalizer: n, writer: w, observer: observer, retry: retry, logger: logging.OrDiscard(logger)}
}

func (r *Recorder) Record(ctx context.Context, n Notice) (Entry, error) {
	mutating := noticeMutating(n)
	orgID := strings.TrimSpace(n.OrgID)
	if n.Timestamp.IsZero() {
		n.Timestamp = r.normalizer.Clock.Now()
	}
	at := NormalizeTime(n.Timestamp)
	if mutating && r.observer != nil && orgID != "" {
		r.observer.ObserveMutation(orgID, at)
	}

	ev, err := r.normalizer.Normalize(n)
	if err != nil {
		return Entry{}, writeErr(KindValidationFailed, orgID, err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retry.InitialInterval
	b.MaxInterval = r.retry.MaxInterval
	b.MaxElapsedTime = r.retry.MaxElapsedTime

	var entry Entry
	attempts := 0
	op := func() error {
		attempts++
		e, err := r.writer.Append(ctx, ev)
		if err == nil {
			entry = e
			return nil
		}
		var cwe *ChainWriteError
		if errors.As(err, &cwe) && cwe.Retryable() && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		r.logger.Warn("record event failed", "org_id", ev.OrgID, "action", ev.Action, "attempts", attempts, "error", err)
		return Entry{}, err
	}
	if attempts > 1 {
		r.logger.Info("record event succeeded after retry", "org_id", ev.OrgID, "attempts", attempts)
	}
	if mutating && r.observer != nil {
		r.observer.RecordMutation(entry.OrgID, at)
	}
	return entry, nil
}

func noticeMutating(n Notice) bool {
	return AuditEvent{
		Action: strings.ToUpper(strings.TrimSpace(n.Action)),
		Result: Result(strings.ToLower(strings.TrimSpace(n.Result))),
	}.Mutating()
}
