package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/logging"
)

const (
	defaultPrefix          = "audit-ledger:stream"
	defaultMaxLen          = 10000
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
	defaultBreakerInterval = 60 * time.Second
)

// ErrBreakerOpen is returned while the Redis breaker is rejecting calls.
var ErrBreakerOpen = errors.New("stream publisher circuit open")

// Publisher writes one payload to an organization's named stream.
type Publisher interface {
	Publish(ctx context.Context, orgID, stream string, payload []byte) (string, error)
}

type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	MaxLen   int64         `yaml:"max_len"`
	Breaker  BreakerConfig `yaml:"breaker"`
}

// RedisPublisher appends to capped Redis streams through a circuit breaker.
type RedisPublisher struct {
	client  *goredis.Client
	prefix  string
	maxLen  int64
	breaker *gobreaker.CircuitBreaker[string]
	logger  *slog.Logger

	add func(ctx context.Context, args *goredis.XAddArgs) (string, error)
}

func NewRedisClient(ctx context.Context, cfg RedisConfig) (*goredis.Client, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func NewRedisPublisher(client *goredis.Client, cfg RedisConfig, logger *slog.Logger) *RedisPublisher {
	logger = logging.OrDiscard(logger).With("component", "stream")
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = defaultMaxLen
	}
	failures := cfg.Breaker.MaxFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	timeout := cfg.Breaker.Timeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}
	interval := cfg.Breaker.Interval
	if interval == 0 {
		interval = defaultBreakerInterval
	}
	p := &RedisPublisher{client: client, prefix: prefix, maxLen: maxLen, logger: logger}
	p.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "redis-stream",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	p.add = func(ctx context.Context, args *goredis.XAddArgs) (string, error) {
		return p.client.XAdd(ctx, args).Result()
	}
	return p
}

// Key is the Redis key of an organization's stream.
func (p *RedisPublisher) Key(orgID, stream string) string {
	return p.prefix + ":" + orgID + ":" + stream
}

func (p *RedisPublisher) Publish(ctx context.Context, orgID, stream string, payload []byte) (string, error) {
	args := &goredis.XAddArgs{
		Stream: p.Key(orgID, stream),
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{"payload": string(payload)},
	}
	id, err := p.breaker.Execute(func() (string, error) {
		return p.add(ctx, args)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", fmt.Errorf("%w: %v", ErrBreakerOpen, err)
	}
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	return id, nil
}
