package crawler

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/datalab-tools/tiktok-research-crawler/internal/metrics"
	"github.com/datalab-tools/tiktok-research-crawler/internal/tiktok"
)

// ErrRetriesExhausted reports a transient failure that persisted past the
// bounded retry budget. It is terminal, like a fatal API error.
var ErrRetriesExhausted = errors.New("transient retry attempts exhausted")

// WaitStrategy decides when a quota-rejected crawl may resume. Quota waits
// are unbounded because the quota resets deterministically; a multi-day crawl
// must not be abandoned because today's budget is spent.
type WaitStrategy interface {
	Name() string
	WakeTime(now time.Time) time.Time
}

// FixedWait sleeps a fixed duration before retrying.
type FixedWait time.Duration

// Name identifies the strategy in logs, metrics and status reports.
func (FixedWait) Name() string { return "wait_fixed" }

// WakeTime returns now plus the fixed duration.
func (w FixedWait) WakeTime(now time.Time) time.Time {
	return now.Add(time.Duration(w))
}

// UTCMidnightWait sleeps until the next 00:00 UTC boundary, the instant the
// API's daily quota resets.
type UTCMidnightWait struct{}

// Name identifies the strategy in logs, metrics and status reports.
func (UTCMidnightWait) Name() string { return "wait_next_utc_midnight" }

// WakeTime returns the next UTC midnight strictly after now.
func (UTCMidnightWait) WakeTime(now time.Time) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return next
}

// WaitObserver is notified before the policy blocks, so callers can report
// long waits as an observable state rather than silence.
type WaitObserver func(reason string, wake time.Time)

// PolicyConfig controls retry behavior. Zero values take the defaults below,
// which match the API's observed failure behavior.
type PolicyConfig struct {
	// MaxTransientAttempts bounds retries of transient failures.
	MaxTransientAttempts int
	// TransientBaseDelay is the first backoff delay; doubled per attempt.
	TransientBaseDelay time.Duration
	// TransientMaxDelay caps the backoff delay.
	TransientMaxDelay time.Duration
	// MaxSearchIDAttempts bounds retries of the search-ID-rejected API bug.
	MaxSearchIDAttempts int
	// SearchIDWaitBase is multiplied by the attempt number for the linear
	// search-ID wait.
	SearchIDWaitBase time.Duration
	// QuotaWait is the strategy applied on quota exhaustion.
	QuotaWait WaitStrategy
}

func (c PolicyConfig) withDefaults() PolicyConfig {
	if c.MaxTransientAttempts <= 0 {
		c.MaxTransientAttempts = 5
	}
	if c.TransientBaseDelay <= 0 {
		c.TransientBaseDelay = 3 * time.Second
	}
	if c.TransientMaxDelay <= 0 {
		c.TransientMaxDelay = 2 * time.Minute
	}
	if c.MaxSearchIDAttempts <= 0 {
		c.MaxSearchIDAttempts = 5
	}
	if c.SearchIDWaitBase <= 0 {
		c.SearchIDWaitBase = 5 * time.Second
	}
	if c.QuotaWait == nil {
		c.QuotaWait = FixedWait(4 * time.Hour)
	}
	return c
}

// Policy decides, for a failure, whether to retry and performs the blocking
// wait itself. Stateless across calls except for the attempt count passed in
// by the driver.
type Policy struct {
	cfg      PolicyConfig
	clock    Clock
	logger   *zap.Logger
	observer WaitObserver

	// sleep is injectable for tests; the default honors ctx cancellation.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPolicy builds a Policy.
func NewPolicy(cfg PolicyConfig, clock Clock, logger *zap.Logger) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{
		cfg:    cfg.withDefaults(),
		clock:  clock,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// SetWaitObserver registers a callback invoked before every blocking wait.
func (p *Policy) SetWaitObserver(fn WaitObserver) {
	p.observer = fn
}

// QuotaStrategyName names the configured quota wait strategy.
func (p *Policy) QuotaStrategyName() string {
	return p.cfg.QuotaWait.Name()
}

// Handle classifies err and blocks for the prescribed wait. attempt is the
// number of consecutive failures of this classification, 1-based. A nil
// return means the caller should retry the identical request; any other
// return is terminal.
func (p *Policy) Handle(ctx context.Context, err error, attempt int) error {
	// Cooperative cancellation check before the wait begins.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	switch kind := tiktok.Classify(err); kind {
	case tiktok.FailureQuota:
		return p.waitForQuota(ctx, err)

	case tiktok.FailureTransient:
		if attempt > p.cfg.MaxTransientAttempts {
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt-1, err)
		}
		delay := p.backoff(attempt)
		p.logger.Info("transient failure, backing off",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		return p.wait(ctx, kind.String(), delay)

	case tiktok.FailureSearchID:
		if attempt > p.cfg.MaxSearchIDAttempts {
			return fmt.Errorf("search id still rejected after %d attempts: %w", attempt-1, err)
		}
		delay := time.Duration(attempt) * p.cfg.SearchIDWaitBase
		p.logger.Info("search id rejected, waiting before retry",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
		return p.wait(ctx, kind.String(), delay)

	default:
		return err
	}
}

func (p *Policy) waitForQuota(ctx context.Context, err error) error {
	now := p.clock.Now()
	wake := p.cfg.QuotaWait.WakeTime(now)
	delay := wake.Sub(now)

	p.logger.Warn("api quota exhausted, sleeping until wake time",
		zap.String("strategy", p.cfg.QuotaWait.Name()),
		zap.Time("wake", wake),
		zap.Duration("delay", delay),
		zap.Error(err))
	metrics.IncQuotaWait(p.cfg.QuotaWait.Name())

	if p.observer != nil {
		p.observer("quota_exceeded", wake)
	}
	return p.wait(ctx, "quota_exceeded", delay)
}

func (p *Policy) wait(ctx context.Context, reason string, delay time.Duration) error {
	metrics.ObserveRetryWait(reason, delay)
	if err := p.sleep(ctx, delay); err != nil {
		return err
	}
	// Cooperative cancellation check after the wait ends.
	return ctx.Err()
}

// backoff returns the jittered exponential delay for the given 1-based
// attempt.
func (p *Policy) backoff(attempt int) time.Duration {
	delay := float64(p.cfg.TransientBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.cfg.TransientMaxDelay) {
		delay = float64(p.cfg.TransientMaxDelay)
	}
	half := time.Duration(delay / 2)
	return half + randomJitter(half)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
