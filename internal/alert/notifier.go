package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/drfirst/go-emar/internal/observability/metrics"
	"github.com/drfirst/go-emar/pkg/workerpool"
)

// NotifierConfig controls background alert delivery.
type NotifierConfig struct {
	Workers    int           `mapstructure:"workers"`
	QueueSize  int           `mapstructure:"queue_size"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration `mapstructure:"timeout"`
	// RatePerMinute caps deliveries per minute (0 = unlimited).
	RatePerMinute int `mapstructure:"rate_per_minute"`
	Burst         int `mapstructure:"burst"`
}

// DefaultNotifierConfig returns defaults for a single facility.
func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{
		Workers:       4,
		QueueSize:     512,
		MaxRetries:    5,
		RetryDelay:    200 * time.Millisecond,
		Timeout:       5 * time.Second,
		RatePerMinute: 600,
		Burst:         50,
	}
}

// Notifier is a Dispatcher that returns immediately and delivers alerts to
// the wrapped Dispatcher on a worker pool, retrying failures.
type Notifier struct {
	target  Dispatcher
	pool    *workerpool.Pool
	limiter *rate.Limiter
	config  NotifierConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewNotifier starts a notifier delivering to target.
func NewNotifier(target Dispatcher, cfg NotifierConfig, m *metrics.Metrics, logger *zap.Logger) (*Notifier, error) {
	if target == nil {
		return nil, fmt.Errorf("alert target is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultNotifierConfig().Timeout
	}

	n := &Notifier{
		target:  target,
		config:  cfg,
		metrics: m,
		logger:  logger,
	}
	if cfg.RatePerMinute > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		n.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RatePerMinute)/60.0), burst)
	}

	pool, err := workerpool.New(workerpool.Config{
		Name:       "alerts",
		Workers:    cfg.Workers,
		QueueSize:  cfg.QueueSize,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
	}, n.deliver, logger, workerpool.WithResultHandler(n.onResult))
	if err != nil {
		return nil, fmt.Errorf("create alert pool: %w", err)
	}
	n.pool = pool
	pool.Start()

	return n, nil
}

// RaiseAlert queues a for delivery and never blocks. When the queue is full
// the alert is delivered from a dedicated goroutine instead of being dropped.
func (n *Notifier) RaiseAlert(ctx context.Context, a Alert) error {
	n.metrics.AlertRaised(string(a.Kind), string(a.Severity))

	task := &workerpool.Task{ID: a.ID, Kind: string(a.Kind), Payload: a}
	err := n.pool.Submit(task)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, workerpool.ErrQueueFull):
		n.logger.Warn("alert queue full, delivering out of band",
			zap.String("alert_id", a.ID),
			zap.String("kind", string(a.Kind)))
		go n.deliverOutOfBand(a)
		return nil
	default:
		return fmt.Errorf("queue alert %s: %w", a.ID, err)
	}
}

// Stop drains queued alerts.
func (n *Notifier) Stop() error {
	return n.pool.Stop()
}

// Stats exposes the delivery pool statistics.
func (n *Notifier) Stats() workerpool.Stats {
	return n.pool.Stats()
}

func (n *Notifier) deliver(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	a, ok := task.Payload.(Alert)
	if !ok {
		return workerpool.Failure(fmt.Errorf("unexpected payload %T", task.Payload))
	}
	if err := n.send(ctx, a); err != nil {
		return workerpool.Failure(err)
	}
	return workerpool.Success()
}

func (n *Notifier) send(ctx context.Context, a Alert) error {
	if n.limiter != nil {
		if err := n.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, n.config.Timeout)
	defer cancel()
	return n.target.RaiseAlert(ctx, a)
}

func (n *Notifier) onResult(r *workerpool.Result) {
	if r.Success {
		return
	}
	n.metrics.AlertFailed(r.Kind)
	n.logger.Error("alert delivery abandoned",
		zap.String("alert_id", r.TaskID),
		zap.String("kind", r.Kind),
		zap.Int("attempts", r.Attempts),
		zap.Error(r.Error))
}

func (n *Notifier) deliverOutOfBand(a Alert) {
	var err error
	for attempt := 0; attempt <= n.config.MaxRetries; attempt++ {
		if err = n.send(context.Background(), a); err == nil {
			return
		}
		time.Sleep(n.config.RetryDelay * time.Duration(attempt+1))
	}
	n.onResult(&workerpool.Result{TaskID: a.ID, Kind: string(a.Kind), Attempts: n.config.MaxRetries + 1, Error: err})
}
