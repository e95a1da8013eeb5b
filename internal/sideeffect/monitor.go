// Package sideeffect runs the delayed observation pass that follows every
// administered dose and attaches the reactions observed by care staff.
package sideeffect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-emar/internal/domain/medication"
	"github.com/drfirst/go-emar/internal/observability/metrics"
	"github.com/drfirst/go-emar/internal/tracker"
	"github.com/drfirst/go-emar/pkg/workerpool"
)

// ErrStopped is returned by Observe after Stop.
var ErrStopped = errors.New("sideeffect: monitor is stopped")

// Config holds monitor settings.
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// ObservationDelay is how long after a dose its observation pass runs.
	ObservationDelay time.Duration `mapstructure:"observation_delay"`
	// ObservationTimeout bounds a single pass.
	ObservationTimeout time.Duration `mapstructure:"observation_timeout"`
	Workers            int           `mapstructure:"workers"`
	QueueSize          int           `mapstructure:"queue_size"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// DefaultConfig returns default monitor settings.
func DefaultConfig() Config {
	return Config{
		Enabled:            true,
		ObservationDelay:   30 * time.Minute,
		ObservationTimeout: 10 * time.Second,
		Workers:            4,
		QueueSize:          256,
		MaxRetries:         2,
	}
}

// Attacher stores observed effects. *tracker.Tracker implements it.
type Attacher interface {
	AttachObservations(ctx context.Context, administrationID string, effects []tracker.SideEffectInput) (tracker.ObservationOutcome, error)
}

// ObservationSource holds effects observed for a dose until a pass picks
// them up. Pending must not remove them; Ack removes the first n once they
// are stored.
type ObservationSource interface {
	Pending(ctx context.Context, administrationID string) ([]tracker.SideEffectInput, error)
	Ack(ctx context.Context, administrationID string, n int) error
}

// Pass outcomes.
const (
	OutcomeAttached   = "attached"
	OutcomeSuppressed = "suppressed"
	OutcomeEmpty      = "empty"
	OutcomeVanished   = "vanished"
	OutcomeFailed     = "failed"
)

// Stats counts finished passes by outcome.
type Stats struct {
	Scheduled  int64
	Attached   int64
	Suppressed int64
	Empty      int64
	Vanished   int64
	Failed     int64
}

// Monitor schedules one observation pass per administered dose. It
// implements tracker.Watcher.
type Monitor struct {
	config  Config
	target  Attacher
	source  ObservationSource
	pool    *workerpool.Pool
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.Mutex
	stopped bool
	timers  map[string]*time.Timer
	// running holds doses with a pass queued or in progress; rerun marks
	// those that need another pass once it finishes.
	running map[string]bool
	rerun   map[string]bool

	scheduled, attached, suppressed, empty, vanished, failed atomic.Int64
}

// New starts a monitor attaching through target. A nil source uses an
// in-memory Intake.
func New(cfg Config, target Attacher, source ObservationSource, m *metrics.Metrics, logger *zap.Logger) (*Monitor, error) {
	if target == nil {
		return nil, fmt.Errorf("sideeffect: attacher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if source == nil {
		source = NewIntake()
	}
	def := DefaultConfig()
	if cfg.ObservationDelay < 0 {
		cfg.ObservationDelay = 0
	}
	if cfg.ObservationTimeout <= 0 {
		cfg.ObservationTimeout = def.ObservationTimeout
	}

	mon := &Monitor{
		config:  cfg,
		target:  target,
		source:  source,
		metrics: m,
		logger:  logger.Named("sideeffect"),
		timers:  make(map[string]*time.Timer),
		running: make(map[string]bool),
		rerun:   make(map[string]bool),
	}

	pool, err := workerpool.New(workerpool.Config{
		Name:       "observation",
		Workers:    cfg.Workers,
		QueueSize:  cfg.QueueSize,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: 200 * time.Millisecond,
	}, mon.pass, logger, workerpool.WithResultHandler(mon.onResult))
	if err != nil {
		return nil, fmt.Errorf("create observation pool: %w", err)
	}
	mon.pool = pool
	pool.Start()

	return mon, nil
}

// Source returns the observation source passes read from.
func (m *Monitor) Source() ObservationSource { return m.source }

// Watch schedules the observation pass for an administered dose.
func (m *Monitor) Watch(a medication.Administration) {
	if !m.config.Enabled || a.Status != medication.AdministrationAdministered {
		return
	}
	m.schedule(a.ID, m.config.ObservationDelay)
}

// Observe queues effects noticed after a dose. They are attached by the
// dose's pending pass, or by an immediate pass when none is pending. Severe
// and life-threatening effects always get an immediate pass.
func (m *Monitor) Observe(ctx context.Context, administrationID string, effects []tracker.SideEffectInput) error {
	intake, ok := m.source.(*Intake)
	if !ok {
		return fmt.Errorf("sideeffect: observation source %T does not accept observations", m.source)
	}
	m.mu.Lock()
	stopped := m.stopped
	m.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	escalate := false
	for i, in := range effects {
		if err := in.Validate(); err != nil {
			return fmt.Errorf("side effect %d: %w", i, err)
		}
		escalate = escalate || in.Severity.RequiresEscalation()
	}
	if err := intake.Add(administrationID, effects); err != nil {
		return err
	}
	if escalate {
		m.scheduled.Add(1)
		m.trigger(administrationID)
		return nil
	}
	m.schedule(administrationID, 0)
	return nil
}

// schedule arms a pass unless one is already pending for the dose.
func (m *Monitor) schedule(administrationID string, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	if _, pending := m.timers[administrationID]; pending {
		return
	}
	m.scheduled.Add(1)
	m.timers[administrationID] = time.AfterFunc(delay, func() { m.fire(administrationID) })
}

func (m *Monitor) fire(administrationID string) {
	m.mu.Lock()
	delete(m.timers, administrationID)
	m.mu.Unlock()
	m.trigger(administrationID)
}

// trigger queues a pass for the dose. At most one pass per dose runs at a
// time; a trigger during a pass runs another one after it.
func (m *Monitor) trigger(administrationID string) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if m.running[administrationID] {
		m.rerun[administrationID] = true
		m.mu.Unlock()
		return
	}
	m.running[administrationID] = true
	m.mu.Unlock()

	err := m.pool.Submit(&workerpool.Task{ID: administrationID, Kind: "observation_pass", Payload: administrationID})
	if err != nil {
		m.mu.Lock()
		delete(m.running, administrationID)
		delete(m.rerun, administrationID)
		m.mu.Unlock()
		m.failed.Add(1)
		m.metrics.ObservationPass(OutcomeFailed)
		m.logger.Warn("observation pass not queued",
			zap.String("administration_id", administrationID), zap.Error(err))
	}
}

func (m *Monitor) pass(ctx context.Context, task *workerpool.Task) *workerpool.Result {
	administrationID, _ := task.Payload.(string)

	ctx, cancel := context.WithTimeout(ctx, m.config.ObservationTimeout)
	defer cancel()

	effects, err := m.source.Pending(ctx, administrationID)
	if err != nil {
		return workerpool.Failure(fmt.Errorf("read observations: %w", err))
	}
	if len(effects) == 0 {
		m.finish(administrationID, OutcomeEmpty)
		return workerpool.Success()
	}

	out, err := m.target.AttachObservations(ctx, administrationID, effects)
	switch {
	case medication.IsNotFound(err):
		_ = m.source.Ack(ctx, administrationID, len(effects))
		m.finish(administrationID, OutcomeVanished)
		return workerpool.Success()
	case medication.IsValidation(err):
		_ = m.source.Ack(ctx, administrationID, len(effects))
		m.logger.Warn("discarding invalid observations",
			zap.String("administration_id", administrationID), zap.Error(err))
		m.finish(administrationID, OutcomeFailed)
		return workerpool.Success()
	case err != nil:
		return workerpool.Failure(err)
	}

	if err := m.source.Ack(ctx, administrationID, len(effects)); err != nil {
		m.logger.Error("failed to acknowledge observations",
			zap.String("administration_id", administrationID), zap.Error(err))
	}
	outcome := OutcomeAttached
	if out.Suppressed {
		outcome = OutcomeSuppressed
	}
	m.logger.Info("observation pass attached side effects",
		zap.String("administration_id", administrationID),
		zap.String("subject_id", out.Administration.SubjectID),
		zap.Int("effects", len(effects)),
		zap.Int("alerts", len(out.Alerts)),
		zap.Bool("suppressed", out.Suppressed))
	m.finish(administrationID, outcome)
	return workerpool.Success()
}

func (m *Monitor) onResult(r *workerpool.Result) {
	if r.Success {
		return
	}
	m.finish(r.TaskID, OutcomeFailed)
	m.logger.Error("observation pass abandoned",
		zap.String("administration_id", r.TaskID),
		zap.Int("attempts", r.Attempts),
		zap.Error(r.Error))
}

func (m *Monitor) finish(administrationID, outcome string) {
	switch outcome {
	case OutcomeAttached:
		m.attached.Add(1)
	case OutcomeSuppressed:
		m.suppressed.Add(1)
	case OutcomeEmpty:
		m.empty.Add(1)
	case OutcomeVanished:
		m.vanished.Add(1)
	default:
		m.failed.Add(1)
	}
	m.metrics.ObservationPass(outcome)
	m.logger.Debug("observation pass finished",
		zap.String("administration_id", administrationID),
		zap.String("outcome", outcome))

	m.mu.Lock()
	delete(m.running, administrationID)
	again := m.rerun[administrationID]
	delete(m.rerun, administrationID)
	m.mu.Unlock()
	if again {
		m.trigger(administrationID)
	}
}

// Stats returns pass counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		Scheduled:  m.scheduled.Load(),
		Attached:   m.attached.Load(),
		Suppressed: m.suppressed.Load(),
		Empty:      m.empty.Load(),
		Vanished:   m.vanished.Load(),
		Failed:     m.failed.Load(),
	}
}

// Pending returns how many passes are still waiting for their delay.
func (m *Monitor) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Stop cancels passes that have not fired yet and drains queued ones.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()

	return m.pool.Stop()
}
