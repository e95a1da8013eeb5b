// Package tracker owns each subject's medication record: it derives daily
// schedules, records administrations against them, keeps inventory, and
// runs the safety checks and side-effect escalation that follow a dose.
package tracker

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-emar/internal/alert"
	"github.com/drfirst/go-emar/internal/domain/medication"
	"github.com/drfirst/go-emar/internal/observability/metrics"
	"github.com/drfirst/go-emar/internal/safety"
	"github.com/drfirst/go-emar/internal/schedule"
)

// Config holds tracker settings.
type Config struct {
	// LowStockThreshold is the remaining quantity at or below which a refill
	// alert is raised.
	LowStockThreshold int `mapstructure:"low_stock_threshold"`
}

// DefaultConfig returns default tracker settings.
func DefaultConfig() Config {
	return Config{LowStockThreshold: 5}
}

// Watcher is notified of every administered dose. The side-effect monitor
// implements it.
type Watcher interface {
	Watch(a medication.Administration)
}

// Deps are the collaborators of a Tracker.
type Deps struct {
	Store      medication.Store
	Catalog    medication.Catalog
	Calculator *schedule.Calculator
	Checker    *safety.Checker
	Alerts     alert.Dispatcher
	Zones      TimezoneResolver
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Tracker serializes all reads-modify-writes of one subject's record behind
// that subject's lock. Different subjects proceed in parallel.
type Tracker struct {
	store   medication.Store
	catalog medication.Catalog
	calc    *schedule.Calculator
	checker *safety.Checker
	alerts  alert.Dispatcher
	zones   TimezoneResolver
	watcher Watcher
	config  Config
	locks   *subjectLocks
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// New returns a tracker. Store, Catalog, Checker and Alerts are required.
func New(cfg Config, deps Deps) (*Tracker, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("tracker: store is required")
	case deps.Catalog == nil:
		return nil, fmt.Errorf("tracker: catalog is required")
	case deps.Checker == nil:
		return nil, fmt.Errorf("tracker: safety checker is required")
	case deps.Alerts == nil:
		return nil, fmt.Errorf("tracker: alert dispatcher is required")
	}
	if deps.Calculator == nil {
		deps.Calculator = schedule.NewCalculator(schedule.DefaultSlots())
	}
	if deps.Zones == nil {
		zones, _ := NewZones("")
		deps.Zones = zones
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.LowStockThreshold < 0 {
		cfg.LowStockThreshold = 0
	}

	return &Tracker{
		store:   deps.Store,
		catalog: deps.Catalog,
		calc:    deps.Calculator,
		checker: deps.Checker,
		alerts:  deps.Alerts,
		zones:   deps.Zones,
		config:  cfg,
		locks:   newSubjectLocks(),
		metrics: deps.Metrics,
		logger:  deps.Logger,
		tracer:  otel.Tracer("tracker"),
		now:     time.Now,
	}, nil
}

// SetWatcher registers the post-administration watcher. Call before serving.
func (t *Tracker) SetWatcher(w Watcher) { t.watcher = w }

// LowStockThreshold returns the configured refill threshold.
func (t *Tracker) LowStockThreshold() int { return t.config.LowStockThreshold }

// raise hands alerts to the dispatcher detached from the caller's
// cancellation. Dispatch errors are logged; the record is already committed.
func (t *Tracker) raise(ctx context.Context, alerts ...alert.Alert) {
	ctx = context.WithoutCancel(ctx)
	for _, a := range alerts {
		if err := t.alerts.RaiseAlert(ctx, a); err != nil {
			t.logger.Error("failed to raise alert",
				zap.String("alert_id", a.ID),
				zap.String("kind", string(a.Kind)),
				zap.String("subject_id", a.SubjectID),
				zap.Error(err))
		}
	}
}

// LocalDate returns the calendar day instant falls on in the subject's zone.
func (t *Tracker) LocalDate(ctx context.Context, subjectID string, instant time.Time) medication.Date {
	return medication.DateOf(instant.In(t.location(ctx, subjectID)))
}

func (t *Tracker) location(ctx context.Context, subjectID string) *time.Location {
	loc, err := t.zones.Location(ctx, subjectID)
	if err != nil || loc == nil {
		t.logger.Warn("timezone lookup failed, using UTC",
			zap.String("subject_id", subjectID), zap.Error(err))
		return time.UTC
	}
	return loc
}

func (t *Tracker) newEvent(aggregateType, aggregateID, subjectID string, eventType medication.EventType, data any) (*medication.Event, error) {
	ev, err := medication.NewEvent(aggregateType, aggregateID, subjectID, eventType, data, t.now())
	if err != nil {
		return nil, fmt.Errorf("build %s event: %w", eventType, err)
	}
	return ev, nil
}
