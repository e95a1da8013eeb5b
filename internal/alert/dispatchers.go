package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-emar/pkg/circuitbreaker"
)

// LogDispatcher writes alerts to the structured log. Critical and high
// alerts are logged at error level.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher returns a dispatcher logging to logger.
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDispatcher{logger: logger.Named("alerts")}
}

func (d *LogDispatcher) RaiseAlert(ctx context.Context, a Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", a.ID),
		zap.String("kind", string(a.Kind)),
		zap.String("severity", string(a.Severity)),
		zap.String("subject_id", a.SubjectID),
		zap.String("prescription_id", a.PrescriptionID),
		zap.String("administration_id", a.AdministrationID),
		zap.String("medication_id", a.MedicationID),
	}
	if len(a.Payload) > 0 {
		fields = append(fields, zap.ByteString("payload", a.Payload))
	}

	switch a.Severity {
	case SeverityCritical, SeverityHigh:
		d.logger.Error(a.Message, fields...)
	case SeverityMedium:
		d.logger.Warn(a.Message, fields...)
	default:
		d.logger.Info(a.Message, fields...)
	}
	return nil
}

// Recorder keeps every alert in memory, in arrival order.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
	notify chan struct{}
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) RaiseAlert(ctx context.Context, a Alert) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// Alerts returns a copy of the recorded alerts.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// WaitFor blocks until at least n alerts are recorded or timeout elapses,
// and returns what was recorded.
func (r *Recorder) WaitFor(n int, timeout time.Duration) []Alert {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if got := r.Alerts(); len(got) >= n {
			return got
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			return r.Alerts()
		}
	}
}

// OfKind returns the recorded alerts of kind k.
func (r *Recorder) OfKind(k Kind) []Alert {
	var out []Alert
	for _, a := range r.Alerts() {
		if a.Kind == k {
			out = append(out, a)
		}
	}
	return out
}

// Publisher sends a record to a broker topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// ProducerDispatcher publishes alerts as JSON to a broker topic through a
// circuit breaker. An open circuit fails fast so the Notifier retries later.
type ProducerDispatcher struct {
	publisher Publisher
	topic     string
	breaker   *circuitbreaker.CircuitBreaker
}

// NewProducerDispatcher returns a dispatcher publishing to topic.
func NewProducerDispatcher(p Publisher, topic string, breaker *circuitbreaker.CircuitBreaker) *ProducerDispatcher {
	return &ProducerDispatcher{publisher: p, topic: topic, breaker: breaker}
}

func (d *ProducerDispatcher) RaiseAlert(ctx context.Context, a Alert) error {
	value, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert %s: %w", a.ID, err)
	}

	publish := func(ctx context.Context) error {
		return d.publisher.Publish(ctx, d.topic, a.Key(), value)
	}
	if d.breaker == nil {
		return publish(ctx)
	}
	return d.breaker.Execute(ctx, publish)
}
