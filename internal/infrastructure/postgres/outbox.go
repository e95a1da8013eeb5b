// Package postgres persists the medication record in PostgreSQL and relays
// its events through a transactional outbox.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-emar/internal/alert"
	"github.com/drfirst/go-emar/internal/domain/medication"
	"github.com/drfirst/go-emar/internal/infrastructure/redpanda"
	"github.com/drfirst/go-emar/internal/observability/metrics"
)

// relayLockID is the advisory lock held by the active relay.
const relayLockID int64 = 0x656d6172 // "emar"

// AggregateAlert is the aggregate type of alert outbox entries.
const AggregateAlert = "Alert"

// OutboxEntry represents an event to be published via the outbox pattern
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// EventEntry builds the outbox entry for a domain event. Records are keyed
// by subject so one subject's history stays ordered.
func EventEntry(ev *medication.Event) (*OutboxEntry, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", ev.ID, err)
	}
	return &OutboxEntry{
		AggregateID:   ev.AggregateID,
		AggregateType: ev.AggregateType,
		EventType:     string(ev.EventType),
		Payload:       payload,
		KafkaTopic:    redpanda.TopicFor(ev.EventType),
		KafkaKey:      ev.SubjectID,
	}, nil
}

// AlertEntry builds the outbox entry for an alert.
func AlertEntry(a alert.Alert) (*OutboxEntry, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal alert %s: %w", a.ID, err)
	}
	return &OutboxEntry{
		AggregateID:   a.ID,
		AggregateType: AggregateAlert,
		EventType:     string(a.Kind),
		Payload:       payload,
		KafkaTopic:    redpanda.TopicAlerts,
		KafkaKey:      a.Key(),
	}, nil
}

// OutboxConfig holds configuration for the outbox processor
type OutboxConfig struct {
	// BatchSize is the number of entries to process per batch
	BatchSize int `mapstructure:"batch_size"`
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// MaxRetries is the maximum retries before moving to dead letter
	MaxRetries int `mapstructure:"max_retries"`
	// DeadLetterInterval is how often exhausted entries are moved to the dead-letter topic
	DeadLetterInterval time.Duration `mapstructure:"dead_letter_interval"`
	// Retention is how long processed entries are kept
	Retention time.Duration `mapstructure:"retention"`
}

// DefaultOutboxConfig returns sensible defaults
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		BatchSize:          100,
		PollInterval:       250 * time.Millisecond,
		MaxRetries:         5,
		DeadLetterInterval: time.Minute,
		Retention:          7 * 24 * time.Hour,
	}
}

// OutboxPublisher defines the interface for publishing outbox entries
type OutboxPublisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Outbox relays committed outbox entries to the broker. Only the relay
// holding the advisory lock publishes; others idle.
type Outbox struct {
	pool      *pgxpool.Pool
	config    OutboxConfig
	publisher OutboxPublisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewOutbox creates a new outbox processor
func NewOutbox(pool *pgxpool.Pool, publisher OutboxPublisher, cfg OutboxConfig, m *metrics.Metrics, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultOutboxConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.DeadLetterInterval <= 0 {
		cfg.DeadLetterInterval = def.DeadLetterInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Outbox{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		metrics:   m,
		logger:    logger.Named("outbox"),
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WriteEntry writes an outbox entry within a transaction
// This should be called within the same transaction as the domain operation
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	query := `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := tx.QueryRow(ctx, query,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		entry.KafkaTopic,
		entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)

	if err != nil {
		return fmt.Errorf("failed to write outbox entry: %w", err)
	}

	return nil
}

// Start begins polling and processing outbox entries
func (o *Outbox) Start() {
	go o.processLoop()
	o.logger.Info("outbox processor started",
		zap.Int("batch_size", o.config.BatchSize),
		zap.Duration("poll_interval", o.config.PollInterval))
}

// Stop gracefully stops the outbox processor
func (o *Outbox) Stop() {
	o.cancel()
	<-o.done
	o.logger.Info("outbox processor stopped")
}

func (o *Outbox) processLoop() {
	defer close(o.done)

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()
	deadLetter := time.NewTicker(o.config.DeadLetterInterval)
	defer deadLetter.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if _, err := o.ProcessBatch(o.ctx); err != nil {
				o.logger.Error("outbox batch failed", zap.Error(err))
			}
		case <-deadLetter.C:
			n, err := o.MoveToDeadLetter(o.ctx)
			if err != nil {
				o.logger.Error("dead-letter sweep failed", zap.Error(err))
			} else if n > 0 {
				o.logger.Warn("moved outbox entries to dead letter", zap.Int64("count", n))
			}
		}
	}
}

// withRelayLock runs fn on a dedicated connection holding the relay lock.
// It returns false without calling fn when another relay holds the lock.
func (o *Outbox) withRelayLock(ctx context.Context, fn func(conn *pgxpool.Conn) error) (bool, error) {
	conn, err := o.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", relayLockID).Scan(&acquired); err != nil {
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		return false, nil
	}
	defer func() {
		if _, err := conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", relayLockID); err != nil {
			o.logger.Warn("failed to release relay lock", zap.Error(err))
		}
	}()

	return true, fn(conn)
}

// ProcessBatch publishes one batch of pending entries and returns how many
// were published.
func (o *Outbox) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := o.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	published := 0
	_, err := o.withRelayLock(ctx, func(conn *pgxpool.Conn) error {
		entries, err := o.fetchUnprocessed(ctx, conn)
		if err != nil {
			return err
		}
		span.SetAttributes(attribute.Int("batch_size", len(entries)))

		for _, entry := range entries {
			if err := o.processEntry(ctx, conn, entry); err != nil {
				o.logger.Error("failed to process outbox entry",
					zap.Int64("id", entry.ID),
					zap.String("event_type", entry.EventType),
					zap.Error(err))
				continue
			}
			published++
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return published, err
	}

	if o.metrics != nil {
		if stats, err := o.GetStats(ctx); err == nil {
			o.metrics.SetOutboxPending(stats.Pending)
		}
	}
	return published, nil
}

func (o *Outbox) fetchUnprocessed(ctx context.Context, conn *pgxpool.Conn) ([]*OutboxEntry, error) {
	query := `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		  AND retry_count < $1
		ORDER BY id ASC
		LIMIT $2
	`

	rows, err := conn.Query(ctx, query, o.config.MaxRetries, o.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		err := rows.Scan(
			&entry.ID, &entry.AggregateID, &entry.AggregateType,
			&entry.EventType, &entry.Payload, &entry.KafkaTopic,
			&entry.KafkaKey, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

func (o *Outbox) processEntry(ctx context.Context, conn *pgxpool.Conn, entry *OutboxEntry) error {
	ctx, span := o.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	err := o.publisher.Publish(ctx, entry.KafkaTopic, entry.KafkaKey, entry.Payload)
	if err != nil {
		updateQuery := `
			UPDATE outbox
			SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW()
			WHERE id = $2
		`
		if _, updateErr := conn.Exec(ctx, updateQuery, err.Error(), entry.ID); updateErr != nil {
			o.logger.Error("failed to update retry count", zap.Error(updateErr))
		}
		span.RecordError(err)
		return fmt.Errorf("publish failed: %w", err)
	}

	markQuery := `
		UPDATE outbox
		SET processed_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`
	if _, err := conn.Exec(ctx, markQuery, entry.ID); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark processed: %w", err)
	}

	o.logger.Debug("outbox entry processed",
		zap.Int64("id", entry.ID),
		zap.String("topic", entry.KafkaTopic))

	return nil
}

// CleanupProcessed removes old processed entries
func (o *Outbox) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < $1
	`

	result, err := o.pool.Exec(ctx, query, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}

	return result.RowsAffected(), nil
}

// deadLetter is the record published for an entry that exhausted its retries.
type deadLetter struct {
	OriginalTopic string          `json:"original_topic"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	RetryCount    int             `json:"retry_count"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MoveToDeadLetter publishes entries that exhausted their retries to the
// dead-letter topic and marks them processed.
func (o *Outbox) MoveToDeadLetter(ctx context.Context) (int64, error) {
	var count int64
	_, err := o.withRelayLock(ctx, func(conn *pgxpool.Conn) error {
		query := `
			SELECT id, aggregate_id, aggregate_type, event_type, payload,
			       kafka_topic, kafka_key, created_at, retry_count, last_error
			FROM outbox
			WHERE processed_at IS NULL
			  AND retry_count >= $1
			ORDER BY id ASC
			LIMIT $2
		`
		rows, err := conn.Query(ctx, query, o.config.MaxRetries, o.config.BatchSize)
		if err != nil {
			return fmt.Errorf("query failed: %w", err)
		}
		entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*OutboxEntry, error) {
			entry := &OutboxEntry{}
			err := row.Scan(
				&entry.ID, &entry.AggregateID, &entry.AggregateType,
				&entry.EventType, &entry.Payload, &entry.KafkaTopic, &entry.KafkaKey,
				&entry.CreatedAt, &entry.RetryCount, &entry.LastError,
			)
			return entry, err
		})
		if err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}

		for _, entry := range entries {
			dlPayload, err := json.Marshal(deadLetter{
				OriginalTopic: entry.KafkaTopic,
				EventType:     entry.EventType,
				AggregateID:   entry.AggregateID,
				Payload:       entry.Payload,
				RetryCount:    entry.RetryCount,
				LastError:     entry.LastError,
				CreatedAt:     entry.CreatedAt,
			})
			if err != nil {
				o.logger.Error("failed to marshal dead letter", zap.Int64("id", entry.ID), zap.Error(err))
				continue
			}

			if err := o.publisher.Publish(ctx, redpanda.TopicDeadLetter, entry.KafkaKey, dlPayload); err != nil {
				o.logger.Error("failed to publish to dead letter", zap.Int64("id", entry.ID), zap.Error(err))
				continue
			}

			if _, err := conn.Exec(ctx, "UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1", entry.ID); err != nil {
				o.logger.Error("failed to mark DLQ entry", zap.Error(err))
				continue
			}
			count++
		}
		return nil
	})
	return count, err
}

// OutboxStats holds outbox counts.
type OutboxStats struct {
	Pending       int64
	Processed     int64
	Failed        int64
	OldestPending *time.Time
}

// GetStats returns current outbox statistics
func (o *Outbox) GetStats(ctx context.Context) (*OutboxStats, error) {
	stats := &OutboxStats{}
	query := `
		SELECT
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count < $1),
			COUNT(*) FILTER (WHERE processed_at IS NOT NULL AND processed_at > NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE processed_at IS NULL AND retry_count >= $1),
			MIN(created_at) FILTER (WHERE processed_at IS NULL)
		FROM outbox
	`
	if err := o.pool.QueryRow(ctx, query, o.config.MaxRetries).Scan(
		&stats.Pending, &stats.Processed, &stats.Failed, &stats.OldestPending,
	); err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}

// OutboxDispatcher writes alerts to the outbox in their own transaction so
// the relay publishes them with the same guarantees as domain events.
type OutboxDispatcher struct {
	pool *pgxpool.Pool
}

var _ alert.Dispatcher = (*OutboxDispatcher)(nil)

// NewOutboxDispatcher returns an alert dispatcher backed by the outbox.
func NewOutboxDispatcher(pool *pgxpool.Pool) *OutboxDispatcher {
	return &OutboxDispatcher{pool: pool}
}

func (d *OutboxDispatcher) RaiseAlert(ctx context.Context, a alert.Alert) error {
	entry, err := AlertEntry(a)
	if err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		return WriteEntry(ctx, tx, entry)
	})
}
