package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-emar/internal/alert"
	"github.com/drfirst/go-emar/internal/observability/metrics"
)

// AlertConsumerConfig holds settings for reading the alerts topic.
type AlertConsumerConfig struct {
	Brokers []string
	GroupID string
	Topic   string
	// FromStart replays the topic from the beginning when the group has no
	// committed offset yet.
	FromStart         bool
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	FetchMaxBytes     int32
	// RetryBackoff is the first wait before a failed record is handed to the
	// handler again; it doubles up to MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// DefaultAlertConsumerConfig returns defaults for the alert ledger.
func DefaultAlertConsumerConfig() AlertConsumerConfig {
	return AlertConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "alert-ledger",
		Topic:             TopicAlerts,
		FromStart:         true,
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		FetchMaxBytes:     16 << 20,
		RetryBackoff:      250 * time.Millisecond,
		MaxRetryBackoff:   30 * time.Second,
	}
}

// AlertRecord is one record read from the alerts topic. Alert is nil when
// the value is not a usable alert, and DecodeErr says why.
type AlertRecord struct {
	Topic     string
	Partition int32
	Offset    int64
	Raw       []byte
	Source    string
	Timestamp time.Time

	Alert     *alert.Alert
	DecodeErr error
}

// Position names the record by topic, partition and offset.
func (r *AlertRecord) Position() string {
	return fmt.Sprintf("%s/%d/%d", r.Topic, r.Partition, r.Offset)
}

func decodeAlertRecord(rec *kgo.Record) *AlertRecord {
	out := &AlertRecord{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Raw:       rec.Value,
		Timestamp: rec.Timestamp,
	}
	for _, h := range rec.Headers {
		if h.Key == "source" {
			out.Source = string(h.Value)
		}
	}

	var a alert.Alert
	switch err := json.Unmarshal(rec.Value, &a); {
	case err != nil:
		out.DecodeErr = fmt.Errorf("decode alert: %w", err)
	case a.ID == "":
		out.DecodeErr = errors.New("alert without id")
	case a.Kind == "" || a.SubjectID == "":
		out.DecodeErr = fmt.Errorf("alert %s: kind and subject are required", a.ID)
	default:
		out.Alert = &a
	}
	return out
}

// AlertHandler handles one alert record. A returned error makes the consumer
// retry the same record; later records of its partition wait for it.
type AlertHandler func(ctx context.Context, rec *AlertRecord) error

// AlertConsumerStats counts what the consumer has seen.
type AlertConsumerStats struct {
	Received    int64           `json:"received"`
	Handled     int64           `json:"handled"`
	Undecodable int64           `json:"undecodable"`
	Retries     int64           `json:"retries"`
	FetchErrors int64           `json:"fetch_errors"`
	LastCommit  time.Time       `json:"last_commit"`
	Lag         map[int32]int64 `json:"lag"`
}

// AlertConsumer reads the alerts topic in partition order and commits a
// record's offset only once its handler has succeeded.
type AlertConsumer struct {
	client  *kgo.Client
	config  AlertConsumerConfig
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	handler AlertHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats AlertConsumerStats
}

// NewAlertConsumer joins the configured group on the alerts topic.
func NewAlertConsumer(cfg AlertConsumerConfig, handler AlertHandler, m *metrics.Metrics, logger *zap.Logger) (*AlertConsumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("alert handler is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("alerts topic is required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("consumer group is required")
	}
	def := DefaultAlertConsumerConfig()
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = max(def.MaxRetryBackoff, cfg.RetryBackoff)
	}

	reset := kgo.NewOffset().AtEnd()
	if cfg.FromStart {
		reset = kgo.NewOffset().AtStart()
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(reset),
		// Only records marked after their handler succeeds are committed.
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(func(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("alert partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, cl *kgo.Client, revoked map[string][]int32) {
			logger.Info("alert partitions revoked", zap.Any("partitions", revoked))
			if err := cl.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit before revoke failed", zap.Error(err))
			}
		}),
	}
	if cfg.SessionTimeout > 0 {
		opts = append(opts, kgo.SessionTimeout(cfg.SessionTimeout))
	}
	if cfg.HeartbeatInterval > 0 {
		opts = append(opts, kgo.HeartbeatInterval(cfg.HeartbeatInterval))
	}
	if cfg.FetchMaxBytes > 0 {
		opts = append(opts, kgo.FetchMaxBytes(cfg.FetchMaxBytes))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &AlertConsumer{
		client:  client,
		config:  cfg,
		metrics: m,
		logger:  logger.Named("alert_consumer"),
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		stats:   AlertConsumerStats{Lag: make(map[int32]int64)},
	}, nil
}

// Start begins consuming.
func (c *AlertConsumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop waits for the record in hand, commits what was handled and leaves
// the group.
func (c *AlertConsumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.client.CommitMarkedOffsets(ctx)
	c.client.Close()
	if err != nil {
		return fmt.Errorf("commit on stop: %w", err)
	}
	return nil
}

func (c *AlertConsumer) consumeLoop() {
	defer c.wg.Done()

	for c.ctx.Err() == nil {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
			c.mu.Lock()
			c.stats.FetchErrors++
			c.mu.Unlock()
		})

		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, rec := range p.Records {
				if !c.process(rec) {
					return
				}
			}
			if n := len(p.Records); n > 0 {
				c.mu.Lock()
				c.stats.Lag[p.Partition] = max(0, p.HighWatermark-p.Records[n-1].Offset-1)
				c.mu.Unlock()
			}
		})
	}
}

// process hands rec to the handler until it succeeds, then commits it. It
// returns false only when the consumer is stopping.
func (c *AlertConsumer) process(rec *kgo.Record) bool {
	ctx, span := c.tracer.Start(extractTraceContext(c.ctx, rec), "alert_ledger.consume",
		trace.WithAttributes(
			attribute.String("topic", rec.Topic),
			attribute.Int64("partition", int64(rec.Partition)),
			attribute.Int64("offset", rec.Offset),
		))
	defer span.End()

	ar := decodeAlertRecord(rec)
	c.mu.Lock()
	c.stats.Received++
	if ar.Alert == nil {
		c.stats.Undecodable++
	}
	c.mu.Unlock()
	if ar.Alert != nil {
		span.SetAttributes(
			attribute.String("alert_id", ar.Alert.ID),
			attribute.String("alert_kind", string(ar.Alert.Kind)))
	}

	backoff := c.config.RetryBackoff
	for {
		err := c.handler(ctx, ar)
		if err == nil {
			break
		}
		span.RecordError(err)
		c.metrics.MessageConsumed(rec.Topic, "error")
		c.logger.Warn("alert handler failed, retrying",
			zap.String("position", ar.Position()),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		c.mu.Lock()
		c.stats.Retries++
		c.mu.Unlock()

		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, c.config.MaxRetryBackoff)
	}

	c.metrics.MessageConsumed(rec.Topic, "ok")
	c.client.MarkCommitRecords(rec)
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		// The mark stays; the next commit or the revoke hook picks it up.
		c.logger.Warn("failed to commit offset",
			zap.String("position", ar.Position()), zap.Error(err))
		span.RecordError(err)
	}

	c.mu.Lock()
	c.stats.Handled++
	c.stats.LastCommit = time.Now()
	c.mu.Unlock()
	return true
}

// Stats returns a copy of the consumer's counters.
func (c *AlertConsumer) Stats() AlertConsumerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.stats
	s.Lag = make(map[int32]int64, len(c.stats.Lag))
	for p, n := range c.stats.Lag {
		s.Lag[p] = n
	}
	return s
}
