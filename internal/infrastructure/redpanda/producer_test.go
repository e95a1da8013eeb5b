package redpanda

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/drfirst/go-emar/internal/domain/medication"
)

func TestTraceHeadersRoundTrip(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{Topic: TopicAlerts, Headers: []kgo.RecordHeader{{Key: "source", Value: []byte("emar-api")}}}
	injectTraceHeaders(ctx, record)

	carrier := headerCarrier{record: record}
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", carrier.Get("traceparent"))
	assert.ElementsMatch(t, []string{"source", "traceparent"}, carrier.Keys())

	extracted := trace.SpanContextFromContext(extractTraceContext(context.Background(), record))
	assert.Equal(t, traceID, extracted.TraceID())
	assert.Equal(t, spanID, extracted.SpanID())
	assert.True(t, extracted.IsRemote())
}

func TestHeaderCarrierSetReplaces(t *testing.T) {
	record := &kgo.Record{}
	c := headerCarrier{record: record}

	c.Set("traceparent", "a")
	c.Set("traceparent", "b")

	require.Len(t, record.Headers, 1)
	assert.Equal(t, "b", c.Get("traceparent"))
	assert.Empty(t, c.Get("missing"))
}

func TestTopicFor(t *testing.T) {
	assert.Equal(t, TopicPrescriptions, TopicFor(medication.EventPrescriptionAdded))
	assert.Equal(t, TopicPrescriptions, TopicFor(medication.EventStockLow))
	assert.Equal(t, TopicSafetyAudit, TopicFor(medication.EventSafetyChecked))
	assert.Equal(t, TopicAdministrations, TopicFor(medication.EventAdministrationRecorded))
}

func TestDefaultTopicConfigs(t *testing.T) {
	configs := DefaultTopicConfigs()

	names := make([]string, 0, len(configs))
	for _, c := range configs {
		names = append(names, c.Name)
		assert.Positive(t, c.Partitions, c.Name)
		require.NotNil(t, c.Configs["retention.ms"], c.Name)
	}
	assert.ElementsMatch(t, []string{
		TopicPrescriptions, TopicAdministrations, TopicAlerts, TopicSafetyAudit, TopicDeadLetter,
	}, names)
}

func TestNewProducerRequiresBrokers(t *testing.T) {
	cfg := DefaultProducerConfig()
	cfg.Brokers = nil
	_, err := NewProducer(cfg, nil, nil)
	assert.Error(t, err)
}
