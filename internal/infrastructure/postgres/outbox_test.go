package postgres

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-emar/internal/alert"
	"github.com/drfirst/go-emar/internal/domain/medication"
	"github.com/drfirst/go-emar/internal/infrastructure/redpanda"
)

func TestEventEntry(t *testing.T) {
	at := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	ev, err := medication.NewEvent(medication.AggregateAdministration, "adm-1", "subj-1",
		medication.EventAdministrationRecorded, map[string]int{"remaining_quantity": 4}, at)
	require.NoError(t, err)

	entry, err := EventEntry(ev)
	require.NoError(t, err)

	assert.Equal(t, "adm-1", entry.AggregateID)
	assert.Equal(t, medication.AggregateAdministration, entry.AggregateType)
	assert.Equal(t, "AdministrationRecorded", entry.EventType)
	assert.Equal(t, redpanda.TopicAdministrations, entry.KafkaTopic)
	assert.Equal(t, "subj-1", entry.KafkaKey, "keyed by subject")

	var decoded medication.Event
	require.NoError(t, json.Unmarshal(entry.Payload, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
	assert.JSONEq(t, `{"remaining_quantity":4}`, string(decoded.EventData))
}

func TestEventEntryTopics(t *testing.T) {
	tests := []struct {
		eventType medication.EventType
		topic     string
	}{
		{medication.EventPrescriptionAdded, redpanda.TopicPrescriptions},
		{medication.EventPrescriptionStatusChanged, redpanda.TopicPrescriptions},
		{medication.EventStockLow, redpanda.TopicPrescriptions},
		{medication.EventSafetyChecked, redpanda.TopicSafetyAudit},
		{medication.EventSideEffectRecorded, redpanda.TopicAdministrations},
		{medication.EventSideEffectResolved, redpanda.TopicAdministrations},
	}
	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			ev, err := medication.NewEvent("X", "id", "subj", tt.eventType, nil, time.Now())
			require.NoError(t, err)
			entry, err := EventEntry(ev)
			require.NoError(t, err)
			assert.Equal(t, tt.topic, entry.KafkaTopic)
		})
	}
}

func TestAlertEntry(t *testing.T) {
	a := alert.New(alert.KindAllergyConflict, alert.SeverityCritical, "subj-9", "penicillin allergy", nil, time.Now())

	entry, err := AlertEntry(a)
	require.NoError(t, err)

	assert.Equal(t, a.ID, entry.AggregateID)
	assert.Equal(t, AggregateAlert, entry.AggregateType)
	assert.Equal(t, "allergy_conflict", entry.EventType)
	assert.Equal(t, redpanda.TopicAlerts, entry.KafkaTopic)
	assert.Equal(t, "subj-9", entry.KafkaKey)

	var decoded alert.Alert
	require.NoError(t, json.Unmarshal(entry.Payload, &decoded))
	assert.Equal(t, a.ID, decoded.ID)
	assert.Equal(t, alert.SeverityCritical, decoded.Severity)
}

func TestOrderPair(t *testing.T) {
	lo, hi := orderPair("warfarin", "aspirin")
	assert.Equal(t, "aspirin", lo)
	assert.Equal(t, "warfarin", hi)

	lo, hi = orderPair("aspirin", "warfarin")
	assert.Equal(t, "aspirin", lo)
	assert.Equal(t, "warfarin", hi)
}

func TestDefaultOutboxConfigApplied(t *testing.T) {
	o := NewOutbox(nil, nil, OutboxConfig{}, nil, nil)
	def := DefaultOutboxConfig()
	assert.Equal(t, def.BatchSize, o.config.BatchSize)
	assert.Equal(t, def.PollInterval, o.config.PollInterval)
	assert.Equal(t, def.MaxRetries, o.config.MaxRetries)
	assert.Equal(t, def.DeadLetterInterval, o.config.DeadLetterInterval)
}
