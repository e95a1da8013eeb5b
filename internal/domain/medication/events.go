package medication

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names a domain event published through the outbox.
type EventType string

const (
	EventPrescriptionAdded         EventType = "PrescriptionAdded"
	EventPrescriptionStatusChanged EventType = "PrescriptionStatusChanged"
	EventAdministrationRecorded    EventType = "AdministrationRecorded"
	EventStockLow                  EventType = "StockLow"
	EventSideEffectRecorded        EventType = "SideEffectRecorded"
	EventSideEffectResolved        EventType = "SideEffectResolved"
	EventSafetyChecked             EventType = "SafetyChecked"
)

// Event is a fact about a subject's medication record.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	SubjectID     string          `json:"subject_id"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates an event for the aggregate with data marshalled as JSON.
func NewEvent(aggregateType, aggregateID, subjectID string, eventType EventType, data any, at time.Time) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.NewString(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		SubjectID:     subjectID,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     at.UTC(),
	}, nil
}

// Aggregate types carried on events.
const (
	AggregatePrescription   = "Prescription"
	AggregateAdministration = "Administration"
)

// AdministrationRecordedData is the payload of EventAdministrationRecorded.
type AdministrationRecordedData struct {
	Administration    Administration `json:"administration"`
	RemainingQuantity int            `json:"remaining_quantity"`
}

// StockLowData is the payload of EventStockLow.
type StockLowData struct {
	PrescriptionID    string `json:"prescription_id"`
	MedicationID      string `json:"medication_id"`
	RemainingQuantity int    `json:"remaining_quantity"`
	Threshold         int    `json:"threshold"`
}

// PrescriptionStatusChangedData is the payload of EventPrescriptionStatusChanged.
type PrescriptionStatusChangedData struct {
	PrescriptionID string             `json:"prescription_id"`
	From           PrescriptionStatus `json:"from"`
	To             PrescriptionStatus `json:"to"`
}

// SideEffectData is the payload of the side-effect events.
type SideEffectData struct {
	AdministrationID string     `json:"administration_id"`
	PrescriptionID   string     `json:"prescription_id"`
	SideEffect       SideEffect `json:"side_effect"`
}
