package prescription

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names a label event published through the outbox.
type EventType string

const (
	EventPrescriptionIngested EventType = "PrescriptionIngested"
	EventMedicineResolved     EventType = "MedicineResolved"
	EventMedicineReplaced     EventType = "MedicineReplaced"
)

// Aggregate types used as the outbox partition key family.
const (
	AggregatePrescription = "Prescription"
	AggregateMedicine     = "Medicine"
)

// Event is a domain event written to the outbox in the same transaction as
// the change it describes.
type Event struct {
	ID            string          `json:"id"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	EventType     EventType       `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// NewEvent creates an event with a fresh id.
func NewEvent(aggregateType, aggregateID string, eventType EventType, data any) (*Event, error) {
	eventData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		EventData:     eventData,
		Timestamp:     time.Now().UTC(),
	}, nil
}

// WithCorrelation sets the correlation id, usually the request id.
func (e *Event) WithCorrelation(id string) *Event {
	e.CorrelationID = id
	return e
}

// PrescriptionIngestedData is the payload of EventPrescriptionIngested.
type PrescriptionIngestedData struct {
	PrescriptionID int64     `json:"prescription_id"`
	PatientID      string    `json:"patient_id"`
	ReceiptDateRaw string    `json:"receipt_date_raw"`
	ReceiptNum     string    `json:"receipt_num"`
	Bohcodes       []string  `json:"bohcodes"`
	Placeholders   []string  `json:"placeholders,omitempty"`
	IngestedAt     time.Time `json:"ingested_at"`
}

// MedicineResolvedData is the payload of EventMedicineResolved.
type MedicineResolvedData struct {
	Bohcode     string `json:"bohcode"`
	YakjungCode string `json:"yakjung_code"`
	Name        string `json:"name"`
}

// MedicineReplacedData is the payload of EventMedicineReplaced.
type MedicineReplacedData struct {
	OldCode  string   `json:"old_code"`
	NewCode  string   `json:"new_code"`
	Merged   bool     `json:"merged"`
	Bohcodes []string `json:"bohcodes"`
}
