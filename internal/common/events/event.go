package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds a correlation ID
func (e *Event) WithCorrelation(correlationID string) *Event {
	e.CorrelationID = correlationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// Event types
const (
	EventTransactionCreated = "transaction.created"
	EventActionRequested    = "transaction.action.requested"
	EventReportRecorded     = "transaction.report.recorded"
	EventBalancesUpdated    = "transaction.balances.updated"
	EventBalancesRebuilt    = "transaction.balances.rebuilt"
)

// TransactionCreatedData is the data for transaction.created events
type TransactionCreatedData struct {
	TransactionID string `json:"transaction_id"`
	PSPReference  string `json:"psp_reference,omitempty"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
}

// ActionRequestedData is the data for transaction.action.requested events
type ActionRequestedData struct {
	TransactionID string `json:"transaction_id"`
	EventID       string `json:"event_id"`
	PSPReference  string `json:"psp_reference"`
	Type          string `json:"type"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
}

// ReportRecordedData is the data for transaction.report.recorded events
type ReportRecordedData struct {
	TransactionID        string `json:"transaction_id"`
	EventID              string `json:"event_id"`
	PSPReference         string `json:"psp_reference"`
	OriginalPSPReference string `json:"original_psp_reference,omitempty"`
	Type                 string `json:"type"`
	Result               string `json:"result"`
	Amount               string `json:"amount"`
	Currency             string `json:"currency"`
}

// BalancesUpdatedData is the data for transaction.balances.* events
type BalancesUpdatedData struct {
	TransactionID      string `json:"transaction_id"`
	AuthorizedValue    string `json:"authorized_value"`
	ChargedValue       string `json:"charged_value"`
	RefundedValue      string `json:"refunded_value"`
	VoidedValue        string `json:"voided_value"`
	PendingRefundValue string `json:"pending_refund_value"`
	Currency           string `json:"currency"`
}
