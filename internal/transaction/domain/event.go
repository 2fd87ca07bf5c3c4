package domain

import (
	"errors"
	"time"

	"github.com/FxamarAboali/saleor/internal/common/money"
)

// EventType is the kind of operation an event reports on.
type EventType string

const (
	EventTypeCharge EventType = "CHARGE"
	EventTypeRefund EventType = "REFUND"
	EventTypeCancel EventType = "CANCEL"
)

// ValidEventType reports whether s names a known event type.
func ValidEventType(s string) bool {
	switch EventType(s) {
	case EventTypeCharge, EventTypeRefund, EventTypeCancel:
		return true
	}
	return false
}

// EventStatus is the resolution state of an event. REQUEST is written
// synchronously when this system initiates an action; SUCCESS and FAILURE are
// terminal and arrive as provider reports.
type EventStatus string

const (
	EventStatusRequest EventStatus = "REQUEST"
	EventStatusSuccess EventStatus = "SUCCESS"
	EventStatusFailure EventStatus = "FAILURE"
)

// IsTerminal reports whether the status resolves an event.
func (s EventStatus) IsTerminal() bool {
	return s == EventStatusSuccess || s == EventStatusFailure
}

// Event is one append-only entry in a transaction's event log. Events
// reference their transaction; the transaction does not own them.
// PSPReference is the provider-assigned idempotency key: at most one terminal
// event per reference may exist for a transaction.
type Event struct {
	ID                   string         `json:"id"`
	TransactionID        string         `json:"transaction_id"`
	PSPReference         string         `json:"psp_reference"`
	OriginalPSPReference string         `json:"original_psp_reference,omitempty"`
	Type                 EventType      `json:"type"`
	Status               EventStatus    `json:"status"`
	Amount               money.Money    `json:"amount"`
	Name                 string         `json:"name,omitempty"`
	CreatedAt            time.Time      `json:"created_at"`
}

// NewEvent creates an event log entry.
func NewEvent(id, transactionID, pspReference string, typ EventType, status EventStatus, amount money.Money) (*Event, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if transactionID == "" {
		return nil, errors.New("transaction_id is required")
	}
	if pspReference == "" {
		return nil, errors.New("psp_reference is required")
	}

	return &Event{
		ID:            id,
		TransactionID: transactionID,
		PSPReference:  pspReference,
		Type:          typ,
		Status:        status,
		Amount:        amount,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// EventReport is a provider's account of the outcome of one operation. It is
// the single input to reconciliation.
type EventReport struct {
	TransactionID        string
	PSPReference         string
	OriginalPSPReference string
	Type                 EventType
	Result               EventStatus // SUCCESS or FAILURE
	Amount               money.Money
	Name                 string
	OccurredAt           *time.Time
	AvailableActions     []Action
}

// Outcome is the result of folding one report into a transaction.
type Outcome struct {
	// AlreadyProcessed is true when the report's psp_reference was resolved
	// earlier with the same result; the returned transaction is then the
	// state produced by the first application.
	AlreadyProcessed bool         `json:"already_processed"`
	Transaction      *Transaction `json:"transaction"`
}
