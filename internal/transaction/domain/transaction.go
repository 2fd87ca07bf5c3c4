// Package domain holds the transaction aggregate and its event log entries.
package domain

import (
	"errors"
	"time"

	"github.com/FxamarAboali/saleor/internal/common/money"
)

// Status is an informational summary of where a transaction is in its
// lifecycle. It is never consulted by balance arithmetic.
type Status string

const (
	StatusAuthorized Status = "Authorized"
	StatusProcessing Status = "Processing"
	StatusFinalized  Status = "Finalized"
)

// Action is an operation a payment provider can perform on a transaction.
// The list carried on the aggregate is informational only.
type Action string

const (
	ActionCharge Action = "CHARGE"
	ActionRefund Action = "REFUND"
	ActionCancel Action = "CANCEL"
)

// ValidAction reports whether s names a known action.
func ValidAction(s string) bool {
	switch Action(s) {
	case ActionCharge, ActionRefund, ActionCancel:
		return true
	}
	return false
}

// Transaction is the aggregate root: the per-transaction balances plus
// descriptive state. Balances are a cached projection of the event log and
// are mutated exclusively through reconciliation; any of them may go negative
// as a deliberate over-charge/over-refund signal.
type Transaction struct {
	ID           string `json:"id"`
	Status       Status `json:"status"`
	Kind         string `json:"kind,omitempty"` // e.g. "Credit card"
	PSPReference string `json:"psp_reference"`

	Currency money.Currency `json:"currency"`

	AuthorizedValue    money.Money `json:"authorized_value"`
	ChargedValue       money.Money `json:"charged_value"`
	RefundedValue      money.Money `json:"refunded_value"`
	VoidedValue        money.Money `json:"voided_value"`
	PendingRefundValue money.Money `json:"pending_refund_value"`

	AvailableActions []Action `json:"available_actions,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// NewTransaction creates a transaction with zeroed balances. The currency is
// fixed for the transaction's lifetime.
func NewTransaction(id, pspReference string, currency money.Currency) (*Transaction, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if currency == "" {
		return nil, errors.New("currency is required")
	}

	now := time.Now().UTC()
	return &Transaction{
		ID:                 id,
		Status:             StatusAuthorized,
		PSPReference:       pspReference,
		Currency:           currency,
		AuthorizedValue:    money.Zero(currency),
		ChargedValue:       money.Zero(currency),
		RefundedValue:      money.Zero(currency),
		VoidedValue:        money.Zero(currency),
		PendingRefundValue: money.Zero(currency),
		CreatedAt:          now,
		ModifiedAt:         now,
	}, nil
}

// Clone returns a copy of the transaction. Balances are value types, so a
// shallow copy plus a fresh actions slice is a full copy.
func (t *Transaction) Clone() *Transaction {
	c := *t
	if t.AvailableActions != nil {
		c.AvailableActions = append([]Action(nil), t.AvailableActions...)
	}
	return &c
}

// BalancesEqual reports whether two transactions carry identical balances.
func (t *Transaction) BalancesEqual(other *Transaction) bool {
	return t.AuthorizedValue.Equal(other.AuthorizedValue) &&
		t.ChargedValue.Equal(other.ChargedValue) &&
		t.RefundedValue.Equal(other.RefundedValue) &&
		t.VoidedValue.Equal(other.VoidedValue) &&
		t.PendingRefundValue.Equal(other.PendingRefundValue)
}
