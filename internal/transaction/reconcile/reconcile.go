// Package reconcile folds provider event reports into transaction balances.
//
// Apply is a pure mapping from (transaction, event log, report) to a new
// transaction state plus the event to append; it never touches storage. The
// cached balances on a transaction are always reconstructible by Replay.
package reconcile

import (
	"errors"

	"github.com/FxamarAboali/saleor/internal/common/money"
	"github.com/FxamarAboali/saleor/internal/transaction/domain"
)

// ErrAlreadyResolved is returned by EventLog.Append when a terminal event for
// the psp_reference already exists. Callers treat it as "already processed",
// not as a retryable failure.
var ErrAlreadyResolved = errors.New("psp reference already resolved")

// EventLog is an in-memory projection of a transaction's events keyed by
// psp_reference, answering idempotency lookups in O(1).
type EventLog struct {
	resolved map[string]*domain.Event
	requests map[string]*domain.Event
}

// NewEventLog builds the projection from events in append order.
func NewEventLog(events ...*domain.Event) *EventLog {
	l := &EventLog{
		resolved: make(map[string]*domain.Event),
		requests: make(map[string]*domain.Event),
	}
	for _, e := range events {
		l.add(e)
	}
	return l
}

func (l *EventLog) add(e *domain.Event) {
	if e.Status.IsTerminal() {
		l.resolved[e.PSPReference] = e
		// A resolution closes the request it matched, whether the report
		// carried the request's own reference or cited it as the original.
		delete(l.requests, e.PSPReference)
		if e.OriginalPSPReference != "" {
			delete(l.requests, e.OriginalPSPReference)
		}
		return
	}
	if _, taken := l.resolved[e.PSPReference]; !taken {
		l.requests[e.PSPReference] = e
	}
}

// Resolved returns the terminal event recorded for a psp_reference, if any.
func (l *EventLog) Resolved(pspReference string) (*domain.Event, bool) {
	e, ok := l.resolved[pspReference]
	return e, ok
}

// OpenRequest returns a still-open REQUEST event matched by its own
// psp_reference or by the report's original reference.
func (l *EventLog) OpenRequest(pspReference, originalPSPReference string) (*domain.Event, bool) {
	if e, ok := l.requests[pspReference]; ok {
		return e, true
	}
	if originalPSPReference != "" {
		if e, ok := l.requests[originalPSPReference]; ok {
			return e, true
		}
	}
	return nil, false
}

// Append adds an event to the projection. Appending a second terminal event
// for the same psp_reference fails with ErrAlreadyResolved.
func (l *EventLog) Append(e *domain.Event) error {
	if e.Status.IsTerminal() {
		if _, ok := l.resolved[e.PSPReference]; ok {
			return ErrAlreadyResolved
		}
	}
	l.add(e)
	return nil
}

// Apply folds one report into the transaction. It returns the new state, the
// event to persist alongside it, and the outcome. When the report is an
// idempotent replay the returned event is nil and the state is unchanged.
// eventID is the identifier to assign if a new event is produced.
func Apply(tx *domain.Transaction, log *EventLog, report domain.EventReport, eventID string) (*domain.Transaction, *domain.Event, domain.Outcome, error) {
	if !report.Result.IsTerminal() {
		return nil, nil, domain.Outcome{}, domain.NewInvalidResultError(string(report.Result))
	}
	if report.Amount.Currency != tx.Currency {
		return nil, nil, domain.Outcome{}, &domain.ReportError{
			Field:   "amount",
			Message: "amount currency does not match the transaction currency",
			Code:    domain.CodeIncorrectDetails,
		}
	}

	// Idempotency: a resolved psp_reference is never re-applied. A replay
	// with identical details returns the state the first application
	// produced; differing details are a conflicting re-report.
	if prior, ok := log.Resolved(report.PSPReference); ok {
		if prior.Status == report.Result && prior.Type == report.Type && prior.Amount.Equal(report.Amount) {
			return tx, nil, domain.Outcome{AlreadyProcessed: true, Transaction: tx}, nil
		}
		return nil, nil, domain.Outcome{}, domain.NewConflictError(report.PSPReference)
	}

	event, err := domain.NewEvent(eventID, tx.ID, report.PSPReference, report.Type, report.Result, report.Amount)
	if err != nil {
		return nil, nil, domain.Outcome{}, err
	}
	event.OriginalPSPReference = report.OriginalPSPReference
	event.Name = report.Name
	if report.OccurredAt != nil {
		event.CreatedAt = report.OccurredAt.UTC()
	}

	next := tx.Clone()
	applyBalances(next, log, report)
	if report.AvailableActions != nil {
		next.AvailableActions = append([]domain.Action(nil), report.AvailableActions...)
	}
	next.ModifiedAt = event.CreatedAt

	return next, event, domain.Outcome{Transaction: next}, nil
}

// applyBalances performs the balance arithmetic for one terminal report.
// All operations stay within the transaction's currency, so Must variants
// cannot panic here.
func applyBalances(tx *domain.Transaction, log *EventLog, report domain.EventReport) {
	amount := report.Amount
	request, hasRequest := log.OpenRequest(report.PSPReference, report.OriginalPSPReference)

	if report.Result == domain.EventStatusFailure {
		// A failed report leaves balances alone, except that it retires a
		// pending refund request without crediting refunded_value.
		if hasRequest && request.Type == domain.EventTypeRefund {
			tx.PendingRefundValue = tx.PendingRefundValue.MustSub(request.Amount)
		}
		return
	}

	switch report.Type {
	case domain.EventTypeCharge:
		tx.ChargedValue = tx.ChargedValue.MustAdd(amount)
		// authorized_value is a remaining-authorization counter; underflow
		// below zero signals an over-charge and is valid state.
		tx.AuthorizedValue = tx.AuthorizedValue.MustSub(amount)

	case domain.EventTypeRefund:
		tx.RefundedValue = tx.RefundedValue.MustAdd(amount)
		tx.ChargedValue = tx.ChargedValue.MustSub(amount)
		if hasRequest && request.Type == domain.EventTypeRefund {
			tx.PendingRefundValue = tx.PendingRefundValue.MustSub(request.Amount)
		} else {
			tx.PendingRefundValue = tx.PendingRefundValue.MustSub(amount)
		}
		// pending never exceeds the refundable ceiling.
		if tx.PendingRefundValue.GreaterThan(tx.ChargedValue) {
			tx.PendingRefundValue = tx.ChargedValue
		}

	case domain.EventTypeCancel:
		tx.VoidedValue = tx.VoidedValue.MustAdd(amount)
		// Cancel releases the full remaining authorization regardless of
		// the voided amount's magnitude.
		tx.AuthorizedValue = money.Zero(tx.Currency)
	}
}

// Replay folds a transaction's full event log from its opening state. The
// result must equal the cached balances at every point in time; it is used to
// verify and rebuild the cache.
func Replay(base *domain.Transaction, events []*domain.Event) *domain.Transaction {
	next := base.Clone()
	log := NewEventLog()

	for _, e := range events {
		if !e.Status.IsTerminal() {
			// A refund request reserves its amount until it resolves.
			if e.Type == domain.EventTypeRefund {
				next.PendingRefundValue = next.PendingRefundValue.MustAdd(e.Amount)
			}
			log.add(e)
			continue
		}

		applyBalances(next, log, domain.EventReport{
			TransactionID:        e.TransactionID,
			PSPReference:         e.PSPReference,
			OriginalPSPReference: e.OriginalPSPReference,
			Type:                 e.Type,
			Result:               e.Status,
			Amount:               e.Amount,
		})
		next.ModifiedAt = e.CreatedAt
		log.add(e)
	}

	return next
}
