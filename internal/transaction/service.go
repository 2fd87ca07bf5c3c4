// Package transaction orchestrates reconciliation of provider event reports
// into per-transaction ledger balances.
package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/FxamarAboali/saleor/internal/common/database"
	"github.com/FxamarAboali/saleor/internal/common/events"
	"github.com/FxamarAboali/saleor/internal/common/middleware"
	"github.com/FxamarAboali/saleor/internal/common/money"
	"github.com/FxamarAboali/saleor/internal/transaction/domain"
	"github.com/FxamarAboali/saleor/internal/transaction/reconcile"
)

// Store persists transactions and their append-only event logs.
type Store interface {
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	GetTransactionByPSPReference(ctx context.Context, pspReference string) (*domain.Transaction, error)
	// GetOpeningState returns the transaction as it was created, before any
	// events were folded in. It is the base state for replaying the log.
	GetOpeningState(ctx context.Context, id string) (*domain.Transaction, error)
	UpdateTransaction(ctx context.Context, tx *domain.Transaction) error
	ListTransactions(ctx context.Context, limit, offset int) ([]*domain.Transaction, int64, error)

	// ListEvents returns a transaction's events in append order.
	ListEvents(ctx context.Context, transactionID string) ([]*domain.Event, error)
	// CommitEvent persists the event append and the balance update as one
	// atomic unit. A second terminal event for the same psp_reference fails
	// with a unique violation.
	CommitEvent(ctx context.Context, tx *domain.Transaction, event *domain.Event) error
}

// Service is the externally-callable entry point for reconciliation.
type Service struct {
	store     Store
	publisher events.EventPublisher
	logger    *slog.Logger
	locks     lockMap
}

// NewService creates a new transaction service. publisher may be nil when no
// broker is configured.
func NewService(store Store, publisher events.EventPublisher, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// lockMap serializes work per transaction. Reports for distinct transactions
// proceed fully in parallel.
type lockMap struct {
	mus sync.Map
}

func (l *lockMap) lock(key string) func() {
	v, _ := l.mus.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// CreateTransactionRequest is the request to open a transaction. Opening
// balances are decimal strings; empty means zero.
type CreateTransactionRequest struct {
	Kind             string
	PSPReference     string
	Currency         money.Currency
	Status           string
	AuthorizedValue  string
	ChargedValue     string
	RefundedValue    string
	VoidedValue      string
	PendingRefund    string
	AvailableActions []string
}

// CreateTransaction opens a new transaction aggregate.
func (s *Service) CreateTransaction(ctx context.Context, req CreateTransactionRequest) (*domain.Transaction, error) {
	if _, ok := money.GetCurrencyInfo(req.Currency); !ok {
		return nil, domain.NewValidationError("currency", fmt.Sprintf("unknown currency %q", req.Currency))
	}

	tx, err := domain.NewTransaction(ulid.Make().String(), req.PSPReference, req.Currency)
	if err != nil {
		return nil, err
	}
	tx.Kind = req.Kind
	if req.Status != "" {
		tx.Status = domain.Status(req.Status)
	}

	for _, a := range req.AvailableActions {
		if !domain.ValidAction(a) {
			return nil, domain.NewValidationError("availableActions", fmt.Sprintf("unknown action %q", a))
		}
		tx.AvailableActions = append(tx.AvailableActions, domain.Action(a))
	}

	openings := []struct {
		field string
		raw   string
		dst   *money.Money
	}{
		{"authorizedValue", req.AuthorizedValue, &tx.AuthorizedValue},
		{"chargedValue", req.ChargedValue, &tx.ChargedValue},
		{"refundedValue", req.RefundedValue, &tx.RefundedValue},
		{"voidedValue", req.VoidedValue, &tx.VoidedValue},
		{"pendingRefundValue", req.PendingRefund, &tx.PendingRefundValue},
	}
	for _, o := range openings {
		if o.raw == "" {
			continue
		}
		m, err := money.Parse(o.raw, req.Currency)
		if err != nil {
			return nil, domain.NewValidationError(o.field, "must be a valid decimal amount")
		}
		*o.dst = m
	}

	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventTransactionCreated, tx.ID, events.TransactionCreatedData{
		TransactionID: tx.ID,
		PSPReference:  tx.PSPReference,
		Currency:      string(tx.Currency),
		Status:        string(tx.Status),
	})

	s.logger.Info("transaction created",
		"transaction_id", tx.ID,
		"psp_reference", tx.PSPReference,
		"currency", tx.Currency,
	)

	return tx, nil
}

// ReportEventRequest is a provider's report of the outcome of one operation.
type ReportEventRequest struct {
	TransactionID        string
	OriginalPSPReference string
	PSPReference         string
	Result               string
	Type                 string
	Amount               string
	// Currency is optional; when set it must match the transaction's
	// currency. Amounts without it are read in the transaction's currency.
	Currency             string
	OccurredAt           *time.Time
	Name                 string
	AvailableActions     []string
}

// ReportEvent folds a provider report into the transaction ledger exactly
// once. Duplicate deliveries of the same report return
// Outcome.AlreadyProcessed=true with the state the first application
// produced; re-reports with different details fail with INCORRECT_DETAILS.
func (s *Service) ReportEvent(ctx context.Context, req ReportEventRequest) (domain.Outcome, error) {
	if req.PSPReference == "" {
		return domain.Outcome{}, domain.NewValidationError("pspReference", "pspReference is required")
	}
	result := domain.EventStatus(req.Result)
	if !result.IsTerminal() {
		return domain.Outcome{}, domain.NewInvalidResultError(req.Result)
	}
	if !domain.ValidEventType(req.Type) {
		return domain.Outcome{}, domain.NewValidationError("type", fmt.Sprintf("unknown event type %q", req.Type))
	}

	tx, err := s.resolveTransaction(ctx, req)
	if err != nil {
		return domain.Outcome{}, err
	}

	if req.Currency != "" && money.Currency(req.Currency) != tx.Currency {
		return domain.Outcome{}, &domain.ReportError{
			Field:   "currency",
			Message: fmt.Sprintf("report currency %s does not match transaction currency %s", req.Currency, tx.Currency),
			Code:    domain.CodeIncorrectDetails,
		}
	}

	amount, err := money.Parse(nonEmpty(req.Amount, "0"), tx.Currency)
	if err != nil {
		return domain.Outcome{}, domain.NewValidationError("amount", "must be a valid decimal amount")
	}
	if amount.IsNegative() {
		return domain.Outcome{}, domain.NewValidationError("amount", "must not be negative")
	}

	var actions []domain.Action
	if req.AvailableActions != nil {
		actions = make([]domain.Action, 0, len(req.AvailableActions))
		for _, a := range req.AvailableActions {
			if !domain.ValidAction(a) {
				return domain.Outcome{}, domain.NewValidationError("availableActions", fmt.Sprintf("unknown action %q", a))
			}
			actions = append(actions, domain.Action(a))
		}
	}

	unlock := s.locks.lock(tx.ID)
	defer unlock()

	// Reload under the lock: another report may have committed since the
	// resolve above.
	tx, err = s.store.GetTransaction(ctx, tx.ID)
	if err != nil {
		return domain.Outcome{}, err
	}
	log, err := s.loadEventLog(ctx, tx.ID)
	if err != nil {
		return domain.Outcome{}, err
	}

	report := domain.EventReport{
		TransactionID:        tx.ID,
		PSPReference:         req.PSPReference,
		OriginalPSPReference: req.OriginalPSPReference,
		Type:                 domain.EventType(req.Type),
		Result:               result,
		Amount:               amount,
		Name:                 req.Name,
		OccurredAt:           req.OccurredAt,
		AvailableActions:     actions,
	}

	next, event, outcome, err := reconcile.Apply(tx, log, report, ulid.Make().String())
	if err != nil {
		return domain.Outcome{}, err
	}

	if outcome.AlreadyProcessed {
		s.logger.Info("report already processed",
			"transaction_id", tx.ID,
			"psp_reference", req.PSPReference,
		)
		return outcome, nil
	}

	if err := s.store.CommitEvent(ctx, next, event); err != nil {
		if database.IsUniqueViolation(err) {
			// Another node won the race past our in-process lock. Converge
			// on what it stored.
			return s.resolveDuplicate(ctx, tx.ID, report)
		}
		return domain.Outcome{}, fmt.Errorf("committing event: %w", err)
	}

	s.publishReport(ctx, next, event)

	s.logger.Info("report reconciled",
		"transaction_id", next.ID,
		"psp_reference", event.PSPReference,
		"type", event.Type,
		"result", event.Status,
		"amount", event.Amount.StringFixed(),
	)

	return outcome, nil
}

// resolveTransaction locates the aggregate by id, or by the original
// reference matching the transaction's own psp_reference when id is absent.
func (s *Service) resolveTransaction(ctx context.Context, req ReportEventRequest) (*domain.Transaction, error) {
	if req.TransactionID != "" {
		tx, err := s.store.GetTransaction(ctx, req.TransactionID)
		if err != nil {
			if database.IsNotFound(err) {
				return nil, domain.NewNotFoundError("transactionId", "transaction not found")
			}
			return nil, err
		}
		return tx, nil
	}
	if req.OriginalPSPReference != "" {
		tx, err := s.store.GetTransactionByPSPReference(ctx, req.OriginalPSPReference)
		if err != nil {
			if database.IsNotFound(err) {
				return nil, domain.NewNotFoundError("originalPspReference", "no transaction matches the original psp reference")
			}
			return nil, err
		}
		return tx, nil
	}
	return nil, domain.NewValidationError("transactionId", "transactionId or originalPspReference is required")
}

// resolveDuplicate re-reads the stored terminal event after a unique
// violation and maps it to the idempotent-replay or conflict outcome.
func (s *Service) resolveDuplicate(ctx context.Context, transactionID string, report domain.EventReport) (domain.Outcome, error) {
	log, err := s.loadEventLog(ctx, transactionID)
	if err != nil {
		return domain.Outcome{}, err
	}
	stored, ok := log.Resolved(report.PSPReference)
	if !ok {
		return domain.Outcome{}, domain.NewConflictError(report.PSPReference)
	}
	if stored.Status == report.Result && stored.Type == report.Type && stored.Amount.Equal(report.Amount) {
		tx, err := s.store.GetTransaction(ctx, transactionID)
		if err != nil {
			return domain.Outcome{}, err
		}
		return domain.Outcome{AlreadyProcessed: true, Transaction: tx}, nil
	}
	return domain.Outcome{}, domain.NewConflictError(report.PSPReference)
}

// RequestActionRequest asks the provider to perform an operation; the REQUEST
// event is written synchronously and later resolved by a report.
type RequestActionRequest struct {
	TransactionID string
	Type          string
	Amount        string
	PSPReference  string
	Name          string
}

// RequestAction records that this system initiated an action. A refund
// request reserves its amount in pending_refund_value until it resolves.
func (s *Service) RequestAction(ctx context.Context, req RequestActionRequest) (*domain.Event, error) {
	if req.PSPReference == "" {
		return nil, domain.NewValidationError("pspReference", "pspReference is required")
	}
	if !domain.ValidEventType(req.Type) {
		return nil, domain.NewValidationError("type", fmt.Sprintf("unknown event type %q", req.Type))
	}

	tx, err := s.store.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, domain.NewNotFoundError("transactionId", "transaction not found")
		}
		return nil, err
	}

	amount, err := money.Parse(nonEmpty(req.Amount, "0"), tx.Currency)
	if err != nil {
		return nil, domain.NewValidationError("amount", "must be a valid decimal amount")
	}
	if amount.IsNegative() {
		return nil, domain.NewValidationError("amount", "must not be negative")
	}

	unlock := s.locks.lock(tx.ID)
	defer unlock()

	tx, err = s.store.GetTransaction(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	log, err := s.loadEventLog(ctx, tx.ID)
	if err != nil {
		return nil, err
	}
	if _, ok := log.Resolved(req.PSPReference); ok {
		return nil, domain.NewConflictError(req.PSPReference)
	}
	if _, ok := log.OpenRequest(req.PSPReference, ""); ok {
		return nil, &domain.ReportError{
			Field:   "pspReference",
			Message: fmt.Sprintf("a request with psp reference %q is already open", req.PSPReference),
			Code:    domain.CodeIncorrectDetails,
		}
	}

	event, err := domain.NewEvent(ulid.Make().String(), tx.ID, req.PSPReference, domain.EventType(req.Type), domain.EventStatusRequest, amount)
	if err != nil {
		return nil, err
	}
	event.Name = req.Name

	next := tx.Clone()
	if event.Type == domain.EventTypeRefund {
		next.PendingRefundValue = next.PendingRefundValue.MustAdd(amount)
	}
	next.ModifiedAt = event.CreatedAt

	if err := s.store.CommitEvent(ctx, next, event); err != nil {
		return nil, fmt.Errorf("committing request event: %w", err)
	}

	s.publish(ctx, events.EventActionRequested, tx.ID, events.ActionRequestedData{
		TransactionID: tx.ID,
		EventID:       event.ID,
		PSPReference:  event.PSPReference,
		Type:          string(event.Type),
		Amount:        event.Amount.StringFixed(),
		Currency:      string(event.Amount.Currency),
	})

	s.logger.Info("action requested",
		"transaction_id", tx.ID,
		"psp_reference", event.PSPReference,
		"type", event.Type,
		"amount", event.Amount.StringFixed(),
	)

	return event, nil
}

// GetTransaction retrieves a transaction by ID.
func (s *Service) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// ListTransactions lists transactions.
func (s *Service) ListTransactions(ctx context.Context, limit, offset int) ([]*domain.Transaction, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	return s.store.ListTransactions(ctx, limit, offset)
}

// ListEvents retrieves a transaction's event log in append order.
func (s *Service) ListEvents(ctx context.Context, transactionID string) ([]*domain.Event, error) {
	if _, err := s.store.GetTransaction(ctx, transactionID); err != nil {
		if database.IsNotFound(err) {
			return nil, domain.NewNotFoundError("transactionId", "transaction not found")
		}
		return nil, err
	}
	return s.store.ListEvents(ctx, transactionID)
}

// RebuildBalances recomputes the cached balances by replaying the event log
// from the transaction's opening state, and persists the result. The cached
// state is a projection; this is its repair path.
func (s *Service) RebuildBalances(ctx context.Context, transactionID string) (*domain.Transaction, error) {
	unlock := s.locks.lock(transactionID)
	defer unlock()

	live, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, domain.NewNotFoundError("transactionId", "transaction not found")
		}
		return nil, err
	}
	opening, err := s.store.GetOpeningState(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	evs, err := s.store.ListEvents(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	rebuilt := reconcile.Replay(opening, evs)

	next := live.Clone()
	next.AuthorizedValue = rebuilt.AuthorizedValue
	next.ChargedValue = rebuilt.ChargedValue
	next.RefundedValue = rebuilt.RefundedValue
	next.VoidedValue = rebuilt.VoidedValue
	next.PendingRefundValue = rebuilt.PendingRefundValue
	next.ModifiedAt = time.Now().UTC()

	drifted := !live.BalancesEqual(next)
	if err := s.store.UpdateTransaction(ctx, next); err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventBalancesRebuilt, next.ID, balancesData(next))

	s.logger.Info("balances rebuilt",
		"transaction_id", next.ID,
		"drifted", drifted,
		"event_count", len(evs),
	)

	return next, nil
}

func (s *Service) loadEventLog(ctx context.Context, transactionID string) (*reconcile.EventLog, error) {
	evs, err := s.store.ListEvents(ctx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("loading event log: %w", err)
	}
	return reconcile.NewEventLog(evs...), nil
}

func (s *Service) publishReport(ctx context.Context, tx *domain.Transaction, event *domain.Event) {
	s.publish(ctx, events.EventReportRecorded, tx.ID, events.ReportRecordedData{
		TransactionID:        tx.ID,
		EventID:              event.ID,
		PSPReference:         event.PSPReference,
		OriginalPSPReference: event.OriginalPSPReference,
		Type:                 string(event.Type),
		Result:               string(event.Status),
		Amount:               event.Amount.StringFixed(),
		Currency:             string(event.Amount.Currency),
	})
	s.publish(ctx, events.EventBalancesUpdated, tx.ID, balancesData(tx))
}

func (s *Service) publish(ctx context.Context, eventType, aggregateID string, data interface{}) {
	if s.publisher == nil {
		return
	}
	env, err := events.NewEvent(eventType, "transaction", aggregateID, data)
	if err != nil {
		s.logger.Error("failed to create event envelope", "error", err, "type", eventType)
		return
	}
	if cid := middleware.GetCorrelationID(ctx); cid != "" {
		env.WithCorrelation(cid)
	}
	if err := s.publisher.Publish(ctx, env); err != nil {
		s.logger.Error("failed to publish event", "error", err, "type", eventType)
	}
}

func balancesData(tx *domain.Transaction) events.BalancesUpdatedData {
	return events.BalancesUpdatedData{
		TransactionID:      tx.ID,
		AuthorizedValue:    tx.AuthorizedValue.StringFixed(),
		ChargedValue:       tx.ChargedValue.StringFixed(),
		RefundedValue:      tx.RefundedValue.StringFixed(),
		VoidedValue:        tx.VoidedValue.StringFixed(),
		PendingRefundValue: tx.PendingRefundValue.StringFixed(),
		Currency:           string(tx.Currency),
	}
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
