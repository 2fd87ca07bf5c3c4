package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/FxamarAboali/saleor/internal/common/database"
	"github.com/FxamarAboali/saleor/internal/common/money"
	"github.com/FxamarAboali/saleor/internal/transaction/domain"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db     *database.DB
	logger *slog.Logger
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *database.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

var _ Store = (*PostgresStore)(nil)

const transactionColumns = `
	id, status, kind, psp_reference, currency,
	authorized_value::text, charged_value::text, refunded_value::text,
	voided_value::text, pending_refund_value::text,
	available_actions, created_at, modified_at`

// CreateTransaction inserts a transaction. The balances it carries at
// creation are also persisted as the opening state for later replays.
func (s *PostgresStore) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, status, kind, psp_reference, currency,
			authorized_value, charged_value, refunded_value,
			voided_value, pending_refund_value,
			opening_authorized_value, opening_charged_value, opening_refunded_value,
			opening_voided_value, opening_pending_refund_value,
			available_actions, created_at, modified_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$6, $7, $8, $9, $10,
			$11, $12, $13
		)`

	_, err := s.db.Exec(ctx, query,
		tx.ID, tx.Status, tx.Kind, tx.PSPReference, tx.Currency,
		tx.AuthorizedValue.Amount, tx.ChargedValue.Amount, tx.RefundedValue.Amount,
		tx.VoidedValue.Amount, tx.PendingRefundValue.Amount,
		actionStrings(tx.AvailableActions), tx.CreatedAt, tx.ModifiedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("transaction %s: %w", tx.ID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("inserting transaction: %w", err)
	}
	return nil
}

// GetTransaction retrieves a transaction by ID.
func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	query := `SELECT` + transactionColumns + ` FROM transactions WHERE id = $1`
	return s.scanTransaction(s.db.QueryRow(ctx, query, id))
}

// GetTransactionByPSPReference retrieves the transaction whose own
// psp_reference matches.
func (s *PostgresStore) GetTransactionByPSPReference(ctx context.Context, pspReference string) (*domain.Transaction, error) {
	query := `SELECT` + transactionColumns + ` FROM transactions WHERE psp_reference = $1`
	return s.scanTransaction(s.db.QueryRow(ctx, query, pspReference))
}

// GetOpeningState retrieves the balances the transaction was created with.
func (s *PostgresStore) GetOpeningState(ctx context.Context, id string) (*domain.Transaction, error) {
	query := `
		SELECT
			id, status, kind, psp_reference, currency,
			opening_authorized_value::text, opening_charged_value::text, opening_refunded_value::text,
			opening_voided_value::text, opening_pending_refund_value::text,
			available_actions, created_at, created_at
		FROM transactions
		WHERE id = $1`
	return s.scanTransaction(s.db.QueryRow(ctx, query, id))
}

// UpdateTransaction persists the transaction's mutable state.
func (s *PostgresStore) UpdateTransaction(ctx context.Context, tx *domain.Transaction) error {
	query := `
		UPDATE transactions SET
			status = $2,
			authorized_value = $3,
			charged_value = $4,
			refunded_value = $5,
			voided_value = $6,
			pending_refund_value = $7,
			available_actions = $8,
			modified_at = $9
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query,
		tx.ID, tx.Status,
		tx.AuthorizedValue.Amount, tx.ChargedValue.Amount, tx.RefundedValue.Amount,
		tx.VoidedValue.Amount, tx.PendingRefundValue.Amount,
		actionStrings(tx.AvailableActions), tx.ModifiedAt,
	)
	if err != nil {
		return fmt.Errorf("updating transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("transaction %s: %w", tx.ID, database.ErrNotFound)
	}
	return nil
}

// ListTransactions returns a page of transactions, newest first, with the
// total count.
func (s *PostgresStore) ListTransactions(ctx context.Context, limit, offset int) ([]*domain.Transaction, int64, error) {
	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM transactions`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting transactions: %w", err)
	}

	query := `SELECT` + transactionColumns + `
		FROM transactions
		ORDER BY created_at DESC, id DESC
		LIMIT $1 OFFSET $2`

	rows, err := s.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var txs []*domain.Transaction
	for rows.Next() {
		tx, err := s.scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating transactions: %w", err)
	}
	return txs, total, nil
}

// ListEvents returns a transaction's events in append order.
func (s *PostgresStore) ListEvents(ctx context.Context, transactionID string) ([]*domain.Event, error) {
	query := `
		SELECT
			e.id, e.transaction_id, e.psp_reference, e.original_psp_reference,
			e.type, e.status, e.amount::text, t.currency, e.name, e.created_at
		FROM transaction_events e
		JOIN transactions t ON t.id = e.transaction_id
		WHERE e.transaction_id = $1
		ORDER BY e.id ASC`

	rows, err := s.db.Query(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}

// CommitEvent appends the event and writes the updated balances in a single
// database transaction. The partial unique index on terminal events turns a
// duplicate psp_reference into a unique violation here.
func (s *PostgresStore) CommitEvent(ctx context.Context, tx *domain.Transaction, event *domain.Event) error {
	return s.db.WithTx(ctx, func(dbtx pgx.Tx) error {
		insertEvent := `
			INSERT INTO transaction_events (
				id, transaction_id, psp_reference, original_psp_reference,
				type, status, amount, name, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

		_, err := dbtx.Exec(ctx, insertEvent,
			event.ID, event.TransactionID, event.PSPReference, event.OriginalPSPReference,
			event.Type, event.Status, event.Amount.Amount, event.Name, event.CreatedAt,
		)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("event %s/%s: %w", event.TransactionID, event.PSPReference, database.ErrAlreadyExists)
			}
			if database.IsForeignKeyViolation(err) {
				return fmt.Errorf("transaction %s: %w", event.TransactionID, database.ErrNotFound)
			}
			return fmt.Errorf("inserting event: %w", err)
		}

		updateTx := `
			UPDATE transactions SET
				status = $2,
				authorized_value = $3,
				charged_value = $4,
				refunded_value = $5,
				voided_value = $6,
				pending_refund_value = $7,
				available_actions = $8,
				modified_at = $9
			WHERE id = $1`

		tag, err := dbtx.Exec(ctx, updateTx,
			tx.ID, tx.Status,
			tx.AuthorizedValue.Amount, tx.ChargedValue.Amount, tx.RefundedValue.Amount,
			tx.VoidedValue.Amount, tx.PendingRefundValue.Amount,
			actionStrings(tx.AvailableActions), tx.ModifiedAt,
		)
		if err != nil {
			return fmt.Errorf("updating balances: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("transaction %s: %w", tx.ID, database.ErrNotFound)
		}
		return nil
	})
}

func (s *PostgresStore) scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		tx         domain.Transaction
		currency   string
		authorized string
		charged    string
		refunded   string
		voided     string
		pending    string
		actions    []string
	)

	err := row.Scan(
		&tx.ID, &tx.Status, &tx.Kind, &tx.PSPReference, &currency,
		&authorized, &charged, &refunded, &voided, &pending,
		&actions, &tx.CreatedAt, &tx.ModifiedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning transaction: %w", err)
	}

	tx.Currency = money.Currency(currency)
	balances := []struct {
		column string
		raw    string
		dst    *money.Money
	}{
		{"authorized_value", authorized, &tx.AuthorizedValue},
		{"charged_value", charged, &tx.ChargedValue},
		{"refunded_value", refunded, &tx.RefundedValue},
		{"voided_value", voided, &tx.VoidedValue},
		{"pending_refund_value", pending, &tx.PendingRefundValue},
	}
	for _, b := range balances {
		m, err := money.Parse(b.raw, tx.Currency)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", b.column, err)
		}
		*b.dst = m
	}

	for _, a := range actions {
		tx.AvailableActions = append(tx.AvailableActions, domain.Action(a))
	}
	return &tx, nil
}

func scanEvent(row pgx.Row) (*domain.Event, error) {
	var (
		e        domain.Event
		amount   string
		currency string
	)

	err := row.Scan(
		&e.ID, &e.TransactionID, &e.PSPReference, &e.OriginalPSPReference,
		&e.Type, &e.Status, &amount, &currency, &e.Name, &e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scanning event: %w", err)
	}

	m, err := money.Parse(amount, money.Currency(currency))
	if err != nil {
		return nil, fmt.Errorf("parsing event amount: %w", err)
	}
	e.Amount = m
	return &e, nil
}

func actionStrings(actions []domain.Action) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, string(a))
	}
	return out
}
