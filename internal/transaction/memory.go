package transaction

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/FxamarAboali/saleor/internal/common/database"
	"github.com/FxamarAboali/saleor/internal/transaction/domain"
)

// MemoryStore is an in-memory Store used in tests. It enforces the same
// terminal-event uniqueness the database does.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]*domain.Transaction
	opening      map[string]*domain.Transaction
	events       map[string][]*domain.Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*domain.Transaction),
		opening:      make(map[string]*domain.Transaction),
		events:       make(map[string][]*domain.Event),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateTransaction(_ context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[tx.ID]; ok {
		return fmt.Errorf("transaction %s: %w", tx.ID, database.ErrAlreadyExists)
	}
	if tx.PSPReference != "" {
		for _, other := range s.transactions {
			if other.PSPReference == tx.PSPReference {
				return fmt.Errorf("psp reference %s: %w", tx.PSPReference, database.ErrAlreadyExists)
			}
		}
	}

	s.transactions[tx.ID] = tx.Clone()
	s.opening[tx.ID] = tx.Clone()
	return nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return tx.Clone(), nil
}

func (s *MemoryStore) GetTransactionByPSPReference(_ context.Context, pspReference string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, tx := range s.transactions {
		if tx.PSPReference == pspReference {
			return tx.Clone(), nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *MemoryStore) GetOpeningState(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.opening[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return tx.Clone(), nil
}

func (s *MemoryStore) UpdateTransaction(_ context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[tx.ID]; !ok {
		return fmt.Errorf("transaction %s: %w", tx.ID, database.ErrNotFound)
	}
	s.transactions[tx.ID] = tx.Clone()
	return nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, limit, offset int) ([]*domain.Transaction, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*domain.Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		all = append(all, tx.Clone())
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (s *MemoryStore) ListEvents(_ context.Context, transactionID string) ([]*domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[transactionID]
	out := make([]*domain.Event, len(evs))
	for i, e := range evs {
		c := *e
		out[i] = &c
	}
	return out, nil
}

func (s *MemoryStore) CommitEvent(_ context.Context, tx *domain.Transaction, event *domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[tx.ID]; !ok {
		return fmt.Errorf("transaction %s: %w", tx.ID, database.ErrNotFound)
	}
	if event.Status.IsTerminal() {
		for _, e := range s.events[event.TransactionID] {
			if e.Status.IsTerminal() && e.PSPReference == event.PSPReference {
				return fmt.Errorf("event %s/%s: %w", event.TransactionID, event.PSPReference, database.ErrAlreadyExists)
			}
		}
	}

	c := *event
	s.events[event.TransactionID] = append(s.events[event.TransactionID], &c)
	s.transactions[tx.ID] = tx.Clone()
	return nil
}
