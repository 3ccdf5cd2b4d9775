package ledger

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory ledger store for development mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]*Balance
	entries  []*Entry
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{balances: make(map[string]*Balance)}
}

func (m *MemoryStore) GetBalance(ctx context.Context, actorID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[actorID]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{ActorID: actorID}, nil
}

func (m *MemoryStore) Credit(ctx context.Context, entry *Entry) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balanceLocked(entry.ActorID)
	bal.Available += entry.Amount
	bal.TotalIn += entry.Amount
	bal.UpdatedAt = entry.CreatedAt
	m.appendLocked(entry, bal.Available)

	cp := *bal
	return &cp, nil
}

func (m *MemoryStore) Debit(ctx context.Context, entry *Entry) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bal, ok := m.balances[entry.ActorID]
	if !ok || bal.Available < entry.Amount {
		return nil, ErrInsufficientBalance
	}
	bal.Available -= entry.Amount
	bal.TotalOut += entry.Amount
	bal.UpdatedAt = entry.CreatedAt
	m.appendLocked(entry, bal.Available)

	cp := *bal
	return &cp, nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, actorID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].ActorID == actorID {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) SumBalances(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, bal := range m.balances {
		total += bal.Available
	}
	return total, nil
}

func (m *MemoryStore) SumDeposits(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, e := range m.entries {
		if e.Type == EntryDeposit {
			total += e.Amount
		}
	}
	return total, nil
}

func (m *MemoryStore) balanceLocked(actorID string) *Balance {
	bal, ok := m.balances[actorID]
	if !ok {
		bal = &Balance{ActorID: actorID}
		m.balances[actorID] = bal
	}
	return bal
}

func (m *MemoryStore) appendLocked(entry *Entry, balance int64) {
	cp := *entry
	cp.Balance = balance
	entry.Balance = balance
	m.entries = append(m.entries, &cp)
}
