package billing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryAccountStore is an in-memory AccountStore for development and tests.
// The lock condition is evaluated under the mutex, mirroring the atomicity of
// the conditional update the Mongo store issues.
type MemoryAccountStore struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*Account
}

func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{accounts: make(map[uuid.UUID]*Account)}
}

func (s *MemoryAccountStore) Get(_ context.Context, id uuid.UUID) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return copyAccount(account), nil
}

func (s *MemoryAccountStore) Save(_ context.Context, account *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := copyAccount(account)
	// Saving never touches the lock; the lock is owned by Acquire/Release.
	if existing, ok := s.accounts[account.ID]; ok {
		stored.Lock = existing.Lock
	} else {
		stored.Lock = nil
	}
	s.accounts[account.ID] = stored
	return nil
}

func (s *MemoryAccountStore) AcquireLock(_ context.Context, id uuid.UUID, requestKey string, staleBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[id]
	if !ok {
		return ErrLockNotAcquired
	}
	if account.Status == StatusActive {
		return ErrLockNotAcquired
	}
	if account.Lock != nil && account.Lock.RequestKey != "" && !account.Lock.AcquiredAt.Before(staleBefore) {
		return ErrLockNotAcquired
	}
	account.Lock = &ProcessingLock{RequestKey: requestKey, AcquiredAt: time.Now().UTC()}
	return nil
}

func (s *MemoryAccountStore) ReleaseLock(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if account, ok := s.accounts[id]; ok {
		account.Lock = nil
	}
	return nil
}

func copyAccount(a *Account) *Account {
	cp := *a
	if a.PeriodStart != nil {
		v := *a.PeriodStart
		cp.PeriodStart = &v
	}
	if a.PeriodEnd != nil {
		v := *a.PeriodEnd
		cp.PeriodEnd = &v
	}
	if a.Lock != nil {
		v := *a.Lock
		cp.Lock = &v
	}
	return &cp
}

// MemoryBalanceStore is an in-memory BalanceStore for development and tests.
type MemoryBalanceStore struct {
	mu       sync.Mutex
	balances map[uuid.UUID]int64
}

func NewMemoryBalanceStore() *MemoryBalanceStore {
	return &MemoryBalanceStore{balances: make(map[uuid.UUID]int64)}
}

func (s *MemoryBalanceStore) Get(_ context.Context, accountID uuid.UUID) (*Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	credits, ok := s.balances[accountID]
	if !ok {
		return nil, ErrBalanceNotFound
	}
	return &Balance{AccountID: accountID, TokenCredits: credits}, nil
}

func (s *MemoryBalanceStore) Reset(_ context.Context, accountID uuid.UUID, tokenCredits int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.balances[accountID] = tokenCredits
	return nil
}
