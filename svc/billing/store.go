package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AccountStore defines persistence for billing accounts.
type AccountStore interface {
	// Get retrieves an account by id. Returns ErrAccountNotFound if missing.
	Get(ctx context.Context, id uuid.UUID) (*Account, error)

	// Save creates or updates an account record.
	Save(ctx context.Context, account *Account) error

	// AcquireLock atomically sets the processing lock for the account, but
	// only if the account does not have an active subscription AND no live
	// lock is held (absent, empty, or acquired before staleBefore). This
	// single conditional write is the sole source of cross-process mutual
	// exclusion for manual activation. Returns ErrLockNotAcquired when the
	// condition does not match; the caller re-reads the account to decide
	// whether the cause is an active subscription or a concurrent activation.
	AcquireLock(ctx context.Context, id uuid.UUID, requestKey string, staleBefore time.Time) error

	// ReleaseLock clears the processing lock unconditionally. Safe to call
	// when no lock is held.
	ReleaseLock(ctx context.Context, id uuid.UUID) error
}

// BalanceStore defines persistence for token-credit balances.
type BalanceStore interface {
	// Get retrieves the balance for an account. Returns ErrBalanceNotFound
	// if missing.
	Get(ctx context.Context, accountID uuid.UUID) (*Balance, error)

	// Reset replaces the balance with the given allowance, creating the
	// record if it does not exist. Replacement (not increment) keeps repeated
	// delivery of the same renewal event idempotent.
	Reset(ctx context.Context, accountID uuid.UUID, tokenCredits int64) error
}
