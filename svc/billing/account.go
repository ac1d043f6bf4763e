package billing

import (
	"time"

	"github.com/google/uuid"
)

// Status is the persisted subscription status of an account.
type Status string

const (
	StatusNone           Status = ""
	StatusActive         Status = "ACTIVE"
	StatusActiveUntilEnd Status = "ACTIVE_UNTIL_END"
	StatusCanceled       Status = "CANCELED"
	StatusExpired        Status = "EXPIRED"
)

// State is the derived, tagged view over the stored status/canceled pair.
// All account mutations go through methods below, so illegal combinations
// (e.g. cancellation pending on an expired subscription) are not
// constructible through this package.
type State string

const (
	StateFree          State = "free"
	StateActive        State = "active"
	StatePendingCancel State = "pending_cancel"
	StateCanceled      State = "canceled"
	StateExpired       State = "expired"
)

// ProcessingLock is a short-lived mutual-exclusion marker guarding in-flight
// manual activation for an account.
type ProcessingLock struct {
	RequestKey string
	AcquiredAt time.Time
}

// Account is the per-user billing record. Accounts are created at user
// registration with tier FREE and are mutated only by the reconciler and the
// manual activation coordinator; they are never deleted here.
type Account struct {
	ID          uuid.UUID
	Email       string
	CustomerID  string // cached external payment-gateway customer id
	Tier        Tier
	Status      Status
	Canceled    bool // cancellation scheduled at period end; only meaningful while active
	PeriodStart *time.Time
	PeriodEnd   *time.Time
	Lock        *ProcessingLock
	UpdatedAt   time.Time
}

// State derives the tagged subscription state from the stored fields.
func (a *Account) State() State {
	switch {
	case a.Status == StatusCanceled:
		return StateCanceled
	case a.Status == StatusExpired:
		return StateExpired
	case a.Status == StatusActive && a.Canceled:
		return StatePendingCancel
	case a.Status == StatusActive || a.Status == StatusActiveUntilEnd:
		return StateActive
	default:
		return StateFree
	}
}

// IsActive reports whether the account currently has an active subscription.
func (a *Account) IsActive() bool {
	s := a.State()
	return s == StateActive || s == StatePendingCancel
}

// Activate applies a (re)activation: new tier, active status, fresh period.
// Any pending cancellation is cleared since the gateway reported the
// subscription as active.
func (a *Account) Activate(tier Tier, periodStart, periodEnd time.Time) {
	a.Tier = tier
	a.Status = StatusActive
	a.Canceled = false
	a.PeriodStart = &periodStart
	a.PeriodEnd = &periodEnd
}

// SchedulePendingCancel marks an active subscription to stop at period end.
// It is a no-op for accounts without an active subscription.
func (a *Account) SchedulePendingCancel() {
	if a.State() != StateActive {
		return
	}
	a.Canceled = true
}

// ClearPendingCancel removes a scheduled cancellation.
func (a *Account) ClearPendingCancel() {
	a.Canceled = false
}

// MarkCanceled records that the external subscription has actually stopped.
// The balance is intentionally untouched: the user keeps remaining credits
// until the subscription expires.
func (a *Account) MarkCanceled() {
	a.Status = StatusCanceled
	a.Canceled = true
}

// Expire drops the account back to the FREE tier and clears the period.
func (a *Account) Expire() {
	a.Tier = TierFree
	a.Status = StatusExpired
	a.Canceled = false
	a.PeriodStart = nil
	a.PeriodEnd = nil
}

// Balance is the token-credit balance of an account, keyed 1:1 with Account.
// TokenCredits is fully replaced on activation/renewal, never incremented.
type Balance struct {
	AccountID    uuid.UUID
	TokenCredits int64
}
