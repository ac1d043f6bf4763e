package billing

import "errors"

var (
	// Catalog / configuration errors. These indicate deployment
	// misconfiguration and must never be retried automatically.
	ErrUnknownPlan              = errors.New("unknown subscription plan")
	ErrUnknownTier              = errors.New("unknown subscription tier")
	ErrInvalidCatalog           = errors.New("invalid subscription catalog")
	ErrInvalidPlanConfiguration = errors.New("subscription plan not configured at payment gateway")

	// Correlation errors. The external customer record does not carry the
	// metadata linking it back to a local account; the event is rejected back
	// to the gateway's redelivery mechanism instead of being dropped.
	ErrMissingCorrelation = errors.New("payment customer is missing account correlation metadata")

	// Manual activation errors.
	ErrInvalidLink          = errors.New("unknown activation link")
	ErrDuplicateRequest     = errors.New("duplicate activation request")
	ErrProcessingInProgress = errors.New("activation already in progress for this account")
	ErrAlreadySubscribed    = errors.New("account already has an active subscription")
	ErrLockNotAcquired      = errors.New("processing lock not acquired")

	// Not-found errors.
	ErrAccountNotFound      = errors.New("account not found")
	ErrBalanceNotFound      = errors.New("balance not found")
	ErrCustomerNotFound     = errors.New("payment customer not found")
	ErrSubscriptionNotFound = errors.New("no active subscription found")

	// Plan management errors.
	ErrNotPendingCancellation = errors.New("subscription is not scheduled for cancellation")

	// Webhook errors.
	ErrSignatureVerification = errors.New("webhook signature verification failed")
)
