package billing

import (
	"context"
	"time"
)

// Correlation metadata keys stored on the external customer/subscription
// records. MetadataAccountID is the mechanism the reconciler uses to resolve
// the owning account for a webhook event.
const (
	MetadataAccountID     = "account_id"
	MetadataRequestKey    = "request_key"
	MetadataManualPayment = "manual_payment"
)

// Provider-reported subscription status values the core cares about.
const (
	SubStatusActive  = "active"
	SubStatusPastDue = "past_due"
	SubStatusUnpaid  = "unpaid"
	SubStatusCancel  = "canceled"
)

// Customer is the normalized external payment customer.
type Customer struct {
	ID       string
	Email    string
	Metadata map[string]string
	Deleted  bool
}

// ProviderSubscription is the normalized external subscription.
type ProviderSubscription struct {
	ID                 string
	CustomerID         string
	PriceID            string
	Status             string
	CancelAtPeriodEnd  bool
	CurrentPeriodEnd   time.Time
	LatestInvoiceID    string
	LatestInvoicePaid  bool
	Metadata           map[string]string
}

// Price is the normalized external price.
type Price struct {
	ID         string
	UnitAmount int64 // smallest currency unit
	Currency   string
}

// CheckoutSession is a hosted checkout session created at the gateway.
type CheckoutSession struct {
	ID  string
	URL string
}

// CollectionMethod selects how the gateway collects payment.
type CollectionMethod string

const (
	CollectionChargeAutomatically CollectionMethod = "charge_automatically"
	CollectionSendInvoice         CollectionMethod = "send_invoice"
)

// ProrationBehavior selects how the gateway prorates a plan change.
type ProrationBehavior string

const (
	ProrationAlwaysInvoice ProrationBehavior = "always_invoice"
	ProrationNone          ProrationBehavior = "none"
)

// CreateSubscriptionParams describes a direct (non-checkout) subscription.
type CreateSubscriptionParams struct {
	CustomerID         string
	PriceID            string
	CollectionMethod   CollectionMethod
	DaysUntilDue       int
	BillingCycleAnchor time.Time
	Proration          ProrationBehavior
	Metadata           map[string]string
}

// UpdateSubscriptionParams describes an in-place plan switch.
type UpdateSubscriptionParams struct {
	SubscriptionID         string
	PriceID                string
	Proration              ProrationBehavior
	ClearCancelAtPeriodEnd bool
}

// CheckoutParams describes a hosted checkout session request.
type CheckoutParams struct {
	CustomerID string
	PriceID    string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

// PaymentGateway is the external billing collaborator. Implementations wrap
// a provider SDK and normalize its types; the core never sees provider
// internals. All methods honor the context for timeout/cancellation.
type PaymentGateway interface {
	FindCustomerByEmail(ctx context.Context, email string) (*Customer, error)
	CreateCustomer(ctx context.Context, email string, metadata map[string]string) (*Customer, error)
	UpdateCustomerMetadata(ctx context.Context, customerID string, metadata map[string]string) (*Customer, error)
	// RetrieveCustomer returns ErrCustomerNotFound for unknown or deleted
	// upstream customers.
	RetrieveCustomer(ctx context.Context, customerID string) (*Customer, error)

	ListActiveSubscriptions(ctx context.Context, customerID string) ([]ProviderSubscription, error)
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error)
	// CreateSubscription returns ErrInvalidPlanConfiguration when the gateway
	// rejects the price id itself (catalog/gateway environment mismatch).
	CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*ProviderSubscription, error)
	UpdateSubscriptionItems(ctx context.Context, params UpdateSubscriptionParams) (*ProviderSubscription, error)
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*ProviderSubscription, error)

	// MarkInvoicePaidOutOfBand asserts that payment for the invoice happened
	// through an out-of-band channel.
	MarkInvoicePaidOutOfBand(ctx context.Context, invoiceID string) error
	RetrievePrice(ctx context.Context, priceID string) (*Price, error)

	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error)

	// VerifyWebhook validates the signature over the raw payload before any
	// parsing, returning ErrSignatureVerification on mismatch.
	VerifyWebhook(payload []byte, signature string) (*Event, error)
}
