package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/chatbilling/pkg/logger"
)

// DefaultLockTTL bounds how long a crashed activation can hold the account
// lock before another attempt may steal it.
const DefaultLockTTL = 5 * time.Minute

// RequestKey derives the stable idempotency key for an activation attempt.
// The same account activating via the same payment link always produces the
// same key, which is what makes gateway-side subscription reuse possible.
func RequestKey(accountID uuid.UUID, linkID string) string {
	return accountID.String() + ":" + linkID
}

// Coordinator runs manual invoice-based activations: a payment link id is
// exchanged for a send-invoice subscription at the gateway, the invoice is
// marked paid out of band, and the account is activated locally. Concurrency
// is controlled by a dedup window (load shedding) plus a durable conditional
// lock on the account (correctness).
type Coordinator struct {
	catalog  *Catalog
	accounts AccountStore
	balances BalanceStore
	gateway  PaymentGateway
	dedup    DedupGuard
	log      *slog.Logger
	lockTTL  time.Duration
	now      func() time.Time
}

func NewCoordinator(catalog *Catalog, accounts AccountStore, balances BalanceStore, gateway PaymentGateway, dedup DedupGuard, log *slog.Logger) *Coordinator {
	if catalog == nil {
		panic("billing: Catalog is required")
	}
	if accounts == nil {
		panic("billing: AccountStore is required")
	}
	if balances == nil {
		panic("billing: BalanceStore is required")
	}
	if gateway == nil {
		panic("billing: PaymentGateway is required")
	}
	if dedup == nil {
		panic("billing: DedupGuard is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		catalog:  catalog,
		accounts: accounts,
		balances: balances,
		gateway:  gateway,
		dedup:    dedup,
		log:      log,
		lockTTL:  DefaultLockTTL,
		now:      time.Now,
	}
}

// Activate processes a manual activation for the given payment link. The
// whole flow is idempotent per (account, link): duplicate concurrent calls
// get a typed error, duplicate sequential calls reuse the already-created
// gateway subscription instead of creating a second one.
func (c *Coordinator) Activate(ctx context.Context, accountID uuid.UUID, linkID string) error {
	// Validate the link before any side effect.
	priceID, ok := c.catalog.PriceForLink(linkID)
	if !ok {
		return ErrInvalidLink
	}
	entry, err := c.catalog.Lookup(priceID)
	if err != nil {
		return err
	}

	key := RequestKey(accountID, linkID)
	log := c.log.With(logger.AccountID(accountID), logger.RequestKey(key), logger.Tier(entry.Tier))

	// Dedup is best-effort: a backend failure degrades to lock-only
	// protection instead of rejecting the request.
	fresh, err := c.dedup.Begin(ctx, key)
	if err != nil {
		log.WarnContext(ctx, "dedup guard unavailable, relying on account lock", logger.Error(err))
	} else if !fresh {
		return ErrDuplicateRequest
	}

	if err := c.accounts.AcquireLock(ctx, accountID, key, c.now().Add(-c.lockTTL)); err != nil {
		c.forget(ctx, key, log)
		if !errors.Is(err, ErrLockNotAcquired) {
			return err
		}
		// The conditional write cannot tell us which branch failed.
		account, getErr := c.accounts.Get(ctx, accountID)
		if getErr != nil {
			return errors.Join(err, getErr)
		}
		if account.IsActive() {
			return ErrAlreadySubscribed
		}
		return ErrProcessingInProgress
	}

	if err := c.activate(ctx, accountID, entry, key, log); err != nil {
		if relErr := c.accounts.ReleaseLock(ctx, accountID); relErr != nil {
			log.ErrorContext(ctx, "failed to release activation lock", logger.Error(relErr))
		}
		c.forget(ctx, key, log)
		return err
	}

	if err := c.accounts.ReleaseLock(ctx, accountID); err != nil {
		// Activation committed; the stale lock expires via the TTL.
		log.ErrorContext(ctx, "failed to release activation lock after success", logger.Error(err))
	}
	return nil
}

// activate performs the gateway and store work under the held lock.
func (c *Coordinator) activate(ctx context.Context, accountID uuid.UUID, entry CatalogEntry, key string, log *slog.Logger) error {
	account, err := c.accounts.Get(ctx, accountID)
	if err != nil {
		return err
	}

	customer, err := resolveOrCreateCustomer(ctx, c.gateway, account, map[string]string{
		MetadataAccountID:  accountID.String(),
		MetadataRequestKey: key,
	})
	if err != nil {
		return err
	}
	if account.CustomerID != customer.ID {
		account.CustomerID = customer.ID
		if err := c.accounts.Save(ctx, account); err != nil {
			return err
		}
	}

	sub, err := c.ensureSubscription(ctx, customer.ID, entry, key, log)
	if err != nil {
		return err
	}

	if sub.LatestInvoiceID != "" && !sub.LatestInvoicePaid {
		if err := c.gateway.MarkInvoicePaidOutOfBand(ctx, sub.LatestInvoiceID); err != nil {
			return err
		}
	}

	// Strictly greater allowance today means this activation is a downgrade;
	// the richer balance survives until the period rolls over.
	isDowngrade := false
	if current, err := c.catalog.EntryForTier(account.Tier); err == nil {
		isDowngrade = current.TokenCredits > entry.TokenCredits
	}

	periodStart := c.now().UTC()
	periodEnd := sub.CurrentPeriodEnd
	if periodEnd.IsZero() {
		periodEnd = periodStart.AddDate(0, entry.DurationMonths, 0)
	}

	account.Activate(entry.Tier, periodStart, periodEnd)
	if err := c.accounts.Save(ctx, account); err != nil {
		return err
	}
	if !isDowngrade {
		if err := c.balances.Reset(ctx, accountID, entry.TokenCredits); err != nil {
			return err
		}
	}

	log.InfoContext(ctx, "manual activation completed",
		logger.SubscriptionID(sub.ID), slog.Bool("downgrade", isDowngrade))
	return nil
}

// ensureSubscription reuses a live subscription previously created for the
// same request key, otherwise creates a fresh send-invoice subscription.
func (c *Coordinator) ensureSubscription(ctx context.Context, customerID string, entry CatalogEntry, key string, log *slog.Logger) (*ProviderSubscription, error) {
	existing, err := c.gateway.ListActiveSubscriptions(ctx, customerID)
	if err != nil {
		return nil, err
	}
	for i := range existing {
		if existing[i].Metadata[MetadataRequestKey] == key {
			log.InfoContext(ctx, "reusing subscription from earlier attempt",
				logger.SubscriptionID(existing[i].ID))
			return &existing[i], nil
		}
	}

	return c.gateway.CreateSubscription(ctx, CreateSubscriptionParams{
		CustomerID:       customerID,
		PriceID:          entry.PriceID,
		CollectionMethod: CollectionSendInvoice,
		DaysUntilDue:     30,
		// Anchoring slightly ahead avoids an immediate cycle invoice racing
		// the out-of-band payment of the first one.
		BillingCycleAnchor: c.now().Add(time.Hour),
		Proration:          ProrationNone,
		Metadata: map[string]string{
			MetadataManualPayment: "true",
			MetadataRequestKey:    key,
		},
	})
}

// forget clears the dedup entry so a failed attempt does not block retry
// for the remainder of the window.
func (c *Coordinator) forget(ctx context.Context, key string, log *slog.Logger) {
	if err := c.dedup.Forget(ctx, key); err != nil {
		log.WarnContext(ctx, "failed to clear dedup entry", logger.Error(err))
	}
}

// resolveOrCreateCustomer returns the gateway customer for the account,
// preferring the cached id, falling back to an email lookup, and finally
// creating a new customer. Correlation metadata is written (or refreshed)
// so webhook events can always be resolved back to the account.
func resolveOrCreateCustomer(ctx context.Context, gw PaymentGateway, account *Account, metadata map[string]string) (*Customer, error) {
	if account.CustomerID != "" {
		customer, err := gw.RetrieveCustomer(ctx, account.CustomerID)
		switch {
		case errors.Is(err, ErrCustomerNotFound):
			// Cached id is stale upstream; fall through to re-resolution.
		case err != nil:
			return nil, err
		case customer.Deleted:
			// Archived upstream; fall through to re-resolution.
		default:
			return ensureCustomerMetadata(ctx, gw, customer, metadata)
		}
	}

	customer, err := gw.FindCustomerByEmail(ctx, account.Email)
	if err != nil && !errors.Is(err, ErrCustomerNotFound) {
		return nil, err
	}
	if customer != nil && !customer.Deleted {
		return ensureCustomerMetadata(ctx, gw, customer, metadata)
	}

	return gw.CreateCustomer(ctx, account.Email, metadata)
}

// ensureCustomerMetadata refreshes correlation metadata on the customer when
// any expected key is missing or stale.
func ensureCustomerMetadata(ctx context.Context, gw PaymentGateway, customer *Customer, metadata map[string]string) (*Customer, error) {
	stale := false
	for k, v := range metadata {
		if customer.Metadata[k] != v {
			stale = true
			break
		}
	}
	if !stale {
		return customer, nil
	}

	merged := make(map[string]string, len(customer.Metadata)+len(metadata))
	for k, v := range customer.Metadata {
		merged[k] = v
	}
	for k, v := range metadata {
		merged[k] = v
	}
	return gw.UpdateCustomerMetadata(ctx, customer.ID, merged)
}
