package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/chatbilling/pkg/logger"
)

// Reconciler translates external subscription lifecycle events into account
// and balance mutations. Each operation is idempotent with respect to
// re-delivery of the same logical event; there is no explicit locking, the
// handlers are a small number of writes keyed by account id with
// last-writer-wins semantics from the store.
type Reconciler struct {
	catalog  *Catalog
	accounts AccountStore
	balances BalanceStore
	gateway  PaymentGateway
	log      *slog.Logger
	now      func() time.Time
}

func NewReconciler(catalog *Catalog, accounts AccountStore, balances BalanceStore, gateway PaymentGateway, log *slog.Logger) *Reconciler {
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
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		catalog:  catalog,
		accounts: accounts,
		balances: balances,
		gateway:  gateway,
		log:      log,
		now:      time.Now,
	}
}

// resolveAccountID maps the external customer back to the owning account via
// correlation metadata. A missing or malformed account id is fatal for the
// event: it is surfaced to the webhook boundary, which returns a server
// error so the gateway redelivers per its own retry policy.
func (r *Reconciler) resolveAccountID(ctx context.Context, customerID string) (uuid.UUID, error) {
	customer, err := r.gateway.RetrieveCustomer(ctx, customerID)
	if err != nil {
		return uuid.Nil, err
	}

	raw := customer.Metadata[MetadataAccountID]
	if raw == "" {
		return uuid.Nil, errors.Join(ErrMissingCorrelation, fmt.Errorf("customer %s", customerID))
	}

	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.Join(ErrMissingCorrelation,
			fmt.Errorf("customer %s carries malformed account id %q", customerID, raw))
	}
	return id, nil
}

// OnCreated applies a subscription creation (or reactivation reported as
// active). A downgrade keeps the current balance so the user spends the
// remaining richer-tier credits until the period rolls over; anything else
// resets the balance to the new tier's full allowance.
func (r *Reconciler) OnCreated(ctx context.Context, sub ProviderSubscription) error {
	if sub.Status != SubStatusActive {
		r.log.InfoContext(ctx, "skipping non-active subscription",
			logger.SubscriptionID(sub.ID), slog.String("status", sub.Status))
		return nil
	}

	accountID, err := r.resolveAccountID(ctx, sub.CustomerID)
	if err != nil {
		return err
	}

	entry, err := r.catalog.Lookup(sub.PriceID)
	if err != nil {
		return err
	}

	account, err := r.accounts.Get(ctx, accountID)
	if err != nil {
		return err
	}

	// Strictly greater allowance today means this activation is a downgrade.
	isDowngrade := false
	if current, err := r.catalog.EntryForTier(account.Tier); err == nil {
		isDowngrade = current.TokenCredits > entry.TokenCredits
	}

	account.Activate(entry.Tier, r.now().UTC(), sub.CurrentPeriodEnd)
	if err := r.accounts.Save(ctx, account); err != nil {
		return err
	}

	if !isDowngrade {
		if err := r.balances.Reset(ctx, accountID, entry.TokenCredits); err != nil {
			return err
		}
	}

	r.log.InfoContext(ctx, "subscription activated",
		logger.AccountID(accountID), logger.Tier(entry.Tier),
		logger.SubscriptionID(sub.ID), slog.Bool("downgrade", isDowngrade))
	return nil
}

// OnRenewal resets the balance to the tier's full allowance. This is where a
// previously deferred downgrade takes effect: renewal always starts a fresh
// period. Account status/tier/dates are not altered here.
func (r *Reconciler) OnRenewal(ctx context.Context, sub ProviderSubscription) error {
	accountID, err := r.resolveAccountID(ctx, sub.CustomerID)
	if err != nil {
		return err
	}

	entry, err := r.catalog.Lookup(sub.PriceID)
	if err != nil {
		return err
	}

	if err := r.balances.Reset(ctx, accountID, entry.TokenCredits); err != nil {
		return err
	}

	r.log.InfoContext(ctx, "subscription renewed, balance reset",
		logger.AccountID(accountID), logger.Tier(entry.Tier), logger.SubscriptionID(sub.ID))
	return nil
}

// OnCanceled records that the external subscription has stopped. The balance
// is untouched: the user keeps remaining credits until expiry.
func (r *Reconciler) OnCanceled(ctx context.Context, sub ProviderSubscription) error {
	accountID, err := r.resolveAccountID(ctx, sub.CustomerID)
	if err != nil {
		return err
	}

	account, err := r.accounts.Get(ctx, accountID)
	if err != nil {
		return err
	}

	account.MarkCanceled()
	if err := r.accounts.Save(ctx, account); err != nil {
		return err
	}

	r.log.InfoContext(ctx, "subscription canceled",
		logger.AccountID(accountID), logger.SubscriptionID(sub.ID))
	return nil
}

// OnExpired drops the account to FREE and resets the balance to the FREE
// allowance, regardless of prior tier.
func (r *Reconciler) OnExpired(ctx context.Context, sub ProviderSubscription) error {
	accountID, err := r.resolveAccountID(ctx, sub.CustomerID)
	if err != nil {
		return err
	}

	account, err := r.accounts.Get(ctx, accountID)
	if err != nil {
		return err
	}

	account.Expire()
	if err := r.accounts.Save(ctx, account); err != nil {
		return err
	}

	free, err := r.catalog.EntryForTier(TierFree)
	if err != nil {
		return err
	}
	if err := r.balances.Reset(ctx, accountID, free.TokenCredits); err != nil {
		return err
	}

	r.log.InfoContext(ctx, "subscription expired",
		logger.AccountID(accountID), logger.SubscriptionID(sub.ID))
	return nil
}
