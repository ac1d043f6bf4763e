package billing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmitrymomot/chatbilling/pkg/logger"
)

// ChangePlanResult reports how a plan change was applied. Immediate means the
// existing subscription was switched in place; otherwise the caller redirects
// the user to CheckoutURL.
type ChangePlanResult struct {
	CheckoutURL string
	Immediate   bool
}

// Service covers self-serve plan management: hosted checkout, cancellation
// at period end, reactivation, and in-place plan changes. Account state is
// mostly driven by webhook events; the service only records the transitions
// the gateway will not echo back in a useful way.
type Service struct {
	catalog    *Catalog
	accounts   AccountStore
	gateway    PaymentGateway
	log        *slog.Logger
	successURL string
	cancelURL  string
}

func NewService(catalog *Catalog, accounts AccountStore, gateway PaymentGateway, log *slog.Logger, successURL, cancelURL string) *Service {
	if catalog == nil {
		panic("billing: Catalog is required")
	}
	if accounts == nil {
		panic("billing: AccountStore is required")
	}
	if gateway == nil {
		panic("billing: PaymentGateway is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		catalog:    catalog,
		accounts:   accounts,
		gateway:    gateway,
		log:        log,
		successURL: successURL,
		cancelURL:  cancelURL,
	}
}

// Checkout creates a hosted checkout session for the given price and returns
// its URL. The price must be part of the catalog.
func (s *Service) Checkout(ctx context.Context, accountID uuid.UUID, priceID string) (string, error) {
	entry, err := s.catalog.Lookup(priceID)
	if err != nil {
		return "", err
	}

	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return "", err
	}

	customer, err := resolveOrCreateCustomer(ctx, s.gateway, account, map[string]string{
		MetadataAccountID: accountID.String(),
	})
	if err != nil {
		return "", err
	}
	if account.CustomerID != customer.ID {
		account.CustomerID = customer.ID
		if err := s.accounts.Save(ctx, account); err != nil {
			return "", err
		}
	}

	session, err := s.gateway.CreateCheckoutSession(ctx, CheckoutParams{
		CustomerID: customer.ID,
		PriceID:    entry.PriceID,
		SuccessURL: s.successURL,
		CancelURL:  s.cancelURL,
		Metadata:   map[string]string{MetadataAccountID: accountID.String()},
	})
	if err != nil {
		return "", err
	}

	s.log.InfoContext(ctx, "checkout session created",
		logger.AccountID(accountID), logger.Tier(entry.Tier), logger.PriceID(priceID))
	return session.URL, nil
}

// Cancel schedules cancellation at period end. The subscription and balance
// stay usable until the period rolls over.
func (s *Service) Cancel(ctx context.Context, accountID uuid.UUID) error {
	account, sub, err := s.activeSubscription(ctx, accountID)
	if err != nil {
		return err
	}

	if _, err := s.gateway.CancelAtPeriodEnd(ctx, sub.ID, true); err != nil {
		return err
	}

	account.SchedulePendingCancel()
	if err := s.accounts.Save(ctx, account); err != nil {
		return err
	}

	s.log.InfoContext(ctx, "subscription cancellation scheduled",
		logger.AccountID(accountID), logger.SubscriptionID(sub.ID))
	return nil
}

// Reactivate withdraws a pending cancellation before the period ends.
func (s *Service) Reactivate(ctx context.Context, accountID uuid.UUID) error {
	account, sub, err := s.activeSubscription(ctx, accountID)
	if err != nil {
		return err
	}
	if !sub.CancelAtPeriodEnd {
		return ErrNotPendingCancellation
	}

	if _, err := s.gateway.CancelAtPeriodEnd(ctx, sub.ID, false); err != nil {
		return err
	}

	account.ClearPendingCancel()
	if err := s.accounts.Save(ctx, account); err != nil {
		return err
	}

	s.log.InfoContext(ctx, "subscription reactivated",
		logger.AccountID(accountID), logger.SubscriptionID(sub.ID))
	return nil
}

// ChangePlan moves the account to a different price. Without a live
// subscription this falls back to hosted checkout. An upgrade (more
// expensive price) is invoiced immediately; a downgrade switches the item
// without proration and takes financial effect at renewal, also withdrawing
// any pending cancellation.
func (s *Service) ChangePlan(ctx context.Context, accountID uuid.UUID, priceID string) (*ChangePlanResult, error) {
	entry, err := s.catalog.Lookup(priceID)
	if err != nil {
		return nil, err
	}

	account, sub, err := s.activeSubscription(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			url, err := s.Checkout(ctx, accountID, priceID)
			if err != nil {
				return nil, err
			}
			return &ChangePlanResult{CheckoutURL: url}, nil
		}
		return nil, err
	}

	current, err := s.gateway.RetrievePrice(ctx, sub.PriceID)
	if err != nil {
		return nil, err
	}
	next, err := s.gateway.RetrievePrice(ctx, entry.PriceID)
	if err != nil {
		return nil, err
	}

	upgrade := next.UnitAmount > current.UnitAmount
	params := UpdateSubscriptionParams{
		SubscriptionID: sub.ID,
		PriceID:        entry.PriceID,
		Proration:      ProrationNone,
	}
	if upgrade {
		params.Proration = ProrationAlwaysInvoice
	} else {
		params.ClearCancelAtPeriodEnd = true
	}

	if _, err := s.gateway.UpdateSubscriptionItems(ctx, params); err != nil {
		return nil, err
	}

	if !upgrade && sub.CancelAtPeriodEnd {
		account.ClearPendingCancel()
		if err := s.accounts.Save(ctx, account); err != nil {
			return nil, err
		}
	}

	s.log.InfoContext(ctx, "plan change applied",
		logger.AccountID(accountID), logger.SubscriptionID(sub.ID),
		logger.PriceID(priceID), slog.Bool("upgrade", upgrade))
	return &ChangePlanResult{Immediate: true}, nil
}

// activeSubscription loads the account and its live gateway subscription.
func (s *Service) activeSubscription(ctx context.Context, accountID uuid.UUID) (*Account, *ProviderSubscription, error) {
	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, nil, err
	}
	if account.CustomerID == "" {
		return nil, nil, ErrSubscriptionNotFound
	}

	subs, err := s.gateway.ListActiveSubscriptions(ctx, account.CustomerID)
	if err != nil {
		return nil, nil, err
	}
	if len(subs) == 0 {
		return nil, nil, ErrSubscriptionNotFound
	}
	return account, &subs[0], nil
}
