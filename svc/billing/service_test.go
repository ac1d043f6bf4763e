package billing_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/chatbilling/svc/billing"
)

type serviceFixture struct {
	service   *billing.Service
	accounts  *billing.MemoryAccountStore
	gateway   *mockGateway
	accountID uuid.UUID
}

func newServiceFixture(t *testing.T, account *billing.Account) *serviceFixture {
	t.Helper()

	accounts := billing.NewMemoryAccountStore()
	gateway := new(mockGateway)

	if account == nil {
		account = &billing.Account{ID: uuid.New(), Email: "user@example.com", Tier: billing.TierFree}
	}
	seedAccount(t, accounts, account)

	return &serviceFixture{
		service:   billing.NewService(testCatalog(t), accounts, gateway, nil, "https://app.test/success", "https://app.test/cancel"),
		accounts:  accounts,
		gateway:   gateway,
		accountID: account.ID,
	}
}

func TestServiceCheckout(t *testing.T) {
	t.Parallel()

	t.Run("creates session for known price", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t, nil)
		f.gateway.On("FindCustomerByEmail", mock.Anything, "user@example.com").
			Return(nil, billing.ErrCustomerNotFound)
		f.gateway.On("CreateCustomer", mock.Anything, "user@example.com", mock.Anything).
			Return(customerFor(f.accountID, "cus_1"), nil)
		f.gateway.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(p billing.CheckoutParams) bool {
			return p.CustomerID == "cus_1" && p.PriceID == testPricePro && p.SuccessURL == "https://app.test/success"
		})).Return(&billing.CheckoutSession{ID: "txn_1", URL: "https://pay.test/checkout"}, nil)

		url, err := f.service.Checkout(context.Background(), f.accountID, testPricePro)
		require.NoError(t, err)
		assert.Equal(t, "https://pay.test/checkout", url)

		account, err := f.accounts.Get(context.Background(), f.accountID)
		require.NoError(t, err)
		assert.Equal(t, "cus_1", account.CustomerID)
	})

	t.Run("rejects unknown price", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t, nil)
		_, err := f.service.Checkout(context.Background(), f.accountID, "pri_unknown")
		assert.ErrorIs(t, err, billing.ErrUnknownPlan)
		assert.Empty(t, f.gateway.Calls)
	})
}

func TestServiceCancel(t *testing.T) {
	t.Parallel()

	t.Run("schedules cancellation at period end", func(t *testing.T) {
		t.Parallel()

		id := uuid.New()
		f := newServiceFixture(t, &billing.Account{
			ID: id, Email: "user@example.com",
			Tier: billing.TierPro, Status: billing.StatusActive, CustomerID: "cus_1",
		})
		sub := activeSub("sub_1", "cus_1", testPricePro)
		f.gateway.On("ListActiveSubscriptions", mock.Anything, "cus_1").
			Return([]billing.ProviderSubscription{sub}, nil)
		f.gateway.On("CancelAtPeriodEnd", mock.Anything, "sub_1", true).
			Return(&sub, nil)

		require.NoError(t, f.service.Cancel(context.Background(), id))

		account, err := f.accounts.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, billing.StatePendingCancel, account.State())
		assert.True(t, account.IsActive(), "subscription stays usable until period end")
	})

	t.Run("no subscription to cancel", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t, nil)
		err := f.service.Cancel(context.Background(), f.accountID)
		assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	})
}

func TestServiceReactivate(t *testing.T) {
	t.Parallel()

	t.Run("withdraws pending cancellation", func(t *testing.T) {
		t.Parallel()

		id := uuid.New()
		f := newServiceFixture(t, &billing.Account{
			ID: id, Email: "user@example.com",
			Tier: billing.TierPro, Status: billing.StatusActive, Canceled: true, CustomerID: "cus_1",
		})
		sub := activeSub("sub_1", "cus_1", testPricePro)
		sub.CancelAtPeriodEnd = true
		f.gateway.On("ListActiveSubscriptions", mock.Anything, "cus_1").
			Return([]billing.ProviderSubscription{sub}, nil)
		f.gateway.On("CancelAtPeriodEnd", mock.Anything, "sub_1", false).
			Return(&sub, nil)

		require.NoError(t, f.service.Reactivate(context.Background(), id))

		account, err := f.accounts.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, billing.StateActive, account.State())
	})

	t.Run("rejects when nothing is pending", func(t *testing.T) {
		t.Parallel()

		id := uuid.New()
		f := newServiceFixture(t, &billing.Account{
			ID: id, Email: "user@example.com",
			Tier: billing.TierPro, Status: billing.StatusActive, CustomerID: "cus_1",
		})
		sub := activeSub("sub_1", "cus_1", testPricePro)
		f.gateway.On("ListActiveSubscriptions", mock.Anything, "cus_1").
			Return([]billing.ProviderSubscription{sub}, nil)

		err := f.service.Reactivate(context.Background(), id)
		assert.ErrorIs(t, err, billing.ErrNotPendingCancellation)
		f.gateway.AssertNotCalled(t, "CancelAtPeriodEnd", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestServiceChangePlan(t *testing.T) {
	t.Parallel()

	t.Run("upgrade invoices immediately", func(t *testing.T) {
		t.Parallel()

		id := uuid.New()
		f := newServiceFixture(t, &billing.Account{
			ID: id, Email: "user@example.com",
			Tier: billing.TierBasic, Status: billing.StatusActive, CustomerID: "cus_1",
		})
		sub := activeSub("sub_1", "cus_1", testPriceBasic)
		f.gateway.On("ListActiveSubscriptions", mock.Anything, "cus_1").
			Return([]billing.ProviderSubscription{sub}, nil)
		f.gateway.On("RetrievePrice", mock.Anything, testPriceBasic).
			Return(&billing.Price{ID: testPriceBasic, UnitAmount: 1000, Currency: "USD"}, nil)
		f.gateway.On("RetrievePrice", mock.Anything, testPricePro).
			Return(&billing.Price{ID: testPricePro, UnitAmount: 3000, Currency: "USD"}, nil)
		f.gateway.On("UpdateSubscriptionItems", mock.Anything, mock.MatchedBy(func(p billing.UpdateSubscriptionParams) bool {
			return p.SubscriptionID == "sub_1" &&
				p.PriceID == testPricePro &&
				p.Proration == billing.ProrationAlwaysInvoice &&
				!p.ClearCancelAtPeriodEnd
		})).Return(&sub, nil)

		result, err := f.service.ChangePlan(context.Background(), id, testPricePro)
		require.NoError(t, err)
		assert.True(t, result.Immediate)
	})

	t.Run("downgrade defers billing and clears pending cancel", func(t *testing.T) {
		t.Parallel()

		id := uuid.New()
		f := newServiceFixture(t, &billing.Account{
			ID: id, Email: "user@example.com",
			Tier: billing.TierPro, Status: billing.StatusActive, Canceled: true, CustomerID: "cus_1",
		})
		sub := activeSub("sub_1", "cus_1", testPricePro)
		sub.CancelAtPeriodEnd = true
		f.gateway.On("ListActiveSubscriptions", mock.Anything, "cus_1").
			Return([]billing.ProviderSubscription{sub}, nil)
		f.gateway.On("RetrievePrice", mock.Anything, testPricePro).
			Return(&billing.Price{ID: testPricePro, UnitAmount: 3000, Currency: "USD"}, nil)
		f.gateway.On("RetrievePrice", mock.Anything, testPriceBasic).
			Return(&billing.Price{ID: testPriceBasic, UnitAmount: 1000, Currency: "USD"}, nil)
		f.gateway.On("UpdateSubscriptionItems", mock.Anything, mock.MatchedBy(func(p billing.UpdateSubscriptionParams) bool {
			return p.Proration == billing.ProrationNone && p.ClearCancelAtPeriodEnd
		})).Return(&sub, nil)

		result, err := f.service.ChangePlan(context.Background(), id, testPriceBasic)
		require.NoError(t, err)
		assert.True(t, result.Immediate)

		account, err := f.accounts.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, billing.StateActive, account.State(), "downgrade withdraws a pending cancellation")
	})

	t.Run("no subscription falls back to checkout", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t, nil)
		f.gateway.On("FindCustomerByEmail", mock.Anything, "user@example.com").
			Return(nil, billing.ErrCustomerNotFound)
		f.gateway.On("CreateCustomer", mock.Anything, "user@example.com", mock.Anything).
			Return(customerFor(f.accountID, "cus_1"), nil)
		f.gateway.On("CreateCheckoutSession", mock.Anything, mock.Anything).
			Return(&billing.CheckoutSession{ID: "txn_1", URL: "https://pay.test/checkout"}, nil)

		result, err := f.service.ChangePlan(context.Background(), f.accountID, testPricePro)
		require.NoError(t, err)
		assert.False(t, result.Immediate)
		assert.Equal(t, "https://pay.test/checkout", result.CheckoutURL)
	})
}
