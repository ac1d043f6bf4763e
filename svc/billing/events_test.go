package billing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/chatbilling/svc/billing"
)

type dispatcherFixture struct {
	dispatcher *billing.Dispatcher
	accounts   *billing.MemoryAccountStore
	balances   *billing.MemoryBalanceStore
	gateway    *mockGateway
	accountID  uuid.UUID
}

func newDispatcherFixture(t *testing.T, account *billing.Account) *dispatcherFixture {
	t.Helper()

	accounts := billing.NewMemoryAccountStore()
	balances := billing.NewMemoryBalanceStore()
	gateway := new(mockGateway)

	if account == nil {
		account = &billing.Account{ID: uuid.New(), Email: "user@example.com", Tier: billing.TierFree}
	}
	seedAccount(t, accounts, account)

	reconciler := billing.NewReconciler(testCatalog(t), accounts, balances, gateway, nil)
	return &dispatcherFixture{
		dispatcher: billing.NewDispatcher(reconciler, gateway, nil),
		accounts:   accounts,
		balances:   balances,
		gateway:    gateway,
		accountID:  account.ID,
	}
}

func TestDispatcher(t *testing.T) {
	t.Parallel()

	t.Run("created event activates account", func(t *testing.T) {
		t.Parallel()

		f := newDispatcherFixture(t, nil)
		f.gateway.On("RetrieveCustomer", mock.Anything, "cus_1").
			Return(customerFor(f.accountID, "cus_1"), nil)

		sub := activeSub("sub_1", "cus_1", testPricePro)
		err := f.dispatcher.Dispatch(context.Background(), &billing.Event{
			Kind:         billing.EventSubscriptionCreated,
			Subscription: &sub,
		})
		require.NoError(t, err)

		account, err := f.accounts.Get(context.Background(), f.accountID)
		require.NoError(t, err)
		assert.Equal(t, billing.StateActive, account.State())
	})

	t.Run("checkout completed is acknowledged without mutation", func(t *testing.T) {
		t.Parallel()

		f := newDispatcherFixture(t, nil)
		err := f.dispatcher.Dispatch(context.Background(), &billing.Event{
			Kind:          billing.EventCheckoutCompleted,
			ProviderEvent: "transaction.paid",
		})
		require.NoError(t, err)
		assert.Empty(t, f.gateway.Calls)
	})

	t.Run("invoice paid for billing cycle triggers renewal", func(t *testing.T) {
		t.Parallel()

		id := uuid.New()
		f := newDispatcherFixture(t, &billing.Account{
			ID: id, Email: "user@example.com",
			Tier: billing.TierBasic, Status: billing.StatusActive,
		})
		require.NoError(t, f.balances.Reset(context.Background(), id, 10))

		sub := activeSub("sub_1", "cus_1", testPriceBasic)
		f.gateway.On("RetrieveSubscription", mock.Anything, "sub_1").Return(&sub, nil)
		f.gateway.On("RetrieveCustomer", mock.Anything, "cus_1").
			Return(customerFor(id, "cus_1"), nil)

		err := f.dispatcher.Dispatch(context.Background(), &billing.Event{
			Kind:           billing.EventInvoicePaid,
			SubscriptionID: "sub_1",
			BillingReason:  billing.BillingReasonCycle,
		})
		require.NoError(t, err)

		balance, err := f.balances.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, int64(350000), balance.TokenCredits)
	})

	t.Run("invoice paid outside billing cycle is ignored", func(t *testing.T) {
		t.Parallel()

		f := newDispatcherFixture(t, nil)

		err := f.dispatcher.Dispatch(context.Background(), &billing.Event{
			Kind:           billing.EventInvoicePaid,
			SubscriptionID: "sub_1",
			BillingReason:  "subscription_create",
		})
		require.NoError(t, err)
		assert.Empty(t, f.gateway.Calls)

		err = f.dispatcher.Dispatch(context.Background(), &billing.Event{
			Kind:          billing.EventInvoicePaid,
			BillingReason: billing.BillingReasonCycle,
		})
		require.NoError(t, err)
		assert.Empty(t, f.gateway.Calls)
	})

	t.Run("deleted event marks account canceled", func(t *testing.T) {
		t.Parallel()

		id := uuid.New()
		f := newDispatcherFixture(t, &billing.Account{
			ID: id, Email: "user@example.com",
			Tier: billing.TierPro, Status: billing.StatusActive,
		})
		f.gateway.On("RetrieveCustomer", mock.Anything, "cus_1").
			Return(customerFor(id, "cus_1"), nil)

		sub := activeSub("sub_1", "cus_1", testPricePro)
		err := f.dispatcher.Dispatch(context.Background(), &billing.Event{
			Kind:         billing.EventSubscriptionDeleted,
			Subscription: &sub,
		})
		require.NoError(t, err)

		account, err := f.accounts.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, billing.StateCanceled, account.State())
	})

	t.Run("updated event with scheduled cancellation is a no-op", func(t *testing.T) {
		t.Parallel()

		f := newDispatcherFixture(t, nil)

		sub := activeSub("sub_1", "cus_1", testPricePro)
		sub.CancelAtPeriodEnd = true
		err := f.dispatcher.Dispatch(context.Background(), &billing.Event{
			Kind:         billing.EventSubscriptionUpdated,
			Subscription: &sub,
		})
		require.NoError(t, err)
		assert.Empty(t, f.gateway.Calls)
	})

	t.Run("updated event with unpaid status expires account", func(t *testing.T) {
		t.Parallel()

		id := uuid.New()
		f := newDispatcherFixture(t, &billing.Account{
			ID: id, Email: "user@example.com",
			Tier: billing.TierPro, Status: billing.StatusActive,
		})
		f.gateway.On("RetrieveCustomer", mock.Anything, "cus_1").
			Return(customerFor(id, "cus_1"), nil)

		sub := activeSub("sub_1", "cus_1", testPricePro)
		sub.Status = billing.SubStatusUnpaid
		err := f.dispatcher.Dispatch(context.Background(), &billing.Event{
			Kind:         billing.EventSubscriptionUpdated,
			Subscription: &sub,
		})
		require.NoError(t, err)

		account, err := f.accounts.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, billing.StateExpired, account.State())
		assert.Equal(t, billing.TierFree, account.Tier)
	})

	t.Run("unhandled event kinds are acknowledged", func(t *testing.T) {
		t.Parallel()

		f := newDispatcherFixture(t, nil)
		err := f.dispatcher.Dispatch(context.Background(), &billing.Event{
			Kind:          billing.EventUnhandled,
			ProviderEvent: "customer.updated",
		})
		require.NoError(t, err)
	})

	t.Run("handler errors propagate", func(t *testing.T) {
		t.Parallel()

		f := newDispatcherFixture(t, nil)
		f.gateway.On("RetrieveCustomer", mock.Anything, "cus_1").
			Return(nil, errors.New("gateway down"))

		sub := activeSub("sub_1", "cus_1", testPricePro)
		err := f.dispatcher.Dispatch(context.Background(), &billing.Event{
			Kind:         billing.EventSubscriptionCreated,
			Subscription: &sub,
		})
		assert.Error(t, err)
	})
}
