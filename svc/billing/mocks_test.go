package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/chatbilling/svc/billing"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) FindCustomerByEmail(ctx context.Context, email string) (*billing.Customer, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Customer), args.Error(1)
}

func (m *mockGateway) CreateCustomer(ctx context.Context, email string, metadata map[string]string) (*billing.Customer, error) {
	args := m.Called(ctx, email, metadata)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Customer), args.Error(1)
}

func (m *mockGateway) UpdateCustomerMetadata(ctx context.Context, customerID string, metadata map[string]string) (*billing.Customer, error) {
	args := m.Called(ctx, customerID, metadata)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Customer), args.Error(1)
}

func (m *mockGateway) RetrieveCustomer(ctx context.Context, customerID string) (*billing.Customer, error) {
	args := m.Called(ctx, customerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Customer), args.Error(1)
}

func (m *mockGateway) ListActiveSubscriptions(ctx context.Context, customerID string) ([]billing.ProviderSubscription, error) {
	args := m.Called(ctx, customerID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]billing.ProviderSubscription), args.Error(1)
}

func (m *mockGateway) RetrieveSubscription(ctx context.Context, subscriptionID string) (*billing.ProviderSubscription, error) {
	args := m.Called(ctx, subscriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.ProviderSubscription), args.Error(1)
}

func (m *mockGateway) CreateSubscription(ctx context.Context, params billing.CreateSubscriptionParams) (*billing.ProviderSubscription, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.ProviderSubscription), args.Error(1)
}

func (m *mockGateway) UpdateSubscriptionItems(ctx context.Context, params billing.UpdateSubscriptionParams) (*billing.ProviderSubscription, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.ProviderSubscription), args.Error(1)
}

func (m *mockGateway) CancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*billing.ProviderSubscription, error) {
	args := m.Called(ctx, subscriptionID, cancel)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.ProviderSubscription), args.Error(1)
}

func (m *mockGateway) MarkInvoicePaidOutOfBand(ctx context.Context, invoiceID string) error {
	args := m.Called(ctx, invoiceID)
	return args.Error(0)
}

func (m *mockGateway) RetrievePrice(ctx context.Context, priceID string) (*billing.Price, error) {
	args := m.Called(ctx, priceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Price), args.Error(1)
}

func (m *mockGateway) CreateCheckoutSession(ctx context.Context, params billing.CheckoutParams) (*billing.CheckoutSession, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.CheckoutSession), args.Error(1)
}

func (m *mockGateway) VerifyWebhook(payload []byte, signature string) (*billing.Event, error) {
	args := m.Called(payload, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*billing.Event), args.Error(1)
}

// Test helpers

const (
	testPriceBasic   = "pri_basic"
	testPricePro     = "pri_pro"
	testPriceProPlus = "pri_proplus"
)

func testCatalogData() billing.CatalogData {
	return billing.CatalogData{
		Entries: []billing.CatalogEntry{
			{Tier: billing.TierFree, TokenCredits: 20000},
			{Tier: billing.TierBasic, PriceID: testPriceBasic, TokenCredits: 350000, DurationMonths: 1},
			{Tier: billing.TierPro, PriceID: testPricePro, TokenCredits: 1000000, DurationMonths: 1},
			{Tier: billing.TierProPlus, PriceID: testPriceProPlus, TokenCredits: 3000000, DurationMonths: 1},
		},
		ManualLinks: map[string]string{
			"basic-invite": testPriceBasic,
			"pro-invite":   testPricePro,
		},
	}
}

func testCatalog(t *testing.T) *billing.Catalog {
	t.Helper()
	catalog, err := billing.NewCatalog(context.Background(), billing.StaticSource{Data: testCatalogData()})
	require.NoError(t, err)
	return catalog
}

func seedAccount(t *testing.T, store *billing.MemoryAccountStore, account *billing.Account) {
	t.Helper()
	require.NoError(t, store.Save(context.Background(), account))
}

func customerFor(accountID uuid.UUID, customerID string) *billing.Customer {
	return &billing.Customer{
		ID:       customerID,
		Email:    "user@example.com",
		Metadata: map[string]string{billing.MetadataAccountID: accountID.String()},
	}
}

func activeSub(id, customerID, priceID string) billing.ProviderSubscription {
	return billing.ProviderSubscription{
		ID:               id,
		CustomerID:       customerID,
		PriceID:          priceID,
		Status:           billing.SubStatusActive,
		CurrentPeriodEnd: time.Now().Add(30 * 24 * time.Hour).UTC(),
	}
}
