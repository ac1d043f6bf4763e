package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
	"github.com/PaddleHQ/paddle-go-sdk/v4/pkg/paddleerr"
)

// PaddleConfig holds configuration for the Paddle payment gateway.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY,required"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET,required"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}

// PaddleGateway implements PaymentGateway on top of the Paddle SDK. It
// normalizes Paddle's entities into the gateway types; nothing outside this
// file imports the SDK.
type PaddleGateway struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
}

func NewPaddleGateway(config PaddleConfig) (*PaddleGateway, error) {
	if config.APIKey == "" {
		return nil, errors.New("paddle API key is required")
	}
	if config.WebhookSecret == "" {
		return nil, errors.New("paddle webhook secret is required")
	}

	var client *paddle.SDK
	var err error
	switch strings.ToLower(config.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(config.APIKey)
	case "production", "":
		client, err = paddle.New(config.APIKey)
	default:
		return nil, fmt.Errorf("invalid paddle environment: %s", config.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &PaddleGateway{
		client:   client,
		verifier: paddle.NewWebhookVerifier(config.WebhookSecret),
	}, nil
}

func (g *PaddleGateway) FindCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	res, err := g.client.CustomersClient.ListCustomers(ctx, &paddle.ListCustomersRequest{
		Email: []string{email},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list paddle customers: %w", err)
	}

	var found *paddle.Customer
	if err := res.Iter(ctx, func(c *paddle.Customer) (bool, error) {
		found = c
		return false, nil
	}); err != nil {
		return nil, fmt.Errorf("failed to iterate paddle customers: %w", err)
	}
	if found == nil {
		return nil, ErrCustomerNotFound
	}
	return paddleCustomer(found), nil
}

func (g *PaddleGateway) CreateCustomer(ctx context.Context, email string, metadata map[string]string) (*Customer, error) {
	customer, err := g.client.CustomersClient.CreateCustomer(ctx, &paddle.CreateCustomerRequest{
		Email:      email,
		CustomData: toCustomData(metadata),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle customer: %w", err)
	}
	return paddleCustomer(customer), nil
}

func (g *PaddleGateway) UpdateCustomerMetadata(ctx context.Context, customerID string, metadata map[string]string) (*Customer, error) {
	customer, err := g.client.CustomersClient.UpdateCustomer(ctx, &paddle.UpdateCustomerRequest{
		CustomerID: customerID,
		CustomData: paddle.NewPatchField(toCustomData(metadata)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update paddle customer: %w", err)
	}
	return paddleCustomer(customer), nil
}

func (g *PaddleGateway) RetrieveCustomer(ctx context.Context, customerID string) (*Customer, error) {
	customer, err := g.client.CustomersClient.GetCustomer(ctx, &paddle.GetCustomerRequest{
		CustomerID: customerID,
	})
	if err != nil {
		if isPaddleNotFound(err) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("failed to get paddle customer: %w", err)
	}
	// Archived customers count as gone: callers must re-resolve instead of
	// attaching subscriptions to them.
	if customer.Status == paddle.StatusArchived {
		return nil, ErrCustomerNotFound
	}
	return paddleCustomer(customer), nil
}

func (g *PaddleGateway) ListActiveSubscriptions(ctx context.Context, customerID string) ([]ProviderSubscription, error) {
	res, err := g.client.SubscriptionsClient.ListSubscriptions(ctx, &paddle.ListSubscriptionsRequest{
		CustomerID: []string{customerID},
		Status:     []string{string(paddle.SubscriptionStatusActive)},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list paddle subscriptions: %w", err)
	}

	var subs []ProviderSubscription
	if err := res.Iter(ctx, func(s *paddle.Subscription) (bool, error) {
		subs = append(subs, *paddleSubscription(s))
		return true, nil
	}); err != nil {
		return nil, fmt.Errorf("failed to iterate paddle subscriptions: %w", err)
	}
	return subs, nil
}

func (g *PaddleGateway) RetrieveSubscription(ctx context.Context, subscriptionID string) (*ProviderSubscription, error) {
	sub, err := g.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{
		SubscriptionID: subscriptionID,
	})
	if err != nil {
		if isPaddleNotFound(err) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to get paddle subscription: %w", err)
	}
	return paddleSubscription(sub), nil
}

// CreateSubscription issues a manually-collected transaction for the price.
// Paddle materializes the subscription from the transaction, so the returned
// value carries the transaction id as the invoice to settle.
func (g *PaddleGateway) CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*ProviderSubscription, error) {
	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  params.PriceID,
		Quantity: 1,
	})

	// Paddle transactions carry no billing-cycle anchor or proration
	// controls: the materialized subscription takes its cycle from the
	// price's billing interval, and proration only exists on subscription
	// updates. BillingCycleAnchor and Proration are therefore dropped here.
	req := &paddle.CreateTransactionRequest{
		Items:      []paddle.CreateTransactionItems{*item},
		CustomerID: paddle.PtrTo(params.CustomerID),
		CustomData: toCustomData(params.Metadata),
	}
	if params.CollectionMethod == CollectionSendInvoice {
		req.CollectionMode = paddle.PtrTo(paddle.CollectionModeManual)
		req.BillingDetails = &paddle.BillingDetails{
			PaymentTerms: paddle.Duration{
				Interval:  paddle.IntervalDay,
				Frequency: params.DaysUntilDue,
			},
		}
	}

	txn, err := g.client.TransactionsClient.CreateTransaction(ctx, req)
	if err != nil {
		if isPaddleValidation(err) {
			return nil, errors.Join(ErrInvalidPlanConfiguration, err)
		}
		return nil, fmt.Errorf("failed to create paddle transaction: %w", err)
	}

	sub := &ProviderSubscription{
		CustomerID:      params.CustomerID,
		PriceID:         params.PriceID,
		Status:          SubStatusActive,
		LatestInvoiceID: txn.ID,
		Metadata:        params.Metadata,
	}
	if txn.SubscriptionID != nil {
		sub.ID = *txn.SubscriptionID
	}
	return sub, nil
}

func (g *PaddleGateway) UpdateSubscriptionItems(ctx context.Context, params UpdateSubscriptionParams) (*ProviderSubscription, error) {
	if params.ClearCancelAtPeriodEnd {
		if _, err := g.CancelAtPeriodEnd(ctx, params.SubscriptionID, false); err != nil {
			return nil, err
		}
	}

	item := paddle.NewUpdateSubscriptionItemsSubscriptionUpdateItemFromCatalog(&paddle.SubscriptionUpdateItemFromCatalog{
		PriceID:  params.PriceID,
		Quantity: 1,
	})

	mode := paddle.ProrationBillingModeDoNotBill
	if params.Proration == ProrationAlwaysInvoice {
		mode = paddle.ProrationBillingModeProratedImmediately
	}

	sub, err := g.client.SubscriptionsClient.UpdateSubscription(ctx, &paddle.UpdateSubscriptionRequest{
		SubscriptionID:       params.SubscriptionID,
		Items:                paddle.NewPatchField([]paddle.UpdateSubscriptionItems{*item}),
		ProrationBillingMode: paddle.NewPatchField(mode),
	})
	if err != nil {
		if isPaddleValidation(err) {
			return nil, errors.Join(ErrInvalidPlanConfiguration, err)
		}
		return nil, fmt.Errorf("failed to update paddle subscription: %w", err)
	}
	return paddleSubscription(sub), nil
}

func (g *PaddleGateway) CancelAtPeriodEnd(ctx context.Context, subscriptionID string, cancel bool) (*ProviderSubscription, error) {
	var sub *paddle.Subscription
	var err error
	if cancel {
		sub, err = g.client.SubscriptionsClient.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
			SubscriptionID: subscriptionID,
			EffectiveFrom:  paddle.PtrTo(paddle.EffectiveFromNextBillingPeriod),
		})
	} else {
		sub, err = g.client.SubscriptionsClient.UpdateSubscription(ctx, &paddle.UpdateSubscriptionRequest{
			SubscriptionID:  subscriptionID,
			ScheduledChange: paddle.NewNullPatchField[*paddle.SubscriptionScheduledChange](),
		})
	}
	if err != nil {
		if isPaddleNotFound(err) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("failed to update paddle cancellation: %w", err)
	}
	return paddleSubscription(sub), nil
}

// MarkInvoicePaidOutOfBand moves the manual transaction to billed so Paddle
// stops expecting payment collection through its own rails.
func (g *PaddleGateway) MarkInvoicePaidOutOfBand(ctx context.Context, invoiceID string) error {
	_, err := g.client.TransactionsClient.UpdateTransaction(ctx, &paddle.UpdateTransactionRequest{
		TransactionID: invoiceID,
		Status:        paddle.NewPatchField(paddle.TransactionStatusBilled),
	})
	if err != nil {
		return fmt.Errorf("failed to mark paddle transaction billed: %w", err)
	}
	return nil
}

func (g *PaddleGateway) RetrievePrice(ctx context.Context, priceID string) (*Price, error) {
	price, err := g.client.PricesClient.GetPrice(ctx, &paddle.GetPriceRequest{PriceID: priceID})
	if err != nil {
		if isPaddleNotFound(err) {
			return nil, ErrUnknownPlan
		}
		return nil, fmt.Errorf("failed to get paddle price: %w", err)
	}

	amount, err := strconv.ParseInt(price.UnitPrice.Amount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("unparseable paddle price amount %q: %w", price.UnitPrice.Amount, err)
	}
	return &Price{
		ID:         price.ID,
		UnitAmount: amount,
		Currency:   string(price.UnitPrice.CurrencyCode),
	}, nil
}

// CreateCheckoutSession creates a checkout transaction and returns its hosted
// checkout URL.
func (g *PaddleGateway) CreateCheckoutSession(ctx context.Context, params CheckoutParams) (*CheckoutSession, error) {
	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  params.PriceID,
		Quantity: 1,
	})

	req := &paddle.CreateTransactionRequest{
		Items:      []paddle.CreateTransactionItems{*item},
		CustomerID: paddle.PtrTo(params.CustomerID),
		CustomData: toCustomData(params.Metadata),
	}
	if params.SuccessURL != "" {
		req.Checkout = &paddle.TransactionCheckout{URL: paddle.PtrTo(params.SuccessURL)}
	}

	txn, err := g.client.TransactionsClient.CreateTransaction(ctx, req)
	if err != nil {
		if isPaddleValidation(err) {
			return nil, errors.Join(ErrInvalidPlanConfiguration, err)
		}
		return nil, fmt.Errorf("failed to create paddle checkout transaction: %w", err)
	}

	session := &CheckoutSession{ID: txn.ID}
	if txn.Checkout != nil && txn.Checkout.URL != nil {
		session.URL = *txn.Checkout.URL
	}
	if session.URL == "" {
		return nil, errors.New("no checkout URL returned from paddle")
	}
	return session, nil
}

// VerifyWebhook checks the signature over the raw payload, then normalizes
// the event. Parsing works off the generic JSON shape so new provider fields
// never break verification.
func (g *PaddleGateway) VerifyWebhook(payload []byte, signature string) (*Event, error) {
	req, err := http.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request for verification: %w", err)
	}
	req.Header.Set("Paddle-Signature", signature)

	valid, err := g.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(ErrSignatureVerification, err)
	}
	if !valid {
		return nil, ErrSignatureVerification
	}

	var raw struct {
		EventType string         `json:"event_type"`
		Data      map[string]any `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}

	ev := &Event{ProviderEvent: raw.EventType}
	switch raw.EventType {
	case "subscription.created":
		ev.Kind = EventSubscriptionCreated
		ev.Subscription = subscriptionFromWebhook(raw.Data)
	case "subscription.updated":
		ev.Kind = EventSubscriptionUpdated
		ev.Subscription = subscriptionFromWebhook(raw.Data)
	case "subscription.canceled":
		ev.Kind = EventSubscriptionDeleted
		ev.Subscription = subscriptionFromWebhook(raw.Data)
	case "transaction.completed":
		ev.Kind = EventInvoicePaid
		if id, ok := raw.Data["id"].(string); ok {
			ev.InvoiceID = id
		}
		if subID, ok := raw.Data["subscription_id"].(string); ok {
			ev.SubscriptionID = subID
		}
		// A recurring-origin transaction is a billing-cycle renewal.
		if origin, ok := raw.Data["origin"].(string); ok && origin == "subscription_recurring" {
			ev.BillingReason = BillingReasonCycle
		}
	case "transaction.paid", "transaction.ready":
		ev.Kind = EventCheckoutCompleted
	default:
		ev.Kind = EventUnhandled
	}
	return ev, nil
}

// subscriptionFromWebhook extracts the fields the reconciler needs from the
// generic webhook payload.
func subscriptionFromWebhook(data map[string]any) *ProviderSubscription {
	sub := &ProviderSubscription{Metadata: map[string]string{}}

	if id, ok := data["id"].(string); ok {
		sub.ID = id
	}
	if customerID, ok := data["customer_id"].(string); ok {
		sub.CustomerID = customerID
	}
	if status, ok := data["status"].(string); ok {
		sub.Status = normalizePaddleStatus(status)
	}
	if items, ok := data["items"].([]any); ok && len(items) > 0 {
		if item, ok := items[0].(map[string]any); ok {
			if price, ok := item["price"].(map[string]any); ok {
				if priceID, ok := price["id"].(string); ok {
					sub.PriceID = priceID
				}
			}
		}
	}
	if period, ok := data["current_billing_period"].(map[string]any); ok {
		if endsAt, ok := period["ends_at"].(string); ok {
			if t, err := time.Parse(time.RFC3339, endsAt); err == nil {
				sub.CurrentPeriodEnd = t
			}
		}
	}
	if change, ok := data["scheduled_change"].(map[string]any); ok {
		if action, ok := change["action"].(string); ok && action == "cancel" {
			sub.CancelAtPeriodEnd = true
		}
	}
	if customData, ok := data["custom_data"].(map[string]any); ok {
		for k, v := range customData {
			if s, ok := v.(string); ok {
				sub.Metadata[k] = s
			}
		}
	}
	return sub
}

// paddleCustomer normalizes an SDK customer.
func paddleCustomer(c *paddle.Customer) *Customer {
	return &Customer{
		ID:       c.ID,
		Email:    c.Email,
		Metadata: fromCustomData(c.CustomData),
		Deleted:  c.Status == paddle.StatusArchived,
	}
}

// paddleSubscription normalizes an SDK subscription.
func paddleSubscription(s *paddle.Subscription) *ProviderSubscription {
	sub := &ProviderSubscription{
		ID:         s.ID,
		CustomerID: s.CustomerID,
		Status:     normalizePaddleStatus(string(s.Status)),
		Metadata:   fromCustomData(s.CustomData),
	}
	if len(s.Items) > 0 {
		sub.PriceID = s.Items[0].Price.ID
	}
	if s.CurrentBillingPeriod != nil {
		if t, err := time.Parse(time.RFC3339, s.CurrentBillingPeriod.EndsAt); err == nil {
			sub.CurrentPeriodEnd = t
		}
	}
	if s.ScheduledChange != nil && s.ScheduledChange.Action == paddle.ScheduledChangeActionCancel {
		sub.CancelAtPeriodEnd = true
	}
	return sub
}

func normalizePaddleStatus(status string) string {
	switch strings.ToLower(status) {
	case "active", "trialing":
		return SubStatusActive
	case "past_due":
		return SubStatusPastDue
	case "paused", "unpaid":
		return SubStatusUnpaid
	case "canceled", "cancelled":
		return SubStatusCancel
	default:
		return status
	}
}

func toCustomData(metadata map[string]string) paddle.CustomData {
	if len(metadata) == 0 {
		return nil
	}
	data := make(paddle.CustomData, len(metadata))
	for k, v := range metadata {
		data[k] = v
	}
	return data
}

func fromCustomData(data paddle.CustomData) map[string]string {
	metadata := make(map[string]string, len(data))
	for k, v := range data {
		if s, ok := v.(string); ok {
			metadata[k] = s
		}
	}
	return metadata
}

// isPaddleNotFound reports whether the SDK error is an entity-not-found API
// error.
func isPaddleNotFound(err error) bool {
	var apiErr *paddleerr.Error
	return errors.As(err, &apiErr) && apiErr.Code == "entity_not_found"
}

// isPaddleValidation reports whether the SDK error is a request validation
// API error, which for our calls means the price id itself was rejected.
func isPaddleValidation(err error) bool {
	var apiErr *paddleerr.Error
	return errors.As(err, &apiErr) && strings.HasPrefix(apiErr.Code, "validation")
}
