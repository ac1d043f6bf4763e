package billing

import (
	"context"
	"log/slog"

	"github.com/dmitrymomot/chatbilling/pkg/logger"
)

// EventKind is the closed set of normalized webhook event kinds. Gateway
// adapters map their provider-specific event names to these at the edge, so
// the dispatcher switches over an enumerated type instead of raw strings.
type EventKind string

const (
	EventCheckoutCompleted   EventKind = "checkout_completed"
	EventSubscriptionCreated EventKind = "subscription_created"
	EventSubscriptionUpdated EventKind = "subscription_updated"
	EventSubscriptionDeleted EventKind = "subscription_deleted"
	EventInvoicePaid         EventKind = "invoice_paid"
	EventUnhandled           EventKind = "unhandled"
)

// BillingReasonCycle marks an invoice issued for a recurring billing cycle,
// i.e. a renewal rather than the first payment.
const BillingReasonCycle = "subscription_cycle"

// Event is a normalized, signature-verified webhook event.
type Event struct {
	Kind          EventKind
	ProviderEvent string // original provider event name, for logging
	Subscription  *ProviderSubscription
	// Invoice fields, set for EventInvoicePaid.
	InvoiceID      string
	SubscriptionID string
	BillingReason  string
}

// Dispatcher routes verified webhook events to the reconciler. Unhandled
// event kinds are logged and ignored; any handler error is propagated so the
// HTTP boundary returns 5xx and the gateway redelivers.
type Dispatcher struct {
	reconciler *Reconciler
	gateway    PaymentGateway
	log        *slog.Logger
}

func NewDispatcher(reconciler *Reconciler, gateway PaymentGateway, log *slog.Logger) *Dispatcher {
	if reconciler == nil {
		panic("billing: Reconciler is required")
	}
	if gateway == nil {
		panic("billing: PaymentGateway is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{reconciler: reconciler, gateway: gateway, log: log}
}

// Dispatch applies a single event. Events for the same subscription are not
// guaranteed to arrive in order; each handler is idempotent for re-delivery
// of the same logical event, but a stale "created" replay after a genuine
// cancellation is a known gap of at-least-once, unordered delivery.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) error {
	switch ev.Kind {
	case EventCheckoutCompleted:
		// Account mutation happens on the subscription-created event.
		d.log.InfoContext(ctx, "checkout session completed", logger.EventType(ev.ProviderEvent))
		return nil

	case EventSubscriptionCreated:
		return d.reconciler.OnCreated(ctx, *ev.Subscription)

	case EventSubscriptionDeleted:
		return d.reconciler.OnCanceled(ctx, *ev.Subscription)

	case EventInvoicePaid:
		// Only renewal invoices of subscriptions reset the balance; the first
		// payment is covered by the created event.
		if ev.SubscriptionID == "" || ev.BillingReason != BillingReasonCycle {
			return nil
		}
		sub, err := d.gateway.RetrieveSubscription(ctx, ev.SubscriptionID)
		if err != nil {
			return err
		}
		return d.reconciler.OnRenewal(ctx, *sub)

	case EventSubscriptionUpdated:
		sub := ev.Subscription
		if sub.CancelAtPeriodEnd {
			// Already recorded by the cancel endpoint; the subscription stays
			// active until period end.
			d.log.InfoContext(ctx, "subscription scheduled for cancellation",
				logger.SubscriptionID(sub.ID))
			return nil
		}
		switch sub.Status {
		case SubStatusActive:
			return d.reconciler.OnCreated(ctx, *sub)
		case SubStatusCancel:
			return d.reconciler.OnCanceled(ctx, *sub)
		case SubStatusUnpaid, SubStatusPastDue:
			return d.reconciler.OnExpired(ctx, *sub)
		default:
			d.log.InfoContext(ctx, "ignoring subscription update",
				logger.SubscriptionID(sub.ID), slog.String("status", sub.Status))
			return nil
		}

	case EventUnhandled:
		d.log.InfoContext(ctx, "unhandled webhook event", logger.EventType(ev.ProviderEvent))
		return nil

	default:
		d.log.InfoContext(ctx, "unhandled webhook event kind",
			slog.String("kind", string(ev.Kind)), logger.EventType(ev.ProviderEvent))
		return nil
	}
}
