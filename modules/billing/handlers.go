package billing

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/chatbilling/core"
	"github.com/dmitrymomot/chatbilling/pkg/logger"
	"github.com/dmitrymomot/chatbilling/svc/billing"
)

// DefaultSignatureHeader is where the payment provider puts the webhook
// signature.
const DefaultSignatureHeader = "Paddle-Signature"

// Handler exposes the billing HTTP surface.
type Handler struct {
	service     *billing.Service
	coordinator *billing.Coordinator
	dispatcher  *billing.Dispatcher
	gateway     billing.PaymentGateway
	log         *slog.Logger
	sigHeader   string
}

func NewHandler(service *billing.Service, coordinator *billing.Coordinator, dispatcher *billing.Dispatcher, gateway billing.PaymentGateway, log *slog.Logger) *Handler {
	if service == nil {
		panic("billing: Service is required")
	}
	if coordinator == nil {
		panic("billing: Coordinator is required")
	}
	if dispatcher == nil {
		panic("billing: Dispatcher is required")
	}
	if gateway == nil {
		panic("billing: PaymentGateway is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		service:     service,
		coordinator: coordinator,
		dispatcher:  dispatcher,
		gateway:     gateway,
		log:         log,
		sigHeader:   DefaultSignatureHeader,
	}
}

type checkoutRequest struct {
	PriceID string `json:"price_id"`
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	identity, _ := AccountFromContext(r.Context())

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PriceID == "" {
		core.JSONError(w, core.ErrBadRequest.WithMessage("price_id is required"))
		return
	}

	url, err := h.service.Checkout(r.Context(), identity.ID, req.PriceID)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	core.JSONData(w, map[string]string{"checkout_url": url})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	identity, _ := AccountFromContext(r.Context())

	if err := h.service.Cancel(r.Context(), identity.ID); err != nil {
		h.renderError(w, r, err)
		return
	}
	core.JSONMessage(w, "subscription will be canceled at period end")
}

func (h *Handler) reactivate(w http.ResponseWriter, r *http.Request) {
	identity, _ := AccountFromContext(r.Context())

	if err := h.service.Reactivate(r.Context(), identity.ID); err != nil {
		h.renderError(w, r, err)
		return
	}
	core.JSONMessage(w, "subscription reactivated")
}

func (h *Handler) changePlan(w http.ResponseWriter, r *http.Request) {
	identity, _ := AccountFromContext(r.Context())

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PriceID == "" {
		core.JSONError(w, core.ErrBadRequest.WithMessage("price_id is required"))
		return
	}

	result, err := h.service.ChangePlan(r.Context(), identity.ID, req.PriceID)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	if result.Immediate {
		core.JSONMessage(w, "plan changed")
		return
	}
	core.JSONData(w, map[string]string{"checkout_url": result.CheckoutURL})
}

func (h *Handler) manualActivate(w http.ResponseWriter, r *http.Request) {
	identity, _ := AccountFromContext(r.Context())
	linkID := chi.URLParam(r, "linkID")

	if err := h.coordinator.Activate(r.Context(), identity.ID, linkID); err != nil {
		h.renderError(w, r, err)
		return
	}
	core.JSONMessage(w, "subscription activated")
}

// webhook verifies the provider signature over the raw body, then dispatches
// the event. A handler failure returns 5xx so the provider redelivers.
func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		core.JSONError(w, core.ErrBadRequest)
		return
	}

	event, err := h.gateway.VerifyWebhook(payload, r.Header.Get(h.sigHeader))
	if err != nil {
		h.log.WarnContext(r.Context(), "webhook rejected", logger.Error(err))
		core.JSONError(w, core.ErrBadRequest.WithMessage("invalid webhook"))
		return
	}

	if err := h.dispatcher.Dispatch(r.Context(), event); err != nil {
		h.log.ErrorContext(r.Context(), "webhook processing failed",
			logger.EventType(event.ProviderEvent), logger.Error(err))
		core.JSONError(w, core.ErrInternalServerError)
		return
	}
	core.JSONData(w, map[string]bool{"received": true})
}

// renderError maps domain errors to HTTP errors. Unclassified errors fall
// through to 500 without leaking internals.
func (h *Handler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, billing.ErrInvalidLink),
		errors.Is(err, billing.ErrUnknownPlan),
		errors.Is(err, billing.ErrUnknownTier),
		errors.Is(err, billing.ErrNotPendingCancellation),
		errors.Is(err, billing.ErrInvalidPlanConfiguration):
		core.JSONError(w, core.ErrBadRequest.WithMessage(err.Error()))

	case errors.Is(err, billing.ErrAccountNotFound),
		errors.Is(err, billing.ErrSubscriptionNotFound),
		errors.Is(err, billing.ErrCustomerNotFound),
		errors.Is(err, billing.ErrBalanceNotFound):
		core.JSONError(w, core.ErrNotFound.WithMessage(err.Error()))

	case errors.Is(err, billing.ErrAlreadySubscribed),
		errors.Is(err, billing.ErrProcessingInProgress):
		core.JSONError(w, core.ErrConflict.WithMessage(err.Error()))

	case errors.Is(err, billing.ErrDuplicateRequest):
		core.JSONError(w, core.ErrTooManyRequests.WithMessage(err.Error()))

	default:
		h.log.ErrorContext(r.Context(), "billing request failed", logger.Error(err))
		core.JSONError(w, core.ErrInternalServerError)
	}
}
