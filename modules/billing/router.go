package billing

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Router mounts the billing HTTP surface. Subscription management requires
// an authenticated account; the webhook endpoint is unauthenticated and
// relies on signature verification instead.
//
// Example:
//
//	r := chi.NewRouter()
//	r.Mount("/billing", billing.Router(handler))
func Router(h *Handler) chi.Router {
	r := chi.NewRouter()

	r.Route("/subscription", func(sub chi.Router) {
		sub.Use(RequireAccount)
		sub.Post("/checkout", h.checkout)
		sub.Post("/cancel", h.cancel)
		sub.Post("/reactivate", h.reactivate)
		sub.Post("/change-plan", h.changePlan)
		sub.Post("/manual-activate/{linkID}", h.manualActivate)
	})

	r.Post("/webhooks/payment-events", h.webhook)

	return r
}

// Handle returns the router as a plain http.Handler for mounting.
func (h *Handler) Handle() http.Handler {
	return Router(h)
}
