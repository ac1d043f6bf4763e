package billing

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/dmitrymomot/chatbilling/core"
)

// AccountIdentity is the authenticated principal attached to billing
// requests. Authentication itself happens upstream; this module only consumes
// the identity placed in the request context.
type AccountIdentity struct {
	ID    uuid.UUID
	Email string
}

type contextKey struct{ name string }

var accountContextKey = contextKey{"billing_account"}

// WithAccount returns a context carrying the authenticated account identity.
func WithAccount(ctx context.Context, identity AccountIdentity) context.Context {
	return context.WithValue(ctx, accountContextKey, identity)
}

// AccountFromContext extracts the authenticated account identity.
func AccountFromContext(ctx context.Context) (AccountIdentity, bool) {
	identity, ok := ctx.Value(accountContextKey).(AccountIdentity)
	return identity, ok
}

// RequireAccount rejects requests without an authenticated account.
func RequireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := AccountFromContext(r.Context()); !ok {
			core.JSONError(w, core.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
