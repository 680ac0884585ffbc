package client

import (
	"context"
	"net/http"

	resp "github.com/zllovesuki/lighthouse/response"

	"go.uber.org/zap"
)

// ContextKey is a defined type to be used in context.Context containing the Client
type ContextKey string

// Context is the key used in context.Context containing the authenticated Client
const Context ContextKey = "clientContext"

// Middleware authenticates a request by the client secret in the
// Authorization header and injects the Client into the request context
func Middleware(manager *Manager, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := r.Header.Get("Authorization")
			if secret == "" {
				resp.WriteError(w, r, resp.ErrNoSecret())
				return
			}
			c, err := manager.GetBySecret(r.Context(), secret)
			if err != nil {
				logger.Error("Unable to look up client by secret",
					zap.Error(err),
				)
				resp.WriteError(w, r, resp.ErrUnexpected())
				return
			}
			if c == nil {
				resp.WriteError(w, r, resp.ErrUnauthorized())
				return
			}
			ctx := context.WithValue(r.Context(), Context, c)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
