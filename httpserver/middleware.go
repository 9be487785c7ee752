package httpserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/ruteri/identity-lifecycle-backend/interfaces"
)

type claimsKey struct{}

// ClaimsFromContext returns the session claims of an authenticated request.
func ClaimsFromContext(ctx context.Context) *interfaces.SessionClaims {
	claims, _ := ctx.Value(claimsKey{}).(*interfaces.SessionClaims)
	return claims
}

// WithClaims attaches claims to ctx.
func WithClaims(ctx context.Context, claims *interfaces.SessionClaims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// authenticate decodes the bearer token into session claims. Requests
// without a valid token are refused with 401.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.codec == nil {
			h.writeError(w, r, interfaces.Errorf(interfaces.ErrConfiguration, "httpserver.authenticate", "session secret not configured"))
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			h.writeError(w, r, interfaces.Errorf(interfaces.ErrAuthentication, "httpserver.authenticate", "missing bearer token"))
			return
		}

		claims, err := h.codec.Decode(strings.TrimSpace(token))
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func (h *Handler) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
		next.ServeHTTP(w, r)
	})
}
