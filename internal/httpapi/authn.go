package httpapi

import (
	"net/http"
	"strings"

	"evodash.io/internal/auth"
	"evodash.io/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
	cookieName = "auth-token"
)

// admission authenticates every non-public request before it reaches a
// handler. API paths get a JSON denial, pages are redirected to /login.
func (a *API) admission(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		path := r.URL.Path
		token := extractToken(r)

		if isAuthPage(path) {
			if token != "" {
				if _, err := a.svc.Authenticate(r.Context(), token); err == nil {
					http.Redirect(w, r, "/", http.StatusSeeOther)
					return
				}
			}
			next.ServeHTTP(w, r)
			return
		}
		if isPublicPath(path) {
			if token != "" {
				r = r.WithContext(auth.ContextWithToken(r.Context(), token))
			}
			next.ServeHTTP(w, r)
			return
		}

		principal, err := a.svc.Authenticate(r.Context(), token)
		outcome := auth.Classify(err)
		obs.GatewayDecisions.WithLabelValues(string(outcome)).Inc()
		if err != nil {
			if !isAPIPath(path) {
				if token != "" && outcome.Unauthenticated() {
					a.clearCookie(w)
				}
				http.Redirect(w, r, "/login", http.StatusSeeOther)
				return
			}
			a.writeAuthError(w, r, err)
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// require enforces a route's declared requirement against the principal
// placed in the context by admission.
func (a *API) require(req *auth.Requirement, next http.Handler) http.Handler {
	if req == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, _ := auth.PrincipalFromContext(r.Context())
		if err := a.svc.Authorize(r.Context(), principal, *req); err != nil {
			obs.GatewayDecisions.WithLabelValues(string(auth.Classify(err))).Inc()
			a.writeAuthError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractToken reads the session cookie, falling back to a bearer header.
func extractToken(r *http.Request) string {
	if c, err := r.Cookie(cookieName); err == nil {
		if v := strings.TrimSpace(c.Value); v != "" {
			return v
		}
	}
	header := strings.TrimSpace(r.Header.Get(authHeader))
	if len(header) > len(bearer) && strings.EqualFold(header[:len(bearer)], bearer) {
		return strings.TrimSpace(header[len(bearer):])
	}
	return ""
}
