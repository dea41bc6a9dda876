package httpapi

import (
	"net/http"
	"time"

	"evodash.io/internal/auth"
	"evodash.io/internal/obs"
)

type authResponse struct {
	Success bool            `json:"success"`
	User    auth.PublicUser `json:"user"`
}

type sessionResponse struct {
	auth.PublicUser
	Roles       []string  `json:"roles"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in auth.LoginInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.Login(r.Context(), in)
	obs.LoginAttempts.WithLabelValues(string(auth.Classify(err))).Inc()
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.setCookie(w, res.Token, res.ExpiresAt)
	writeJSON(w, http.StatusOK, authResponse{Success: true, User: res.User})
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var in auth.RegisterInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.svc.Register(r.Context(), in)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	if res.AdminGranted {
		a.logger.WithField("user_id", res.User.ID).Warn("first account registered with admin role")
	}
	a.setCookie(w, res.Token, res.ExpiresAt)
	writeJSON(w, http.StatusCreated, authResponse{Success: true, User: res.User})
}

// handleLogout always clears the cookie, even when the session is unknown.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, _ := auth.TokenFromContext(r.Context())
	err := a.svc.Logout(r.Context(), token)
	a.clearCookie(w)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	roles := p.Roles
	if roles == nil {
		roles = []string{}
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		PublicUser:  p.User,
		Roles:       roles,
		Permissions: p.Permissions.Names(),
		ExpiresAt:   p.ExpiresAt,
	})
}

func (a *API) handleRevokeSessions(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	n, err := a.svc.RevokeSessions(r.Context(), p)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.clearCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "revoked": n})
}

func (a *API) setCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	maxAge := int(expiresAt.Sub(a.now()).Seconds())
	if maxAge < 1 {
		maxAge = 1
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		Expires:  expiresAt.UTC(),
		HttpOnly: true,
		Secure:   a.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (a *API) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secure,
		SameSite: http.SameSiteStrictMode,
	})
}
