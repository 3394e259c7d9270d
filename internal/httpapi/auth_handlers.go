package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"webtasks.org/internal/audit"
	"webtasks.org/internal/auth"
	"webtasks.org/internal/obs"
)

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RenewalCredential string `json:"renewal_credential"`
}

type sessionResponse struct {
	AccessToken       string       `json:"access_token"`
	AccessExpiresAt   time.Time    `json:"access_expires_at"`
	RenewalCredential string       `json:"renewal_credential"`
	RenewalExpiresAt  time.Time    `json:"renewal_expires_at"`
	Actor             auth.Profile `json:"actor"`
}

func newSessionResponse(s auth.Session) sessionResponse {
	return sessionResponse{
		AccessToken:       s.AccessToken,
		AccessExpiresAt:   s.AccessExpiresAt,
		RenewalCredential: s.RenewalCredential,
		RenewalExpiresAt:  s.RenewalExpiresAt,
		Actor:             s.Profile,
	}
}

func (a *API) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req signInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	session, err := a.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		obs.ObserveAuthEvent("login", auth.Kind(err))
		_ = audit.LogEvent(r.Context(), "auth.login.failed", map[string]any{
			"email":     strings.ToLower(strings.TrimSpace(req.Email)),
			"reason":    auth.Kind(err),
			"transport": "http",
		})
		handleError(w, r, err)
		return
	}
	obs.ObserveAuthEvent("login", "ok")
	ctx := auth.ContextWithPrincipal(r.Context(), auth.Principal{ID: session.Profile.ID, Role: session.Profile.Role})
	_ = audit.LogEvent(ctx, "auth.login", map[string]any{
		"transport":          "http",
		"role":               string(session.Profile.Role),
		"access_expires_at":  session.AccessExpiresAt.Format(time.RFC3339),
		"renewal_expires_at": session.RenewalExpiresAt.Format(time.RFC3339),
	})

	a.setSessionCookies(w, session)
	writeJSON(w, http.StatusOK, newSessionResponse(session))
}

// handleRefreshToken reads the renewal credential from the cookie first and
// falls back to the JSON body.
func (a *API) handleRefreshToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	presented := ""
	if c, err := r.Cookie(renewalCookie); err == nil {
		presented = strings.TrimSpace(c.Value)
	}
	if presented == "" {
		var req refreshRequest
		if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		presented = req.RenewalCredential
	}

	session, err := a.auth.Renew(r.Context(), presented)
	if err != nil {
		obs.ObserveAuthEvent("renew", auth.Kind(err))
		_ = audit.LogEvent(r.Context(), "auth.renew.failed", map[string]any{
			"reason":    auth.Kind(err),
			"transport": "http",
		})
		handleError(w, r, err)
		return
	}
	obs.ObserveAuthEvent("renew", "ok")
	ctx := auth.ContextWithPrincipal(r.Context(), auth.Principal{ID: session.Profile.ID, Role: session.Profile.Role})
	_ = audit.LogEvent(ctx, "auth.renew", map[string]any{
		"transport":          "http",
		"renewal_expires_at": session.RenewalExpiresAt.Format(time.RFC3339),
	})

	a.setSessionCookies(w, session)
	writeJSON(w, http.StatusOK, newSessionResponse(session))
}

func (a *API) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		handleError(w, r, auth.ErrTokenInvalid)
		return
	}

	a.clearSessionCookies(w)
	if err := a.auth.Logout(r.Context(), principal.ID); err != nil {
		obs.ObserveAuthEvent("logout", auth.Kind(err))
		handleError(w, r, err)
		return
	}
	obs.ObserveAuthEvent("logout", "ok")
	_ = audit.LogEvent(r.Context(), "auth.logout", map[string]any{"transport": "http"})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "signed_out",
	})
}

func (a *API) setSessionCookies(w http.ResponseWriter, s auth.Session) {
	http.SetCookie(w, a.cookie(accessCookie, s.AccessToken, "/", s.AccessExpiresAt))
	http.SetCookie(w, a.cookie(renewalCookie, s.RenewalCredential, "/v1/auth", s.RenewalExpiresAt))
}

func (a *API) clearSessionCookies(w http.ResponseWriter) {
	for _, c := range []*http.Cookie{
		a.cookie(accessCookie, "", "/", time.Unix(0, 0)),
		a.cookie(renewalCookie, "", "/v1/auth", time.Unix(0, 0)),
	} {
		c.MaxAge = -1
		http.SetCookie(w, c)
	}
}

func (a *API) cookie(name, value, path string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   a.cookies.Domain,
		Expires:  expires.UTC(),
		HttpOnly: true,
		Secure:   a.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}
