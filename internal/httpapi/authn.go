package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"webtasks.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "

	accessCookie  = "accessToken"
	renewalCookie = "refreshToken"
)

var errMissingToken = errors.New("missing bearer token")

var publicPaths = []string{
	"/v1/auth/signin",
	"/v1/auth/refresh-token",
	"/v1/info",
	"/metrics",
	"/healthz",
	"/readyz",
}

// withAuth resolves the access token into a principal. Public paths skip
// it; sign-up (POST /v1/users) accepts anonymous callers but still rejects
// a bad token.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := accessTokenFromRequest(r)
		if errors.Is(err, errMissingToken) && isAnonymousAllowed(r) {
			next.ServeHTTP(w, r)
			return
		}
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="webtasks"`)
			writeErrorKind(w, r, http.StatusUnauthorized, err.Error(), auth.Kind(auth.ErrTokenInvalid))
			return
		}

		principal, err := a.auth.Authenticate(token)
		if err != nil {
			handleError(w, r, err)
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// accessTokenFromRequest prefers the Authorization header over the cookie.
func accessTokenFromRequest(r *http.Request) (string, error) {
	if header := r.Header.Get(authHeader); strings.TrimSpace(header) != "" {
		return extractBearerToken(header)
	}
	if c, err := r.Cookie(accessCookie); err == nil && strings.TrimSpace(c.Value) != "" {
		return strings.TrimSpace(c.Value), nil
	}
	return "", errMissingToken
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingToken
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

func isAnonymousAllowed(r *http.Request) bool {
	return r.Method == http.MethodPost && strings.TrimSuffix(r.URL.Path, "/") == "/v1/users"
}
