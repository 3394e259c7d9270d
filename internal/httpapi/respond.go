package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"webtasks.org/internal/audit"
	"webtasks.org/internal/auth"
	"webtasks.org/internal/obs"
)

var errEmptyBody = errors.New("request body is required")

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleError maps the auth error taxonomy onto HTTP statuses. Internal
// failures are logged and reported without detail.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	kind := auth.Kind(err)
	switch {
	case errors.Is(err, auth.ErrValidation):
		writeErrorKind(w, r, http.StatusBadRequest, err.Error(), kind)
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeErrorKind(w, r, http.StatusUnauthorized, "invalid email or password", kind)
	case errors.Is(err, auth.ErrTokenExpired):
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token", error_description="token expired"`)
		writeErrorKind(w, r, http.StatusUnauthorized, "token expired", kind)
	case errors.Is(err, auth.ErrTokenInvalid), errors.Is(err, auth.ErrCredentialConflict):
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeErrorKind(w, r, http.StatusUnauthorized, "invalid token", kind)
	case errors.Is(err, auth.ErrForbidden):
		writeErrorKind(w, r, http.StatusForbidden, "forbidden", kind)
	case errors.Is(err, auth.ErrNotFound):
		writeErrorKind(w, r, http.StatusNotFound, "resource not found", kind)
	case errors.Is(err, auth.ErrConflict):
		writeErrorKind(w, r, http.StatusConflict, "resource already exists", kind)
	default:
		obs.Logger().LogAttrs(r.Context(), slog.LevelError, "request_failed",
			slog.String("request_id", RequestIDFromContext(r.Context())),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		writeErrorKind(w, r, http.StatusInternalServerError, "internal error", kind)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorKind(w, r, code, msg, "")
}

func writeErrorKind(w http.ResponseWriter, r *http.Request, code int, msg, kind string) {
	payload := map[string]any{
		"error": msg,
	}
	if kind != "" {
		payload["code"] = kind
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// RequestIDFromContext returns the id assigned by the RequestID middleware.
func RequestIDFromContext(ctx context.Context) string {
	return audit.RequestIDFromContext(ctx)
}
