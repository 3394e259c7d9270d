package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/netip"
	"time"

	"webtasks.org/internal/account"
	"webtasks.org/internal/auth"
	"webtasks.org/internal/authz"
	"webtasks.org/internal/obs"
	"webtasks.org/internal/tasks"
)

const serviceName = "webtasks-api"

// ReadyProbe проверяет готовность: ping БД или Mongo, если они заданы.
type ReadyProbe struct {
	DB   *sql.DB
	Ping func(ctx context.Context) error
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Ping != nil {
		return rp.Ping(ctx)
	}
	return nil
}

// Services bundles the domain services the HTTP layer dispatches to.
type Services struct {
	Auth     *auth.Authenticator
	Authz    *authz.Engine
	Accounts *account.Service
	Tasks    *tasks.Service
}

// CookieSettings controls how session cookies are issued.
type CookieSettings struct {
	Secure bool
	Domain string
}

// API: HTTP слой.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	auth     *auth.Authenticator
	authz    *authz.Engine
	accounts *account.Service
	tasks    *tasks.Service

	cookies        CookieSettings
	allowedOrigins []string
	rateLimit      bool
	rateBurst      int
	ratePerSec     float64
	trustedProxies []netip.Prefix
}

// Option configures the API.
type Option func(*API)

func WithCookies(c CookieSettings) Option {
	return func(a *API) { a.cookies = c }
}

func WithAllowedOrigins(origins []string) Option {
	return func(a *API) { a.allowedOrigins = append([]string(nil), origins...) }
}

// WithRateLimit enables the per-client token bucket. A non-positive rate
// disables it.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		a.rateLimit = perSecond > 0 && burst > 0
		a.ratePerSec = perSecond
		a.rateBurst = burst
	}
}

// WithTrustedProxies lists the reverse proxies whose X-Forwarded-For is
// believed when keying the rate limiter.
func WithTrustedProxies(proxies []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = append([]netip.Prefix(nil), proxies...) }
}

func New(rp ReadyProbe, version string, svc Services, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		auth:       svc.Auth,
		authz:      svc.Authz,
		accounts:   svc.Accounts,
		tasks:      svc.Tasks,
		cookies:    CookieSettings{Secure: true},
		rateLimit:  true,
		rateBurst:  10,
		ratePerSec: 5,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/signin", a.handleSignIn)
	a.mux.HandleFunc("/v1/auth/refresh-token", a.handleRefreshToken)
	a.mux.HandleFunc("/v1/auth/signout", a.handleSignOut)

	a.mux.HandleFunc("/v1/tasks", a.handleTasksCollection)
	a.mux.HandleFunc("/v1/tasks/", a.handleTaskResource)
	a.mux.HandleFunc("/v1/users", a.handleUsersCollection)
	a.mux.HandleFunc("/v1/users/", a.handleUserResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// Handler возвращает полную цепочку middleware вокруг mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.withAuth(a.mux)
	if a.rateLimit {
		h = RateLimit(h, a.rateBurst, a.ratePerSec, a.trustedProxies...)
	}
	h = CORS(h, a.allowedOrigins)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readyProbe.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
