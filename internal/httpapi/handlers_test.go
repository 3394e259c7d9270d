package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"webtasks.org/internal/account"
	"webtasks.org/internal/auth"
	"webtasks.org/internal/authz"
	"webtasks.org/internal/ids"
	"webtasks.org/internal/obs"
	"webtasks.org/internal/store/memory"
	"webtasks.org/internal/tasks"
)

const (
	testAccessSecret  = "access-secret-for-tests"
	testRenewalSecret = "renewal-secret-for-tests"
	testPassword      = "correct-horse-battery"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	store   *memory.Store
	adminID string
	userID  string
	otherID string
}

func newTestAPI(t *testing.T, opts ...Option) *apiClient {
	t.Helper()

	prev := obs.SetLogger(obs.NewLogger(io.Discard, "json", "error"))
	t.Cleanup(func() { obs.SetLogger(prev) })

	store := memory.New()
	tokens, err := auth.NewTokenService(store, testAccessSecret, testRenewalSecret)
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	accounts := account.NewService(store, account.WithPasswordCost(bcrypt.MinCost))
	taskSvc := tasks.NewService(store)
	engine := authz.NewEngine(
		authz.WithOwnerLookup(authz.ResourceTask, authz.OwnerLookupFunc(taskSvc.OwnerOf)),
		authz.WithOwnerLookup(authz.ResourceUserAccount, authz.OwnerLookupFunc(accounts.OwnerOf)),
	)

	api := New(ReadyProbe{}, "test", Services{
		Auth:     auth.NewAuthenticator(store, tokens, auth.WithPasswordCost(bcrypt.MinCost)),
		Authz:    engine,
		Accounts: accounts,
		Tasks:    taskSvc,
	}, append([]Option{WithCookies(CookieSettings{Secure: false})}, opts...)...)
	api.rateBurst = 1000
	api.ratePerSec = 1000

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	c := &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		store:   store,
	}
	c.adminID = c.seedAccount("admin@example.com", auth.RoleAdmin)
	c.userID = c.seedAccount("user@example.com", auth.RoleUser)
	c.otherID = c.seedAccount("other@example.com", auth.RoleUser)
	return c
}

func (c *apiClient) seedAccount(email string, role auth.Role) string {
	c.t.Helper()
	hash, err := auth.HashPasswordCost(testPassword, bcrypt.MinCost)
	if err != nil {
		c.t.Fatalf("hash: %v", err)
	}
	acc := &account.Account{ID: ids.New(), FirstName: "Test", LastName: string(role), Email: email, Role: role}
	if err := c.store.CreateAccount(context.Background(), acc, hash); err != nil {
		c.t.Fatalf("seed %s: %v", email, err)
	}
	return acc.ID
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	if params != nil {
		path += "?" + params.Encode()
	}
	return c.do(http.MethodGet, path, nil, headers)
}

func (c *apiClient) signIn(email string) sessionResponse {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/auth/signin", map[string]any{
		"email":    email,
		"password": testPassword,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("signin %s: unexpected status %d", email, resp.StatusCode)
	}
	return decode[sessionResponse](c.t, resp)
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func expectError(t *testing.T, resp *http.Response, status int, code string) map[string]any {
	t.Helper()
	if resp.StatusCode != status {
		resp.Body.Close()
		t.Fatalf("expected %d, got %d", status, resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["error"] == "" || body["error"] == nil {
		t.Fatalf("expected error message, got %v", body)
	}
	if code != "" && body["code"] != code {
		t.Fatalf("expected code %q, got %v", code, body["code"])
	}
	if body["request_id"] == nil {
		t.Fatalf("expected request_id in error body")
	}
	return body
}

func TestSignInRenewSignOutFlow(t *testing.T) {
	api := newTestAPI(t)

	session := api.signIn("USER@example.com")
	if session.AccessToken == "" || session.RenewalCredential == "" {
		t.Fatalf("expected both credentials, got %+v", session)
	}
	if session.Actor.ID != api.userID || session.Actor.Role != auth.RoleUser {
		t.Fatalf("unexpected actor: %+v", session.Actor)
	}
	if !session.RenewalExpiresAt.After(session.AccessExpiresAt) {
		t.Fatalf("renewal must outlive access: %v vs %v", session.RenewalExpiresAt, session.AccessExpiresAt)
	}

	resp := api.do(http.MethodPost, "/v1/auth/refresh-token", map[string]any{
		"renewal_credential": session.RenewalCredential,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh: unexpected status %d", resp.StatusCode)
	}
	renewed := decode[sessionResponse](t, resp)
	if renewed.RenewalCredential == session.RenewalCredential {
		t.Fatal("renewal credential was not rotated")
	}

	// The superseded credential is dead.
	resp = api.do(http.MethodPost, "/v1/auth/refresh-token", map[string]any{
		"renewal_credential": session.RenewalCredential,
	}, nil)
	expectError(t, resp, http.StatusUnauthorized, "token_invalid")

	resp = api.do(http.MethodPost, "/v1/auth/signout", nil, bearerHeader(renewed.AccessToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("signout: unexpected status %d", resp.StatusCode)
	}
	cleared := map[string]bool{}
	for _, c := range resp.Cookies() {
		if c.MaxAge < 0 {
			cleared[c.Name] = true
		}
	}
	resp.Body.Close()
	if !cleared[accessCookie] || !cleared[renewalCookie] {
		t.Fatalf("expected both cookies cleared, got %v", cleared)
	}

	resp = api.do(http.MethodPost, "/v1/auth/refresh-token", map[string]any{
		"renewal_credential": renewed.RenewalCredential,
	}, nil)
	expectError(t, resp, http.StatusUnauthorized, "token_invalid")

	// Access tokens stay valid until expiry.
	resp = api.get("/v1/tasks", nil, bearerHeader(renewed.AccessToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected access token to outlive signout, got %d", resp.StatusCode)
	}
}

func TestSignInFailuresLookAlike(t *testing.T) {
	api := newTestAPI(t)

	wrong := api.do(http.MethodPost, "/v1/auth/signin", map[string]any{
		"email": "user@example.com", "password": "not-the-password",
	}, nil)
	unknown := api.do(http.MethodPost, "/v1/auth/signin", map[string]any{
		"email": "nobody@example.com", "password": "not-the-password",
	}, nil)
	if wrong.StatusCode != http.StatusUnauthorized || unknown.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401/401, got %d/%d", wrong.StatusCode, unknown.StatusCode)
	}
	a := decode[map[string]any](t, wrong)
	b := decode[map[string]any](t, unknown)
	if a["error"] != b["error"] || a["code"] != b["code"] || a["code"] != "invalid_credentials" {
		t.Fatalf("failures are distinguishable: %v vs %v", a, b)
	}

	resp := api.do(http.MethodPost, "/v1/auth/signin", map[string]any{"email": "x", "extra": true}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", resp.StatusCode)
	}
}

func TestRefreshRequiresCredential(t *testing.T) {
	api := newTestAPI(t)
	resp := api.do(http.MethodPost, "/v1/auth/refresh-token", nil, nil)
	expectError(t, resp, http.StatusUnauthorized, "token_invalid")

	resp = api.do(http.MethodPost, "/v1/auth/refresh-token", map[string]any{"renewal_credential": "garbage"}, nil)
	expectError(t, resp, http.StatusUnauthorized, "token_invalid")
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/v1/tasks", nil, nil)
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header")
	}
	expectError(t, resp, http.StatusUnauthorized, "")

	resp = api.get("/v1/tasks", nil, map[string]string{"Authorization": "Basic Zm9vOmJhcg=="})
	expectError(t, resp, http.StatusUnauthorized, "")

	// A renewal credential is not an access token.
	session := api.signIn("user@example.com")
	resp = api.get("/v1/tasks", nil, bearerHeader(session.RenewalCredential))
	expectError(t, resp, http.StatusUnauthorized, "token_invalid")

	resp = api.do(http.MethodPost, "/v1/auth/signout", nil, nil)
	expectError(t, resp, http.StatusUnauthorized, "")
}

func TestExpiredAccessTokenReportsDistinctCode(t *testing.T) {
	api := newTestAPI(t)

	past := time.Now().Add(-72 * time.Hour)
	issuer, err := auth.NewTokenService(api.store, testAccessSecret, testRenewalSecret,
		auth.WithClock(func() time.Time { return past }))
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	token, _, err := issuer.IssueAccessToken(auth.Actor{ID: api.userID, Email: "user@example.com", Role: auth.RoleUser})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	resp := api.get("/v1/tasks", nil, bearerHeader(token))
	expectError(t, resp, http.StatusUnauthorized, "token_expired")
}

func TestTaskOwnershipScopes(t *testing.T) {
	api := newTestAPI(t)
	user := bearerHeader(api.signIn("user@example.com").AccessToken)
	other := bearerHeader(api.signIn("other@example.com").AccessToken)
	admin := bearerHeader(api.signIn("admin@example.com").AccessToken)

	resp := api.do(http.MethodPost, "/v1/tasks", map[string]any{"description": "write report"}, user)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: unexpected status %d", resp.StatusCode)
	}
	task := decode[tasks.Task](t, resp)
	if task.OwnerID != api.userID {
		t.Fatalf("task owned by %q, want %q", task.OwnerID, api.userID)
	}

	resp = api.do(http.MethodPost, "/v1/tasks", map[string]any{"description": "other's", "user_id": api.otherID}, user)
	denied := expectError(t, resp, http.StatusForbidden, "forbidden")
	if reason, _ := denied["error"].(string); !strings.Contains(reason, "may not create task for another owner") {
		t.Fatalf("expected the denial reason in the body, got %q", reason)
	}

	resp = api.do(http.MethodPost, "/v1/tasks", map[string]any{"description": "assigned", "user_id": api.otherID}, admin)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("admin create for other: unexpected status %d", resp.StatusCode)
	}
	assigned := decode[tasks.Task](t, resp)
	if assigned.OwnerID != api.otherID {
		t.Fatalf("assigned task owner = %q", assigned.OwnerID)
	}

	// Own-scope listing ignores the requested filter.
	resp = api.get("/v1/tasks", url.Values{"user_id": {api.otherID}}, user)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: unexpected status %d", resp.StatusCode)
	}
	own := decode[struct {
		Tasks []tasks.Task `json:"tasks"`
		Scope string       `json:"scope"`
	}](t, resp)
	if own.Scope != "own" || len(own.Tasks) != 1 || own.Tasks[0].ID != task.ID {
		t.Fatalf("unexpected own listing: %+v", own)
	}

	resp = api.get("/v1/tasks", url.Values{"user_id": {api.otherID}}, admin)
	filtered := decode[struct {
		Tasks []tasks.Task `json:"tasks"`
	}](t, resp)
	if len(filtered.Tasks) != 1 || filtered.Tasks[0].ID != assigned.ID {
		t.Fatalf("unexpected admin filtered listing: %+v", filtered)
	}

	resp = api.get("/v1/tasks/"+task.ID, nil, other)
	expectError(t, resp, http.StatusForbidden, "forbidden")

	resp = api.get("/v1/tasks/"+task.ID, nil, admin)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin read: unexpected status %d", resp.StatusCode)
	}

	resp = api.do(http.MethodPut, "/v1/tasks/"+task.ID, map[string]any{"done": true}, user)
	updated := decode[tasks.Task](t, resp)
	if !updated.Done {
		t.Fatal("expected task marked done")
	}

	resp = api.do(http.MethodDelete, "/v1/tasks/"+task.ID, nil, other)
	expectError(t, resp, http.StatusForbidden, "forbidden")

	resp = api.do(http.MethodDelete, "/v1/tasks/"+task.ID, nil, user)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: unexpected status %d", resp.StatusCode)
	}

	resp = api.get("/v1/tasks/"+task.ID, nil, user)
	expectError(t, resp, http.StatusNotFound, "not_found")
}

func TestMissingTaskIsNotFound(t *testing.T) {
	api := newTestAPI(t)
	user := bearerHeader(api.signIn("user@example.com").AccessToken)

	resp := api.get("/v1/tasks/"+ids.New(), nil, user)
	expectError(t, resp, http.StatusNotFound, "not_found")
}

func TestSignUpAndAdminCreateDenied(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(http.MethodPost, "/v1/users", map[string]any{
		"first_name": "New",
		"last_name":  "Person",
		"email":      "new@example.com",
		"password":   "a-long-password",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("signup: unexpected status %d", resp.StatusCode)
	}
	created := decode[map[string]any](t, resp)
	if created["role"] != string(auth.RoleUser) {
		t.Fatalf("self-registered role = %v", created["role"])
	}
	if _, leaked := created["password_hash"]; leaked {
		t.Fatal("password hash leaked")
	}

	resp = api.do(http.MethodPost, "/v1/users", map[string]any{
		"first_name": "Dup",
		"last_name":  "Person",
		"email":      "NEW@example.com",
		"password":   "a-long-password",
	}, nil)
	expectError(t, resp, http.StatusConflict, "conflict")

	resp = api.do(http.MethodPost, "/v1/users", map[string]any{
		"first_name": "Bad",
		"last_name":  "Email",
		"email":      "not-an-email",
		"password":   "a-long-password",
	}, nil)
	expectError(t, resp, http.StatusBadRequest, "validation_error")

	admin := bearerHeader(api.signIn("admin@example.com").AccessToken)
	resp = api.do(http.MethodPost, "/v1/users", map[string]any{
		"first_name": "By",
		"last_name":  "Admin",
		"email":      "byadmin@example.com",
		"password":   "a-long-password",
	}, admin)
	expectError(t, resp, http.StatusForbidden, "forbidden")
}

func TestUserAccountScopes(t *testing.T) {
	api := newTestAPI(t)
	user := bearerHeader(api.signIn("user@example.com").AccessToken)
	admin := bearerHeader(api.signIn("admin@example.com").AccessToken)

	resp := api.get("/v1/users", nil, user)
	own := decode[struct {
		Users []account.Account `json:"users"`
	}](t, resp)
	if len(own.Users) != 1 || own.Users[0].ID != api.userID {
		t.Fatalf("user should only see self: %+v", own.Users)
	}

	resp = api.get("/v1/users", nil, admin)
	all := decode[struct {
		Users []account.Account `json:"users"`
	}](t, resp)
	if len(all.Users) != 3 {
		t.Fatalf("admin should see all users, got %d", len(all.Users))
	}

	resp = api.get("/v1/users/"+api.otherID, nil, user)
	expectError(t, resp, http.StatusForbidden, "forbidden")

	resp = api.do(http.MethodPut, "/v1/users/"+api.userID, map[string]any{"role": "ADMIN"}, user)
	expectError(t, resp, http.StatusForbidden, "forbidden")

	resp = api.do(http.MethodPut, "/v1/users/"+api.userID, map[string]any{"first_name": "Renamed"}, user)
	renamed := decode[account.Account](t, resp)
	if renamed.FirstName != "Renamed" {
		t.Fatalf("rename failed: %+v", renamed)
	}

	resp = api.do(http.MethodPut, "/v1/users/"+api.otherID, map[string]any{"role": "ADMIN"}, admin)
	promoted := decode[account.Account](t, resp)
	if promoted.Role != auth.RoleAdmin {
		t.Fatalf("promotion failed: %+v", promoted)
	}

	resp = api.do(http.MethodDelete, "/v1/users/"+api.userID, nil, user)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("self delete: unexpected status %d", resp.StatusCode)
	}
}

func TestCookieSession(t *testing.T) {
	api := newTestAPI(t)
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	api.client.Jar = jar

	first := api.signIn("user@example.com")

	resp := api.get("/v1/tasks", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cookie auth: unexpected status %d", resp.StatusCode)
	}

	// The cookie wins over a stale body value.
	resp = api.do(http.MethodPost, "/v1/auth/refresh-token", map[string]any{"renewal_credential": "stale"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cookie refresh: unexpected status %d", resp.StatusCode)
	}
	renewed := decode[sessionResponse](t, resp)
	if renewed.RenewalCredential == first.RenewalCredential {
		t.Fatal("expected rotation through cookie")
	}

	for _, c := range jar.Cookies(mustURL(t, api.baseURL+"/v1/auth/refresh-token")) {
		if c.Name == renewalCookie && c.Value != renewed.RenewalCredential {
			t.Fatal("renewal cookie not replaced")
		}
	}
}

func TestHealthAndReady(t *testing.T) {
	api := newTestAPI(t)
	resp := api.get("/healthz", nil, nil)
	body := decode[map[string]any](t, resp)
	if body["status"] != "ok" || body["service"] != serviceName {
		t.Fatalf("unexpected health body: %v", body)
	}
	resp = api.get("/readyz", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ready: unexpected status %d", resp.StatusCode)
	}
	resp = api.do(http.MethodDelete, "/v1/auth/signin", nil, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed || resp.Header.Get("Allow") != http.MethodPost {
		t.Fatalf("expected 405 with Allow, got %d %q", resp.StatusCode, resp.Header.Get("Allow"))
	}
}

// syncBuffer lets the server goroutine write log lines while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// captureAudit routes logs into a buffer and returns the audit entries seen so far.
func captureAudit(t *testing.T) func() []map[string]any {
	t.Helper()
	buf := &syncBuffer{}
	prev := obs.SetLogger(obs.NewLogger(buf, "json", "info"))
	t.Cleanup(func() { obs.SetLogger(prev) })
	return func() []map[string]any {
		var out []map[string]any
		for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
			var entry map[string]any
			if json.Unmarshal([]byte(line), &entry) != nil || entry["type"] != "audit" {
				continue
			}
			out = append(out, entry)
		}
		return out
	}
}

func TestAuthAuditEvents(t *testing.T) {
	api := newTestAPI(t)
	entries := captureAudit(t)

	session := api.signIn("user@example.com")
	resp := api.do(http.MethodPost, "/v1/auth/signin", map[string]any{"email": "user@example.com", "password": "wrong"}, nil)
	resp.Body.Close()
	resp = api.do(http.MethodPost, "/v1/auth/refresh-token", map[string]any{"renewal_credential": session.RenewalCredential}, nil)
	renewed := decode[sessionResponse](t, resp)
	resp = api.do(http.MethodPost, "/v1/auth/refresh-token", map[string]any{"renewal_credential": session.RenewalCredential}, nil)
	resp.Body.Close()
	resp = api.do(http.MethodPost, "/v1/auth/signout", nil, bearerHeader(renewed.AccessToken))
	resp.Body.Close()

	var events []string
	for _, e := range entries() {
		events = append(events, e["event"].(string))
		if e["event"] == "auth.login" && e["user_id"] != api.userID {
			t.Fatalf("login event attributed to %v, want %s", e["user_id"], api.userID)
		}
	}
	want := []string{"auth.login", "auth.login.failed", "auth.renew", "auth.renew.failed", "auth.logout"}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Fatalf("audit events = %v, want %v", events, want)
	}
}

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return u
}
