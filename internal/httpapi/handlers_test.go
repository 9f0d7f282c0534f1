package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"communa.org/internal/audit"
	"communa.org/internal/impersonate"
	"communa.org/internal/session"
	"communa.org/internal/stream"
	"communa.org/internal/tenant"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T

	store *tenant.InMemory
	log   *audit.InMemory
}

func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	log := audit.NewInMemory()
	store := tenant.NewInMemory(log)
	svc, err := tenant.NewService(store)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	tokens, err := session.NewTokens("test-secret")
	if err != nil {
		t.Fatalf("NewTokens: %v", err)
	}
	imp, err := impersonate.NewManager(store, log, tokens)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	api := New(svc, imp, log, tokens, stream.New(), ReadyProbe{}, Config{
		Version:    "test",
		RateBurst:  1000,
		RatePerSec: 1000,
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		store:   store,
		log:     log,
	}
}

func (c *apiClient) do(method, path string, body any, token string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, token string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

// registerAndLogin provisions an account through the public endpoints and
// returns the user id with a fresh token.
func (c *apiClient) registerAndLogin(email string) (string, string) {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/auth/register", map[string]any{
		"email":        email,
		"password":     "pw-" + email,
		"display_name": email,
	}, "")
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("register %s: status %d", email, resp.StatusCode)
	}
	user := decode[map[string]any](c.t, resp)

	resp = c.do(http.MethodPost, "/v1/auth/login", map[string]any{
		"email":    email,
		"password": "pw-" + email,
	}, "")
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("login %s: status %d", email, resp.StatusCode)
	}
	payload := decode[tokenResponse](c.t, resp)
	if payload.Token == "" {
		c.t.Fatal("empty token issued")
	}
	return user["id"].(string), payload.Token
}

// provisionSuperAdmin seeds a super-admin straight into the store and logs in.
func (c *apiClient) provisionSuperAdmin(email string) (string, string) {
	c.t.Helper()
	hash, err := session.HashPassword("pw-" + email)
	if err != nil {
		c.t.Fatalf("hash password: %v", err)
	}
	u, err := c.store.CreateUser(context.Background(), tenant.User{
		Email:        email,
		PasswordHash: hash,
		DisplayName:  "Site Admin",
		IsSuperAdmin: true,
	})
	if err != nil {
		c.t.Fatalf("create super admin: %v", err)
	}
	resp := c.do(http.MethodPost, "/v1/auth/login", map[string]any{
		"email":    email,
		"password": "pw-" + email,
	}, "")
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("login super admin: status %d", resp.StatusCode)
	}
	payload := decode[tokenResponse](c.t, resp)
	return u.ID, payload.Token
}

func (c *apiClient) createTenant(token, name, mode string) string {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/v1/tenants", map[string]any{
		"name":          name,
		"approval_mode": mode,
	}, token)
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("create tenant: status %d", resp.StatusCode)
	}
	created := decode[map[string]any](c.t, resp)
	return created["id"].(string)
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

func TestMembershipLifecycleFlow(t *testing.T) {
	api := newTestAPI(t)
	_, adminToken := api.registerAndLogin("admin@example.org")
	joinerID, joinerToken := api.registerAndLogin("joiner@example.org")
	tenantID := api.createTenant(adminToken, "Test Parish", "APPROVAL_REQUIRED")

	// Join lands in REQUESTED under approval mode.
	resp := api.do(http.MethodPost, "/v1/tenants/"+tenantID+"/members", nil, joinerToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join: status %d", resp.StatusCode)
	}
	m := decode[map[string]any](t, resp)
	if m["status"] != "REQUESTED" {
		t.Fatalf("expected REQUESTED, got %v", m["status"])
	}

	// Repeating the join returns the same row.
	resp = api.do(http.MethodPost, "/v1/tenants/"+tenantID+"/members", nil, joinerToken)
	m2 := decode[map[string]any](t, resp)
	if m2["id"] != m["id"] {
		t.Fatalf("join is not idempotent: %v != %v", m2["id"], m["id"])
	}

	// A non-manager cannot approve.
	resp = api.do(http.MethodPatch, "/v1/tenants/"+tenantID+"/members/"+joinerID+"/status",
		map[string]any{"status": "APPROVED"}, joinerToken)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The founder approves.
	resp = api.do(http.MethodPatch, "/v1/tenants/"+tenantID+"/members/"+joinerID+"/status",
		map[string]any{"status": "APPROVED"}, adminToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: status %d", resp.StatusCode)
	}
	approved := decode[map[string]any](t, resp)
	if approved["status"] != "APPROVED" {
		t.Fatalf("expected APPROVED, got %v", approved["status"])
	}

	// Illegal transition surfaces as a conflict.
	resp = api.do(http.MethodPatch, "/v1/tenants/"+tenantID+"/members/"+joinerID+"/status",
		map[string]any{"status": "REQUESTED"}, adminToken)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The member sees the roster now.
	resp = api.get("/v1/tenants/"+tenantID+"/members", nil, joinerToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list members: status %d", resp.StatusCode)
	}
	roster := decode[map[string][]map[string]any](t, resp)
	if len(roster["items"]) != 2 {
		t.Fatalf("expected founder + joiner, got %d", len(roster["items"]))
	}
}

func TestRolesAndCapabilitiesFlow(t *testing.T) {
	api := newTestAPI(t)
	_, adminToken := api.registerAndLogin("admin@example.org")
	memberID, memberToken := api.registerAndLogin("member@example.org")
	tenantID := api.createTenant(adminToken, "Open House", "OPEN")

	resp := api.do(http.MethodPost, "/v1/tenants/"+tenantID+"/members", nil, memberToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Plain member baseline is empty.
	resp = api.get("/v1/tenants/"+tenantID+"/capabilities", nil, memberToken)
	caps := decode[capabilitiesResponse](t, resp)
	if len(caps.Capabilities) != 0 {
		t.Fatalf("member baseline should be empty, got %v", caps.Capabilities)
	}

	// Promote to STAFF with a title.
	resp = api.do(http.MethodPut, "/v1/tenants/"+tenantID+"/members/"+memberID+"/roles",
		map[string]any{"roles": []string{"STAFF"}, "display_title": "Organist"}, adminToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("roles: status %d", resp.StatusCode)
	}
	updated := decode[map[string]any](t, resp)
	if updated["display_title"] != "Organist" {
		t.Fatalf("unexpected title %v", updated["display_title"])
	}

	resp = api.get("/v1/tenants/"+tenantID+"/capabilities", nil, memberToken)
	caps = decode[capabilitiesResponse](t, resp)
	found := false
	for _, cap := range caps.Capabilities {
		if cap == "canCreateEvents" {
			found = true
		}
	}
	if !found {
		t.Fatalf("staff should hold canCreateEvents, got %v", caps.Capabilities)
	}

	// Stripping every role from an approved member is rejected.
	resp = api.do(http.MethodPut, "/v1/tenants/"+tenantID+"/members/"+memberID+"/roles",
		map[string]any{"roles": []string{}}, adminToken)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The override matrix extends the baseline.
	resp = api.do(http.MethodPut, "/v1/tenants/"+tenantID+"/permissions",
		map[string]any{"permissions": map[string]map[string]bool{
			"STAFF": {"canCreatePosts": true},
		}}, adminToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("permissions: status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.get("/v1/tenants/"+tenantID+"/capabilities", nil, memberToken)
	caps = decode[capabilitiesResponse](t, resp)
	found = false
	for _, cap := range caps.Capabilities {
		if cap == "canCreatePosts" {
			found = true
		}
	}
	if !found {
		t.Fatalf("matrix override not applied, got %v", caps.Capabilities)
	}
}

func TestImpersonationFlow(t *testing.T) {
	api := newTestAPI(t)
	adminID, superToken := api.provisionSuperAdmin("root@example.org")
	targetID, _ := api.registerAndLogin("target@example.org")

	// A mortal cannot start a session.
	_, mortalToken := api.registerAndLogin("mortal@example.org")
	resp := api.do(http.MethodPost, "/v1/admin/impersonate",
		map[string]any{"target_user_id": targetID}, mortalToken)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The super-admin starts one and receives a dual-identity token.
	resp = api.do(http.MethodPost, "/v1/admin/impersonate",
		map[string]any{"target_user_id": targetID}, superToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: status %d", resp.StatusCode)
	}
	started := decode[impersonateResponse](t, resp)
	if !started.IsImpersonating || started.UserID != targetID || started.RealUserID != adminID {
		t.Fatalf("unexpected session %+v", started)
	}

	// Self-impersonation is forbidden.
	resp = api.do(http.MethodPost, "/v1/admin/impersonate",
		map[string]any{"target_user_id": adminID}, superToken)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Ending returns a clean token for the real identity.
	resp = api.do(http.MethodDelete, "/v1/admin/impersonate", nil, started.Token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end: status %d", resp.StatusCode)
	}
	ended := decode[impersonateResponse](t, resp)
	if ended.IsImpersonating || ended.UserID != adminID {
		t.Fatalf("unexpected session after end %+v", ended)
	}

	// Both boundary events are in the audit log with resolved names.
	resp = api.get("/v1/admin/audit", url.Values{"actor": []string{adminID}}, superToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit: status %d", resp.StatusCode)
	}
	payload := decode[map[string][]audit.ResolvedEntry](t, resp)
	var actions []audit.Action
	for _, e := range payload["items"] {
		actions = append(actions, e.Action)
		if e.ActorDisplayName != "Site Admin" {
			t.Fatalf("display name not resolved: %+v", e)
		}
		if e.EffectiveUserID != targetID {
			t.Fatalf("boundary entry must carry the impersonated identity: %+v", e)
		}
	}
	if len(actions) != 2 || actions[0] != audit.ActionImpersonateEnd || actions[1] != audit.ActionImpersonateStart {
		t.Fatalf("unexpected audit actions %v", actions)
	}
}

func TestAuditViewerRequiresSuperAdmin(t *testing.T) {
	api := newTestAPI(t)
	_, token := api.registerAndLogin("pleb@example.org")

	resp := api.get("/v1/admin/audit", nil, token)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestDisableUserEndpoint(t *testing.T) {
	api := newTestAPI(t)
	_, superToken := api.provisionSuperAdmin("root@example.org")
	victimID, _ := api.registerAndLogin("victim@example.org")

	resp := api.do(http.MethodPost, "/v1/admin/users/"+victimID+"/disable", nil, superToken)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("disable: status %d", resp.StatusCode)
	}

	// The disabled account can no longer log in.
	resp = api.do(http.MethodPost, "/v1/auth/login", map[string]any{
		"email":    "victim@example.org",
		"password": "pw-victim@example.org",
	}, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.do(http.MethodPost, "/v1/tenants", map[string]any{"name": "X"}, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var errBody map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Fatal("expected error message")
	}
}

func TestOwnProfileEndpointRejectsForeignMembership(t *testing.T) {
	api := newTestAPI(t)
	_, adminToken := api.registerAndLogin("admin@example.org")
	_, memberToken := api.registerAndLogin("member@example.org")
	tenantID := api.createTenant(adminToken, "Open House", "OPEN")

	resp := api.do(http.MethodPost, "/v1/tenants/"+tenantID+"/members", nil, memberToken)
	m := decode[map[string]any](t, resp)
	membershipID := m["id"].(string)

	// The admin cannot rewrite the member's profile via the own-profile route.
	resp = api.do(http.MethodPatch, "/v1/memberships/"+membershipID+"/profile",
		map[string]any{"display_name": "Imposter"}, adminToken)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.do(http.MethodPatch, "/v1/memberships/"+membershipID+"/profile",
		map[string]any{"display_name": "Brother John", "display_title": "Organist"}, memberToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("profile: status %d", resp.StatusCode)
	}
	updated := decode[map[string]any](t, resp)
	if updated["display_name"] != "Brother John" {
		t.Fatalf("unexpected profile %v", updated)
	}
}
