// Command smoke drives a running API through the core membership flow:
// register, create tenant, join, approve, promote, resolve capabilities.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"
)

var client = &http.Client{Timeout: 10 * time.Second}

func main() {
	base := os.Getenv("COMMUNA_API_ADDR")
	if base == "" {
		base = "http://localhost:8080"
	}
	suffix := fmt.Sprintf("%d", rand.New(rand.NewSource(time.Now().UnixNano())).Int31())

	adminEmail := "smoke-admin-" + suffix + "@example.org"
	joinerEmail := "smoke-joiner-" + suffix + "@example.org"

	register(base, adminEmail)
	joinerID := register(base, joinerEmail)
	adminToken := login(base, adminEmail)
	joinerToken := login(base, joinerEmail)

	tenantID := asString(post(base, "/v1/tenants", adminToken, map[string]any{
		"name":          "Smoke Parish " + suffix,
		"approval_mode": "APPROVAL_REQUIRED",
	}, http.StatusCreated), "id")

	m := post(base, "/v1/tenants/"+tenantID+"/members", joinerToken, nil, http.StatusOK)
	if m["status"] != "REQUESTED" {
		log.Fatalf("join status: want REQUESTED, got %v", m["status"])
	}

	approved := patch(base, "/v1/tenants/"+tenantID+"/members/"+joinerID+"/status", adminToken,
		map[string]any{"status": "APPROVED"})
	if approved["status"] != "APPROVED" {
		log.Fatalf("approve status: got %v", approved["status"])
	}

	caps := get(base, "/v1/tenants/"+tenantID+"/capabilities", joinerToken)
	if n := len(caps["capabilities"].([]any)); n != 0 {
		log.Fatalf("member baseline should be empty, got %d capabilities", n)
	}

	put(base, "/v1/tenants/"+tenantID+"/members/"+joinerID+"/roles", adminToken,
		map[string]any{"roles": []string{"STAFF"}, "display_title": "Sexton"})

	caps = get(base, "/v1/tenants/"+tenantID+"/capabilities", joinerToken)
	if !contains(caps["capabilities"], "canCreateEvents") {
		log.Fatalf("staff should hold canCreateEvents, got %v", caps["capabilities"])
	}

	fmt.Printf("✅ smoke test passed: tenant=%s joiner=%s\n", tenantID, joinerID)
}

func register(base, email string) string {
	return asString(post(base, "/v1/auth/register", "", map[string]any{
		"email":        email,
		"password":     "smoke-password",
		"display_name": email,
	}, http.StatusCreated), "id")
}

func login(base, email string) string {
	resp := post(base, "/v1/auth/login", "", map[string]any{
		"email":    email,
		"password": "smoke-password",
	}, http.StatusOK)
	return asString(resp, "token")
}

func post(base, path, token string, body any, wantStatus int) map[string]any {
	return request(http.MethodPost, base, path, token, body, wantStatus)
}

func patch(base, path, token string, body any) map[string]any {
	return request(http.MethodPatch, base, path, token, body, http.StatusOK)
}

func put(base, path, token string, body any) map[string]any {
	return request(http.MethodPut, base, path, token, body, http.StatusOK)
}

func get(base, path, token string) map[string]any {
	return request(http.MethodGet, base, path, token, nil, http.StatusOK)
}

func request(method, base, path, token string, body any, wantStatus int) map[string]any {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			log.Fatalf("marshal %s %s: %v", method, path, err)
		}
	}
	req, err := http.NewRequest(method, base+path, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("new request %s %s: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		log.Fatalf("%s %s: status %d, want %d", method, path, resp.StatusCode, wantStatus)
	}
	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		log.Fatalf("decode %s %s: %v", method, path, err)
	}
	return result
}

func asString(m map[string]any, key string) string {
	v, ok := m[key].(string)
	if !ok || v == "" {
		log.Fatalf("missing %q in response %v", key, m)
	}
	return v
}

func contains(raw any, want string) bool {
	items, ok := raw.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}
