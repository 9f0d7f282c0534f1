// Package httpapi is the HTTP surface of the service: authentication,
// tenant and membership management, impersonation and the audit viewer.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"communa.org/internal/audit"
	"communa.org/internal/impersonate"
	"communa.org/internal/obs"
	"communa.org/internal/session"
	"communa.org/internal/stream"
	"communa.org/internal/tenant"
)

// ReadyProbe reports readiness; with a DB configured it pings it.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	svc        *tenant.Service
	imp        *impersonate.Manager
	auditLog   audit.Log
	tokens     *session.Tokens
	feed       *stream.Stream
	readyProbe ReadyProbe
	version    string

	accessTTL    time.Duration
	rateBurst    int
	ratePerSec   int
	maxBodyBytes int64
}

// Config carries the knobs New needs beyond its collaborators.
type Config struct {
	Version      string
	AccessTTL    time.Duration
	RateBurst    int
	RatePerSec   int
	MaxBodyBytes int64
}

// New wires the HTTP routes over the service layer.
func New(svc *tenant.Service, imp *impersonate.Manager, auditLog audit.Log, tokens *session.Tokens, feed *stream.Stream, rp ReadyProbe, cfg Config) *API {
	a := &API{
		mux:          http.NewServeMux(),
		svc:          svc,
		imp:          imp,
		auditLog:     auditLog,
		tokens:       tokens,
		feed:         feed,
		readyProbe:   rp,
		version:      cfg.Version,
		accessTTL:    cfg.AccessTTL,
		rateBurst:    cfg.RateBurst,
		ratePerSec:   cfg.RatePerSec,
		maxBodyBytes: cfg.MaxBodyBytes,
	}
	if a.accessTTL <= 0 {
		a.accessTTL = 12 * time.Hour
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 50
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 25
	}
	if a.maxBodyBytes <= 0 {
		a.maxBodyBytes = 1 << 20
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// auth
	a.mux.HandleFunc("/v1/auth/register", a.handleRegister)
	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/password", a.handlePassword)

	// tenants and memberships
	a.mux.HandleFunc("/v1/tenants", a.handleTenantsCollection)
	a.mux.HandleFunc("/v1/tenants/", a.handleTenantScoped)
	a.mux.HandleFunc("/v1/memberships/", a.handleMembershipScoped)

	// platform admin
	a.mux.HandleFunc("/v1/admin/impersonate", a.handleImpersonate)
	a.mux.HandleFunc("/v1/admin/users/", a.handleAdminUsers)
	a.mux.HandleFunc("/v1/admin/audit", a.handleAuditList)
	a.mux.HandleFunc("/v1/admin/audit/stream", a.AuditStream)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler assembles the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, a.maxBodyBytes)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- infra handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "communa-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "communa-api",
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

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
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

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
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

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, fmt.Errorf("limit must be between %d and %d", min, max)
	}
	return val, nil
}

// handleServiceError maps the service error taxonomy to status codes.
// Authorization failures stay generic so probing callers learn nothing about
// what exists or what they are missing.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, tenant.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, tenant.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, tenant.ErrInvalidTransition), errors.Is(err, tenant.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, tenant.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, audit.ErrWriteFailed):
		writeError(w, r, http.StatusInternalServerError, "operation aborted: audit write failed")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// identity returns the authenticated identity or writes a 401.
func (a *API) identity(w http.ResponseWriter, r *http.Request) (session.Identity, bool) {
	ident, ok := session.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return session.Identity{}, false
	}
	return ident, true
}
