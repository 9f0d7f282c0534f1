package httpapi

import (
	"net/http"
	"strings"
	"time"

	"communa.org/internal/audit"
	"communa.org/internal/session"
)

type impersonateRequest struct {
	TargetUserID string `json:"target_user_id"`
}

type impersonateResponse struct {
	Token           string `json:"token"`
	UserID          string `json:"user_id"`
	RealUserID      string `json:"real_user_id"`
	IsImpersonating bool   `json:"is_impersonating"`
}

func (a *API) handleImpersonate(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.startImpersonation(w, r)
	case http.MethodDelete:
		a.endImpersonation(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
	}
}

func (a *API) startImpersonation(w http.ResponseWriter, r *http.Request) {
	ident, ok := a.identity(w, r)
	if !ok {
		return
	}
	var req impersonateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.TargetUserID = strings.TrimSpace(req.TargetUserID)
	if req.TargetUserID == "" {
		writeError(w, r, http.StatusBadRequest, "target_user_id is required")
		return
	}
	token, next, err := a.imp.Start(r.Context(), ident, req.TargetUserID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newImpersonateResponse(token, next))
}

func (a *API) endImpersonation(w http.ResponseWriter, r *http.Request) {
	ident, ok := a.identity(w, r)
	if !ok {
		return
	}
	token, next, err := a.imp.End(r.Context(), ident)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newImpersonateResponse(token, next))
}

func newImpersonateResponse(token string, ident session.Identity) impersonateResponse {
	return impersonateResponse{
		Token:           token,
		UserID:          ident.UserID,
		RealUserID:      ident.RealUserID,
		IsImpersonating: ident.Impersonating(),
	}
}

func (a *API) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/admin/users/")
	path = strings.Trim(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "disable" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	ident, ok := a.identity(w, r)
	if !ok {
		return
	}
	if err := a.svc.DisableUser(r.Context(), ident.Actor(), parts[0]); err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	ident, ok := a.identity(w, r)
	if !ok {
		return
	}
	if !a.requireSuperAdmin(w, r, ident) {
		return
	}

	filter, err := parseAuditFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := a.auditLog.List(r.Context(), filter)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []audit.ResolvedEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

// requireSuperAdmin gates the audit viewer on the real identity: an
// impersonated session never extends audit access.
func (a *API) requireSuperAdmin(w http.ResponseWriter, r *http.Request, ident session.Identity) bool {
	user, err := a.svc.GetUser(r.Context(), ident.RealUserID)
	if err != nil || !user.IsSuperAdmin || user.Disabled {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

func parseAuditFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	filter := audit.Filter{
		ActorUserID: strings.TrimSpace(q.Get("actor")),
	}
	if raw := strings.TrimSpace(q.Get("action")); raw != "" {
		action, err := audit.ParseAction(raw)
		if err != nil {
			return audit.Filter{}, err
		}
		filter.Action = action
	}
	if raw := strings.TrimSpace(q.Get("from")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filter{}, err
		}
		filter.From = t
	}
	if raw := strings.TrimSpace(q.Get("to")); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return audit.Filter{}, err
		}
		filter.To = t
	}
	limit, err := parsePositiveInt(q.Get("limit"), 100, 1, 1000)
	if err != nil {
		return audit.Filter{}, err
	}
	filter.Limit = limit
	return filter, nil
}
