package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"communa.org/internal/authz"
	"communa.org/internal/tenant"
)

type createTenantRequest struct {
	Name         string `json:"name"`
	ApprovalMode string `json:"approval_mode"`
}

type updatePermissionsRequest struct {
	Permissions authz.Matrix `json:"permissions"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type updateRolesRequest struct {
	Roles        []string `json:"roles"`
	DisplayTitle string   `json:"display_title"`
}

type updateProfileRequest struct {
	DisplayName  string `json:"display_name"`
	DisplayTitle string `json:"display_title"`
}

type capabilitiesResponse struct {
	TenantID     string   `json:"tenant_id"`
	UserID       string   `json:"user_id"`
	Capabilities []string `json:"capabilities"`
}

func (a *API) handleTenantsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	ident, ok := a.identity(w, r)
	if !ok {
		return
	}
	var req createTenantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	mode := tenant.ApprovalMode(strings.ToUpper(strings.TrimSpace(req.ApprovalMode)))
	if req.ApprovalMode != "" && !mode.Valid() {
		writeError(w, r, http.StatusBadRequest, "approval_mode must be OPEN or APPROVAL_REQUIRED")
		return
	}
	created, err := a.svc.CreateTenant(r.Context(), ident.UserID, req.Name, mode)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/tenants/%s", created.ID))
	writeJSON(w, http.StatusCreated, created)
}

func (a *API) handleTenantScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/tenants/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	tenantID := parts[0]

	switch {
	case len(parts) == 1:
		a.getTenant(w, r, tenantID)
	case len(parts) == 2 && parts[1] == "permissions":
		a.updatePermissions(w, r, tenantID)
	case len(parts) == 2 && parts[1] == "members":
		a.handleMembersCollection(w, r, tenantID)
	case len(parts) == 2 && parts[1] == "capabilities":
		a.getCapabilities(w, r, tenantID)
	case len(parts) == 4 && parts[1] == "members" && parts[3] == "status":
		a.updateMemberStatus(w, r, tenantID, parts[2])
	case len(parts) == 4 && parts[1] == "members" && parts[3] == "roles":
		a.updateMemberRoles(w, r, tenantID, parts[2])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getTenant(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.identity(w, r); !ok {
		return
	}
	t, err := a.svc.GetTenant(r.Context(), tenantID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) updatePermissions(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	ident, ok := a.identity(w, r)
	if !ok {
		return
	}
	var req updatePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := a.svc.UpdatePermissionMatrix(r.Context(), ident.Actor(), tenantID, req.Permissions)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (a *API) handleMembersCollection(w http.ResponseWriter, r *http.Request, tenantID string) {
	switch r.Method {
	case http.MethodPost:
		a.requestJoin(w, r, tenantID)
	case http.MethodGet:
		a.listMembers(w, r, tenantID)
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) requestJoin(w http.ResponseWriter, r *http.Request, tenantID string) {
	ident, ok := a.identity(w, r)
	if !ok {
		return
	}
	m, err := a.svc.RequestJoin(r.Context(), ident.UserID, tenantID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) listMembers(w http.ResponseWriter, r *http.Request, tenantID string) {
	ident, ok := a.identity(w, r)
	if !ok {
		return
	}
	members, err := a.svc.ListMembers(r.Context(), ident.Actor(), tenantID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if members == nil {
		members = []tenant.Membership{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": members})
}

func (a *API) updateMemberStatus(w http.ResponseWriter, r *http.Request, tenantID, userID string) {
	if r.Method != http.MethodPatch {
		methodNotAllowed(w, r, http.MethodPatch)
		return
	}
	ident, ok := a.identity(w, r)
	if !ok {
		return
	}
	var req updateStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	status := tenant.Status(strings.ToUpper(strings.TrimSpace(req.Status)))
	if !status.Valid() {
		writeError(w, r, http.StatusBadRequest, "status must be one of REQUESTED, APPROVED, REJECTED, BANNED")
		return
	}
	m, err := a.svc.UpdateStatus(r.Context(), ident.Actor(), tenantID, userID, status)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) updateMemberRoles(w http.ResponseWriter, r *http.Request, tenantID, userID string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	ident, ok := a.identity(w, r)
	if !ok {
		return
	}
	var req updateRolesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	roles, err := authz.ParseRoleSet(req.Roles)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.svc.UpdateRolesAndTitle(r.Context(), ident.Actor(), tenantID, userID, roles, req.DisplayTitle)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) getCapabilities(w http.ResponseWriter, r *http.Request, tenantID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	ident, ok := a.identity(w, r)
	if !ok {
		return
	}
	caps, err := a.svc.ResolveCapabilities(r.Context(), ident.UserID, tenantID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	names := make([]string, 0, len(caps))
	for _, cap := range authz.AllCapabilities {
		if caps.Has(cap) {
			names = append(names, string(cap))
		}
	}
	writeJSON(w, http.StatusOK, capabilitiesResponse{
		TenantID:     tenantID,
		UserID:       ident.UserID,
		Capabilities: names,
	})
}

func (a *API) handleMembershipScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/memberships/")
	path = strings.Trim(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "profile" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPatch {
		methodNotAllowed(w, r, http.MethodPatch)
		return
	}
	ident, ok := a.identity(w, r)
	if !ok {
		return
	}
	var req updateProfileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	m, err := a.svc.UpdateOwnProfile(r.Context(), ident.UserID, parts[0], req.DisplayName, req.DisplayTitle)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
