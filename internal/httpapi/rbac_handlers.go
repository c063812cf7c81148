package httpapi

import (
	"fmt"
	"net/http"

	"medportal.org/internal/audit"
	"medportal.org/internal/auth"
)

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type updateRolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type assignRoleRequest struct {
	RoleID string `json:"role_id"`
}

func (a *API) handleMyPermissions(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	perms, err := a.perms.GetUserPermissions(r.Context(), userID)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "permissions": perms})
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.rbac.ListRoles(r.Context())
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	if roles == nil {
		roles = []auth.Role{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": roles})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.rbac.CreateRole(r.Context(), req.Name, req.Description)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.create", map[string]any{"role_id": role.ID, "name": role.Name})
	w.Header().Set("Location", fmt.Sprintf("/v1/admin/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.rbac.ListPermissions(r.Context())
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	if perms == nil {
		perms = []auth.Permission{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": perms})
}

func (a *API) handleSetRolePermissions(w http.ResponseWriter, r *http.Request) {
	roleID := pathValue(r, "id")
	var req updateRolePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.rbac.SetRolePermissions(r.Context(), roleID, req.Permissions); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.permissions.update", map[string]any{
		"role_id":     roleID,
		"permissions": req.Permissions,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	userID := pathValue(r, "id")
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.rbac.AssignRole(r.Context(), userID, req.RoleID); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.user.role.assign", map[string]any{"target_user_id": userID, "role_id": req.RoleID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRemoveRole(w http.ResponseWriter, r *http.Request) {
	userID, roleID := pathValue(r, "id"), pathValue(r, "role")
	if err := a.rbac.RemoveRole(r.Context(), userID, roleID); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.user.role.remove", map[string]any{"target_user_id": userID, "role_id": roleID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleInvalidateResetTokens(w http.ResponseWriter, r *http.Request) {
	userID := pathValue(r, "id")
	n, err := a.resets.InvalidateUserTokens(r.Context(), userID)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.reset_tokens.invalidated", map[string]any{"target_user_id": userID, "count": n})
	writeJSON(w, http.StatusOK, map[string]any{"invalidated": n})
}

func (a *API) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := pathValue(r, "id")
	if err := a.portal.RevokeSession(r.Context(), sessionID); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.session.revoked", map[string]any{"session_id": sessionID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := a.sweeper.RunOnce(r.Context())
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "maintenance.sweep", map[string]any{
		"challenges_deleted": res.ChallengesDeleted,
		"sessions_deleted":   res.SessionsDeleted,
	})
	writeJSON(w, http.StatusOK, res)
}
