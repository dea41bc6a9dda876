package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"evodash.io/internal/auth"
)

type assignRoleRequest struct {
	RoleID string `json:"roleId"`
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFromContext(r.Context())
	return p
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := a.svc.ListPermissions(r.Context())
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": nonNil(perms)})
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.svc.ListRoles(r.Context())
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": nonNil(roles)})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var in auth.RoleInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	role, err := a.svc.CreateRole(r.Context(), principal(r), in)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/roles/%s", role.ID))
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "role": role})
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.svc.ListUsers(r.Context())
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": nonNil(users)})
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := a.svc.GetUser(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var patch auth.UserPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.svc.UpdateUser(r.Context(), principal(r), mux.Vars(r)["id"], patch)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": user})
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.DeleteUser(r.Context(), principal(r), mux.Vars(r)["id"]); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.RoleID = strings.TrimSpace(req.RoleID)
	if req.RoleID == "" {
		writeError(w, r, http.StatusBadRequest, "roleId is required")
		return
	}
	userID := mux.Vars(r)["id"]
	if err := a.svc.AssignRole(r.Context(), principal(r), userID, req.RoleID); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "userId": userID, "roleId": req.RoleID})
}

func (a *API) handleUnassignRole(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.svc.UnassignRole(r.Context(), principal(r), vars["id"], vars["roleId"]); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleListAudit accepts userId, action, since (RFC 3339) and limit.
func (a *API) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := auth.AuditFilter{
		UserID: strings.TrimSpace(q.Get("userId")),
		Action: auth.AuditAction(strings.TrimSpace(q.Get("action"))),
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		filter.Since = since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	entries, err := a.svc.ListAudit(r.Context(), filter)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": nonNil(entries)})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
