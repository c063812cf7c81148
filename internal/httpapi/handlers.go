package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"medportal.org/internal/auth"
	"medportal.org/internal/obs"
	"medportal.org/internal/sweeper"
)

// ReadinessCheck reports readiness; a nil DB (in-memory mode) is always ready.
type ReadinessCheck struct {
	DB *sql.DB
}

func (rp ReadinessCheck) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps are the services the HTTP layer fronts.
type Deps struct {
	Portal     *auth.Service
	Resets     *auth.ResetEngine
	Perms      *auth.PermissionCache
	RBAC       *auth.RBACService
	Authorizer *auth.Authorizer
	// Sweeper is optional; without it the maintenance route is not mounted.
	Sweeper *sweeper.Sweeper
	Ready   ReadinessCheck
	Version string
	Limits  RateLimitConfig
	Logger  zerolog.Logger
}

// API is the HTTP surface of the auth core.
type API struct {
	mux        *http.ServeMux
	portal     *auth.Service
	resets     *auth.ResetEngine
	perms      *auth.PermissionCache
	rbac       *auth.RBACService
	authorizer *auth.Authorizer
	sweeper    *sweeper.Sweeper
	readiness  ReadinessCheck
	version    string
	limiter    *RateLimiter
	log        zerolog.Logger
}

func New(d Deps) (*API, error) {
	if d.Portal == nil || d.Resets == nil || d.Perms == nil || d.RBAC == nil || d.Authorizer == nil {
		return nil, errors.New("httpapi: portal, reset, permission and rbac services are required")
	}
	a := &API{
		mux:        http.NewServeMux(),
		portal:     d.Portal,
		resets:     d.Resets,
		perms:      d.Perms,
		rbac:       d.RBAC,
		authorizer: d.Authorizer,
		sweeper:    d.Sweeper,
		readiness:  d.Ready,
		version:    d.Version,
		limiter:    NewRateLimiter(d.Limits),
		log:        d.Logger.With().Str("component", "http").Logger(),
	}

	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	// Unauthenticated and rate limited per client IP.
	a.mux.Handle("POST /v1/auth/otp/start", a.limiter.Wrap(http.HandlerFunc(a.handleOTPStart)))
	a.mux.Handle("POST /v1/auth/otp/resend", a.limiter.Wrap(http.HandlerFunc(a.handleOTPResend)))
	a.mux.Handle("POST /v1/auth/otp/verify", a.limiter.Wrap(http.HandlerFunc(a.handleOTPVerify)))
	a.mux.Handle("POST /v1/admin/login", a.limiter.Wrap(http.HandlerFunc(a.handleAdminLogin)))
	a.mux.Handle("POST /v1/admin/password/forgot", a.limiter.Wrap(http.HandlerFunc(a.handlePasswordForgot)))
	a.mux.Handle("POST /v1/admin/password/reset", a.limiter.Wrap(http.HandlerFunc(a.handlePasswordReset)))

	// Any authenticated session.
	a.mux.Handle("POST /v1/auth/logout", a.withAuth(auth.Policy{}, a.handleLogout))
	a.mux.Handle("GET /v1/auth/me", a.withAuth(auth.Policy{}, a.handleMe))

	// Admin sessions.
	admin := func(perm string, h http.HandlerFunc) http.Handler {
		return a.withAuth(auth.Policy{UserType: auth.UserTypeAdmin, Permission: perm}, h)
	}
	a.mux.Handle("POST /v1/admin/password/change", admin("", a.handlePasswordChange))
	a.mux.Handle("GET /v1/admin/me/permissions", admin("", a.handleMyPermissions))
	a.mux.Handle("GET /v1/admin/roles", admin(auth.PermRolesRead, a.handleListRoles))
	a.mux.Handle("POST /v1/admin/roles", admin(auth.PermRolesUpdate, a.handleCreateRole))
	a.mux.Handle("GET /v1/admin/permissions", admin(auth.PermRolesRead, a.handleListPermissions))
	a.mux.Handle("PUT /v1/admin/roles/{id}/permissions", admin(auth.PermRolesUpdate, a.handleSetRolePermissions))
	a.mux.Handle("POST /v1/admin/users/{id}/roles", admin(auth.PermUsersAssignRoles, a.handleAssignRole))
	a.mux.Handle("DELETE /v1/admin/users/{id}/roles/{role}", admin(auth.PermUsersAssignRoles, a.handleRemoveRole))
	a.mux.Handle("POST /v1/admin/users/{id}/reset-tokens/invalidate", admin(auth.PermUsersUpdate, a.handleInvalidateResetTokens))
	a.mux.Handle("POST /v1/admin/sessions/{id}/revoke", admin(auth.PermSessionsRevoke, a.handleRevokeSession))
	if a.sweeper != nil {
		a.mux.Handle("POST /v1/admin/maintenance/sweep", admin(auth.PermMaintenanceManage, a.handleSweep))
	}

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	return a, nil
}

// Handler returns the mux wrapped in the middleware chain.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = Logging(a.log)(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": obs.ServiceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readiness.Check(r.Context()); err != nil {
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
	info := map[string]any{
		"name":    obs.ServiceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	}
	if a.sweeper != nil {
		if last, ok := a.sweeper.LastResult(); ok {
			info["last_sweep"] = last
		}
	}
	writeJSON(w, http.StatusOK, info)
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

// writeAuthError maps auth errors onto status codes. Anything unrecognised
// is logged and reported as a 500 without detail.
func (a *API) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrValidation):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrInvalidCredential):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrInvalidCode):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrUnauthenticated),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrRevokedOrExpired):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrUserTypeMismatch), errors.Is(err, auth.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrExpiredOrNotFound), errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrTooManyAttempts), errors.Is(err, auth.ErrTooManyResends):
		writeError(w, r, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		a.log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func pathValue(r *http.Request, name string) string {
	return strings.TrimSpace(r.PathValue(name))
}
