package httpapi

import (
	"net/http"
	"strings"

	"medportal.org/internal/audit"
	"medportal.org/internal/auth"
	"medportal.org/internal/notify"
)

type subjectRequest struct {
	DocumentType   string   `json:"document_type"`
	DocumentNumber string   `json:"document_number"`
	UserID         string   `json:"user_id,omitempty"`
	Channels       []string `json:"channels,omitempty"`
	Code           string   `json:"code,omitempty"`
}

func (req subjectRequest) subject() auth.Subject {
	return auth.Subject{DocumentType: req.DocumentType, DocumentNumber: req.DocumentNumber, UserID: req.UserID}
}

type adminLoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type forgotPasswordRequest struct {
	Identifier string `json:"identifier"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type meResponse struct {
	UserID    string        `json:"user_id"`
	UserType  auth.UserType `json:"user_type"`
	Name      string        `json:"name,omitempty"`
	Roles     []string      `json:"roles,omitempty"`
	HistoryID string        `json:"history_id,omitempty"`
}

func (a *API) handleOTPStart(w http.ResponseWriter, r *http.Request) {
	var req subjectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	channels := make([]notify.Channel, 0, len(req.Channels))
	for _, c := range req.Channels {
		ch, ok := notify.ParseChannel(c)
		if !ok {
			writeError(w, r, http.StatusBadRequest, "unsupported channel "+strings.TrimSpace(c))
			return
		}
		channels = append(channels, ch)
	}
	ack, err := a.portal.StartPatientLogin(r.Context(), req.subject(), channels)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.auditOTP(r, "auth.otp.started", ack)
	writeJSON(w, http.StatusAccepted, ack)
}

func (a *API) handleOTPResend(w http.ResponseWriter, r *http.Request) {
	var req subjectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ack, err := a.portal.ResendPatientCode(r.Context(), req.subject())
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	a.auditOTP(r, "auth.otp.resent", ack)
	writeJSON(w, http.StatusAccepted, ack)
}

func (a *API) auditOTP(r *http.Request, event string, ack auth.OTPAck) {
	fields := map[string]any{"challenge_id": ack.ChallengeID}
	if ack.Degraded() {
		fields["failed_channels"] = ack.FailedChannels
	}
	_ = audit.LogEvent(r.Context(), event, fields)
}

func (a *API) handleOTPVerify(w http.ResponseWriter, r *http.Request) {
	var req subjectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tok, err := a.portal.VerifyPatientLogin(r.Context(), req.subject(), req.Code)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.session.issued", map[string]any{
		"session_id": tok.SessionID,
		"user_type":  tok.UserType,
	})
	writeJSON(w, http.StatusOK, tok)
}

func (a *API) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req adminLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tok, principal, err := a.portal.AdminLogin(r.Context(), req.Username, req.Password)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	ctx := auth.ContextWithPrincipal(r.Context(), principal)
	_ = audit.LogEvent(ctx, "auth.session.issued", map[string]any{
		"session_id": tok.SessionID,
		"user_type":  tok.UserType,
	})
	writeJSON(w, http.StatusOK, tok)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	if err := a.portal.Logout(r.Context(), principal); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.session.revoked", map[string]any{"session_id": principal.SessionID})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, meResponse{
		UserID:    p.UserID,
		UserType:  p.UserType,
		Name:      p.Name,
		Roles:     p.Roles,
		HistoryID: p.HistoryID,
	})
}

func (a *API) handlePasswordForgot(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ack, err := a.resets.RequestReset(r.Context(), req.Identifier)
	if err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ack)
}

func (a *API) handlePasswordReset(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.resets.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.password.reset", nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePasswordChange(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	userID, _ := auth.UserIDFromContext(r.Context())
	if err := a.resets.ChangePassword(r.Context(), userID, req.CurrentPassword, req.NewPassword); err != nil {
		a.writeAuthError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.password.changed", nil)
	w.WriteHeader(http.StatusNoContent)
}
