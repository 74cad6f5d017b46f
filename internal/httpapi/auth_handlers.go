package httpapi

import (
	"net/http"

	"caseflow.io/internal/identity"
)

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type resetRequest struct {
	Email string `json:"email"`
}

type resetConfirmRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

type impersonateRequest struct {
	TargetUserID string `json:"target_user_id"`
	Reason       string `json:"reason"`
}

type tokenResponse struct {
	*identity.TokenPair
	TokenType string `json:"token_type"`
}

func newTokenResponse(pair *identity.TokenPair) tokenResponse {
	return tokenResponse{TokenPair: pair, TokenType: "Bearer"}
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	user, err := a.svc.Register(r.Context(), req.Email, req.Password, req.Username)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, _, err := a.svc.Login(r.Context(), req.Email, req.Password, r.UserAgent(), clientIP(r))
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	pair, _, err := a.svc.Refresh(r.Context(), req.RefreshToken, r.UserAgent(), clientIP(r))
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.Logout(r.Context(), req.RefreshToken); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	resp := map[string]any{
		"user_id":        claims.UserID(),
		"email":          claims.Email,
		"is_admin":       claims.IsAdmin,
		"is_super_admin": claims.IsSuperAdmin,
	}
	if claims.AccountID != "" {
		resp["account_id"] = claims.AccountID
		resp["account_role"] = claims.AccountRole
	}
	if claims.Impersonated() {
		resp["impersonated_by"] = claims.ImpersonatedBy
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	count, err := a.svc.LogoutAll(r.Context(), claims.UserID())
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked_sessions": count})
}

func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	sessions, err := a.svc.ListSessions(r.Context(), claims.UserID())
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []identity.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (a *API) handleRevokeSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	id := pathVar(r, "id")
	if id == "" {
		writeError(w, r, http.StatusBadRequest, "session id is required")
		return
	}
	if err := a.svc.RevokeSession(r.Context(), claims.UserID(), id); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

func (a *API) handlePasswordResetRequest(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	// The token travels out of band (mail pipeline). The response is the
	// same whether or not the address exists.
	if _, err := a.svc.RequestPasswordReset(r.Context(), req.Email); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func (a *API) handlePasswordResetConfirm(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_reset"})
}

func (a *API) handleSwitchAccount(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	accountID := pathVar(r, "id")
	if accountID == "" {
		writeError(w, r, http.StatusBadRequest, "account id is required")
		return
	}
	token, switched, err := a.svc.SwitchAccount(r.Context(), claims.UserID(), accountID)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"account_id":   switched.AccountID,
		"account_role": switched.AccountRole,
	})
}

func (a *API) handleImpersonateStart(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	var req impersonateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	token, derived, err := a.svc.StartImpersonation(r.Context(), claims, req.TargetUserID, req.Reason)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":    token,
		"token_type":      "Bearer",
		"user_id":         derived.UserID(),
		"impersonated_by": derived.ImpersonatedBy,
	})
}

func (a *API) handleImpersonateStop(w http.ResponseWriter, r *http.Request) {
	claims, ok := requireClaims(w, r)
	if !ok {
		return
	}
	token, restored, err := a.svc.StopImpersonation(r.Context(), claims)
	if err != nil {
		handleIdentityError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"user_id":      restored.UserID(),
	})
}
