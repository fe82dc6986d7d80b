package api

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/ignite/mailhub/internal/auth"
	"github.com/ignite/mailhub/internal/pkg/httputil"
	"github.com/ignite/mailhub/internal/store"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string      `json:"token"`
	User  *store.User `json:"user"`
}

func (h *Handlers) setTokenCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int((365 * 24 * time.Hour).Seconds()),
	})
}

// Login exchanges username/password for a JWT.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	u, err := h.store.Authenticate(r.Context(), req.Username, req.Password)
	if errors.Is(err, store.ErrNotFound) {
		httputil.Unauthorized(w, "invalid username or password")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	token, err := h.auth.GenerateToken(u)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	h.setTokenCookie(w, token)
	httputil.OK(w, loginResponse{Token: token, User: u})
}

// Register creates an account. The first account becomes the
// administrator; afterwards registration can be switched off.
func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if err := auth.ValidateUsername(req.Username); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	enabled, err := h.store.RegistrationEnabled(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if !enabled {
		httputil.Forbidden(w, "registration is disabled")
		return
	}

	u, err := h.store.CreateUser(r.Context(), req.Username, req.Password, false)
	if errors.Is(err, store.ErrDuplicate) {
		httputil.Conflict(w, "username already taken")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	log.Printf("[API] registered user %q (admin=%v)", u.Username, u.IsAdmin)

	token, err := h.auth.GenerateToken(u)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	h.setTokenCookie(w, token)
	httputil.Created(w, loginResponse{Token: token, User: u})
}

// Logout clears the auth cookie. The JWT itself stays valid until expiry.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	httputil.OK(w, map[string]string{"status": "logged out"})
}

// CurrentUser returns the account behind the presented token.
func (h *Handlers) CurrentUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.store.GetUser(r.Context(), claims(r).UserID)
	if errors.Is(err, store.ErrNotFound) {
		httputil.Unauthorized(w, "account no longer exists")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, u)
}

// ChangePassword updates the caller's password after verifying the old one.
func (h *Handlers) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OldPassword string `json:"old_password"`
		NewPassword string `json:"new_password"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if err := auth.ValidatePassword(req.NewPassword); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	c := claims(r)
	if _, err := h.store.Authenticate(r.Context(), c.Username, req.OldPassword); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.Unauthorized(w, "old password is wrong")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	if err := h.store.UpdateUserPassword(r.Context(), c.UserID, req.NewPassword); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "password changed"})
}

// PublicConfig exposes the settings the login page needs.
func (h *Handlers) PublicConfig(w http.ResponseWriter, r *http.Request) {
	enabled, err := h.store.RegistrationEnabled(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"allow_register": enabled,
		"server_time":    time.Now().UTC().Format(time.RFC3339),
	})
}

// ListUsers is admin-only.
func (h *Handlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.ListUsers(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, users)
}

// AddUser creates an account on behalf of an admin, bypassing the
// registration toggle.
func (h *Handlers) AddUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		IsAdmin  bool   `json:"is_admin"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if err := auth.ValidateUsername(req.Username); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	u, err := h.store.CreateUser(r.Context(), req.Username, req.Password, req.IsAdmin)
	if errors.Is(err, store.ErrDuplicate) {
		httputil.Conflict(w, "username already taken")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.Created(w, u)
}

// DeleteUser removes an account. Admins cannot delete themselves.
func (h *Handlers) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	if id == claims(r).UserID {
		httputil.BadRequest(w, "cannot delete your own account")
		return
	}
	err := h.store.DeleteUser(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		httputil.NotFound(w, "user not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "deleted"})
}

// ResetUserPassword sets a new password for any account.
func (h *Handlers) ResetUserPassword(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "userID")
	if !ok {
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if err := auth.ValidatePassword(req.Password); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if err := h.store.UpdateUserPassword(r.Context(), id, req.Password); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.NotFound(w, "user not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "password reset"})
}

// SetRegistration toggles open registration.
func (h *Handlers) SetRegistration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if err := h.store.SetRegistrationEnabled(r.Context(), req.Enabled); err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]bool{"allow_register": req.Enabled})
}
