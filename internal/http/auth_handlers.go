package httpx

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/farmeye/api/internal/domain"
	"github.com/farmeye/api/internal/service/auth"
)

type registerRequest struct {
	Username string `json:"username" validate:"required,min=3,max=50"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
	FullName string `json:"full_name" validate:"required"`
	Phone    string `json:"phone" validate:"max=32"`
	Address  string `json:"address" validate:"max=255"`
}

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type profileRequest struct {
	FullName *string `json:"full_name" validate:"omitempty,min=1,max=120"`
	Email    *string `json:"email" validate:"omitempty,email"`
	Phone    *string `json:"phone" validate:"omitempty,max=32"`
	Address  *string `json:"address" validate:"omitempty,max=255"`
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8"`
}

func (r *Router) handleRegister(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var body registerRequest
	if err := decodeJSON(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	user, tokens, err := r.auth.Register(req.Context(), auth.Registration{
		Username: body.Username,
		Email:    body.Email,
		Password: body.Password,
		FullName: body.FullName,
		Phone:    body.Phone,
		Address:  body.Address,
	})
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	r.setAccessCookie(w, tokens)
	payload := userPayload(user)
	for k, v := range tokenPayload(tokens) {
		payload[k] = v
	}
	writeJSON(w, http.StatusCreated, payload)
}

// handleLoginForm accepts the OAuth2 password form used by browser clients.
func (r *Router) handleLoginForm(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	req.Body = http.MaxBytesReader(w, req.Body, maxJSONBody)
	if err := req.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}
	body := loginRequest{
		Username: strings.TrimSpace(req.PostForm.Get("username")),
		Password: req.PostForm.Get("password"),
	}
	if err := validate.Struct(body); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err).Error())
		return
	}
	r.login(w, req, body)
}

func (r *Router) handleLoginJSON(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var body loginRequest
	if err := decodeJSON(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	r.login(w, req, body)
}

func (r *Router) login(w http.ResponseWriter, req *http.Request, body loginRequest) {
	_, tokens, err := r.auth.Login(req.Context(), body.Username, body.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "incorrect username or password")
			return
		}
		r.writeServiceError(w, req, err)
		return
	}
	r.setAccessCookie(w, tokens)
	writeJSON(w, http.StatusOK, tokenPayload(tokens))
}

func (r *Router) handleRefresh(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var body refreshRequest
	if err := decodeJSON(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	_, tokens, err := r.auth.Refresh(req.Context(), body.RefreshToken)
	if err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	r.setAccessCookie(w, tokens)
	writeJSON(w, http.StatusOK, tokenPayload(tokens))
}

func (r *Router) handleLogout(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var body refreshRequest
	if err := decodeJSON(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := r.auth.Logout(req.Context(), body.RefreshToken); err != nil {
		r.writeServiceError(w, req, err)
		return
	}
	r.clearAccessCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) handleMe(w http.ResponseWriter, req *http.Request) {
	info, _ := authInfoFromContext(req.Context())
	switch req.Method {
	case http.MethodGet:
		user, err := r.auth.Me(req.Context(), info.UserID)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, userPayload(user))
	case http.MethodPut, http.MethodPatch:
		if req.URL.Path != "/auth/users/me" {
			r.methodNotAllowed(w)
			return
		}
		var body profileRequest
		if err := decodeJSON(req, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		user, err := r.auth.UpdateProfile(req.Context(), info.UserID, auth.ProfileUpdate{
			FullName: body.FullName,
			Email:    body.Email,
			Phone:    body.Phone,
			Address:  body.Address,
		})
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, userPayload(user))
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleChangePassword(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	info, _ := authInfoFromContext(req.Context())
	var body changePasswordRequest
	if err := decodeJSON(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := r.auth.ChangePassword(req.Context(), info.UserID, body.OldPassword, body.NewPassword)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusBadRequest, "current password is incorrect")
			return
		}
		r.writeServiceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "password updated"})
}

func (r *Router) setAccessCookie(w http.ResponseWriter, tokens auth.TokenPair) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessCookieKey,
		Value:    tokens.AccessToken,
		Path:     "/",
		MaxAge:   int(tokens.ExpiresIn / time.Second),
		HttpOnly: true,
		Secure:   r.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (r *Router) clearAccessCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     accessCookieKey,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   r.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func tokenPayload(tokens auth.TokenPair) map[string]any {
	return map[string]any{
		"access_token":  tokens.AccessToken,
		"refresh_token": tokens.RefreshToken,
		"token_type":    "bearer",
		"expires_in":    int(tokens.ExpiresIn / time.Second),
	}
}

func userPayload(u *domain.User) map[string]any {
	return map[string]any{
		"id":         u.ID,
		"username":   u.Username,
		"email":      u.Email,
		"full_name":  u.FullName,
		"phone":      u.Phone,
		"address":    u.Address,
		"role":       u.Role,
		"disabled":   u.Disabled,
		"created_at": u.CreatedAt,
		"updated_at": u.UpdatedAt,
	}
}
