package app

import (
	"errors"
	"net/http"

	"tenderdesk/api/internal/authpw"
)

type accountsHandler func(w http.ResponseWriter, r *http.Request, accounts *authpw.Service)

// withAccounts answers 503 when password accounts are not wired.
func (s *HTTPServer) withAccounts(next accountsHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accounts := s.service.AuthPasswordService()
		if accounts == nil {
			writeError(w, http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
			return
		}
		next(w, r, accounts)
	}
}

// readBody decodes the request into a T, writing the 400 itself on failure.
func readBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var body T
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return body, false
	}
	return body, true
}

// accountError turns an authpw failure into a response. fallback is the
// code for errors without a more specific one.
func accountError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, authpw.ErrEmailTaken):
		writeError(w, http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
	case errors.Is(err, authpw.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	case errors.Is(err, authpw.ErrMissingFields), errors.Is(err, authpw.ErrWeakPassword), errors.Is(err, authpw.ErrInvalidToken):
		writeError(w, http.StatusBadRequest, fallback, err.Error(), nil)
	default:
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
	}
}

func (s *HTTPServer) handleAuthSignUp(w http.ResponseWriter, r *http.Request, accounts *authpw.Service) {
	body, ok := readBody[struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
	}](w, r)
	if !ok {
		return
	}
	created, err := accounts.SignUp(r.Context(), authpw.SignUpRequest{
		Email:       body.Email,
		Password:    body.Password,
		DisplayName: body.DisplayName,
	})
	if err != nil {
		accountError(w, err, "SIGNUP_FAILED")
		return
	}

	payload := map[string]any{"userId": created.UserID}
	if s.service.SMTPConfigured() {
		payload["message"] = "Please check your email to verify your account"
	} else {
		// No mail goes out, so the caller gets the token to verify with.
		payload["message"] = "Account created. Verify your email to continue."
		payload["devVerificationToken"] = created.VerificationToken
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleAuthSignIn(w http.ResponseWriter, r *http.Request, accounts *authpw.Service) {
	body, ok := readBody[struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}](w, r)
	if !ok {
		return
	}
	signedIn, err := accounts.SignIn(r.Context(), authpw.SignInRequest{Email: body.Email, Password: body.Password})
	if err != nil {
		accountError(w, authpw.ErrInvalidCredentials, "")
		return
	}
	if signedIn.RequiresVerify {
		writeError(w, http.StatusForbidden, "EMAIL_NOT_VERIFIED", "Please verify your email before signing in", nil)
		return
	}

	session, err := s.service.CreateSession(r.Context(), signedIn.User.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "SESSION_FAILED", "Failed to create session", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"accessToken": session.Token,
		"userId":      session.UserID,
		"userName":    session.UserName,
		"expiresAt":   session.ExpiresAt.Unix(),
	})
}

func (s *HTTPServer) handleAuthVerifyEmail(w http.ResponseWriter, r *http.Request, accounts *authpw.Service) {
	body, ok := readBody[struct {
		Token string `json:"token"`
	}](w, r)
	if !ok {
		return
	}
	if err := accounts.VerifyEmail(r.Context(), body.Token); err != nil {
		accountError(w, err, "VERIFICATION_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Email verified successfully"})
}

// handleAuthRequestReset answers the same way whether or not the account
// exists.
func (s *HTTPServer) handleAuthRequestReset(w http.ResponseWriter, r *http.Request, accounts *authpw.Service) {
	body, ok := readBody[struct {
		Email string `json:"email"`
	}](w, r)
	if !ok {
		return
	}
	token, err := accounts.RequestPasswordReset(r.Context(), body.Email)
	if err != nil {
		accountError(w, err, "RESET_FAILED")
		return
	}
	payload := map[string]any{"message": "If an account exists, a reset email has been sent"}
	if token != "" && !s.service.SMTPConfigured() {
		payload["devResetToken"] = token
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleAuthResetPassword(w http.ResponseWriter, r *http.Request, accounts *authpw.Service) {
	body, ok := readBody[struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}](w, r)
	if !ok {
		return
	}
	err := accounts.ResetPassword(r.Context(), authpw.ResetPasswordRequest{Token: body.Token, NewPassword: body.NewPassword})
	if err != nil {
		accountError(w, err, "RESET_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Password reset successfully"})
}
