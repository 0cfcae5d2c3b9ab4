package server

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"plexus/internal/security"
	"plexus/pkg/domain"
	"plexus/services/api/internal/app"
)

type sendOTPRequest struct {
	PhoneNumber string `json:"phoneNumber" validate:"required,max=32"`
	Email       string `json:"email" validate:"omitempty,max=254"`
}

type verifyOTPRequest struct {
	PhoneNumber string `json:"phoneNumber" validate:"required,max=32"`
	OTP         string `json:"otp" validate:"required,len=6,numeric"`
}

type refreshRequest struct {
	SessionToken string `json:"sessionToken" validate:"omitempty,max=256"`
}

type userProfile struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	Image       string    `json:"image,omitempty"`
	PhoneNumber string    `json:"phoneNumber,omitempty"`
	AuthMethod  string    `json:"authMethod"`
	CreatedAt   time.Time `json:"createdAt"`
	LastLogin   time.Time `json:"lastLogin"`
}

func profileOf(u domain.User) userProfile {
	return userProfile{
		ID:          u.ID,
		Email:       u.Email,
		Name:        u.Name,
		Image:       u.Image,
		PhoneNumber: u.PhoneNumber,
		AuthMethod:  string(u.AuthMethod),
		CreatedAt:   u.CreatedAt,
		LastLogin:   u.LastLogin,
	}
}

func (s *Server) handleGoogle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.authLimiter, s.clientIP(r), "Too many authentication attempts, please try again later") {
		return
	}
	target, err := s.app.GoogleAuthURL(r.Context())
	if err != nil {
		s.audit(r, "auth.google", security.OutcomeFail, "reason", errorCode(err))
		s.redirectLoginError(w, r, err)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (s *Server) handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.authLimiter, s.clientIP(r), "Too many authentication attempts, please try again later") {
		return
	}
	q := r.URL.Query()
	if reason := q.Get("error"); reason != "" {
		s.audit(r, "auth.google", security.OutcomeRejected, "reason", reason)
		http.Redirect(w, r, s.frontendURL+"/login?error="+url.QueryEscape(reason), http.StatusFound)
		return
	}
	res, err := s.app.CompleteGoogleLogin(r.Context(), q.Get("state"), q.Get("code"), s.requestContext(r))
	if err != nil {
		s.audit(r, "auth.google", security.OutcomeFail, "reason", errorCode(err))
		s.redirectLoginError(w, r, err)
		return
	}
	s.audit(r, "auth.google", security.OutcomeSuccess, "user_id", res.User.ID)
	s.setAuthCookies(w, res)
	http.Redirect(w, r, s.frontendURL+"?auth=success", http.StatusFound)
}

// redirectLoginError sends the browser back to the login page with a
// readable reason. Unexpected failures are reported as server_error.
func (s *Server) redirectLoginError(w http.ResponseWriter, r *http.Request, err error) {
	reason := "server_error"
	if appErr, ok := app.AsError(err); ok {
		reason = appErr.Message
	} else {
		s.logError(r, "google login failed", err)
	}
	http.Redirect(w, r, s.frontendURL+"/login?error="+url.QueryEscape(reason), http.StatusFound)
}

// handleSendOTP also serves resend-otp; both issue a fresh code.
func (s *Server) handleSendOTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req sendOTPRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if !s.allowRate(w, r, s.sendLimiter, s.otpRateKey(r, req.PhoneNumber), "Too many authentication attempts, please try again later") {
		return
	}
	res, err := s.app.SendOTP(r.Context(), req.PhoneNumber, req.Email, s.requestContext(r))
	if err != nil {
		s.audit(r, "auth.otp.send", security.OutcomeFail, "reason", errorCode(err))
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.otp.send", security.OutcomeSuccess, "email", res.MaskedEmail)
	body := map[string]any{
		"success":        true,
		"message":        "Verification code sent",
		"expiresIn":      int(res.ExpiresIn.Seconds()),
		"email":          res.MaskedEmail,
		"canResendAfter": int(res.CanResendAfter.Seconds()),
	}
	if res.Code != "" {
		body["otp"] = res.Code
	}
	writeJSON(w, http.StatusOK, body)
}

// otpRateKey scopes OTP budgets to the client address and the canonical
// phone number; unparseable numbers fall back to the raw input.
func (s *Server) otpRateKey(r *http.Request, rawPhone string) string {
	phone, err := s.app.CanonicalPhone(rawPhone)
	if err != nil {
		phone = strings.TrimSpace(rawPhone)
	}
	return s.clientIP(r) + "|" + phone
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req verifyOTPRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if !s.allowRate(w, r, s.verifyLimiter, s.otpRateKey(r, req.PhoneNumber), "Too many authentication attempts, please try again later") {
		return
	}
	res, err := s.app.VerifyOTP(r.Context(), req.PhoneNumber, req.OTP, s.requestContext(r))
	if err != nil {
		s.audit(r, "auth.otp.verify", security.OutcomeFail, "reason", errorCode(err))
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.otp.verify", security.OutcomeSuccess, "user_id", res.User.ID)
	s.setAuthCookies(w, res)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"token":        res.Token,
		"sessionToken": res.Session.Token,
		"user":         profileOf(res.User),
	})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.authLimiter, s.clientIP(r), "Too many authentication attempts, please try again later") {
		return
	}
	var req refreshRequest
	if !decodeJSON(w, r, &req, true) {
		return
	}
	if req.SessionToken == "" {
		if c, err := r.Cookie(sessionCookie); err == nil {
			req.SessionToken = c.Value
		}
	}
	res, err := s.app.Refresh(r.Context(), req.SessionToken)
	if err != nil {
		s.audit(r, "auth.refresh", security.OutcomeFail, "reason", errorCode(err))
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.refresh", security.OutcomeSuccess, "user_id", res.User.ID)
	s.setAuthCookies(w, res)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"token":   res.Token,
		"user":    profileOf(res.User),
	})
}

// handleStatus never fails; an unusable token reports unauthenticated.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	c := s.resolveCaller(r)
	if !c.authenticated {
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": false,
			"message":       "Not authenticated",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"user":          profileOf(c.user),
	})
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    profileOf(user),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.app.Logout(r.Context(), user); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	s.clearAuthCookies(w)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Logged out successfully",
	})
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.strictLimiter, user.ID, "Too many attempts for this sensitive operation, please try again later") {
		return
	}
	if err := s.app.DeleteAccount(r.Context(), user); err != nil {
		s.audit(r, "auth.account.delete", security.OutcomeFail, "user_id", user.ID)
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.account.delete", security.OutcomeSuccess, "user_id", user.ID)
	s.clearAuthCookies(w)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Account deleted successfully",
	})
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string]any{"keys": s.app.JWKS()})
}

func (s *Server) setAuthCookies(w http.ResponseWriter, res app.AuthResult) {
	http.SetCookie(w, s.cookie(tokenCookie, res.Token, "/", int(s.app.TokenTTL().Seconds())))
	if res.Session.Token != "" {
		maxAge := int(time.Until(res.Session.ExpiresAt).Seconds())
		if maxAge > 0 {
			http.SetCookie(w, s.cookie(sessionCookie, res.Session.Token, "/api/auth", maxAge))
		}
	}
}

func (s *Server) clearAuthCookies(w http.ResponseWriter) {
	http.SetCookie(w, s.cookie(tokenCookie, "", "/", -1))
	http.SetCookie(w, s.cookie(sessionCookie, "", "/api/auth", -1))
}

func (s *Server) cookie(name, value, path string, maxAge int) *http.Cookie {
	sameSite := http.SameSiteLaxMode
	if s.production {
		sameSite = http.SameSiteStrictMode
	}
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.production,
		SameSite: sameSite,
	}
}
