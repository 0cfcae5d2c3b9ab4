package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"plexus/internal/ratelimit"
	"plexus/internal/security"
	"plexus/internal/util"
	"plexus/pkg/domain"
	"plexus/pkg/token"
	"plexus/services/api/internal/app"
)

const (
	tokenCookie   = "token"
	sessionCookie = "session"
)

// RateRule is a fixed-window limit.
type RateRule struct {
	Limit  int
	Window time.Duration
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	Redis          redis.UniversalClient
	KeyPrefix      string
	Alerter        *security.AuditAlerter
	TrustedProxies *util.TrustedProxies
	CORSOrigins    []string
	FrontendURL    string
	Production     bool

	AuthRate   RateRule
	APIRate    RateRule
	UploadRate RateRule
	StrictRate RateRule
}

// Server exposes the chat API over HTTP.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	alerter        *security.AuditAlerter
	trustedProxies *util.TrustedProxies
	corsOrigins    []string
	frontendURL    string
	production     bool

	authLimiter   *ratelimit.FixedWindowLimiter
	sendLimiter   *ratelimit.FixedWindowLimiter
	verifyLimiter *ratelimit.FixedWindowLimiter
	apiLimiter    *ratelimit.FixedWindowLimiter
	uploadLimiter *ratelimit.FixedWindowLimiter
	strictLimiter *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "plexus"
	}
	newLimiter := func(name string, rule, fallback RateRule) (*ratelimit.FixedWindowLimiter, error) {
		if rule.Limit <= 0 {
			rule.Limit = fallback.Limit
		}
		if rule.Window <= 0 {
			rule.Window = fallback.Window
		}
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.Redis, prefix+":ratelimit", name, rule.Limit, rule.Window)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	authLimiter, err := newLimiter("auth", cfg.AuthRate, RateRule{5, 15 * time.Minute})
	if err != nil {
		return nil, err
	}
	// OTP issue and verification get separate budgets keyed by address and
	// phone, so exhausting one code still leaves room to verify a fresh one.
	sendLimiter, err := newLimiter("otp-send", cfg.AuthRate, RateRule{5, 15 * time.Minute})
	if err != nil {
		return nil, err
	}
	verifyLimiter, err := newLimiter("otp-verify", cfg.AuthRate, RateRule{5, 15 * time.Minute})
	if err != nil {
		return nil, err
	}
	apiLimiter, err := newLimiter("api", cfg.APIRate, RateRule{100, 15 * time.Minute})
	if err != nil {
		return nil, err
	}
	uploadLimiter, err := newLimiter("upload", cfg.UploadRate, RateRule{10, time.Hour})
	if err != nil {
		return nil, err
	}
	strictLimiter, err := newLimiter("strict", cfg.StrictRate, RateRule{3, time.Hour})
	if err != nil {
		return nil, err
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		alerter:        cfg.Alerter,
		trustedProxies: cfg.TrustedProxies,
		corsOrigins:    cfg.CORSOrigins,
		frontendURL:    strings.TrimRight(strings.TrimSpace(cfg.FrontendURL), "/"),
		production:     cfg.Production,
		authLimiter:    authLimiter,
		sendLimiter:    sendLimiter,
		verifyLimiter:  verifyLimiter,
		apiLimiter:     apiLimiter,
		uploadLimiter:  uploadLimiter,
		strictLimiter:  strictLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = util.WithCORS(s.corsOrigins, h)
	h = util.WithSecurityHeaders(s.production, h)
	h = util.WithRequestLog("api", h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/google", s.handleGoogle)
	s.mux.HandleFunc("/api/auth/google/callback", s.handleGoogleCallback)
	s.mux.HandleFunc("/api/auth/send-otp", s.handleSendOTP)
	s.mux.HandleFunc("/api/auth/resend-otp", s.handleSendOTP)
	s.mux.HandleFunc("/api/auth/verify-otp", s.handleVerifyOTP)
	s.mux.HandleFunc("/api/auth/refresh", s.handleRefresh)
	s.mux.HandleFunc("/api/auth/status", s.handleStatus)
	s.mux.Handle("/api/auth/user", s.authenticated(s.handleUser))
	s.mux.Handle("/api/auth/logout", s.authenticated(s.handleLogout))
	s.mux.Handle("/api/auth/account", s.authenticated(s.handleDeleteAccount))
	s.mux.HandleFunc("/api/auth/jwks", s.handleJWKS)
	s.mux.HandleFunc("/.well-known/jwks.json", s.handleJWKS)

	// threads & chat
	s.mux.Handle("/api/thread", s.optionalAuth(s.handleThreads))
	s.mux.Handle("/api/thread/", s.optionalAuth(s.handleThreadByID))
	s.mux.Handle("/api/chat", s.optionalAuth(s.handleChat))

	// uploads
	s.mux.Handle("/api/upload", s.optionalAuth(s.handleUpload))
	s.mux.Handle("/api/upload/", s.optionalAuth(s.handleUploadByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// caller is the resolved identity of a request. The zero value is an
// anonymous caller.
type caller struct {
	user          domain.User
	authenticated bool
}

// ownerID selects the thread/upload partition; "" is the anonymous one.
func (c caller) ownerID() string {
	if !c.authenticated {
		return ""
	}
	return c.user.ID
}

type authHandler func(http.ResponseWriter, *http.Request, domain.User)

type callerHandler func(http.ResponseWriter, *http.Request, caller)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.app.Authenticate(r.Context(), token.FromRequest(r, tokenCookie))
		if err != nil {
			s.audit(r, "auth.authenticate", security.OutcomeFail, "reason", errorCode(err))
			s.writeAppError(w, r, err)
			return
		}
		next(w, r, user)
	})
}

// optionalAuth resolves the caller when a valid token is present. Missing or
// invalid tokens fall back to the anonymous partition.
func (s *Server) optionalAuth(next callerHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next(w, r, s.resolveCaller(r))
	})
}

func (s *Server) resolveCaller(r *http.Request) caller {
	raw := token.FromRequest(r, tokenCookie)
	if raw == "" {
		return caller{}
	}
	user, err := s.app.Authenticate(r.Context(), raw)
	if err != nil {
		return caller{}
	}
	return caller{user: user, authenticated: true}
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := s.clientIP(r)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == security.OutcomeSuccess {
		logger.Info("security_event", logAttrs...)
	} else {
		logger.Warn("security_event", logAttrs...)
	}
	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Warn("security_alert_observe_failed", "event", event, "err", err)
		return
	}
	if result.Triggered {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", result.Count,
			"threshold", result.Threshold,
			"window", result.Window.String(),
		)
	}
}

// allowRate counts the request against limiter under key and writes a 429
// when the window is exhausted.
func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, key, msg string) bool {
	decision := limiter.Allow(r.Context(), key)
	if decision.Allowed {
		return true
	}
	retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	s.audit(r, "ratelimit", security.OutcomeRateLimited, "key", key)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":      "Too many requests",
		"message":    msg,
		"retryAfter": retryAfter,
	})
	return false
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trustedProxies)
}

func (s *Server) requestContext(r *http.Request) app.RequestContext {
	return app.RequestContext{IP: s.clientIP(r), UserAgent: r.UserAgent()}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// decodeJSON reads a JSON body into dst and validates it. An empty body is
// accepted when allowEmpty is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
	if err != nil && !(allowEmpty && errors.Is(err, io.EOF)) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":   "Validation error",
				"code":    "VALIDATION_ERROR",
				"message": fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag()),
				"field":   fe.Field(),
			})
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request")
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError renders user-facing errors with their status and code;
// anything else is logged and reported as a generic 500.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	if appErr, ok := app.AsError(err); ok {
		body := map[string]any{
			"error":   http.StatusText(appErr.Status),
			"code":    appErr.Code,
			"message": appErr.Message,
		}
		for k, v := range appErr.Details {
			body[k] = v
		}
		if appErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(app.RetrySeconds(appErr.RetryAfter)))
		}
		writeJSON(w, appErr.Status, body)
		return
	}
	s.logError(r, "request failed", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error":   "internal error",
		"message": "An unexpected error occurred",
	})
}

func (s *Server) logError(r *http.Request, msg string, err error) {
	util.LoggerFromContext(r.Context()).Error(msg, "path", r.URL.Path, "err", err)
}

func errorCode(err error) string {
	if appErr, ok := app.AsError(err); ok {
		return appErr.Code
	}
	return "internal"
}
