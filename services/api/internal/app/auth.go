package app

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/nyaruka/phonenumbers"
	"plexus/internal/util"
	"plexus/pkg/auth"
	"plexus/pkg/domain"
	"plexus/pkg/mail"
	"plexus/pkg/otp"
	"plexus/pkg/store"
	"plexus/pkg/token"
	"plexus/services/api/internal/oauth"
)

const (
	// MaxFailedAttempts is the number of wrong codes, across OTP records,
	// after which an existing account is locked.
	MaxFailedAttempts = 5
	LockoutDuration   = 15 * time.Minute
	// ResendCooldown is advertised to clients; it is not enforced server side.
	ResendCooldown = 60 * time.Second
	defaultName    = "User"
)

// RequestContext carries the caller's IP and user agent.
type RequestContext = otp.RequestContext

// AuthResult is returned by every successful login.
type AuthResult struct {
	User    domain.User
	Token   string
	Session domain.Session
}

// SendOTPResult describes an issued code. Code is only set outside production.
type SendOTPResult struct {
	ExpiresIn      time.Duration
	MaskedEmail    string
	CanResendAfter time.Duration
	Code           string
}

// CanonicalPhone parses raw with the default region and returns it in E.164.
func (a *App) CanonicalPhone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidPhone
	}
	num, err := phonenumbers.Parse(raw, a.defaultRegion)
	if err != nil || phonenumbers.IsPossibleNumberWithReason(num) != phonenumbers.IS_POSSIBLE {
		return "", ErrInvalidPhone
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// SendOTP issues a code for phone and queues it to the account email. For an
// unknown phone the request email becomes the delivery target.
func (a *App) SendOTP(ctx context.Context, rawPhone, rawEmail string, rc RequestContext) (SendOTPResult, error) {
	phone, err := a.CanonicalPhone(rawPhone)
	if err != nil {
		return SendOTPResult{}, err
	}
	now := a.now()
	user, found, err := a.store.GetUserByPhone(ctx, phone)
	if err != nil {
		return SendOTPResult{}, fmt.Errorf("lookup user by phone: %w", err)
	}

	var target string
	if found {
		if user.Locked(now) {
			return SendOTPResult{}, accountLocked(*user.LockedUntil, now)
		}
		target = user.Email
	} else {
		if strings.TrimSpace(rawEmail) == "" {
			return SendOTPResult{}, ErrEmailRequired
		}
		email, err := auth.NormalizeEmail(rawEmail)
		if err != nil {
			return SendOTPResult{}, ErrInvalidEmail
		}
		owner, taken, err := a.store.GetUserByEmail(ctx, email)
		if err != nil {
			return SendOTPResult{}, fmt.Errorf("lookup user by email: %w", err)
		}
		if taken && owner.PhoneNumber != "" {
			return SendOTPResult{}, ErrEmailInUse
		}
		target = email
	}

	issued, err := a.ledger.Issue(ctx, phone, target, rc)
	if err != nil {
		return SendOTPResult{}, fmt.Errorf("issue otp: %w", err)
	}
	if err := a.mail.Send(ctx, mail.OTPMessage(target, issued.Code, a.ledger.TTL())); err != nil {
		return SendOTPResult{}, fmt.Errorf("deliver otp: %w", err)
	}
	res := SendOTPResult{
		ExpiresIn:      a.ledger.TTL(),
		MaskedEmail:    auth.MaskEmail(target),
		CanResendAfter: ResendCooldown,
	}
	if !a.production {
		res.Code = issued.Code
	}
	return res, nil
}

// VerifyOTP checks code for phone and, on success, resolves or creates the
// account, appends a session and issues a bearer token.
func (a *App) VerifyOTP(ctx context.Context, rawPhone, code string, rc RequestContext) (AuthResult, error) {
	phone, err := a.CanonicalPhone(rawPhone)
	if err != nil {
		return AuthResult{}, err
	}
	now := a.now()
	existing, found, err := a.store.GetUserByPhone(ctx, phone)
	if err != nil {
		return AuthResult{}, fmt.Errorf("lookup user by phone: %w", err)
	}
	if found && existing.Locked(now) {
		return AuthResult{}, accountLocked(*existing.LockedUntil, now)
	}

	res, err := a.ledger.Verify(ctx, phone, code)
	if err != nil {
		return AuthResult{}, fmt.Errorf("verify otp: %w", err)
	}
	switch res.Outcome {
	case otp.OutcomeNoRecord:
		return AuthResult{}, ErrOTPNotFound
	case otp.OutcomeMismatch:
		if found {
			a.recordFailedAttempt(ctx, existing, now)
		}
		return AuthResult{}, invalidOTP(res.Remaining)
	case otp.OutcomeExhausted:
		if found {
			a.recordFailedAttempt(ctx, existing, now)
		}
		return AuthResult{}, ErrOTPExhausted
	}

	// An accepted code is spent even if the login below fails.
	if err := a.ledger.Consume(ctx, phone); err != nil {
		return AuthResult{}, fmt.Errorf("consume otp: %w", err)
	}
	user, isNew, err := a.resolveOTPUser(ctx, phone, res.Record.Email, existing, found, now)
	if err != nil {
		return AuthResult{}, err
	}
	return a.finishLogin(ctx, user, isNew, rc, now)
}

func (a *App) resolveOTPUser(ctx context.Context, phone, email string, existing domain.User, found bool, now time.Time) (domain.User, bool, error) {
	if found {
		existing.PhoneVerified = true
		return existing, false, nil
	}
	byEmail, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, false, fmt.Errorf("lookup user by email: %w", err)
	}
	if ok {
		if byEmail.PhoneNumber != "" && byEmail.PhoneNumber != phone {
			return domain.User{}, false, ErrEmailInUse
		}
		byEmail.PhoneNumber = phone
		byEmail.PhoneVerified = true
		byEmail.EmailVerified = true
		return byEmail, false, nil
	}
	local, _, _ := strings.Cut(email, "@")
	return domain.User{
		ID:            util.NewID(),
		PhoneNumber:   phone,
		Email:         email,
		EmailVerified: true,
		PhoneVerified: true,
		Name:          sanitizeName(local),
		AuthMethod:    domain.AuthMethodMobile,
		CreatedAt:     now,
	}, true, nil
}

func (a *App) recordFailedAttempt(ctx context.Context, user domain.User, now time.Time) {
	user.FailedAttempts++
	if user.FailedAttempts >= MaxFailedAttempts {
		until := now.Add(LockoutDuration)
		user.LockedUntil = &until
		user.FailedAttempts = 0
		util.LoggerFromContext(ctx).Warn("account_locked", "user_id", user.ID, "until", until)
	}
	user.UpdatedAt = now
	if err := a.store.SaveUser(ctx, user); err != nil {
		util.LoggerFromContext(ctx).Error("record failed attempt", "user_id", user.ID, "err", err)
	}
}

// GoogleAuthURL returns the consent page URL.
func (a *App) GoogleAuthURL(ctx context.Context) (string, error) {
	if a.google == nil {
		return "", ErrGoogleDisabled
	}
	return a.google.AuthURL(ctx)
}

// CompleteGoogleLogin handles the OAuth callback.
func (a *App) CompleteGoogleLogin(ctx context.Context, state, code string, rc RequestContext) (AuthResult, error) {
	if a.google == nil {
		return AuthResult{}, ErrGoogleDisabled
	}
	profile, err := a.google.Exchange(ctx, state, code)
	switch {
	case errors.Is(err, oauth.ErrInvalidState):
		return AuthResult{}, ErrInvalidOAuthState
	case errors.Is(err, oauth.ErrProfileIncomplete):
		return AuthResult{}, ErrInvalidProfile
	case err != nil:
		return AuthResult{}, fmt.Errorf("google exchange: %w", err)
	}
	email, err := auth.NormalizeEmail(profile.Email)
	if err != nil {
		return AuthResult{}, ErrInvalidEmail
	}
	googleID := html.EscapeString(strings.TrimSpace(profile.ID))
	name := sanitizeName(profile.Name)
	now := a.now()

	user, found, err := a.store.GetUserByGoogleID(ctx, googleID)
	if err != nil {
		return AuthResult{}, fmt.Errorf("lookup user by google id: %w", err)
	}
	if found {
		user.Name = name
		user.Image = profile.Picture
		return a.finishLogin(ctx, user, false, rc, now)
	}
	if _, taken, err := a.store.GetUserByEmail(ctx, email); err != nil {
		return AuthResult{}, fmt.Errorf("lookup user by email: %w", err)
	} else if taken {
		return AuthResult{}, ErrEmailRegisteredElsewhere
	}
	user = domain.User{
		ID:            util.NewID(),
		GoogleID:      googleID,
		Email:         email,
		EmailVerified: profile.VerifiedEmail,
		Name:          name,
		Image:         profile.Picture,
		AuthMethod:    domain.AuthMethodGoogle,
		CreatedAt:     now,
	}
	return a.finishLogin(ctx, user, true, rc, now)
}

// finishLogin records the login, persists the user, appends a session token,
// prunes expired sessions and issues a bearer token.
func (a *App) finishLogin(ctx context.Context, user domain.User, isNew bool, rc RequestContext, now time.Time) (AuthResult, error) {
	user.FailedAttempts = 0
	user.LockedUntil = nil
	user.RecordLogin(domain.LoginEvent{IP: rc.IP, UserAgent: rc.UserAgent, At: now})
	user.UpdatedAt = now
	if isNew {
		if err := a.store.CreateUser(ctx, user); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return AuthResult{}, ErrEmailInUse
			}
			return AuthResult{}, fmt.Errorf("create user: %w", err)
		}
	} else if err := a.store.SaveUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return AuthResult{}, ErrEmailInUse
		}
		return AuthResult{}, fmt.Errorf("save user: %w", err)
	}

	session, err := token.NewSessionToken(now)
	if err != nil {
		return AuthResult{}, err
	}
	if err := a.store.AppendSession(ctx, user.ID, session); err != nil {
		return AuthResult{}, fmt.Errorf("append session: %w", err)
	}
	if _, err := a.store.PruneExpiredSessions(ctx, user.ID, now); err != nil {
		return AuthResult{}, fmt.Errorf("prune sessions: %w", err)
	}
	bearer, err := a.tokens.Issue(user)
	if err != nil {
		return AuthResult{}, fmt.Errorf("issue token: %w", err)
	}
	user.Sessions = nil
	return AuthResult{User: user, Token: bearer, Session: session}, nil
}

// Refresh exchanges a live session token for a new bearer token.
func (a *App) Refresh(ctx context.Context, sessionToken string) (AuthResult, error) {
	sessionToken = strings.TrimSpace(sessionToken)
	if sessionToken == "" {
		return AuthResult{}, ErrInvalidSession
	}
	user, ok, err := a.store.GetUserBySessionToken(ctx, sessionToken, a.now())
	if err != nil {
		return AuthResult{}, fmt.Errorf("lookup session: %w", err)
	}
	if !ok {
		return AuthResult{}, ErrInvalidSession
	}
	bearer, err := a.tokens.Issue(user)
	if err != nil {
		return AuthResult{}, fmt.Errorf("issue token: %w", err)
	}
	user.Sessions = nil
	return AuthResult{User: user, Token: bearer}, nil
}

// Authenticate resolves a bearer token to its user.
func (a *App) Authenticate(ctx context.Context, bearer string) (domain.User, error) {
	if strings.TrimSpace(bearer) == "" {
		return domain.User{}, ErrUnauthorized
	}
	claims, err := a.tokens.Verify(bearer)
	if errors.Is(err, token.ErrTokenExpired) {
		return domain.User{}, ErrTokenExpired
	}
	if err != nil {
		return domain.User{}, ErrInvalidToken
	}
	user, ok, err := a.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return domain.User{}, fmt.Errorf("lookup user: %w", err)
	}
	if !ok {
		return domain.User{}, ErrUserNotFound
	}
	user.Sessions = nil
	return user, nil
}

// Logout prunes expired sessions. The presented session stays valid until
// it expires.
func (a *App) Logout(ctx context.Context, user domain.User) error {
	removed, err := a.store.PruneExpiredSessions(ctx, user.ID, a.now())
	if err != nil {
		return fmt.Errorf("prune sessions: %w", err)
	}
	util.LoggerFromContext(ctx).Debug("logout", "user_id", user.ID, "pruned", removed)
	return nil
}

// DeleteAccount hard-deletes the user. Threads and uploads are left in place.
func (a *App) DeleteAccount(ctx context.Context, user domain.User) error {
	if err := a.store.DeleteUser(ctx, user.ID); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// JWKS returns the public keys used to verify bearer tokens.
func (a *App) JWKS() []token.JWK { return a.tokens.JWKS() }

func sanitizeName(raw string) string {
	name := strings.TrimSpace(raw)
	if name == "" {
		return defaultName
	}
	return html.EscapeString(name)
}
