package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"plexus/pkg/ai"
	"plexus/pkg/domain"
	"plexus/pkg/mail"
	"plexus/pkg/otp"
	"plexus/pkg/storage"
	"plexus/pkg/store"
	"plexus/pkg/token"
	"plexus/services/api/internal/oauth"
)

// Ledger is the OTP ledger surface used by the orchestrator.
type Ledger interface {
	TTL() time.Duration
	Issue(ctx context.Context, phone, email string, rc otp.RequestContext) (otp.Issued, error)
	Verify(ctx context.Context, phone, code string) (otp.Result, error)
	Consume(ctx context.Context, phone string) error
}

// Tokens signs and verifies bearer tokens.
type Tokens interface {
	TTL() time.Duration
	Issue(u domain.User) (string, error)
	Verify(raw string) (token.Claims, error)
	JWKS() []token.JWK
}

// GoogleProvider runs the OAuth redirect and callback exchange.
type GoogleProvider interface {
	AuthURL(ctx context.Context) (string, error)
	Exchange(ctx context.Context, state, code string) (oauth.Profile, error)
}

// Config holds runtime configuration for the core application.
type Config struct {
	Store     store.Store
	Ledger    Ledger
	Tokens    Tokens
	Google    GoogleProvider
	Objects   storage.ObjectStore
	Generator ai.ChatGenerator
	Mail      mail.Sender

	Production    bool
	DefaultRegion string
	ChatModel     string
	VisionModel   string
	SystemPrompt  string
	HistoryLimit  int
	MaxTokens     int
	Now           func() time.Time
}

// App ties the credential store, OTP ledger, token issuer, thread and upload
// storage and the LLM together.
type App struct {
	store     store.Store
	ledger    Ledger
	tokens    Tokens
	google    GoogleProvider
	objects   storage.ObjectStore
	generator ai.ChatGenerator
	mail      mail.Sender

	production    bool
	defaultRegion string
	chatModel     string
	visionModel   string
	systemPrompt  string
	historyLimit  int
	maxTokens     int
	now           func() time.Time
}

// New constructs the application.
func New(cfg Config) (*App, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("store is required")
	case cfg.Ledger == nil:
		return nil, errors.New("otp ledger is required")
	case cfg.Tokens == nil:
		return nil, errors.New("token issuer is required")
	case cfg.Objects == nil:
		return nil, errors.New("object store is required")
	case cfg.Generator == nil:
		return nil, errors.New("chat generator is required")
	}
	sender := cfg.Mail
	if sender == nil {
		sender = mail.LogSender{}
	}
	region := strings.ToUpper(strings.TrimSpace(cfg.DefaultRegion))
	if region == "" {
		region = "US"
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = 20
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2000
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &App{
		store:         cfg.Store,
		ledger:        cfg.Ledger,
		tokens:        cfg.Tokens,
		google:        cfg.Google,
		objects:       cfg.Objects,
		generator:     cfg.Generator,
		mail:          sender,
		production:    cfg.Production,
		defaultRegion: region,
		chatModel:     cfg.ChatModel,
		visionModel:   cfg.VisionModel,
		systemPrompt:  cfg.SystemPrompt,
		historyLimit:  historyLimit,
		maxTokens:     maxTokens,
		now:           func() time.Time { return now().UTC() },
	}, nil
}

// GoogleEnabled reports whether Google sign-in is configured.
func (a *App) GoogleEnabled() bool { return a.google != nil }

// TokenTTL is the lifetime used for the bearer cookie.
func (a *App) TokenTTL() time.Duration { return a.tokens.TTL() }
