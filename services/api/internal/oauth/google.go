// Package oauth runs the Google authorization-code flow with single-use
// state values kept in Redis.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	DefaultStateTTL    = 10 * time.Minute
	DefaultUserInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"
)

var (
	// ErrInvalidState is returned when the callback state is unknown, expired or already used.
	ErrInvalidState = errors.New("invalid oauth state")
	// ErrProfileIncomplete is returned when the provider profile lacks an id or email.
	ErrProfileIncomplete = errors.New("oauth profile missing id or email")
)

// Profile is the subset of the Google userinfo document the API uses.
type Profile struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// StateStore issues and consumes CSRF state values.
type StateStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewStateStore(client redis.UniversalClient, prefix string, ttl time.Duration) (*StateStore, error) {
	if client == nil {
		return nil, errors.New("oauth state redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "plexus"
	}
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateStore{client: client, prefix: prefix, ttl: ttl}, nil
}

// Create stores a fresh random state.
func (s *StateStore) Create(ctx context.Context) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate oauth state: %w", err)
	}
	state := hex.EncodeToString(buf)
	ok, err := s.client.SetNX(ctx, s.key(state), "1", s.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("store oauth state: %w", err)
	}
	if !ok {
		return "", errors.New("oauth state collision")
	}
	return state, nil
}

// Consume deletes state and reports whether it was live.
func (s *StateStore) Consume(ctx context.Context, state string) (bool, error) {
	state = strings.TrimSpace(state)
	if state == "" {
		return false, nil
	}
	n, err := s.client.Del(ctx, s.key(state)).Result()
	if err != nil {
		return false, fmt.Errorf("consume oauth state: %w", err)
	}
	return n == 1, nil
}

func (s *StateStore) key(state string) string {
	return s.prefix + ":oauth:state:" + state
}

// Config describes the OAuth client. Endpoint and UserInfoURL default to
// Google's production values.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Endpoint     oauth2.Endpoint
	UserInfoURL  string
	HTTPClient   *http.Client
}

// Google implements the consent redirect and callback exchange.
type Google struct {
	cfg         *oauth2.Config
	states      *StateStore
	userInfoURL string
	httpClient  *http.Client
}

func NewGoogle(cfg Config, states *StateStore) (*Google, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RedirectURL == "" {
		return nil, errors.New("google client id, secret and redirect url are required")
	}
	if states == nil {
		return nil, errors.New("oauth state store is required")
	}
	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}
	userInfoURL := strings.TrimSpace(cfg.UserInfoURL)
	if userInfoURL == "" {
		userInfoURL = DefaultUserInfoURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Google{
		cfg: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{"openid", "email", "profile"},
		},
		states:      states,
		userInfoURL: userInfoURL,
		httpClient:  httpClient,
	}, nil
}

// AuthURL returns the consent page URL bound to a new state.
func (g *Google) AuthURL(ctx context.Context) (string, error) {
	state, err := g.states.Create(ctx)
	if err != nil {
		return "", err
	}
	return g.cfg.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "select_account")), nil
}

// Exchange consumes state, trades code for a token and fetches the profile.
func (g *Google) Exchange(ctx context.Context, state, code string) (Profile, error) {
	ok, err := g.states.Consume(ctx, state)
	if err != nil {
		return Profile{}, err
	}
	if !ok {
		return Profile{}, ErrInvalidState
	}
	if strings.TrimSpace(code) == "" {
		return Profile{}, errors.New("authorization code missing")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
	tok, err := g.cfg.Exchange(ctx, code)
	if err != nil {
		return Profile{}, fmt.Errorf("exchange code: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.userInfoURL, nil)
	if err != nil {
		return Profile{}, err
	}
	resp, err := g.cfg.Client(ctx, tok).Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return Profile{}, fmt.Errorf("userinfo status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var profile Profile
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&profile); err != nil {
		return Profile{}, fmt.Errorf("decode userinfo: %w", err)
	}
	if strings.TrimSpace(profile.ID) == "" || strings.TrimSpace(profile.Email) == "" {
		return Profile{}, ErrProfileIncomplete
	}
	return profile, nil
}
