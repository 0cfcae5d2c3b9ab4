package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, overridable with CONFIG_PATH.
var ConfigPath = envOr("CONFIG_PATH", "config.yaml")

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port           string `yaml:"port"`
	LogLevel       string `yaml:"logLevel"`
	AppEnv         string `yaml:"appEnv"`
	DatabaseURL    string `yaml:"databaseURL"`
	RedisAddr      string `yaml:"redisAddr"`
	RedisPassword  string `yaml:"redisPassword"`
	RedisKeyPrefix string `yaml:"redisKeyPrefix"`
	TrustedProxies string `yaml:"trustedProxies"`
	CORSOrigins    string `yaml:"corsOrigins"`
	FrontendURL    string `yaml:"frontendURL"`

	JWTPrivateKeyPath   string `yaml:"jwtPrivateKeyPath"`
	JWTPublicKeyPath    string `yaml:"jwtPublicKeyPath"`
	JWTKeyID            string `yaml:"jwtKeyId"`
	JWTVerifyPublicKeys string `yaml:"jwtVerifyPublicKeys"`
	JWTIssuer           string `yaml:"jwtIssuer"`
	JWTAudience         string `yaml:"jwtAudience"`
	JWTLeeway           string `yaml:"jwtLeeway"`

	GoogleClientID     string `yaml:"googleClientId"`
	GoogleClientSecret string `yaml:"googleClientSecret"`
	GoogleRedirectURL  string `yaml:"googleRedirectURL"`
	DefaultRegion      string `yaml:"defaultRegion"`

	LLMProvider  string `yaml:"llmProvider"`
	LLMBaseURL   string `yaml:"llmBaseURL"`
	LLMAPIKey    string `yaml:"llmApiKey"`
	ChatModel    string `yaml:"chatModel"`
	VisionModel  string `yaml:"visionModel"`
	SystemPrompt string `yaml:"systemPrompt"`
	HistoryLimit int    `yaml:"historyLimit"`
	MaxTokens    int    `yaml:"maxTokens"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	AMQPURL   string `yaml:"amqpURL"`
	MailQueue string `yaml:"mailQueue"`

	AuthRateLimit    int    `yaml:"authRateLimit"`
	AuthRateWindow   string `yaml:"authRateWindow"`
	APIRateLimit     int    `yaml:"apiRateLimit"`
	APIRateWindow    string `yaml:"apiRateWindow"`
	UploadRateLimit  int    `yaml:"uploadRateLimit"`
	UploadRateWindow string `yaml:"uploadRateWindow"`
	StrictRateLimit  int    `yaml:"strictRateLimit"`
	StrictRateWindow string `yaml:"strictRateWindow"`
}

// Load reads config from path (defaults to ConfigPath). A .env file in the
// working directory is loaded first when present; real environment variables
// win over it.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	_ = godotenv.Load()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	strs := map[string]*string{
		"PORT":                   &cfg.Port,
		"LOG_LEVEL":              &cfg.LogLevel,
		"APP_ENV":                &cfg.AppEnv,
		"DATABASE_URL":           &cfg.DatabaseURL,
		"REDIS_ADDR":             &cfg.RedisAddr,
		"REDIS_PASSWORD":         &cfg.RedisPassword,
		"REDIS_KEY_PREFIX":       &cfg.RedisKeyPrefix,
		"TRUSTED_PROXIES":        &cfg.TrustedProxies,
		"CORS_ORIGINS":           &cfg.CORSOrigins,
		"FRONTEND_URL":           &cfg.FrontendURL,
		"JWT_PRIVATE_KEY_PATH":   &cfg.JWTPrivateKeyPath,
		"JWT_PUBLIC_KEY_PATH":    &cfg.JWTPublicKeyPath,
		"JWT_KEY_ID":             &cfg.JWTKeyID,
		"JWT_VERIFY_PUBLIC_KEYS": &cfg.JWTVerifyPublicKeys,
		"JWT_ISSUER":             &cfg.JWTIssuer,
		"JWT_AUDIENCE":           &cfg.JWTAudience,
		"JWT_LEEWAY":             &cfg.JWTLeeway,
		"GOOGLE_CLIENT_ID":       &cfg.GoogleClientID,
		"GOOGLE_CLIENT_SECRET":   &cfg.GoogleClientSecret,
		"GOOGLE_REDIRECT_URL":    &cfg.GoogleRedirectURL,
		"PHONE_DEFAULT_REGION":   &cfg.DefaultRegion,
		"LLM_PROVIDER":           &cfg.LLMProvider,
		"LLM_BASE_URL":           &cfg.LLMBaseURL,
		"LLM_API_KEY":            &cfg.LLMAPIKey,
		"OPENAI_API_KEY":         &cfg.LLMAPIKey,
		"LLM_CHAT_MODEL":         &cfg.ChatModel,
		"LLM_VISION_MODEL":       &cfg.VisionModel,
		"MINIO_ENDPOINT":         &cfg.MinioEndpoint,
		"MINIO_ACCESS_KEY":       &cfg.MinioAccessKey,
		"MINIO_SECRET_KEY":       &cfg.MinioSecretKey,
		"MINIO_BUCKET":           &cfg.MinioBucket,
		"AMQP_URL":               &cfg.AMQPURL,
		"MAIL_QUEUE":             &cfg.MailQueue,
	}
	for key, dst := range strs {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	// LLM_API_KEY is the provider-neutral name and wins over OPENAI_API_KEY.
	if v := strings.TrimSpace(os.Getenv("LLM_API_KEY")); v != "" {
		cfg.LLMAPIKey = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MinioUseSSL = b
		}
	}
	ints := map[string]*int{
		"LLM_HISTORY_LIMIT": &cfg.HistoryLimit,
		"LLM_MAX_TOKENS":    &cfg.MaxTokens,
		"AUTH_RATE_LIMIT":   &cfg.AuthRateLimit,
		"API_RATE_LIMIT":    &cfg.APIRateLimit,
		"UPLOAD_RATE_LIMIT": &cfg.UploadRateLimit,
		"STRICT_RATE_LIMIT": &cfg.StrictRateLimit,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	setDefault := func(dst *string, v string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = v
		}
	}
	setDefault(&cfg.AppEnv, EnvDevelopment)
	setDefault(&cfg.RedisKeyPrefix, "plexus")
	setDefault(&cfg.LLMProvider, "openai")
	setDefault(&cfg.ChatModel, "gpt-4o-mini")
	setDefault(&cfg.VisionModel, "gpt-4o")
	setDefault(&cfg.MinioBucket, "plexus-uploads")
	setDefault(&cfg.AuthRateWindow, "15m")
	setDefault(&cfg.APIRateWindow, "15m")
	setDefault(&cfg.UploadRateWindow, "1h")
	setDefault(&cfg.StrictRateWindow, "1h")
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2000
	}
	if cfg.AuthRateLimit == 0 {
		cfg.AuthRateLimit = 5
	}
	if cfg.APIRateLimit == 0 {
		cfg.APIRateLimit = 100
	}
	if cfg.UploadRateLimit == 0 {
		cfg.UploadRateLimit = 10
	}
	if cfg.StrictRateLimit == 0 {
		cfg.StrictRateLimit = 3
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for otp ledger and rate limits")
	}
	if cfg.JWTPrivateKeyPath == "" {
		return errors.New("config: jwtPrivateKeyPath is required (set JWT_PRIVATE_KEY_PATH)")
	}
	if strings.TrimSpace(cfg.FrontendURL) == "" {
		return errors.New("config: frontendURL is required for oauth redirects")
	}
	if cfg.AppEnv != EnvProduction && cfg.AppEnv != EnvDevelopment {
		return fmt.Errorf("config: appEnv must be %q or %q", EnvProduction, EnvDevelopment)
	}
	if cfg.AppEnv == EnvProduction {
		if err := validateProduction(cfg); err != nil {
			return err
		}
	}
	switch cfg.LLMProvider {
	case "openai", "gemini", "ollama":
	default:
		return fmt.Errorf("config: unsupported llmProvider %q", cfg.LLMProvider)
	}
	if cfg.LLMProvider != "ollama" && strings.TrimSpace(cfg.LLMAPIKey) == "" {
		return errors.New("config: llmApiKey is required (set LLM_API_KEY or OPENAI_API_KEY)")
	}
	if cfg.HistoryLimit < 0 || cfg.MaxTokens < 0 {
		return errors.New("config: historyLimit and maxTokens must be >= 0")
	}
	if cfg.AuthRateLimit < 0 || cfg.APIRateLimit < 0 || cfg.UploadRateLimit < 0 || cfg.StrictRateLimit < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	for name, raw := range map[string]string{
		"authRateWindow":   cfg.AuthRateWindow,
		"apiRateWindow":    cfg.APIRateWindow,
		"uploadRateWindow": cfg.UploadRateWindow,
		"strictRateWindow": cfg.StrictRateWindow,
	} {
		if _, err := ParseWindow(name, raw); err != nil {
			return err
		}
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return err
	}
	if _, err := ParseVerifyPublicKeys(cfg.JWTVerifyPublicKeys); err != nil {
		return err
	}
	return nil
}

// validateProduction rejects the development fallbacks: codes that are only
// logged, uploads held in memory and an in-memory database.
func validateProduction(cfg FileConfig) error {
	if strings.TrimSpace(cfg.AMQPURL) == "" {
		return errors.New("config: amqpURL is required in production (otp codes are delivered by mail)")
	}
	if strings.TrimSpace(cfg.MinioEndpoint) == "" {
		return errors.New("config: minioEndpoint is required in production")
	}
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(cfg.DatabaseURL)), "memory://") {
		return errors.New("config: databaseURL must not be memory:// in production")
	}
	return nil
}

// Production reports whether the service runs in production mode.
func (c FileConfig) Production() bool { return c.AppEnv == EnvProduction }

// GoogleEnabled reports whether Google OAuth credentials are configured.
func (c FileConfig) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != "" && c.GoogleRedirectURL != ""
}

// ParseWindow parses a positive rate-limit window duration.
func ParseWindow(name, raw string) (time.Duration, error) {
	dur, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if dur <= 0 {
		return 0, fmt.Errorf("invalid %s duration: must be positive", name)
	}
	return dur, nil
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

// ParseVerifyPublicKeys parses "kid=path,kid2=path2" into a map.
func ParseVerifyPublicKeys(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	pairs := strings.Split(raw, ",")
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kid, path, ok := strings.Cut(pair, "=")
		kid = strings.TrimSpace(kid)
		path = strings.TrimSpace(path)
		if !ok || kid == "" || path == "" {
			return nil, fmt.Errorf("invalid jwtVerifyPublicKeys entry %q", pair)
		}
		out[kid] = path
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
