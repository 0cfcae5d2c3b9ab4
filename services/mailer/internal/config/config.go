package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file, overridable with CONFIG_PATH.
var ConfigPath = envOr("CONFIG_PATH", "config.yaml")

// FileConfig represents the mailer configuration loaded from YAML.
type FileConfig struct {
	LogLevel    string `yaml:"logLevel"`
	AMQPURL     string `yaml:"amqpURL"`
	MailQueue   string `yaml:"mailQueue"`
	Concurrency int    `yaml:"concurrency"`

	SMTPHost     string `yaml:"smtpHost"`
	SMTPPort     int    `yaml:"smtpPort"`
	SMTPUsername string `yaml:"smtpUsername"`
	SMTPPassword string `yaml:"smtpPassword"`
	MailFrom     string `yaml:"mailFrom"`
}

// Load reads config from path, applies environment overrides and defaults,
// then validates. A missing file is allowed; the environment alone may
// configure the mailer.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	_ = godotenv.Load()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	if cfg.MailQueue == "" {
		cfg.MailQueue = "plexus.mail"
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
	if cfg.SMTPPort == 0 {
		cfg.SMTPPort = 587
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	for key, dst := range map[string]*string{
		"LOG_LEVEL":     &cfg.LogLevel,
		"AMQP_URL":      &cfg.AMQPURL,
		"MAIL_QUEUE":    &cfg.MailQueue,
		"SMTP_HOST":     &cfg.SMTPHost,
		"SMTP_USERNAME": &cfg.SMTPUsername,
		"SMTP_PASSWORD": &cfg.SMTPPassword,
		"MAIL_FROM":     &cfg.MailFrom,
	} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	for key, dst := range map[string]*int{
		"SMTP_PORT":          &cfg.SMTPPort,
		"MAILER_CONCURRENCY": &cfg.Concurrency,
	} {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
}

func validate(cfg FileConfig) error {
	if strings.TrimSpace(cfg.AMQPURL) == "" {
		return errors.New("config: amqpURL is required (set AMQP_URL)")
	}
	if cfg.Concurrency < 1 {
		return errors.New("config: concurrency must be >= 1")
	}
	if cfg.SMTPHost != "" && strings.TrimSpace(cfg.MailFrom) == "" {
		return errors.New("config: mailFrom is required when smtpHost is set")
	}
	if cfg.SMTPPort < 1 || cfg.SMTPPort > 65535 {
		return fmt.Errorf("config: invalid smtpPort %d", cfg.SMTPPort)
	}
	return nil
}

// SMTPEnabled reports whether real delivery is configured. Without it the
// mailer logs messages instead.
func (c FileConfig) SMTPEnabled() bool { return strings.TrimSpace(c.SMTPHost) != "" }

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
