package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"plexus/internal/security"
	"plexus/internal/util"
	"plexus/pkg/ai"
	"plexus/pkg/mail"
	"plexus/pkg/otp"
	"plexus/pkg/storage"
	"plexus/pkg/store"
	"plexus/pkg/token"
	"plexus/services/api/internal/app"
	"plexus/services/api/internal/config"
	"plexus/services/api/internal/oauth"
	"plexus/services/api/internal/server"
)

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		log.Fatalf("failed to connect redis: %v", err)
	}

	ledger, err := otp.NewLedger(rdb, otp.Options{KeyPrefix: cfg.RedisKeyPrefix})
	if err != nil {
		log.Fatalf("failed to init otp ledger: %v", err)
	}
	issuer, err := newIssuer(cfg)
	if err != nil {
		log.Fatalf("failed to init token issuer: %v", err)
	}
	objects, err := newObjectStore(cfg)
	if err != nil {
		log.Fatalf("failed to init object storage: %v", err)
	}
	generator, err := newGenerator(cfg)
	if err != nil {
		log.Fatalf("failed to init llm: %v", err)
	}
	sender, closeSender, err := newMailSender(cfg)
	if err != nil {
		log.Fatalf("failed to init mail: %v", err)
	}
	defer closeSender()

	appCfg := app.Config{
		Store:         db,
		Ledger:        ledger,
		Tokens:        issuer,
		Objects:       objects,
		Generator:     generator,
		Mail:          sender,
		Production:    cfg.Production(),
		DefaultRegion: cfg.DefaultRegion,
		ChatModel:     cfg.ChatModel,
		VisionModel:   cfg.VisionModel,
		SystemPrompt:  cfg.SystemPrompt,
		HistoryLimit:  cfg.HistoryLimit,
		MaxTokens:     cfg.MaxTokens,
	}
	if cfg.GoogleEnabled() {
		g, err := newGoogle(cfg, rdb)
		if err != nil {
			log.Fatalf("failed to init google oauth: %v", err)
		}
		appCfg.Google = g
	} else {
		logger.Warn("google oauth disabled: client id, secret or redirect url missing")
	}
	appCore, err := app.New(appCfg)
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	trusted, err := util.NewTrustedProxies(config.SplitList(cfg.TrustedProxies))
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}
	window := func(name, raw string) time.Duration {
		d, err := config.ParseWindow(name, raw)
		if err != nil {
			log.Fatalf("failed to parse %s: %v", name, err)
		}
		return d
	}
	httpServer, err := server.New(server.Config{
		App:            appCore,
		Redis:          rdb,
		KeyPrefix:      cfg.RedisKeyPrefix,
		Alerter:        security.NewAuditAlerter(rdb, cfg.RedisKeyPrefix),
		TrustedProxies: trusted,
		CORSOrigins:    config.SplitList(cfg.CORSOrigins),
		FrontendURL:    cfg.FrontendURL,
		Production:     cfg.Production(),
		AuthRate:       server.RateRule{Limit: cfg.AuthRateLimit, Window: window("authRateWindow", cfg.AuthRateWindow)},
		APIRate:        server.RateRule{Limit: cfg.APIRateLimit, Window: window("apiRateWindow", cfg.APIRateWindow)},
		UploadRate:     server.RateRule{Limit: cfg.UploadRateLimit, Window: window("uploadRateWindow", cfg.UploadRateWindow)},
		StrictRate:     server.RateRule{Limit: cfg.StrictRateLimit, Window: window("strictRateWindow", cfg.StrictRateWindow)},
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("api server listening", "addr", addr, "env", cfg.AppEnv)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
	logger.Info("api server stopped")
}

func newIssuer(cfg config.FileConfig) (*token.BearerIssuer, error) {
	leeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		return nil, err
	}
	verifyKeys, err := config.ParseVerifyPublicKeys(cfg.JWTVerifyPublicKeys)
	if err != nil {
		return nil, err
	}
	return token.NewBearerIssuerFromPEM(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTKeyID, verifyKeys, token.Options{
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
	})
}

// newObjectStore uses MinIO when an endpoint is configured and process
// memory otherwise.
func newObjectStore(cfg config.FileConfig) (storage.ObjectStore, error) {
	if cfg.MinioEndpoint == "" {
		slog.Warn("minio endpoint not set: upload content kept in memory")
		return storage.NewMemoryStore(), nil
	}
	return storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
}

func newGenerator(cfg config.FileConfig) (ai.ChatGenerator, error) {
	switch cfg.LLMProvider {
	case "openai":
		return ai.NewOpenAICompatGenerator(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.ChatModel), nil
	case "gemini":
		client, err := ai.NewGeminiClient(cfg.LLMAPIKey, cfg.LLMBaseURL)
		if err != nil {
			return nil, err
		}
		return ai.NewGeminiGenerator(client, cfg.ChatModel), nil
	case "ollama":
		return ai.NewOllamaGenerator(ai.NewOllamaClient(cfg.LLMBaseURL), cfg.ChatModel), nil
	}
	return nil, fmt.Errorf("unsupported llm provider %q", cfg.LLMProvider)
}

// newMailSender publishes to the mail queue when AMQP is configured and logs
// messages otherwise.
func newMailSender(cfg config.FileConfig) (mail.Sender, func(), error) {
	if cfg.AMQPURL == "" {
		slog.Warn("amqp url not set: otp mail will only be logged")
		return mail.LogSender{}, func() {}, nil
	}
	pub, err := mail.NewAMQPPublisher(cfg.AMQPURL, cfg.MailQueue)
	if err != nil {
		return nil, nil, err
	}
	return pub, func() {
		if err := pub.Close(); err != nil {
			slog.Warn("close amqp publisher", "err", err)
		}
	}, nil
}

func newGoogle(cfg config.FileConfig, rdb redis.UniversalClient) (*oauth.Google, error) {
	states, err := oauth.NewStateStore(rdb, cfg.RedisKeyPrefix, oauth.DefaultStateTTL)
	if err != nil {
		return nil, err
	}
	return oauth.NewGoogle(oauth.Config{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	}, states)
}
