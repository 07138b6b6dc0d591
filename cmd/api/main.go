package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tenderdesk/api/internal/app"
	"tenderdesk/api/internal/authpw"
	"tenderdesk/api/internal/chat"
	"tenderdesk/api/internal/config"
	"tenderdesk/api/internal/copilot"
	"tenderdesk/api/internal/drafts"
	"tenderdesk/api/internal/email"
	"tenderdesk/api/internal/export"
	"tenderdesk/api/internal/gitrepo"
	"tenderdesk/api/internal/observability"
	"tenderdesk/api/internal/search"
	"tenderdesk/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger := observability.Setup(os.Stdout, cfg.LogLevel)
	ctx := context.Background()

	fatal := func(msg string, err error) {
		logger.Error(msg, "error", err)
		os.Exit(1)
	}

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal("database connection failed", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		fatal("migrations failed", err)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		fatal("failed to create repos dir", err)
	}

	dataStore := store.NewPostgresStore(db)
	gitService := gitrepo.New(cfg.ReposDir)

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, logger)
	if meiliClient != nil {
		go searchService.ReindexAllFromPG(context.Background())
	}

	var draftStore chat.Drafts = drafts.NewMemoryStore()
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := drafts.NewRedisStore(cfg.RedisURL)
		if err != nil {
			fatal("redis connection failed", err)
		}
		defer redisStore.Close()
		draftStore = redisStore
		logger.Info("chat drafts stored in redis")
	}

	exportOpts := export.Options{
		PDF:    export.Chrome{Path: cfg.ChromePath, Timeout: cfg.ConvertTimeout}.Convert,
		DOCX:   export.Pandoc{Path: cfg.PandocPath, ReferenceDoc: cfg.PandocRefDoc, Timeout: cfg.ConvertTimeout}.Convert,
		Logger: logger,
	}
	if strings.TrimSpace(cfg.MinIOEndpoint) != "" {
		objects, err := export.NewMinIOStore(ctx, export.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			logger.Warn("export uploads disabled", "error", err)
		} else {
			exportOpts.Objects = objects
		}
	}

	var llm copilot.Completer
	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		client, err := copilot.NewOpenAI(copilot.Settings{
			Model:   cfg.OpenAIModel,
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
		})
		if err != nil {
			fatal("copilot setup failed", err)
		}
		llm = client
	} else {
		logger.Warn("OPENAI_API_KEY not set, copilot runs in offline mode")
	}
	copilotService := copilot.New(llm, app.NewLibrary(searchService), logger)

	emailService := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !emailService.IsConfigured() {
		logger.Info("SMTP not configured, verification tokens are returned in responses")
	}
	accounts := authpw.NewService(dataStore, emailService, cfg.AppURL, logger)

	service := app.New(cfg, app.Deps{
		Store:    dataStore,
		Git:      gitService,
		Search:   searchService,
		Copilot:  copilotService,
		Drafts:   draftStore,
		Mailer:   emailService,
		Accounts: accounts,
		Export:   exportOpts,
		Logger:   logger,
	})

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("TenderDesk API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal("server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	// Pending editor edits are written before the database closes.
	service.Close()
}
