package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/jw6ventures/calsync/internal/api"
	"github.com/jw6ventures/calsync/internal/audit"
	"github.com/jw6ventures/calsync/internal/calendar"
	"github.com/jw6ventures/calsync/internal/config"
	httpserver "github.com/jw6ventures/calsync/internal/http"
	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/subscription"
	syncengine "github.com/jw6ventures/calsync/internal/sync"
	"github.com/jw6ventures/calsync/internal/vault"
	"github.com/jw6ventures/calsync/internal/webhook"
)

func main() {
	log.Println("Starting CalSync server...")
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("failed to create db pool: %v", err)
	}
	defer pool.Close()

	if err := store.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("failed to apply migrations: %v", err)
	}

	stor := store.New(pool)
	auditor := audit.NewLogger(stor.Audit)

	sealer, err := vault.NewSealer(cfg.Vault.Key)
	if err != nil {
		log.Fatalf("failed to initialize vault: %v", err)
	}

	oauthConfigs := buildOAuthConfigs(cfg)
	tokenVault := vault.NewTokenVault(sealer, stor.Connections, auditor, oauthConfigs)

	icsAdapter := provider.NewICSAdapter(nil)
	adapters := map[store.Provider]provider.Adapter{
		store.ProviderGoogle:    provider.NewGoogleAdapter(),
		store.ProviderMicrosoft: provider.NewMicrosoftAdapter(nil),
		store.ProviderICS:       icsAdapter,
	}

	engine := syncengine.NewEngine(stor, tokenVault, adapters, auditor, int64(cfg.MaxConcurrentSyncs))
	subManager := subscription.NewManager(stor, tokenVault, adapters, auditor, cfg.BaseURL)
	identity := calendar.NewOIDCResolver(cfg.Google.ClientID, cfg.Microsoft.ClientID, cfg.Microsoft.Tenant)
	svc := calendar.NewService(stor, tokenVault, engine, subManager, auditor, identity, adapters, icsAdapter, oauthConfigs)

	gateway := webhook.NewGateway(stor, engine, auditor)
	apiHandler := api.NewHandler(svc)
	r := httpserver.NewRouter(cfg, stor, apiHandler, gateway)

	scheduler := syncengine.NewScheduler(engine, subManager, stor)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}

	// Pick up jobs that were requeued after an unclean shutdown.
	if n, err := stor.Jobs.RequeueStale(ctx, time.Now()); err != nil {
		log.Printf("[ERROR] requeue interrupted jobs: %v", err)
	} else if n > 0 {
		log.Printf("[WARN] requeued %d interrupted sync jobs", n)
	}
	engine.Kick(ctx)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("server listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	scheduler.Stop()
	engine.Wait()
}

func buildOAuthConfigs(cfg *config.Config) map[store.Provider]*oauth2.Config {
	configs := make(map[store.Provider]*oauth2.Config)
	if cfg.Google.ClientID != "" {
		configs[store.ProviderGoogle] = &oauth2.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  cfg.RedirectURL(),
			Scopes: []string{
				"openid", "email",
				"https://www.googleapis.com/auth/calendar",
			},
		}
	}
	if cfg.Microsoft.ClientID != "" {
		configs[store.ProviderMicrosoft] = &oauth2.Config{
			ClientID:     cfg.Microsoft.ClientID,
			ClientSecret: cfg.Microsoft.ClientSecret,
			Endpoint:     microsoft.AzureADEndpoint(cfg.Microsoft.Tenant),
			RedirectURL:  cfg.RedirectURL(),
			Scopes: []string{
				"openid", "email", "offline_access",
				"https://graph.microsoft.com/Calendars.ReadWrite",
			},
		}
	}
	return configs
}
