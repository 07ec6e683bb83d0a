package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/caretrust-systems/securecore/internal/config"
	"github.com/caretrust-systems/securecore/internal/fieldcrypt"
	"github.com/caretrust-systems/securecore/internal/handlers"
	"github.com/caretrust-systems/securecore/internal/keyring"
	"github.com/caretrust-systems/securecore/internal/ledger"
	"github.com/caretrust-systems/securecore/internal/logging"
	"github.com/caretrust-systems/securecore/internal/mfa"
	"github.com/caretrust-systems/securecore/internal/models"
	"github.com/caretrust-systems/securecore/internal/notify"
	"github.com/caretrust-systems/securecore/internal/orchestrator"
	"github.com/caretrust-systems/securecore/internal/ratelimit"
	"github.com/caretrust-systems/securecore/internal/repository"
	"github.com/caretrust-systems/securecore/internal/risk"
	"github.com/caretrust-systems/securecore/internal/server"
	"github.com/caretrust-systems/securecore/internal/tokens"
)

// bootstrapKeys are provisioned idempotently at startup, one per
// classification purpose.
var bootstrapKeys = map[string]models.KeyPurpose{
	"phi-data":       models.PurposePHI,
	"pii-data":       models.PurposePII,
	"sensitive-data": models.PurposeSensitive,
	"system-data":    models.PurposeSystem,
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)

	ctx := context.Background()

	var repo repository.Repository
	if cfg.Database.Type == "postgres" {
		connString := cfg.Database.Postgres.ConnString()

		logger.Info("running database migrations")
		m, err := migrate.New("file://migrations", connString)
		if err != nil {
			log.Fatalf("Failed to initialize migrations: %v", err)
		}
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			log.Fatalf("Failed to run migrations: %v", err)
		}

		pg, err := repository.NewPostgresRepository(ctx, connString)
		if err != nil {
			log.Fatalf("Failed to connect to PostgreSQL: %v", err)
		}
		repo = pg
	} else {
		logger.Warn("using in-memory repository, state will not survive restarts")
		repo = repository.NewInMemoryRepository()
	}
	defer repo.Close()

	auditLedger := ledger.New(repo, logger)

	registry, err := keyring.NewRegistry(repo, cfg.Security.MasterSecret, auditLedger)
	if err != nil {
		log.Fatalf("Failed to initialize key registry: %v", err)
	}
	for name, purpose := range bootstrapKeys {
		if _, err := registry.CreateKey(ctx, name, purpose); err != nil {
			log.Fatalf("Failed to provision %s key: %v", purpose, err)
		}
	}

	if _, err := os.Stat(cfg.Security.PolicyPath); err == nil {
		rules, err := fieldcrypt.LoadPolicy(cfg.Security.PolicyPath)
		if err != nil {
			log.Fatalf("Failed to load classification policy: %v", err)
		}
		if err := fieldcrypt.BootstrapRules(ctx, repo, rules); err != nil {
			log.Fatalf("Failed to bootstrap classification rules: %v", err)
		}
		logger.Info("classification policy loaded", "rules", len(rules), "path", cfg.Security.PolicyPath)
	} else {
		logger.Warn("no classification policy file, all fields pass through unencrypted", "path", cfg.Security.PolicyPath)
	}

	router := fieldcrypt.NewRouter(repo, registry, logger)
	riskEngine := risk.NewEngine(repo)
	mfaService := mfa.NewService(repo)
	issuer := tokens.NewIssuer(cfg.Security.ChallengeSecret, cfg.Security.ChallengeTTL)

	limiter, err := ratelimit.NewRedisRateLimiter(cfg.RateLimit.RedisURL, ratelimit.TierLimits{
		Limits:       cfg.RateLimit.TierLimits,
		DefaultLimit: cfg.RateLimit.DefaultLimit,
		Window:       cfg.RateLimit.Window,
	}, !cfg.RateLimit.Enabled)
	if err != nil {
		log.Fatalf("Failed to initialize rate limiter: %v", err)
	}
	defer limiter.Close()

	var publisher notify.Publisher = notify.NoOpPublisher{}
	if cfg.Notify.Enabled {
		publisher, err = notify.NewNATSPublisher(cfg.Notify.NATSURL)
		if err != nil {
			log.Fatalf("Failed to connect incident publisher: %v", err)
		}
	}
	defer publisher.Close()

	orch := orchestrator.New(riskEngine, auditLedger, router, issuer, limiter, publisher, logger, cfg.Security.RegulatedResources)
	handler := handlers.NewHandler(orch, auditLedger, registry, mfaService, logger)
	srv := server.New(cfg.Server, handler)

	go func() {
		logger.Info("securecore listening", "addr", srv.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	logger.Info("server stopped")
}
