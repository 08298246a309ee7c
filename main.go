package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/refillhub/refill-sync/auth"
	"github.com/refillhub/refill-sync/backoff"
	"github.com/refillhub/refill-sync/collection"
	"github.com/refillhub/refill-sync/config"
	"github.com/refillhub/refill-sync/diagnostics"
	"github.com/refillhub/refill-sync/handlers"
	"github.com/refillhub/refill-sync/logger"
	"github.com/refillhub/refill-sync/models"
	"github.com/refillhub/refill-sync/nats_service"
	"github.com/refillhub/refill-sync/session"
	"github.com/refillhub/refill-sync/supervisor"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML configuration file")
	flag.Parse()

	boot := logger.Get()
	cfg, err := config.Load(*configPath)
	if err != nil {
		boot.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		boot.Fatal().Err(err).Msg("Failed to initialize logging")
	}
	if logFile != nil {
		defer logFile.Close()
	}
	log := logger.For("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize NATS Service ---
	natsSvc, err := nats_service.NewNatsService(ctx, cfg.Nats)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize NATS Service")
	}
	defer natsSvc.Close()
	log.Info().Str("url", cfg.Nats.URL).Msg("NATS Service Initialized")

	// --- Sync engine ---
	diag := diagnostics.NewRecorder(64)
	binder := session.NewBinder(natsSvc, syncSettings(cfg.Sync), diag)
	provider := auth.NewLocal(auth.DefaultTokenTTL)
	unbind, err := binder.Bind(ctx, provider)
	if err != nil {
		log.Warn().Err(err).Msg("Initial sync incomplete")
	}
	defer unbind()
	bootstrap(provider, cfg.Identity, log)

	// --- Initialize Fiber App ---
	api := handlers.New(binder, provider, diag)
	app := fiber.New(api.Config())
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	api.Register(app)

	// --- Start Server ---
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("Starting server")
		if err := app.Listen(cfg.Server.Addr); err != nil {
			log.Error().Err(err).Msg("Server failed")
			stop()
		}
	}()

	// --- Graceful Shutdown ---
	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Error().Err(err).Msg("Error shutting down Fiber")
	}
	binder.SignOut()

	log.Info().Msg("Server gracefully stopped")
}

func syncSettings(c config.SyncConfig) collection.Settings {
	sup := supervisor.DefaultSettings("")
	sup.Debounce = c.Debounce.Duration
	sup.Backoff = backoff.Policy{
		Base:        c.ReconnectBase.Duration,
		Cap:         c.ReconnectCap.Duration,
		Jitter:      true,
		MaxAttempts: c.MaxReconnectAttempts,
	}
	return collection.Settings{
		PageSize:       c.PageSize,
		RequestTimeout: c.RequestTimeout.Duration,
		BufferTTL:      c.UpdateBufferTTL.Duration,
		BufferLimit:    c.UpdateBufferLimit,
		Supervisor:     sup,
	}
}

// bootstrap signs in the identity named in the config, if any.
func bootstrap(provider *auth.Local, c config.IdentityConfig, log zerolog.Logger) {
	if c.UserID == "" {
		return
	}
	kind := models.Authenticated
	if c.Guest {
		kind = models.Guest
	}
	s, err := provider.Resume(models.Identity{ID: c.UserID, Kind: kind})
	if err != nil {
		log.Error().Err(err).Msg("Failed to restore configured identity")
		return
	}
	log.Info().Str("user", s.Identity.ID).Str("kind", string(s.Identity.Kind)).Msg("Signed in configured identity")
}
