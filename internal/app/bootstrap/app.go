// Package bootstrap assembles the CallPilot runtime from configuration.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/callpilot/internal/api/router"
	"github.com/wolfman30/callpilot/internal/booking"
	"github.com/wolfman30/callpilot/internal/callsession"
	appconfig "github.com/wolfman30/callpilot/internal/config"
	"github.com/wolfman30/callpilot/internal/dispatch"
	"github.com/wolfman30/callpilot/internal/events"
	"github.com/wolfman30/callpilot/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/callpilot/internal/http/middleware"
	"github.com/wolfman30/callpilot/internal/observability/metrics"
	"github.com/wolfman30/callpilot/internal/orchestrator"
	"github.com/wolfman30/callpilot/internal/providers"
	"github.com/wolfman30/callpilot/internal/telephony"
	"github.com/wolfman30/callpilot/internal/voice"
	"github.com/wolfman30/callpilot/internal/worker/sweeper"
	"github.com/wolfman30/callpilot/pkg/logging"
)

const (
	dispatchLockTTL  = 30 * time.Second
	processedLRUSize = 10000
	limiterIdle      = 10 * time.Minute
)

// App is a fully wired service plus its background workers.
type App struct {
	Handler http.Handler
	Service *orchestrator.Service

	cfg     *appconfig.Config
	logger  *logging.Logger
	pool    *pgxpool.Pool
	redis   *redis.Client
	sweeper *sweeper.Sweeper
	stream  *voice.StreamListener
	limiter *httpmiddleware.RateLimiter
}

// Build wires stores, integrations, the orchestrator and the HTTP router.
// Without DATABASE_URL every store is in memory; without REDIS_ADDR the
// dispatch lock is process-local and transitions are not published.
func Build(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	app := &App{cfg: cfg, logger: logger}

	pool, err := BuildPostgresPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app.pool = pool
	app.redis = BuildRedisClient(ctx, cfg, logger, true)

	var (
		store     booking.Store
		backing   providers.Directory
		processed events.ProcessedTracker
	)
	if pool != nil {
		store = booking.NewPostgresStore(pool)
		backing = providers.NewPostgresDirectory(pool)
		processed = events.NewProcessedStore(pool)
		logger.Info("using postgres stores")
	} else {
		store = booking.NewMemoryStore()
		backing = providers.NewInMemoryDirectory()
		mem, err := events.NewMemoryProcessedStore(processedLRUSize)
		if err != nil {
			app.Close()
			return nil, err
		}
		processed = mem
		logger.Warn("DATABASE_URL not set; using in-memory stores")
	}
	directory, err := providers.NewCachedDirectory(backing, cfg.ProviderCacheSize)
	if err != nil {
		app.Close()
		return nil, err
	}
	if cfg.ProvidersSeedFile != "" {
		n, err := providers.Seed(ctx, directory, cfg.ProvidersSeedFile)
		if err != nil {
			app.Close()
			return nil, err
		}
		logger.Info("provider directory seeded", "count", n, "file", cfg.ProvidersSeedFile)
	}

	var (
		locker   dispatch.Locker
		notifier events.Notifier = events.NopNotifier{}
	)
	if app.redis != nil {
		locker = dispatch.NewRedisLocker(app.redis, dispatchLockTTL, logger)
		notifier = events.NewRedisNotifier(app.redis, logger)
	} else {
		locker = dispatch.NewLocalLocker()
	}

	archiver, err := BuildTranscriptArchive(ctx, cfg, logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	callMetrics := metrics.NewCallMetrics(reg)

	twilio := telephony.NewClient(telephony.Config{
		AccountSID:    cfg.TwilioAccountSID,
		AuthToken:     cfg.TwilioAuthToken,
		FromNumber:    cfg.TwilioFromNumber,
		BaseURL:       cfg.TwilioBaseURL,
		PublicBaseURL: cfg.PublicBaseURL,
	}, logger)
	if cfg.TwilioAccountSID == "" {
		logger.Warn("TWILIO_ACCOUNT_SID not set; dispatch will fail until telephony is configured")
	}
	voiceClient := voice.NewClient(voice.Config{
		APIKey:  cfg.VoiceAPIKey,
		AgentID: cfg.VoiceAgentID,
		BaseURL: cfg.VoiceBaseURL,
	}, logger)

	svc := orchestrator.New(orchestrator.Options{
		Store:     store,
		Directory: directory,
		Dialer:    twilio,
		Hangup:    twilio,
		Starter:   voiceClient,
		Locker:    locker,
		Notifier:  notifier,
		Archiver:  archiver,
		Metrics:   callMetrics,
		Logger:    logger,
		Timeouts: callsession.Config{
			RingTimeout:  cfg.RingTimeout,
			StallTimeout: cfg.StallTimeout,
			HangupGrace:  cfg.HangupGrace,
			EndWindow:    cfg.EndWindow,
		},
		MaxAttempts:          cfg.MaxCallAttempts,
		AutoRetry:            cfg.AutoRetry,
		DefaultMaxDistanceKm: cfg.DefaultMaxDistanceKm,
	})
	app.Service = svc

	voiceHandler := handlers.NewVoiceHandler(handlers.VoiceConfig{
		Service:       svc,
		Processed:     processed,
		WebhookSecret: cfg.VoiceWebhookSecret,
		Metrics:       callMetrics,
		Logger:        logger,
	})
	if cfg.VoiceStreamEvents && cfg.VoiceStreamURL != "" {
		app.stream = voice.NewStreamListener(cfg.VoiceStreamURL, cfg.VoiceAPIKey, voiceHandler.Apply, logger)
	}
	app.sweeper = sweeper.New(store, svc.Sessions(), logger).WithInterval(cfg.SweepInterval)
	if cfg.RateLimitRPS > 0 {
		app.limiter = httpmiddleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	}

	app.Handler = router.New(&router.Config{
		Logger:  logger,
		Booking: handlers.NewBookingHandler(svc, logger),
		Twilio: handlers.NewTwilioHandler(handlers.TwilioConfig{
			Service:       svc,
			Processed:     processed,
			AuthToken:     cfg.TwilioAuthToken,
			PublicBaseURL: cfg.PublicBaseURL,
			StreamURL:     voiceClient.StreamURL(),
			Metrics:       callMetrics,
			Logger:        logger,
		}),
		Voice:              voiceHandler,
		Health:             handlers.NewHealthHandler(app.healthChecks()),
		MetricsHandler:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		APIJWTSecret:       cfg.APIJWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimiter:        app.limiter,
	})
	return app, nil
}

func (a *App) healthChecks() map[string]handlers.HealthCheck {
	checks := map[string]handlers.HealthCheck{}
	if a.pool != nil {
		checks["postgres"] = a.pool.Ping
	}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error { return a.redis.Ping(ctx).Err() }
	}
	return checks
}

// Start launches the background workers; they stop when ctx is cancelled.
func (a *App) Start(ctx context.Context) {
	go a.sweeper.Run(ctx)
	if a.stream != nil {
		go a.stream.Run(ctx)
		a.logger.Info("voice event stream enabled")
	}
	if a.limiter != nil {
		go a.limiter.Run(ctx, time.Minute, limiterIdle)
	}
}

// Close releases database and cache connections.
func (a *App) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
