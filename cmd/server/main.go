// cmd/server/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/codr1/courtbook/internal/availability"
	"github.com/codr1/courtbook/internal/booking"
	"github.com/codr1/courtbook/internal/config"
	"github.com/codr1/courtbook/internal/db"
	"github.com/codr1/courtbook/internal/ratelimit"
	"github.com/codr1/courtbook/internal/scheduler"
	"github.com/codr1/courtbook/internal/slotcache"
)

const shutdownTimeout = 30 * time.Second

func setupLogger(environment string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func configPath() string {
	path := flag.String("config", "", "path to the yaml configuration file")
	flag.Parse()
	if *path != "" {
		return *path
	}
	if env := os.Getenv("CONFIG_PATH"); env != "" {
		return env
	}
	return "config/app.yaml"
}

// app holds everything main constructs so shutdown can release it in order.
type app struct {
	cfg       *config.Config
	db        *db.DB
	redis     *redis.Client
	limiter   *ratelimit.Limiter
	scheduler *scheduler.Service
	deps      serverDeps
}

func buildApp(cfg *config.Config) (*app, error) {
	database, err := db.NewFromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	cache := slotcache.New(client, slotcache.Config{KeyPrefix: cfg.Redis.KeyPrefix})

	pingCtx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
	if err := cache.Ping(pingCtx); err != nil {
		// holds fail closed until redis is reachable; reads fall back to sqlite
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable at startup")
	}
	cancel()

	finder := availability.NewService(database.Queries, cache, availability.Config{
		DefaultRangeDays:       cfg.Availability.DefaultRangeDays,
		MaxRangeDays:           cfg.Availability.MaxRangeDays,
		DefaultDurationMinutes: cfg.Availability.DefaultDurationMinutes,
		DefaultLimit:           cfg.Availability.DefaultLimit,
		UnfilteredFacilityCap:  cfg.Availability.UnfilteredFacilityCap,
		DefaultTimezone:        cfg.Booking.DefaultTimezone,
		DefaultOpeningTime:     cfg.Booking.DefaultOpeningTime,
		DefaultClosingTime:     cfg.Booking.DefaultClosingTime,
	})

	a := &app{cfg: cfg, db: database, redis: client}

	var limiter booking.HoldLimiter
	if cfg.RateLimit.Enabled {
		a.limiter = ratelimit.New(&ratelimit.Config{
			HoldsPerUser: cfg.RateLimit.HoldsPerUser,
			HoldsPerIP:   cfg.RateLimit.HoldsPerIP,
			Window:       cfg.RateLimit.Window,
			CleanupEvery: cfg.RateLimit.CleanupEvery,
		})
		limiter = a.limiter
	}

	lifecycle, err := booking.NewService(database, cache, limiter, booking.Config{
		HoldDuration:         cfg.Booking.HoldDuration(),
		MaxOccurrences:       cfg.Booking.MaxOccurrences,
		DefaultTimezone:      cfg.Booking.DefaultTimezone,
		DefaultOpeningTime:   cfg.Booking.DefaultOpeningTime,
		DefaultClosingTime:   cfg.Booking.DefaultClosingTime,
		DefaultPaymentMethod: cfg.Booking.DefaultPaymentMethod,
		RefundPolicy:         booking.RefundPolicyFromConfig(cfg.Booking.RefundTiers),
		CreateMatches:        cfg.Features.EnableMatches,
	})
	if err != nil {
		a.close()
		return nil, fmt.Errorf("create booking service: %w", err)
	}
	sweeper := booking.NewSweeper(database, cache, cfg.Booking.DefaultTimezone)

	if cfg.Scheduler.SweepCron != "" {
		a.scheduler, err = scheduler.New()
		if err != nil {
			a.close()
			return nil, fmt.Errorf("create scheduler: %w", err)
		}
		if err := scheduler.RegisterHoldExpiryJob(a.scheduler, sweeper, scheduler.HoldJobConfig{
			Cron:      cfg.Scheduler.SweepCron,
			Reconcile: cfg.Features.EnableReconcile,
			Horizon:   cfg.Scheduler.ReconcileHorizon,
		}); err != nil {
			a.close()
			return nil, err
		}
	}

	a.deps = serverDeps{
		finder:     finder,
		courts:     finder,
		bookings:   lifecycle,
		sweeper:    sweeper,
		adminToken: cfg.App.SecretKey,
		trustProxy: cfg.RateLimit.TrustProxy,
		health: func(ctx context.Context) error {
			if err := database.PingContext(ctx); err != nil {
				return fmt.Errorf("database: %w", err)
			}
			return nil
		},
	}
	return a, nil
}

func (a *app) close() {
	if a.scheduler != nil {
		if err := a.scheduler.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop scheduler")
		}
	}
	if a.limiter != nil {
		a.limiter.Close()
	}
	if err := a.redis.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close redis client")
	}
	if err := a.db.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close database")
	}
}

func main() {
	cfg, err := config.Load(configPath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogger(cfg.App.Environment)

	a, err := buildApp(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize application")
	}

	// Create server instance
	server := newServer(cfg, a.deps)

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if a.scheduler != nil {
		a.scheduler.Start()
	}

	// Run server
	g.Go(func() error {
		log.Info().Int("port", cfg.App.Port).Msg("Starting server")
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Wait for interrupt signal
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		log.Info().Msg("Shutting down server")
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		return nil
	})

	err = g.Wait()
	a.close()
	if err != nil {
		log.Error().Err(err).Msg("Server terminated with error")
		os.Exit(1)
	}
}
