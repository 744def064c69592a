package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/codr1/courtbook/internal/booking"
)

const HoldExpiryJobName = "expire_lapsed_holds"

// HoldSweeper is implemented by booking.Sweeper.
type HoldSweeper interface {
	Sweep(ctx context.Context, now time.Time) (booking.SweepReport, error)
	Reconcile(ctx context.Context, now time.Time, horizon time.Duration) (booking.ReconcileReport, error)
}

type HoldJobConfig struct {
	Cron string
	// Reconcile re-indexes active slots in the cache after each sweep.
	Reconcile bool
	Horizon   time.Duration
	Timeout   time.Duration
	Now       func() time.Time
}

// RegisterHoldExpiryJob schedules the expiry sweep.
func RegisterHoldExpiryJob(s *Service, sweeper HoldSweeper, cfg HoldJobConfig) error {
	if sweeper == nil {
		return fmt.Errorf("hold expiry job requires a sweeper")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	jobLogger := log.With().
		Str("component", "hold_expiry_job").
		Str("job_name", HoldExpiryJobName).
		Str("cron", cfg.Cron).
		Logger()

	_, err := s.AddJob(HoldExpiryJobName, cfg.Cron, func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		defer cancel()
		ctx = jobLogger.WithContext(ctx)

		if err := RunHoldMaintenance(ctx, sweeper, cfg.Now().UTC(), cfg); err != nil {
			jobLogger.Error().Err(err).Msg("Hold maintenance failed")
		}
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", HoldExpiryJobName, err)
	}
	return nil
}

// RunHoldMaintenance performs one sweep and, when enabled, one reconcile pass.
func RunHoldMaintenance(ctx context.Context, sweeper HoldSweeper, now time.Time, cfg HoldJobConfig) error {
	logger := zerolog.Ctx(ctx)

	report, err := sweeper.Sweep(ctx, now)
	if err != nil {
		return fmt.Errorf("sweep lapsed holds: %w", err)
	}
	if report.ExpiredSlotCount > 0 || len(report.Errors) > 0 {
		logger.Info().
			Int("expired_slot_count", report.ExpiredSlotCount).
			Int("expired_booking_count", report.ExpiredBookingCount).
			Strs("errors", report.Errors).
			Msg("Swept lapsed holds")
	}

	if !cfg.Reconcile {
		return nil
	}
	horizon := cfg.Horizon
	if horizon <= 0 {
		horizon = 48 * time.Hour
	}
	if _, err := sweeper.Reconcile(ctx, now, horizon); err != nil {
		return fmt.Errorf("reconcile slot cache: %w", err)
	}
	return nil
}
