package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/codr1/courtbook/internal/booking"
)

type fakeSweeper struct {
	sweeps       []time.Time
	reconciles   []time.Duration
	sweepErr     error
	reconcileErr error
}

func (f *fakeSweeper) Sweep(_ context.Context, now time.Time) (booking.SweepReport, error) {
	f.sweeps = append(f.sweeps, now)
	if f.sweepErr != nil {
		return booking.SweepReport{}, f.sweepErr
	}
	return booking.SweepReport{ExpiredSlotCount: 1, ProcessedAt: now}, nil
}

func (f *fakeSweeper) Reconcile(_ context.Context, _ time.Time, horizon time.Duration) (booking.ReconcileReport, error) {
	f.reconciles = append(f.reconciles, horizon)
	return booking.ReconcileReport{}, f.reconcileErr
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop() })
	return svc
}

func TestAddJobValidation(t *testing.T) {
	svc := newTestService(t)
	noop := func() {}

	if _, err := svc.AddJob("", "* * * * *", noop); !errors.Is(err, ErrEmptyJobName) {
		t.Fatalf("empty name error = %v", err)
	}
	if _, err := svc.AddJob("job", " ", noop); !errors.Is(err, ErrEmptyCronExpr) {
		t.Fatalf("empty cron error = %v", err)
	}
	if _, err := svc.AddJob("job", "not a cron", noop); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
	if _, err := svc.AddJob("job", "*/5 * * * *", noop); err != nil {
		t.Fatalf("AddJob() error = %v", err)
	}
	if _, err := svc.AddJob("seconds", "*/10 * * * * *", noop); err != nil {
		t.Fatalf("AddJob() with seconds error = %v", err)
	}
	if got := len(svc.Jobs()); got != 2 {
		t.Fatalf("jobs = %d, want 2", got)
	}
}

func TestNilServiceIsNotInitialized(t *testing.T) {
	var svc *Service
	if _, err := svc.AddJob("job", "* * * * *", func() {}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("AddJob() error = %v", err)
	}
	if err := svc.Stop(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Stop() error = %v", err)
	}
}

func TestRegisterHoldExpiryJob(t *testing.T) {
	svc := newTestService(t)

	if err := RegisterHoldExpiryJob(svc, nil, HoldJobConfig{Cron: "* * * * *"}); err == nil {
		t.Fatal("expected error without sweeper")
	}
	if err := RegisterHoldExpiryJob(svc, &fakeSweeper{}, HoldJobConfig{Cron: "* * * * *"}); err != nil {
		t.Fatalf("RegisterHoldExpiryJob() error = %v", err)
	}

	jobs := svc.Jobs()
	if len(jobs) != 1 || jobs[0].Name() != HoldExpiryJobName {
		t.Fatalf("jobs = %v", jobs)
	}
}

func TestRunHoldMaintenance(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	sweeper := &fakeSweeper{}
	if err := RunHoldMaintenance(ctx, sweeper, now, HoldJobConfig{Reconcile: true}); err != nil {
		t.Fatalf("RunHoldMaintenance() error = %v", err)
	}
	if len(sweeper.sweeps) != 1 || !sweeper.sweeps[0].Equal(now) {
		t.Fatalf("sweeps = %v", sweeper.sweeps)
	}
	if len(sweeper.reconciles) != 1 || sweeper.reconciles[0] != 48*time.Hour {
		t.Fatalf("reconciles = %v", sweeper.reconciles)
	}

	sweeper = &fakeSweeper{}
	if err := RunHoldMaintenance(ctx, sweeper, now, HoldJobConfig{}); err != nil {
		t.Fatalf("RunHoldMaintenance() error = %v", err)
	}
	if len(sweeper.reconciles) != 0 {
		t.Fatalf("reconcile ran while disabled")
	}

	sweeper = &fakeSweeper{sweepErr: errors.New("database is locked")}
	if err := RunHoldMaintenance(ctx, sweeper, now, HoldJobConfig{Reconcile: true}); err == nil {
		t.Fatal("expected sweep error")
	}
	if len(sweeper.reconciles) != 0 {
		t.Fatalf("reconcile ran after failed sweep")
	}
}
