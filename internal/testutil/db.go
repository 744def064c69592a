package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/codr1/courtbook/internal/db"
)

// NewTestDB creates a temporary SQLite database with migrations applied.
func NewTestDB(t *testing.T) *db.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	database, err := db.New(dbPath)
	if err != nil {
		t.Fatalf("create test db: %v", err)
	}
	t.Cleanup(func() {
		_ = database.Close()
	})

	return database
}

// Fixture describes one seeded facility with its courts.
type Fixture struct {
	FacilityID int64
	CourtIDs   []int64
	Location   *time.Location
}

// FacilityOptions controls SeedFacility.
type FacilityOptions struct {
	Name        string
	Timezone    string
	OpeningTime string
	ClosingTime string
	Courts      int
	// PricePerHour seeds one all-day rule per court and weekday when positive.
	PricePerHour int64
}

// SeedFacility inserts an active facility, its active courts and optional
// all-day price rules.
func SeedFacility(t *testing.T, database *db.DB, opts FacilityOptions) Fixture {
	t.Helper()
	ctx := context.Background()

	if opts.Name == "" {
		opts.Name = "Test Facility"
	}
	if opts.Timezone == "" {
		opts.Timezone = "UTC"
	}
	if opts.Courts == 0 {
		opts.Courts = 1
	}
	loc, err := time.LoadLocation(opts.Timezone)
	if err != nil {
		t.Fatalf("load timezone: %v", err)
	}

	var opening, closing interface{}
	if opts.OpeningTime != "" {
		opening = opts.OpeningTime
	}
	if opts.ClosingTime != "" {
		closing = opts.ClosingTime
	}

	var facilityID int64
	slug := filepath.Base(t.TempDir())
	err = database.QueryRowContext(ctx,
		`INSERT INTO facilities (name, slug, timezone, opening_time, closing_time, status)
		 VALUES (?, ?, ?, ?, ?, 'active') RETURNING id`,
		opts.Name, slug, opts.Timezone, opening, closing,
	).Scan(&facilityID)
	if err != nil {
		t.Fatalf("insert facility: %v", err)
	}

	fixture := Fixture{FacilityID: facilityID, Location: loc}
	for i := 0; i < opts.Courts; i++ {
		courtID := SeedCourt(t, database, facilityID, "active")
		fixture.CourtIDs = append(fixture.CourtIDs, courtID)
		if opts.PricePerHour > 0 {
			for day := int64(0); day < 7; day++ {
				SeedPriceRule(t, database, courtID, day, "00:00", "24:00", opts.PricePerHour)
			}
		}
	}
	return fixture
}

func SeedCourt(t *testing.T, database *db.DB, facilityID int64, status string) int64 {
	t.Helper()
	var courtID int64
	err := database.QueryRowContext(context.Background(),
		`INSERT INTO courts (facility_id, name, status)
		 VALUES (?, 'Court ' || (SELECT COUNT(*) + 1 FROM courts WHERE facility_id = ?), ?) RETURNING id`,
		facilityID, facilityID, status,
	).Scan(&courtID)
	if err != nil {
		t.Fatalf("insert court: %v", err)
	}
	return courtID
}

func SeedPriceRule(t *testing.T, database *db.DB, courtID, dayOfWeek int64, start, end string, pricePerHour int64) {
	t.Helper()
	_, err := database.Queries.CreatePriceRule(context.Background(), db.CreatePriceRuleParams{
		CourtID:      courtID,
		DayOfWeek:    dayOfWeek,
		StartTime:    start,
		EndTime:      end,
		PricePerHour: pricePerHour,
		IsActive:     true,
	})
	if err != nil {
		t.Fatalf("insert price rule: %v", err)
	}
}
