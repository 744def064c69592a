// internal/db/models.go
package db

import (
	"database/sql"
	"time"
)

const (
	BookingStatusPending   = "pending"
	BookingStatusConfirmed = "confirmed"
	BookingStatusCancelled = "cancelled"
	BookingStatusCompleted = "completed"
	BookingStatusExpired   = "expired"

	SlotStatusScheduled = "scheduled"
	SlotStatusConfirmed = "confirmed"
	SlotStatusCompleted = "completed"
	SlotStatusCancelled = "cancelled"
	SlotStatusNoShow    = "no_show"
	SlotStatusExpired   = "expired"

	BookingTypeSingle     = "single"
	BookingTypeRecurring  = "recurring"
	BookingTypeMembership = "membership"

	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"

	MatchStatusScheduled = "scheduled"
	MatchStatusCancelled = "cancelled"
)

type Facility struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	Slug        string         `json:"slug"`
	Timezone    string         `json:"timezone"`
	OpeningTime sql.NullString `json:"-"`
	ClosingTime sql.NullString `json:"-"`
	Status      string         `json:"status"`
}

type Court struct {
	ID         int64  `json:"id"`
	FacilityID int64  `json:"facility_id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
}

// CourtWithFacility is a court joined with the facility that owns it.
type CourtWithFacility struct {
	Court    Court
	Facility Facility
}

// FacilityWithCourts groups the active courts of one facility.
type FacilityWithCourts struct {
	Facility Facility
	Courts   []Court
}

type PriceRule struct {
	ID           int64
	CourtID      int64
	DayOfWeek    int64
	StartTime    string
	EndTime      string
	PricePerHour int64
	IsActive     bool
}

type Booking struct {
	ID                 int64
	FacilityID         int64
	CourtID            int64
	UserID             sql.NullInt64
	StartTime          time.Time
	EndTime            time.Time
	Status             string
	BookingType        string
	TotalAmount        int64
	Recurrence         sql.NullString
	Notes              sql.NullString
	ConfirmedAt        sql.NullTime
	ConfirmedBy        sql.NullInt64
	CancelledAt        sql.NullTime
	CancelledBy        sql.NullInt64
	CancellationReason sql.NullString
	ExpiredAt          sql.NullTime
	ExpiredReason      sql.NullString
	Annotations        string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type BookedSlot struct {
	ID        int64
	BookingID int64
	CourtID   int64
	StartTime time.Time
	EndTime   time.Time
	Status    string
	Price     int64
	ExpiryAt  sql.NullTime
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LapsedHold is a scheduled slot whose hold expired, joined with its booking.
type LapsedHold struct {
	SlotID        int64
	BookingID     int64
	CourtID       int64
	FacilityID    int64
	Timezone      string
	StartTime     time.Time
	EndTime       time.Time
	ExpiryAt      time.Time
	BookingStatus string
}

// ActiveSlot is an occupying slot joined with the facility it belongs to.
type ActiveSlot struct {
	SlotID     int64
	BookingID  int64
	CourtID    int64
	FacilityID int64
	Timezone   string
	StartTime  time.Time
	EndTime    time.Time
	Status     string
	ExpiryAt   sql.NullTime
}

type Payment struct {
	ID            int64
	BookingID     int64
	Amount        int64
	PaymentMethod string
	TransactionID sql.NullString
	Status        string
	Reason        sql.NullString
	CreatedAt     time.Time
}

type Team struct {
	ID            int64
	BookingID     int64
	Name          string
	CaptainUserID sql.NullInt64
	CreatedAt     time.Time
}

type Match struct {
	ID           int64
	BookingID    int64
	BookedSlotID int64
	CourtID      int64
	TeamOneID    int64
	TeamTwoID    int64
	MatchDate    time.Time
	Status       string
}
