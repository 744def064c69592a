// internal/db/queries.go
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

type Queries struct {
	db DBTX
}

func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// storedTime normalizes instants before they are bound so that the TEXT
// representation sqlite keeps compares lexically in instant order.
func storedTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

func storedNullTime(t sql.NullTime) sql.NullTime {
	if !t.Valid {
		return t
	}
	return sql.NullTime{Time: storedTime(t.Time), Valid: true}
}

func inPlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(values []int64) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

// --- facilities & courts ---

const facilityColumns = `f.id, f.name, f.slug, f.timezone, f.opening_time, f.closing_time, f.status`

func scanFacility(row rowScanner, f *Facility) error {
	return row.Scan(&f.ID, &f.Name, &f.Slug, &f.Timezone, &f.OpeningTime, &f.ClosingTime, &f.Status)
}

func (q *Queries) GetFacility(ctx context.Context, id int64) (Facility, error) {
	var f Facility
	row := q.db.QueryRowContext(ctx, `SELECT `+facilityColumns+` FROM facilities f WHERE f.id = ?`, id)
	err := scanFacility(row, &f)
	return f, err
}

const getCourtWithFacility = `
SELECT c.id, c.facility_id, c.name, c.status, ` + facilityColumns + `
FROM courts c
JOIN facilities f ON f.id = c.facility_id
WHERE c.id = ?`

func (q *Queries) GetCourtWithFacility(ctx context.Context, courtID int64) (CourtWithFacility, error) {
	var out CourtWithFacility
	row := q.db.QueryRowContext(ctx, getCourtWithFacility, courtID)
	err := row.Scan(
		&out.Court.ID, &out.Court.FacilityID, &out.Court.Name, &out.Court.Status,
		&out.Facility.ID, &out.Facility.Name, &out.Facility.Slug, &out.Facility.Timezone,
		&out.Facility.OpeningTime, &out.Facility.ClosingTime, &out.Facility.Status,
	)
	return out, err
}

// ListFacilities returns every facility regardless of status, ordered by id.
func (q *Queries) ListFacilities(ctx context.Context) ([]Facility, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+facilityColumns+` FROM facilities f ORDER BY f.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Facility
	for rows.Next() {
		var f Facility
		if err := scanFacility(rows, &f); err != nil {
			return nil, err
		}
		items = append(items, f)
	}
	return items, rows.Err()
}

type ListBookableFacilitiesParams struct {
	FacilityIDs []int64
	Limit       int64
	Offset      int64
}

// ListBookableFacilities returns active facilities that own at least one active
// court, ordered by id, together with those courts.
func (q *Queries) ListBookableFacilities(ctx context.Context, arg ListBookableFacilitiesParams) ([]FacilityWithCourts, error) {
	query := `SELECT ` + facilityColumns + `
FROM facilities f
WHERE f.status = 'active'
  AND EXISTS (SELECT 1 FROM courts c WHERE c.facility_id = f.id AND c.status = 'active')`
	args := []interface{}{}
	if len(arg.FacilityIDs) > 0 {
		query += ` AND f.id IN (` + inPlaceholders(len(arg.FacilityIDs)) + `)`
		args = append(args, int64Args(arg.FacilityIDs)...)
	}
	query += ` ORDER BY f.id LIMIT ? OFFSET ?`
	args = append(args, arg.Limit, arg.Offset)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []FacilityWithCourts
	index := make(map[int64]int)
	for rows.Next() {
		var f Facility
		if err := scanFacility(rows, &f); err != nil {
			return nil, err
		}
		index[f.ID] = len(items)
		items = append(items, FacilityWithCourts{Facility: f})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.Facility.ID)
	}
	courtRows, err := q.db.QueryContext(ctx,
		`SELECT id, facility_id, name, status FROM courts
		 WHERE status = 'active' AND facility_id IN (`+inPlaceholders(len(ids))+`)
		 ORDER BY facility_id, id`,
		int64Args(ids)...,
	)
	if err != nil {
		return nil, err
	}
	defer courtRows.Close()
	for courtRows.Next() {
		var c Court
		if err := courtRows.Scan(&c.ID, &c.FacilityID, &c.Name, &c.Status); err != nil {
			return nil, err
		}
		pos := index[c.FacilityID]
		items[pos].Courts = append(items[pos].Courts, c)
	}
	return items, courtRows.Err()
}

// --- price rules ---

type ListActivePriceRulesParams struct {
	CourtIDs   []int64
	DaysOfWeek []int64
}

func (q *Queries) ListActivePriceRules(ctx context.Context, arg ListActivePriceRulesParams) ([]PriceRule, error) {
	if len(arg.CourtIDs) == 0 || len(arg.DaysOfWeek) == 0 {
		return nil, nil
	}
	query := `SELECT id, court_id, day_of_week, start_time, end_time, price_per_hour, is_active
FROM price_rules
WHERE is_active = 1
  AND court_id IN (` + inPlaceholders(len(arg.CourtIDs)) + `)
  AND day_of_week IN (` + inPlaceholders(len(arg.DaysOfWeek)) + `)
ORDER BY court_id, day_of_week, start_time`
	args := append(int64Args(arg.CourtIDs), int64Args(arg.DaysOfWeek)...)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []PriceRule
	for rows.Next() {
		var r PriceRule
		if err := rows.Scan(&r.ID, &r.CourtID, &r.DayOfWeek, &r.StartTime, &r.EndTime, &r.PricePerHour, &r.IsActive); err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

type CreatePriceRuleParams struct {
	CourtID      int64
	DayOfWeek    int64
	StartTime    string
	EndTime      string
	PricePerHour int64
	IsActive     bool
}

func (q *Queries) CreatePriceRule(ctx context.Context, arg CreatePriceRuleParams) (PriceRule, error) {
	var r PriceRule
	err := q.db.QueryRowContext(ctx,
		`INSERT INTO price_rules (court_id, day_of_week, start_time, end_time, price_per_hour, is_active)
		 VALUES (?, ?, ?, ?, ?, ?)
		 RETURNING id, court_id, day_of_week, start_time, end_time, price_per_hour, is_active`,
		arg.CourtID, arg.DayOfWeek, arg.StartTime, arg.EndTime, arg.PricePerHour, arg.IsActive,
	).Scan(&r.ID, &r.CourtID, &r.DayOfWeek, &r.StartTime, &r.EndTime, &r.PricePerHour, &r.IsActive)
	return r, err
}

// --- bookings ---

const bookingColumns = `id, facility_id, court_id, user_id, start_time, end_time, status, booking_type,
	total_amount, recurrence, notes, confirmed_at, confirmed_by, cancelled_at, cancelled_by,
	cancellation_reason, expired_at, expired_reason, annotations, created_at, updated_at`

func scanBooking(row rowScanner, b *Booking) error {
	err := row.Scan(
		&b.ID, &b.FacilityID, &b.CourtID, &b.UserID, &b.StartTime, &b.EndTime, &b.Status, &b.BookingType,
		&b.TotalAmount, &b.Recurrence, &b.Notes, &b.ConfirmedAt, &b.ConfirmedBy, &b.CancelledAt, &b.CancelledBy,
		&b.CancellationReason, &b.ExpiredAt, &b.ExpiredReason, &b.Annotations, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return err
	}
	b.StartTime = b.StartTime.UTC()
	b.EndTime = b.EndTime.UTC()
	return nil
}

type CreateBookingParams struct {
	FacilityID  int64
	CourtID     int64
	UserID      sql.NullInt64
	StartTime   time.Time
	EndTime     time.Time
	BookingType string
	TotalAmount int64
	Recurrence  sql.NullString
	Notes       sql.NullString
	Annotations string
	Now         time.Time
}

func (q *Queries) CreateBooking(ctx context.Context, arg CreateBookingParams) (Booking, error) {
	annotations := arg.Annotations
	if annotations == "" {
		annotations = "{}"
	}
	var b Booking
	row := q.db.QueryRowContext(ctx,
		`INSERT INTO bookings (facility_id, court_id, user_id, start_time, end_time, status, booking_type,
			total_amount, recurrence, notes, annotations, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?, ?)
		 RETURNING `+bookingColumns,
		arg.FacilityID, arg.CourtID, arg.UserID, storedTime(arg.StartTime), storedTime(arg.EndTime), arg.BookingType,
		arg.TotalAmount, arg.Recurrence, arg.Notes, annotations, storedTime(arg.Now), storedTime(arg.Now),
	)
	err := scanBooking(row, &b)
	return b, err
}

func (q *Queries) GetBooking(ctx context.Context, id int64) (Booking, error) {
	var b Booking
	row := q.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, id)
	err := scanBooking(row, &b)
	return b, err
}

type ConfirmPendingBookingParams struct {
	ID          int64
	ConfirmedBy sql.NullInt64
	Now         time.Time
}

// ConfirmPendingBooking promotes a booking only while it is still pending and
// reports how many rows changed.
func (q *Queries) ConfirmPendingBooking(ctx context.Context, arg ConfirmPendingBookingParams) (int64, error) {
	result, err := q.db.ExecContext(ctx,
		`UPDATE bookings SET status = 'confirmed', confirmed_at = ?, confirmed_by = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		storedTime(arg.Now), arg.ConfirmedBy, storedTime(arg.Now), arg.ID,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type CancelBookingParams struct {
	ID          int64
	CancelledBy sql.NullInt64
	Reason      sql.NullString
	Now         time.Time
}

func (q *Queries) CancelBooking(ctx context.Context, arg CancelBookingParams) (int64, error) {
	result, err := q.db.ExecContext(ctx,
		`UPDATE bookings SET status = 'cancelled', cancelled_at = ?, cancelled_by = ?, cancellation_reason = ?, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'confirmed')`,
		storedTime(arg.Now), arg.CancelledBy, arg.Reason, storedTime(arg.Now), arg.ID,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type ExpirePendingBookingsParams struct {
	IDs    []int64
	Reason string
	Now    time.Time
}

// ExpirePendingBookings expires the given bookings that are still pending and
// returns the ids it changed. Bookings confirmed in the meantime are left alone.
func (q *Queries) ExpirePendingBookings(ctx context.Context, arg ExpirePendingBookingsParams) ([]int64, error) {
	if len(arg.IDs) == 0 {
		return nil, nil
	}
	args := []interface{}{storedTime(arg.Now), arg.Reason, storedTime(arg.Now)}
	args = append(args, int64Args(arg.IDs)...)
	rows, err := q.db.QueryContext(ctx,
		`UPDATE bookings SET status = 'expired', expired_at = ?, expired_reason = ?, updated_at = ?
		 WHERE status = 'pending' AND id IN (`+inPlaceholders(len(arg.IDs))+`)
		 RETURNING id`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- booked slots ---

const slotColumns = `id, booking_id, court_id, start_time, end_time, status, price, expiry_at, created_at, updated_at`

func scanSlot(row rowScanner, s *BookedSlot) error {
	err := row.Scan(&s.ID, &s.BookingID, &s.CourtID, &s.StartTime, &s.EndTime, &s.Status, &s.Price, &s.ExpiryAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return err
	}
	s.StartTime = s.StartTime.UTC()
	s.EndTime = s.EndTime.UTC()
	if s.ExpiryAt.Valid {
		s.ExpiryAt.Time = s.ExpiryAt.Time.UTC()
	}
	return nil
}

func collectSlots(rows *sql.Rows) ([]BookedSlot, error) {
	defer rows.Close()
	var items []BookedSlot
	for rows.Next() {
		var s BookedSlot
		if err := scanSlot(rows, &s); err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

// activeSlotPredicate matches slots that occupy their court at instant ?:
// confirmed slots, and scheduled slots whose hold has not lapsed.
const activeSlotPredicate = `(status = 'confirmed' OR (status = 'scheduled' AND expiry_at IS NOT NULL AND expiry_at > ?))`

type CreateHeldSlotParams struct {
	BookingID int64
	CourtID   int64
	StartTime time.Time
	EndTime   time.Time
	Price     int64
	ExpiryAt  time.Time
	Now       time.Time
}

// CreateHeldSlot inserts a scheduled slot unless an active slot on the same
// court overlaps it. sql.ErrNoRows means the interval is taken.
func (q *Queries) CreateHeldSlot(ctx context.Context, arg CreateHeldSlotParams) (BookedSlot, error) {
	start := storedTime(arg.StartTime)
	end := storedTime(arg.EndTime)
	now := storedTime(arg.Now)
	var s BookedSlot
	row := q.db.QueryRowContext(ctx,
		`INSERT INTO booked_slots (booking_id, court_id, start_time, end_time, status, price, expiry_at, created_at, updated_at)
		 SELECT ?, ?, ?, ?, 'scheduled', ?, ?, ?, ?
		 WHERE NOT EXISTS (
			SELECT 1 FROM booked_slots
			WHERE court_id = ? AND start_time < ? AND end_time > ?
			  AND `+activeSlotPredicate+`
		 )
		 RETURNING `+slotColumns,
		arg.BookingID, arg.CourtID, start, end, arg.Price, storedTime(arg.ExpiryAt), now, now,
		arg.CourtID, end, start, now,
	)
	err := scanSlot(row, &s)
	return s, err
}

func (q *Queries) ListSlotsByBooking(ctx context.Context, bookingID int64) ([]BookedSlot, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+slotColumns+` FROM booked_slots WHERE booking_id = ? ORDER BY start_time, id`,
		bookingID,
	)
	if err != nil {
		return nil, err
	}
	return collectSlots(rows)
}

type ListConflictingSlotsParams struct {
	CourtID          int64
	StartTime        time.Time
	EndTime          time.Time
	Now              time.Time
	ExcludeBookingID int64
}

func (q *Queries) ListConflictingSlots(ctx context.Context, arg ListConflictingSlotsParams) ([]BookedSlot, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+slotColumns+` FROM booked_slots
		 WHERE court_id = ? AND start_time < ? AND end_time > ? AND booking_id != ?
		   AND `+activeSlotPredicate+`
		 ORDER BY start_time`,
		arg.CourtID, storedTime(arg.EndTime), storedTime(arg.StartTime), arg.ExcludeBookingID, storedTime(arg.Now),
	)
	if err != nil {
		return nil, err
	}
	return collectSlots(rows)
}

// ConfirmScheduledSlots promotes every scheduled slot of a booking and clears
// its hold.
func (q *Queries) ConfirmScheduledSlots(ctx context.Context, bookingID int64, now time.Time) ([]BookedSlot, error) {
	rows, err := q.db.QueryContext(ctx,
		`UPDATE booked_slots SET status = 'confirmed', expiry_at = NULL, updated_at = ?
		 WHERE booking_id = ? AND status = 'scheduled'
		 RETURNING `+slotColumns,
		storedTime(now), bookingID,
	)
	if err != nil {
		return nil, err
	}
	return collectSlots(rows)
}

func (q *Queries) CancelActiveSlots(ctx context.Context, bookingID int64, now time.Time) ([]BookedSlot, error) {
	rows, err := q.db.QueryContext(ctx,
		`UPDATE booked_slots SET status = 'cancelled', expiry_at = NULL, updated_at = ?
		 WHERE booking_id = ? AND status IN ('scheduled', 'confirmed')
		 RETURNING `+slotColumns,
		storedTime(now), bookingID,
	)
	if err != nil {
		return nil, err
	}
	return collectSlots(rows)
}

const listLapsedHolds = `
SELECT s.id, s.booking_id, s.court_id, b.facility_id, f.timezone, s.start_time, s.end_time, s.expiry_at, b.status
FROM booked_slots s
JOIN bookings b ON b.id = s.booking_id
JOIN facilities f ON f.id = b.facility_id
WHERE s.status = 'scheduled'
  AND s.expiry_at IS NOT NULL
  AND s.expiry_at < ?
ORDER BY s.expiry_at, s.id`

func (q *Queries) ListLapsedHolds(ctx context.Context, now time.Time) ([]LapsedHold, error) {
	rows, err := q.db.QueryContext(ctx, listLapsedHolds, storedTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []LapsedHold
	for rows.Next() {
		var h LapsedHold
		if err := rows.Scan(&h.SlotID, &h.BookingID, &h.CourtID, &h.FacilityID, &h.Timezone, &h.StartTime, &h.EndTime, &h.ExpiryAt, &h.BookingStatus); err != nil {
			return nil, err
		}
		h.StartTime = h.StartTime.UTC()
		h.EndTime = h.EndTime.UTC()
		h.ExpiryAt = h.ExpiryAt.UTC()
		items = append(items, h)
	}
	return items, rows.Err()
}

// ExpireSlots moves the given slots from scheduled to expired.
func (q *Queries) ExpireSlots(ctx context.Context, ids []int64, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := append([]interface{}{storedTime(now)}, int64Args(ids)...)
	result, err := q.db.ExecContext(ctx,
		`UPDATE booked_slots SET status = 'expired', updated_at = ?
		 WHERE status = 'scheduled' AND id IN (`+inPlaceholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type ListActiveSlotsInRangeParams struct {
	FacilityIDs []int64
	From        time.Time
	To          time.Time
	Now         time.Time
}

// ListActiveSlotsInRange returns occupying slots overlapping [From, To),
// optionally restricted to a set of facilities.
func (q *Queries) ListActiveSlotsInRange(ctx context.Context, arg ListActiveSlotsInRangeParams) ([]ActiveSlot, error) {
	now := storedTime(arg.Now)
	query := `SELECT s.id, s.booking_id, s.court_id, b.facility_id, f.timezone, s.start_time, s.end_time, s.status, s.expiry_at
FROM booked_slots s
JOIN bookings b ON b.id = s.booking_id
JOIN facilities f ON f.id = b.facility_id
WHERE s.start_time < ? AND s.end_time > ?
  AND (s.status = 'confirmed' OR (s.status = 'scheduled' AND s.expiry_at IS NOT NULL AND s.expiry_at > ?))`
	args := []interface{}{storedTime(arg.To), storedTime(arg.From), now}
	if len(arg.FacilityIDs) > 0 {
		query += ` AND b.facility_id IN (` + inPlaceholders(len(arg.FacilityIDs)) + `)`
		args = append(args, int64Args(arg.FacilityIDs)...)
	}
	query += ` ORDER BY s.start_time, s.id`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []ActiveSlot
	for rows.Next() {
		var s ActiveSlot
		if err := rows.Scan(&s.SlotID, &s.BookingID, &s.CourtID, &s.FacilityID, &s.Timezone, &s.StartTime, &s.EndTime, &s.Status, &s.ExpiryAt); err != nil {
			return nil, err
		}
		s.StartTime = s.StartTime.UTC()
		s.EndTime = s.EndTime.UTC()
		if s.ExpiryAt.Valid {
			s.ExpiryAt.Time = s.ExpiryAt.Time.UTC()
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

// --- payments ---

type CreatePaymentParams struct {
	BookingID     int64
	Amount        int64
	PaymentMethod string
	TransactionID sql.NullString
	Status        string
	Reason        sql.NullString
	Now           time.Time
}

func (q *Queries) CreatePayment(ctx context.Context, arg CreatePaymentParams) (Payment, error) {
	var p Payment
	err := q.db.QueryRowContext(ctx,
		`INSERT INTO payments (booking_id, amount, payment_method, transaction_id, status, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 RETURNING id, booking_id, amount, payment_method, transaction_id, status, reason, created_at`,
		arg.BookingID, arg.Amount, arg.PaymentMethod, arg.TransactionID, arg.Status, arg.Reason, storedTime(arg.Now),
	).Scan(&p.ID, &p.BookingID, &p.Amount, &p.PaymentMethod, &p.TransactionID, &p.Status, &p.Reason, &p.CreatedAt)
	return p, err
}

func (q *Queries) ListPaymentsByBooking(ctx context.Context, bookingID int64) ([]Payment, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, booking_id, amount, payment_method, transaction_id, status, reason, created_at
		 FROM payments WHERE booking_id = ? ORDER BY id`,
		bookingID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Payment
	for rows.Next() {
		var p Payment
		if err := rows.Scan(&p.ID, &p.BookingID, &p.Amount, &p.PaymentMethod, &p.TransactionID, &p.Status, &p.Reason, &p.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// --- teams & matches ---

type CreateTeamParams struct {
	BookingID     int64
	Name          string
	CaptainUserID sql.NullInt64
	Now           time.Time
}

func (q *Queries) CreateTeam(ctx context.Context, arg CreateTeamParams) (Team, error) {
	var t Team
	err := q.db.QueryRowContext(ctx,
		`INSERT INTO teams (booking_id, name, captain_user_id, created_at)
		 VALUES (?, ?, ?, ?)
		 RETURNING id, booking_id, name, captain_user_id, created_at`,
		arg.BookingID, arg.Name, arg.CaptainUserID, storedTime(arg.Now),
	).Scan(&t.ID, &t.BookingID, &t.Name, &t.CaptainUserID, &t.CreatedAt)
	return t, err
}

type CreateMatchParams struct {
	BookingID    int64
	BookedSlotID int64
	CourtID      int64
	TeamOneID    int64
	TeamTwoID    int64
	MatchDate    time.Time
	Now          time.Time
}

const matchColumns = `id, booking_id, booked_slot_id, court_id, team_one_id, team_two_id, match_date, status`

func (q *Queries) CreateMatch(ctx context.Context, arg CreateMatchParams) (Match, error) {
	var m Match
	err := q.db.QueryRowContext(ctx,
		`INSERT INTO matches (booking_id, booked_slot_id, court_id, team_one_id, team_two_id, match_date, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'scheduled', ?, ?)
		 RETURNING `+matchColumns,
		arg.BookingID, arg.BookedSlotID, arg.CourtID, arg.TeamOneID, arg.TeamTwoID,
		storedTime(arg.MatchDate), storedTime(arg.Now), storedTime(arg.Now),
	).Scan(&m.ID, &m.BookingID, &m.BookedSlotID, &m.CourtID, &m.TeamOneID, &m.TeamTwoID, &m.MatchDate, &m.Status)
	return m, err
}

func (q *Queries) ListMatchesByBooking(ctx context.Context, bookingID int64) ([]Match, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE booking_id = ? ORDER BY match_date, id`,
		bookingID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.ID, &m.BookingID, &m.BookedSlotID, &m.CourtID, &m.TeamOneID, &m.TeamTwoID, &m.MatchDate, &m.Status); err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (q *Queries) CancelMatchesByBooking(ctx context.Context, bookingID int64, now time.Time) (int64, error) {
	result, err := q.db.ExecContext(ctx,
		`UPDATE matches SET status = 'cancelled', updated_at = ? WHERE booking_id = ? AND status = 'scheduled'`,
		storedTime(now), bookingID,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel matches: %w", err)
	}
	return result.RowsAffected()
}
