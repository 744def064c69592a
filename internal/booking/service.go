// Package booking manages the hold, confirm and cancel lifecycle of court
// reservations and the expiry of lapsed holds.
package booking

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/codr1/courtbook/internal/availability"
	"github.com/codr1/courtbook/internal/db"
	"github.com/codr1/courtbook/internal/pricing"
	"github.com/codr1/courtbook/internal/ratelimit"
	"github.com/codr1/courtbook/internal/slotcache"
	"github.com/codr1/courtbook/internal/slots"
)

const (
	PaymentMethodPayAtClub = "pay_at_club"
	PaymentMethodRefund    = "refund"

	ExpiredReasonPaymentTimeout = "payment_timeout"
)

// SlotCache is the part of the slot cache the lifecycle writes and checks.
type SlotCache interface {
	IsAvailable(ctx context.Context, key slotcache.DayKey, courtID int64, start, end time.Time) (bool, error)
	PutReserved(ctx context.Context, key slotcache.DayKey, entry slotcache.Entry, ttl time.Duration) error
	PutConfirmed(ctx context.Context, key slotcache.DayKey, entry slotcache.Entry, loc *time.Location) error
	RemoveOwned(ctx context.Context, p slotcache.Partition, key slotcache.DayKey, entry slotcache.Entry) (bool, error)
	Exists(ctx context.Context, p slotcache.Partition, key slotcache.DayKey, courtID int64, start, end time.Time) (bool, error)
	RemoveBooking(ctx context.Context, key slotcache.DayKey, bookingID int64, partitions ...slotcache.Partition) (int, error)
	QueryMany(ctx context.Context, keys []slotcache.DayKey) (map[slotcache.DayKey]slotcache.Snapshot, error)
}

// HoldLimiter throttles hold creation per user and client IP.
type HoldLimiter interface {
	CheckHold(userKey, ip string) ratelimit.LimitResult
	RecordHold(userKey, ip string)
}

// Clock interface for testing time-dependent behavior.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type Config struct {
	HoldDuration         time.Duration
	MaxOccurrences       int
	DefaultTimezone      string
	DefaultOpeningTime   string
	DefaultClosingTime   string
	DefaultPaymentMethod string
	RefundPolicy         RefundPolicy
	CreateMatches        bool
	// Clock for testing (nil uses real time)
	Clock Clock
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		HoldDuration:         slotcache.DefaultHold,
		MaxOccurrences:       50,
		DefaultTimezone:      "UTC",
		DefaultOpeningTime:   "06:00",
		DefaultClosingTime:   "23:00",
		DefaultPaymentMethod: PaymentMethodPayAtClub,
		RefundPolicy:         DefaultRefundPolicy(),
		CreateMatches:        true,
	}
}

type Service struct {
	db      *db.DB
	cache   SlotCache
	limiter HoldLimiter
	cfg     Config
	clock   Clock
}

// NewService wires the lifecycle manager. limiter may be nil.
func NewService(database *db.DB, cache SlotCache, limiter HoldLimiter, cfg Config) (*Service, error) {
	if database == nil {
		return nil, errors.New("booking service requires a database")
	}
	if cache == nil {
		return nil, errors.New("booking service requires a slot cache")
	}
	if cfg.HoldDuration <= 0 {
		cfg.HoldDuration = slotcache.DefaultHold
	}
	if cfg.MaxOccurrences <= 0 {
		cfg.MaxOccurrences = 50
	}
	if cfg.DefaultPaymentMethod == "" {
		cfg.DefaultPaymentMethod = PaymentMethodPayAtClub
	}
	if cfg.RefundPolicy.tiers == nil {
		cfg.RefundPolicy = DefaultRefundPolicy()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	return &Service{db: database, cache: cache, limiter: limiter, cfg: cfg, clock: clock}, nil
}

// --- requests & results ---

type CreateRequest struct {
	CourtID     int64          `json:"court_id" validate:"required,gt=0"`
	UserID      *int64         `json:"user_id,omitempty" validate:"omitempty,gt=0"`
	StartTime   time.Time      `json:"start_time" validate:"required"`
	EndTime     time.Time      `json:"end_time" validate:"required"`
	BookingType string         `json:"booking_type,omitempty" validate:"omitempty,oneof=single recurring membership"`
	Recurrence  *Recurrence    `json:"recurrence,omitempty"`
	Notes       string         `json:"notes,omitempty" validate:"max=1000"`
	Annotations map[string]any `json:"annotations,omitempty"`
	// ClientIP is filled in from the transport and used for rate limiting.
	ClientIP string `json:"-"`
}

type ConfirmRequest struct {
	BookingID     int64  `json:"-"`
	ConfirmedBy   *int64 `json:"confirmed_by,omitempty" validate:"omitempty,gt=0"`
	PaymentMethod string `json:"payment_method,omitempty" validate:"omitempty,max=50"`
	TransactionID string `json:"transaction_id,omitempty" validate:"omitempty,max=255"`
}

type CancelRequest struct {
	BookingID   int64  `json:"-"`
	CancelledBy *int64 `json:"cancelled_by,omitempty" validate:"omitempty,gt=0"`
	Reason      string `json:"reason,omitempty" validate:"max=500"`
	// RefundOverride is only honoured on the admin route.
	RefundOverride *int64 `json:"refund_amount,omitempty" validate:"omitempty,gte=0"`
}

type BookingView struct {
	ID                 int64          `json:"id"`
	FacilityID         int64          `json:"facility_id"`
	CourtID            int64          `json:"court_id"`
	UserID             *int64         `json:"user_id,omitempty"`
	StartTime          time.Time      `json:"start_time"`
	EndTime            time.Time      `json:"end_time"`
	Status             string         `json:"status"`
	BookingType        string         `json:"booking_type"`
	TotalAmount        int64          `json:"total_amount"`
	Recurrence         *Recurrence    `json:"recurrence,omitempty"`
	Notes              string         `json:"notes,omitempty"`
	ConfirmedAt        *time.Time     `json:"confirmed_at,omitempty"`
	CancelledAt        *time.Time     `json:"cancelled_at,omitempty"`
	CancellationReason string         `json:"cancellation_reason,omitempty"`
	ExpiredAt          *time.Time     `json:"expired_at,omitempty"`
	ExpiredReason      string         `json:"expired_reason,omitempty"`
	Annotations        map[string]any `json:"annotations,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

type SlotView struct {
	ID            int64      `json:"id"`
	CourtID       int64      `json:"court_id"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       time.Time  `json:"end_time"`
	Status        string     `json:"status"`
	Price         int64      `json:"price"`
	HoldExpiresAt *time.Time `json:"hold_expires_at,omitempty"`
}

type PaymentView struct {
	ID            int64     `json:"id"`
	Amount        int64     `json:"amount"`
	PaymentMethod string    `json:"payment_method"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type CreateResult struct {
	Booking       BookingView     `json:"booking"`
	Slots         []SlotView      `json:"slots"`
	Quotes        []pricing.Quote `json:"quotes"`
	HoldExpiresAt time.Time       `json:"hold_expires_at"`
	Diagnostics   []string        `json:"diagnostics,omitempty"`
}

type ConfirmResult struct {
	Booking     BookingView  `json:"booking"`
	Slots       []SlotView   `json:"slots"`
	Payment     *PaymentView `json:"payment,omitempty"`
	MatchCount  int          `json:"match_count"`
	Diagnostics []string     `json:"diagnostics,omitempty"`
}

type CancelResult struct {
	Booking     BookingView  `json:"booking"`
	Refund      Refund       `json:"refund"`
	RefundEntry *PaymentView `json:"refund_payment,omitempty"`
	Diagnostics []string     `json:"diagnostics,omitempty"`
}

type Details struct {
	Booking  BookingView   `json:"booking"`
	Slots    []SlotView    `json:"slots"`
	Payments []PaymentView `json:"payments"`
}

// --- operations ---

// Create validates the request, prices every occurrence and places a pending
// booking with one held slot per occurrence. The durable insert refuses any
// overlap with an active slot on the court.
func (s *Service) Create(ctx context.Context, req CreateRequest) (CreateResult, error) {
	now := s.clock.Now()
	logger := log.Ctx(ctx).With().
		Str("component", "booking").
		Int64("court_id", req.CourtID).
		Logger()

	if err := validateInterval(req.StartTime, req.EndTime, now); err != nil {
		return CreateResult{}, err
	}

	userKey := ""
	if req.UserID != nil {
		userKey = strconv.FormatInt(*req.UserID, 10)
	}
	if s.limiter != nil {
		if res := s.limiter.CheckHold(userKey, req.ClientIP); !res.Allowed {
			ratelimit.LogRateLimitExceeded(ctx, userKey, req.ClientIP, res.Reason)
			return CreateResult{}, &RateLimitError{RetryAfter: res.RetryAfter, Reason: res.Reason}
		}
	}

	court, err := s.db.Queries.GetCourtWithFacility(ctx, req.CourtID)
	if errors.Is(err, sql.ErrNoRows) {
		return CreateResult{}, &NotFoundError{Resource: "court", ID: req.CourtID}
	}
	if err != nil {
		return CreateResult{}, fmt.Errorf("load court: %w", err)
	}
	if court.Court.Status != "active" || court.Facility.Status != "active" {
		return CreateResult{}, &NotFoundError{Resource: "court", ID: req.CourtID}
	}
	facilityID := court.Facility.ID
	logger = logger.With().Int64("facility_id", facilityID).Logger()

	loc, opening, closing := availability.OperatingHours(ctx, court.Facility,
		s.cfg.DefaultTimezone, s.cfg.DefaultOpeningTime, s.cfg.DefaultClosingTime)
	_, startMin, endMin, err := pricing.LocalMinutes(req.StartTime, req.EndTime, loc)
	if err != nil {
		return CreateResult{}, &ValidationError{Field: "end_time", Reason: "must be on the same local day as start_time"}
	}
	if startMin < opening {
		return CreateResult{}, &ValidationError{Field: "start_time", Reason: reasonOutsideHours}
	}
	if endMin > closing {
		return CreateResult{}, &ValidationError{Field: "end_time", Reason: reasonOutsideHours}
	}

	bookingType := req.BookingType
	occurrences := []slots.Interval{{Start: req.StartTime.UTC(), End: req.EndTime.UTC()}}
	if req.Recurrence != nil {
		occurrences, err = req.Recurrence.Expand(req.StartTime, req.EndTime, loc, s.cfg.MaxOccurrences)
		if err != nil {
			return CreateResult{}, err
		}
		if bookingType == "" {
			bookingType = db.BookingTypeRecurring
		}
	}
	if bookingType == "" {
		bookingType = db.BookingTypeSingle
	}

	quotes, total, err := s.priceOccurrences(ctx, req.CourtID, occurrences, loc)
	if err != nil {
		return CreateResult{}, err
	}

	for _, occ := range occurrences {
		key := slotcache.NewDayKey(facilityID, occ.Start, loc)
		free, err := s.cache.IsAvailable(ctx, key, req.CourtID, occ.Start, occ.End)
		if err != nil {
			logger.Error().Err(err).Msg("Slot cache check failed")
			return CreateResult{}, &DependencyError{Dependency: "slot cache", Err: err}
		}
		if !free {
			return CreateResult{}, &ConflictError{CourtID: req.CourtID, Start: occ.Start, End: occ.End}
		}
	}

	recurrence, err := encodeRecurrence(req.Recurrence)
	if err != nil {
		return CreateResult{}, err
	}
	annotations, err := encodeAnnotations(req.Annotations)
	if err != nil {
		return CreateResult{}, err
	}

	holdUntil := now.Add(s.cfg.HoldDuration).UTC().Truncate(time.Second)
	var (
		created db.Booking
		held    []db.BookedSlot
	)
	err = s.db.RunInTx(ctx, func(txdb *db.DB) error {
		b, err := txdb.Queries.CreateBooking(ctx, db.CreateBookingParams{
			FacilityID:  facilityID,
			CourtID:     req.CourtID,
			UserID:      nullInt64(req.UserID),
			StartTime:   occurrences[0].Start,
			EndTime:     occurrences[0].End,
			BookingType: bookingType,
			TotalAmount: total,
			Recurrence:  recurrence,
			Notes:       nullString(req.Notes),
			Annotations: annotations,
			Now:         now,
		})
		if err != nil {
			return fmt.Errorf("create booking: %w", err)
		}
		created = b

		for i, occ := range occurrences {
			slot, err := txdb.Queries.CreateHeldSlot(ctx, db.CreateHeldSlotParams{
				BookingID: b.ID,
				CourtID:   req.CourtID,
				StartTime: occ.Start,
				EndTime:   occ.End,
				Price:     quotes[i].Total,
				ExpiryAt:  holdUntil,
				Now:       now,
			})
			if errors.Is(err, sql.ErrNoRows) {
				return &ConflictError{CourtID: req.CourtID, Start: occ.Start, End: occ.End}
			}
			if err != nil {
				return fmt.Errorf("create held slot: %w", err)
			}
			held = append(held, slot)
		}
		return nil
	})
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			logger.Info().Time("start_time", conflict.Start).Msg("Hold rejected by overlap guard")
		} else {
			logger.Error().Err(err).Msg("Failed to store hold")
		}
		return CreateResult{}, err
	}

	if s.limiter != nil {
		s.limiter.RecordHold(userKey, req.ClientIP)
	}

	logger = logger.With().Int64("booking_id", created.ID).Logger()
	logger.Info().
		Int("slot_count", len(held)).
		Int64("total_amount", total).
		Time("hold_expires_at", holdUntil).
		Msg("Created pending booking")

	var diagnostics []string
	for _, slot := range held {
		key := slotcache.NewDayKey(facilityID, slot.StartTime, loc)
		expires := holdUntil
		entry := slotcache.Entry{
			CourtID:       slot.CourtID,
			StartTime:     slot.StartTime,
			EndTime:       slot.EndTime,
			BookingID:     created.ID,
			SlotID:        slot.ID,
			Status:        string(slotcache.Reserved),
			HoldExpiresAt: &expires,
			CreatedAt:     now.UTC(),
		}
		if err := s.cache.PutReserved(ctx, key, entry, s.cfg.HoldDuration); err != nil {
			logger.Warn().Err(err).Int64("slot_id", slot.ID).Msg("Failed to cache hold")
			diagnostics = append(diagnostics, fmt.Sprintf("cache reserved slot %d: %v", slot.ID, err))
		}
	}

	return CreateResult{
		Booking:       bookingView(created),
		Slots:         slotViews(held),
		Quotes:        quotes,
		HoldExpiresAt: holdUntil,
		Diagnostics:   diagnostics,
	}, nil
}

// Confirm promotes a pending booking and its held slots. Slots whose hold has
// already lapsed are re-checked against the overlap guard.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (ConfirmResult, error) {
	now := s.clock.Now()
	logger := log.Ctx(ctx).With().
		Str("component", "booking").
		Int64("booking_id", req.BookingID).
		Logger()

	current, err := s.getBooking(ctx, req.BookingID)
	if err != nil {
		return ConfirmResult{}, err
	}
	if current.Status != db.BookingStatusPending {
		return ConfirmResult{}, &StateError{BookingID: current.ID, Status: current.Status, Action: "confirm"}
	}

	method := req.PaymentMethod
	if method == "" {
		method = s.cfg.DefaultPaymentMethod
	}
	paymentStatus := db.PaymentStatusCompleted
	if method == PaymentMethodPayAtClub {
		paymentStatus = db.PaymentStatusPending
	}

	var (
		confirmed db.Booking
		promoted  []db.BookedSlot
		payment   db.Payment
	)
	err = s.db.RunInTx(ctx, func(txdb *db.DB) error {
		held, err := txdb.Queries.ListSlotsByBooking(ctx, current.ID)
		if err != nil {
			return fmt.Errorf("list slots: %w", err)
		}
		for _, slot := range held {
			if slot.Status != db.SlotStatusScheduled {
				continue
			}
			if slot.ExpiryAt.Valid && slot.ExpiryAt.Time.After(now) {
				continue
			}
			conflicts, err := txdb.Queries.ListConflictingSlots(ctx, db.ListConflictingSlotsParams{
				CourtID:          slot.CourtID,
				StartTime:        slot.StartTime,
				EndTime:          slot.EndTime,
				Now:              now,
				ExcludeBookingID: current.ID,
			})
			if err != nil {
				return fmt.Errorf("check lapsed hold: %w", err)
			}
			if len(conflicts) > 0 {
				return &ConflictError{CourtID: slot.CourtID, Start: slot.StartTime, End: slot.EndTime}
			}
		}

		n, err := txdb.Queries.ConfirmPendingBooking(ctx, db.ConfirmPendingBookingParams{
			ID:          current.ID,
			ConfirmedBy: nullInt64(req.ConfirmedBy),
			Now:         now,
		})
		if err != nil {
			return fmt.Errorf("confirm booking: %w", err)
		}
		if n == 0 {
			latest, err := txdb.Queries.GetBooking(ctx, current.ID)
			if err != nil {
				return fmt.Errorf("reload booking: %w", err)
			}
			return &StateError{BookingID: current.ID, Status: latest.Status, Action: "confirm"}
		}

		promoted, err = txdb.Queries.ConfirmScheduledSlots(ctx, current.ID, now)
		if err != nil {
			return fmt.Errorf("confirm slots: %w", err)
		}

		payment, err = txdb.Queries.CreatePayment(ctx, db.CreatePaymentParams{
			BookingID:     current.ID,
			Amount:        current.TotalAmount,
			PaymentMethod: method,
			TransactionID: nullString(req.TransactionID),
			Status:        paymentStatus,
			Now:           now,
		})
		if err != nil {
			return fmt.Errorf("record payment: %w", err)
		}

		confirmed, err = txdb.Queries.GetBooking(ctx, current.ID)
		if err != nil {
			return fmt.Errorf("reload booking: %w", err)
		}
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to confirm booking")
		return ConfirmResult{}, err
	}
	logger.Info().Int("slot_count", len(promoted)).Str("payment_method", method).Msg("Confirmed booking")

	loc := s.facilityLocation(ctx, confirmed.FacilityID)
	diagnostics := s.promoteInCache(ctx, logger, confirmed, promoted, loc)

	matchCount := 0
	if s.cfg.CreateMatches {
		n, err := s.createMatches(ctx, confirmed, promoted)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to create matches")
			diagnostics = append(diagnostics, fmt.Sprintf("create matches: %v", err))
		}
		matchCount = n
	}

	slotsAfter := promoted
	if all, err := s.db.Queries.ListSlotsByBooking(ctx, confirmed.ID); err == nil {
		slotsAfter = all
	}
	pv := paymentView(payment)
	return ConfirmResult{
		Booking:     bookingView(confirmed),
		Slots:       slotViews(slotsAfter),
		Payment:     &pv,
		MatchCount:  matchCount,
		Diagnostics: diagnostics,
	}, nil
}

// Cancel voids a pending or confirmed booking, computes the refund and clears
// its cache entries. allowOverride gates req.RefundOverride.
func (s *Service) Cancel(ctx context.Context, req CancelRequest, allowOverride bool) (CancelResult, error) {
	now := s.clock.Now()
	logger := log.Ctx(ctx).With().
		Str("component", "booking").
		Int64("booking_id", req.BookingID).
		Logger()

	current, err := s.getBooking(ctx, req.BookingID)
	if err != nil {
		return CancelResult{}, err
	}
	switch current.Status {
	case db.BookingStatusPending, db.BookingStatusConfirmed:
	default:
		return CancelResult{}, &StateError{BookingID: current.ID, Status: current.Status, Action: "cancel"}
	}

	existing, err := s.db.Queries.ListSlotsByBooking(ctx, current.ID)
	if err != nil {
		return CancelResult{}, fmt.Errorf("list slots: %w", err)
	}
	start := current.StartTime
	for _, slot := range existing {
		if slot.Status == db.SlotStatusScheduled || slot.Status == db.SlotStatusConfirmed {
			start = slot.StartTime
			break
		}
	}

	var override *int64
	if allowOverride {
		override = req.RefundOverride
	}
	refund := s.cfg.RefundPolicy.Calculate(now, start, current.TotalAmount, override)

	var (
		cancelled db.Booking
		released  []db.BookedSlot
	)
	err = s.db.RunInTx(ctx, func(txdb *db.DB) error {
		n, err := txdb.Queries.CancelBooking(ctx, db.CancelBookingParams{
			ID:          current.ID,
			CancelledBy: nullInt64(req.CancelledBy),
			Reason:      nullString(req.Reason),
			Now:         now,
		})
		if err != nil {
			return fmt.Errorf("cancel booking: %w", err)
		}
		if n == 0 {
			latest, err := txdb.Queries.GetBooking(ctx, current.ID)
			if err != nil {
				return fmt.Errorf("reload booking: %w", err)
			}
			return &StateError{BookingID: current.ID, Status: latest.Status, Action: "cancel"}
		}
		released, err = txdb.Queries.CancelActiveSlots(ctx, current.ID, now)
		if err != nil {
			return fmt.Errorf("cancel slots: %w", err)
		}
		if _, err := txdb.Queries.CancelMatchesByBooking(ctx, current.ID, now); err != nil {
			return err
		}
		cancelled, err = txdb.Queries.GetBooking(ctx, current.ID)
		if err != nil {
			return fmt.Errorf("reload booking: %w", err)
		}
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to cancel booking")
		return CancelResult{}, err
	}
	logger.Info().
		Int("slot_count", len(released)).
		Int64("refund_amount", refund.Amount).
		Float64("hours_before_start", refund.HoursBeforeStart).
		Msg("Cancelled booking")

	var diagnostics []string
	var refundEntry *PaymentView
	if refund.Amount > 0 {
		reason := fmt.Sprintf("cancellation refund %d%%", refund.Percentage)
		p, err := s.db.Queries.CreatePayment(ctx, db.CreatePaymentParams{
			BookingID:     current.ID,
			Amount:        -refund.Amount,
			PaymentMethod: PaymentMethodRefund,
			Status:        db.PaymentStatusPending,
			Reason:        nullString(reason),
			Now:           now,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to record refund")
			diagnostics = append(diagnostics, fmt.Sprintf("record refund: %v", err))
		} else {
			pv := paymentView(p)
			refundEntry = &pv
		}
	}

	loc := s.facilityLocation(ctx, cancelled.FacilityID)
	for _, key := range dayKeysFor(cancelled.FacilityID, released, loc) {
		if _, err := s.cache.RemoveBooking(ctx, key, cancelled.ID, slotcache.Confirmed, slotcache.Reserved); err != nil {
			logger.Warn().Err(err).Str("cache_key", key.String()).Msg("Failed to clear cache entries")
			diagnostics = append(diagnostics, fmt.Sprintf("clear cache %s: %v", key, err))
		}
	}

	return CancelResult{
		Booking:     bookingView(cancelled),
		Refund:      refund,
		RefundEntry: refundEntry,
		Diagnostics: diagnostics,
	}, nil
}

// Get returns a booking with its slots and payments.
func (s *Service) Get(ctx context.Context, id int64) (Details, error) {
	b, err := s.getBooking(ctx, id)
	if err != nil {
		return Details{}, err
	}
	bookedSlots, err := s.db.Queries.ListSlotsByBooking(ctx, id)
	if err != nil {
		return Details{}, fmt.Errorf("list slots: %w", err)
	}
	payments, err := s.db.Queries.ListPaymentsByBooking(ctx, id)
	if err != nil {
		return Details{}, fmt.Errorf("list payments: %w", err)
	}
	views := make([]PaymentView, 0, len(payments))
	for _, p := range payments {
		views = append(views, paymentView(p))
	}
	return Details{Booking: bookingView(b), Slots: slotViews(bookedSlots), Payments: views}, nil
}

// --- helpers ---

func validateInterval(start, end, now time.Time) error {
	switch {
	case start.IsZero():
		return &ValidationError{Field: "start_time", Reason: "is required"}
	case end.IsZero():
		return &ValidationError{Field: "end_time", Reason: "is required"}
	case !end.After(start):
		return &ValidationError{Field: "end_time", Reason: "must be after start_time"}
	case !start.After(now):
		return &ValidationError{Field: "start_time", Reason: "must be in the future"}
	case start.Second() != 0 || start.Nanosecond() != 0:
		return &ValidationError{Field: "start_time", Reason: "must be on a whole minute"}
	case end.Second() != 0 || end.Nanosecond() != 0:
		return &ValidationError{Field: "end_time", Reason: "must be on a whole minute"}
	}
	return nil
}

func (s *Service) priceOccurrences(ctx context.Context, courtID int64, occurrences []slots.Interval, loc *time.Location) ([]pricing.Quote, int64, error) {
	evaluator := pricing.NewEvaluator(s.db.Queries)
	if len(occurrences) == 1 {
		occ := occurrences[0]
		q, err := evaluator.Price(ctx, courtID, occ.Start, occ.End, loc)
		if errors.Is(err, pricing.ErrNoCoverage) {
			return nil, 0, &PricingError{Occurrence: 0, Start: occ.Start, Err: err}
		}
		if err != nil {
			return nil, 0, err
		}
		return []pricing.Quote{q}, q.Total, nil
	}

	seen := make(map[time.Weekday]bool)
	var days []time.Weekday
	for _, occ := range occurrences {
		d := occ.Start.In(loc).Weekday()
		if !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
	}
	set, err := evaluator.LoadRuleSet(ctx, []int64{courtID}, days)
	if err != nil {
		return nil, 0, err
	}

	quotes := make([]pricing.Quote, 0, len(occurrences))
	var total int64
	for i, occ := range occurrences {
		q, err := set.Price(courtID, occ.Start, occ.End, loc)
		if err != nil {
			return nil, 0, &PricingError{Occurrence: i, Start: occ.Start, Err: err}
		}
		quotes = append(quotes, q)
		total += q.Total
	}
	return quotes, total, nil
}

func (s *Service) getBooking(ctx context.Context, id int64) (db.Booking, error) {
	b, err := s.db.Queries.GetBooking(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return db.Booking{}, &NotFoundError{Resource: "booking", ID: id}
	}
	if err != nil {
		return db.Booking{}, fmt.Errorf("load booking: %w", err)
	}
	return b, nil
}

func (s *Service) facilityLocation(ctx context.Context, facilityID int64) *time.Location {
	f, err := s.db.Queries.GetFacility(ctx, facilityID)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Int64("facility_id", facilityID).Msg("Failed to load facility timezone")
		loc, lerr := time.LoadLocation(s.cfg.DefaultTimezone)
		if lerr != nil {
			return time.UTC
		}
		return loc
	}
	loc, _, _ := availability.OperatingHours(ctx, f, s.cfg.DefaultTimezone, s.cfg.DefaultOpeningTime, s.cfg.DefaultClosingTime)
	return loc
}

func (s *Service) promoteInCache(ctx context.Context, logger zerolog.Logger, b db.Booking, promoted []db.BookedSlot, loc *time.Location) []string {
	var diagnostics []string
	for _, key := range dayKeysFor(b.FacilityID, promoted, loc) {
		if _, err := s.cache.RemoveBooking(ctx, key, b.ID, slotcache.Reserved); err != nil {
			logger.Warn().Err(err).Str("cache_key", key.String()).Msg("Failed to drop reserved entries")
			diagnostics = append(diagnostics, fmt.Sprintf("drop reserved %s: %v", key, err))
		}
	}
	for _, slot := range promoted {
		key := slotcache.NewDayKey(b.FacilityID, slot.StartTime, loc)
		entry := slotcache.Entry{
			CourtID:   slot.CourtID,
			StartTime: slot.StartTime,
			EndTime:   slot.EndTime,
			BookingID: b.ID,
			SlotID:    slot.ID,
			Status:    string(slotcache.Confirmed),
		}
		if err := s.cache.PutConfirmed(ctx, key, entry, loc); err != nil {
			logger.Warn().Err(err).Int64("slot_id", slot.ID).Msg("Failed to cache confirmed slot")
			diagnostics = append(diagnostics, fmt.Sprintf("cache confirmed slot %d: %v", slot.ID, err))
		}
	}
	return diagnostics
}

// createMatches sets up two teams and a match for every confirmed slot.
func (s *Service) createMatches(ctx context.Context, b db.Booking, promoted []db.BookedSlot) (int, error) {
	if len(promoted) == 0 {
		return 0, nil
	}
	now := s.clock.Now()
	count := 0
	err := s.db.RunInTx(ctx, func(txdb *db.DB) error {
		for _, slot := range promoted {
			home, err := txdb.Queries.CreateTeam(ctx, db.CreateTeamParams{
				BookingID:     b.ID,
				Name:          fmt.Sprintf("Booking %d Team A", b.ID),
				CaptainUserID: b.UserID,
				Now:           now,
			})
			if err != nil {
				return fmt.Errorf("create team: %w", err)
			}
			away, err := txdb.Queries.CreateTeam(ctx, db.CreateTeamParams{
				BookingID: b.ID,
				Name:      fmt.Sprintf("Booking %d Team B", b.ID),
				Now:       now,
			})
			if err != nil {
				return fmt.Errorf("create team: %w", err)
			}
			if _, err := txdb.Queries.CreateMatch(ctx, db.CreateMatchParams{
				BookingID:    b.ID,
				BookedSlotID: slot.ID,
				CourtID:      slot.CourtID,
				TeamOneID:    home.ID,
				TeamTwoID:    away.ID,
				MatchDate:    slot.StartTime,
				Now:          now,
			}); err != nil {
				return fmt.Errorf("create match: %w", err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func dayKeysFor(facilityID int64, bookedSlots []db.BookedSlot, loc *time.Location) []slotcache.DayKey {
	seen := make(map[slotcache.DayKey]bool)
	var keys []slotcache.DayKey
	for _, slot := range bookedSlots {
		key := slotcache.NewDayKey(facilityID, slot.StartTime, loc)
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Date < keys[j].Date })
	return keys
}

func encodeRecurrence(r *Recurrence) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode recurrence: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func encodeAnnotations(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", &ValidationError{Field: "annotations", Reason: "must be a JSON object"}
	}
	return string(raw), nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func bookingView(b db.Booking) BookingView {
	v := BookingView{
		ID:                 b.ID,
		FacilityID:         b.FacilityID,
		CourtID:            b.CourtID,
		StartTime:          b.StartTime,
		EndTime:            b.EndTime,
		Status:             b.Status,
		BookingType:        b.BookingType,
		TotalAmount:        b.TotalAmount,
		Notes:              b.Notes.String,
		ConfirmedAt:        timePtr(b.ConfirmedAt),
		CancelledAt:        timePtr(b.CancelledAt),
		CancellationReason: b.CancellationReason.String,
		ExpiredAt:          timePtr(b.ExpiredAt),
		ExpiredReason:      b.ExpiredReason.String,
		CreatedAt:          b.CreatedAt.UTC(),
	}
	if b.UserID.Valid {
		id := b.UserID.Int64
		v.UserID = &id
	}
	if b.Recurrence.Valid {
		var r Recurrence
		if err := json.Unmarshal([]byte(b.Recurrence.String), &r); err == nil {
			v.Recurrence = &r
		}
	}
	if b.Annotations != "" && b.Annotations != "{}" {
		var m map[string]any
		if err := json.Unmarshal([]byte(b.Annotations), &m); err == nil {
			v.Annotations = m
		}
	}
	return v
}

func slotViews(in []db.BookedSlot) []SlotView {
	out := make([]SlotView, 0, len(in))
	for _, s := range in {
		out = append(out, SlotView{
			ID:            s.ID,
			CourtID:       s.CourtID,
			StartTime:     s.StartTime,
			EndTime:       s.EndTime,
			Status:        s.Status,
			Price:         s.Price,
			HoldExpiresAt: timePtr(s.ExpiryAt),
		})
	}
	return out
}

func paymentView(p db.Payment) PaymentView {
	return PaymentView{
		ID:            p.ID,
		Amount:        p.Amount,
		PaymentMethod: p.PaymentMethod,
		Status:        p.Status,
		Reason:        p.Reason.String,
		CreatedAt:     p.CreatedAt.UTC(),
	}
}
