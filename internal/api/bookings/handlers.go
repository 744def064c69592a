// internal/api/bookings/handlers.go
package bookings

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codr1/courtbook/internal/api/apiutil"
	"github.com/codr1/courtbook/internal/booking"
	"github.com/codr1/courtbook/internal/ratelimit"
)

const bookingQueryTimeout = 10 * time.Second

// Lifecycle is implemented by booking.Service.
type Lifecycle interface {
	Create(ctx context.Context, req booking.CreateRequest) (booking.CreateResult, error)
	Confirm(ctx context.Context, req booking.ConfirmRequest) (booking.ConfirmResult, error)
	Cancel(ctx context.Context, req booking.CancelRequest, allowOverride bool) (booking.CancelResult, error)
	Get(ctx context.Context, id int64) (booking.Details, error)
}

type Handler struct {
	bookings   Lifecycle
	trustProxy bool
}

// NewHandler builds the public booking handlers. trustProxy controls whether
// X-Forwarded-For is honoured when resolving the client IP for hold limits.
func NewHandler(bookings Lifecycle, trustProxy bool) *Handler {
	return &Handler{bookings: bookings, trustProxy: trustProxy}
}

// POST /api/v1/bookings
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	logger := log.Ctx(r.Context())

	var req booking.CreateRequest
	if err := apiutil.DecodeJSON(r, &req); err != nil {
		apiutil.WriteError(w, r, apiutil.HandlerError{Status: http.StatusBadRequest, Code: "invalid_json", Message: "Invalid JSON body", Err: err})
		return
	}
	if err := apiutil.Validate(req); err != nil {
		apiutil.WriteError(w, r, err)
		return
	}
	req.ClientIP = ratelimit.GetClientIP(r, h.trustProxy)

	ctx, cancel := context.WithTimeout(r.Context(), bookingQueryTimeout)
	defer cancel()

	result, err := h.bookings.Create(ctx, req)
	if err != nil {
		apiutil.WriteError(w, r, err)
		return
	}

	logger.Info().
		Int64("booking_id", result.Booking.ID).
		Int64("court_id", result.Booking.CourtID).
		Int("slot_count", len(result.Slots)).
		Time("hold_expires_at", result.HoldExpiresAt).
		Msg("Booking held")

	if err := apiutil.WriteJSON(w, http.StatusCreated, result); err != nil {
		logger.Error().Err(err).Msg("Failed to write booking response")
	}
}

// GET /api/v1/bookings/{id}
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	bookingID, err := apiutil.PathID(r, "id")
	if err != nil {
		apiutil.WriteError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), bookingQueryTimeout)
	defer cancel()

	details, err := h.bookings.Get(ctx, bookingID)
	if err != nil {
		apiutil.WriteError(w, r, err)
		return
	}
	if err := apiutil.WriteJSON(w, http.StatusOK, details); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Int64("booking_id", bookingID).Msg("Failed to write booking response")
	}
}

// POST /api/v1/bookings/{id}/confirm
func (h *Handler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	logger := log.Ctx(r.Context())

	bookingID, err := apiutil.PathID(r, "id")
	if err != nil {
		apiutil.WriteError(w, r, err)
		return
	}
	var req booking.ConfirmRequest
	if err := apiutil.DecodeOptionalJSON(r, &req); err != nil {
		apiutil.WriteError(w, r, apiutil.HandlerError{Status: http.StatusBadRequest, Code: "invalid_json", Message: "Invalid JSON body", Err: err})
		return
	}
	if err := apiutil.Validate(req); err != nil {
		apiutil.WriteError(w, r, err)
		return
	}
	req.BookingID = bookingID

	ctx, cancel := context.WithTimeout(r.Context(), bookingQueryTimeout)
	defer cancel()

	result, err := h.bookings.Confirm(ctx, req)
	if err != nil {
		apiutil.WriteError(w, r, err)
		return
	}

	logger.Info().
		Int64("booking_id", bookingID).
		Int("match_count", result.MatchCount).
		Msg("Booking confirmed")

	if err := apiutil.WriteJSON(w, http.StatusOK, result); err != nil {
		logger.Error().Err(err).Int64("booking_id", bookingID).Msg("Failed to write confirm response")
	}
}

// POST /api/v1/bookings/{id}/cancel
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	HandleCancelRequest(w, r, h.bookings, false)
}

// HandleCancelRequest decodes a cancellation and runs it. A refund_amount is
// only honoured when allowOverride is set.
func HandleCancelRequest(w http.ResponseWriter, r *http.Request, bookings Lifecycle, allowOverride bool) {
	logger := log.Ctx(r.Context())

	bookingID, err := apiutil.PathID(r, "id")
	if err != nil {
		apiutil.WriteError(w, r, err)
		return
	}
	var req booking.CancelRequest
	if err := apiutil.DecodeOptionalJSON(r, &req); err != nil {
		apiutil.WriteError(w, r, apiutil.HandlerError{Status: http.StatusBadRequest, Code: "invalid_json", Message: "Invalid JSON body", Err: err})
		return
	}
	if err := apiutil.Validate(req); err != nil {
		apiutil.WriteError(w, r, err)
		return
	}
	req.BookingID = bookingID

	ctx, cancel := context.WithTimeout(r.Context(), bookingQueryTimeout)
	defer cancel()

	result, err := bookings.Cancel(ctx, req, allowOverride)
	if err != nil {
		apiutil.WriteError(w, r, err)
		return
	}

	logger.Info().
		Int64("booking_id", bookingID).
		Int64("refund_amount", result.Refund.Amount).
		Bool("admin", allowOverride).
		Msg("Booking cancelled")

	if err := apiutil.WriteJSON(w, http.StatusOK, result); err != nil {
		logger.Error().Err(err).Int64("booking_id", bookingID).Msg("Failed to write cancel response")
	}
}
