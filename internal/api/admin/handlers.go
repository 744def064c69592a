// internal/api/admin/handlers.go
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codr1/courtbook/internal/api/apiutil"
	"github.com/codr1/courtbook/internal/api/bookings"
	"github.com/codr1/courtbook/internal/booking"
)

const sweepTimeout = time.Minute

// Sweeper is implemented by booking.Sweeper.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (booking.SweepReport, error)
}

type Handler struct {
	bookings bookings.Lifecycle
	sweeper  Sweeper
	now      func() time.Time
}

func NewHandler(lifecycle bookings.Lifecycle, sweeper Sweeper, now func() time.Time) *Handler {
	if now == nil {
		now = time.Now
	}
	return &Handler{bookings: lifecycle, sweeper: sweeper, now: now}
}

// POST /api/v1/admin/bookings/{id}/cancel
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	bookings.HandleCancelRequest(w, r, h.bookings, true)
}

// POST /api/v1/admin/sweep
func (h *Handler) HandleSweep(w http.ResponseWriter, r *http.Request) {
	logger := log.Ctx(r.Context())

	ctx, cancel := context.WithTimeout(r.Context(), sweepTimeout)
	defer cancel()

	report, err := h.sweeper.Sweep(ctx, h.now().UTC())
	if err != nil {
		apiutil.WriteError(w, r, err)
		return
	}
	if report.ProcessedBookingIDs == nil {
		report.ProcessedBookingIDs = []int64{}
	}
	if report.Errors == nil {
		report.Errors = []string{}
	}

	logger.Info().
		Int("expired_slot_count", report.ExpiredSlotCount).
		Int("expired_booking_count", report.ExpiredBookingCount).
		Msg("Manual sweep completed")

	if err := apiutil.WriteJSON(w, http.StatusOK, report); err != nil {
		logger.Error().Err(err).Msg("Failed to write sweep response")
	}
}
