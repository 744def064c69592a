// internal/api/facilities/handlers.go
package facilities

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codr1/courtbook/internal/api/apiutil"
	"github.com/codr1/courtbook/internal/availability"
)

const courtsQueryTimeout = 5 * time.Second

// CourtFinder is implemented by availability.Service.
type CourtFinder interface {
	CourtsAt(ctx context.Context, q availability.CourtQuery) (availability.CourtAvailability, error)
}

type Handler struct {
	courts CourtFinder
}

func NewHandler(courts CourtFinder) *Handler {
	return &Handler{courts: courts}
}

// GET /api/v1/facilities/{id}/courts/available?start_time=RFC3339&duration=60
func (h *Handler) HandleAvailableCourts(w http.ResponseWriter, r *http.Request) {
	logger := log.Ctx(r.Context())

	q, err := parseCourtQuery(r)
	if err != nil {
		apiutil.WriteError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), courtsQueryTimeout)
	defer cancel()

	result, err := h.courts.CourtsAt(ctx, q)
	if err != nil {
		apiutil.WriteError(w, r, err)
		return
	}
	if err := apiutil.WriteJSON(w, http.StatusOK, result); err != nil {
		logger.Error().Err(err).Msg("Failed to write court availability response")
	}
}

func parseCourtQuery(r *http.Request) (availability.CourtQuery, error) {
	var (
		q   availability.CourtQuery
		err error
	)
	if q.FacilityID, err = apiutil.PathID(r, "id"); err != nil {
		return q, err
	}
	values := r.URL.Query()
	raw := strings.TrimSpace(values.Get("start_time"))
	if raw == "" {
		return q, apiutil.FieldError{Field: "start_time", Reason: "is required"}
	}
	if q.StartTime, err = time.Parse(time.RFC3339, raw); err != nil {
		return q, apiutil.FieldError{Field: "start_time", Reason: "must be an RFC 3339 timestamp"}
	}
	if values.Get("duration") != "" {
		duration, err := apiutil.ParsePositiveInt64Field(values.Get("duration"), "duration")
		if err != nil {
			return q, err
		}
		q.DurationMinutes = int(duration)
	}
	return q, nil
}
