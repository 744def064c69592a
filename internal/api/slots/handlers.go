// internal/api/slots/handlers.go
package slots

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codr1/courtbook/internal/api/apiutil"
	"github.com/codr1/courtbook/internal/availability"
)

const slotsQueryTimeout = 10 * time.Second

// Finder is implemented by availability.Service.
type Finder interface {
	Normalize(q availability.Query) (availability.Query, error)
	FindAvailable(ctx context.Context, q availability.Query) availability.Result
}

type Handler struct {
	finder Finder
}

func NewHandler(finder Finder) *Handler {
	return &Handler{finder: finder}
}

// GET /api/v1/slots/available
func (h *Handler) HandleAvailable(w http.ResponseWriter, r *http.Request) {
	logger := log.Ctx(r.Context())

	q, err := parseQuery(r)
	if err != nil {
		apiutil.WriteError(w, r, err)
		return
	}
	if _, err := h.finder.Normalize(q); err != nil {
		apiutil.WriteError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), slotsQueryTimeout)
	defer cancel()

	result := h.finder.FindAvailable(ctx, q)
	if result.Slots == nil {
		result.Slots = []availability.Group{}
	}
	logger.Debug().
		Int("groups", len(result.Slots)).
		Bool("has_more", result.HasMore).
		Msg("Listed available slots")

	if err := apiutil.WriteJSON(w, http.StatusOK, result); err != nil {
		logger.Error().Err(err).Msg("Failed to write available slots response")
	}
}

func parseQuery(r *http.Request) (availability.Query, error) {
	values := r.URL.Query()
	var (
		q   availability.Query
		err error
	)
	if q.DateFrom, err = apiutil.ParseDate(values.Get("date_from"), "date_from"); err != nil {
		return q, err
	}
	if q.DateTo, err = apiutil.ParseDate(values.Get("date_to"), "date_to"); err != nil {
		return q, err
	}
	if values.Get("duration") != "" {
		duration, err := apiutil.ParsePositiveInt64Field(values.Get("duration"), "duration")
		if err != nil {
			return q, err
		}
		q.DurationMinutes = int(duration)
	}
	if q.FacilityIDs, err = apiutil.ParseIDList(values["facility_id"], "facility_id"); err != nil {
		return q, err
	}
	if q.Limit, err = apiutil.OptionalIntQuery(r, "limit"); err != nil {
		return q, err
	}
	if q.Offset, err = apiutil.OptionalIntQuery(r, "offset"); err != nil {
		return q, err
	}
	return q, nil
}
