package apiutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/codr1/courtbook/internal/availability"
	"github.com/codr1/courtbook/internal/booking"
	"github.com/codr1/courtbook/internal/pricing"
)

type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

type HandlerError struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e HandlerError) Error() string {
	return e.Message
}

func (e HandlerError) Unwrap() error {
	return e.Err
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Validate checks struct tags and reports the first failure as a FieldError.
func Validate(v any) error {
	err := validatorInstance().Struct(v)
	if err == nil {
		return nil
	}
	var invalid validator.ValidationErrors
	if !errors.As(err, &invalid) || len(invalid) == 0 {
		return err
	}
	first := invalid[0]
	field := strings.TrimPrefix(first.Namespace(), firstSegment(first.Namespace())+".")
	return FieldError{Field: field, Reason: describeTag(first)}
}

func firstSegment(ns string) string {
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[:i]
	}
	return ns
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "datetime":
		return "must match " + fe.Param()
	default:
		return "is invalid"
	}
}

func DecodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return fmt.Errorf("missing request body")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		return err
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

// DecodeOptionalJSON behaves like DecodeJSON but accepts an empty body.
func DecodeOptionalJSON(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := DecodeJSON(r, dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func WriteJSON(w http.ResponseWriter, status int, payload any) error {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	if err := encoder.Encode(payload); err != nil {
		return err
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err := w.Write(buf.Bytes())
	return err
}

func WriteErrorBody(w http.ResponseWriter, status int, code, message string) {
	_ = WriteJSON(w, status, ErrorBody{Error: ErrorDetail{Code: code, Message: message}})
}

// WriteError maps domain errors onto HTTP statuses and error codes.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	logger := log.Ctx(r.Context())

	var (
		fieldErr      FieldError
		handlerErr    HandlerError
		validationErr *booking.ValidationError
		notFoundErr   *booking.NotFoundError
		conflictErr   *booking.ConflictError
		pricingErr    *booking.PricingError
		stateErr      *booking.StateError
		dependencyErr *booking.DependencyError
		rateLimitErr  *booking.RateLimitError
	)

	detail := ErrorDetail{Message: err.Error()}
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &fieldErr):
		status, detail.Code, detail.Field = http.StatusBadRequest, "validation_error", fieldErr.Field
	case errors.As(err, &validationErr):
		status, detail.Code, detail.Field = http.StatusBadRequest, "validation_error", validationErr.Field
	case errors.Is(err, availability.ErrInvalidQuery):
		status, detail.Code = http.StatusBadRequest, "validation_error"
	case errors.As(err, &notFoundErr), errors.Is(err, availability.ErrFacilityNotFound):
		status, detail.Code = http.StatusNotFound, "not_found"
	case errors.As(err, &conflictErr):
		status, detail.Code = http.StatusConflict, "slot_conflict"
	case errors.As(err, &stateErr):
		status, detail.Code = http.StatusConflict, "invalid_state"
	case errors.As(err, &pricingErr), errors.Is(err, pricing.ErrNoCoverage):
		status, detail.Code = http.StatusUnprocessableEntity, "no_pricing_coverage"
	case errors.As(err, &dependencyErr):
		status, detail.Code = http.StatusServiceUnavailable, "dependency_unavailable"
	case errors.As(err, &rateLimitErr):
		status, detail.Code = http.StatusTooManyRequests, "rate_limited"
		w.Header().Set("Retry-After", strconv.Itoa(int(rateLimitErr.RetryAfter.Round(time.Second)/time.Second)))
	case errors.As(err, &handlerErr):
		status, detail.Code, detail.Message = handlerErr.Status, handlerErr.Code, handlerErr.Message
		if detail.Code == "" {
			detail.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
		}
	default:
		detail.Code = "internal_error"
		detail.Message = "Internal Server Error"
	}

	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Int("status", status).Msg("Request failed")
	} else {
		logger.Debug().Err(err).Int("status", status).Msg("Request rejected")
	}
	_ = WriteJSON(w, status, ErrorBody{Error: detail})
}
