package booking

import (
	"fmt"
	"time"
)

// ValidationError reports a request field that cannot be accepted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

const reasonOutsideHours = "outside operating hours"

type NotFoundError struct {
	Resource string
	ID       int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Resource, e.ID)
}

// ConflictError means the interval is already held or confirmed on the court.
type ConflictError struct {
	CourtID int64
	Start   time.Time
	End     time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("court %d is already held between %s and %s",
		e.CourtID, e.Start.UTC().Format(time.RFC3339), e.End.UTC().Format(time.RFC3339))
}

// PricingError names the occurrence that could not be priced. It unwraps to
// pricing.ErrNoCoverage.
type PricingError struct {
	Occurrence int
	Start      time.Time
	Err        error
}

func (e *PricingError) Error() string {
	return fmt.Sprintf("occurrence %d starting %s cannot be priced: %v",
		e.Occurrence+1, e.Start.UTC().Format(time.RFC3339), e.Err)
}

func (e *PricingError) Unwrap() error { return e.Err }

// StateError rejects a transition from the booking's current status.
type StateError struct {
	BookingID int64
	Status    string
	Action    string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s booking %d in status %s", e.Action, e.BookingID, e.Status)
}

// DependencyError means a collaborator needed to make a safe decision failed.
type DependencyError struct {
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s unavailable: availability could not be verified: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

// RateLimitError rejects a hold request that exceeds the configured limits.
type RateLimitError struct {
	RetryAfter time.Duration
	Reason     string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many holds (%s), retry after %s", e.Reason, e.RetryAfter.Round(time.Second))
}
