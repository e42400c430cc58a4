package job

import (
	"slices"

	"sentimental/internal/apperrors"
)

// Status is a job's position in its lifecycle.
type Status string

const (
	StatusSubmitted  Status = "SUBMITTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusStoring    Status = "STORING"
	StatusProcessed  Status = "PROCESSED"
	StatusFailed     Status = "FAILED"
	StatusError      Status = "ERROR"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusSubmitted,
	StatusInProgress,
	StatusCompleted,
	StatusStoring,
	StatusProcessed,
	StatusFailed,
	StatusError,
}

// transitions is the complete state machine. STORING -> STORING is the
// reclaim of an extraction that stalled; it changes only the version.
var transitions = map[Status][]Status{
	StatusSubmitted:  {StatusInProgress, StatusCompleted, StatusFailed},
	StatusInProgress: {StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusStoring},
	StatusStoring:    {StatusStoring, StatusProcessed, StatusFailed, StatusError},
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", apperrors.Validation("status", "unknown status "+s)
	}
	return st, nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return slices.Contains(AllStatuses, s)
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusProcessed, StatusFailed, StatusError:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is permitted.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// ValidateTransition returns ErrInvalidTransition for forbidden changes.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return apperrors.InvalidTransition(string(from), string(to))
	}
	return nil
}

// AllowedFrom returns every status that may move to to. Stores use it to
// enforce the state machine inside their conditional write.
func AllowedFrom(to Status) []Status {
	var from []Status
	for _, s := range AllStatuses {
		if CanTransition(s, to) {
			from = append(from, s)
		}
	}
	return from
}
