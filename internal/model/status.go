package model

import "github.com/rotisserie/eris"

// Status is the enrichment lifecycle state of a QueryRecord.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Statuses lists every valid status in lifecycle order.
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusError}

// ParseStatus converts a stored or user-supplied value into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", eris.Errorf("model: unknown status %q", s)
	}
	return st, nil
}

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusError:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state machine permits s -> to.
//
// The stale processing -> pending reset and the manual error -> pending
// retry are not transitions; see Store.Requeue and Store.RetryErrored.
func (s Status) CanTransition(to Status) bool {
	switch s {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		switch to {
		case StatusProcessing, StatusCompleted, StatusError:
			return true
		case StatusPending:
			return false
		default:
			return false
		}
	case StatusCompleted, StatusError:
		return false
	default:
		return false
	}
}

func (s Status) String() string {
	return string(s)
}
