package events

import "strings"

// Status is the lifecycle state of a scan or validation subject.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusQueued     Status = "QUEUED"
	StatusRunning    Status = "RUNNING"
	StatusValidating Status = "VALIDATING"

	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
	StatusValidated Status = "VALIDATED"
	StatusRejected  Status = "REJECTED"
)

// ParseStatus normalises case and the British spelling of CANCELLED.
func ParseStatus(s string) Status {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if st == "CANCELLED" {
		return StatusCanceled
	}
	return st
}

// Terminal reports whether no further progress is expected for a subject in
// this state.
func (s Status) Terminal() bool {
	switch ParseStatus(string(s)) {
	case StatusSucceeded, StatusFailed, StatusCanceled, StatusValidated, StatusRejected:
		return true
	}
	return false
}

// Encode wraps an event into an envelope for publishing.
func Encode(e Event) (Envelope, error) {
	if u, ok := e.(Unknown); ok {
		env := Envelope{Type: u.Kind, Data: u.Raw}
		return env, nil
	}
	return NewEnvelope(e.EventType(), e)
}
