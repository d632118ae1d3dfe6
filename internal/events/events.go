// Package events defines the domain events carried by the realtime channel.
//
// Payloads arrive as an Envelope and are decoded exactly once, at the channel
// boundary, into one of the Event variants below. Downstream code switches on
// the concrete type instead of poking at untyped maps.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Type is the discriminant of an envelope, e.g. "scan:progress".
type Type string

const (
	ProtocolRegistered Type = "protocol:registered"
	ProtocolUpdated    Type = "protocol:updated"

	ScanStarted   Type = "scan:started"
	ScanProgress  Type = "scan:progress"
	ScanCompleted Type = "scan:completed"
	ScanFailed    Type = "scan:failed"

	VulnerabilityFound Type = "vulnerability:found"

	ValidationStarted   Type = "validation:started"
	ValidationProgress  Type = "validation:progress"
	ValidationCompleted Type = "validation:completed"

	PaymentPending  Type = "payment:pending"
	PaymentReleased Type = "payment:released"
	PaymentFailed   Type = "payment:failed"
)

// Types returns every known event type in declaration order.
func Types() []Type {
	return []Type{
		ProtocolRegistered, ProtocolUpdated,
		ScanStarted, ScanProgress, ScanCompleted, ScanFailed,
		VulnerabilityFound,
		ValidationStarted, ValidationProgress, ValidationCompleted,
		PaymentPending, PaymentReleased, PaymentFailed,
	}
}

// Family returns the part of the type before the colon ("scan" for "scan:progress").
func (t Type) Family() string {
	s := string(t)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}

// Envelope is the wire frame exchanged over the realtime channel.
type Envelope struct {
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope marshals data into an envelope stamped with the current time.
func NewEnvelope(t Type, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("events: marshal %s: %w", t, err)
	}
	return Envelope{Type: t, Data: raw, Timestamp: time.Now().UTC()}, nil
}

// Event is the closed set of domain events. Only types in this package
// implement it.
type Event interface {
	EventType() Type
	sealed()
}

// ProtocolEvent reports a registered or updated protocol.
type ProtocolEvent struct {
	Kind       Type   `json:"-"`
	ProtocolID string `json:"protocolId"`
	Name       string `json:"name,omitempty"`
	Status     string `json:"status,omitempty"`
	Owner      string `json:"owner,omitempty"`
}

// ScanEvent reports the lifecycle and progress of one scan.
type ScanEvent struct {
	Kind       Type   `json:"-"`
	ScanID     string `json:"scanId"`
	ProtocolID string `json:"protocolId,omitempty"`
	Status     Status `json:"status,omitempty"`
	Step       string `json:"step,omitempty"`
	Progress   int    `json:"progress,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

// FindingEvent reports a vulnerability discovered by a scan.
type FindingEvent struct {
	Kind       Type   `json:"-"`
	FindingID  string `json:"findingId"`
	ScanID     string `json:"scanId,omitempty"`
	ProtocolID string `json:"protocolId,omitempty"`
	Severity   string `json:"severity,omitempty"`
	Title      string `json:"title,omitempty"`
}

// ValidationEvent reports the lifecycle and progress of one finding validation.
type ValidationEvent struct {
	Kind         Type   `json:"-"`
	ValidationID string `json:"validationId"`
	FindingID    string `json:"findingId,omitempty"`
	Status       Status `json:"status,omitempty"`
	Step         string `json:"step,omitempty"`
	Progress     int    `json:"progress,omitempty"`
	Message      string `json:"message,omitempty"`
}

// PaymentEvent reports a bounty payment state change.
type PaymentEvent struct {
	Kind      Type   `json:"-"`
	PaymentID string `json:"paymentId"`
	FindingID string `json:"findingId,omitempty"`
	Amount    string `json:"amount,omitempty"`
	Recipient string `json:"recipient,omitempty"`
	TxHash    string `json:"txHash,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Unknown carries an event type this build does not know about.
type Unknown struct {
	Kind Type
	Raw  json.RawMessage
}

func (e ProtocolEvent) EventType() Type   { return e.Kind }
func (e ScanEvent) EventType() Type       { return e.Kind }
func (e FindingEvent) EventType() Type    { return e.Kind }
func (e ValidationEvent) EventType() Type { return e.Kind }
func (e PaymentEvent) EventType() Type    { return e.Kind }
func (e Unknown) EventType() Type         { return e.Kind }

func (ProtocolEvent) sealed()   {}
func (ScanEvent) sealed()       {}
func (FindingEvent) sealed()    {}
func (ValidationEvent) sealed() {}
func (PaymentEvent) sealed()    {}
func (Unknown) sealed()         {}

// Decode turns an envelope into its Event variant. Types outside the known
// families decode to Unknown; a known type with a malformed payload is an error.
func Decode(env Envelope) (Event, error) {
	data := env.Data
	if len(data) == 0 || string(data) == "null" {
		data = json.RawMessage("{}")
	}

	switch env.Type.Family() {
	case "protocol":
		var e ProtocolEvent
		if err := decodeInto(env.Type, data, &e); err != nil {
			return nil, err
		}
		e.Kind = env.Type
		return e, nil
	case "scan":
		var e ScanEvent
		if err := decodeInto(env.Type, data, &e); err != nil {
			return nil, err
		}
		e.Kind = env.Type
		return e, nil
	case "vulnerability":
		var e FindingEvent
		if err := decodeInto(env.Type, data, &e); err != nil {
			return nil, err
		}
		e.Kind = env.Type
		return e, nil
	case "validation":
		var e ValidationEvent
		if err := decodeInto(env.Type, data, &e); err != nil {
			return nil, err
		}
		e.Kind = env.Type
		return e, nil
	case "payment":
		var e PaymentEvent
		if err := decodeInto(env.Type, data, &e); err != nil {
			return nil, err
		}
		e.Kind = env.Type
		return e, nil
	default:
		return Unknown{Kind: env.Type, Raw: env.Data}, nil
	}
}

func decodeInto(t Type, data json.RawMessage, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("events: decode %s: %w", t, err)
	}
	return nil
}
