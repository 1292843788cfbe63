package types

import "time"

// EventKind is the verb part of a host event. Values are the wire spelling.
type EventKind string

const (
	EventShow        EventKind = "SHOW"
	EventHide        EventKind = "HIDE"
	EventSendText    EventKind = "SENDTEXT"
	EventSendKey     EventKind = "SENDKEY"
	EventPointerMove EventKind = "MOUSE_ABS"
	EventClick       EventKind = "CLICK"
	EventShutdown    EventKind = "SHUTDOWN"
)

// EventKinds lists every kind the bridge understands.
var EventKinds = []EventKind{
	EventShow, EventHide, EventSendText, EventSendKey, EventPointerMove, EventClick, EventShutdown,
}

// Input reports whether the kind is relayed to the guest as input.
func (k EventKind) Input() bool {
	switch k {
	case EventSendText, EventSendKey, EventPointerMove, EventClick:
		return true
	}
	return false
}

// Event is one parsed request from the guest console.
type Event struct {
	Kind   EventKind `json:"kind"`
	Target Target    `json:"target"`

	Text   string  `json:"text,omitempty"`   // SENDTEXT
	Key    string  `json:"key,omitempty"`    // SENDKEY
	X      float64 `json:"x,omitempty"`      // MOUSE_ABS, 0..1
	Y      float64 `json:"y,omitempty"`      // MOUSE_ABS, 0..1
	Button string  `json:"button,omitempty"` // CLICK

	Raw        string    `json:"raw"`
	ReceivedAt time.Time `json:"received_at"`

	// Invalid is set on synthetic events built from malformed lines.
	// The bridge acknowledges them with this reason and does nothing else.
	Invalid string `json:"invalid,omitempty"`
}

// Operation is the operation name echoed in the acknowledgment, e.g. LINUX_SHOW.
func (e Event) Operation() string {
	return e.Target.Wire() + "_" + string(e.Kind)
}

// AckStatus is the outcome half of an acknowledgment.
type AckStatus string

const (
	AckOK  AckStatus = "ok"
	AckErr AckStatus = "err"
)

// AckRecord is the response to exactly one Event.
type AckRecord struct {
	Operation string
	Status    AckStatus
	Detail    string
}

// OK builds a successful acknowledgment for ev.
func OK(ev Event, detail string) AckRecord {
	return AckRecord{Operation: ev.Operation(), Status: AckOK, Detail: detail}
}

// Err builds a failed acknowledgment for ev.
func Err(ev Event, reason string) AckRecord {
	return AckRecord{Operation: ev.Operation(), Status: AckErr, Detail: reason}
}
