package events

import (
	"time"
)

// EventTypeIntrusion is the only event type the dashboard interprets; every
// other type is an opaque tag owned by the backend.
const EventTypeIntrusion = "intrusion"

// Event is a security event as reported by the backend.
// ID is normalized to its string form, Timestamp to UTC.
type Event struct {
	ID          string    `json:"id"`
	CameraID    string    `json:"camera_id"`
	EventType   string    `json:"event_type"`
	Timestamp   time.Time `json:"timestamp"`
	Confidence  *float64  `json:"confidence,omitempty"`
	Description string    `json:"description,omitempty"`
	ImagePath   string    `json:"image_path,omitempty"`
}

// IsIntrusion reports whether the event counts towards the intrusion stat.
func (e Event) IsIntrusion() bool {
	return e.EventType == EventTypeIntrusion
}

// Stats is the precomputed aggregate returned by the backend stats endpoint.
type Stats struct {
	TotalEvents     int        `json:"total_events"`
	IntrusionEvents int        `json:"intrusion_events"`
	LastEventTime   *time.Time `json:"last_event_time"`
}

// Live message types
const (
	MessageNewEvent = "new_event"
)

// LiveMessage is one decoded push message. Event is only set for new_event.
type LiveMessage struct {
	Type  string
	Event *Event
}

// IsControl reports whether the message carries no event (ack, ping, ...).
func (m LiveMessage) IsControl() bool {
	return m.Event == nil
}
