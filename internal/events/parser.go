package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Layouts tried for timestamps that carry no offset. The backend serializes
// naive datetimes, which are UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
}

// ParseTimestamp parses an ISO-8601 timestamp. Strings without an explicit
// offset are interpreted as UTC. The result is always in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidTimestamp)
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	// Space separated with an offset, e.g. "2024-01-01 10:15:00+00:00"
	if t, err := time.Parse("2006-01-02 15:04:05.999999999Z07:00", s); err == nil {
		return t.UTC(), nil
	}

	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
}

type wireEvent struct {
	ID          json.RawMessage `json:"id"`
	CameraID    *string         `json:"camera_id"`
	EventType   *string         `json:"event_type"`
	Timestamp   *string         `json:"timestamp"`
	Confidence  *float64        `json:"confidence"`
	Description *string         `json:"description"`
	ImagePath   *string         `json:"image_path"`
}

type wireStats struct {
	TotalEvents     *int    `json:"total_events"`
	IntrusionEvents *int    `json:"intrusion_events"`
	LastEventTime   *string `json:"last_event_time"`
}

type wireMessage struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Event json.RawMessage `json:"event"`
}

// normalizeID accepts a JSON string or integer id and returns its string form.
func normalizeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("%w: missing id", ErrInvalidEvent)
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: id: %v", ErrInvalidEvent, err)
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return "", fmt.Errorf("%w: empty id", ErrInvalidEvent)
		}
		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("%w: id must be string or integer", ErrInvalidEvent)
	}
	if _, err := n.Int64(); err != nil {
		return "", fmt.Errorf("%w: id %s is not an integer", ErrInvalidEvent, n)
	}
	return n.String(), nil
}

func (w wireEvent) toEvent() (Event, error) {
	id, err := normalizeID(w.ID)
	if err != nil {
		return Event{}, err
	}

	if w.CameraID == nil || strings.TrimSpace(*w.CameraID) == "" {
		return Event{}, fmt.Errorf("%w: id=%s: missing camera_id", ErrInvalidEvent, id)
	}
	if w.EventType == nil || strings.TrimSpace(*w.EventType) == "" {
		return Event{}, fmt.Errorf("%w: id=%s: missing event_type", ErrInvalidEvent, id)
	}
	if w.Timestamp == nil {
		return Event{}, fmt.Errorf("%w: id=%s: missing timestamp", ErrInvalidEvent, id)
	}

	ts, err := ParseTimestamp(*w.Timestamp)
	if err != nil {
		return Event{}, fmt.Errorf("%w: id=%s: %v", ErrInvalidEvent, id, err)
	}

	if w.Confidence != nil && (*w.Confidence < 0 || *w.Confidence > 1) {
		return Event{}, fmt.Errorf("%w: id=%s: confidence %v out of range", ErrInvalidEvent, id, *w.Confidence)
	}

	evt := Event{
		ID:         id,
		CameraID:   *w.CameraID,
		EventType:  *w.EventType,
		Timestamp:  ts,
		Confidence: w.Confidence,
	}
	if w.Description != nil {
		evt.Description = *w.Description
	}
	if w.ImagePath != nil {
		evt.ImagePath = *w.ImagePath
	}
	return evt, nil
}

// DecodeEvent validates a single wire event.
func DecodeEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return w.toEvent()
}

// DecodeEvents validates an array of wire events. One invalid element fails
// the whole batch.
func DecodeEvents(data []byte) ([]Event, error) {
	var ws []wireEvent
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	out := make([]Event, 0, len(ws))
	for i, w := range ws {
		evt, err := w.toEvent()
		if err != nil {
			return nil, fmt.Errorf("events[%d]: %w", i, err)
		}
		out = append(out, evt)
	}
	return out, nil
}

// DecodeStats validates the backend stats object.
func DecodeStats(data []byte) (Stats, error) {
	var w wireStats
	if err := json.Unmarshal(data, &w); err != nil {
		return Stats{}, fmt.Errorf("decode stats: %w", err)
	}
	if w.TotalEvents == nil || w.IntrusionEvents == nil {
		return Stats{}, fmt.Errorf("decode stats: missing counters")
	}
	if *w.TotalEvents < 0 || *w.IntrusionEvents < 0 {
		return Stats{}, fmt.Errorf("decode stats: negative counters")
	}

	s := Stats{
		TotalEvents:     *w.TotalEvents,
		IntrusionEvents: *w.IntrusionEvents,
	}
	if w.LastEventTime != nil && *w.LastEventTime != "" {
		t, err := ParseTimestamp(*w.LastEventTime)
		if err != nil {
			return Stats{}, fmt.Errorf("decode stats: last_event_time: %w", err)
		}
		s.LastEventTime = &t
	}
	return s, nil
}

// ParseLiveMessage decodes a push message. new_event messages carry their
// event under "data" or "event"; any other type is a control message.
func ParseLiveMessage(data []byte) (LiveMessage, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return LiveMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if w.Type == "" {
		return LiveMessage{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	if w.Type != MessageNewEvent {
		return LiveMessage{Type: w.Type}, nil
	}

	payload := w.Data
	if len(bytes.TrimSpace(payload)) == 0 || bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		payload = w.Event
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return LiveMessage{}, fmt.Errorf("%w: new_event without payload", ErrMalformedMessage)
	}

	evt, err := DecodeEvent(payload)
	if err != nil {
		return LiveMessage{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return LiveMessage{Type: w.Type, Event: &evt}, nil
}
