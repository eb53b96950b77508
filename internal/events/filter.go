package events

import (
	"strings"
)

// FilterAll matches every event type.
const FilterAll = "all"

// Filter returns the events matching eventType and a case-insensitive
// substring query over camera id and description. Empty or "all" eventType
// and an empty query match everything. Order is preserved.
func Filter(evts []Event, eventType, query string) []Event {
	query = strings.ToLower(strings.TrimSpace(query))
	if eventType == FilterAll {
		eventType = ""
	}

	out := make([]Event, 0, len(evts))
	for _, e := range evts {
		if eventType != "" && e.EventType != eventType {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(e.CameraID), query) &&
			!strings.Contains(strings.ToLower(e.Description), query) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Types lists "all" followed by the distinct event types in first-seen order.
func Types(evts []Event) []string {
	out := []string{FilterAll}
	seen := make(map[string]bool)
	for _, e := range evts {
		if seen[e.EventType] {
			continue
		}
		seen[e.EventType] = true
		out = append(out, e.EventType)
	}
	return out
}
