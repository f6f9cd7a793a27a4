package models

import "time"

// Event represents a single calendar entry to be written to a provider.
// This is an internal representation, independent of any specific calendar provider.
type Event struct {
	UID         string          // Client-chosen identifier; providers use it to make creates idempotent
	Title       string          // Summary or title of the event
	Description string          // Detailed description of the event
	StartTime   time.Time       // Start time of the event
	EndTime     time.Time       // End time of the event
	Reminders   []time.Duration // Popup reminders relative to StartTime
}
