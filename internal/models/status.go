package models

// CalendarStatus is what subscribers see for a schedule group.
type CalendarStatus string

const (
	StatusSynced       CalendarStatus = "synced"
	StatusPending      CalendarStatus = "pending"
	StatusNeedsUpdate  CalendarStatus = "needs_update"
	StatusNotAvailable CalendarStatus = "not_available"
)

// StatusOf derives the subscriber-facing status of a linked stream.
// A nil stream means the group has no usable link.
func StatusOf(s *CalendarStream) CalendarStatus {
	switch {
	case s == nil:
		return StatusNotAvailable
	case s.ProviderCalendarID == "":
		return StatusPending
	case s.LastSyncedAt == nil:
		return StatusNeedsUpdate
	default:
		return StatusSynced
	}
}
