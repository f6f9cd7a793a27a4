package models

import (
	"slices"
	"time"
)

// ScheduleGroup is the stable record of one location identity's pickup dates
// for one waste type. ID is a pure function of (IdentityKey, WasteType) and
// never changes, no matter how often Dates do.
type ScheduleGroup struct {
	ID          string
	WasteType   WasteType
	IdentityKey string
	Dates       DateSet
	DatesHash   string
	// Label is the latest human area name seen for the identity.
	Label     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CalendarStream is one externally visible calendar shared by every group
// with identical dates and waste type.
type CalendarStream struct {
	ID        string
	WasteType WasteType
	Dates     DateSet
	DatesHash string
	// Label is the human area name used in the calendar title.
	Label string

	ProviderCalendarID string
	LastSyncedAt       *time.Time
	// AccessGrantedAt is set once the public-read rule is settled: granted,
	// or refused for good by the provider.
	AccessGrantedAt *time.Time

	PendingCleanStartedAt *time.Time
	PendingCleanDeadline  *time.Time
	NoticeSentAt          *time.Time
	NoticeEventIDs        []string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Lifecycle is the deprecation state of a stream, derived from its fields.
type Lifecycle string

const (
	LifecycleActive       Lifecycle = "active"
	LifecyclePendingClean Lifecycle = "pending-clean"
	LifecycleNotified     Lifecycle = "notified"
)

func (s *CalendarStream) Lifecycle() Lifecycle {
	switch {
	case s.PendingCleanStartedAt == nil:
		return LifecycleActive
	case s.NoticeSentAt == nil:
		return LifecyclePendingClean
	default:
		return LifecycleNotified
	}
}

// Deprecating reports whether the stream is in pending-clean or notified.
func (s *CalendarStream) Deprecating() bool {
	return s.PendingCleanStartedAt != nil
}

// NeedsSync reports whether the provider calendar is missing or out of date.
func (s *CalendarStream) NeedsSync() bool {
	return s.ProviderCalendarID == "" || s.LastSyncedAt == nil
}

// MarkPendingClean starts the grace period.
func (s *CalendarStream) MarkPendingClean(now time.Time, grace time.Duration) {
	deadline := now.Add(grace)
	s.PendingCleanStartedAt = &now
	s.PendingCleanDeadline = &deadline
	s.NoticeSentAt = nil
}

// ClearPendingClean returns the stream to active. Posted notice events are
// kept in NoticeEventIDs until the provider side is cleaned up.
func (s *CalendarStream) ClearPendingClean() {
	s.PendingCleanStartedAt = nil
	s.PendingCleanDeadline = nil
	s.NoticeSentAt = nil
}

// SetDates replaces the desired dates and recomputes the hash.
func (s *CalendarStream) SetDates(dates DateSet) {
	s.Dates = dates
	s.DatesHash = dates.Hash()
}

// GroupStreamLink points a schedule group at the stream it is published in.
// There is exactly one link per group.
type GroupStreamLink struct {
	ScheduleGroupID  string
	CalendarStreamID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// EventStatus is the per-date synchronization status of a stream event.
type EventStatus string

const (
	EventPending EventStatus = "pending"
	EventCreated EventStatus = "created"
	EventError   EventStatus = "error"
)

// StreamEvent tracks the provider event for one date of one stream.
type StreamEvent struct {
	CalendarStreamID string
	Date             Date
	ProviderEventID  string
	Status           EventStatus
	ErrorDetail      string
	UpdatedAt        time.Time
}

// Clone returns a deep copy of the group.
func (g *ScheduleGroup) Clone() *ScheduleGroup {
	c := *g
	c.Dates = slices.Clone(g.Dates)
	return &c
}

// Clone returns a deep copy of the stream.
func (s *CalendarStream) Clone() *CalendarStream {
	c := *s
	c.Dates = slices.Clone(s.Dates)
	c.NoticeEventIDs = slices.Clone(s.NoticeEventIDs)
	c.LastSyncedAt = cloneTime(s.LastSyncedAt)
	c.AccessGrantedAt = cloneTime(s.AccessGrantedAt)
	c.PendingCleanStartedAt = cloneTime(s.PendingCleanStartedAt)
	c.PendingCleanDeadline = cloneTime(s.PendingCleanDeadline)
	c.NoticeSentAt = cloneTime(s.NoticeSentAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
