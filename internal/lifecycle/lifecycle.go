// Package lifecycle drives orphaned calendar streams through deprecation:
// pending-clean, notified, then deletion once the grace period is over,
// with a way back to active when groups link to the stream again.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/moby/locker"

	"pickupcal/internal/calendar"
	"pickupcal/internal/identity"
	"pickupcal/internal/metrics"
	"pickupcal/internal/models"
	"pickupcal/internal/store"
)

// Outcome is what Process did to a stream.
type Outcome string

const (
	OutcomeNone     Outcome = "none"
	OutcomeWaiting  Outcome = "waiting"
	OutcomeNotified Outcome = "notified"
	OutcomeRescued  Outcome = "rescued"
	OutcomeCleaned  Outcome = "notices-removed"
	OutcomeDeleted  Outcome = "deleted"
)

// Options configures a Manager.
type Options struct {
	Clock   clock.Clock
	Locks   *locker.Locker
	Style   calendar.EventStyle
	Metrics *metrics.Metrics
	// Notices is the number of notice events posted before deletion.
	Notices int
	// NoticeSpacing is the distance between two notice events.
	NoticeSpacing time.Duration
}

// Manager runs the deprecation state machine.
type Manager struct {
	logger   *slog.Logger
	clock    clock.Clock
	store    store.Store
	provider calendar.Provider
	locks    *locker.Locker
	style    calendar.EventStyle
	metrics  *metrics.Metrics
	notices  int
	spacing  time.Duration
}

// NewManager creates a Manager.
func NewManager(logger *slog.Logger, st store.Store, provider calendar.Provider, opts Options) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.NewClock()
	}
	if opts.Locks == nil {
		opts.Locks = locker.New()
	}
	if opts.NoticeSpacing <= 0 {
		opts.NoticeSpacing = 24 * time.Hour
	}
	return &Manager{
		logger:   logger,
		clock:    opts.Clock,
		store:    st,
		provider: provider,
		locks:    opts.Locks,
		style:    opts.Style,
		metrics:  opts.Metrics,
		notices:  opts.Notices,
		spacing:  opts.NoticeSpacing,
	}
}

// Process advances the stream one step. Provider failures leave the stream
// in its current state so the next tick retries; a rate-limit error is
// returned unchanged in the chain for the scheduler to cool down.
func (m *Manager) Process(ctx context.Context, streamID string) (Outcome, error) {
	m.locks.Lock(streamID)
	defer func() { _ = m.locks.Unlock(streamID) }()

	var (
		s     *models.CalendarStream
		links int
	)
	err := m.store.View(ctx, func(tx store.Tx) error {
		var err error
		if s, err = tx.GetStream(ctx, streamID); err != nil {
			return err
		}
		links, err = tx.CountLinks(ctx, streamID)
		return err
	})
	if err != nil {
		return OutcomeNone, fmt.Errorf("load stream %s: %w", streamID, err)
	}

	outcome, err := m.step(ctx, s, links)
	if outcome != OutcomeNone && outcome != OutcomeWaiting {
		m.metrics.LifecycleOutcome(string(outcome))
	}
	if err != nil {
		return outcome, fmt.Errorf("stream %s: %w", streamID, err)
	}
	return outcome, nil
}

func (m *Manager) step(ctx context.Context, s *models.CalendarStream, links int) (Outcome, error) {
	now := m.clock.Now().UTC()
	switch {
	case !s.Deprecating():
		if len(s.NoticeEventIDs) == 0 {
			return OutcomeNone, nil
		}
		return OutcomeCleaned, m.removeNotices(ctx, s)
	case links > 0:
		return OutcomeRescued, m.rescue(ctx, s)
	case !now.Before(*s.PendingCleanDeadline):
		return m.delete(ctx, s)
	case s.NoticeSentAt == nil && s.ProviderCalendarID != "" && m.notices > 0:
		return OutcomeNotified, m.notify(ctx, s)
	case s.NoticeSentAt == nil:
		return OutcomeNotified, m.update(ctx, s.ID, func(cs *models.CalendarStream) { cs.NoticeSentAt = &now })
	}
	return OutcomeWaiting, nil
}

func (m *Manager) rescue(ctx context.Context, s *models.CalendarStream) error {
	if err := m.update(ctx, s.ID, (*models.CalendarStream).ClearPendingClean); err != nil {
		return err
	}
	m.logger.Info("Calendar stream regained links before its deadline; back to active.", "streamID", s.ID)
	return m.removeNotices(ctx, s)
}

// removeNotices deletes notice events left in a calendar that is staying.
func (m *Manager) removeNotices(ctx context.Context, s *models.CalendarStream) error {
	var (
		remaining []string
		firstErr  error
	)
	for i, id := range s.NoticeEventIDs {
		if s.ProviderCalendarID == "" {
			break
		}
		err := m.provider.DeleteEvent(ctx, s.ProviderCalendarID, id)
		if err == nil || calendar.IsNotFound(err) {
			continue
		}
		if calendar.IsRateLimited(err) {
			remaining = append(remaining, s.NoticeEventIDs[i:]...)
			firstErr = err
			break
		}
		m.logger.Error("Failed to delete notice event.", "streamID", s.ID, "eventID", id, "error", err)
		remaining = append(remaining, id)
		if firstErr == nil {
			firstErr = err
		}
	}
	if err := m.update(ctx, s.ID, func(cs *models.CalendarStream) { cs.NoticeEventIDs = remaining }); err != nil {
		return err
	}
	if firstErr != nil {
		return fmt.Errorf("remove notices: %w", firstErr)
	}
	m.logger.Info("Removed deprecation notices.", "streamID", s.ID, "count", len(s.NoticeEventIDs))
	return nil
}

// notify posts the notices not yet posted, spaced from the start of the
// grace period and never on or after the deadline.
func (m *Manager) notify(ctx context.Context, s *models.CalendarStream) error {
	start := *s.PendingCleanStartedAt
	deadline := *s.PendingCleanDeadline
	loc := m.style.Location
	if loc == nil {
		loc = time.UTC
	}
	posted := slices.Clone(s.NoticeEventIDs)
	for i := len(posted); i < m.notices; i++ {
		day := models.DateOf(start.Add(time.Duration(i) * m.spacing).In(loc))
		ev := m.style.NoticeEvent(noticeUID(s.ID, start, i, day), day, deadline)
		if !ev.StartTime.Before(deadline) {
			break
		}
		id, err := m.provider.CreateEvent(ctx, s.ProviderCalendarID, ev)
		switch {
		case err == nil:
		case calendar.IsAlreadyExists(err):
			id = ev.UID
		case calendar.IsNotFound(err):
			m.logger.Warn("Provider calendar already gone; skipping notices.", "streamID", s.ID, "calendarID", s.ProviderCalendarID)
			now := m.clock.Now().UTC()
			return m.update(ctx, s.ID, func(cs *models.CalendarStream) {
				cs.ProviderCalendarID = ""
				cs.NoticeEventIDs = nil
				cs.NoticeSentAt = &now
			})
		default:
			if uerr := m.update(ctx, s.ID, func(cs *models.CalendarStream) { cs.NoticeEventIDs = posted }); uerr != nil {
				return uerr
			}
			return fmt.Errorf("post notice %d: %w", i+1, err)
		}
		posted = append(posted, id)
	}

	now := m.clock.Now().UTC()
	if err := m.update(ctx, s.ID, func(cs *models.CalendarStream) {
		cs.NoticeEventIDs = posted
		cs.NoticeSentAt = &now
	}); err != nil {
		return err
	}
	m.logger.Info("Posted deprecation notices.", "streamID", s.ID, "count", len(posted), "deadline", deadline)
	return nil
}

// noticeUID is stable within one grace period so a retried post is not
// duplicated.
func noticeUID(streamID string, start time.Time, i int, day models.Date) string {
	return identity.EventUID(streamID, day, fmt.Sprintf("notice-%d-%d", start.Unix(), i))
}

// delete removes the provider calendar and then the stream with its rows.
func (m *Manager) delete(ctx context.Context, s *models.CalendarStream) (Outcome, error) {
	if s.ProviderCalendarID != "" {
		err := m.provider.DeleteCalendar(ctx, s.ProviderCalendarID)
		if err != nil && !calendar.IsNotFound(err) {
			m.logger.Error("Failed to delete provider calendar; will retry.", "streamID", s.ID, "calendarID", s.ProviderCalendarID, "error", err)
			return OutcomeWaiting, fmt.Errorf("delete calendar: %w", err)
		}
	}

	outcome := OutcomeDeleted
	err := m.store.Update(ctx, func(tx store.Tx) error {
		n, err := tx.CountLinks(ctx, s.ID)
		if err != nil {
			return err
		}
		if n == 0 {
			return tx.DeleteStream(ctx, s.ID)
		}
		// Linked again while the calendar was being deleted: start over
		// with a fresh calendar.
		outcome = OutcomeRescued
		cs, err := tx.GetStream(ctx, s.ID)
		if err != nil {
			return err
		}
		cs.ClearPendingClean()
		cs.ProviderCalendarID = ""
		cs.AccessGrantedAt = nil
		cs.LastSyncedAt = nil
		cs.NoticeEventIDs = nil
		cs.UpdatedAt = m.clock.Now().UTC()
		if err := tx.PutStream(ctx, cs); err != nil {
			return err
		}
		events, err := tx.ListEvents(ctx, s.ID)
		if err != nil {
			return err
		}
		for _, e := range events {
			if err := tx.DeleteEvent(ctx, s.ID, e.Date); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return OutcomeWaiting, fmt.Errorf("delete stream: %w", err)
	}
	if outcome == OutcomeDeleted {
		m.logger.Info("Deleted deprecated calendar stream.", "streamID", s.ID, "calendarID", s.ProviderCalendarID)
	} else {
		m.logger.Info("Calendar stream regained links during deletion; it will get a new calendar.", "streamID", s.ID)
	}
	return outcome, nil
}

func (m *Manager) update(ctx context.Context, streamID string, fn func(*models.CalendarStream)) error {
	err := m.store.Update(ctx, func(tx store.Tx) error {
		cs, err := tx.GetStream(ctx, streamID)
		if err != nil {
			return err
		}
		fn(cs)
		cs.UpdatedAt = m.clock.Now().UTC()
		return tx.PutStream(ctx, cs)
	})
	if err != nil {
		return fmt.Errorf("update stream %s: %w", streamID, err)
	}
	return nil
}
