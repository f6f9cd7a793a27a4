// Package syncer pushes the dates of a calendar stream to its provider
// calendar by diffing them against the recorded stream events.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"github.com/moby/locker"

	"pickupcal/internal/calendar"
	"pickupcal/internal/identity"
	"pickupcal/internal/metrics"
	"pickupcal/internal/models"
	"pickupcal/internal/store"
)

// Result summarizes one SyncStream call.
type Result struct {
	StreamID        string
	CalendarCreated bool
	Created         int
	Deleted         int
	Failed          int
	// Synced is true when the stream was fully synced and LastSyncedAt set.
	Synced bool
	// Skipped is true for streams on the deprecation path.
	Skipped bool
	DryRun  bool
}

// Syncer synchronizes calendar streams with a calendar provider.
type Syncer struct {
	logger   *slog.Logger
	clock    clock.Clock
	store    store.Store
	provider calendar.Provider
	locks    *locker.Locker
	style    calendar.EventStyle
	metrics  *metrics.Metrics
	dryRun   bool
	newNonce func() string
}

// Options configures a Syncer.
type Options struct {
	Clock   clock.Clock
	Locks   *locker.Locker
	Style   calendar.EventStyle
	Metrics *metrics.Metrics
	DryRun  bool
}

// NewSyncer creates a new Syncer.
func NewSyncer(logger *slog.Logger, st store.Store, provider calendar.Provider, opts Options) *Syncer {
	if opts.Clock == nil {
		opts.Clock = clock.NewClock()
	}
	if opts.Locks == nil {
		opts.Locks = locker.New()
	}
	return &Syncer{
		logger:   logger,
		clock:    opts.Clock,
		store:    st,
		provider: provider,
		locks:    opts.Locks,
		style:    opts.Style,
		metrics:  opts.Metrics,
		dryRun:   opts.DryRun,
		newNonce: uuid.NewString,
	}
}

// plan is the difference between desired dates and recorded events.
type plan struct {
	create []models.Date
	// retry holds desired dates whose last create failed or never finished.
	retry []*models.StreamEvent
	// remove holds recorded events for dates that are no longer desired.
	remove []*models.StreamEvent
}

func diff(desired models.DateSet, events []*models.StreamEvent) plan {
	var p plan
	recorded := make(map[models.Date]bool, len(events))
	for _, e := range events {
		recorded[e.Date] = true
		switch {
		case !desired.Contains(e.Date):
			p.remove = append(p.remove, e)
		case e.Status != models.EventCreated:
			p.retry = append(p.retry, e)
		}
	}
	for _, d := range desired {
		if !recorded[d] {
			p.create = append(p.create, d)
		}
	}
	return p
}

// SyncStream brings the provider calendar of streamID in line with the
// stream's dates. Calling it again without intervening changes issues no
// provider calls. A rate-limit error aborts the stream and is returned so
// the caller can cool down; other per-event failures are recorded and
// retried by the next call.
func (s *Syncer) SyncStream(ctx context.Context, streamID string) (Result, error) {
	s.locks.Lock(streamID)
	defer func() { _ = s.locks.Unlock(streamID) }()

	res := Result{StreamID: streamID, DryRun: s.dryRun}
	var (
		stream *models.CalendarStream
		events []*models.StreamEvent
	)
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		if stream, err = tx.GetStream(ctx, streamID); err != nil {
			return err
		}
		events, err = tx.ListEvents(ctx, streamID)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("load stream %s: %w", streamID, err)
	}
	if stream.Deprecating() {
		s.logger.Debug("Stream is being deprecated, not syncing.", "streamID", streamID)
		res.Skipped = true
		return res, nil
	}

	p := diff(stream.Dates, events)
	if s.dryRun {
		s.logger.Info("[DRY RUN] Would sync calendar stream.", "streamID", streamID,
			"createCalendar", stream.ProviderCalendarID == "",
			"create", len(p.create), "retry", len(p.retry), "delete", len(p.remove))
		return res, nil
	}

	s.logger.Debug("Syncing calendar stream.", "streamID", streamID,
		"create", len(p.create), "retry", len(p.retry), "delete", len(p.remove))
	err = s.sync(ctx, stream, p, &res)
	s.metrics.StreamSynced(outcome(res, err), res.Created, res.Deleted, res.Failed)
	if err != nil {
		return res, fmt.Errorf("sync stream %s: %w", streamID, err)
	}
	return res, nil
}

func outcome(res Result, err error) string {
	switch {
	case calendar.IsRateLimited(err):
		return "rate_limited"
	case err != nil:
		return "error"
	case res.Synced:
		return "synced"
	}
	return "incomplete"
}

func (s *Syncer) sync(ctx context.Context, stream *models.CalendarStream, p plan, res *Result) error {
	complete, err := s.ensureCalendar(ctx, stream, res)
	if err != nil {
		return err
	}

	for _, e := range p.remove {
		if err := s.deleteEvent(ctx, stream, e, res); err != nil {
			return err
		}
	}

	pending, err := s.reserve(ctx, stream.ID, p)
	if err != nil {
		return err
	}
	for _, e := range pending {
		if err := s.createEvent(ctx, stream, e, res); err != nil {
			return err
		}
	}

	if !complete || res.Failed > 0 {
		s.logger.Info("Calendar stream partially synced; remaining work retried next cycle.",
			"streamID", stream.ID, "created", res.Created, "deleted", res.Deleted, "failed", res.Failed)
		return nil
	}
	var ok bool
	err = s.store.Update(ctx, func(tx store.Tx) error {
		ok, err = tx.MarkSynced(ctx, stream.ID, stream.DatesHash, s.clock.Now().UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	if !ok {
		s.logger.Info("Calendar stream dates changed during sync; will sync again.", "streamID", stream.ID)
		return nil
	}
	res.Synced = true
	s.logger.Info("Calendar stream synced.", "streamID", stream.ID,
		"calendarID", stream.ProviderCalendarID, "created", res.Created, "deleted", res.Deleted)
	return nil
}

// ensureCalendar creates the provider calendar when missing and applies the
// public-read rule. The calendar ID is stored right after creation so a
// retry never creates a second calendar. complete is false when the access
// rule still has to be applied.
func (s *Syncer) ensureCalendar(ctx context.Context, stream *models.CalendarStream, res *Result) (complete bool, err error) {
	if stream.ProviderCalendarID == "" {
		title := calendar.Title(stream.Label, stream.WasteType, stream.ID)
		id, err := s.provider.CreateCalendar(ctx, title, calendar.Description(stream.Label, stream.WasteType))
		if err != nil {
			return false, fmt.Errorf("create calendar: %w", err)
		}
		err = s.updateStream(ctx, stream.ID, func(cs *models.CalendarStream) {
			cs.ProviderCalendarID = id
			cs.AccessGrantedAt = nil
		})
		if err != nil {
			s.logger.Error("Created calendar could not be recorded; it will be orphaned.", "streamID", stream.ID, "calendarID", id, "error", err)
			return false, err
		}
		stream.ProviderCalendarID = id
		stream.AccessGrantedAt = nil
		res.CalendarCreated = true
		s.logger.Info("Created provider calendar.", "streamID", stream.ID, "calendarID", id, "title", title)
	}

	if stream.AccessGrantedAt != nil {
		return true, nil
	}
	err = s.provider.SetPublicReadAccess(ctx, stream.ProviderCalendarID)
	switch {
	case calendar.IsRateLimited(err):
		return false, fmt.Errorf("set public read access: %w", err)
	case calendar.IsPermanent(err):
		// Settled: asking again would fail the same way on every sync.
		s.logger.Warn("Calendar could not be made public; it may need manual sharing.", "calendarID", stream.ProviderCalendarID, "error", err)
	case err != nil:
		s.logger.Warn("Failed to make calendar public, will retry.", "calendarID", stream.ProviderCalendarID, "error", err)
		return false, nil
	}
	now := s.clock.Now().UTC()
	if err := s.updateStream(ctx, stream.ID, func(cs *models.CalendarStream) { cs.AccessGrantedAt = &now }); err != nil {
		return false, err
	}
	stream.AccessGrantedAt = &now
	return true, nil
}

func (s *Syncer) deleteEvent(ctx context.Context, stream *models.CalendarStream, e *models.StreamEvent, res *Result) error {
	if e.ProviderEventID != "" {
		err := s.provider.DeleteEvent(ctx, stream.ProviderCalendarID, e.ProviderEventID)
		switch {
		case calendar.IsRateLimited(err):
			return fmt.Errorf("delete event %s: %w", e.Date, err)
		case err != nil && !calendar.IsNotFound(err):
			s.logger.Error("Failed to delete event.", "streamID", stream.ID, "date", e.Date, "eventID", e.ProviderEventID, "error", err)
			res.Failed++
			return nil
		}
	}
	err := s.store.Update(ctx, func(tx store.Tx) error {
		return tx.DeleteEvent(ctx, stream.ID, e.Date)
	})
	if err != nil {
		return fmt.Errorf("delete event row: %w", err)
	}
	res.Deleted++
	s.logger.Debug("Deleted event.", "streamID", stream.ID, "date", e.Date)
	return nil
}

// reserve writes a pending row with a fresh UID for every new date, so a
// create interrupted after reaching the provider is retried under the same
// UID. Retried rows keep their UID.
func (s *Syncer) reserve(ctx context.Context, streamID string, p plan) ([]*models.StreamEvent, error) {
	now := s.clock.Now().UTC()
	var write []*models.StreamEvent
	for _, e := range p.retry {
		if e.ProviderEventID == "" {
			e.ProviderEventID = identity.EventUID(streamID, e.Date, s.newNonce())
			write = append(write, e)
		}
	}
	out := append([]*models.StreamEvent(nil), p.retry...)
	for _, d := range p.create {
		e := &models.StreamEvent{
			CalendarStreamID: streamID,
			Date:             d,
			ProviderEventID:  identity.EventUID(streamID, d, s.newNonce()),
			Status:           models.EventPending,
			UpdatedAt:        now,
		}
		write = append(write, e)
		out = append(out, e)
	}
	if len(write) == 0 {
		return out, nil
	}
	err := s.store.Update(ctx, func(tx store.Tx) error {
		for _, e := range write {
			if err := tx.PutEvent(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reserve event rows: %w", err)
	}
	return out, nil
}

func (s *Syncer) createEvent(ctx context.Context, stream *models.CalendarStream, e *models.StreamEvent, res *Result) error {
	ev := s.style.PickupEvent(e.ProviderEventID, stream.WasteType, e.Date)
	id, err := s.provider.CreateEvent(ctx, stream.ProviderCalendarID, ev)
	switch {
	case err == nil:
		e.ProviderEventID = id
	case calendar.IsAlreadyExists(err):
		s.logger.Debug("Event already exists; keeping it.", "streamID", stream.ID, "date", e.Date)
	case calendar.IsRateLimited(err):
		return fmt.Errorf("create event %s: %w", e.Date, err)
	case calendar.IsNotFound(err):
		return s.forgetCalendar(ctx, stream, err)
	default:
		s.logger.Error("Failed to create event.", "streamID", stream.ID, "date", e.Date, "error", err)
		e.Status = models.EventError
		e.ErrorDetail = err.Error()
		e.UpdatedAt = s.clock.Now().UTC()
		res.Failed++
		return s.putEvent(ctx, e)
	}
	e.Status = models.EventCreated
	e.ErrorDetail = ""
	e.UpdatedAt = s.clock.Now().UTC()
	res.Created++
	return s.putEvent(ctx, e)
}

func (s *Syncer) putEvent(ctx context.Context, e *models.StreamEvent) error {
	err := s.store.Update(ctx, func(tx store.Tx) error { return tx.PutEvent(ctx, e) })
	if err != nil {
		return fmt.Errorf("record event %s: %w", e.Date, err)
	}
	return nil
}

// errCalendarGone is returned when the provider calendar vanished.
var errCalendarGone = errors.New("provider calendar is gone")

// forgetCalendar clears the calendar handle and every event row so the next
// sync recreates the calendar from scratch.
func (s *Syncer) forgetCalendar(ctx context.Context, stream *models.CalendarStream, cause error) error {
	s.logger.Warn("Provider calendar no longer exists; it will be recreated.", "streamID", stream.ID, "calendarID", stream.ProviderCalendarID, "error", cause)
	err := s.store.Update(ctx, func(tx store.Tx) error {
		cs, err := tx.GetStream(ctx, stream.ID)
		if err != nil {
			return err
		}
		cs.ProviderCalendarID = ""
		cs.AccessGrantedAt = nil
		cs.LastSyncedAt = nil
		cs.UpdatedAt = s.clock.Now().UTC()
		if err := tx.PutStream(ctx, cs); err != nil {
			return err
		}
		events, err := tx.ListEvents(ctx, stream.ID)
		if err != nil {
			return err
		}
		for _, e := range events {
			if err := tx.DeleteEvent(ctx, stream.ID, e.Date); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("forget calendar: %w", err)
	}
	return fmt.Errorf("%w: %s", errCalendarGone, stream.ProviderCalendarID)
}

// updateStream applies fn to the stored stream.
func (s *Syncer) updateStream(ctx context.Context, streamID string, fn func(*models.CalendarStream)) error {
	err := s.store.Update(ctx, func(tx store.Tx) error {
		cs, err := tx.GetStream(ctx, streamID)
		if err != nil {
			return err
		}
		fn(cs)
		cs.UpdatedAt = s.clock.Now().UTC()
		return tx.PutStream(ctx, cs)
	})
	if err != nil {
		return fmt.Errorf("update stream %s: %w", streamID, err)
	}
	return nil
}
