// Package feed renders calendar streams as iCalendar documents. The same
// encoding backs CalDAV uploads and the ICS export.
package feed

import (
	"context"
	"fmt"
	"io"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/emersion/go-ical"

	"pickupcal/internal/calendar"
	"pickupcal/internal/identity"
	"pickupcal/internal/models"
	"pickupcal/internal/store"
)

const productID = "-//pickupcal//EN"

// NewCalendar returns an empty VCALENDAR carrying our product id.
func NewCalendar() *ical.Calendar {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	return cal
}

// Component converts an event to a VEVENT with one display alarm per
// reminder. Times are written in UTC.
func Component(event models.Event, stamp time.Time) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, event.UID)
	ve.Props.SetText(ical.PropSummary, event.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, stamp.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, event.StartTime.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeEnd, event.EndTime.UTC())
	if event.Description != "" {
		ve.Props.SetText(ical.PropDescription, event.Description)
	}
	for _, r := range event.Reminders {
		alarm := ical.NewComponent(ical.CompAlarm)
		alarm.Props.SetText(ical.PropAction, "DISPLAY")
		alarm.Props.SetText(ical.PropDescription, event.Title)
		trigger := ical.NewProp(ical.PropTrigger)
		trigger.Value = fmt.Sprintf("-PT%dM", int(r/time.Minute))
		alarm.Props.Set(trigger)
		ve.Children = append(ve.Children, alarm)
	}
	return ve
}

// Single wraps one event in its own VCALENDAR, the shape CalDAV expects
// for a calendar object resource.
func Single(event models.Event, stamp time.Time) *ical.Calendar {
	cal := NewCalendar()
	cal.Children = append(cal.Children, Component(event, stamp))
	return cal
}

// Exporter renders stored streams.
type Exporter struct {
	store store.Store
	style calendar.EventStyle
	clock clock.Clock
}

// NewExporter creates an Exporter. A nil clock uses the wall clock.
func NewExporter(st store.Store, style calendar.EventStyle, clk clock.Clock) *Exporter {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Exporter{store: st, style: style, clock: clk}
}

// Export writes the stream as an ICS document: one event per date, using
// the UID already assigned to the provider event when there is one.
func (e *Exporter) Export(ctx context.Context, streamID string, w io.Writer) error {
	var (
		stream *models.CalendarStream
		uids   = map[models.Date]string{}
	)
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		if stream, err = tx.GetStream(ctx, streamID); err != nil {
			return err
		}
		events, err := tx.ListEvents(ctx, streamID)
		for _, ev := range events {
			if ev.ProviderEventID != "" {
				uids[ev.Date] = ev.ProviderEventID
			}
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("export stream %s: %w", streamID, err)
	}

	cal := NewCalendar()
	cal.Props.SetText("X-WR-CALNAME", calendar.Title(stream.Label, stream.WasteType, stream.ID))
	if tz := e.style.Location; tz != nil {
		cal.Props.SetText("X-WR-TIMEZONE", tz.String())
	}
	stamp := e.clock.Now()
	for _, d := range stream.Dates {
		uid, ok := uids[d]
		if !ok {
			uid = identity.EventUID(stream.ID, d, "feed")
		}
		cal.Children = append(cal.Children, Component(e.style.PickupEvent(uid, stream.WasteType, d), stamp))
	}
	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("encode stream %s: %w", streamID, err)
	}
	return nil
}
