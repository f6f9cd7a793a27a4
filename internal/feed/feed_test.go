package feed

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/emersion/go-ical"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"pickupcal/internal/calendar"
	"pickupcal/internal/models"
	"pickupcal/internal/store"
)

func TestExportStream(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	dates := models.NewDateSet(models.NewDate(2026, 1, 8), models.NewDate(2026, 1, 22))
	assert.NilError(t, st.Update(ctx, func(tx store.Tx) error {
		if err := tx.PutStream(ctx, &models.CalendarStream{
			ID: "cs_0a1b2c3d", WasteType: models.WasteGlass, Dates: dates, DatesHash: dates.Hash(), Label: "Centras",
		}); err != nil {
			return err
		}
		return tx.PutEvent(ctx, &models.StreamEvent{
			CalendarStreamID: "cs_0a1b2c3d", Date: dates[0], ProviderEventID: "storeduid", Status: models.EventCreated,
		})
	}))

	style := calendar.EventStyle{Location: time.UTC, StartHour: 7, EndHour: 9, Reminders: []time.Duration{time.Hour}}
	clk := fakeclock.NewFakeClock(time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC))
	var buf bytes.Buffer
	assert.NilError(t, NewExporter(st, style, clk).Export(ctx, "cs_0a1b2c3d", &buf))

	out := buf.String()
	assert.Assert(t, is.Contains(out, "X-WR-CALNAME:Centras - Stiklas - 0a1b2c"))
	assert.Assert(t, is.Contains(out, "UID:storeduid"))
	assert.Assert(t, is.Contains(out, "DTSTART:20260122T070000Z"))
	assert.Assert(t, is.Contains(out, "TRIGGER:-PT60M"))

	cal, err := ical.NewDecoder(strings.NewReader(out)).Decode()
	assert.NilError(t, err)
	assert.Equal(t, len(cal.Events()), 2)
}

func TestExportMissingStream(t *testing.T) {
	err := NewExporter(store.NewMemory(), calendar.DefaultEventStyle(), nil).Export(context.Background(), "cs_nope", &bytes.Buffer{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
