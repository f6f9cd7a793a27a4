package orphans

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/containerd/errdefs"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"pickupcal/internal/calendar/calendartest"
	"pickupcal/internal/models"
	"pickupcal/internal/store"
)

func setup(t *testing.T) (*Cleaner, *calendartest.Provider) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	fake := calendartest.New()
	fake.AddCalendar("known", "Centras - Stiklas - 0a1b2c")
	fake.AddCalendar("orphan", "Centras - Stiklas - 9f8e7d")
	fake.AddCalendar("personal", "Birthdays")
	assert.NilError(t, st.Update(ctx, func(tx store.Tx) error {
		return tx.PutStream(ctx, &models.CalendarStream{ID: "cs_0a1b2c", WasteType: models.WasteGlass, ProviderCalendarID: "known"})
	}))
	return NewCleaner(slog.New(slog.NewTextHandler(io.Discard, nil)), st, fake, DefaultFilter()), fake
}

func TestDryRunDeletesNothing(t *testing.T) {
	c, fake := setup(t)
	report, err := c.Sweep(context.Background(), true)
	assert.NilError(t, err)
	assert.Equal(t, report.Scanned, 2)
	assert.Equal(t, report.Known, 1)
	assert.Equal(t, len(report.Orphans), 1)
	assert.Equal(t, report.Orphans[0].ID, "orphan")
	assert.Equal(t, len(report.Deleted), 0)
	assert.Equal(t, fake.CallCount(calendartest.OpDeleteCalendar), 0)
}

func TestSweepDeletesOnlyOrphans(t *testing.T) {
	c, fake := setup(t)
	report, err := c.Sweep(context.Background(), false)
	assert.NilError(t, err)
	assert.DeepEqual(t, report.Deleted, []string{"orphan"})
	assert.Assert(t, fake.Calendar("orphan") == nil)
	assert.Assert(t, fake.Calendar("known") != nil)
	assert.Assert(t, fake.Calendar("personal") != nil)
}

func TestSweepFailures(t *testing.T) {
	c, fake := setup(t)
	fake.FailOn(calendartest.OpDeleteCalendar, fmt.Errorf("denied: %w", errdefs.ErrPermissionDenied))
	report, err := c.Sweep(context.Background(), false)
	assert.NilError(t, err)
	assert.DeepEqual(t, report.Failed, []string{"orphan"})

	fake.FailOn(calendartest.OpDeleteCalendar, fmt.Errorf("slow down: %w", errdefs.ErrResourceExhausted))
	_, err = c.Sweep(context.Background(), false)
	assert.Assert(t, is.ErrorContains(err, "orphan"))
}

func TestDefaultFilterCoversWasteTypes(t *testing.T) {
	f := DefaultFilter()
	for _, name := range models.WasteTypes {
		assert.Assert(t, f.Match("Area - "+name+" - abcdef"))
	}
	assert.Assert(t, !f.Match("Birthdays"))
}
