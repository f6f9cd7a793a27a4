package ingest

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/containerd/errdefs"
	"github.com/moby/locker"
	"gotest.tools/v3/assert"

	"pickupcal/internal/groups"
	"pickupcal/internal/identity"
	"pickupcal/internal/models"
	"pickupcal/internal/store"
	"pickupcal/internal/streams"
)

func newPipeline(t *testing.T) (*Pipeline, store.Store, *fakeclock.FakeClock) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := fakeclock.NewFakeClock(time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC))
	st := store.NewMemory()
	resolver := streams.NewResolver(logger, clk)
	rec := streams.NewReconciler(logger, clk, st, resolver, locker.New(), 7*24*time.Hour)
	return NewPipeline(logger, st, groups.NewStore(logger, clk), resolver, rec, nil), st, clk
}

func linkedStream(t *testing.T, st store.Store, groupID string) *models.CalendarStream {
	t.Helper()
	var s *models.CalendarStream
	assert.NilError(t, st.View(context.Background(), func(tx store.Tx) error {
		l, err := tx.GetLink(context.Background(), groupID)
		if err != nil {
			return err
		}
		s, err = tx.GetStream(context.Background(), l.CalendarStreamID)
		return err
	}))
	return s
}

func TestApplyRejectsBadRowsAndContinues(t *testing.T) {
	p, st, _ := newPipeline(t)
	report, err := p.Apply(context.Background(), []Row{
		{IdentityKey: "A", WasteType: "bendros", Dates: []string{"2026-01-08", "2026-01-22"}, Label: "Riešės"},
		{IdentityKey: "B", WasteType: "metalas", Dates: []string{"2026-01-08"}},
		{IdentityKey: "C", WasteType: "bendros", Dates: []string{"2026-13-01"}},
		{IdentityKey: "", WasteType: "bendros", Dates: []string{"2026-01-08"}},
		{IdentityKey: "D", WasteType: "Bendros", Dates: []string{"2026-01-22", "2026-01-08"}},
	})
	assert.NilError(t, err)
	assert.Equal(t, report.Rows, 5)
	assert.Equal(t, report.Changed, 2)
	assert.Equal(t, report.Rejected, 3)
	assert.Equal(t, report.Failed, 0)

	a := linkedStream(t, st, identity.GroupID("A", models.WasteMixed))
	d := linkedStream(t, st, identity.GroupID("D", models.WasteMixed))
	assert.Equal(t, a.ID, d.ID)
	assert.Equal(t, a.Label, "Riešės")
}

func TestReapplyingBatchChangesNothing(t *testing.T) {
	p, _, _ := newPipeline(t)
	rows := []Row{
		{IdentityKey: "A", WasteType: "bendros", Dates: []string{"2026-01-08"}},
		{IdentityKey: "A", WasteType: "stiklas", Dates: []string{"2026-01-08"}},
	}
	_, err := p.Apply(context.Background(), rows)
	assert.NilError(t, err)

	report, err := p.Apply(context.Background(), rows)
	assert.NilError(t, err)
	assert.Equal(t, report.Unchanged, 2)
	assert.Assert(t, !report.Reconcile.Changed())
}

func TestDateChangeMovesGroupToNewStream(t *testing.T) {
	p, st, clk := newPipeline(t)
	g := identity.GroupID("A", models.WasteMixed)
	_, err := p.Apply(context.Background(), []Row{{IdentityKey: "A", WasteType: "bendros", Dates: []string{"2026-01-08", "2026-01-22"}}})
	assert.NilError(t, err)
	s1 := linkedStream(t, st, g)

	clk.Increment(time.Hour)
	report, err := p.Apply(context.Background(), []Row{{IdentityKey: "A", WasteType: "bendros", Dates: []string{"2026-01-08", "2026-02-05"}}})
	assert.NilError(t, err)
	assert.Equal(t, report.Reconcile.Orphaned, 1)

	s2 := linkedStream(t, st, g)
	assert.Assert(t, s2.ID != s1.ID)
	assert.NilError(t, st.View(context.Background(), func(tx store.Tx) error {
		old, err := tx.GetStream(context.Background(), s1.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, old.Lifecycle(), models.LifecyclePendingClean)
		return nil
	}))
}

func TestReadCSV(t *testing.T) {
	rows, err := ReadCSV(strings.NewReader("waste_type,identity_key,dates,label\n" +
		"bendros,A,2026-01-08; 2026-01-22,Riešės\n" +
		"stiklas,B,,\n"))
	assert.NilError(t, err)
	assert.DeepEqual(t, rows, []Row{
		{IdentityKey: "A", WasteType: "bendros", Dates: []string{"2026-01-08", "2026-01-22"}, Label: "Riešės"},
		{IdentityKey: "B", WasteType: "stiklas"},
	})
}

func TestReadCSVMissingColumn(t *testing.T) {
	_, err := ReadCSV(strings.NewReader("identity_key,dates\nA,2026-01-08\n"))
	assert.Assert(t, errdefs.IsInvalidArgument(err))
	assert.ErrorContains(t, err, "waste_type")
}

func TestReadJSON(t *testing.T) {
	rows, err := Read(strings.NewReader(`[{"identity_key":"A","waste_type":"plastikas","dates":["2026-01-08"]}]`), "json")
	assert.NilError(t, err)
	assert.DeepEqual(t, rows, []Row{{IdentityKey: "A", WasteType: "plastikas", Dates: []string{"2026-01-08"}}})

	_, err = Read(strings.NewReader(`{"oops":1}`), "json")
	assert.Assert(t, errdefs.IsInvalidArgument(err))

	_, err = Read(strings.NewReader(""), "xml")
	assert.ErrorContains(t, err, "unknown format")
}
