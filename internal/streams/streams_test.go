package streams

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"github.com/moby/locker"
	"gotest.tools/v3/assert"

	"pickupcal/internal/groups"
	"pickupcal/internal/models"
	"pickupcal/internal/store"
)

const grace = 7 * 24 * time.Hour

type harness struct {
	t        *testing.T
	ctx      context.Context
	clk      *fakeclock.FakeClock
	st       store.Store
	groups   *groups.Store
	resolver *Resolver
	locks    *locker.Locker
	rec      *Reconciler
}

func newHarness(t *testing.T) *harness {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := fakeclock.NewFakeClock(time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC))
	st := store.NewMemory()
	resolver := NewResolver(logger, clk)
	locks := locker.New()
	return &harness{
		t:        t,
		ctx:      context.Background(),
		clk:      clk,
		st:       st,
		groups:   groups.NewStore(logger, clk),
		resolver: resolver,
		locks:    locks,
		rec:      NewReconciler(logger, clk, st, resolver, locks, grace),
	}
}

type row struct {
	key   string
	waste models.WasteType
	dates models.DateSet
}

func dates(days ...string) models.DateSet {
	s, err := models.ParseDateSet(days)
	if err != nil {
		panic(err)
	}
	return s
}

// ingest mimics the ingestion pipeline: upsert, resolve changed groups, reconcile.
func (h *harness) ingest(rows ...row) (map[string]string, Report) {
	h.t.Helper()
	ids := h.record(rows...)
	h.clk.Increment(time.Second)
	report, err := h.rec.Reconcile(h.ctx)
	assert.NilError(h.t, err)
	return ids, report
}

// record upserts rows and resolves changed groups without reconciling.
func (h *harness) record(rows ...row) map[string]string {
	h.t.Helper()
	ids := map[string]string{}
	for _, r := range rows {
		err := h.st.Update(h.ctx, func(tx store.Tx) error {
			id, changed, err := h.groups.Upsert(h.ctx, tx, r.key, r.waste, r.dates, "Test")
			if err != nil {
				return err
			}
			ids[r.key] = id
			if !changed {
				return nil
			}
			_, err = h.resolver.Resolve(h.ctx, tx, id, r.waste, r.dates, "Test")
			return err
		})
		assert.NilError(h.t, err)
	}
	return ids
}

func (h *harness) streamOf(groupID string) *models.CalendarStream {
	h.t.Helper()
	var s *models.CalendarStream
	assert.NilError(h.t, h.st.View(h.ctx, func(tx store.Tx) error {
		l, err := tx.GetLink(h.ctx, groupID)
		if err != nil {
			return err
		}
		s, err = tx.GetStream(h.ctx, l.CalendarStreamID)
		return err
	}))
	return s
}

func (h *harness) stream(id string) *models.CalendarStream {
	h.t.Helper()
	var s *models.CalendarStream
	assert.NilError(h.t, h.st.View(h.ctx, func(tx store.Tx) error {
		var err error
		s, err = tx.GetStream(h.ctx, id)
		return err
	}))
	return s
}

func (h *harness) streamCount() int {
	var n int
	assert.NilError(h.t, h.st.View(h.ctx, func(tx store.Tx) error {
		all, err := tx.ListStreams(h.ctx, store.StreamFilter{})
		n = len(all)
		return err
	}))
	return n
}

func TestIdenticalDatesShareStream(t *testing.T) {
	h := newHarness(t)
	d := dates("2026-01-08", "2026-01-22")
	ids, _ := h.ingest(
		row{"A", models.WasteMixed, d},
		row{"B", models.WasteMixed, d},
		row{"C", models.WasteMixed, d},
	)
	s := h.streamOf(ids["A"])
	assert.Equal(t, h.streamOf(ids["B"]).ID, s.ID)
	assert.Equal(t, h.streamOf(ids["C"]).ID, s.ID)
	assert.Equal(t, h.streamCount(), 1)
	assert.Equal(t, s.DatesHash, d.Hash())
	assert.Assert(t, s.NeedsSync())
}

func TestWasteTypesNeverShareStream(t *testing.T) {
	h := newHarness(t)
	d := dates("2026-01-08")
	h.ingest(
		row{"A", models.WasteMixed, d},
		row{"A", models.WastePlastic, d},
	)
	assert.Equal(t, h.streamCount(), 2)
}

func TestDateChangeSupersedesStream(t *testing.T) {
	h := newHarness(t)
	ids, _ := h.ingest(row{"A", models.WasteMixed, dates("2026-01-08", "2026-01-22")})
	g1 := ids["A"]
	s1 := h.streamOf(g1)

	ids, report := h.ingest(row{"A", models.WasteMixed, dates("2026-01-08", "2026-02-05")})
	assert.Equal(t, ids["A"], g1, "group id is stable")

	s2 := h.streamOf(g1)
	assert.Assert(t, s2.ID != s1.ID)
	assert.Equal(t, s2.DatesHash, dates("2026-01-08", "2026-02-05").Hash())
	assert.Equal(t, report.Orphaned, 1)

	old := h.stream(s1.ID)
	assert.Equal(t, old.Lifecycle(), models.LifecyclePendingClean)
	assert.Assert(t, old.PendingCleanDeadline.Equal(old.PendingCleanStartedAt.Add(grace)))
}

func TestOneGroupLeavesSharedStream(t *testing.T) {
	h := newHarness(t)
	d := dates("2026-01-08", "2026-01-22")
	ids, _ := h.ingest(row{"G1", models.WasteMixed, d}, row{"G2", models.WasteMixed, d})
	original := h.streamOf(ids["G1"])

	_, report := h.ingest(row{"G2", models.WasteMixed, dates("2026-01-15")})
	assert.Equal(t, report.Orphaned, 0)

	assert.Equal(t, h.streamOf(ids["G1"]).ID, original.ID)
	assert.Assert(t, h.streamOf(ids["G2"]).ID != original.ID)
	assert.Equal(t, h.stream(original.ID).Lifecycle(), models.LifecycleActive)
}

func TestSubsetSplitKeepsUnchangedStream(t *testing.T) {
	h := newHarness(t)
	d := dates("2026-01-08", "2026-01-22")
	ids, _ := h.ingest(
		row{"G1", models.WasteMixed, d},
		row{"G2", models.WasteMixed, d},
		row{"G3", models.WasteMixed, d},
	)
	original := h.streamOf(ids["G1"])

	moved := dates("2026-01-09", "2026-01-23")
	ids2, _ := h.ingest(row{"G2", models.WasteMixed, moved}, row{"G3", models.WasteMixed, moved})
	assert.Equal(t, ids2["G2"], ids["G2"])
	assert.Equal(t, ids2["G3"], ids["G3"])

	assert.Equal(t, h.streamOf(ids["G1"]).ID, original.ID)
	split := h.streamOf(ids["G2"])
	assert.Equal(t, h.streamOf(ids["G3"]).ID, split.ID)
	assert.Assert(t, split.ID != original.ID)
	assert.Equal(t, h.stream(original.ID).DatesHash, d.Hash())
	assert.Equal(t, h.streamCount(), 2)
}

func TestReconcileIsIdempotent(t *testing.T) {
	h := newHarness(t)
	d := dates("2026-01-08", "2026-01-22")
	ids, _ := h.ingest(row{"G1", models.WasteMixed, d}, row{"G2", models.WasteMixed, d})
	h.ingest(row{"G2", models.WasteMixed, dates("2026-01-15")}, row{"G1", models.WasteMixed, dates("2026-03-01")})

	before := h.streamOf(ids["G1"])
	report, err := h.rec.Reconcile(h.ctx)
	assert.NilError(t, err)
	assert.Assert(t, !report.Changed(), "%+v", report)
	report, err = h.rec.Reconcile(h.ctx)
	assert.NilError(t, err)
	assert.Assert(t, !report.Changed(), "%+v", report)
	assert.DeepEqual(t, h.streamOf(ids["G1"]), before)
}

// seed writes groups and one stream linking all of them, bypassing resolution.
func (h *harness) seed(stream *models.CalendarStream, gs ...*models.ScheduleGroup) {
	h.t.Helper()
	assert.NilError(h.t, h.st.Update(h.ctx, func(tx store.Tx) error {
		if err := tx.PutStream(h.ctx, stream); err != nil {
			return err
		}
		for _, g := range gs {
			if err := tx.PutGroup(h.ctx, g); err != nil {
				return err
			}
			if err := tx.PutLink(h.ctx, &models.GroupStreamLink{
				ScheduleGroupID: g.ID, CalendarStreamID: stream.ID,
				CreatedAt: h.clk.Now(), UpdatedAt: h.clk.Now(),
			}); err != nil {
				return err
			}
		}
		return nil
	}))
}

func group(id string, d models.DateSet) *models.ScheduleGroup {
	return &models.ScheduleGroup{ID: id, WasteType: models.WasteMixed, IdentityKey: id, Dates: d, DatesHash: d.Hash()}
}

func streamWith(id string, d models.DateSet, created time.Time) *models.CalendarStream {
	s := &models.CalendarStream{ID: id, WasteType: models.WasteMixed, CreatedAt: created, UpdatedAt: created}
	s.SetDates(d)
	return s
}

func TestConvergentShiftRefreshesInPlace(t *testing.T) {
	h := newHarness(t)
	old := dates("2026-01-08", "2026-01-22")
	next := dates("2026-03-05", "2026-03-19")
	s := streamWith("cs_window", old, h.clk.Now())
	s.ProviderCalendarID = "window@example"
	synced := h.clk.Now()
	s.LastSyncedAt = &synced
	h.seed(s, group("sg_1", next), group("sg_2", next))

	report, err := h.rec.Reconcile(h.ctx)
	assert.NilError(t, err)
	assert.Equal(t, report.Refreshed, 1)

	got := h.stream("cs_window")
	assert.Equal(t, got.DatesHash, next.Hash())
	assert.Equal(t, got.ProviderCalendarID, "window@example")
	assert.Assert(t, got.LastSyncedAt == nil, "stream must be resynced")
	assert.Equal(t, h.streamCount(), 1)
}

func TestDivergentStreamSplitsByPattern(t *testing.T) {
	h := newHarness(t)
	own := dates("2026-01-08")
	other := dates("2026-01-09")
	h.seed(streamWith("cs_orig", own, h.clk.Now()),
		group("sg_1", own), group("sg_2", other), group("sg_3", other))

	report, err := h.rec.Reconcile(h.ctx)
	assert.NilError(t, err)
	assert.Equal(t, report.Moved, 2)
	assert.Equal(t, report.Created, 1)

	assert.Equal(t, h.streamOf("sg_1").ID, "cs_orig")
	moved := h.streamOf("sg_2")
	assert.Equal(t, h.streamOf("sg_3").ID, moved.ID)
	assert.Equal(t, moved.DatesHash, other.Hash())

	report, err = h.rec.Reconcile(h.ctx)
	assert.NilError(t, err)
	assert.Assert(t, !report.Changed())
}

func TestDivergentStreamWithoutOwnPatternIsOrphaned(t *testing.T) {
	h := newHarness(t)
	h.seed(streamWith("cs_orig", dates("2026-01-01"), h.clk.Now()),
		group("sg_1", dates("2026-01-08")), group("sg_2", dates("2026-01-09")))

	report, err := h.rec.Reconcile(h.ctx)
	assert.NilError(t, err)
	assert.Equal(t, report.Orphaned, 1)
	assert.Equal(t, h.stream("cs_orig").Lifecycle(), models.LifecyclePendingClean)
	assert.Assert(t, h.streamOf("sg_1").ID != h.streamOf("sg_2").ID)
}

func TestReturningPatternRescuesDeprecatingStream(t *testing.T) {
	h := newHarness(t)
	d1 := dates("2026-01-08", "2026-01-22")
	ids, _ := h.ingest(row{"A", models.WasteMixed, d1})
	s1 := h.streamOf(ids["A"])

	h.ingest(row{"A", models.WasteMixed, dates("2026-02-05")})
	assert.Equal(t, h.stream(s1.ID).Lifecycle(), models.LifecyclePendingClean)

	_, report := h.ingest(row{"A", models.WasteMixed, d1})
	assert.Equal(t, report.Rescued, 1)
	assert.Equal(t, h.streamOf(ids["A"]).ID, s1.ID)
	assert.Equal(t, h.stream(s1.ID).Lifecycle(), models.LifecycleActive)
}

func TestDanglingLinkIsHealed(t *testing.T) {
	h := newHarness(t)
	d := dates("2026-01-08")
	assert.NilError(t, h.st.Update(h.ctx, func(tx store.Tx) error {
		if err := tx.PutGroup(h.ctx, group("sg_1", d)); err != nil {
			return err
		}
		return tx.PutLink(h.ctx, &models.GroupStreamLink{ScheduleGroupID: "sg_1", CalendarStreamID: "cs_gone"})
	}))

	report, err := h.rec.Reconcile(h.ctx)
	assert.NilError(t, err)
	assert.Equal(t, report.Healed, 2, "dropped the dangling link and re-resolved")
	assert.Equal(t, h.streamOf("sg_1").DatesHash, d.Hash())
}

func TestHealedGroupKeepsItsLabel(t *testing.T) {
	h := newHarness(t)
	g := group("sg_1", dates("2026-01-08"))
	g.Label = "Antakalnis"
	assert.NilError(t, h.st.Update(h.ctx, func(tx store.Tx) error { return tx.PutGroup(h.ctx, g) }))

	report, err := h.rec.Reconcile(h.ctx)
	assert.NilError(t, err)
	assert.Equal(t, report.Healed, 1)
	assert.Equal(t, h.streamOf("sg_1").Label, "Antakalnis")
}

func TestReconcileWaitsForStreamLock(t *testing.T) {
	h := newHarness(t)
	ids, _ := h.ingest(row{"A", models.WasteMixed, dates("2026-01-08", "2026-01-22")})
	held := h.streamOf(ids["A"]).ID
	h.record(row{"A", models.WasteMixed, dates("2026-01-08", "2026-02-05")})

	h.locks.Lock(held)
	type result struct {
		report Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		report, err := h.rec.Reconcile(h.ctx)
		done <- result{report, err}
	}()

	select {
	case <-done:
		t.Fatal("reconcile finished while a stream was locked")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, h.stream(held).Lifecycle(), models.LifecycleActive)

	assert.NilError(t, h.locks.Unlock(held))
	res := <-done
	assert.NilError(t, res.err)
	assert.Equal(t, res.report.Orphaned, 1)
	assert.Equal(t, h.stream(held).Lifecycle(), models.LifecyclePendingClean)
}

func TestOldestDuplicateWins(t *testing.T) {
	h := newHarness(t)
	d := dates("2026-01-08")
	t0 := h.clk.Now()
	h.seed(streamWith("cs_new", d, t0.Add(time.Hour)), group("sg_2", d))
	h.seed(streamWith("cs_old", d, t0), group("sg_1", d))

	var resolved string
	assert.NilError(t, h.st.Update(h.ctx, func(tx store.Tx) error {
		if err := tx.PutGroup(h.ctx, group("sg_3", d)); err != nil {
			return err
		}
		var err error
		resolved, err = h.resolver.Resolve(h.ctx, tx, "sg_3", models.WasteMixed, d, "")
		return err
	}))
	assert.Equal(t, resolved, "cs_old")

	report, err := h.rec.Reconcile(h.ctx)
	assert.NilError(t, err)
	assert.Equal(t, report.Orphaned, 1)
	assert.Equal(t, h.streamOf("sg_2").ID, "cs_old")
	assert.Equal(t, h.stream("cs_new").Lifecycle(), models.LifecyclePendingClean)
}
