package models

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"
)

func TestNewDateSetSortsAndDedupes(t *testing.T) {
	s := NewDateSet(NewDate(2026, 2, 5), NewDate(2026, 1, 8), NewDate(2026, 2, 5))
	assert.DeepEqual(t, s.Strings(), []string{"2026-01-08", "2026-02-05"})
	assert.Assert(t, s.Contains(NewDate(2026, 1, 8)))
	assert.Assert(t, !s.Contains(NewDate(2026, 1, 9)))
}

func TestDateSetHash(t *testing.T) {
	a := NewDateSet(NewDate(2026, 1, 8), NewDate(2026, 1, 22))
	b := NewDateSet(NewDate(2026, 1, 22), NewDate(2026, 1, 8))
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Equal(t, len(a.Hash()), 16)
	assert.Assert(t, a.Hash() != NewDateSet(NewDate(2026, 1, 8)).Hash())
	assert.Equal(t, DateSet(nil).Hash(), "")
}

func TestParseDateSet(t *testing.T) {
	s, err := ParseDateSet([]string{"2026-01-22", " 2026-01-08"})
	assert.NilError(t, err)
	assert.Assert(t, cmp.Equal(s, NewDateSet(NewDate(2026, 1, 8), NewDate(2026, 1, 22))))

	_, err = ParseDateSet([]string{"2026-13-01"})
	assert.ErrorContains(t, err, "invalid date")
}

func TestDateAddDaysAcrossMonth(t *testing.T) {
	assert.Equal(t, NewDate(2026, 1, 31).AddDays(1), NewDate(2026, 2, 1))
	assert.Assert(t, NewDate(2025, 12, 31).Before(NewDate(2026, 1, 1)))
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, StatusOf(nil), StatusNotAvailable)
	s := &CalendarStream{}
	assert.Equal(t, StatusOf(s), StatusPending)
	s.ProviderCalendarID = "cal@example"
	assert.Equal(t, StatusOf(s), StatusNeedsUpdate)
	now := NewDate(2026, 1, 1).In(time.UTC, 0, 0)
	s.LastSyncedAt = &now
	assert.Equal(t, StatusOf(s), StatusSynced)
}

func TestLifecycle(t *testing.T) {
	s := &CalendarStream{}
	assert.Equal(t, s.Lifecycle(), LifecycleActive)
	now := NewDate(2026, 1, 1).In(time.UTC, 0, 0)
	s.MarkPendingClean(now, 0)
	assert.Equal(t, s.Lifecycle(), LifecyclePendingClean)
	s.NoticeSentAt = &now
	assert.Equal(t, s.Lifecycle(), LifecycleNotified)
	s.ClearPendingClean()
	assert.Equal(t, s.Lifecycle(), LifecycleActive)
}
