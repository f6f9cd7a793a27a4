// Package storetest holds the behavioural contract every store.Store
// implementation must satisfy.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"pickupcal/internal/models"
	"pickupcal/internal/store"
)

var epoch = time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

// Run exercises s against the store contract. s must be empty.
func Run(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	dates := models.NewDateSet(models.NewDate(2026, 1, 8), models.NewDate(2026, 1, 22))
	group := &models.ScheduleGroup{
		ID: "sg_1", WasteType: models.WasteMixed, IdentityKey: "k1", Label: "Nemenčinė",
		Dates: dates, DatesHash: dates.Hash(), CreatedAt: epoch, UpdatedAt: epoch,
	}
	older := &models.CalendarStream{
		ID: "cs_b", WasteType: models.WasteMixed, Dates: dates, DatesHash: dates.Hash(),
		Label: "Nemenčinė", CreatedAt: epoch, UpdatedAt: epoch,
	}
	newer := older.Clone()
	newer.ID = "cs_a"
	newer.CreatedAt = epoch.Add(time.Minute)

	t.Run("put and get", func(t *testing.T) {
		err := s.Update(ctx, func(tx store.Tx) error {
			if err := tx.PutGroup(ctx, group); err != nil {
				return err
			}
			if err := tx.PutStream(ctx, newer); err != nil {
				return err
			}
			if err := tx.PutStream(ctx, older); err != nil {
				return err
			}
			return tx.PutLink(ctx, &models.GroupStreamLink{
				ScheduleGroupID: group.ID, CalendarStreamID: older.ID, CreatedAt: epoch, UpdatedAt: epoch,
			})
		})
		assert.NilError(t, err)

		err = s.View(ctx, func(tx store.Tx) error {
			g, err := tx.GetGroup(ctx, group.ID)
			assert.NilError(t, err)
			assert.Equal(t, g.DatesHash, dates.Hash())
			assert.Assert(t, g.Dates.Equal(dates))
			assert.Equal(t, g.Label, "Nemenčinė")
			assert.Assert(t, g.CreatedAt.Equal(epoch))

			found, err := tx.FindStreams(ctx, models.WasteMixed, dates.Hash())
			assert.NilError(t, err)
			assert.Equal(t, len(found), 2)
			assert.Equal(t, found[0].ID, older.ID, "oldest stream first")

			n, err := tx.CountLinks(ctx, older.ID)
			assert.NilError(t, err)
			assert.Equal(t, n, 1)

			_, err = tx.GetStream(ctx, "cs_missing")
			assert.Assert(t, errors.Is(err, store.ErrNotFound))
			_, err = tx.GetLink(ctx, "sg_missing")
			assert.Assert(t, errors.Is(err, store.ErrNotFound))
			return nil
		})
		assert.NilError(t, err)
	})

	t.Run("failed update is not applied", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.Update(ctx, func(tx store.Tx) error {
			if err := tx.DeleteLink(ctx, group.ID); err != nil {
				return err
			}
			return boom
		})
		assert.Assert(t, errors.Is(err, boom))
		assert.NilError(t, s.View(ctx, func(tx store.Tx) error {
			_, err := tx.GetLink(ctx, group.ID)
			return err
		}))
	})

	t.Run("stream fields round trip", func(t *testing.T) {
		synced := epoch.Add(time.Hour)
		s2 := older.Clone()
		s2.ProviderCalendarID = "cal-1"
		s2.MarkPendingClean(synced, 72*time.Hour)
		s2.NoticeSentAt = &synced
		s2.NoticeEventIDs = []string{"n1", "n2"}
		assert.NilError(t, s.Update(ctx, func(tx store.Tx) error { return tx.PutStream(ctx, s2) }))

		assert.NilError(t, s.View(ctx, func(tx store.Tx) error {
			got, err := tx.GetStream(ctx, s2.ID)
			assert.NilError(t, err)
			assert.Equal(t, got.ProviderCalendarID, "cal-1")
			assert.Equal(t, got.Lifecycle(), models.LifecycleNotified)
			assert.Assert(t, got.PendingCleanDeadline.Equal(synced.Add(72*time.Hour)))
			assert.DeepEqual(t, got.NoticeEventIDs, []string{"n1", "n2"})

			deprecating, err := tx.ListStreams(ctx, store.StreamFilter{Deprecating: true})
			assert.NilError(t, err)
			assert.Equal(t, len(deprecating), 1)
			needs, err := tx.ListStreams(ctx, store.StreamFilter{NeedsSync: true})
			assert.NilError(t, err)
			assert.Equal(t, len(needs), 1)
			assert.Equal(t, needs[0].ID, newer.ID)
			return nil
		}))
	})

	t.Run("mark synced compares hash", func(t *testing.T) {
		at := epoch.Add(2 * time.Hour)
		assert.NilError(t, s.Update(ctx, func(tx store.Tx) error {
			ok, err := tx.MarkSynced(ctx, newer.ID, "stale", at)
			assert.NilError(t, err)
			assert.Assert(t, !ok)
			ok, err = tx.MarkSynced(ctx, newer.ID, newer.DatesHash, at)
			assert.NilError(t, err)
			assert.Assert(t, ok)
			return nil
		}))
		assert.NilError(t, s.View(ctx, func(tx store.Tx) error {
			got, err := tx.GetStream(ctx, newer.ID)
			assert.NilError(t, err)
			assert.Assert(t, got.LastSyncedAt != nil && got.LastSyncedAt.Equal(at))
			return nil
		}))
	})

	t.Run("events and cascade delete", func(t *testing.T) {
		d := models.NewDate(2026, 1, 8)
		assert.NilError(t, s.Update(ctx, func(tx store.Tx) error {
			if err := tx.PutEvent(ctx, &models.StreamEvent{
				CalendarStreamID: older.ID, Date: d, Status: models.EventPending, UpdatedAt: epoch,
			}); err != nil {
				return err
			}
			return tx.PutEvent(ctx, &models.StreamEvent{
				CalendarStreamID: older.ID, Date: d, ProviderEventID: "ev1",
				Status: models.EventCreated, UpdatedAt: epoch,
			})
		}))
		assert.NilError(t, s.View(ctx, func(tx store.Tx) error {
			events, err := tx.ListEvents(ctx, older.ID)
			assert.NilError(t, err)
			assert.Equal(t, len(events), 1)
			assert.Equal(t, events[0].Status, models.EventCreated)
			assert.Equal(t, events[0].ProviderEventID, "ev1")
			return nil
		}))

		assert.NilError(t, s.Update(ctx, func(tx store.Tx) error { return tx.DeleteStream(ctx, older.ID) }))
		assert.NilError(t, s.View(ctx, func(tx store.Tx) error {
			events, err := tx.ListEvents(ctx, older.ID)
			assert.NilError(t, err)
			assert.Equal(t, len(events), 0)
			_, err = tx.GetLink(ctx, group.ID)
			assert.Assert(t, errors.Is(err, store.ErrNotFound))
			return nil
		}))
	})
}
