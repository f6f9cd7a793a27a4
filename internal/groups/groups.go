// Package groups owns the schedule group lifecycle: one record per
// (identity key, waste type) whose ID never changes while its dates do.
package groups

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"code.cloudfoundry.org/clock"
	"github.com/containerd/errdefs"

	"pickupcal/internal/identity"
	"pickupcal/internal/models"
	"pickupcal/internal/store"
)

// Store upserts schedule groups.
type Store struct {
	logger *slog.Logger
	clock  clock.Clock
}

// NewStore creates a group store. A nil clock means the wall clock.
func NewStore(logger *slog.Logger, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Store{logger: logger, clock: clk}
}

// Upsert records the latest dates for (identityKey, wasteType) inside tx.
// changed is true when the group is new or its date set differs from the
// stored one; the caller must then re-run stream resolution for the group.
// A non-empty label replaces the stored one without counting as a change.
func (s *Store) Upsert(ctx context.Context, tx store.Tx, identityKey string, wasteType models.WasteType, dates models.DateSet, label string) (string, bool, error) {
	identityKey = strings.TrimSpace(identityKey)
	if identityKey == "" {
		return "", false, fmt.Errorf("%w: missing identity key", errdefs.ErrInvalidArgument)
	}
	if !wasteType.Valid() {
		return "", false, fmt.Errorf("%w: unknown waste type %q", errdefs.ErrInvalidArgument, wasteType)
	}

	id := identity.GroupID(identityKey, wasteType)
	newHash := dates.Hash()
	now := s.clock.Now().UTC()

	existing, err := tx.GetGroup(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		g := &models.ScheduleGroup{
			ID:          id,
			WasteType:   wasteType,
			IdentityKey: identityKey,
			Dates:       dates,
			DatesHash:   newHash,
			Label:       label,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.PutGroup(ctx, g); err != nil {
			return "", false, storageErr("insert group", err)
		}
		s.logger.Debug("Created schedule group.", "groupID", id, "wasteType", wasteType, "dates", len(dates))
		return id, true, nil
	case err != nil:
		return "", false, storageErr("get group", err)
	}

	relabel := label != "" && label != existing.Label
	if relabel {
		existing.Label = label
	}
	if existing.DatesHash == newHash {
		if relabel {
			existing.UpdatedAt = now
			if err := tx.PutGroup(ctx, existing); err != nil {
				return "", false, storageErr("update group label", err)
			}
		}
		return id, false, nil
	}
	existing.Dates = dates
	existing.DatesHash = newHash
	existing.UpdatedAt = now
	if err := tx.PutGroup(ctx, existing); err != nil {
		return "", false, storageErr("update group", err)
	}
	s.logger.Info("Schedule group dates changed.", "groupID", id, "wasteType", wasteType, "datesHash", newHash)
	return id, true, nil
}

func storageErr(op string, err error) error {
	if store.IsStorageError(err) {
		return err
	}
	return &store.StorageError{Op: op, Err: err}
}
