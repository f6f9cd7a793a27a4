// Package streams maintains the many-to-one mapping from schedule groups to
// calendar streams: every group is linked to the stream that publishes its
// exact date pattern, and streams nobody links to are put on the deprecation
// path.
package streams

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"

	"pickupcal/internal/identity"
	"pickupcal/internal/models"
	"pickupcal/internal/store"
)

// Resolver finds or creates the stream for a date pattern and points a
// group's link at it.
type Resolver struct {
	logger *slog.Logger
	clock  clock.Clock
	newID  func(wasteType models.WasteType, datesHash string) string
}

// NewResolver creates a Resolver. A nil clock means the wall clock.
func NewResolver(logger *slog.Logger, clk clock.Clock) *Resolver {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Resolver{logger: logger, clock: clk, newID: newStreamID}
}

// newStreamID is independent of any group ID; the random nonce keeps a new
// stream distinct from a deprecated one that had the same pattern.
func newStreamID(wasteType models.WasteType, datesHash string) string {
	return identity.GenerateID(identity.KindStream, string(wasteType), datesHash, uuid.NewString())
}

// Resolve links groupID to the stream publishing (wasteType, dates) and
// returns the stream ID. A previous link is re-pointed, never duplicated; the
// stream it pointed at is left for the Reconciler to deprecate.
func (r *Resolver) Resolve(ctx context.Context, tx store.Tx, groupID string, wasteType models.WasteType, dates models.DateSet, label string) (string, error) {
	target, err := r.streamFor(ctx, tx, wasteType, dates, label, "")
	if err != nil {
		return "", err
	}
	if err := r.link(ctx, tx, groupID, target.ID); err != nil {
		return "", err
	}
	return target.ID, nil
}

// streamFor returns the stream for a pattern, creating it when needed.
// Active streams win over deprecating ones; within each, the oldest wins.
// A deprecating match is reused so its subscribers keep their calendar.
func (r *Resolver) streamFor(ctx context.Context, tx store.Tx, wasteType models.WasteType, dates models.DateSet, label, exclude string) (*models.CalendarStream, error) {
	hash := dates.Hash()
	candidates, err := tx.FindStreams(ctx, wasteType, hash)
	if err != nil {
		return nil, fmt.Errorf("find streams: %w", err)
	}
	var rescue *models.CalendarStream
	for _, s := range candidates {
		if s.ID == exclude {
			continue
		}
		if !s.Deprecating() {
			return s, nil
		}
		if rescue == nil {
			rescue = s
		}
	}
	if rescue != nil {
		r.logger.Info("Reusing deprecating calendar stream for returning pattern.", "streamID", rescue.ID, "datesHash", hash)
		return rescue, nil
	}

	now := r.clock.Now().UTC()
	s := &models.CalendarStream{
		ID:        r.newID(wasteType, hash),
		WasteType: wasteType,
		Label:     label,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.SetDates(dates)
	if err := tx.PutStream(ctx, s); err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	r.logger.Info("Created calendar stream.", "streamID", s.ID, "wasteType", wasteType, "datesHash", hash, "dates", len(dates))
	return s, nil
}

// link points groupID at streamID, keeping the original creation time.
func (r *Resolver) link(ctx context.Context, tx store.Tx, groupID, streamID string) error {
	now := r.clock.Now().UTC()
	existing, err := tx.GetLink(ctx, groupID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return tx.PutLink(ctx, &models.GroupStreamLink{
			ScheduleGroupID:  groupID,
			CalendarStreamID: streamID,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	case err != nil:
		return fmt.Errorf("get link: %w", err)
	case existing.CalendarStreamID == streamID:
		return nil
	}
	r.logger.Info("Moving schedule group to another calendar stream.",
		"groupID", groupID, "from", existing.CalendarStreamID, "to", streamID)
	existing.CalendarStreamID = streamID
	existing.UpdatedAt = now
	return tx.PutLink(ctx, existing)
}
