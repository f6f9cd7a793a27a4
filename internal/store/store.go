// Package store defines the persistence contract of the reconciliation
// engine. The persistent store is the single source of truth: every component
// reads and writes schedule groups, calendar streams, group links and stream
// events through a Store, inside View (read) or Update (read-write)
// transactions.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/errdefs"

	"pickupcal/internal/models"
)

// ErrNotFound is returned by getters when the record does not exist.
var ErrNotFound = fmt.Errorf("record %w", errdefs.ErrNotFound)

// StorageError reports a persistence failure. Callers retry the unit of
// work that produced it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err is a persistence failure.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// StreamFilter selects streams for ListStreams. Set conditions are OR-ed;
// the zero value selects every stream.
type StreamFilter struct {
	// NeedsSync selects active streams without a provider calendar or with
	// LastSyncedAt unset.
	NeedsSync bool
	// Deprecating selects streams in pending-clean or notified.
	Deprecating bool
	// WithNotices selects active streams still holding deprecation notices.
	WithNotices bool
}

func (f StreamFilter) any() bool { return f.NeedsSync || f.Deprecating || f.WithNotices }

// Match applies the filter to a stream.
func (f StreamFilter) Match(s *models.CalendarStream) bool {
	if !f.any() {
		return true
	}
	switch {
	case f.NeedsSync && !s.Deprecating() && s.NeedsSync():
		return true
	case f.Deprecating && s.Deprecating():
		return true
	case f.WithNotices && !s.Deprecating() && len(s.NoticeEventIDs) > 0:
		return true
	}
	return false
}

// Tx is the set of operations available inside a transaction. Returned
// records are copies; changes only persist through the Put methods.
type Tx interface {
	GetGroup(ctx context.Context, id string) (*models.ScheduleGroup, error)
	PutGroup(ctx context.Context, g *models.ScheduleGroup) error
	ListGroups(ctx context.Context) ([]*models.ScheduleGroup, error)

	GetStream(ctx context.Context, id string) (*models.CalendarStream, error)
	PutStream(ctx context.Context, s *models.CalendarStream) error
	// DeleteStream removes the stream together with its events and links.
	DeleteStream(ctx context.Context, id string) error
	// ListStreams returns matching streams ordered by creation time, oldest first.
	ListStreams(ctx context.Context, filter StreamFilter) ([]*models.CalendarStream, error)
	// FindStreams returns every stream with the given pattern, oldest first.
	FindStreams(ctx context.Context, wasteType models.WasteType, datesHash string) ([]*models.CalendarStream, error)
	// MarkSynced sets LastSyncedAt only while the stream still has datesHash.
	MarkSynced(ctx context.Context, streamID, datesHash string, at time.Time) (bool, error)

	GetLink(ctx context.Context, groupID string) (*models.GroupStreamLink, error)
	PutLink(ctx context.Context, l *models.GroupStreamLink) error
	DeleteLink(ctx context.Context, groupID string) error
	ListLinks(ctx context.Context) ([]*models.GroupStreamLink, error)
	CountLinks(ctx context.Context, streamID string) (int, error)

	ListEvents(ctx context.Context, streamID string) ([]*models.StreamEvent, error)
	PutEvent(ctx context.Context, e *models.StreamEvent) error
	DeleteEvent(ctx context.Context, streamID string, date models.Date) error
}

// Store is a transactional persistent store.
type Store interface {
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(Tx) error) error
	// Update runs fn in a read-write transaction. Nothing is applied when fn
	// returns an error. fn must only use the given Tx.
	Update(ctx context.Context, fn func(Tx) error) error
	Close() error
}
