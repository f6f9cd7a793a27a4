// Package status answers the subscription status query of the API
// collaborator.
package status

import (
	"context"
	"errors"
	"fmt"

	"pickupcal/internal/models"
	"pickupcal/internal/store"
)

// CalendarStatus is the answer for one schedule group. ProviderCalendarID
// and SubscriptionLink are empty until the calendar exists.
type CalendarStatus struct {
	GroupID            string                `json:"group_id"`
	Status             models.CalendarStatus `json:"status"`
	StreamID           string                `json:"stream_id,omitempty"`
	ProviderCalendarID string                `json:"provider_calendar_id,omitempty"`
	SubscriptionLink   string                `json:"subscription_link,omitempty"`
}

// LinkBuilder turns a provider calendar ID into a subscription link.
type LinkBuilder interface {
	SubscriptionURL(calendarID string) string
}

// Service reads statuses from the store.
type Service struct {
	store store.Store
	links LinkBuilder
}

// NewService creates a Service. links may be nil, in which case no
// subscription links are returned.
func NewService(st store.Store, links LinkBuilder) *Service {
	return &Service{store: st, links: links}
}

// GetCalendarStatus reports the status of the calendar publishing groupID.
// A group without a link, or linked to a missing stream, is not_available.
func (s *Service) GetCalendarStatus(ctx context.Context, groupID string) (CalendarStatus, error) {
	out := CalendarStatus{GroupID: groupID}
	var stream *models.CalendarStream
	err := s.store.View(ctx, func(tx store.Tx) error {
		link, err := tx.GetLink(ctx, groupID)
		if err != nil {
			return err
		}
		stream, err = tx.GetStream(ctx, link.CalendarStreamID)
		return err
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		stream = nil
	case err != nil:
		return out, fmt.Errorf("calendar status of %s: %w", groupID, err)
	}

	out.Status = models.StatusOf(stream)
	if stream == nil {
		return out, nil
	}
	out.StreamID = stream.ID
	out.ProviderCalendarID = stream.ProviderCalendarID
	if stream.ProviderCalendarID != "" && s.links != nil {
		out.SubscriptionLink = s.links.SubscriptionURL(stream.ProviderCalendarID)
	}
	return out, nil
}
