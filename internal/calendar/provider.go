// Package calendar defines the capability the engine needs from an external
// calendar service and the error taxonomy providers report through.
package calendar

import (
	"context"
	"fmt"
	"strings"

	"pickupcal/internal/models"
)

// Calendar is one calendar as listed by a provider.
type Calendar struct {
	ID    string
	Title string
}

// ListFilter narrows ListCalendars. A calendar matches when its title
// contains any of TitleContains; an empty filter matches everything.
type ListFilter struct {
	TitleContains []string
}

// Match applies the filter to a title.
func (f ListFilter) Match(title string) bool {
	if len(f.TitleContains) == 0 {
		return true
	}
	for _, s := range f.TitleContains {
		if strings.Contains(title, s) {
			return true
		}
	}
	return false
}

// Provider is an external calendar service. Every method may block on the
// network and reports failures classified with the predicates in errors.go.
type Provider interface {
	// CreateCalendar creates a new calendar and returns its provider ID.
	CreateCalendar(ctx context.Context, title, description string) (string, error)
	// SetPublicReadAccess makes the calendar readable by anyone with the link.
	SetPublicReadAccess(ctx context.Context, calendarID string) error
	// CreateEvent creates ev under ev.UID and returns the provider event ID.
	CreateEvent(ctx context.Context, calendarID string, ev models.Event) (string, error)
	DeleteEvent(ctx context.Context, calendarID, eventID string) error
	DeleteCalendar(ctx context.Context, calendarID string) error
	// ListCalendars returns the calendars owned by the account, except the
	// account's primary calendar.
	ListCalendars(ctx context.Context, filter ListFilter) ([]Calendar, error)
	// SubscriptionURL returns the link end users subscribe with.
	SubscriptionURL(calendarID string) string
}

// Title is the calendar title of a stream: "<label> - <waste> - <short id>".
func Title(label string, wasteType models.WasteType, streamID string) string {
	if label == "" {
		return fmt.Sprintf("%s - %s", wasteType.DisplayName(), ShortID(streamID))
	}
	return fmt.Sprintf("%s - %s - %s", label, wasteType.DisplayName(), ShortID(streamID))
}

// Description is the calendar description of a stream.
func Description(label string, wasteType models.WasteType) string {
	if label == "" {
		return fmt.Sprintf("Atliekų surinkimo grafikas: %s. Automatiškai atnaujinamas.", wasteType.DisplayName())
	}
	return fmt.Sprintf("Atliekų surinkimo grafikas: %s, %s. Automatiškai atnaujinamas.", label, wasteType.DisplayName())
}

// ShortID returns the first six characters of the ID after its kind prefix.
func ShortID(id string) string {
	if i := strings.IndexByte(id, '_'); i >= 0 {
		id = id[i+1:]
	}
	if len(id) > 6 {
		return id[:6]
	}
	return id
}
