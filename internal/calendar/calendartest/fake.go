// Package calendartest provides an in-memory calendar.Provider for tests.
package calendartest

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/containerd/errdefs"

	"pickupcal/internal/calendar"
	"pickupcal/internal/models"
)

// Calendar is the state of one fake calendar.
type Calendar struct {
	ID          string
	Title       string
	Description string
	Public      bool
	Events      map[string]models.Event
}

// Provider records every call and keeps calendars in memory. Failures are
// injected with FailOn.
type Provider struct {
	mu        sync.Mutex
	calendars map[string]*Calendar
	order     []string
	nextID    int
	calls     []string
	failures  map[string][]error
}

// New returns an empty fake provider.
func New() *Provider {
	return &Provider{calendars: map[string]*Calendar{}, failures: map[string][]error{}}
}

var _ calendar.Provider = (*Provider)(nil)

// Operation names used by Calls and FailOn.
const (
	OpCreateCalendar = "create_calendar"
	OpSetPublic      = "set_public_read"
	OpCreateEvent    = "create_event"
	OpDeleteEvent    = "delete_event"
	OpDeleteCalendar = "delete_calendar"
	OpListCalendars  = "list_calendars"
)

// FailOn queues errs to be returned by the next calls of op, one per call.
func (p *Provider) FailOn(op string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], errs...)
}

// Calls returns the operations issued so far.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.calls)
}

// CallCount returns how many times op was issued.
func (p *Provider) CallCount(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		if c == op {
			n++
		}
	}
	return n
}

// ResetCalls forgets the recorded calls.
func (p *Provider) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}

// Calendar returns a copy of the calendar, or nil.
func (p *Provider) Calendar(id string) *Calendar {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.calendars[id]
	if !ok {
		return nil
	}
	cp := *c
	cp.Events = make(map[string]models.Event, len(c.Events))
	for k, v := range c.Events {
		cp.Events[k] = v
	}
	return &cp
}

// AddCalendar seeds a calendar that was created outside the engine.
func (p *Provider) AddCalendar(id, title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calendars[id] = &Calendar{ID: id, Title: title, Events: map[string]models.Event{}}
	p.order = append(p.order, id)
}

// begin records op and pops a queued failure.
func (p *Provider) begin(op string) error {
	p.calls = append(p.calls, op)
	if q := p.failures[op]; len(q) > 0 {
		p.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func (p *Provider) get(id string) (*Calendar, error) {
	c, ok := p.calendars[id]
	if !ok {
		return nil, fmt.Errorf("calendar %s: %w", id, errdefs.ErrNotFound)
	}
	return c, nil
}

func (p *Provider) CreateCalendar(ctx context.Context, title, description string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpCreateCalendar); err != nil {
		return "", err
	}
	p.nextID++
	id := fmt.Sprintf("cal-%d@fake", p.nextID)
	p.calendars[id] = &Calendar{ID: id, Title: title, Description: description, Events: map[string]models.Event{}}
	p.order = append(p.order, id)
	return id, nil
}

func (p *Provider) SetPublicReadAccess(ctx context.Context, calendarID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpSetPublic); err != nil {
		return err
	}
	c, err := p.get(calendarID)
	if err != nil {
		return err
	}
	c.Public = true
	return nil
}

func (p *Provider) CreateEvent(ctx context.Context, calendarID string, ev models.Event) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpCreateEvent); err != nil {
		return "", err
	}
	c, err := p.get(calendarID)
	if err != nil {
		return "", err
	}
	if ev.UID == "" {
		return "", fmt.Errorf("%w: event without uid", errdefs.ErrInvalidArgument)
	}
	if _, ok := c.Events[ev.UID]; ok {
		return "", fmt.Errorf("event %s: %w", ev.UID, errdefs.ErrAlreadyExists)
	}
	c.Events[ev.UID] = ev
	return ev.UID, nil
}

func (p *Provider) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpDeleteEvent); err != nil {
		return err
	}
	c, err := p.get(calendarID)
	if err != nil {
		return err
	}
	if _, ok := c.Events[eventID]; !ok {
		return fmt.Errorf("event %s: %w", eventID, errdefs.ErrNotFound)
	}
	delete(c.Events, eventID)
	return nil
}

func (p *Provider) DeleteCalendar(ctx context.Context, calendarID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpDeleteCalendar); err != nil {
		return err
	}
	if _, err := p.get(calendarID); err != nil {
		return err
	}
	delete(p.calendars, calendarID)
	p.order = slices.DeleteFunc(p.order, func(id string) bool { return id == calendarID })
	return nil
}

func (p *Provider) ListCalendars(ctx context.Context, filter calendar.ListFilter) ([]calendar.Calendar, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(OpListCalendars); err != nil {
		return nil, err
	}
	var out []calendar.Calendar
	for _, id := range p.order {
		c := p.calendars[id]
		if filter.Match(c.Title) {
			out = append(out, calendar.Calendar{ID: c.ID, Title: c.Title})
		}
	}
	return out, nil
}

func (p *Provider) SubscriptionURL(calendarID string) string {
	return "https://calendar.example/subscribe?cid=" + calendarID
}
