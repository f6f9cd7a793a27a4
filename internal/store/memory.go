package store

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"pickupcal/internal/models"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process Store. Update works on a copy of the state and
// swaps it in when fn succeeds, so failed transactions leave no trace.
type Memory struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	groups  map[string]*models.ScheduleGroup
	streams map[string]*models.CalendarStream
	links   map[string]*models.GroupStreamLink
	events  map[string]map[models.Date]*models.StreamEvent
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{state: &memState{
		groups:  map[string]*models.ScheduleGroup{},
		streams: map[string]*models.CalendarStream{},
		links:   map[string]*models.GroupStreamLink{},
		events:  map[string]map[models.Date]*models.StreamEvent{},
	}}
}

func (m *Memory) View(ctx context.Context, fn func(Tx) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memTx{st: m.state.clone()})
}

func (m *Memory) Update(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.state.clone()
	if err := fn(&memTx{st: next}); err != nil {
		return err
	}
	m.state = next
	return nil
}

func (m *Memory) Close() error { return nil }

func (s *memState) clone() *memState {
	c := &memState{
		groups:  make(map[string]*models.ScheduleGroup, len(s.groups)),
		streams: make(map[string]*models.CalendarStream, len(s.streams)),
		links:   make(map[string]*models.GroupStreamLink, len(s.links)),
		events:  make(map[string]map[models.Date]*models.StreamEvent, len(s.events)),
	}
	for k, v := range s.groups {
		c.groups[k] = v.Clone()
	}
	for k, v := range s.streams {
		c.streams[k] = v.Clone()
	}
	for k, v := range s.links {
		l := *v
		c.links[k] = &l
	}
	for k, v := range s.events {
		inner := make(map[models.Date]*models.StreamEvent, len(v))
		for d, e := range v {
			ev := *e
			inner[d] = &ev
		}
		c.events[k] = inner
	}
	return c
}

type memTx struct {
	st *memState
}

func (t *memTx) GetGroup(ctx context.Context, id string) (*models.ScheduleGroup, error) {
	g, ok := t.st.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	return g.Clone(), nil
}

func (t *memTx) PutGroup(ctx context.Context, g *models.ScheduleGroup) error {
	t.st.groups[g.ID] = g.Clone()
	return nil
}

func (t *memTx) ListGroups(ctx context.Context) ([]*models.ScheduleGroup, error) {
	out := make([]*models.ScheduleGroup, 0, len(t.st.groups))
	for _, id := range slices.Sorted(maps.Keys(t.st.groups)) {
		out = append(out, t.st.groups[id].Clone())
	}
	return out, nil
}

func (t *memTx) GetStream(ctx context.Context, id string) (*models.CalendarStream, error) {
	s, ok := t.st.streams[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (t *memTx) PutStream(ctx context.Context, s *models.CalendarStream) error {
	t.st.streams[s.ID] = s.Clone()
	return nil
}

func (t *memTx) DeleteStream(ctx context.Context, id string) error {
	delete(t.st.streams, id)
	delete(t.st.events, id)
	for gid, l := range t.st.links {
		if l.CalendarStreamID == id {
			delete(t.st.links, gid)
		}
	}
	return nil
}

func (t *memTx) ListStreams(ctx context.Context, filter StreamFilter) ([]*models.CalendarStream, error) {
	var out []*models.CalendarStream
	for _, s := range t.st.streams {
		if filter.Match(s) {
			out = append(out, s.Clone())
		}
	}
	sortStreams(out)
	return out, nil
}

func (t *memTx) FindStreams(ctx context.Context, wasteType models.WasteType, datesHash string) ([]*models.CalendarStream, error) {
	var out []*models.CalendarStream
	for _, s := range t.st.streams {
		if s.WasteType == wasteType && s.DatesHash == datesHash {
			out = append(out, s.Clone())
		}
	}
	sortStreams(out)
	return out, nil
}

func (t *memTx) MarkSynced(ctx context.Context, streamID, datesHash string, at time.Time) (bool, error) {
	s, ok := t.st.streams[streamID]
	if !ok || s.DatesHash != datesHash {
		return false, nil
	}
	s.LastSyncedAt = &at
	s.UpdatedAt = at
	return true, nil
}

func (t *memTx) GetLink(ctx context.Context, groupID string) (*models.GroupStreamLink, error) {
	l, ok := t.st.links[groupID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *l
	return &c, nil
}

func (t *memTx) PutLink(ctx context.Context, l *models.GroupStreamLink) error {
	c := *l
	t.st.links[l.ScheduleGroupID] = &c
	return nil
}

func (t *memTx) DeleteLink(ctx context.Context, groupID string) error {
	delete(t.st.links, groupID)
	return nil
}

func (t *memTx) ListLinks(ctx context.Context) ([]*models.GroupStreamLink, error) {
	out := make([]*models.GroupStreamLink, 0, len(t.st.links))
	for _, id := range slices.Sorted(maps.Keys(t.st.links)) {
		c := *t.st.links[id]
		out = append(out, &c)
	}
	return out, nil
}

func (t *memTx) CountLinks(ctx context.Context, streamID string) (int, error) {
	n := 0
	for _, l := range t.st.links {
		if l.CalendarStreamID == streamID {
			n++
		}
	}
	return n, nil
}

func (t *memTx) ListEvents(ctx context.Context, streamID string) ([]*models.StreamEvent, error) {
	events := t.st.events[streamID]
	out := make([]*models.StreamEvent, 0, len(events))
	for _, e := range events {
		c := *e
		out = append(out, &c)
	}
	slices.SortFunc(out, func(a, b *models.StreamEvent) int { return a.Date.Compare(b.Date) })
	return out, nil
}

func (t *memTx) PutEvent(ctx context.Context, e *models.StreamEvent) error {
	events, ok := t.st.events[e.CalendarStreamID]
	if !ok {
		events = map[models.Date]*models.StreamEvent{}
		t.st.events[e.CalendarStreamID] = events
	}
	c := *e
	events[e.Date] = &c
	return nil
}

func (t *memTx) DeleteEvent(ctx context.Context, streamID string, date models.Date) error {
	delete(t.st.events[streamID], date)
	return nil
}

func sortStreams(streams []*models.CalendarStream) {
	slices.SortFunc(streams, func(a, b *models.CalendarStream) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
