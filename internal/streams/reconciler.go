package streams

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/moby/locker"

	"pickupcal/internal/models"
	"pickupcal/internal/store"
)

// Report counts what a reconciliation pass changed.
type Report struct {
	Healed    int // links dropped or created to repair consistency
	Refreshed int // streams whose shared pattern shifted in place
	Rescued   int // deprecating streams returned to active
	Moved     int // links re-pointed to another stream
	Created   int // streams created while splitting
	Orphaned  int // streams newly marked pending-clean
}

// Changed reports whether the pass mutated anything.
func (r Report) Changed() bool {
	return r != Report{}
}

// Reconciler re-partitions groups across streams after an ingestion batch.
// A pass is idempotent: running it again on unchanged input mutates nothing.
type Reconciler struct {
	logger   *slog.Logger
	clock    clock.Clock
	store    store.Store
	resolver *Resolver
	locks    *locker.Locker
	grace    time.Duration
}

// NewReconciler creates a Reconciler. locks is shared with the event
// synchronizer so a stream is never reconciled and synced at the same time.
func NewReconciler(logger *slog.Logger, clk clock.Clock, st store.Store, resolver *Resolver, locks *locker.Locker, grace time.Duration) *Reconciler {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Reconciler{
		logger:   logger,
		clock:    clk,
		store:    st,
		resolver: resolver,
		locks:    locks,
		grace:    grace,
	}
}

// Reconcile runs one pass in a single transaction. On error nothing is
// applied and the pass should be retried with the next ingestion.
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	unlock, err := r.lockStreams(ctx)
	if err != nil {
		return Report{}, err
	}
	defer unlock()

	var report Report
	err = r.store.Update(ctx, func(tx store.Tx) error {
		report = Report{}
		p := &pass{Reconciler: r, tx: tx, now: r.clock.Now().UTC(), report: &report}
		return p.run(ctx)
	})
	if err != nil {
		return Report{}, fmt.Errorf("reconcile calendar streams: %w", err)
	}
	if report.Changed() {
		r.logger.Info("Reconciled calendar streams.",
			"healed", report.Healed, "refreshed", report.Refreshed, "rescued", report.Rescued,
			"moved", report.Moved, "created", report.Created, "orphaned", report.Orphaned)
	} else {
		r.logger.Debug("Calendar streams already consistent.")
	}
	return report, nil
}

// lockStreams takes the per-stream locks of every existing stream in ID order.
func (r *Reconciler) lockStreams(ctx context.Context) (func(), error) {
	if r.locks == nil {
		return func() {}, nil
	}
	var ids []string
	err := r.store.View(ctx, func(tx store.Tx) error {
		all, err := tx.ListStreams(ctx, store.StreamFilter{})
		for _, s := range all {
			ids = append(ids, s.ID)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	slices.Sort(ids)
	for _, id := range ids {
		r.locks.Lock(id)
	}
	return func() {
		for _, id := range ids {
			_ = r.locks.Unlock(id)
		}
	}, nil
}

type pass struct {
	*Reconciler
	tx     store.Tx
	now    time.Time
	report *Report

	groups  map[string]*models.ScheduleGroup
	streams map[string]*models.CalendarStream
	// members maps stream ID to the IDs of the groups linked to it.
	members map[string][]string
}

func (p *pass) run(ctx context.Context) error {
	if err := p.load(ctx); err != nil {
		return err
	}
	if err := p.heal(ctx); err != nil {
		return err
	}
	for _, s := range p.ordered() {
		if len(p.members[s.ID]) == 0 {
			continue
		}
		if err := p.partition(ctx, s); err != nil {
			return fmt.Errorf("stream %s: %w", s.ID, err)
		}
	}
	if err := p.rescueLinked(ctx); err != nil {
		return err
	}
	if err := p.mergeDuplicates(ctx); err != nil {
		return err
	}
	return p.markOrphans(ctx)
}

func (p *pass) load(ctx context.Context) error {
	groups, err := p.tx.ListGroups(ctx)
	if err != nil {
		return fmt.Errorf("list groups: %w", err)
	}
	all, err := p.tx.ListStreams(ctx, store.StreamFilter{})
	if err != nil {
		return fmt.Errorf("list streams: %w", err)
	}
	links, err := p.tx.ListLinks(ctx)
	if err != nil {
		return fmt.Errorf("list links: %w", err)
	}

	p.groups = make(map[string]*models.ScheduleGroup, len(groups))
	for _, g := range groups {
		p.groups[g.ID] = g
	}
	p.streams = make(map[string]*models.CalendarStream, len(all))
	for _, s := range all {
		p.streams[s.ID] = s
	}
	p.members = make(map[string][]string)
	for _, l := range links {
		p.members[l.CalendarStreamID] = append(p.members[l.CalendarStreamID], l.ScheduleGroupID)
	}
	return nil
}

// heal drops links that point at missing records and resolves every group
// that ends up without a link.
func (p *pass) heal(ctx context.Context) error {
	linked := make(map[string]bool, len(p.groups))
	for streamID, groupIDs := range p.members {
		_, streamOK := p.streams[streamID]
		var keep []string
		for _, gid := range groupIDs {
			if _, ok := p.groups[gid]; ok && streamOK {
				keep = append(keep, gid)
				linked[gid] = true
				continue
			}
			p.logger.Warn("Dropping dangling group link.", "groupID", gid, "streamID", streamID)
			if err := p.tx.DeleteLink(ctx, gid); err != nil {
				return fmt.Errorf("delete link: %w", err)
			}
			p.report.Healed++
		}
		if len(keep) == 0 {
			delete(p.members, streamID)
		} else {
			p.members[streamID] = keep
		}
	}

	ids := make([]string, 0, len(p.groups))
	for id := range p.groups {
		if !linked[id] {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	for _, gid := range ids {
		g := p.groups[gid]
		target, err := p.resolver.streamFor(ctx, p.tx, g.WasteType, g.Dates, g.Label, "")
		if err != nil {
			return err
		}
		if err := p.resolver.link(ctx, p.tx, gid, target.ID); err != nil {
			return err
		}
		p.track(target)
		p.members[target.ID] = append(p.members[target.ID], gid)
		p.report.Healed++
	}
	return nil
}

// partition handles one linked stream: convergent groups refresh it in
// place, divergent partitions move to the stream of their own pattern.
func (p *pass) partition(ctx context.Context, s *models.CalendarStream) error {
	parts := make(map[string][]string)
	var hashes []string
	for _, gid := range p.members[s.ID] {
		h := p.groups[gid].DatesHash
		if _, ok := parts[h]; !ok {
			hashes = append(hashes, h)
		}
		parts[h] = append(parts[h], gid)
	}
	slices.Sort(hashes)

	if len(hashes) == 1 && hashes[0] != s.DatesHash {
		// The shared pattern itself shifted.
		h := hashes[0]
		if other := p.activeFor(s.WasteType, h, s.ID); other != nil {
			return p.move(ctx, parts[h], s, other)
		}
		s.SetDates(p.groups[parts[h][0]].Dates)
		s.LastSyncedAt = nil
		s.UpdatedAt = p.now
		p.report.Refreshed++
		p.logger.Info("Calendar stream pattern shifted; refreshing in place.", "streamID", s.ID, "datesHash", h)
		return p.tx.PutStream(ctx, s)
	}

	for _, h := range hashes {
		if h == s.DatesHash {
			continue
		}
		groupIDs := parts[h]
		first := p.groups[groupIDs[0]]
		target, err := p.target(ctx, s.WasteType, first.Dates, s.Label, s.ID)
		if err != nil {
			return err
		}
		if err := p.move(ctx, groupIDs, s, target); err != nil {
			return err
		}
	}
	return nil
}

// rescueLinked returns every deprecating stream that has links to active.
func (p *pass) rescueLinked(ctx context.Context) error {
	for _, s := range p.ordered() {
		if len(p.members[s.ID]) == 0 || !s.Deprecating() {
			continue
		}
		s.ClearPendingClean()
		s.UpdatedAt = p.now
		if err := p.tx.PutStream(ctx, s); err != nil {
			return fmt.Errorf("rescue stream: %w", err)
		}
		p.report.Rescued++
		p.logger.Info("Calendar stream regained links; back to active.", "streamID", s.ID)
	}
	return nil
}

// target returns the stream for a split-off pattern, creating it if needed.
func (p *pass) target(ctx context.Context, wasteType models.WasteType, dates models.DateSet, label, exclude string) (*models.CalendarStream, error) {
	_, existed := p.streamsByPattern(wasteType, dates.Hash(), exclude)
	t, err := p.resolver.streamFor(ctx, p.tx, wasteType, dates, label, exclude)
	if err != nil {
		return nil, err
	}
	if !existed {
		p.report.Created++
	}
	p.track(t)
	return t, nil
}

func (p *pass) streamsByPattern(wasteType models.WasteType, hash, exclude string) ([]*models.CalendarStream, bool) {
	var out []*models.CalendarStream
	for _, s := range p.streams {
		if s.ID != exclude && s.WasteType == wasteType && s.DatesHash == hash {
			out = append(out, s)
		}
	}
	return out, len(out) > 0
}

// activeFor returns the oldest active stream with the pattern, other than exclude.
func (p *pass) activeFor(wasteType models.WasteType, hash, exclude string) *models.CalendarStream {
	var best *models.CalendarStream
	candidates, _ := p.streamsByPattern(wasteType, hash, exclude)
	for _, s := range candidates {
		if s.Deprecating() {
			continue
		}
		if best == nil || older(s, best) {
			best = s
		}
	}
	return best
}

// move re-points groupIDs from one stream to another.
func (p *pass) move(ctx context.Context, groupIDs []string, from, to *models.CalendarStream) error {
	for _, gid := range groupIDs {
		if err := p.resolver.link(ctx, p.tx, gid, to.ID); err != nil {
			return err
		}
		p.report.Moved++
	}
	p.members[from.ID] = slices.DeleteFunc(p.members[from.ID], func(gid string) bool {
		return slices.Contains(groupIDs, gid)
	})
	p.members[to.ID] = append(p.members[to.ID], groupIDs...)
	return nil
}

// mergeDuplicates folds active streams sharing a pattern into the oldest one.
func (p *pass) mergeDuplicates(ctx context.Context) error {
	for _, s := range p.ordered() {
		if len(p.members[s.ID]) == 0 || s.Deprecating() {
			continue
		}
		oldest := p.activeFor(s.WasteType, s.DatesHash, "")
		if oldest == nil || oldest.ID == s.ID {
			continue
		}
		p.logger.Info("Merging duplicate calendar stream into oldest.", "streamID", s.ID, "into", oldest.ID)
		if err := p.move(ctx, slices.Clone(p.members[s.ID]), s, oldest); err != nil {
			return err
		}
	}
	return nil
}

// markOrphans starts the grace period of every active stream without links.
func (p *pass) markOrphans(ctx context.Context) error {
	for _, s := range p.ordered() {
		if len(p.members[s.ID]) > 0 || s.Deprecating() {
			continue
		}
		s.MarkPendingClean(p.now, p.grace)
		s.UpdatedAt = p.now
		if err := p.tx.PutStream(ctx, s); err != nil {
			return fmt.Errorf("mark pending clean: %w", err)
		}
		p.report.Orphaned++
		p.logger.Info("Calendar stream has no links; marked pending clean.",
			"streamID", s.ID, "deadline", s.PendingCleanDeadline)
	}
	return nil
}

func (p *pass) track(s *models.CalendarStream) {
	if _, ok := p.streams[s.ID]; !ok {
		p.streams[s.ID] = s
	}
}

// ordered returns the known streams, oldest first.
func (p *pass) ordered() []*models.CalendarStream {
	out := make([]*models.CalendarStream, 0, len(p.streams))
	for _, s := range p.streams {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *models.CalendarStream) int {
		if older(a, b) {
			return -1
		}
		if older(b, a) {
			return 1
		}
		return 0
	})
	return out
}

func older(a, b *models.CalendarStream) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
