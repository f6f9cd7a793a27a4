// Package orphans finds provider calendars that look like ours but that no
// stream in the store points at, and optionally deletes them.
package orphans

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"pickupcal/internal/calendar"
	"pickupcal/internal/models"
	"pickupcal/internal/store"
)

// Report lists what a sweep found and did.
type Report struct {
	Scanned int
	Known   int
	Orphans []calendar.Calendar
	Deleted []string
	Failed  []string
	DryRun  bool
}

// Cleaner sweeps the provider account for orphaned calendars.
type Cleaner struct {
	logger   *slog.Logger
	store    store.Store
	provider calendar.Provider
	filter   calendar.ListFilter
}

// DefaultFilter matches calendars titled after any known waste type.
func DefaultFilter() calendar.ListFilter {
	var names []string
	for _, name := range models.WasteTypes {
		names = append(names, name)
	}
	slices.Sort(names)
	return calendar.ListFilter{TitleContains: names}
}

// NewCleaner creates a Cleaner. An empty filter falls back to DefaultFilter.
func NewCleaner(logger *slog.Logger, st store.Store, provider calendar.Provider, filter calendar.ListFilter) *Cleaner {
	if len(filter.TitleContains) == 0 {
		filter = DefaultFilter()
	}
	return &Cleaner{logger: logger, store: st, provider: provider, filter: filter}
}

// Sweep lists matching provider calendars and deletes the ones the store
// does not know about. With dryRun nothing is deleted.
func (c *Cleaner) Sweep(ctx context.Context, dryRun bool) (Report, error) {
	report := Report{DryRun: dryRun}
	// Provider first: a calendar created in between is then already known.
	cals, err := c.provider.ListCalendars(ctx, c.filter)
	if err != nil {
		return report, fmt.Errorf("list provider calendars: %w", err)
	}
	known, err := c.knownCalendars(ctx)
	if err != nil {
		return report, err
	}
	report.Scanned = len(cals)

	for _, cal := range cals {
		if _, ok := known[cal.ID]; ok {
			report.Known++
			continue
		}
		report.Orphans = append(report.Orphans, cal)
		if dryRun {
			c.logger.Info("[DRY RUN] Would delete orphaned calendar.", "calendarID", cal.ID, "title", cal.Title)
			continue
		}
		err := c.provider.DeleteCalendar(ctx, cal.ID)
		switch {
		case err == nil || calendar.IsNotFound(err):
			report.Deleted = append(report.Deleted, cal.ID)
			c.logger.Info("Deleted orphaned calendar.", "calendarID", cal.ID, "title", cal.Title)
		case calendar.IsRateLimited(err):
			return report, fmt.Errorf("delete orphaned calendar %s: %w", cal.ID, err)
		default:
			report.Failed = append(report.Failed, cal.ID)
			c.logger.Error("Failed to delete orphaned calendar.", "calendarID", cal.ID, "error", err)
		}
	}

	c.logger.Info("Orphan sweep finished.", "scanned", report.Scanned, "known", report.Known,
		"orphans", len(report.Orphans), "deleted", len(report.Deleted), "failed", len(report.Failed), "dryRun", dryRun)
	return report, nil
}

func (c *Cleaner) knownCalendars(ctx context.Context) (map[string]struct{}, error) {
	known := map[string]struct{}{}
	err := c.store.View(ctx, func(tx store.Tx) error {
		all, err := tx.ListStreams(ctx, store.StreamFilter{})
		for _, s := range all {
			if s.ProviderCalendarID != "" {
				known[s.ProviderCalendarID] = struct{}{}
			}
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list known calendars: %w", err)
	}
	return known, nil
}
