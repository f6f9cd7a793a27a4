// Package ingest is the entry point of the ingestion collaborator: it
// validates a batch of schedules, upserts schedule groups, resolves their
// calendar streams and reconciles the result.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/containerd/errdefs"

	"pickupcal/internal/groups"
	"pickupcal/internal/metrics"
	"pickupcal/internal/models"
	"pickupcal/internal/store"
	"pickupcal/internal/streams"
)

// Report summarizes one batch.
type Report struct {
	Rows      int
	Changed   int
	Unchanged int
	// Rejected rows failed validation and are not retried.
	Rejected int
	// Failed rows hit a storage error and should be ingested again.
	Failed    int
	Reconcile streams.Report
}

// Pipeline applies ingestion batches.
type Pipeline struct {
	logger     *slog.Logger
	store      store.Store
	groups     *groups.Store
	resolver   *streams.Resolver
	reconciler *streams.Reconciler
	metrics    *metrics.Metrics
}

// NewPipeline creates a Pipeline.
func NewPipeline(logger *slog.Logger, st store.Store, g *groups.Store, resolver *streams.Resolver, reconciler *streams.Reconciler, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		logger:     logger,
		store:      st,
		groups:     g,
		resolver:   resolver,
		reconciler: reconciler,
		metrics:    m,
	}
}

// Apply ingests rows one by one, each in its own transaction, then runs
// one reconciliation pass. A bad row never stops the batch.
func (p *Pipeline) Apply(ctx context.Context, rows []Row) (Report, error) {
	report := Report{Rows: len(rows)}
	for i, row := range rows {
		changed, err := p.applyRow(ctx, row)
		switch {
		case err == nil && changed:
			report.Changed++
		case err == nil:
			report.Unchanged++
		case errdefs.IsInvalidArgument(err):
			report.Rejected++
			p.logger.Warn("Rejected schedule row.", "row", i+1, "identityKey", row.IdentityKey, "error", err)
		default:
			report.Failed++
			p.logger.Error("Failed to ingest schedule row.", "row", i+1, "identityKey", row.IdentityKey, "error", err)
		}
	}

	rec, err := p.reconciler.Reconcile(ctx)
	if err != nil {
		return report, err
	}
	report.Reconcile = rec
	p.metrics.Reconciled(map[string]int{
		"healed": rec.Healed, "refreshed": rec.Refreshed, "rescued": rec.Rescued,
		"moved": rec.Moved, "created": rec.Created, "orphaned": rec.Orphaned,
	})
	p.logger.Info("Ingested schedule batch.", "rows", report.Rows, "changed", report.Changed,
		"unchanged", report.Unchanged, "rejected", report.Rejected, "failed", report.Failed)
	return report, nil
}

func (p *Pipeline) applyRow(ctx context.Context, row Row) (bool, error) {
	wasteType, err := models.ParseWasteType(row.WasteType)
	if err != nil {
		return false, err
	}
	dates, err := models.ParseDateSet(row.Dates)
	if err != nil {
		return false, fmt.Errorf("%w: %w", errdefs.ErrInvalidArgument, err)
	}

	var changed bool
	err = p.store.Update(ctx, func(tx store.Tx) error {
		id, ch, err := p.groups.Upsert(ctx, tx, row.IdentityKey, wasteType, dates, row.Label)
		if err != nil {
			return err
		}
		changed = ch
		if !ch {
			_, err := tx.GetLink(ctx, id)
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		_, err = p.resolver.Resolve(ctx, tx, id, wasteType, dates, row.Label)
		return err
	})
	return changed, err
}
