package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/containerd/errdefs"
	"golang.org/x/time/rate"

	"pickupcal/internal/metrics"
	"pickupcal/internal/models"
)

// Guarded wraps a Provider so every call passes the shared throttle, carries
// a timeout and is recorded in metrics.
type Guarded struct {
	next    Provider
	logger  *slog.Logger
	clock   clock.Clock
	limiter *rate.Limiter
	timeout time.Duration
	metrics *metrics.Metrics
}

// GuardOptions configures NewGuarded. Zero values disable the limit.
type GuardOptions struct {
	// Interval is the minimum spacing between calls.
	Interval time.Duration
	// Timeout bounds each call.
	Timeout time.Duration
	Metrics *metrics.Metrics
	Clock   clock.Clock
}

// NewGuarded wraps next.
func NewGuarded(next Provider, logger *slog.Logger, opts GuardOptions) *Guarded {
	limit := rate.Inf
	if opts.Interval > 0 {
		limit = rate.Every(opts.Interval)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Guarded{
		next:    next,
		logger:  logger,
		clock:   clk,
		limiter: rate.NewLimiter(limit, 1),
		timeout: opts.Timeout,
		metrics: opts.Metrics,
	}
}

func (g *Guarded) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: wait for throttle: %w", op, err)
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	start := g.clock.Now()
	err := fn(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %s timed out after %s: %w", errdefs.ErrUnavailable, op, g.timeout, err)
	}
	result := resultLabel(err)
	g.metrics.ObserveCall(op, result, g.clock.Since(start))
	if err != nil {
		g.logger.Debug("Calendar provider call failed.", "op", op, "result", result, "error", err)
	}
	return err
}

func (g *Guarded) CreateCalendar(ctx context.Context, title, description string) (id string, err error) {
	err = g.call(ctx, "create_calendar", func(ctx context.Context) error {
		id, err = g.next.CreateCalendar(ctx, title, description)
		return err
	})
	return id, err
}

func (g *Guarded) SetPublicReadAccess(ctx context.Context, calendarID string) error {
	return g.call(ctx, "set_public_read", func(ctx context.Context) error {
		return g.next.SetPublicReadAccess(ctx, calendarID)
	})
}

func (g *Guarded) CreateEvent(ctx context.Context, calendarID string, ev models.Event) (id string, err error) {
	err = g.call(ctx, "create_event", func(ctx context.Context) error {
		id, err = g.next.CreateEvent(ctx, calendarID, ev)
		return err
	})
	return id, err
}

func (g *Guarded) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	return g.call(ctx, "delete_event", func(ctx context.Context) error {
		return g.next.DeleteEvent(ctx, calendarID, eventID)
	})
}

func (g *Guarded) DeleteCalendar(ctx context.Context, calendarID string) error {
	return g.call(ctx, "delete_calendar", func(ctx context.Context) error {
		return g.next.DeleteCalendar(ctx, calendarID)
	})
}

func (g *Guarded) ListCalendars(ctx context.Context, filter ListFilter) (cals []Calendar, err error) {
	err = g.call(ctx, "list_calendars", func(ctx context.Context) error {
		cals, err = g.next.ListCalendars(ctx, filter)
		return err
	})
	return cals, err
}

func (g *Guarded) SubscriptionURL(calendarID string) string {
	return g.next.SubscriptionURL(calendarID)
}
