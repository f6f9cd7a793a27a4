package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pickupcal/internal/models"
	"pickupcal/internal/store"
)

type sqlTx struct {
	tx     *sql.Tx
	driver string
}

func (t *sqlTx) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, rebind(t.driver, query), args...)
	if err != nil {
		return nil, &store.StorageError{Op: op, Err: err}
	}
	return res, nil
}

func (t *sqlTx) query(ctx context.Context, op, query string, args ...any) (*sql.Rows, error) {
	rows, err := t.tx.QueryContext(ctx, rebind(t.driver, query), args...)
	if err != nil {
		return nil, &store.StorageError{Op: op, Err: err}
	}
	return rows, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func encodeDates(d models.DateSet) string { return strings.Join(d.Strings(), ",") }

func decodeDates(s string) (models.DateSet, error) {
	if s == "" {
		return models.DateSet{}, nil
	}
	return models.ParseDateSet(strings.Split(s, ","))
}

// Schedule groups.

const groupColumns = `id, waste_type, identity_key, dates, dates_hash, label, created_at, updated_at`

func scanGroup(sc scanner) (*models.ScheduleGroup, error) {
	var (
		g                    models.ScheduleGroup
		wasteType, dates     string
		createdAt, updatedAt string
	)
	if err := sc.Scan(&g.ID, &wasteType, &g.IdentityKey, &dates, &g.DatesHash, &g.Label, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	g.WasteType = models.WasteType(wasteType)
	var err error
	if g.Dates, err = decodeDates(dates); err != nil {
		return nil, err
	}
	if g.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if g.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &g, nil
}

func (t *sqlTx) GetGroup(ctx context.Context, id string) (*models.ScheduleGroup, error) {
	row := t.tx.QueryRowContext(ctx, rebind(t.driver, `SELECT `+groupColumns+` FROM schedule_groups WHERE id = ?`), id)
	g, err := scanGroup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, &store.StorageError{Op: "get group", Err: err}
	}
	return g, nil
}

func (t *sqlTx) PutGroup(ctx context.Context, g *models.ScheduleGroup) error {
	_, err := t.exec(ctx, "put group", `INSERT INTO schedule_groups (`+groupColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			dates = excluded.dates,
			dates_hash = excluded.dates_hash,
			label = excluded.label,
			updated_at = excluded.updated_at`,
		g.ID, string(g.WasteType), g.IdentityKey, encodeDates(g.Dates), g.DatesHash, g.Label,
		formatTime(g.CreatedAt), formatTime(g.UpdatedAt))
	return err
}

func (t *sqlTx) ListGroups(ctx context.Context) ([]*models.ScheduleGroup, error) {
	rows, err := t.query(ctx, "list groups", `SELECT `+groupColumns+` FROM schedule_groups ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*models.ScheduleGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, &store.StorageError{Op: "scan group", Err: err}
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.StorageError{Op: "list groups", Err: err}
	}
	return out, nil
}

// Calendar streams.

const streamColumns = `id, waste_type, dates, dates_hash, label, provider_calendar_id,
	last_synced_at, access_granted_at, pending_clean_started_at, pending_clean_deadline,
	notice_sent_at, notice_event_ids, created_at, updated_at`

func scanStream(sc scanner) (*models.CalendarStream, error) {
	var (
		s                                          models.CalendarStream
		wasteType, dates, notices                  string
		createdAt, updatedAt                       string
		lastSynced, granted, started, deadline, ns sql.NullString
	)
	if err := sc.Scan(&s.ID, &wasteType, &dates, &s.DatesHash, &s.Label, &s.ProviderCalendarID,
		&lastSynced, &granted, &started, &deadline, &ns, &notices, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	s.WasteType = models.WasteType(wasteType)
	var err error
	if s.Dates, err = decodeDates(dates); err != nil {
		return nil, err
	}
	if notices != "" {
		if err := json.Unmarshal([]byte(notices), &s.NoticeEventIDs); err != nil {
			return nil, fmt.Errorf("decode notice ids: %w", err)
		}
	}
	for _, f := range []struct {
		dst **time.Time
		src sql.NullString
	}{
		{&s.LastSyncedAt, lastSynced},
		{&s.AccessGrantedAt, granted},
		{&s.PendingCleanStartedAt, started},
		{&s.PendingCleanDeadline, deadline},
		{&s.NoticeSentAt, ns},
	} {
		if *f.dst, err = parseTimePtr(f.src); err != nil {
			return nil, err
		}
	}
	if s.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *sqlTx) listStreams(ctx context.Context, op, where string, args ...any) ([]*models.CalendarStream, error) {
	q := `SELECT ` + streamColumns + ` FROM calendar_streams`
	if where != "" {
		q += ` WHERE ` + where
	}
	q += ` ORDER BY created_at, id`
	rows, err := t.query(ctx, op, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*models.CalendarStream
	for rows.Next() {
		s, err := scanStream(rows)
		if err != nil {
			return nil, &store.StorageError{Op: "scan stream", Err: err}
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.StorageError{Op: op, Err: err}
	}
	return out, nil
}

func (t *sqlTx) GetStream(ctx context.Context, id string) (*models.CalendarStream, error) {
	row := t.tx.QueryRowContext(ctx, rebind(t.driver, `SELECT `+streamColumns+` FROM calendar_streams WHERE id = ?`), id)
	s, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, &store.StorageError{Op: "get stream", Err: err}
	}
	return s, nil
}

func (t *sqlTx) PutStream(ctx context.Context, s *models.CalendarStream) error {
	notices := ""
	if len(s.NoticeEventIDs) > 0 {
		b, err := json.Marshal(s.NoticeEventIDs)
		if err != nil {
			return fmt.Errorf("encode notice ids: %w", err)
		}
		notices = string(b)
	}
	_, err := t.exec(ctx, "put stream", `INSERT INTO calendar_streams (`+streamColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			dates = excluded.dates,
			dates_hash = excluded.dates_hash,
			label = excluded.label,
			provider_calendar_id = excluded.provider_calendar_id,
			last_synced_at = excluded.last_synced_at,
			access_granted_at = excluded.access_granted_at,
			pending_clean_started_at = excluded.pending_clean_started_at,
			pending_clean_deadline = excluded.pending_clean_deadline,
			notice_sent_at = excluded.notice_sent_at,
			notice_event_ids = excluded.notice_event_ids,
			updated_at = excluded.updated_at`,
		s.ID, string(s.WasteType), encodeDates(s.Dates), s.DatesHash, s.Label, s.ProviderCalendarID,
		formatTimePtr(s.LastSyncedAt), formatTimePtr(s.AccessGrantedAt),
		formatTimePtr(s.PendingCleanStartedAt), formatTimePtr(s.PendingCleanDeadline),
		formatTimePtr(s.NoticeSentAt), notices, formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
	return err
}

func (t *sqlTx) DeleteStream(ctx context.Context, id string) error {
	if _, err := t.exec(ctx, "delete stream events", `DELETE FROM stream_events WHERE calendar_stream_id = ?`, id); err != nil {
		return err
	}
	if _, err := t.exec(ctx, "delete stream links", `DELETE FROM group_stream_links WHERE calendar_stream_id = ?`, id); err != nil {
		return err
	}
	_, err := t.exec(ctx, "delete stream", `DELETE FROM calendar_streams WHERE id = ?`, id)
	return err
}

func (t *sqlTx) ListStreams(ctx context.Context, filter store.StreamFilter) ([]*models.CalendarStream, error) {
	var conds []string
	if filter.NeedsSync {
		conds = append(conds, `(pending_clean_started_at IS NULL AND (provider_calendar_id = '' OR last_synced_at IS NULL))`)
	}
	if filter.Deprecating {
		conds = append(conds, `pending_clean_started_at IS NOT NULL`)
	}
	if filter.WithNotices {
		conds = append(conds, `(pending_clean_started_at IS NULL AND notice_event_ids <> '')`)
	}
	return t.listStreams(ctx, "list streams", strings.Join(conds, " OR "))
}

func (t *sqlTx) FindStreams(ctx context.Context, wasteType models.WasteType, datesHash string) ([]*models.CalendarStream, error) {
	return t.listStreams(ctx, "find streams", `waste_type = ? AND dates_hash = ?`, string(wasteType), datesHash)
}

func (t *sqlTx) MarkSynced(ctx context.Context, streamID, datesHash string, at time.Time) (bool, error) {
	res, err := t.exec(ctx, "mark synced", `UPDATE calendar_streams
		SET last_synced_at = ?, updated_at = ?
		WHERE id = ? AND dates_hash = ?`,
		formatTime(at), formatTime(at), streamID, datesHash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &store.StorageError{Op: "mark synced", Err: err}
	}
	return n > 0, nil
}

// Group links.

func scanLink(sc scanner) (*models.GroupStreamLink, error) {
	var (
		l                    models.GroupStreamLink
		createdAt, updatedAt string
	)
	if err := sc.Scan(&l.ScheduleGroupID, &l.CalendarStreamID, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if l.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if l.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &l, nil
}

func (t *sqlTx) GetLink(ctx context.Context, groupID string) (*models.GroupStreamLink, error) {
	row := t.tx.QueryRowContext(ctx, rebind(t.driver, `SELECT schedule_group_id, calendar_stream_id, created_at, updated_at
		FROM group_stream_links WHERE schedule_group_id = ?`), groupID)
	l, err := scanLink(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, &store.StorageError{Op: "get link", Err: err}
	}
	return l, nil
}

func (t *sqlTx) PutLink(ctx context.Context, l *models.GroupStreamLink) error {
	_, err := t.exec(ctx, "put link", `INSERT INTO group_stream_links (schedule_group_id, calendar_stream_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (schedule_group_id) DO UPDATE SET
			calendar_stream_id = excluded.calendar_stream_id,
			updated_at = excluded.updated_at`,
		l.ScheduleGroupID, l.CalendarStreamID, formatTime(l.CreatedAt), formatTime(l.UpdatedAt))
	return err
}

func (t *sqlTx) DeleteLink(ctx context.Context, groupID string) error {
	_, err := t.exec(ctx, "delete link", `DELETE FROM group_stream_links WHERE schedule_group_id = ?`, groupID)
	return err
}

func (t *sqlTx) ListLinks(ctx context.Context) ([]*models.GroupStreamLink, error) {
	rows, err := t.query(ctx, "list links", `SELECT schedule_group_id, calendar_stream_id, created_at, updated_at
		FROM group_stream_links ORDER BY schedule_group_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*models.GroupStreamLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, &store.StorageError{Op: "scan link", Err: err}
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.StorageError{Op: "list links", Err: err}
	}
	return out, nil
}

func (t *sqlTx) CountLinks(ctx context.Context, streamID string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, rebind(t.driver, `SELECT COUNT(*) FROM group_stream_links WHERE calendar_stream_id = ?`), streamID).Scan(&n)
	if err != nil {
		return 0, &store.StorageError{Op: "count links", Err: err}
	}
	return n, nil
}

// Stream events.

func (t *sqlTx) ListEvents(ctx context.Context, streamID string) ([]*models.StreamEvent, error) {
	rows, err := t.query(ctx, "list events", `SELECT calendar_stream_id, date, provider_event_id, status, error_detail, updated_at
		FROM stream_events WHERE calendar_stream_id = ? ORDER BY date`, streamID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []*models.StreamEvent
	for rows.Next() {
		var (
			e                       models.StreamEvent
			date, status, updatedAt string
		)
		if err := rows.Scan(&e.CalendarStreamID, &date, &e.ProviderEventID, &status, &e.ErrorDetail, &updatedAt); err != nil {
			return nil, &store.StorageError{Op: "scan event", Err: err}
		}
		if e.Date, err = models.ParseDate(date); err != nil {
			return nil, &store.StorageError{Op: "scan event", Err: err}
		}
		if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, &store.StorageError{Op: "scan event", Err: err}
		}
		e.Status = models.EventStatus(status)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, &store.StorageError{Op: "list events", Err: err}
	}
	return out, nil
}

func (t *sqlTx) PutEvent(ctx context.Context, e *models.StreamEvent) error {
	_, err := t.exec(ctx, "put event", `INSERT INTO stream_events (calendar_stream_id, date, provider_event_id, status, error_detail, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (calendar_stream_id, date) DO UPDATE SET
			provider_event_id = excluded.provider_event_id,
			status = excluded.status,
			error_detail = excluded.error_detail,
			updated_at = excluded.updated_at`,
		e.CalendarStreamID, e.Date.String(), e.ProviderEventID, string(e.Status), e.ErrorDetail, formatTime(e.UpdatedAt))
	return err
}

func (t *sqlTx) DeleteEvent(ctx context.Context, streamID string, date models.Date) error {
	_, err := t.exec(ctx, "delete event", `DELETE FROM stream_events WHERE calendar_stream_id = ? AND date = ?`, streamID, date.String())
	return err
}
