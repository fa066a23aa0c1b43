package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"payline/internal/domain"
)

func (r Repo) LatestEvents(ctx context.Context, limit int, poolID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, poolID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, poolID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if poolID != "" {
		clauses = append(clauses, "pool_id=?")
		args = append(args, poolID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,pool_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, poolID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if poolID != "" {
		clauses = append(clauses, "pool_id=?")
		args = append(args, poolID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,pool_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func scanEvent(rows *sql.Rows) (domain.Event, error) {
	var e domain.Event
	var poolID, entityID, payload sql.NullString
	if err := rows.Scan(&e.ID, &e.TS, &e.Type, &poolID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
		return e, err
	}
	if poolID.Valid {
		e.PoolID = poolID.String
	}
	if entityID.Valid {
		e.EntityID = entityID.String
	}
	if payload.Valid {
		e.Payload = payload.String
	}
	return e, nil
}

// LatestEventID returns the most recent event ID, optionally scoped to a pool.
func (r Repo) LatestEventID(ctx context.Context, poolID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if poolID != "" {
		query += ` WHERE pool_id=?`
		args = append(args, poolID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// GetWebhookCursor returns the last delivered event ID for a webhook URL.
func (r Repo) GetWebhookCursor(ctx context.Context, url string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_event_id FROM webhook_cursors WHERE url=?`, url).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return id, err
}

// SetWebhookCursor records the last delivered event ID for a webhook URL.
func (r Repo) SetWebhookCursor(ctx context.Context, url string, id int64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(url,last_event_id) VALUES (?,?)
ON CONFLICT(url) DO UPDATE SET last_event_id=excluded.last_event_id`, url, id)
	return err
}
