package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"calsync/internal/model"
)

const entityColumns = `kind, id, parent_id, title, description, start_at, end_at, time_zone, location, latitude, longitude, recurrence_rule`

// GetEntity returns the catalog entry for ref or model.ErrEntityNotFound.
func (s *Store) GetEntity(ctx context.Context, ref model.Ref) (model.Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entityColumns+`
		FROM entities
		WHERE kind = ? AND id = ?
	`, string(ref.Kind), ref.ID)

	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Entity{}, fmt.Errorf("%w: %s", model.ErrEntityNotFound, ref)
	}
	if err != nil {
		return model.Entity{}, fmt.Errorf("get entity %s: %w", ref, err)
	}
	return e, nil
}

// ListEntities returns every entity of kind ordered by start time. An empty
// parentID lists all of them.
func (s *Store) ListEntities(ctx context.Context, kind model.EntityKind, parentID string) ([]model.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE kind = ?`
	args := []any{string(kind)}
	if parentID != "" {
		query += ` AND parent_id = ?`
		args = append(args, parentID)
	}
	query += ` ORDER BY start_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	out := make([]model.Entity, 0)
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("list entities: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	return out, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpsertEntity inserts or replaces a catalog entry.
func (s *Store) UpsertEntity(ctx context.Context, e model.Entity) error {
	return s.upsertEntity(ctx, s.db, e)
}

func (s *Store) upsertEntity(ctx context.Context, ex execer, e model.Entity) error {
	if e.ID == "" {
		return errors.New("upsert entity: id is required")
	}
	if e.Kind != model.KindEvent && e.Kind != model.KindAgendaItem {
		return fmt.Errorf("upsert entity: unknown kind %q", e.Kind)
	}

	var lat, lon sql.NullFloat64
	if e.Coordinates != nil {
		lat = sql.NullFloat64{Float64: e.Coordinates.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: e.Coordinates.Longitude, Valid: true}
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO entities
		(`+entityColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			parent_id       = excluded.parent_id,
			title           = excluded.title,
			description     = excluded.description,
			start_at        = excluded.start_at,
			end_at          = excluded.end_at,
			time_zone       = excluded.time_zone,
			location        = excluded.location,
			latitude        = excluded.latitude,
			longitude       = excluded.longitude,
			recurrence_rule = excluded.recurrence_rule,
			updated_at      = excluded.updated_at
	`,
		string(e.Kind),
		e.ID,
		e.ParentID,
		e.Title,
		e.Description,
		nullTime(e.Start),
		nullTime(e.End),
		e.TimeZone,
		e.Location,
		lat,
		lon,
		e.RecurrenceRule,
		formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("upsert entity %s: %w", e.Ref(), err)
	}
	return nil
}

// UpsertEntities writes entities in one transaction.
func (s *Store) UpsertEntities(ctx context.Context, entities []model.Entity) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert entities: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entities {
		if err := s.upsertEntity(ctx, tx, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (model.Entity, error) {
	var (
		e          model.Entity
		kind       string
		start, end sql.NullString
		lat, lon   sql.NullFloat64
	)
	if err := row.Scan(&kind, &e.ID, &e.ParentID, &e.Title, &e.Description, &start, &end, &e.TimeZone, &e.Location, &lat, &lon, &e.RecurrenceRule); err != nil {
		return model.Entity{}, err
	}
	e.Kind = model.EntityKind(kind)

	var err error
	if e.Start, err = parseTime(start); err != nil {
		return model.Entity{}, fmt.Errorf("start_at: %w", err)
	}
	if e.End, err = parseTime(end); err != nil {
		return model.Entity{}, fmt.Errorf("end_at: %w", err)
	}
	if lat.Valid && lon.Valid {
		e.Coordinates = &model.Coordinates{Latitude: lat.Float64, Longitude: lon.Float64}
	}
	return e, nil
}
