package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"calsync/internal/ledger"
	"calsync/internal/model"
)

// Ledger returns the ledger client for one entity kind.
func (s *Store) Ledger(kind model.EntityKind) ledger.Client {
	return &kindLedger{s: s, kind: kind}
}

type kindLedger struct {
	s    *Store
	kind model.EntityKind
}

const recordColumns = `entity_id, parent_id, native_event_id, native_calendar_id, platform, status, synced_at`

func (l *kindLedger) GetMySyncedRecords(ctx context.Context) ([]ledger.Record, error) {
	return l.s.queryRecords(ctx, `
		SELECT `+recordColumns+`
		FROM sync_records
		WHERE kind = ?
		ORDER BY entity_id
	`, string(l.kind))
}

func (l *kindLedger) GetSyncedForParent(ctx context.Context, parentID string) ([]ledger.Record, error) {
	return l.s.queryRecords(ctx, `
		SELECT `+recordColumns+`
		FROM sync_records
		WHERE kind = ? AND parent_id = ?
		ORDER BY entity_id
	`, string(l.kind), parentID)
}

// RecordSync upserts the record and resets it to SYNCED.
func (l *kindLedger) RecordSync(ctx context.Context, in ledger.RecordSyncInput) error {
	if in.EntityID == "" || in.NativeEventID == "" {
		return errors.New("record sync: entity id and native event id are required")
	}
	_, err := l.s.db.ExecContext(ctx, `
		INSERT INTO sync_records
		(kind, entity_id, parent_id, native_event_id, native_calendar_id, platform, status, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, entity_id) DO UPDATE SET
			parent_id          = excluded.parent_id,
			native_event_id    = excluded.native_event_id,
			native_calendar_id = excluded.native_calendar_id,
			platform           = excluded.platform,
			status             = excluded.status,
			synced_at          = excluded.synced_at
	`,
		string(l.kind),
		in.EntityID,
		in.ParentID,
		in.NativeEventID,
		in.NativeCalendarID,
		in.Platform,
		string(ledger.StatusSynced),
		formatTime(l.s.now()),
	)
	if err != nil {
		return fmt.Errorf("record sync: %w", err)
	}
	return nil
}

// RemoveSync deletes the record. Removing an absent record is not an error.
func (l *kindLedger) RemoveSync(ctx context.Context, entityID string) error {
	if _, err := l.s.db.ExecContext(ctx, `DELETE FROM sync_records WHERE kind = ? AND entity_id = ?`, string(l.kind), entityID); err != nil {
		return fmt.Errorf("remove sync: %w", err)
	}
	return nil
}

// MarkStatus flags a record the way the server does when an entity is
// deleted or edited after it was synced.
func (s *Store) MarkStatus(ctx context.Context, kind model.EntityKind, entityID string, status ledger.Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_records SET status = ? WHERE kind = ? AND entity_id = ?
	`, string(status), string(kind), entityID)
	if err != nil {
		return fmt.Errorf("mark status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrRecordNotFound, kind, entityID)
	}
	return nil
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]ledger.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sync records: %w", err)
	}
	defer rows.Close()

	out := make([]ledger.Record, 0)
	for rows.Next() {
		var (
			r        ledger.Record
			status   string
			syncedAt sql.NullString
		)
		if err := rows.Scan(&r.EntityID, &r.ParentID, &r.NativeEventID, &r.NativeCalendarID, &r.Platform, &status, &syncedAt); err != nil {
			return nil, fmt.Errorf("scan sync record: %w", err)
		}
		if r.Status, err = ledger.ParseStatus(status); err != nil {
			return nil, err
		}
		if r.SyncedAt, err = parseTime(syncedAt); err != nil {
			return nil, fmt.Errorf("sync record %s: synced_at: %w", r.EntityID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync records: %w", err)
	}
	return out, nil
}
