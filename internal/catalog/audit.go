package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// defaultActor is recorded when no explicit actor accompanies an audit entry.
const defaultActor = "facet"

// AppendAudit records one immutable decision in the audit log. Details may be
// any JSON-marshalable value; nil leaves the column empty. No code path in
// this package updates or deletes audit rows.
func (s *Store) AppendAudit(ctx context.Context, action, entityType string, entityID *int64, details any) error {
	var detailsJSON any
	if details != nil {
		encoded, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		detailsJSON = string(encoded)
	}
	if err := s.execWithoutResultRetry(
		ctx,
		`INSERT INTO audit_log (created_at, action, entity_type, entity_id, details, actor) VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano),
		action,
		entityType,
		nullableInt64(entityID),
		detailsJSON,
		defaultActor,
	); err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// ListAudit returns the most recent audit entries, newest first. A limit of
// zero or less returns everything.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]*AuditEntry, error) {
	query := `SELECT id, created_at, action, entity_type, entity_id, details, actor FROM audit_log ORDER BY id DESC`
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, query+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var (
			entry      AuditEntry
			createdRaw sql.NullString
			entityID   sql.NullInt64
			details    sql.NullString
			actor      sql.NullString
		)
		if err := rows.Scan(&entry.ID, &createdRaw, &entry.Action, &entry.EntityType, &entityID, &details, &actor); err != nil {
			return nil, err
		}
		if created, err := parseTimeString(createdRaw.String); err == nil {
			entry.CreatedAt = created
		}
		entry.EntityID = int64Ptr(entityID)
		entry.Details = details.String
		entry.Actor = actor.String
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
