package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sessionColumns = "id, started_at, finished_at, folder_count, image_count"

func scanSession(scanner interface{ Scan(dest ...any) error }) (*ImportSession, error) {
	var (
		id          int64
		startedRaw  sql.NullString
		finishedRaw sql.NullString
		folderCount sql.NullInt64
		imageCount  sql.NullInt64
	)
	if err := scanner.Scan(&id, &startedRaw, &finishedRaw, &folderCount, &imageCount); err != nil {
		return nil, err
	}
	session := &ImportSession{
		ID:          id,
		FolderCount: int(folderCount.Int64),
		ImageCount:  int(imageCount.Int64),
	}
	if started, err := parseTimeString(startedRaw.String); err == nil {
		session.StartedAt = started
	}
	session.FinishedAt = timePtr(finishedRaw)
	return session, nil
}

// CreateSession inserts a new import session with the declared folder count.
func (s *Store) CreateSession(ctx context.Context, folderCount int) (*ImportSession, error) {
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO import_session (started_at, folder_count, image_count) VALUES (?, ?, 0)`,
		timestamp,
		folderCount,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.SessionByID(ctx, id)
}

// SessionByID fetches an import session by identifier. A missing session
// yields (nil, nil).
func (s *Store) SessionByID(ctx context.Context, id int64) (*ImportSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM import_session WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// FinishSession stamps the session's finished_at marker. Finishing an already
// finished session is a no-op.
func (s *Store) FinishSession(ctx context.Context, id int64) error {
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.execWithoutResultRetry(
		ctx,
		`UPDATE import_session SET finished_at = ? WHERE id = ? AND finished_at IS NULL`,
		timestamp,
		id,
	); err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	return nil
}

// ListSessions returns all import sessions ordered by start time.
func (s *Store) ListSessions(ctx context.Context) ([]*ImportSession, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM import_session ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*ImportSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}
