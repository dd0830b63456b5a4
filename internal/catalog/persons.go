package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreatePerson inserts a person row and returns it.
func (s *Store) CreatePerson(ctx context.Context, name string) (*Person, error) {
	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO person (name, created_at) VALUES (?, ?)`,
		name,
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert person: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return &Person{ID: id, Name: name, CreatedAt: now}, nil
}

// PersonByID fetches a person by identifier. A missing row yields (nil, nil).
func (s *Store) PersonByID(ctx context.Context, id int64) (*Person, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM person WHERE id = ?`, id)
	person, err := scanPerson(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get person: %w", err)
	}
	return person, nil
}

// ListPersons returns every person ordered by name.
func (s *Store) ListPersons(ctx context.Context) ([]*Person, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM person ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list persons: %w", err)
	}
	defer rows.Close()

	var persons []*Person
	for rows.Next() {
		person, err := scanPerson(rows)
		if err != nil {
			return nil, err
		}
		persons = append(persons, person)
	}
	return persons, rows.Err()
}

func scanPerson(scanner interface{ Scan(dest ...any) error }) (*Person, error) {
	var (
		id         int64
		name       string
		createdRaw sql.NullString
	)
	if err := scanner.Scan(&id, &name, &createdRaw); err != nil {
		return nil, err
	}
	person := &Person{ID: id, Name: name}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		person.CreatedAt = created
	}
	return person, nil
}
