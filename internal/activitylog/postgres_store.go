package activitylog

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/quizlive/integrity/internal/pagination"
	"github.com/quizlive/integrity/internal/telemetry"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed activity log store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const eventColumns = `
	id, session_id, user_id, user_display_name, activity_type, severity,
	COALESCE(details::TEXT, '{}'), occurred_at,
	acknowledged, COALESCE(acknowledged_by, ''), acknowledged_at, COALESCE(notes, '')
`

func (s *PostgresStore) Append(ctx context.Context, event *telemetry.Event) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		// Opaque payloads are stored as-is for forensics, but they must at
		// least be JSON-encodable to reach the column.
		details = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO telemetry_events
			(id, session_id, user_id, user_display_name, activity_type, severity, details, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::JSONB, $8)
	`, event.ID, event.SessionID, event.UserID, event.UserDisplayName,
		string(event.ActivityType), string(event.Severity), string(details), event.OccurredAt)
	return err
}

func (s *PostgresStore) BySession(ctx context.Context, sessionID string, limit int, cursor *pagination.Cursor) ([]*telemetry.Event, error) {
	if limit <= 0 {
		limit = 1000
	}

	var rows *sql.Rows
	var err error
	if cursor != nil {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+eventColumns+`
			FROM telemetry_events
			WHERE session_id = $1 AND (occurred_at, id) < ($2, $3)
			ORDER BY occurred_at DESC, id DESC
			LIMIT $4
		`, sessionID, cursor.CreatedAt, cursor.ID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+eventColumns+`
			FROM telemetry_events
			WHERE session_id = $1
			ORDER BY occurred_at DESC, id DESC
			LIMIT $2
		`, sessionID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

func (s *PostgresStore) ByUser(ctx context.Context, sessionID, userID string) ([]*telemetry.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM telemetry_events
		WHERE session_id = $1 AND user_id = $2
		ORDER BY occurred_at DESC, id DESC
	`, sessionID, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

func (s *PostgresStore) Get(ctx context.Context, eventID string) (*telemetry.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM telemetry_events
		WHERE id = $1
	`, eventID)

	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	return event, err
}

func (s *PostgresStore) Acknowledge(ctx context.Context, eventID, reviewer, notes string) (*telemetry.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE telemetry_events
		SET acknowledged = TRUE, acknowledged_by = $2, acknowledged_at = NOW(), notes = $3
		WHERE id = $1
		RETURNING `+eventColumns+`
	`, eventID, reviewer, notes)

	event, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	return event, err
}

func (s *PostgresStore) CountByUserAndType(ctx context.Context, sessionID, userID string, t telemetry.ActivityType) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM telemetry_events
		WHERE session_id = $1 AND user_id = $2 AND activity_type = $3
	`, sessionID, userID, string(t)).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*telemetry.Event, error) {
	e := &telemetry.Event{}
	var details string
	var ackAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.SessionID, &e.UserID, &e.UserDisplayName,
		&e.ActivityType, &e.Severity, &details, &e.OccurredAt,
		&e.Acknowledged, &e.AcknowledgedBy, &ackAt, &e.Notes,
	)
	if err != nil {
		return nil, err
	}
	if ackAt.Valid {
		e.AcknowledgedAt = &ackAt.Time
	}
	if details != "" && details != "{}" {
		_ = json.Unmarshal([]byte(details), &e.Details)
	}
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]*telemetry.Event, error) {
	var events []*telemetry.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
