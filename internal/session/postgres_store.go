package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, sess *Session) error {
	startedAt := sess.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, started_at)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, sess.ID, startedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	sess := &Session{ID: sessionID}
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT started_at, ended_at FROM sessions WHERE id = $1
	`, sessionID).Scan(&sess.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, display_name, score, correct_answers, joined_at
		FROM participants
		WHERE session_id = $1
		ORDER BY joined_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	byUser := make(map[string]*Participant)
	for rows.Next() {
		p := &Participant{}
		if err := rows.Scan(&p.UserID, &p.DisplayName, &p.Score, &p.CorrectAnswers, &p.JoinedAt); err != nil {
			return nil, err
		}
		sess.Participants = append(sess.Participants, p)
		byUser[p.UserID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Answer streams, in submission order per participant.
	arows, err := s.db.QueryContext(ctx, `
		SELECT user_id, question_id, selected_answer, correct, time_spent_ms, submitted_at
		FROM answers
		WHERE session_id = $1
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = arows.Close() }()

	for arows.Next() {
		var userID string
		a := &Answer{}
		if err := arows.Scan(&userID, &a.QuestionID, &a.SelectedAnswer, &a.Correct, &a.TimeSpentMs, &a.SubmittedAt); err != nil {
			return nil, err
		}
		if p, ok := byUser[userID]; ok {
			p.Answers = append(p.Answers, a)
		}
	}
	return sess, arows.Err()
}

func (s *PostgresStore) AddParticipant(ctx context.Context, sessionID string, p *Participant) error {
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT ended_at FROM sessions WHERE id = $1
	`, sessionID).Scan(&endedAt)
	if err == sql.ErrNoRows {
		return ErrSessionNotFound
	}
	if err != nil {
		return err
	}
	if endedAt.Valid {
		return ErrSessionEnded
	}

	joinedAt := p.JoinedAt
	if joinedAt.IsZero() {
		joinedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO participants (session_id, user_id, display_name, score, correct_answers, joined_at)
		VALUES ($1, $2, $3, 0, 0, $4)
		ON CONFLICT (session_id, user_id) DO NOTHING
	`, sessionID, p.UserID, p.DisplayName, joinedAt)
	return err
}

func (s *PostgresStore) AppendAnswer(ctx context.Context, sessionID, userID string, a *Answer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	submittedAt := a.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = time.Now()
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO answers (session_id, user_id, question_id, selected_answer, correct, time_spent_ms, submitted_at)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE EXISTS (SELECT 1 FROM participants WHERE session_id = $1 AND user_id = $2)
	`, sessionID, userID, a.QuestionID, a.SelectedAnswer, a.Correct, a.TimeSpentMs, submittedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrParticipantNotFound
	}

	if a.Correct {
		_, err = tx.ExecContext(ctx, `
			UPDATE participants
			SET correct_answers = correct_answers + 1, score = score + 1
			WHERE session_id = $1 AND user_id = $2
		`, sessionID, userID)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) End(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET ended_at = COALESCE(ended_at, NOW()) WHERE id = $1
	`, sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}
