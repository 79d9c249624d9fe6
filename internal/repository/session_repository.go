package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ExamShieldAPI/internal/models"
)

// ISessionRepository stores the history of monitoring sessions.
type ISessionRepository interface {
	Create(ctx context.Context, s *models.SessionRecord) error
	Finish(ctx context.Context, id string, endedAt time.Time, summary models.ScoreUpdate) error
	GetByID(ctx context.Context, id string) (*models.SessionRecord, error)
	List(ctx context.Context, limit int, offset int) ([]models.SessionRecord, error)
}

type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, s *models.SessionRecord) error {
	query := `
		INSERT INTO exam_sessions (id, status, started_at, incident_count, total_severity, integrity_score)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := r.db.ExecContext(ctx, query,
		s.ID, s.Status, s.StartedAt, s.IncidentCount, s.TotalSeverity, s.IntegrityScore,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// Finish marks the session ended and stores its final totals.
func (r *SessionRepository) Finish(ctx context.Context, id string, endedAt time.Time, summary models.ScoreUpdate) error {
	query := `
		UPDATE exam_sessions
		SET status = $1, ended_at = $2, incident_count = $3, total_severity = $4, integrity_score = $5
		WHERE id = $6
	`

	res, err := r.db.ExecContext(ctx, query,
		models.SessionEnded, endedAt, summary.IncidentCount, summary.TotalSeverity, summary.IntegrityScore, id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("session %s not found", id)
	}
	return nil
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.SessionRecord, error) {
	query := `
		SELECT id, status, started_at, ended_at, incident_count, total_severity, integrity_score
		FROM exam_sessions
		WHERE id = $1
	`

	s := &models.SessionRecord{}
	var ended sql.NullTime
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&s.ID, &s.Status, &s.StartedAt, &ended, &s.IncidentCount, &s.TotalSeverity, &s.IntegrityScore,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session by id: %w", err)
	}
	if ended.Valid {
		s.EndedAt = &ended.Time
	}
	return s, nil
}

// List returns sessions newest first.
func (r *SessionRepository) List(ctx context.Context, limit int, offset int) ([]models.SessionRecord, error) {
	query := `
		SELECT id, status, started_at, ended_at, incident_count, total_severity, integrity_score
		FROM exam_sessions
		ORDER BY started_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []models.SessionRecord{}
	for rows.Next() {
		var s models.SessionRecord
		var ended sql.NullTime
		if err := rows.Scan(
			&s.ID, &s.Status, &s.StartedAt, &ended, &s.IncidentCount, &s.TotalSeverity, &s.IntegrityScore,
		); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			s.EndedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
