package repository

import (
	"context"
	"database/sql"
	"fmt"

	"ExamShieldAPI/internal/models"
)

// IIncidentRepository archives incidents so they outlive the bounded feed.
type IIncidentRepository interface {
	Create(ctx context.Context, inc *models.Incident) error
	ListBySession(ctx context.Context, sessionID string, limit int, offset int) ([]models.Incident, error)
	CountBySession(ctx context.Context, sessionID string) (int, error)
}

type IncidentRepository struct {
	db *sql.DB
}

func NewIncidentRepository(db *sql.DB) *IncidentRepository {
	return &IncidentRepository{db: db}
}

func (r *IncidentRepository) Create(ctx context.Context, inc *models.Incident) error {
	query := `
		INSERT INTO incidents (
			id, session_id, observed_at, kind, seat, confidence,
			severity, level, description, source, evidence
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query,
		inc.ID,
		inc.SessionID,
		inc.ObservedAt,
		string(inc.Kind),
		inc.Seat,
		inc.Confidence,
		inc.Severity,
		inc.Level.String(),
		inc.Description,
		inc.Source,
		inc.Evidence,
	)
	if err != nil {
		return fmt.Errorf("failed to archive incident: %w", err)
	}
	return nil
}

// ListBySession returns a session's archived incidents, newest first.
func (r *IncidentRepository) ListBySession(ctx context.Context, sessionID string, limit int, offset int) ([]models.Incident, error) {
	query := `
		SELECT id, session_id, observed_at, kind, seat, confidence,
		       severity, level, description, source, evidence
		FROM incidents
		WHERE session_id = $1
		ORDER BY observed_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.QueryContext(ctx, query, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	incidents := []models.Incident{}
	for rows.Next() {
		var inc models.Incident
		var kind, level string
		if err := rows.Scan(
			&inc.ID, &inc.SessionID, &inc.ObservedAt, &kind, &inc.Seat, &inc.Confidence,
			&inc.Severity, &level, &inc.Description, &inc.Source, &inc.Evidence,
		); err != nil {
			return nil, err
		}
		inc.Kind = models.Kind(kind)
		if err := inc.Level.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("incident %s: %w", inc.ID, err)
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

func (r *IncidentRepository) CountBySession(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM incidents WHERE session_id = $1`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count incidents: %w", err)
	}
	return n, nil
}
