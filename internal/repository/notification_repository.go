package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ExamShieldAPI/internal/models"
)

type INotificationRepository interface {
	Create(ctx context.Context, n *models.NotificationRecord) error
	ListBySession(ctx context.Context, sessionID string) ([]models.NotificationRecord, error)
}

type NotificationRepository struct {
	db *sql.DB
}

func NewNotificationRepository(db *sql.DB) *NotificationRepository {
	return &NotificationRepository{db: db}
}

// Create logs one finished send attempt and fills in its id.
func (r *NotificationRepository) Create(ctx context.Context, n *models.NotificationRecord) error {
	query := `
		INSERT INTO notifications (session_id, recipient, trigger, subject, status, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}

	err := r.db.QueryRowContext(ctx, query,
		n.SessionID, n.Recipient, n.Trigger, n.Subject, n.Status, n.Error, n.CreatedAt,
	).Scan(&n.ID)
	if err != nil {
		return fmt.Errorf("failed to log notification: %w", err)
	}
	return nil
}

func (r *NotificationRepository) ListBySession(ctx context.Context, sessionID string) ([]models.NotificationRecord, error) {
	query := `
		SELECT id, session_id, recipient, trigger, subject, status, error, created_at
		FROM notifications
		WHERE session_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	records := []models.NotificationRecord{}
	for rows.Next() {
		var n models.NotificationRecord
		if err := rows.Scan(
			&n.ID, &n.SessionID, &n.Recipient, &n.Trigger, &n.Subject, &n.Status, &n.Error, &n.CreatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, n)
	}
	return records, rows.Err()
}
